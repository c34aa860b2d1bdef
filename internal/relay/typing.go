// ABOUTME: Thread-safe TTL tracker for typing indicators.
// ABOUTME: Expires stale indicators and broadcasts start/stop transitions.

package relay

import (
	"sync"
	"time"

	"github.com/dramac-main/dramac-chat-hub/internal/registry"
	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

// typingKey identifies one actor typing in one conversation.
type typingKey struct {
	conversationID string
	kind           store.ActorKind
	actorID        string
}

// TypingIndicator is the fan-out payload for typing transitions.
type TypingIndicator struct {
	ConversationID string          `json:"conversation_id"`
	ActorKind      store.ActorKind `json:"actor_kind"`
	ActorID        string          `json:"actor_id"`
	Typing         bool            `json:"typing"`
}

// TypingTracker holds volatile typing state with a TTL. Indicators never
// touch storage; a client that misses one sees nothing stale because the
// tracker expires it and broadcasts the stop on its behalf. A background
// goroutine sweeps expired entries.
type TypingTracker struct {
	mu       sync.Mutex
	active   map[typingKey]time.Time // expiry deadline per typist
	ttl      time.Duration
	registry *registry.Registry
	done     chan struct{}
	closed   bool
}

// NewTypingTracker creates a tracker whose indicators expire after ttl.
func NewTypingTracker(ttl time.Duration, reg *registry.Registry) *TypingTracker {
	t := &TypingTracker{
		active:   make(map[typingKey]time.Time),
		ttl:      ttl,
		registry: reg,
		done:     make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Start records that an actor is typing and broadcasts the indicator to the
// conversation, excluding the typist's own connection. A refresh arriving
// with more than half the window left only extends the deadline; past that
// the indicator is rebroadcast, so receivers applying the TTL themselves
// never see a continuous typist lapse.
func (t *TypingTracker) Start(conversationID string, kind store.ActorKind, actorID, originConnID string) {
	t.startAt(time.Now(), conversationID, kind, actorID, originConnID)
}

func (t *TypingTracker) startAt(now time.Time, conversationID string, kind store.ActorKind, actorID, originConnID string) {
	key := typingKey{conversationID, kind, actorID}

	t.mu.Lock()
	deadline, already := t.active[key]
	t.active[key] = now.Add(t.ttl)
	t.mu.Unlock()

	if already && deadline.Sub(now) > t.ttl/2 {
		return
	}
	t.broadcast(key, true, originConnID)
}

// Stop clears an actor's typing indicator, broadcasting the stop if one was
// active. Called explicitly by clients and implicitly when a message lands.
func (t *TypingTracker) Stop(conversationID string, kind store.ActorKind, actorID string) {
	key := typingKey{conversationID, kind, actorID}

	t.mu.Lock()
	_, was := t.active[key]
	delete(t.active, key)
	t.mu.Unlock()

	if was {
		t.broadcast(key, false, "")
	}
}

// Typing reports whether the actor currently has a live indicator.
func (t *TypingTracker) Typing(conversationID string, kind store.ActorKind, actorID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := t.active[typingKey{conversationID, kind, actorID}]
	return ok && time.Now().Before(deadline)
}

func (t *TypingTracker) broadcast(key typingKey, typing bool, originConnID string) {
	t.registry.FanOut(key.conversationID, &registry.Event{
		Type:      "typing",
		Ephemeral: true,
		Data: TypingIndicator{
			ConversationID: key.conversationID,
			ActorKind:      key.kind,
			ActorID:        key.actorID,
			Typing:         typing,
		},
	}, originConnID)
}

// sweep runs in a background goroutine, expiring stale indicators and
// broadcasting the stop for each.
func (t *TypingTracker) sweep() {
	interval := t.ttl / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.expire(time.Now())
		case <-t.done:
			return
		}
	}
}

// expire removes entries whose deadline has passed and broadcasts each stop.
func (t *TypingTracker) expire(now time.Time) {
	t.mu.Lock()
	var expired []typingKey
	for key, deadline := range t.active {
		if now.After(deadline) {
			delete(t.active, key)
			expired = append(expired, key)
		}
	}
	t.mu.Unlock()

	for _, key := range expired {
		t.broadcast(key, false, "")
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
