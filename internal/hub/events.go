// ABOUTME: In-memory fan-out broadcaster for persisted domain events
// ABOUTME: Lets external consumers observe hub activity per site without polling

package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Domain event types published by the hub.
const (
	EventConversationCreated  = "conversation.created"
	EventMessageSent          = "message.sent"
	EventConversationResolved = "conversation.resolved"
)

// DomainEvent records something durable that happened: a conversation
// created, a message persisted, a resolution. Events are published only
// after the corresponding row is committed.
type DomainEvent struct {
	Type           string    `json:"type"`
	SiteID         string    `json:"site_id"`
	ConversationID string    `json:"conversation_id"`
	At             time.Time `json:"at"`
	Payload        any       `json:"payload,omitempty"`
}

// EventBroadcaster provides in-memory pub/sub for domain events, keyed by
// site id. CRM exporters, bots and audit pipelines subscribe here instead of
// tailing the database.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *DomainEvent // siteID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *DomainEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for a site's domain events. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, siteID string) (<-chan *DomainEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *DomainEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[siteID]; !ok {
		b.subscribers[siteID] = make(map[string]chan *DomainEvent)
	}
	b.subscribers[siteID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "site_id", siteID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(siteID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the event's site.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(event *DomainEvent) {
	b.mu.RLock()
	subs, ok := b.subscribers[event.SiteID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan *DomainEvent, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"site_id", event.SiteID,
				"event_type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(siteID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[siteID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, siteID)
	}

	b.logger.Debug("subscriber removed", "site_id", siteID, "sub_id", subID)
}

// SubscriberCount returns the number of active subscribers for a site.
func (b *EventBroadcaster) SubscriberCount(siteID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[siteID])
}
