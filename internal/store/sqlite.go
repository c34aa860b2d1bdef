// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conditional writes arbitrate claim races; sequence assignment is atomic

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one so
	// every query sees the same schema and data.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS visitors (
			site_id      TEXT NOT NULL,
			id           TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			email        TEXT NOT NULL DEFAULT '',
			online       INTEGER NOT NULL DEFAULT 0,
			last_seen_at TEXT NOT NULL,
			created_at   TEXT NOT NULL,

			PRIMARY KEY (site_id, id)
		);

		CREATE TABLE IF NOT EXISTS agents (
			site_id           TEXT NOT NULL,
			user_id           TEXT NOT NULL,
			display_name      TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'offline',
			max_concurrent    INTEGER NOT NULL DEFAULT 5,
			current_count     INTEGER NOT NULL DEFAULT 0,
			accepts_new_chats INTEGER NOT NULL DEFAULT 1,
			last_assigned_at  TEXT NOT NULL DEFAULT '',
			updated_at        TEXT NOT NULL,

			PRIMARY KEY (site_id, user_id),
			CHECK (status IN ('online', 'away', 'busy', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_site_status ON agents(site_id, status);

		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			site_id           TEXT NOT NULL,
			visitor_id        TEXT NOT NULL,
			assigned_agent_id TEXT,
			status            TEXT NOT NULL DEFAULT 'pending',
			priority          TEXT NOT NULL DEFAULT 'normal',
			tags              TEXT NOT NULL DEFAULT '[]',
			needs_attention   INTEGER NOT NULL DEFAULT 0,
			first_message_at  TEXT,
			first_response_at TEXT,
			last_message_at   TEXT,
			resolved_at       TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('pending', 'active', 'resolved', 'closed'))
		);

		-- One open conversation per visitor, enforced at the storage layer so
		-- concurrent start_chat calls collapse deterministically.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_visitor
			ON conversations(site_id, visitor_id)
			WHERE status IN ('pending', 'active');

		CREATE INDEX IF NOT EXISTS idx_conversations_agent
			ON conversations(site_id, assigned_agent_id, status);

		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL REFERENCES conversations(id),
			seq               INTEGER NOT NULL,
			sender_kind       TEXT NOT NULL,
			sender_id         TEXT NOT NULL,
			content           TEXT NOT NULL,
			attachments       TEXT NOT NULL DEFAULT '[]',
			client_message_id TEXT,
			read_by_visitor   INTEGER NOT NULL DEFAULT 0,
			read_by_agent     INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,

			UNIQUE (conversation_id, seq),
			CHECK (sender_kind IN ('visitor', 'agent', 'system'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
			ON messages(conversation_id, client_message_id)
			WHERE client_message_id IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// nullTime returns nil for nil pointers, otherwise the formatted timestamp
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Visitors ---

// UpsertVisitor inserts or refreshes a visitor identity record.
// Contact fields are only overwritten when the new value is non-empty.
func (s *SQLiteStore) UpsertVisitor(ctx context.Context, v *Visitor) error {
	query := `
		INSERT INTO visitors (site_id, id, name, email, online, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id, id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE visitors.name END,
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE visitors.email END,
			online = excluded.online,
			last_seen_at = excluded.last_seen_at
	`

	_, err := s.db.ExecContext(ctx, query,
		v.SiteID, v.ID, v.Name, v.Email, boolToInt(v.Online),
		formatTime(v.LastSeenAt), formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting visitor: %w", err)
	}

	s.logger.Debug("upserted visitor", "site_id", v.SiteID, "visitor_id", v.ID)
	return nil
}

// GetVisitor retrieves a visitor by site and id.
// Returns ErrNotFound if the visitor doesn't exist.
func (s *SQLiteStore) GetVisitor(ctx context.Context, siteID, visitorID string) (*Visitor, error) {
	query := `
		SELECT site_id, id, name, email, online, last_seen_at, created_at
		FROM visitors
		WHERE site_id = ? AND id = ?
	`

	var v Visitor
	var online int
	var lastSeenStr, createdStr string

	err := s.db.QueryRowContext(ctx, query, siteID, visitorID).Scan(
		&v.SiteID, &v.ID, &v.Name, &v.Email, &online, &lastSeenStr, &createdStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying visitor: %w", err)
	}

	v.Online = online != 0
	if v.LastSeenAt, err = parseTime(lastSeenStr); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if v.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &v, nil
}

// SetVisitorOnline updates the visitor's online flag and last-seen timestamp.
func (s *SQLiteStore) SetVisitorOnline(ctx context.Context, siteID, visitorID string, online bool, seenAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE visitors SET online = ?, last_seen_at = ?
		WHERE site_id = ? AND id = ?
	`, boolToInt(online), formatTime(seenAt), siteID, visitorID)
	if err != nil {
		return fmt.Errorf("updating visitor online: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Agents ---

// UpsertAgent inserts or updates an agent record.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *Agent) error {
	query := `
		INSERT INTO agents (site_id, user_id, display_name, status, max_concurrent,
			current_count, accepts_new_chats, last_assigned_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id, user_id) DO UPDATE SET
			display_name = excluded.display_name,
			status = excluded.status,
			max_concurrent = excluded.max_concurrent,
			accepts_new_chats = excluded.accepts_new_chats,
			updated_at = excluded.updated_at
	`

	lastAssigned := ""
	if !a.LastAssignedAt.IsZero() {
		lastAssigned = formatTime(a.LastAssignedAt)
	}

	_, err := s.db.ExecContext(ctx, query,
		a.SiteID, a.UserID, a.DisplayName, string(a.Status), a.MaxConcurrent,
		a.CurrentCount, boolToInt(a.AcceptsNewChats), lastAssigned, formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by site and user id.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, siteID, userID string) (*Agent, error) {
	query := `
		SELECT site_id, user_id, display_name, status, max_concurrent,
			current_count, accepts_new_chats, last_assigned_at, updated_at
		FROM agents
		WHERE site_id = ? AND user_id = ?
	`
	return s.scanAgent(s.db.QueryRowContext(ctx, query, siteID, userID))
}

func (s *SQLiteStore) scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var status string
	var accepts int
	var lastAssignedStr, updatedStr string

	err := row.Scan(&a.SiteID, &a.UserID, &a.DisplayName, &status, &a.MaxConcurrent,
		&a.CurrentCount, &accepts, &lastAssignedStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.Status = AgentStatus(status)
	a.AcceptsNewChats = accepts != 0
	if a.LastAssignedAt, err = parseTime(lastAssignedStr); err != nil {
		return nil, fmt.Errorf("parsing last_assigned_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// UpdateAgentStatus sets the agent's availability status.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, siteID, userID string, status AgentStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ?
		WHERE site_id = ? AND user_id = ?
	`, string(status), formatTime(time.Now()), siteID, userID)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated agent status", "site_id", siteID, "user_id", userID, "status", status)
	return nil
}

// ListAvailableAgents returns online agents accepting new chats with capacity
// headroom, ordered by current load then least-recently-assigned for fairness.
func (s *SQLiteStore) ListAvailableAgents(ctx context.Context, siteID string) ([]*Agent, error) {
	query := `
		SELECT site_id, user_id, display_name, status, max_concurrent,
			current_count, accepts_new_chats, last_assigned_at, updated_at
		FROM agents
		WHERE site_id = ? AND status = 'online' AND accepts_new_chats = 1
			AND current_count < max_concurrent
		ORDER BY current_count ASC, last_assigned_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, fmt.Errorf("querying available agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var status string
		var accepts int
		var lastAssignedStr, updatedStr string

		if err := rows.Scan(&a.SiteID, &a.UserID, &a.DisplayName, &status, &a.MaxConcurrent,
			&a.CurrentCount, &accepts, &lastAssignedStr, &updatedStr); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		a.Status = AgentStatus(status)
		a.AcceptsNewChats = accepts != 0
		if a.LastAssignedAt, err = parseTime(lastAssignedStr); err != nil {
			return nil, fmt.Errorf("parsing last_assigned_at: %w", err)
		}
		if a.UpdatedAt, err = parseTime(updatedStr); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// AdjustAgentLoad moves the agent's current conversation count by delta,
// clamped at zero.
func (s *SQLiteStore) AdjustAgentLoad(ctx context.Context, siteID, userID string, delta int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET current_count = MAX(current_count + ?, 0), updated_at = ?
		WHERE site_id = ? AND user_id = ?
	`, delta, formatTime(time.Now()), siteID, userID)
	if err != nil {
		return fmt.Errorf("adjusting agent load: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAgentAssignedAt records when the agent last received an assignment,
// feeding the least-recently-assigned fairness tie-break.
func (s *SQLiteStore) TouchAgentAssignedAt(ctx context.Context, siteID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_assigned_at = ? WHERE site_id = ? AND user_id = ?
	`, formatTime(at), siteID, userID)
	if err != nil {
		return fmt.Errorf("touching agent assigned_at: %w", err)
	}
	return nil
}

// --- Conversations ---

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the visitor already has an open one.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	query := `
		INSERT INTO conversations (id, site_id, visitor_id, assigned_agent_id, status,
			priority, tags, needs_attention, first_message_at, first_response_at,
			last_message_at, resolved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var assigned any
	if c.AssignedAgentID != nil {
		assigned = *c.AssignedAgentID
	}

	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.SiteID, c.VisitorID, assigned, string(c.Status),
		c.Priority, string(tags), boolToInt(c.NeedsAttention),
		nullTime(c.FirstMessageAt), nullTime(c.FirstResponseAt),
		nullTime(c.LastMessageAt), nullTime(c.ResolvedAt),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "site_id", c.SiteID, "visitor_id", c.VisitorID)
	return nil
}

const conversationColumns = `
	id, site_id, visitor_id, assigned_agent_id, status, priority, tags,
	needs_attention, first_message_at, first_response_at, last_message_at,
	resolved_at, created_at, updated_at
`

func scanConversation(scan func(dest ...any) error) (*Conversation, error) {
	var c Conversation
	var assigned sql.NullString
	var status, tagsJSON string
	var needsAttention int
	var firstMsg, firstResp, lastMsg, resolved sql.NullString
	var createdStr, updatedStr string

	err := scan(&c.ID, &c.SiteID, &c.VisitorID, &assigned, &status, &c.Priority,
		&tagsJSON, &needsAttention, &firstMsg, &firstResp, &lastMsg, &resolved,
		&createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	if assigned.Valid {
		c.AssignedAgentID = &assigned.String
	}
	c.Status = ConversationStatus(status)
	c.NeedsAttention = needsAttention != 0
	if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if c.FirstMessageAt, err = parseNullTime(firstMsg); err != nil {
		return nil, fmt.Errorf("parsing first_message_at: %w", err)
	}
	if c.FirstResponseAt, err = parseNullTime(firstResp); err != nil {
		return nil, fmt.Errorf("parsing first_response_at: %w", err)
	}
	if c.LastMessageAt, err = parseNullTime(lastMsg); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if c.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &c, nil
}

// GetConversation retrieves a conversation by id.
// Returns ErrConversationNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row.Scan)
}

// GetOpenConversationByVisitor returns the visitor's pending or active
// conversation, or ErrNotFound when there is none.
func (s *SQLiteStore) GetOpenConversationByVisitor(ctx context.Context, siteID, visitorID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE site_id = ? AND visitor_id = ? AND status IN ('pending', 'active')
	`, siteID, visitorID)

	conv, err := scanConversation(row.Scan)
	if err == ErrConversationNotFound {
		return nil, ErrNotFound
	}
	return conv, err
}

// ListConversationsByAgent returns the agent's open conversations, most
// recently updated first.
func (s *SQLiteStore) ListConversationsByAgent(ctx context.Context, siteID, agentID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE site_id = ? AND assigned_agent_id = ? AND status IN ('pending', 'active', 'resolved')
		ORDER BY updated_at DESC
		LIMIT ?
	`, siteID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations by agent: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// ClaimConversation atomically assigns the conversation to agentID if no agent
// holds it yet. The single conditional UPDATE is the claim-race arbiter: only
// one concurrent caller sees a row change. The losing caller gets the current
// authoritative row with claimed=false, never an error.
func (s *SQLiteStore) ClaimConversation(ctx context.Context, convID, agentID string, at time.Time) (*Conversation, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET assigned_agent_id = ?, status = 'active', needs_attention = 0, updated_at = ?
		WHERE id = ? AND assigned_agent_id IS NULL AND status = 'pending'
	`, agentID, formatTime(at), convID)
	if err != nil {
		return nil, false, fmt.Errorf("claiming conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}

	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, false, err
	}

	claimed := rows > 0
	if claimed {
		s.logger.Debug("conversation claimed", "id", convID, "agent_id", agentID)
	}
	return conv, claimed, nil
}

// TransferConversation reassigns the conversation from one agent to another,
// moving the capacity counters in the same transaction.
func (s *SQLiteStore) TransferConversation(ctx context.Context, convID, fromAgentID, toAgentID string, at time.Time) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transfer: %w", err)
	}
	defer tx.Rollback()

	var siteID string
	err = tx.QueryRowContext(ctx, `SELECT site_id FROM conversations WHERE id = ?`, convID).Scan(&siteID)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation site: %w", err)
	}

	now := formatTime(at)
	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET assigned_agent_id = ?, needs_attention = 0, updated_at = ?
		WHERE id = ? AND assigned_agent_id = ?
	`, toAgentID, now, convID, fromAgentID)
	if err != nil {
		return nil, fmt.Errorf("transferring conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotAssigned
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET current_count = MAX(current_count - 1, 0), updated_at = ?
		WHERE site_id = ? AND user_id = ?
	`, now, siteID, fromAgentID); err != nil {
		return nil, fmt.Errorf("decrementing source agent load: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET current_count = current_count + 1, last_assigned_at = ?, updated_at = ?
		WHERE site_id = ? AND user_id = ?
	`, now, now, siteID, toAgentID); err != nil {
		return nil, fmt.Errorf("incrementing target agent load: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transfer: %w", err)
	}

	s.logger.Debug("conversation transferred", "id", convID, "from", fromAgentID, "to", toAgentID)
	return s.GetConversation(ctx, convID)
}

// ResolveConversation marks the conversation resolved. The assignment is kept.
// Resolving an already-resolved conversation is a no-op returning the row.
func (s *SQLiteStore) ResolveConversation(ctx context.Context, convID, agentID string, at time.Time) (*Conversation, error) {
	now := formatTime(at)
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = 'resolved', resolved_at = ?, needs_attention = 0, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'active')
	`, now, now, convID)
	if err != nil {
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}

	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("conversation resolved", "id", convID, "agent_id", agentID)
	return conv, nil
}

// ReactivateConversation moves a resolved conversation back to active,
// retaining the assignment. needsAttention flags the conversation for
// re-engagement when the assigned agent has no live connection.
func (s *SQLiteStore) ReactivateConversation(ctx context.Context, convID string, needsAttention bool, at time.Time) (*Conversation, error) {
	now := formatTime(at)
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = 'active', needs_attention = ?, resolved_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'resolved'
	`, boolToInt(needsAttention), now, convID)
	if err != nil {
		return nil, fmt.Errorf("reactivating conversation: %w", err)
	}
	return s.GetConversation(ctx, convID)
}

// SetFirstResponseAt stamps first_response_at if it is still null.
// Subsequent calls leave the original value untouched.
func (s *SQLiteStore) SetFirstResponseAt(ctx context.Context, convID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET first_response_at = ?
		WHERE id = ? AND first_response_at IS NULL
	`, formatTime(at), convID)
	if err != nil {
		return fmt.Errorf("setting first_response_at: %w", err)
	}
	return nil
}

// --- Messages ---

// AppendMessage persists a message, assigning the next sequence number in the
// conversation's total order within the insert statement itself. When the
// message carries a client message id that was already persisted, the original
// row is returned with Duplicate=true and nothing is written.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *Message) (*AppendResult, error) {
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return nil, fmt.Errorf("encoding attachments: %w", err)
	}

	if m.ClientMessageID != "" {
		existing, err := s.getMessageByDedupKey(ctx, m.ConversationID, m.ClientMessageID)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if existing != nil {
			return &AppendResult{Message: existing, Duplicate: true}, nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, m.ConversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", err)
	}

	createdAt := formatTime(m.CreatedAt)

	// Sequence assignment and insert happen in one statement so concurrent
	// writers cannot observe the same MAX(seq).
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_kind, sender_id,
			content, attachments, client_message_id, read_by_visitor, read_by_agent, created_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?
		FROM messages WHERE conversation_id = ?
	`, m.ID, m.ConversationID, string(m.SenderKind), m.SenderID,
		m.Content, string(attachments), nullString(m.ClientMessageID),
		boolToInt(m.ReadByVisitor), boolToInt(m.ReadByAgent), createdAt,
		m.ConversationID)
	if err != nil {
		if isConstraintViolation(err) && m.ClientMessageID != "" {
			// Lost a dedup race: another writer persisted this client id first.
			// Release the transaction before looking up the winner's row; the
			// pool may have a single connection and it is held by our tx.
			tx.Rollback()
			existing, lookupErr := s.getMessageByDedupKey(ctx, m.ConversationID, m.ClientMessageID)
			if lookupErr == nil {
				return &AppendResult{Message: existing, Duplicate: true}, nil
			}
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET first_message_at = COALESCE(first_message_at, ?),
			last_message_at = ?, updated_at = ?
		WHERE id = ?
	`, createdAt, createdAt, createdAt, m.ConversationID); err != nil {
		return nil, fmt.Errorf("updating conversation timestamps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}

	saved, err := s.getMessageByID(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("appended message",
		"id", saved.ID, "conversation_id", saved.ConversationID, "seq", saved.Seq)
	return &AppendResult{Message: saved}, nil
}

const messageColumns = `
	id, conversation_id, seq, sender_kind, sender_id, content, attachments,
	client_message_id, read_by_visitor, read_by_agent, created_at
`

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var m Message
	var senderKind, attachmentsJSON string
	var clientID sql.NullString
	var readVisitor, readAgent int
	var createdStr string

	err := scan(&m.ID, &m.ConversationID, &m.Seq, &senderKind, &m.SenderID,
		&m.Content, &attachmentsJSON, &clientID, &readVisitor, &readAgent, &createdStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	m.SenderKind = ActorKind(senderKind)
	if err := json.Unmarshal([]byte(attachmentsJSON), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decoding attachments: %w", err)
	}
	if clientID.Valid {
		m.ClientMessageID = clientID.String
	}
	m.ReadByVisitor = readVisitor != 0
	m.ReadByAgent = readAgent != 0
	if m.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) getMessageByID(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row.Scan)
}

func (s *SQLiteStore) getMessageByDedupKey(ctx context.Context, convID, clientMessageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND client_message_id = ?
	`, convID, clientMessageID)
	return scanMessage(row.Scan)
}

// MarkRead flips the reader's read flag on all messages up to and including
// upToSeq. Returns the number of messages newly marked.
func (s *SQLiteStore) MarkRead(ctx context.Context, convID string, reader ActorKind, upToSeq int64) (int64, error) {
	var column string
	switch reader {
	case ActorVisitor:
		column = "read_by_visitor"
	case ActorAgent:
		column = "read_by_agent"
	default:
		return 0, fmt.Errorf("unsupported reader kind %q", reader)
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE messages SET %s = 1
		WHERE conversation_id = ? AND seq <= ? AND %s = 0
	`, column, column), convID, upToSeq)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows, nil
}

// ListMessagesSince returns messages with seq greater than afterSeq in
// sequence order. Pass afterSeq=0 for the full history.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, convID string, afterSeq int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, convID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
