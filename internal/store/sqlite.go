// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message/presence persistence with transactional transitions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is the canonical timestamp encoding. Nanosecond precision keeps
// message ordering stable even for appends within the same millisecond.
const timeFormat = time.RFC3339Nano

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

	// One connection serializes writers, so racing transitions queue up and
	// hit the guarded UPDATEs instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
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
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL UNIQUE,
			role       TEXT NOT NULL DEFAULT 'cs',
			created_at TEXT NOT NULL,

			CHECK (role IN ('cs', 'admin'))
		);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id                TEXT PRIMARY KEY,
			customer_name     TEXT,
			customer_email    TEXT,
			customer_token    TEXT NOT NULL UNIQUE,
			source_url        TEXT,
			status            TEXT NOT NULL DEFAULT 'waiting',
			assigned_agent_id TEXT REFERENCES users(id),
			created_at        TEXT NOT NULL,
			assigned_at       TEXT,
			resolved_at       TEXT,
			last_message_at   TEXT NOT NULL,
			rating            INTEGER,
			feedback          TEXT,

			CHECK (status IN ('waiting', 'active', 'resolved', 'abandoned')),
			CHECK (rating IS NULL OR rating BETWEEN 1 AND 5)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status_created
			ON chat_sessions(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_agent
			ON chat_sessions(assigned_agent_id, status);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_message
			ON chat_sessions(last_message_at);

		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL REFERENCES chat_sessions(id),
			sender_type TEXT NOT NULL,
			sender_id   TEXT,
			content     TEXT NOT NULL,
			kind        TEXT NOT NULL DEFAULT 'text',
			file_ref    TEXT,
			created_at  TEXT NOT NULL,

			CHECK (sender_type IN ('customer', 'agent', 'system')),
			CHECK (kind IN ('text', 'image', 'file', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at, id);

		CREATE TABLE IF NOT EXISTS agent_presence (
			user_id        TEXT PRIMARY KEY REFERENCES users(id),
			state          TEXT NOT NULL DEFAULT 'offline',
			current_chats  INTEGER NOT NULL DEFAULT 0,
			max_chats      INTEGER NOT NULL DEFAULT 5,
			last_active_at TEXT NOT NULL,

			CHECK (state IN ('online', 'busy', 'offline')),
			CHECK (current_chats >= 0 AND current_chats <= max_chats),
			CHECK (max_chats > 0)
		);

		CREATE TABLE IF NOT EXISTS canned_responses (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS activity_log (
			id         TEXT PRIMARY KEY,
			session_id TEXT,
			agent_id   TEXT,
			action     TEXT NOT NULL,
			detail     TEXT,
			created_at TEXT NOT NULL,

			CHECK (action IN (
				'session_created',
				'session_assigned',
				'session_transferred',
				'session_resolved',
				'session_abandoned',
				'agent_status',
				'rating_submitted'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_log(created_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeTime formats a timestamp for storage.
func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// decodeTime parses a stored timestamp.
func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Fall back to second precision for rows written by older builds
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const sessionColumns = `id, customer_name, customer_email, customer_token, source_url,
	status, assigned_agent_id, created_at, assigned_at, resolved_at,
	last_message_at, rating, feedback`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*ChatSession, error) {
	var (
		sess                       ChatSession
		name, email, source        sql.NullString
		agent, feedback            sql.NullString
		createdAt, lastMessageAt   string
		assignedAt, resolvedAt     sql.NullString
		rating                     sql.NullInt64
		status                     string
	)

	err := row.Scan(
		&sess.ID, &name, &email, &sess.CustomerToken, &source,
		&status, &agent, &createdAt, &assignedAt, &resolvedAt,
		&lastMessageAt, &rating, &feedback,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.CustomerName = name.String
	sess.CustomerEmail = email.String
	sess.SourceURL = source.String
	sess.Status = SessionStatus(status)
	sess.AssignedAgent = agent.String
	sess.Feedback = feedback.String
	if rating.Valid {
		sess.Rating = int(rating.Int64)
	}

	if sess.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.LastMessageAt, err = decodeTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if sess.AssignedAt, err = decodeTimePtr(assignedAt); err != nil {
		return nil, fmt.Errorf("parsing assigned_at: %w", err)
	}
	if sess.ResolvedAt, err = decodeTimePtr(resolvedAt); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}

	return &sess, nil
}

// CreateSession persists a new waiting session. If welcome is non-nil it is
// appended as the session's first message in the same transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *ChatSession, welcome *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (
			id, customer_name, customer_email, customer_token, source_url,
			status, created_at, last_message_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		nullIfEmpty(session.CustomerName),
		nullIfEmpty(session.CustomerEmail),
		session.CustomerToken,
		nullIfEmpty(session.SourceURL),
		string(session.Status),
		encodeTime(session.CreatedAt),
		encodeTime(session.LastMessageAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	if welcome != nil {
		if err := insertMessageTx(ctx, tx, welcome); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}

	s.logger.Debug("session created", "session_id", session.ID)
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetSessionByID retrieves a session by its id.
func (s *SQLiteStore) GetSessionByID(ctx context.Context, id string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByToken retrieves a session by its customer token.
func (s *SQLiteStore) GetSessionByToken(ctx context.Context, token string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE customer_token = ?`, token)
	return scanSession(row)
}

// GetWaitingSessionsOrdered returns all waiting sessions in FIFO order.
func (s *SQLiteStore) GetWaitingSessionsOrdered(ctx context.Context) ([]*ChatSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE status = 'waiting' ORDER BY created_at, id`)
}

// GetActiveSessionsForAgent returns the agent's active sessions ordered by assignment.
func (s *SQLiteStore) GetActiveSessionsForAgent(ctx context.Context, agentID string) ([]*ChatSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE status = 'active' AND assigned_agent_id = ? ORDER BY assigned_at, id`, agentID)
}

// GetIdleSessions returns open sessions idle since the cutoff. The boundary
// is inclusive: a session whose last message is exactly at the cutoff is idle.
func (s *SQLiteStore) GetIdleSessions(ctx context.Context, cutoff time.Time) ([]*ChatSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE status IN ('waiting', 'active') AND last_message_at <= ?
		 ORDER BY last_message_at`, encodeTime(cutoff))
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// SetRating records a rating on a resolved session. Returns ErrNotResolved
// if the session exists but is not in the resolved state.
func (s *SQLiteStore) SetRating(ctx context.Context, sessionID string, rating int, feedback string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET rating = ?, feedback = ?
		WHERE id = ? AND status = 'resolved'`,
		rating, nullIfEmpty(feedback), sessionID)
	if err != nil {
		return fmt.Errorf("updating rating: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rating update: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetSessionByID(ctx, sessionID); err != nil {
			return err
		}
		return ErrNotResolved
	}
	return nil
}

// reserveAgentTx atomically increments an agent's chat counter iff the agent
// is online with free capacity. Classifies failure as ErrNotOnline or
// ErrAtCapacity.
func reserveAgentTx(ctx context.Context, tx *sql.Tx, agentID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE agent_presence
		SET current_chats = current_chats + 1, last_active_at = ?
		WHERE user_id = ? AND state = 'online' AND current_chats < max_chats`,
		encodeTime(now), agentID)
	if err != nil {
		return fmt.Errorf("reserving agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking reservation: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM agent_presence WHERE user_id = ?`, agentID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotOnline
	}
	if err != nil {
		return fmt.Errorf("classifying reservation failure: %w", err)
	}
	if AgentState(state) != AgentOnline {
		return ErrNotOnline
	}
	return ErrAtCapacity
}

// releaseAgentTx decrements an agent's chat counter, never below zero.
func releaseAgentTx(ctx context.Context, tx *sql.Tx, agentID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agent_presence
		SET current_chats = CASE WHEN current_chats > 0 THEN current_chats - 1 ELSE 0 END
		WHERE user_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("releasing agent: %w", err)
	}
	return nil
}

// insertMessageTx appends a message and bumps the session's last_message_at.
func insertMessageTx(ctx context.Context, tx *sql.Tx, msg *Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender_type, sender_id, content, kind, file_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.SessionID,
		string(msg.SenderType),
		nullIfEmpty(msg.SenderID),
		msg.Content,
		msg.Kind,
		nullIfEmpty(msg.FileRef),
		encodeTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chat_sessions SET last_message_at = ? WHERE id = ?`,
		encodeTime(msg.CreatedAt), msg.SessionID)
	if err != nil {
		return fmt.Errorf("updating last_message_at: %w", err)
	}
	return nil
}

func getSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (*ChatSession, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// AssignSession moves a waiting session to active, binds it to the agent, and
// reserves the agent's capacity, all in one transaction. A racing claim on the
// same session fails with ErrAlreadyAssigned; a reservation that would exceed
// max_chats fails with ErrAtCapacity and leaves the session waiting.
func (s *SQLiteStore) AssignSession(ctx context.Context, sessionID, agentID string, sysMsg *Message) (*ChatSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = 'active', assigned_agent_id = ?, assigned_at = ?
		WHERE id = ? AND status = 'waiting'`,
		agentID, encodeTime(now), sessionID)
	if err != nil {
		return nil, fmt.Errorf("claiming session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claim: %w", err)
	}
	if affected == 0 {
		if _, err := getSessionTx(ctx, tx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyAssigned
	}

	if err := reserveAgentTx(ctx, tx, agentID, now); err != nil {
		return nil, err
	}

	if sysMsg != nil {
		if err := insertMessageTx(ctx, tx, sysMsg); err != nil {
			return nil, err
		}
	}

	sess, err := getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing assignment: %w", err)
	}

	s.logger.Debug("session assigned", "session_id", sessionID, "agent_id", agentID)
	return sess, nil
}

// TransferSession re-binds an active session from one agent to another.
// The target's capacity is reserved and the source's released in the same
// transaction; on any failure the source retains the chat.
func (s *SQLiteStore) TransferSession(ctx context.Context, sessionID, fromAgentID, toAgentID string, sysMsg *Message) (*ChatSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET assigned_agent_id = ?, assigned_at = ?
		WHERE id = ? AND status = 'active' AND assigned_agent_id = ?`,
		toAgentID, encodeTime(now), sessionID, fromAgentID)
	if err != nil {
		return nil, fmt.Errorf("re-binding session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking re-bind: %w", err)
	}
	if affected == 0 {
		if _, err := getSessionTx(ctx, tx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrNotAssigned
	}

	if err := reserveAgentTx(ctx, tx, toAgentID, now); err != nil {
		return nil, err
	}
	if err := releaseAgentTx(ctx, tx, fromAgentID); err != nil {
		return nil, err
	}

	if sysMsg != nil {
		if err := insertMessageTx(ctx, tx, sysMsg); err != nil {
			return nil, err
		}
	}

	sess, err := getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transfer: %w", err)
	}

	s.logger.Debug("session transferred",
		"session_id", sessionID, "from", fromAgentID, "to", toAgentID)
	return sess, nil
}

// ResolveSession moves an active session owned by agentID to resolved and
// releases the agent's capacity.
func (s *SQLiteStore) ResolveSession(ctx context.Context, sessionID, agentID string, sysMsg *Message) (*ChatSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// The system message must precede resolved_at so no message postdates it
	if sysMsg != nil {
		if err := insertMessageTx(ctx, tx, sysMsg); err != nil {
			return nil, err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = 'resolved', resolved_at = ?
		WHERE id = ? AND status = 'active' AND assigned_agent_id = ?`,
		encodeTime(now), sessionID, agentID)
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking resolve: %w", err)
	}
	if affected == 0 {
		// Roll back the system message along with everything else
		if _, err := getSessionTx(ctx, tx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrNotAssigned
	}

	if err := releaseAgentTx(ctx, tx, agentID); err != nil {
		return nil, err
	}

	sess, err := getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing resolve: %w", err)
	}

	s.logger.Debug("session resolved", "session_id", sessionID, "agent_id", agentID)
	return sess, nil
}

// AbandonSession moves a waiting or active session to abandoned. If the
// session was active, the assigned agent's capacity is released in the same
// transaction and the agent's id is returned so callers can mirror the
// release; the id is empty when the session was waiting. The in-transaction
// read is authoritative: an assignment racing this call either commits first
// (its agent is the one released) or loses the claim.
func (s *SQLiteStore) AbandonSession(ctx context.Context, sessionID string, sysMsg *Message) (*ChatSession, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if prev.Status.Terminal() {
		return nil, "", ErrSessionClosed
	}

	now := time.Now().UTC()

	if sysMsg != nil {
		if err := insertMessageTx(ctx, tx, sysMsg); err != nil {
			return nil, "", err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = 'abandoned', resolved_at = ?
		WHERE id = ? AND status IN ('waiting', 'active')`,
		encodeTime(now), sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("abandoning session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, "", fmt.Errorf("checking abandon: %w", err)
	}
	if affected == 0 {
		return nil, "", ErrSessionClosed
	}

	released := ""
	if prev.Status == StatusActive && prev.AssignedAgent != "" {
		released = prev.AssignedAgent
		if err := releaseAgentTx(ctx, tx, released); err != nil {
			return nil, "", err
		}
	}

	sess, err := getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, "", err
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("committing abandon: %w", err)
	}

	s.logger.Debug("session abandoned", "session_id", sessionID, "was", string(prev.Status))
	return sess, released, nil
}

// AppendMessage appends a message to an open session. Returns ErrSessionClosed
// if the session has already reached a terminal state.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM chat_sessions WHERE id = ?`, msg.SessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking session status: %w", err)
	}
	if SessionStatus(status).Terminal() {
		return ErrSessionClosed
	}

	if err := insertMessageTx(ctx, tx, msg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	return nil
}

// GetSessionMessages returns a session's messages in append order.
func (s *SQLiteStore) GetSessionMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender_type, sender_id, content, kind, file_ref, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			msg               Message
			senderType        string
			senderID, fileRef sql.NullString
			createdAt         string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &senderType, &senderID,
			&msg.Content, &msg.Kind, &fileRef, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.SenderType = SenderType(senderType)
		msg.SenderID = senderID.String
		msg.FileRef = fileRef.String
		if msg.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// UpsertPresence inserts or replaces an agent's presence row.
func (s *SQLiteStore) UpsertPresence(ctx context.Context, presence *AgentPresence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_presence (user_id, state, current_chats, max_chats, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			state = excluded.state,
			current_chats = excluded.current_chats,
			max_chats = excluded.max_chats,
			last_active_at = excluded.last_active_at`,
		presence.UserID,
		string(presence.State),
		presence.CurrentChats,
		presence.MaxChats,
		encodeTime(presence.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("upserting presence: %w", err)
	}
	return nil
}

// SetAgentState updates only the state and activity timestamp of a presence row.
func (s *SQLiteStore) SetAgentState(ctx context.Context, userID string, state AgentState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_presence SET state = ?, last_active_at = ? WHERE user_id = ?`,
		string(state), encodeTime(time.Now().UTC()), userID)
	if err != nil {
		return fmt.Errorf("updating agent state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking state update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPresence returns all agent presence rows.
func (s *SQLiteStore) ListPresence(ctx context.Context) ([]*AgentPresence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, state, current_chats, max_chats, last_active_at
		FROM agent_presence ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("querying presence: %w", err)
	}
	defer rows.Close()

	var presences []*AgentPresence
	for rows.Next() {
		var (
			p          AgentPresence
			state      string
			lastActive string
		)
		if err := rows.Scan(&p.UserID, &state, &p.CurrentChats, &p.MaxChats, &lastActive); err != nil {
			return nil, fmt.Errorf("scanning presence: %w", err)
		}
		p.State = AgentState(state)
		if p.LastActiveAt, err = decodeTime(lastActive); err != nil {
			return nil, fmt.Errorf("parsing last_active_at: %w", err)
		}
		presences = append(presences, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating presence: %w", err)
	}
	return presences, nil
}

// CountActiveSessions counts sessions currently active and assigned to the agent.
// Used to resync cached capacity counters against the session set.
func (s *SQLiteStore) CountActiveSessions(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_sessions
		WHERE status = 'active' AND assigned_agent_id = ?`, agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return count, nil
}

// CreateUser inserts a staff user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.Email, user.Role, encodeTime(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a staff user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		user      User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, created_at FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Name, &user.Email, &user.Role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if user.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing user created_at: %w", err)
	}
	return &user, nil
}

// ListCannedResponses returns all canned responses ordered by title.
func (s *SQLiteStore) ListCannedResponses(ctx context.Context) ([]*CannedResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, created_at FROM canned_responses ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("querying canned responses: %w", err)
	}
	defer rows.Close()

	var responses []*CannedResponse
	for rows.Next() {
		var (
			cr        CannedResponse
			createdAt string
		)
		if err := rows.Scan(&cr.ID, &cr.Title, &cr.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning canned response: %w", err)
		}
		if cr.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing canned created_at: %w", err)
		}
		responses = append(responses, &cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating canned responses: %w", err)
	}
	return responses, nil
}

// LogActivity records a lifecycle transition in the audit trail.
func (s *SQLiteStore) LogActivity(ctx context.Context, entry *ActivityEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, session_id, agent_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID,
		nullIfEmpty(entry.SessionID),
		nullIfEmpty(entry.AgentID),
		entry.Action,
		nullIfEmpty(entry.Detail),
		encodeTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting activity entry: %w", err)
	}
	return nil
}

// ListActivity returns the most recent activity entries, newest first.
func (s *SQLiteStore) ListActivity(ctx context.Context, limit int) ([]*ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, action, detail, created_at
		FROM activity_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var entries []*ActivityEntry
	for rows.Next() {
		var (
			e                         ActivityEntry
			sessionID, agentID, detail sql.NullString
			createdAt                 string
		)
		if err := rows.Scan(&e.ID, &sessionID, &agentID, &e.Action, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning activity entry: %w", err)
		}
		e.SessionID = sessionID.String
		e.AgentID = agentID.String
		e.Detail = detail.String
		if e.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing activity created_at: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity: %w", err)
	}
	return entries, nil
}
