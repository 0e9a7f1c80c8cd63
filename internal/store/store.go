// Package store keeps an append-only SQLite transcript of committed chat
// exchanges. The transcript is an audit record; it is never replayed into
// a live conversation.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"EdgeChat/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	start_time DATETIME,
	model TEXT
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	role TEXT,
	content TEXT,
	timestamp DATETIME,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);`

// ErrSessionNotFound is returned when a transcript id is unknown
var ErrSessionNotFound = errors.New("session not found")

// Transcript persists sessions and their messages
type Transcript struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path
func Open(path string) (*Transcript, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Transcript{db: db}, nil
}

// Close closes the database
func (t *Transcript) Close() error {
	return t.db.Close()
}

// CreateSession records a session header
func (t *Transcript) CreateSession(s *session.Session) error {
	_, err := t.db.Exec(
		"INSERT OR REPLACE INTO sessions (id, start_time, model) VALUES (?, ?, ?)",
		s.ID, s.StartTime, s.Model,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// SaveExchange appends one user/assistant pair atomically
func (t *Transcript) SaveExchange(sessionID string, user, assistant session.Message) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range []session.Message{user, assistant} {
		_, err = tx.Exec(
			"INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
			sessionID, msg.Role, msg.Content, msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSession loads a session and its messages in insertion order
func (t *Transcript) LoadSession(sessionID string) (*session.Session, error) {
	var model string
	var startTime time.Time

	err := t.db.QueryRow("SELECT model, start_time FROM sessions WHERE id = ?", sessionID).
		Scan(&model, &startTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	rows, err := t.db.Query(
		"SELECT role, content, timestamp FROM messages WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var msg session.Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	return &session.Session{
		ID:        sessionID,
		StartTime: startTime,
		Model:     model,
		Messages:  messages,
	}, nil
}

// ListSessions returns session headers, newest first
func (t *Transcript) ListSessions(limit int) ([]session.Session, error) {
	rows, err := t.db.Query(
		"SELECT id, start_time, model FROM sessions ORDER BY start_time DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		var s session.Session
		if err := rows.Scan(&s.ID, &s.StartTime, &s.Model); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
