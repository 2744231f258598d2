// Package history keeps a journal of server lifecycle events in SQLite.
// The journal exists for operators inspecting a running server; it is
// wiped on startup because archived reports do not survive restarts
// either.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// EventType classifies a journal entry.
type EventType string

const (
	EventWorkspaceCreated    EventType = "workspace_created"
	EventWorkspaceDestroyed  EventType = "workspace_destroyed"
	EventFileAdded           EventType = "file_added"
	EventVerificationStarted EventType = "verification_started"
	EventVerificationDone    EventType = "verification_finished"
	EventKillRequested       EventType = "kill_requested"
)

// Event is a single journal entry. Workspace, Report and Tool are filled
// where they apply and left empty otherwise.
type Event struct {
	ID        string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Workspace string    `json:"workspace,omitempty"`
	Report    string    `json:"report,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Store persists events to a SQLite database.
type Store struct {
	db *sql.DB
}

// New opens the journal at the given path, creating the schema and
// clearing entries left over from a previous run.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM events`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to clear stale history: %w", err)
	}

	log.Info().Str("path", path).Msg("History journal initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			workspace TEXT NOT NULL DEFAULT '',
			report TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	log.Debug().Msg("History schema initialized")
	return nil
}

// Append writes one event. A missing ID or timestamp is filled in.
func (s *Store) Append(e Event) error {
	if s == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO events (id, at, type, workspace, report, tool, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp.UnixMilli(), string(e.Type), e.Workspace, e.Report, e.Tool, e.Detail)
	if err != nil {
		return fmt.Errorf("failed to append history event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-positive limit
// defaults to 100.
func (s *Store) Recent(limit int) ([]Event, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, at, type, workspace, report, tool, detail
		FROM events
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at int64
		var typ string
		if err := rows.Scan(&e.ID, &at, &typ, &e.Workspace, &e.Report, &e.Tool, &e.Detail); err != nil {
			log.Warn().Err(err).Msg("Failed to scan history row")
			continue
		}
		e.Timestamp = time.UnixMilli(at)
		e.Type = EventType(typ)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
