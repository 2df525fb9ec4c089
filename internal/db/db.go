package db

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Process events.
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
)

// Conversation events.
const (
	EventSessionCreated = "session.created"
	EventSessionEnded   = "session.ended"
	EventSessionExpired = "session.expired"
	EventSessionEvicted = "session.evicted"
	EventTurnCompleted  = "turn.completed"
	EventTurnFailed     = "turn.failed"
	EventLimitReached   = "limit.reached"
)

// Assistant run events.
const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunTimedOut  = "run.timed_out"
	EventRunErrored   = "run.errored"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create db directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db at %s", path)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to ping db at %s", path)
	}

	return db, nil
}

// InitSchema creates the events table.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type_id ON events(event_type, id);
	`)
	return errors.Wrap(err, "init events schema")
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, errors.Wrap(err, "marshal event payload")
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "insert event %s", eventType)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "get event id")
	}
	return id, nil
}

// CountEvents returns how many events of the given type are stored.
func CountEvents(db *sql.DB, eventType string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, eventType).Scan(&n)
	return n, err
}
