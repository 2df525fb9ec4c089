package db

import (
	"database/sql"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Journal records audit events under a single process.started root.
// A nil *Journal discards everything.
type Journal struct {
	db     *sql.DB
	log    zerolog.Logger
	rootID int64
}

// OpenJournal opens the database at path, initializes the schema and logs
// the process.started root event with the given payload.
func OpenJournal(path string, log zerolog.Logger, process map[string]any) (*Journal, error) {
	database, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := InitSchema(database); err != nil {
		database.Close()
		return nil, err
	}

	payload := map[string]any{"pid": os.Getpid()}
	for k, v := range process {
		payload[k] = v
	}
	rootID, err := LogEvent(database, nil, EventProcessStarted, payload)
	if err != nil {
		database.Close()
		return nil, errors.Wrap(err, "log process.started")
	}

	return &Journal{db: database, log: log, rootID: rootID}, nil
}

// DB exposes the underlying database.
func (j *Journal) DB() *sql.DB {
	if j == nil {
		return nil
	}
	return j.db
}

// RootID returns the id of this process's process.started event.
func (j *Journal) RootID() int64 {
	if j == nil {
		return 0
	}
	return j.rootID
}

// Record stores an event as a child of the process root. Failures are
// logged, never returned.
func (j *Journal) Record(eventType string, payload map[string]any) {
	if j == nil {
		return
	}
	if _, err := LogEvent(j.db, &j.rootID, eventType, payload); err != nil {
		j.log.Warn().Err(err).Str("event_type", eventType).Msg("journal write failed")
	}
}

// Close logs process.stopped and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.Record(EventProcessStopped, nil)
	return j.db.Close()
}
