package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chaaya/internal/db"
)

// seedJournal writes a realistic journal and returns its path and the id of
// the latest process root.
//
// Tree structure of the latest process:
//
//	process.started               id=3
//	├── session.created           id=4
//	├── turn.completed            id=5
//	├── limit.reached             id=6
//	├── session.ended             id=7
//	└── process.stopped           id=8
func seedJournal(t *testing.T) (string, int64) {
	t.Helper()
	path := t.TempDir() + "/relay.db"
	database, err := db.OpenDB(path)
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.InitSchema(database))

	old, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"mode": "assistant", "pid": 99})
	db.LogEvent(database, &old, db.EventProcessStopped, nil)

	root, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"mode": "completion", "pid": 100})
	db.LogEvent(database, &root, db.EventSessionCreated, map[string]any{"session_id": "s1"})
	db.LogEvent(database, &root, db.EventTurnCompleted, map[string]any{"session_id": "s1", "messages": 3, "input_tokens": 42})
	db.LogEvent(database, &root, db.EventLimitReached, map[string]any{"session_id": "s1", "messages": 15})
	db.LogEvent(database, &root, db.EventSessionEnded, map[string]any{"session_id": "s1"})
	db.LogEvent(database, &root, db.EventProcessStopped, nil)
	return path, root
}

func events(t *testing.T, opts eventsOptions) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, runEvents(&buf, opts))
	return buf.String()
}

func TestRunEvents_LatestProcessTree(t *testing.T) {
	path, _ := seedJournal(t)
	out := events(t, eventsOptions{dbPath: path})

	for _, want := range []string{
		"process.started", "mode=completion", "session.created", "turn.completed",
		"input_tokens=42", "limit.reached", "session.ended", "process.stopped",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "mode=assistant")
	assert.Contains(t, out, "├── ")
	assert.Contains(t, out, "└── ")
}

func TestRunEvents_SpecificRoot(t *testing.T) {
	path, _ := seedJournal(t)
	out := events(t, eventsOptions{dbPath: path, eventID: 1})

	assert.Contains(t, out, "mode=assistant")
	assert.NotContains(t, out, "session.created")
}

func TestRunEvents_DepthLimit(t *testing.T) {
	path, _ := seedJournal(t)
	out := events(t, eventsOptions{dbPath: path, maxDepth: 1})

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "└── [...]", lines[1])
}

func TestRunEvents_JSON(t *testing.T) {
	path, root := seedJournal(t)
	out := events(t, eventsOptions{dbPath: path, jsonOut: true, noPayload: true})

	var je jsonEvent
	require.NoError(t, json.Unmarshal([]byte(out), &je))
	assert.Equal(t, root, je.ID)
	assert.Equal(t, db.EventProcessStarted, je.EventType)
	assert.Len(t, je.Children, 5)
	assert.Nil(t, je.Payload)
}

func TestRunEvents_Errors(t *testing.T) {
	path := t.TempDir() + "/empty.db"
	database, err := db.OpenDB(path)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(database))
	database.Close()

	var buf bytes.Buffer
	err = runEvents(&buf, eventsOptions{dbPath: path})
	assert.ErrorIs(t, err, db.ErrNoProcessRoot)

	err = runEvents(&buf, eventsOptions{dbPath: path, eventID: 999})
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	ev := &db.Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: db.EventTurnCompleted,
		Payload:   sql.NullString{String: `{"session_id":"s1","messages":3}`, Valid: true},
	}

	line := formatEvent(ev, false)
	assert.Contains(t, line, "[42]")
	assert.Contains(t, line, "2025-02-17")
	assert.Contains(t, line, "messages=3  session_id=s1")

	assert.NotContains(t, formatEvent(ev, true), "session_id")

	ev.Payload = sql.NullString{}
	assert.True(t, strings.HasSuffix(formatEvent(ev, false), db.EventTurnCompleted))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "42", formatValue(float64(42)))
	assert.Equal(t, "1.5", formatValue(1.5))
	assert.Equal(t, "true", formatValue(true))

	long := formatValue(strings.Repeat("a", 100))
	assert.Contains(t, long, "...")
	assert.Less(t, len(long), 100)
}
