package db

import (
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, InitSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitSchema(t *testing.T) {
	db := testDB(t)

	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='events'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "events", name)

	// Idempotent.
	require.NoError(t, InitSchema(db))
}

func TestOpenDB_CreatesParentDir(t *testing.T) {
	path := t.TempDir() + "/nested/dir/relay.db"
	db, err := OpenDB(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())
}

func TestLogEvent_Basic(t *testing.T) {
	db := testDB(t)

	id1, err := LogEvent(db, nil, EventProcessStarted, map[string]any{"mode": "completion", "pid": 123})
	require.NoError(t, err)
	assert.Positive(t, id1)

	id2, err := LogEvent(db, nil, EventSessionCreated, map[string]any{"session_id": "abc"})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	var eventType, payload string
	var parentID sql.NullInt64
	err = db.QueryRow(`SELECT event_type, parent_id, payload FROM events WHERE id = ?`, id1).
		Scan(&eventType, &parentID, &payload)
	require.NoError(t, err)
	assert.Equal(t, EventProcessStarted, eventType)
	assert.False(t, parentID.Valid)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &m))
	assert.Equal(t, "completion", m["mode"])
	assert.Equal(t, float64(123), m["pid"])
}

func TestLogEvent_WithParent(t *testing.T) {
	db := testDB(t)

	rootID, err := LogEvent(db, nil, EventProcessStarted, nil)
	require.NoError(t, err)

	childID, err := LogEvent(db, &rootID, EventTurnCompleted, map[string]any{"session_id": "s1"})
	require.NoError(t, err)

	var parentID sql.NullInt64
	require.NoError(t, db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, childID).Scan(&parentID))
	require.True(t, parentID.Valid)
	assert.Equal(t, rootID, parentID.Int64)
}

func TestLogEvent_NilPayload(t *testing.T) {
	db := testDB(t)

	id, err := LogEvent(db, nil, EventProcessStopped, nil)
	require.NoError(t, err)

	var payload sql.NullString
	require.NoError(t, db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload))
	assert.False(t, payload.Valid)
}

func TestCountEvents(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		_, err := LogEvent(db, nil, EventTurnCompleted, nil)
		require.NoError(t, err)
	}
	_, err := LogEvent(db, nil, EventTurnFailed, nil)
	require.NoError(t, err)

	n, err := CountEvents(db, EventTurnCompleted)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = CountEvents(db, EventLimitReached)
	require.NoError(t, err)
	assert.Zero(t, n)
}
