package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordHTTPRequest("/chat", "200", 10*time.Millisecond)
	m.RecordUpstreamCall("chat_completion", nil, time.Second)
	m.RecordUpstreamCall("chat_completion", errors.New("boom"), time.Second)
	m.SetActiveSessions(3)
	m.RecordSessionRemoval("ended")
	m.RecordRunPoll()
	m.RecordRunPoll()
	m.RecordRunOutcome("completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/chat", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamCallsTotal.WithLabelValues("chat_completion", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionRemovalsTotal.WithLabelValues("ended")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunPollsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunOutcomesTotal.WithLabelValues("completed")))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordRunPoll()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RunPollsTotal))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("/chat", "200", time.Millisecond)
	m.RecordUpstreamCall("x", nil, time.Millisecond)
	m.SetActiveSessions(1)
	m.RecordSessionRemoval("ended")
	m.RecordRunPoll()
	m.RecordRunOutcome("failed")
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordRunPoll()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_assistant_run_polls_total 1")
}
