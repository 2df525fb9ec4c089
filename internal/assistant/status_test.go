package assistant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunStatus(t *testing.T) {
	tests := []struct {
		in      string
		pending bool
	}{
		{"queued", true},
		{"in_progress", true},
		{"cancelling", true},
		{"completed", false},
		{"failed", false},
		{"cancelled", false},
		{"expired", false},
		{"incomplete", false},
		{"requires_action", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			st, err := ParseRunStatus(tt.in)
			require.NoError(t, err)
			assert.Equal(t, RunStatus(tt.in), st)
			assert.Equal(t, tt.pending, st.Pending())
			assert.Equal(t, !tt.pending, st.Terminal())
		})
	}
}

func TestParseRunStatus_Unknown(t *testing.T) {
	_, err := ParseRunStatus("paused")
	var unknown *UnknownStatusError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "paused", unknown.Status)
	assert.Contains(t, err.Error(), `"paused"`)

	_, err = ParseRunStatus("")
	assert.ErrorAs(t, err, &unknown)
}
