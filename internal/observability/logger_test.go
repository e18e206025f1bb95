package observability

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf)
	logger.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	logger.Warn("account_locked", map[string]any{"user_id": "u1", "attempts": 5})

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "account_locked", line["message"])
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, float64(5), line["attempts"])
	assert.Equal(t, "2026-01-01T00:00:00Z", line["timestamp"])
}

func TestLogger_NilIsNoop(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.Info("ignored", nil)
	})
}
