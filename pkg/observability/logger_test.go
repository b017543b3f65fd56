package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("sequence", 7).WithFields(map[string]interface{}{"outcome": "denied"}).Info("audit entry appended")
	logger.WithError(errors.New("boom")).Errorf("append failed after %d attempts", 3)
	logger.Debug("hidden")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "audit entry appended", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, float64(7), lines[0]["sequence"])
	assert.Equal(t, "denied", lines[0]["outcome"])
	assert.Equal(t, "boom", lines[1]["error"])
	assert.Equal(t, "append failed after 3 attempts", lines[1]["message"])
}

func TestLoggerWithNilError(t *testing.T) {
	logger := Discard()
	assert.Same(t, logger, logger.WithError(nil))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(DebugLevel, &buf)

	ctx := WithRequestID(context.Background(), "req-1")
	FromContext(ctx, base).Info("fallback")

	ctx = WithLogger(ctx, base.WithField("component", "gateway"))
	FromContext(ctx, nil).Info("from context")

	FromContext(context.Background(), nil).Info("discarded")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "req-1", lines[0]["request_id"])
	assert.Equal(t, "gateway", lines[1]["component"])
	assert.Equal(t, "req-1", lines[1]["request_id"])
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DebugLevel.String())
	assert.Equal(t, "ERROR", ErrorLevel.String())
}
