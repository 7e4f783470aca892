package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"bogus":   INFO,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, ParseLevel(in))
		})
	}
}

func TestLoggerKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "debug", JSONFormat: true}, &buf)

	l.WithComponent("sizer").Info("sized", "symbol", "BTCUSDT", "qty", 12.5, "err", errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "sized", lines[0]["message"])
	assert.Equal(t, "sizer", lines[0]["component"])
	assert.Equal(t, "BTCUSDT", lines[0]["symbol"])
	assert.Equal(t, 12.5, lines[0]["qty"])
	assert.Equal(t, "boom", lines[0]["err"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "warn", JSONFormat: true}, &buf)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
}

func TestTraceContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "info", JSONFormat: true}, &buf)

	ctx, l := WithTraceContext(context.Background(), base)
	l.Info("cycle")

	id := TraceIDFromContext(ctx)
	require.NotEmpty(t, id)
	assert.Same(t, l, FromContext(ctx))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, id, lines[0]["trace_id"])
}
