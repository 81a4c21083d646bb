package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tcases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, parseLevel(tc.in))
		})
	}
}

func TestLogError(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(Config{Level: "info", JSON: true, Output: buf})

	l.LogError(errors.New("boom"), "store failed", "op", "insert")

	out := buf.String()
	assert.Contains(t, out, `"msg":"store failed"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"op":"insert"`)
}

func TestLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(Config{Level: "warn", Output: buf})

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestWith(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(Config{JSON: true, Output: buf}).With("conn_id", "abc")

	l.Info("hello")
	assert.Contains(t, buf.String(), `"conn_id":"abc"`)
}
