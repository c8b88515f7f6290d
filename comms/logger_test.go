// SPDX-License-Identifier: MPL-2.0

package comms

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(level slog.Level) (*natsLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level}))
	return newNATSLogger(logger, "vizql"), &buf
}

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestNATSLoggerLevels(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Level
		want  []string
		debug bool
		trace bool
	}{
		{"info", slog.LevelInfo, []string{"INFO", "WARN", "ERROR"}, false, false},
		{"debug", slog.LevelDebug, []string{"INFO", "WARN", "ERROR", "DEBUG"}, true, false},
		{"trace", levelTrace, []string{"INFO", "WARN", "ERROR", "DEBUG", "DEBUG-4"}, true, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, buf := captureLogger(tc.level)
			n.Noticef("listening on %d", 4222)
			n.Warnf("slow consumer")
			n.Errorf("lost %s", "route")
			n.Debugf("debug")
			n.Tracef("trace")

			var levels []string
			for _, rec := range records(t, buf) {
				levels = append(levels, rec["level"].(string))
				assert.Equal(t, "nats", rec["component"])
				assert.Equal(t, "vizql", rec["server"])
			}
			assert.Equal(t, tc.want, levels)

			debug, trace := n.levels()
			assert.Equal(t, tc.debug, debug)
			assert.Equal(t, tc.trace, trace)
		})
	}
}

func TestNATSLoggerFormats(t *testing.T) {
	n, buf := captureLogger(slog.LevelInfo)
	n.Noticef("listening on %s:%d", "localhost", 4222)
	recs := records(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "listening on localhost:4222", recs[0]["msg"])
}

func TestNATSLoggerFatalExits(t *testing.T) {
	n, buf := captureLogger(slog.LevelInfo)
	code := -1
	n.exit = func(c int) { code = c }
	n.Fatalf("cannot open %s", "store")
	assert.Equal(t, 1, code)
	recs := records(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "ERROR", recs[0]["level"])
	assert.Equal(t, "cannot open store", recs[0]["msg"])
}
