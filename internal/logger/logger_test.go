package logger_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossabot/hark/internal/logger"
)

// decodeLines parses one JSON object per line
func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), "line: %s", line)
		out = append(out, rec)
	}
	return out
}

func TestLogLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		level     logger.LogLevel
		wantCount int
	}{
		{"trace logs everything", logger.LogLevelTrace, 5},
		{"debug drops trace", logger.LogLevelDebug, 4},
		{"info", logger.LogLevelInfo, 3},
		{"warn", logger.LogLevelWarn, 2},
		{"error only", logger.LogLevelError, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			log := logger.NewSlogLogger(&buf, tt.level, time.UTC)

			log.Trace("t")
			log.Debug("d")
			log.Info("i")
			log.Warn("w")
			log.Error("e")

			assert.Len(t, decodeLines(t, buf.Bytes()), tt.wantCount)
		})
	}
}

func TestModuleScopingAndFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	root := logger.NewSlogLogger(&buf, logger.LogLevelDebug, time.UTC)

	capture := root.Module("capture").With(logger.String("source", "microphone"))
	capture.Module("malgo").Info("device opened",
		logger.Int("sample_rate", 16000),
		logger.Float64("rms", 0.123456),
		logger.Duration("latency", 20*time.Millisecond),
		logger.Error(errors.New("boom")))

	recs := decodeLines(t, buf.Bytes())
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.Equal(t, "device opened", rec["msg"])
	assert.Equal(t, "capture.malgo", rec["module"])
	assert.Equal(t, "microphone", rec["source"])
	assert.InDelta(t, 16000, rec["sample_rate"], 0)
	assert.InDelta(t, 0.123, rec["rms"], 1e-9)
	assert.Equal(t, "20ms", rec["latency"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "INFO", rec["level"])
}

func TestWithDoesNotMutateParent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	parent := logger.NewSlogLogger(&buf, logger.LogLevelInfo, time.UTC).Module("recorder")
	_ = parent.With(logger.String("session", "abc"))
	parent.Info("plain")

	recs := decodeLines(t, buf.Bytes())
	require.Len(t, recs, 1)
	assert.NotContains(t, recs[0], "session")
}

func TestWithContextAddsTraceID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewSlogLogger(&buf, logger.LogLevelInfo, time.UTC)

	log.WithContext(logger.WithTraceID(context.Background(), "sess-1")).Info("traced")
	log.WithContext(context.Background()).Info("untraced")

	recs := decodeLines(t, buf.Bytes())
	require.Len(t, recs, 2)
	assert.Equal(t, "sess-1", recs[0]["trace_id"])
	assert.NotContains(t, recs[1], "trace_id")
}

func TestTraceLevelName(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger.NewSlogLogger(&buf, logger.LogLevelTrace, time.UTC).Log(logger.LogLevelTrace, "fine grained")

	recs := decodeLines(t, buf.Bytes())
	require.Len(t, recs, 1)
	assert.Equal(t, "TRACE", recs[0]["level"])
}

func TestCentralLoggerConsoleAndFile(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "nested", "hark.log")
	var console bytes.Buffer

	cl, err := logger.NewCentralLogger(&logger.LoggingConfig{
		DefaultLevel: "info",
		Timezone:     "UTC",
		Console:      &logger.ConsoleOutput{Enabled: true, Level: "warn"},
		FileOutput:   &logger.FileOutput{Enabled: true, Path: logPath, Level: "debug"},
		ModuleLevels: map[string]string{"sync": "debug"},
	}, logger.WithConsoleWriter(&console))
	require.NoError(t, err)

	syncLog := cl.Module("sync")
	syncLog.Debug("skew measured", logger.Duration("skew", 12*time.Millisecond))
	cl.Module("recorder").Debug("suppressed by module level")
	cl.Module("recorder").Warn("disk almost full")

	require.NoError(t, cl.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	recs := decodeLines(t, data)
	require.Len(t, recs, 2)
	assert.Equal(t, "sync", recs[0]["module"])
	assert.Equal(t, "recorder", recs[1]["module"])
	_, err = time.Parse(time.RFC3339, recs[0]["time"].(string))
	require.NoError(t, err)

	out := console.String()
	assert.Contains(t, out, "disk almost full")
	assert.NotContains(t, out, "skew measured")
	assert.NotContains(t, out, "time=")
}

func TestCentralLoggerRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	_, err := logger.NewCentralLogger(&logger.LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)

	_, err = logger.NewCentralLogger(nil)
	require.Error(t, err)
}

func TestValidLevel(t *testing.T) {
	t.Parallel()

	for _, l := range []string{"trace", "debug", "info", "warn", "error"} {
		assert.True(t, logger.ValidLevel(l), l)
	}
	assert.False(t, logger.ValidLevel("verbose"))
}
