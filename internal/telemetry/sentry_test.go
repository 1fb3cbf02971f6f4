package telemetry

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossabot/hark/internal/errors"
)

const testDSN = "https://public@example.invalid/1"

// These tests replace the global Sentry hub and reporter, so they do not run
// in parallel.

func TestInitSentryRequiresDSN(t *testing.T) {
	flush, err := InitSentry(Options{})
	require.Error(t, err)
	assert.Nil(t, flush)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	assert.Nil(t, errors.GetTelemetryReporter())
}

func TestInitSentryReportsBuiltErrors(t *testing.T) {
	transport := NewMockTransport()
	flush, err := InitSentry(Options{
		DSN:       testDSN,
		Release:   "hark@test",
		Transport: transport,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		flush()
		_ = sentry.Init(sentry.ClientOptions{})
	})

	require.NotNil(t, errors.GetTelemetryReporter())

	errors.Newf("device lost at /home/alice/audio?token=abc").
		Component("capture").
		Category(errors.CategoryDeviceDisconnected).
		Context("operation", "read_device").
		Build()

	events := transport.GetEvents()
	require.Len(t, events, 1)
	ev := events[0]

	assert.Equal(t, sentry.LevelError, ev.Level)
	assert.Equal(t, "production", ev.Environment)
	assert.Equal(t, "hark@test", ev.Release)
	assert.Empty(t, ev.ServerName)
	assert.True(t, ev.User.IsEmpty())
	assert.NotContains(t, ev.Message, "alice")
	assert.NotContains(t, ev.Message, "abc")
	assert.Equal(t, "capture", ev.Tags["component"])
	assert.Equal(t, "Capture Device Disconnected Read Device", ev.Tags["error_title"])

	flush()
	assert.Nil(t, errors.GetTelemetryReporter())

	// detached reporter sends nothing further
	errors.Newf("later").Category(errors.CategoryDeviceDisconnected).Build()
	assert.Len(t, transport.GetEvents(), 1)
}

func TestApplyPrivacyFilters(t *testing.T) {
	t.Parallel()

	event := &sentry.Event{
		ServerName: "workstation",
		User:       sentry.User{ID: "42", Username: "alice"},
		Contexts: map[string]sentry.Context{
			"device":  {"model": "x"},
			"os":      {"name": "linux"},
			"runtime": {"name": "go"},
			"source":  {"value": "microphone"},
		},
		Extra: map[string]any{
			"error_type": "EnhancedError",
			"component":  "capture",
			"path":       "/home/alice",
		},
		Tags: map[string]string{
			"hostname":    "workstation",
			"server_name": "workstation",
			"category":    "audio",
		},
	}

	out := applyPrivacyFilters(event)

	assert.Empty(t, out.ServerName)
	assert.True(t, out.User.IsEmpty())
	assert.Equal(t, []string{"source"}, keys(out.Contexts))
	assert.Len(t, out.Extra, 2)
	assert.NotContains(t, out.Extra, "path")
	assert.Equal(t, map[string]string{"category": "audio"}, out.Tags)
}

func TestApplyPrivacyFiltersNilMaps(t *testing.T) {
	t.Parallel()

	out := applyPrivacyFilters(&sentry.Event{Message: "plain"})
	assert.Equal(t, "plain", out.Message)
}

func keys(m map[string]sentry.Context) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
