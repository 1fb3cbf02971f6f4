// Package telemetry provides opt-in, privacy-filtered error reporting to Sentry.
package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
)

const componentTelemetry = "telemetry"

// FlushTimeout bounds how long shutdown waits for queued events.
const FlushTimeout = 2 * time.Second

// Options configure Sentry. DSN is required.
type Options struct {
	DSN         string
	Environment string
	Release     string
	Debug       bool

	// Transport replaces the HTTP transport, for tests.
	Transport sentry.Transport
}

// InitSentry initializes the Sentry SDK and routes every built error to it.
// The returned function flushes pending events and detaches the reporter;
// call it on shutdown.
func InitSentry(opts Options) (func(), error) {
	log := logger.Global().Module(componentTelemetry)

	if opts.DSN == "" {
		return nil, errors.Newf("sentry dsn is empty").
			Component(componentTelemetry).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Environment == "" {
		opts.Environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Transport:        opts.Transport,
		SampleRate:       1.0,
		Debug:            opts.Debug,
		AttachStacktrace: false,
		Environment:      opts.Environment,
		Release:          opts.Release,
		// Never send the hostname.
		ServerName: "",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return nil, errors.New(err).
			Component(componentTelemetry).
			Category(errors.CategoryConfiguration).
			Context("operation", "sentry_init").
			Build()
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))

	log.Info("sentry error reporting enabled",
		logger.String("environment", opts.Environment),
		logger.String("release", opts.Release))

	return func() {
		errors.SetTelemetryReporter(nil)
		if !sentry.Flush(FlushTimeout) {
			log.Warn("sentry flush timed out", logger.Duration("timeout", FlushTimeout))
		}
	}, nil
}

// applyPrivacyFilters strips anything that could identify the user or machine.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	return event
}
