// Package metrics provides Prometheus metrics for the capture core
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CaptureMetrics contains Prometheus metrics for capture, synchronization,
// preprocessing and session lifecycle. All Record methods are safe to call
// on a nil receiver so components can run without metrics.
type CaptureMetrics struct {
	registry *prometheus.Registry

	// Reader metrics
	framesCaptured *prometheus.CounterVec
	bytesDropped   *prometheus.CounterVec
	resyncs        *prometheus.CounterVec
	deviceErrors   *prometheus.CounterVec

	// Synchronizer metrics
	skewWarnings  *prometheus.CounterVec
	paddedSeconds *prometheus.CounterVec
	staleFrames   *prometheus.CounterVec
	syncErrors    prometheus.Counter

	// Pipeline metrics
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec

	// Session metrics
	transitions     *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec

	collectors []prometheus.Collector
}

// NewCaptureMetrics creates and registers capture metrics
func NewCaptureMetrics(registry *prometheus.Registry) (*CaptureMetrics, error) {
	m := &CaptureMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CaptureMetrics) initMetrics() {
	m.framesCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hark_capture_frames_total",
			Help: "Total number of frames emitted by audio readers",
		},
		[]string{"source"},
	)

	m.bytesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hark_capture_dropped_bytes_total",
			Help: "PCM bytes dropped because the staging ring was full",
		},
		[]string{"source"},
	)

	m.resyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hark_capture_resyncs_total",
			Help: "Times a reader re-anchored its sample clock to wall time",
		},
		[]string{"source"},
	)

	m.deviceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hark_capture_device_errors_total",
			Help: "Device open and runtime failures",
		},
		[]string{"source", "error_type"},
	)

	m.skewWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hark_sync_skew_warnings_total",
			Help: "Windows padded with silence because a source lagged",
		},
		[]string{"source"},
	)

	m.paddedSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hark_sync_padded_seconds_total",
			Help: "Seconds of silence inserted per source",
		},
		[]string{"source"},
	)

	m.staleFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hark_sync_stale_frames_total",
			Help: "Frames dropped because their window was already emitted",
		},
		[]string{"source"},
	)

	m.syncErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hark_sync_errors_total",
			Help: "Sessions stopped by sustained skew",
		},
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hark_pipeline_stage_duration_seconds",
			Help:    "Time spent in a preprocessing stage per frame",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		},
		[]string{"stage"},
	)

	m.stageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hark_pipeline_stage_errors_total",
			Help: "Preprocessing stage failures",
		},
		[]string{"stage"},
	)

	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hark_session_transitions_total",
			Help: "Recording state machine transitions",
		},
		[]string{"from", "to"},
	)

	m.sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hark_session_duration_seconds",
			Help:    "Captured audio duration per finished session",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"reason"},
	)

	m.collectors = []prometheus.Collector{
		m.framesCaptured, m.bytesDropped, m.resyncs, m.deviceErrors,
		m.skewWarnings, m.paddedSeconds, m.staleFrames, m.syncErrors,
		m.stageDuration, m.stageErrors,
		m.transitions, m.sessionDuration,
	}
}

// Describe implements the prometheus.Collector interface
func (m *CaptureMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface
func (m *CaptureMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordFrame counts a frame emitted by a reader
func (m *CaptureMetrics) RecordFrame(source string) {
	if m == nil {
		return
	}
	m.framesCaptured.WithLabelValues(source).Inc()
}

func (m *CaptureMetrics) RecordDroppedBytes(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesDropped.WithLabelValues(source).Add(float64(n))
}

func (m *CaptureMetrics) RecordResync(source string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(source).Inc()
}

func (m *CaptureMetrics) RecordDeviceError(source, errorType string) {
	if m == nil {
		return
	}
	m.deviceErrors.WithLabelValues(source, errorType).Inc()
}

// RecordSkewWarning counts a padded window and the silence inserted for it
func (m *CaptureMetrics) RecordSkewWarning(source string, padded time.Duration) {
	if m == nil {
		return
	}
	m.skewWarnings.WithLabelValues(source).Inc()
	m.paddedSeconds.WithLabelValues(source).Add(padded.Seconds())
}

func (m *CaptureMetrics) RecordStaleFrame(source string) {
	if m == nil {
		return
	}
	m.staleFrames.WithLabelValues(source).Inc()
}

func (m *CaptureMetrics) RecordSyncError() {
	if m == nil {
		return
	}
	m.syncErrors.Inc()
}

// RecordStage records the latency of one stage invocation
func (m *CaptureMetrics) RecordStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.stageErrors.WithLabelValues(stage).Inc()
	}
}

func (m *CaptureMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordSession observes the captured duration of a finished session
func (m *CaptureMetrics) RecordSession(reason string, captured time.Duration) {
	if m == nil {
		return
	}
	m.sessionDuration.WithLabelValues(reason).Observe(captured.Seconds())
}
