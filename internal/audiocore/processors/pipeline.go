// Package processors implements the preprocessing pipeline that sits
// between stream synchronization and the session buffer.
package processors

import (
	"time"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
	"github.com/fossabot/hark/internal/observability/metrics"
)

const componentProcessors = "processors"

// Stage is one transform of the pipeline. A stage may hold frames back
// (Process returns fewer frames than it received) and must release
// everything it holds on Flush. Stages are used from a single goroutine.
type Stage interface {
	Name() string
	Process(frame audiocore.AudioFrame) ([]audiocore.AudioFrame, error)
	Flush() ([]audiocore.AudioFrame, error)
}

// TrimReporter is implemented by stages that discard audio.
type TrimReporter interface {
	Trimmed() time.Duration
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics records per-stage latency and errors.
func WithMetrics(m *metrics.CaptureMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline runs frames through its stages in order.
type Pipeline struct {
	stages  []Stage
	log     logger.Logger
	metrics *metrics.CaptureMetrics
	flushed bool
}

// NewPipeline builds the production pipeline from cfg: noise reduction,
// then normalization, then silence trimming, each only when enabled.
func NewPipeline(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	var stages []Stage
	if cfg.NoiseReduction.Enabled {
		stages = append(stages, NewNoiseReducer(cfg.NoiseReduction))
	}
	if cfg.Normalization.Enabled {
		stages = append(stages, NewNormalizer(cfg.Normalization))
	}
	if cfg.SilenceTrimming.Enabled {
		stages = append(stages, NewSilenceTrimmer(cfg.SilenceTrimming))
	}
	return NewPipelineWithStages(stages, opts...), nil
}

// NewPipelineWithStages builds a pipeline with a caller-chosen stage order.
func NewPipelineWithStages(stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		stages: stages,
		log:    logger.Global().Module(componentProcessors),
	}
	for _, opt := range opts {
		opt(p)
	}

	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name()
	}
	p.log.Debug("pipeline built", logger.Any("stages", names))
	return p
}

// Stages returns the stage names in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name()
	}
	return names
}

// Process pushes one frame through every stage. With no stages the frame
// is returned as is.
func (p *Pipeline) Process(frame audiocore.AudioFrame) ([]audiocore.AudioFrame, error) {
	if p.flushed {
		return nil, p.flushedError()
	}
	return p.run(0, []audiocore.AudioFrame{frame})
}

// Flush drains every stage in order. Frames released by a stage pass
// through the stages after it before those are flushed. A pipeline
// cannot be used after Flush.
func (p *Pipeline) Flush() ([]audiocore.AudioFrame, error) {
	if p.flushed {
		return nil, p.flushedError()
	}
	p.flushed = true

	var carry []audiocore.AudioFrame
	for i, st := range p.stages {
		var err error
		if carry, err = p.run(i, carry); err != nil {
			return nil, err
		}
		start := time.Now()
		released, err := st.Flush()
		p.metrics.RecordStage(st.Name(), time.Since(start), err)
		if err != nil {
			return nil, p.stageError(st, "flush", err)
		}
		carry = append(carry, released...)
	}
	return carry, nil
}

// Trimmed sums the audio discarded by trimming stages.
func (p *Pipeline) Trimmed() time.Duration {
	var total time.Duration
	for _, st := range p.stages {
		if tr, ok := st.(TrimReporter); ok {
			total += tr.Trimmed()
		}
	}
	return total
}

// run feeds frames through stages[from:].
func (p *Pipeline) run(from int, frames []audiocore.AudioFrame) ([]audiocore.AudioFrame, error) {
	for _, st := range p.stages[from:] {
		if len(frames) == 0 {
			return nil, nil
		}
		var next []audiocore.AudioFrame
		for _, f := range frames {
			start := time.Now()
			out, err := st.Process(f)
			p.metrics.RecordStage(st.Name(), time.Since(start), err)
			if err != nil {
				return nil, p.stageError(st, "process", err)
			}
			next = append(next, out...)
		}
		frames = next
	}
	return frames, nil
}

func (p *Pipeline) stageError(st Stage, op string, err error) error {
	p.log.Error("preprocessing stage failed",
		logger.String("stage", st.Name()),
		logger.String("operation", op),
		logger.Error(err))
	return errors.New(err).
		Component(componentProcessors).
		Category(errors.CategoryProcessing).
		Context("stage", st.Name()).
		Context("operation", op).
		Build()
}

func (p *Pipeline) flushedError() error {
	return errors.Newf("pipeline already flushed").
		Component(componentProcessors).
		Category(errors.CategoryInvalidState).
		Build()
}
