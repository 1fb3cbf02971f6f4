// Package session accumulates processed audio for one recording and
// finalizes it into an immutable artifact for transcription.
package session

import (
	"sync"
	"time"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
)

const componentSession = "session"

// StopReason says why a recording ended.
type StopReason string

const (
	StopUser        StopReason = "user_stop"
	StopMaxDuration StopReason = "max_duration"
	StopCancelled   StopReason = "cancelled"
	StopEndOfInput  StopReason = "end_of_input"
	StopFault       StopReason = "fault"
)

// Info is the metadata handed off with the audio.
type Info struct {
	ID        string
	Source    audiocore.InputSource
	Devices   map[audiocore.SourceRole]string
	StartedAt time.Time
	// Captured is the capture time covered by the session, before trimming.
	Captured time.Duration
	Reason   StopReason
	Fault    error
	Trimmed  time.Duration
	Warnings int
}

// Option customizes a Buffer.
type Option func(*Buffer)

// WithLogger sets the buffer logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.log = l
		}
	}
}

// WithCapacity preallocates room for d of audio.
func WithCapacity(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.samples = make([]float32, 0, b.format.FramesFor(d)*b.format.Channels)
		}
	}
}

// Buffer accumulates frames of one format. It is safe for concurrent use.
type Buffer struct {
	mu        sync.Mutex
	format    audiocore.Format
	samples   []float32
	finalized bool
	log       logger.Logger
}

// NewBuffer creates an open buffer for format.
func NewBuffer(format audiocore.Format, opts ...Option) (*Buffer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	b := &Buffer{
		format: format,
		log:    logger.Global().Module(componentSession),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Format is the buffer's sample format.
func (b *Buffer) Format() audiocore.Format { return b.format }

// Append adds a frame. It fails with InvalidState after Finalize or when
// the frame format differs from the buffer's.
func (b *Buffer) Append(f audiocore.AudioFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return b.stateError("append to finalized buffer")
	}
	if f.Format() != b.format {
		return errors.Newf("frame format %s does not match buffer format %s", f.Format(), b.format).
			Component(componentSession).
			Category(errors.CategoryInvalidState).
			Build()
	}
	b.samples = f.AppendTo(b.samples)
	return nil
}

// Frames is the number of sample frames held.
func (b *Buffer) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples) / b.format.Channels
}

// Duration of the audio held.
func (b *Buffer) Duration() time.Duration {
	return b.format.DurationOf(b.Frames())
}

// Finalize seals the buffer and returns the artifact. It succeeds exactly once.
func (b *Buffer) Finalize(info Info) (*Audio, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return nil, b.stateError("buffer already finalized")
	}
	b.finalized = true

	samples := b.samples
	b.samples = nil

	a := &Audio{info: info, format: b.format, samples: samples}
	b.log.Info("session finalized",
		logger.String("session_id", info.ID),
		logger.String("reason", string(info.Reason)),
		logger.Duration("duration", a.Duration()),
		logger.Duration("trimmed", info.Trimmed))
	return a, nil
}

func (b *Buffer) stateError(msg string) error {
	return errors.Newf("%s", msg).
		Component(componentSession).
		Category(errors.CategoryInvalidState).
		Build()
}
