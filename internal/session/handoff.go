package session

import (
	"context"
	"time"

	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
)

// Segment is one span of transcribed text.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Transcriber turns finalized audio into timed text. Implementations live
// outside this module.
type Transcriber interface {
	Transcribe(ctx context.Context, audio *Audio) ([]Segment, error)
}

// Handoff gates finalized audio on its way to a Transcriber.
type Handoff struct {
	transcriber Transcriber
	minDuration time.Duration
	log         logger.Logger
}

// NewHandoff creates a handoff. t may be nil when only Check is used.
func NewHandoff(t Transcriber, minDuration time.Duration) *Handoff {
	return &Handoff{
		transcriber: t,
		minDuration: minDuration,
		log:         logger.Global().Module(componentSession),
	}
}

// Check rejects audio shorter than the minimum duration.
func (h *Handoff) Check(a *Audio) error {
	if a == nil {
		return errors.Newf("no audio to hand off").
			Component(componentSession).
			Category(errors.CategoryRecordingTooShort).
			Build()
	}
	if d := a.Duration(); d < h.minDuration {
		return errors.Newf("recording too short (%.1fs < %.1fs)", d.Seconds(), h.minDuration.Seconds()).
			Component(componentSession).
			Category(errors.CategoryRecordingTooShort).
			Context("session_id", a.ID()).
			Context("duration_ms", d.Milliseconds()).
			Context("min_duration_ms", h.minDuration.Milliseconds()).
			Build()
	}
	return nil
}

// Deliver checks a, transcribes it and validates the returned segments:
// each must have Start <= End, starts must not decrease and no segment may
// end past the audio.
func (h *Handoff) Deliver(ctx context.Context, a *Audio) ([]Segment, error) {
	if err := h.Check(a); err != nil {
		return nil, err
	}
	if h.transcriber == nil {
		return nil, errors.Newf("no transcriber configured").
			Component(componentSession).
			Category(errors.CategoryConfiguration).
			Build()
	}

	start := time.Now()
	segments, err := h.transcriber.Transcribe(ctx, a)
	if err != nil {
		return nil, errors.New(err).
			Component(componentSession).
			Category(errors.CategoryProcessing).
			Context("session_id", a.ID()).
			Context("operation", "transcribe").
			Timing("transcribe", time.Since(start)).
			Build()
	}

	limit := a.Duration()
	var prev time.Duration
	for i, seg := range segments {
		if seg.Start < 0 || seg.End < seg.Start || seg.Start < prev || seg.End > limit {
			return nil, errors.Newf("segment %d [%s, %s] out of order or range", i, seg.Start, seg.End).
				Component(componentSession).
				Category(errors.CategoryValidation).
				Context("session_id", a.ID()).
				Context("audio_duration", limit.String()).
				Build()
		}
		prev = seg.Start
	}

	h.log.Debug("transcription delivered",
		logger.String("session_id", a.ID()),
		logger.Int("segments", len(segments)),
		logger.Duration("elapsed", time.Since(start)))
	return segments, nil
}
