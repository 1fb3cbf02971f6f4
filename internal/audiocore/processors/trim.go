package processors

import (
	"time"

	"github.com/fossabot/hark/internal/audiocore"
)

// SilenceTrimmer drops leading and trailing silence, keeping a guard of
// whole frames next to the first and last voiced frame. Silence between
// voiced frames is never touched.
type SilenceTrimmer struct {
	cfg   SilenceTrimmingConfig
	guard int // frames, fixed by the first frame seen

	voiced  bool
	first   []audiocore.AudioFrame // first guard frames, kept if nothing is ever voiced
	recent  []audiocore.AudioFrame // last guard frames before the first voiced frame
	pending []audiocore.AudioFrame // silence after the latest voiced frame
	seen    time.Duration          // leading audio received before voicing
	trimmed time.Duration
}

// NewSilenceTrimmer creates the stage. A zero threshold takes the default.
func NewSilenceTrimmer(cfg SilenceTrimmingConfig) *SilenceTrimmer {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultTrimThreshold
	}
	return &SilenceTrimmer{cfg: cfg, guard: -1}
}

func (t *SilenceTrimmer) Name() string { return "silence_trimming" }

func (t *SilenceTrimmer) Process(frame audiocore.AudioFrame) ([]audiocore.AudioFrame, error) {
	if t.guard < 0 {
		t.guard = guardFrames(t.cfg.Guard, frame.Duration())
	}
	silent := frame.RMS() < t.cfg.Threshold

	if !t.voiced {
		if silent {
			t.holdLeading(frame)
			return nil, nil
		}
		t.voiced = true
		out := append(t.recent, frame)
		for _, f := range t.recent {
			t.seen -= f.Duration()
		}
		t.trimmed += t.seen
		t.first, t.recent, t.seen = nil, nil, 0
		return out, nil
	}

	if silent {
		t.pending = append(t.pending, frame)
		return nil, nil
	}
	out := append(t.pending, frame)
	t.pending = nil
	return out, nil
}

// Flush releases the trailing guard, or the leading guard of a stream
// that never rose above the threshold.
func (t *SilenceTrimmer) Flush() ([]audiocore.AudioFrame, error) {
	if !t.voiced {
		keep := t.first
		for _, f := range keep {
			t.seen -= f.Duration()
		}
		t.trimmed += t.seen
		t.first, t.recent, t.seen = nil, nil, 0
		return keep, nil
	}

	n := min(t.guard, len(t.pending))
	keep := t.pending[:n]
	for _, f := range t.pending[n:] {
		t.trimmed += f.Duration()
	}
	t.pending = nil
	return keep, nil
}

// Trimmed is the duration discarded so far.
func (t *SilenceTrimmer) Trimmed() time.Duration { return t.trimmed }

func (t *SilenceTrimmer) holdLeading(frame audiocore.AudioFrame) {
	t.seen += frame.Duration()
	// A stream must never come out empty, so keep at least one frame.
	if len(t.first) < max(t.guard, 1) {
		t.first = append(t.first, frame)
	}
	if t.guard == 0 {
		return
	}
	t.recent = append(t.recent, frame)
	if len(t.recent) > t.guard {
		t.recent = t.recent[1:]
	}
}

// guardFrames rounds guard up to whole frames of length frame.
func guardFrames(guard, frame time.Duration) int {
	if guard <= 0 || frame <= 0 {
		return 0
	}
	return int((guard + frame - 1) / frame)
}
