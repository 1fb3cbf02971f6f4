package processors

import (
	"math"

	"github.com/fossabot/hark/internal/audiocore"
)

// Normalizer scales the whole stream so its peak lands on TargetPeak. It
// needs the complete stream to find the peak, so frames are held until Flush.
type Normalizer struct {
	cfg  NormalizationConfig
	held []audiocore.AudioFrame
	peak float64
	gain float64
}

// NewNormalizer creates the stage. Zero tunables take defaults.
func NewNormalizer(cfg NormalizationConfig) *Normalizer {
	if cfg.TargetPeak == 0 {
		cfg.TargetPeak = DefaultTargetPeak
	}
	if cfg.SilenceFloor == 0 {
		cfg.SilenceFloor = DefaultSilenceFloor
	}
	return &Normalizer{cfg: cfg, gain: 1}
}

func (n *Normalizer) Name() string { return "normalization" }

func (n *Normalizer) Process(frame audiocore.AudioFrame) ([]audiocore.AudioFrame, error) {
	n.held = append(n.held, frame)
	n.peak = max(n.peak, frame.Peak())
	return nil, nil
}

// Flush releases the held stream, scaled unless it is below the silence floor.
func (n *Normalizer) Flush() ([]audiocore.AudioFrame, error) {
	held := n.held
	n.held = nil

	if n.peak < n.cfg.SilenceFloor {
		n.gain = 1
		return held, nil
	}
	n.gain = n.cfg.TargetPeak / n.peak
	if n.gain == 1 {
		return held, nil
	}

	out := make([]audiocore.AudioFrame, len(held))
	for i, f := range held {
		out[i] = applyGain(f, n.gain)
	}
	return out, nil
}

// Gain is the factor applied by the last Flush.
func (n *Normalizer) Gain() float64 { return n.gain }

// applyGain scales every sample and clips to [-1, 1].
func applyGain(f audiocore.AudioFrame, gain float64) audiocore.AudioFrame {
	samples := f.Samples()
	for i, s := range samples {
		v := float64(s) * gain
		samples[i] = float32(math.Max(-1, math.Min(1, v)))
	}
	return audiocore.NewFrameOwned(samples, f.Format(), f.Timestamp())
}
