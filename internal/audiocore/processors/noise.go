package processors

import (
	"math"

	"github.com/fossabot/hark/internal/audiocore"
)

// minThreshold keeps the expander threshold positive on digital silence.
const minThreshold = 1e-6

// NoiseReducer is a downward expander. It tracks the noise floor as the
// minimum block RMS over a sliding window and attenuates blocks that sit
// near that floor. Gains never exceed 1.
type NoiseReducer struct {
	cfg NoiseReductionConfig

	format    audiocore.Format
	blockLen  int
	history   []float64 // block RMS ring for the minimum tracker
	histPos   int
	histCount int
	lastGain  float64
}

// NewNoiseReducer creates the stage. Zero tunables take defaults.
func NewNoiseReducer(cfg NoiseReductionConfig) *NoiseReducer {
	if cfg.GateRatio == 0 {
		cfg.GateRatio = DefaultGateRatio
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultNoiseBlock
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultNoiseWindow
	}
	return &NoiseReducer{cfg: cfg, lastGain: 1}
}

func (n *NoiseReducer) Name() string { return "noise_reduction" }

// Process attenuates frame block by block. Strength 0 returns frame unchanged.
func (n *NoiseReducer) Process(frame audiocore.AudioFrame) ([]audiocore.AudioFrame, error) {
	if n.cfg.Strength == 0 || frame.Len() == 0 {
		return []audiocore.AudioFrame{frame}, nil
	}
	if frame.Format() != n.format {
		n.reset(frame.Format())
	}

	ch := n.format.Channels
	samples := frame.Samples()
	frames := frame.Frames()

	for start := 0; start < frames; start += n.blockLen {
		end := min(start+n.blockLen, frames)
		block := samples[start*ch : end*ch]

		rms := audiocore.RMS(block)
		floor := n.track(rms)
		gain := n.gain(rms, floor)

		// Ramp linearly from the previous block's gain.
		count := end - start
		for i := range count {
			g := n.lastGain + (gain-n.lastGain)*float64(i+1)/float64(count)
			for c := range ch {
				block[i*ch+c] = float32(float64(block[i*ch+c]) * g)
			}
		}
		n.lastGain = gain
	}

	return []audiocore.AudioFrame{audiocore.NewFrameOwned(samples, frame.Format(), frame.Timestamp())}, nil
}

// Flush holds nothing back.
func (n *NoiseReducer) Flush() ([]audiocore.AudioFrame, error) { return nil, nil }

func (n *NoiseReducer) reset(format audiocore.Format) {
	n.format = format
	n.blockLen = max(1, format.FramesFor(n.cfg.Block))
	blocks := max(1, int(n.cfg.Window/n.cfg.Block))
	n.history = make([]float64, blocks)
	n.histPos, n.histCount = 0, 0
	n.lastGain = 1
}

// track records rms and returns the current floor estimate.
func (n *NoiseReducer) track(rms float64) float64 {
	n.history[n.histPos] = rms
	n.histPos = (n.histPos + 1) % len(n.history)
	if n.histCount < len(n.history) {
		n.histCount++
	}

	floor := math.Inf(1)
	for _, v := range n.history[:n.histCount] {
		floor = min(floor, v)
	}
	return floor
}

// gain is 1 - strength * (1 - clamp(rms/threshold)).
func (n *NoiseReducer) gain(rms, floor float64) float64 {
	threshold := max(floor*n.cfg.GateRatio, minThreshold)
	ratio := min(max(rms/threshold, 0), 1)
	return 1 - n.cfg.Strength*(1-ratio)
}
