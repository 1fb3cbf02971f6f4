package audiocore

import (
	"fmt"
	"math"
	"time"

	"github.com/fossabot/hark/internal/errors"
)

// Format describes the layout of interleaved PCM samples.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate checks that the format is usable by the capture core.
func (f Format) Validate() error {
	if f.SampleRate < MinSampleRate || f.SampleRate > MaxSampleRate {
		return errors.Newf("sample rate %d outside [%d, %d]", f.SampleRate, MinSampleRate, MaxSampleRate).
			Component(ComponentAudioCore).
			Category(errors.CategoryValidation).
			Context("sample_rate", f.SampleRate).
			Build()
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return errors.Newf("channel count %d not supported, want 1 or 2", f.Channels).
			Component(ComponentAudioCore).
			Category(errors.CategoryValidation).
			Context("channels", f.Channels).
			Build()
	}
	return nil
}

// FramesFor returns the number of sample frames covering d, rounded down.
func (f Format) FramesFor(d time.Duration) int {
	return int(int64(d) * int64(f.SampleRate) / int64(time.Second))
}

// DurationOf returns the playback duration of n sample frames.
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.SampleRate))
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// AudioFrame is an immutable block of interleaved float32 PCM in [-1, 1]
// stamped with its capture time relative to the session clock origin.
// The zero value is an empty frame.
type AudioFrame struct {
	samples   []float32
	format    Format
	timestamp time.Duration
}

// NewFrame copies samples into a new frame.
func NewFrame(samples []float32, format Format, timestamp time.Duration) AudioFrame {
	owned := make([]float32, len(samples))
	copy(owned, samples)
	return NewFrameOwned(owned, format, timestamp)
}

// NewFrameOwned wraps samples without copying. The caller hands over
// ownership and must not modify samples afterwards.
func NewFrameOwned(samples []float32, format Format, timestamp time.Duration) AudioFrame {
	return AudioFrame{samples: samples, format: format, timestamp: timestamp}
}

// Silence returns a zero-valued frame of n sample frames.
func Silence(format Format, n int, timestamp time.Duration) AudioFrame {
	return NewFrameOwned(make([]float32, n*format.Channels), format, timestamp)
}

func (f AudioFrame) Format() Format           { return f.format }
func (f AudioFrame) Timestamp() time.Duration { return f.timestamp }

// Len returns the number of samples across all channels.
func (f AudioFrame) Len() int { return len(f.samples) }

// Frames returns the number of sample frames (samples per channel).
func (f AudioFrame) Frames() int {
	if f.format.Channels == 0 {
		return 0
	}
	return len(f.samples) / f.format.Channels
}

// Duration is the playback length of the frame.
func (f AudioFrame) Duration() time.Duration { return f.format.DurationOf(f.Frames()) }

// End is the timestamp just past the last sample.
func (f AudioFrame) End() time.Duration { return f.timestamp + f.Duration() }

// At returns the i-th interleaved sample.
func (f AudioFrame) At(i int) float32 { return f.samples[i] }

// Samples returns a copy of the interleaved samples.
func (f AudioFrame) Samples() []float32 {
	out := make([]float32, len(f.samples))
	copy(out, f.samples)
	return out
}

// AppendTo appends the interleaved samples to dst.
func (f AudioFrame) AppendTo(dst []float32) []float32 {
	return append(dst, f.samples...)
}

// Channel returns a copy of one de-interleaved channel.
func (f AudioFrame) Channel(ch int) []float32 {
	n := f.Frames()
	out := make([]float32, n)
	for i := range n {
		out[i] = f.samples[i*f.format.Channels+ch]
	}
	return out
}

// Slice returns the sample frames [from, to) as a frame sharing storage
// with f. The timestamp is advanced accordingly.
func (f AudioFrame) Slice(from, to int) AudioFrame {
	ch := f.format.Channels
	return AudioFrame{
		samples:   f.samples[from*ch : to*ch : to*ch],
		format:    f.format,
		timestamp: f.timestamp + f.format.DurationOf(from),
	}
}

// WithTimestamp returns f restamped at ts. Storage is shared.
func (f AudioFrame) WithTimestamp(ts time.Duration) AudioFrame {
	f.timestamp = ts
	return f
}

// RMS returns the root mean square over all samples.
func (f AudioFrame) RMS() float64 {
	return RMS(f.samples)
}

// Peak returns the largest absolute sample value.
func (f AudioFrame) Peak() float64 {
	return Peak(f.samples)
}

// RMS computes the root mean square of samples, 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns max |s| over samples.
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		v := math.Abs(float64(s))
		if v > peak {
			peak = v
		}
	}
	return peak
}
