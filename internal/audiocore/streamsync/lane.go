package streamsync

import (
	"time"

	"github.com/fossabot/hark/internal/audiocore"
)

// lane is the per-source sample queue of a dual-source merge. It keeps
// samples contiguous in the source's own timeline: gaps are filled with
// zeros and overlaps with already emitted audio are dropped.
type lane struct {
	role audiocore.SourceRole
	in   <-chan audiocore.AudioFrame
	open bool

	rate int
	buf  []float32     // mono samples
	ts   time.Duration // timestamp of buf[0], valid when len(buf) > 0

	next    time.Duration // timestamp of the next sample this lane owes the output
	dataEnd time.Duration // end of the last real audio taken
	started bool
	stalled bool
	padding bool
}

// ready reports whether a full window can be taken. A closed lane is
// ready with any remainder, which is zero-padded on take.
func (l *lane) ready(n int) bool {
	return len(l.buf) >= n || (!l.open && len(l.buf) > 0)
}

// dropStale discards buffered samples that fall before audio this lane has
// already been given. It reports whether anything was dropped.
func (l *lane) dropStale(half time.Duration) bool {
	if !l.started || len(l.buf) == 0 || l.ts >= l.next-half {
		return false
	}
	drop := min(l.samplesFor(l.next-l.ts), len(l.buf))
	if drop == 0 {
		return false
	}
	l.buf = l.buf[drop:]
	l.ts += l.durationOf(drop)
	return true
}

func (l *lane) durationOf(n int) time.Duration {
	return time.Duration(int64(n) * int64(time.Second) / int64(l.rate))
}

func (l *lane) samplesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(int64(d) * int64(l.rate) / int64(time.Second))
}

// end is the timestamp just past the buffered samples.
func (l *lane) end() time.Duration {
	return l.ts + l.durationOf(len(l.buf))
}

// push appends a frame. It reports false when the whole frame was stale.
func (l *lane) push(f audiocore.AudioFrame, half time.Duration) bool {
	samples := toMono(f)
	ts := f.Timestamp()

	// Drop audio for windows this lane has already been given (padded or emitted).
	if l.started && len(l.buf) == 0 && ts < l.next-half {
		drop := l.samplesFor(l.next - ts)
		if drop >= len(samples) {
			return false
		}
		samples = samples[drop:]
		ts += l.durationOf(drop)
	}

	if len(l.buf) == 0 {
		l.buf = append(l.buf, samples...)
		l.ts = ts
		return true
	}

	end := l.end()
	switch {
	case ts > end+half:
		l.buf = append(l.buf, make([]float32, l.samplesFor(ts-end))...)
	case ts < end-half:
		drop := l.samplesFor(end - ts)
		if drop >= len(samples) {
			return false
		}
		samples = samples[drop:]
	}
	l.buf = append(l.buf, samples...)
	return true
}

// take removes up to n samples, zero-filling a short remainder.
func (l *lane) take(n int, fd time.Duration) []float32 {
	out := make([]float32, n)
	k := copy(out, l.buf)
	l.buf = l.buf[k:]
	l.next = l.ts + fd
	l.ts += l.durationOf(k)
	if k > 0 {
		l.dataEnd = l.ts
	}
	if len(l.buf) == 0 {
		l.buf = nil
	}
	l.started = true
	l.stalled = false
	l.padding = false
	return out
}

// pad accounts one window of silence for this lane.
func (l *lane) pad(fd time.Duration) {
	l.next += fd
	l.started = true
}

// toMono averages interleaved channels.
func toMono(f audiocore.AudioFrame) []float32 {
	ch := f.Format().Channels
	if ch <= 1 {
		return f.Samples()
	}
	n := f.Frames()
	out := make([]float32, n)
	for i := range n {
		var sum float32
		for c := range ch {
			sum += f.At(i*ch + c)
		}
		out[i] = sum / float32(ch)
	}
	return out
}
