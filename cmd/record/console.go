package record

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fossabot/hark/internal/recorder"
)

const (
	meterWidth    = 30
	meterFloorDB  = -60.0
	meterInterval = 100 * time.Millisecond
)

// console prints prompts and a level meter to the terminal. In raw mode
// lines need an explicit carriage return.
type console struct {
	w           io.Writer
	interactive bool
	meter       rate.Sometimes

	mu        sync.Mutex
	recording bool
	onMeter   bool // cursor sits on the meter line
}

func newConsole(w io.Writer, interactive bool) *console {
	return &console{
		w:           w,
		interactive: interactive,
		meter:       rate.Sometimes{Interval: meterInterval},
	}
}

func (c *console) println(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearMeter()
	fmt.Fprintf(c.w, format, args...)
	fmt.Fprint(c.w, "\r\n")
}

func (c *console) clearMeter() {
	if c.onMeter {
		fmt.Fprint(c.w, "\r\033[K")
		c.onMeter = false
	}
}

// level draws the meter at most every meterInterval.
func (c *console) level(rms float64) {
	if !c.interactive {
		return
	}
	c.meter.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.recording {
			return
		}
		fmt.Fprintf(c.w, "\r%s", meterBar(rms, meterWidth))
		c.onMeter = true
	})
}

func (c *console) state(_, to recorder.State) {
	c.mu.Lock()
	c.recording = to == recorder.StateRecording
	c.mu.Unlock()

	switch to {
	case recorder.StateRecording:
		if c.interactive {
			c.println("Recording, press space, enter or q to stop")
		} else {
			c.println("Recording")
		}
	case recorder.StateFinalizing:
		c.println("Finishing")
	}
}

// finish leaves the meter line.
func (c *console) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = false
	c.clearMeter()
}

// meterBar renders rms on a dBFS scale from meterFloorDB to 0.
func meterBar(rms float64, width int) string {
	db := math.Inf(-1)
	if rms > 0 {
		db = 20 * math.Log10(rms)
	}

	fill := 0
	if db > meterFloorDB {
		fill = int(math.Round((db - meterFloorDB) / -meterFloorDB * float64(width)))
	}
	fill = min(max(fill, 0), width)

	label := " -inf dBFS"
	if !math.IsInf(db, -1) {
		label = fmt.Sprintf("%5.0f dBFS", math.Max(db, -99))
	}
	return "[" + strings.Repeat("#", fill) + strings.Repeat(" ", width-fill) + "]" + label
}
