package record

import (
	"os"

	"golang.org/x/term"
)

// intent is what a key press asks of the session.
type intent int

const (
	intentNone intent = iota
	intentStart
	intentStop
)

const (
	keyCtrlC = 0x03
	keyCtrlD = 0x04
	keyEnter = '\r'
	keyLF    = '\n'
	keyEsc   = 0x1b
)

// keyIntent maps a key to an intent. Space toggles; Ctrl+C, Ctrl+D, enter,
// escape and q always stop. Stopping before start ends the session without
// recording.
func keyIntent(key byte, started bool) intent {
	switch key {
	case ' ':
		if started {
			return intentStop
		}
		return intentStart
	case keyCtrlC, keyCtrlD, keyEsc, 'q', 'Q':
		return intentStop
	case keyEnter, keyLF:
		if started {
			return intentStop
		}
	}
	return intentNone
}

// controls receives start and stop intents.
type controls interface {
	Start()
	Stop()
}

// watchKeys puts the terminal in raw mode and forwards key presses to c.
// The returned function restores the terminal. The reader goroutine ends on
// the first stop or read error.
func watchKeys(in *os.File, c controls) (func(), error) {
	fd := int(in.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}

	go func() {
		started := false
		buf := make([]byte, 1)
		for {
			n, err := in.Read(buf)
			if err != nil {
				c.Stop()
				return
			}
			if n == 0 {
				continue
			}
			switch keyIntent(buf[0], started) {
			case intentStart:
				started = true
				c.Start()
			case intentStop:
				c.Stop()
				return
			}
		}
	}()

	return func() { _ = term.Restore(fd, state) }, nil
}
