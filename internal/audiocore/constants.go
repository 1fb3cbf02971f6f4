package audiocore

import "time"

// ComponentAudioCore identifies errors raised by this package
const ComponentAudioCore = "audiocore"

// Stream defaults
const (
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultFrameDuration = 20 * time.Millisecond

	// BytesPerSample is the size of one S16LE sample as delivered by devices
	BytesPerSample = 2

	MinSampleRate = 8000
	MaxSampleRate = 192000
	MaxChannels   = 2
)
