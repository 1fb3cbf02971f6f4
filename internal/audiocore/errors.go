package audiocore

import (
	"github.com/fossabot/hark/internal/errors"
)

// Sentinels for errors.Is checks. Matching is by category, so any error
// built with the same category satisfies errors.Is against these.
var (
	// ErrDeviceUnavailable: a requested source cannot be opened
	ErrDeviceUnavailable = errors.New(nil).
		Component(ComponentAudioCore).
		Category(errors.CategoryDeviceUnavailable).
		Context("error", "audio device unavailable").
		Build()

	// ErrDeviceDisconnected: a device dropped during capture
	ErrDeviceDisconnected = errors.New(nil).
		Component(ComponentAudioCore).
		Category(errors.CategoryDeviceDisconnected).
		Context("error", "audio device disconnected").
		Build()

	// ErrSynchronization: sustained skew between sources
	ErrSynchronization = errors.New(nil).
		Component(ComponentAudioCore).
		Category(errors.CategorySynchronization).
		Context("error", "sources drifted apart").
		Build()

	ErrConfiguration = errors.New(nil).
		Component(ComponentAudioCore).
		Category(errors.CategoryConfiguration).
		Context("error", "invalid configuration").
		Build()

	ErrInvalidState = errors.New(nil).
		Component(ComponentAudioCore).
		Category(errors.CategoryInvalidState).
		Context("error", "operation not allowed in current state").
		Build()

	ErrRecordingTooShort = errors.New(nil).
		Component(ComponentAudioCore).
		Category(errors.CategoryRecordingTooShort).
		Context("error", "recording too short").
		Build()

	ErrInsufficientDiskSpace = errors.New(nil).
		Component(ComponentAudioCore).
		Category(errors.CategoryDiskSpace).
		Context("error", "insufficient disk space").
		Build()

	// ErrInvalidAudioFormat is returned when frames do not match the stream format
	ErrInvalidAudioFormat = errors.New(nil).
		Component(ComponentAudioCore).
		Category(errors.CategoryValidation).
		Context("resource", "audio_format").
		Build()
)
