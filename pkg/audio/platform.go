// Package audio defines the audio device capability and the sample types that
// flow through a live session.
//
// The two primary abstractions are:
//
//   - [Device] opens the microphone as an [InputStream] and the speaker as
//     an [OutputContext]. A device is passed into the session explicitly; it
//     is never looked up from ambient global state.
//   - [OutputContext] is a clock-driven playback surface. Callers schedule
//     [PlaybackChunk] values at absolute positions on the context's clock,
//     which makes gapless back-to-back playback a matter of bookkeeping.
//
// Implementations live in sub-packages (audio/portaudio for real hardware,
// audio/mock for tests).
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned by [Device] open methods when the
	// operating system refuses access to the microphone or speaker.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when the audio device cannot be opened
	// or disappears while streaming.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrDecode is wrapped by every error returned from [Decoder.Decode].
	ErrDecode = errors.New("audio: decode failure")
)

// InputStream is an opened microphone. Frames are delivered on a device
// callback goroutine that is separate from the caller's goroutine.
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// Start begins delivering frames to onFrame. onError is invoked at most
	// once if the device fails mid-stream (e.g. it is unplugged); no further
	// frames are delivered afterwards. Start may only be called once.
	Start(onFrame func(AudioFrame), onError func(error)) error

	// Close stops capture and releases the device handle.
	Close() error
}

// OutputContext is an opened speaker with its own playback clock.
//
// Implementations must be safe for concurrent use.
type OutputContext interface {
	// Now returns the current position of the output clock: the amount of
	// audio rendered to the device since the context was opened.
	Now() time.Duration

	// Schedule queues chunk to start playing at the clock position at. A
	// position already in the past starts playing immediately.
	Schedule(chunk PlaybackChunk, at time.Duration) error

	// CancelPending drops every scheduled chunk that has not started playing
	// yet and returns how many were dropped. Chunks already playing finish.
	CancelPending() int

	// Close stops playback and releases the device handle.
	Close() error
}

// Device opens audio streams. Each live session opens exactly one
// [InputStream] and one [OutputContext] and never shares them.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// OpenInput opens the microphone in the given format, delivering frames
	// of framesPerBuffer samples. Returns an error wrapping
	// [ErrPermissionDenied] or [ErrDeviceUnavailable] on failure.
	OpenInput(ctx context.Context, format Format, framesPerBuffer int) (InputStream, error)

	// OpenOutput opens the speaker in the given format.
	OpenOutput(ctx context.Context, format Format) (OutputContext, error)
}
