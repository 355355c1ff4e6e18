// Package portaudio implements [audio.Device] on top of the PortAudio C
// library. The real implementation is compiled only with the "portaudio"
// build tag; without it every open call fails with
// [audio.ErrDeviceUnavailable] so the rest of the module builds and tests
// without cgo.
//
// Build with:
//
//	go build -tags portaudio ./cmd/aura
package portaudio

import (
	"time"

	"github.com/hawkfranklin/aura/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

const (
	// DefaultStallTimeout is how long the input stream may go without a
	// device callback before it is reported as failed.
	DefaultStallTimeout = 2 * time.Second

	// DefaultQueueDepth is the number of captured frames buffered between the
	// device callback and the frame consumer.
	DefaultQueueDepth = 8
)

// Option configures a [Device].
type Option func(*Device)

// WithStallTimeout sets the input stall watchdog timeout. Zero disables the
// watchdog.
func WithStallTimeout(d time.Duration) Option {
	return func(dev *Device) {
		dev.stallTimeout = d
	}
}

// WithQueueDepth sets how many captured frames may be buffered before new
// frames are dropped.
func WithQueueDepth(n int) Option {
	return func(dev *Device) {
		if n > 0 {
			dev.queueDepth = n
		}
	}
}

// Device opens the system default microphone and speaker.
//
// Device is safe for concurrent use; every Open call creates an independent
// PortAudio stream.
type Device struct {
	stallTimeout time.Duration
	queueDepth   int
}

// New creates a Device.
func New(opts ...Option) *Device {
	d := &Device{
		stallTimeout: DefaultStallTimeout,
		queueDepth:   DefaultQueueDepth,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}
