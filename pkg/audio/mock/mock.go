// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.InputStream], and [audio.OutputContext] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputStream{}
//	out := &mock.OutputContext{}
//	dev := &mock.Device{Input: in, Output: out}
//	// ... start a session with dev ...
//	in.Emit(audio.AudioFrame{Samples: samples, SampleRate: 16000})
//	out.SetNow(500 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/hawkfranklin/aura/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Device        = (*Device)(nil)
	_ audio.InputStream   = (*InputStream)(nil)
	_ audio.OutputContext = (*OutputContext)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// Input is returned by [Device.OpenInput]. A fresh [InputStream] is
	// created on first use if nil.
	Input *InputStream

	// Output is returned by [Device.OpenOutput]. A fresh [OutputContext] is
	// created on first use if nil.
	Output *OutputContext

	// OpenInputErr, when non-nil, is returned by OpenInput.
	OpenInputErr error

	// OpenOutputErr, when non-nil, is returned by OpenOutput.
	OpenOutputErr error

	// CallCountOpenInput records how many times OpenInput was called.
	CallCountOpenInput int

	// CallCountOpenOutput records how many times OpenOutput was called.
	CallCountOpenOutput int

	// InputFormats records the format passed to each OpenInput call.
	InputFormats []audio.Format

	// FramesPerBuffer records the buffer size passed to each OpenInput call.
	FramesPerBuffer []int
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(_ context.Context, format audio.Format, framesPerBuffer int) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenInput++
	d.InputFormats = append(d.InputFormats, format)
	d.FramesPerBuffer = append(d.FramesPerBuffer, framesPerBuffer)
	if d.OpenInputErr != nil {
		return nil, d.OpenInputErr
	}
	if d.Input == nil {
		d.Input = &InputStream{}
	}
	return d.Input, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, _ audio.Format) (audio.OutputContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenOutput++
	if d.OpenOutputErr != nil {
		return nil, d.OpenOutputErr
	}
	if d.Output == nil {
		d.Output = &OutputContext{}
	}
	return d.Output, nil
}

// InputStream returns the stream handed out by OpenInput, or nil.
func (d *Device) InputStream() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Input
}

// OutputContext returns the context handed out by OpenOutput, or nil.
func (d *Device) OutputContext() *OutputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Output
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Tests drive it
// with [InputStream.Emit] and [InputStream.Fail].
type InputStream struct {
	mu sync.Mutex

	// StartErr, when non-nil, is returned by Start.
	StartErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onFrame func(audio.AudioFrame)
	onError func(error)
	closed  bool
}

// Start implements [audio.InputStream].
func (s *InputStream) Start(onFrame func(audio.AudioFrame), onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.onFrame = onFrame
	s.onError = onError
	return nil
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return s.CloseErr
}

// Emit delivers frame to the registered frame callback, as the device
// callback would. It reports false if the stream is not started or closed.
func (s *InputStream) Emit(frame audio.AudioFrame) bool {
	s.mu.Lock()
	fn := s.onFrame
	closed := s.closed
	s.mu.Unlock()
	if fn == nil || closed {
		return false
	}
	fn(frame)
	return true
}

// Fail delivers err to the registered error callback, simulating a device
// failure mid-stream.
func (s *InputStream) Fail(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Started reports whether Start succeeded.
func (s *InputStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onFrame != nil
}

// Closes returns the number of Close calls.
func (s *InputStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// ScheduledChunk records one call to [OutputContext.Schedule].
type ScheduledChunk struct {
	Chunk audio.PlaybackChunk
	At    time.Duration
}

// OutputContext is a mock implementation of [audio.OutputContext] with a
// manually driven clock.
type OutputContext struct {
	mu sync.Mutex

	// ScheduleErr, when non-nil, is returned by Schedule.
	ScheduleErr error

	// CloseErr is returned by Close.
	CloseErr error

	// Scheduled records every successful Schedule call in order.
	Scheduled []ScheduledChunk

	// CallCountCancelPending records how many times CancelPending was called.
	CallCountCancelPending int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now       time.Duration
	cancelled int
}

// Now implements [audio.OutputContext].
func (o *OutputContext) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the clock to d.
func (o *OutputContext) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the clock forward by d.
func (o *OutputContext) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Schedule implements [audio.OutputContext].
func (o *OutputContext) Schedule(chunk audio.PlaybackChunk, at time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return o.ScheduleErr
	}
	o.Scheduled = append(o.Scheduled, ScheduledChunk{Chunk: chunk, At: at})
	return nil
}

// CancelPending implements [audio.OutputContext]. Chunks whose start lies
// after the current clock are removed from Scheduled and counted.
func (o *OutputContext) CancelPending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountCancelPending++
	kept := o.Scheduled[:0]
	n := 0
	for _, s := range o.Scheduled {
		if s.At > o.now {
			n++
			continue
		}
		kept = append(kept, s)
	}
	o.Scheduled = kept
	o.cancelled += n
	return n
}

// Close implements [audio.OutputContext].
func (o *OutputContext) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseErr
}

// Calls returns a copy of the recorded Schedule calls.
func (o *OutputContext) Calls() []ScheduledChunk {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduledChunk, len(o.Scheduled))
	copy(out, o.Scheduled)
	return out
}

// Cancelled returns the total number of chunks dropped by CancelPending.
func (o *OutputContext) Cancelled() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// Closes returns the number of Close calls.
func (o *OutputContext) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}
