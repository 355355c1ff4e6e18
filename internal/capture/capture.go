// Package capture turns microphone frames into outbound encoded chunks.
//
// A [Pipeline] wraps an opened [audio.InputStream]. It does nothing until
// [Pipeline.Start] hands it the [Sender] to deliver chunks to, so nothing can
// be sent on a transport that has not reported itself open. While the mic gate
// is closed, frames are dropped without producing a chunk.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hawkfranklin/aura/internal/observe"
	"github.com/hawkfranklin/aura/pkg/audio"
)

var (
	// ErrAlreadyStarted is returned by [Pipeline.Start] on a second call.
	ErrAlreadyStarted = errors.New("capture: already started")

	// ErrClosed is returned by [Pipeline.Start] after [Pipeline.Close].
	ErrClosed = errors.New("capture: closed")
)

// Sender delivers one encoded chunk. Send must not block; the live transport
// channel satisfies this interface.
type Sender interface {
	Send(chunk audio.EncodedChunk) error
}

// SenderFunc adapts a function to the [Sender] interface.
type SenderFunc func(chunk audio.EncodedChunk) error

// Send implements [Sender].
func (f SenderFunc) Send(chunk audio.EncodedChunk) error { return f(chunk) }

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithGate sets the function consulted for every frame to decide whether the
// mic is enabled. The default gate is always open.
func WithGate(enabled func() bool) Option {
	return func(p *Pipeline) {
		if enabled != nil {
			p.enabled = enabled
		}
	}
}

// WithLevel registers a callback that receives the 0–100 volume meter
// reading of every frame that passes the gate.
func WithLevel(fn func(level float64)) Option {
	return func(p *Pipeline) { p.onLevel = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithContext sets the context used for logging and metric attribution.
func WithContext(ctx context.Context) Option {
	return func(p *Pipeline) {
		if ctx != nil {
			p.ctx = ctx
		}
	}
}

// Pipeline is the capture half of a live session.
//
// All methods are safe for concurrent use. [Pipeline.HandleFrame] runs on the
// device callback goroutine.
type Pipeline struct {
	in      audio.InputStream
	enabled func() bool
	onLevel func(float64)
	metrics *observe.Metrics
	ctx     context.Context

	mu      sync.Mutex
	sender  Sender
	started bool
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// New creates a Pipeline over in. The stream is not started.
func New(in audio.InputStream, opts ...Option) *Pipeline {
	p := &Pipeline{
		in:      in,
		enabled: func() bool { return true },
		ctx:     context.Background(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start begins capture, delivering chunks to s. onError is called at most once
// if the device fails mid-stream. Start may only be called once.
func (p *Pipeline) Start(s Sender, onError func(error)) error {
	if onError == nil {
		onError = func(error) {}
	}

	// The lock is held across the stream start so Close cannot release the
	// stream halfway through. Frames delivered meanwhile wait for it.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.sender = s
	if err := p.in.Start(p.HandleFrame, onError); err != nil {
		p.sender = nil
		return fmt.Errorf("capture: start: %w", err)
	}
	return nil
}

// HandleFrame processes one captured frame. A muted frame is dropped. An
// unmuted frame updates the volume meter, is encoded and sent; a send failure
// is logged and counted but never retried.
func (p *Pipeline) HandleFrame(frame audio.AudioFrame) {
	p.mu.Lock()
	s := p.sender
	p.mu.Unlock()
	if s == nil {
		return
	}

	if !p.enabled() {
		p.metrics.RecordFrame(p.ctx, observe.OutcomeMuted)
		return
	}

	level := audio.Level(frame.Samples)
	p.metrics.InputLevel.Record(p.ctx, level)
	if p.onLevel != nil {
		p.onLevel(level)
	}

	if err := s.Send(audio.EncodeFrame(frame)); err != nil {
		p.metrics.RecordFrame(p.ctx, observe.OutcomeSendError)
		observe.Logger(p.ctx).Debug("capture: send failed", "err", err)
		return
	}
	p.metrics.RecordFrame(p.ctx, observe.OutcomeSent)
}

// Started reports whether Start has been called.
func (p *Pipeline) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Close stops capture and releases the input stream. It is idempotent; the
// stream is closed exactly once and later calls return the first result.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.sender = nil
		p.closed = true
		p.mu.Unlock()
		if err := p.in.Close(); err != nil {
			p.closeErr = fmt.Errorf("capture: close: %w", err)
			slog.Warn("capture: failed to close input stream", "err", err)
		}
	})
	return p.closeErr
}
