// Package session runs one live duplex audio session.
//
// A [Session] opens the speaker and the microphone through an injected
// [audio.Device], connects a [live.Transport], and wires the capture pipeline
// and the playback scheduler to the resulting channel:
//
//	microphone → capture.Pipeline → live.Channel          (outbound)
//	live.Channel → playback.Scheduler → audio.OutputContext (inbound)
//
// Capture starts only inside the transport's OnOpen callback. Every failure
// is terminal: the session moves to [StatusError] (or [StatusClosed] on a
// normal close), releases its resources and never reconnects. Retrying means
// starting a new session.
//
// All mutable state lives in a single record guarded by one mutex, including
// the playback cursor, which the scheduler reaches through a [playback.Cursor]
// adapter.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hawkfranklin/aura/internal/capture"
	"github.com/hawkfranklin/aura/internal/observe"
	"github.com/hawkfranklin/aura/internal/playback"
	"github.com/hawkfranklin/aura/pkg/audio"
	"github.com/hawkfranklin/aura/pkg/provider/live"
)

var (
	// ErrAlreadyStarted is returned by [Session.Start] on a second call.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrClosed is returned by [Session.Start] when the session was closed
	// before or while starting.
	ErrClosed = errors.New("session: closed")
)

// Error kinds recorded on the session error counter.
const (
	errKindAudio     = "audio"
	errKindTransport = "transport"
)

// Config holds the dependencies and settings of a [Session].
type Config struct {
	// Device opens the microphone and the speaker. Required.
	Device audio.Device

	// Transport connects to the remote agent. Required.
	Transport live.Transport

	// Live configures the agent (model, voice, instructions).
	Live live.Config

	// InputFormat is the capture format. Defaults to [audio.InputFormat].
	InputFormat audio.Format

	// OutputFormat is the playback format. Defaults to [audio.OutputFormat].
	OutputFormat audio.Format

	// FramesPerBuffer is the capture window size. Defaults to
	// [audio.DefaultFramesPerBuffer].
	FramesPerBuffer int

	// StartMuted starts the session with the mic disabled.
	StartMuted bool

	// KeepQueueOnInterrupt leaves queued playback in place when the agent
	// signals an interruption. By default queued chunks are cancelled.
	KeepQueueOnInterrupt bool

	// Metrics receives session telemetry. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is one live duplex audio exchange, from Start to Close or a
// terminal transport event. A Session cannot be restarted.
//
// All methods are safe for concurrent use.
type Session struct {
	cfg     Config
	id      string
	metrics *observe.Metrics

	mu         sync.Mutex
	state      State
	ctx        context.Context
	started    bool
	closing    bool
	active     bool
	cancelOpen context.CancelFunc
	out        audio.OutputContext
	pipeline   *capture.Pipeline
	sched      *playback.Scheduler
	ch         live.Channel
	err        error

	subsMu sync.Mutex
	subs   map[chan State]struct{}

	teardownOnce sync.Once
	closeErr     error
	done         chan struct{}
}

// New validates cfg and returns an unstarted Session.
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.Device == nil {
		errs = append(errs, errors.New("session: audio device is required"))
	}
	if cfg.Transport == nil {
		errs = append(errs, errors.New("session: transport is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.InputFormat.SampleRate <= 0 {
		cfg.InputFormat = audio.InputFormat
	}
	if cfg.OutputFormat.SampleRate <= 0 {
		cfg.OutputFormat = audio.OutputFormat
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = audio.DefaultFramesPerBuffer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	cfg.Live = cfg.Live.WithDefaults()

	id := uuid.NewString()
	return &Session{
		cfg:     cfg,
		id:      id,
		metrics: cfg.Metrics,
		ctx:     observe.WithSessionID(context.Background(), id),
		state: State{
			ID:         id,
			Status:     StatusInitializing,
			StatusText: TextInitializing,
			MicEnabled: !cfg.StartMuted,
		},
		subs: make(map[chan State]struct{}),
		done: make(chan struct{}),
	}, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Start opens the audio devices and connects the transport. It returns once
// the transport handshake completes; capture begins when the transport
// reports open. A device failure sets the status to "Failed to initialize
// audio." and returns an error wrapping [audio.ErrPermissionDenied] or
// [audio.ErrDeviceUnavailable].
//
// There is no timeout on the handshake beyond ctx. [Session.Close] aborts a
// Start that is still in progress, which then returns [ErrClosed].
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(observe.WithSessionID(ctx, s.id))
	defer cancel()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.cancelOpen = cancel
	s.state.StartedAt = time.Now().UTC()
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(attribute.String("session.id", s.id)))
	defer span.End()

	s.mu.Lock()
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()
	log := observe.Logger(ctx)
	s.notify()

	if err := s.openDevices(ctx); err != nil {
		if errors.Is(err, ErrClosed) || s.isClosing() {
			return ErrClosed
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "audio")
		s.finish(StatusError, TextAudioFailed, errKindAudio, err)
		s.teardown()
		return err
	}

	s.update(func(st *State) {
		st.Status = StatusConnecting
		st.StatusText = TextConnecting
	})

	log.Info("session: connecting", "model", s.cfg.Live.Model, "voice", s.cfg.Live.Voice)
	ch, err := s.connect(ctx)
	if err != nil {
		if s.isClosing() {
			return ErrClosed
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		s.finish(StatusError, TextError, errKindTransport, err)
		s.teardown()
		return err
	}

	s.mu.Lock()
	if s.closing {
		termErr := s.err
		s.mu.Unlock()
		_ = ch.Close()
		if termErr != nil {
			return termErr
		}
		return ErrClosed
	}
	s.ch = ch
	s.mu.Unlock()
	return nil
}

func (s *Session) openDevices(ctx context.Context) error {
	out, err := s.cfg.Device.OpenOutput(ctx, s.cfg.OutputFormat)
	if err != nil {
		return fmt.Errorf("session: open output: %w", err)
	}
	if !s.adopt(func() { s.out = out }) {
		_ = out.Close()
		return ErrClosed
	}

	in, err := s.cfg.Device.OpenInput(ctx, s.cfg.InputFormat, s.cfg.FramesPerBuffer)
	if err != nil {
		return fmt.Errorf("session: open input: %w", err)
	}

	sessCtx := context.WithoutCancel(ctx)
	pipeline := capture.New(in,
		capture.WithGate(s.micEnabled),
		capture.WithLevel(s.setLevel),
		capture.WithMetrics(s.metrics),
		capture.WithContext(sessCtx),
	)
	sched := playback.New(out,
		playback.WithCursor(stateCursor{s}),
		playback.WithFlushOnInterrupt(!s.cfg.KeepQueueOnInterrupt),
		playback.WithOutputRate(s.cfg.OutputFormat.SampleRate),
		playback.WithMetrics(s.metrics),
	)
	if !s.adopt(func() { s.pipeline, s.sched = pipeline, sched }) {
		_ = pipeline.Close()
		return ErrClosed
	}
	return nil
}

func (s *Session) connect(ctx context.Context) (live.Channel, error) {
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()

	start := time.Now()
	ch, err := s.cfg.Transport.Open(ctx, s.cfg.Live, live.Handlers{
		OnOpen:    s.onOpen,
		OnMessage: s.onMessage,
		OnClose:   s.onClose,
		OnError:   s.onError,
	})
	s.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("session: open transport: %w", err)
	}
	return ch, nil
}

// adopt stores handles via fn unless teardown has begun. It reports whether
// the handles were stored; if not, the caller must release them.
func (s *Session) adopt(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	fn()
	return true
}

// ── Transport callbacks ──────────────────────────────────────────────────────

func (s *Session) onOpen(ch live.Channel) {
	s.mu.Lock()
	if s.closing || s.pipeline == nil {
		s.mu.Unlock()
		return
	}
	s.state.Status = StatusOpen
	s.state.StatusText = TextListening
	s.active = true
	s.metrics.ActiveSessions.Add(s.ctx, 1)
	p, ctx := s.pipeline, s.ctx
	s.mu.Unlock()

	s.notify()
	observe.Logger(ctx).Info("session: connected")

	if err := p.Start(ch, s.onDeviceError); err != nil {
		if errors.Is(err, capture.ErrClosed) {
			return
		}
		s.finish(StatusError, TextError, errKindAudio, fmt.Errorf("session: start capture: %w", err))
		go s.teardown()
	}
}

func (s *Session) onMessage(ev live.ServerEvent) {
	s.mu.Lock()
	sched, ctx, closing := s.sched, s.ctx, s.closing
	s.mu.Unlock()
	if closing || sched == nil {
		return
	}

	switch ev := ev.(type) {
	case live.AudioChunk:
		if _, err := sched.HandleAudio(ctx, ev.Encoded()); err != nil {
			observe.Logger(ctx).Warn("session: dropped inbound audio", "err", err)
		}
	case live.Interrupted:
		flushed := sched.Interrupt(ctx)
		observe.Logger(ctx).Debug("session: interrupted", "flushed", flushed)
		s.notify()
	case live.TurnComplete:
		observe.Logger(ctx).Debug("session: turn complete")
	case live.Transcript:
		s.update(func(st *State) {
			if ev.Role == live.RoleUser {
				st.UserTranscript = ev.Text
			} else {
				st.ModelTranscript = ev.Text
			}
		})
		observe.Logger(ctx).Debug("session: transcript", "role", ev.Role, "text", ev.Text)
	}
}

func (s *Session) onClose() {
	s.finish(StatusClosed, TextClosed, "", nil)
	go s.teardown()
}

func (s *Session) onError(err error) {
	s.finish(StatusError, TextError, errKindTransport, fmt.Errorf("session: transport: %w", err))
	go s.teardown()
}

func (s *Session) onDeviceError(err error) {
	s.finish(StatusError, TextError, errKindAudio, fmt.Errorf("session: capture: %w", err))
	go s.teardown()
}

// finish moves the session into a terminal status. Only the first terminal
// transition is recorded.
func (s *Session) finish(status Status, text, kind string, err error) {
	s.mu.Lock()
	if s.state.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state.Status = status
	s.state.StatusText = text
	if err != nil {
		s.err = err
		s.state.Err = err.Error()
	}
	s.closing = true
	ctx := s.ctx
	s.mu.Unlock()

	if err != nil {
		s.metrics.RecordSessionError(ctx, kind)
		observe.Logger(ctx).Error("session: failed", "kind", kind, "err", err)
	} else {
		observe.Logger(ctx).Info("session: connection closed")
	}
	s.notify()
}

// ── Controls ─────────────────────────────────────────────────────────────────

// SetMicEnabled opens or closes the mic gate. Frames captured while the gate
// is closed are dropped.
func (s *Session) SetMicEnabled(enabled bool) {
	s.update(func(st *State) { st.MicEnabled = enabled })
}

func (s *Session) micEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.MicEnabled
}

func (s *Session) setLevel(level float64) {
	s.update(func(st *State) { st.Level = level })
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done returns a channel that is closed once every resource of the session
// has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session and releases the capture device, the transport
// channel and the output context, each exactly once. It may be called at any
// point, including while Start is still connecting, and is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.state.Status.Terminal() {
		s.state.Status = StatusClosed
		s.state.StatusText = TextClosed
	}
	s.closing = true
	if s.cancelOpen != nil {
		s.cancelOpen()
	}
	s.mu.Unlock()

	s.notify()
	s.teardown()
	return s.closeErr
}

// teardown releases every acquired handle. It runs once; concurrent callers
// wait for the first to finish.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		pipeline, ch, out := s.pipeline, s.ch, s.out
		if s.active {
			s.active = false
			s.metrics.ActiveSessions.Add(s.ctx, -1)
		}
		ctx, status := s.ctx, s.state.Status
		s.mu.Unlock()

		var errs []error
		if pipeline != nil {
			errs = append(errs, pipeline.Close())
		}
		if ch != nil {
			if err := ch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session: close channel: %w", err))
			}
		}
		if out != nil {
			if err := out.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session: close output: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)

		observe.Logger(ctx).Info("session: ended", "status", status)
		close(s.done)
	})
}

// ── Subscriptions ────────────────────────────────────────────────────────────

// Subscribe returns a channel that receives the current state immediately and
// after every change. Slow receivers only see the latest state. Call the
// returned function to unsubscribe.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.Snapshot()
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, ch)
			s.subsMu.Unlock()
		})
	}
}

func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
	s.notify()
}

// notify pushes the current state to every subscriber, replacing an unread
// older state. It must not be called with s.mu held.
func (s *Session) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	st := s.Snapshot()
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}

// ── Cursor ───────────────────────────────────────────────────────────────────

// stateCursor keeps the playback cursor inside the session's state record.
type stateCursor struct{ s *Session }

var _ playback.Cursor = stateCursor{}

// Reserve implements [playback.Cursor].
func (c stateCursor) Reserve(now, d time.Duration) time.Duration {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	start := max(c.s.state.NextPlaybackCursor, now)
	c.s.state.NextPlaybackCursor = start + d
	return start
}

// Reset implements [playback.Cursor].
func (c stateCursor) Reset() {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.state.NextPlaybackCursor = 0
}
