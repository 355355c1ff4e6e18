package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hawkfranklin/aura/internal/config"
	"github.com/hawkfranklin/aura/internal/observe"
	"github.com/hawkfranklin/aura/internal/resilience"
	"github.com/hawkfranklin/aura/internal/session"
	"github.com/hawkfranklin/aura/pkg/audio"
	"github.com/hawkfranklin/aura/pkg/provider/live"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while a session
	// that has not ended is current.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by operations that need a current session.
	ErrNoSession = errors.New("app: no session")

	// ErrNotReady is reported by [SessionManager.Ready] while the current
	// session is not open.
	ErrNotReady = errors.New("app: session not open")
)

// TransportFactory builds the transport for a new session from the live
// section of the config.
type TransportFactory interface {
	CreateTransport(config.LiveConfig) (live.Transport, error)
}

// SessionManager owns the single live session of the process. A session that
// ends stays current (so its final state can be read) until it is replaced by
// [SessionManager.Start] or [SessionManager.Restart].
//
// Config changes take effect for the next session. All exported methods are
// safe for concurrent use.
type SessionManager struct {
	factory TransportFactory
	device  audio.Device
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker

	mu      sync.Mutex
	cfg     *config.Config
	current *session.Session
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config is the initial configuration. Required.
	Config *config.Config

	// Transports creates one transport per session. Required.
	Transports TransportFactory

	// Device opens the microphone and the speaker. Required.
	Device audio.Device

	// Metrics receives session telemetry. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Breaker, if set, guards every transport handshake. It is shared by all
	// sessions so repeated failures across restarts trip it.
	Breaker *resilience.CircuitBreaker
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	var errs []error
	if cfg.Config == nil {
		errs = append(errs, errors.New("app: config is required"))
	}
	if cfg.Transports == nil {
		errs = append(errs, errors.New("app: transport factory is required"))
	}
	if cfg.Device == nil {
		errs = append(errs, errors.New("app: audio device is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		factory: cfg.Transports,
		device:  cfg.Device,
		metrics: m,
		breaker: cfg.Breaker,
		cfg:     cfg.Config,
	}, nil
}

// Start creates a session from the current config and starts it. It returns
// the session even when Start fails, so callers can read the failure state.
//
// Returns [ErrSessionActive] if the current session has not ended.
func (sm *SessionManager) Start(ctx context.Context) (*session.Session, error) {
	sm.mu.Lock()
	if sm.current != nil && !sm.current.Snapshot().Status.Terminal() {
		id := sm.current.ID()
		sm.mu.Unlock()
		return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}
	s, err := sm.newSession()
	if err != nil {
		sm.mu.Unlock()
		return nil, err
	}
	prev := sm.current
	sm.current = s
	sm.mu.Unlock()

	if prev != nil {
		// Already ended; Close only waits for its release to finish.
		_ = prev.Close()
	}

	slog.Info("session starting", "session_id", s.ID())
	if err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Restart closes the current session, if any, and starts a new one.
func (sm *SessionManager) Restart(ctx context.Context) (*session.Session, error) {
	sm.mu.Lock()
	prev := sm.current
	sm.current = nil
	sm.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			slog.Warn("closing previous session", "session_id", prev.ID(), "err", err)
		}
	}
	return sm.Start(ctx)
}

// Stop closes the current session. The ended session stays current.
// Returns [ErrNoSession] if no session was ever started.
func (sm *SessionManager) Stop() error {
	s := sm.Current()
	if s == nil {
		return ErrNoSession
	}
	return s.Close()
}

// Current returns the current session, or nil.
func (sm *SessionManager) Current() *session.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// SetMicEnabled toggles capture on the current session.
func (sm *SessionManager) SetMicEnabled(enabled bool) error {
	s := sm.Current()
	if s == nil {
		return ErrNoSession
	}
	s.SetMicEnabled(enabled)
	return nil
}

// Snapshot returns the state of the current session. ok is false if no
// session was ever started.
func (sm *SessionManager) Snapshot() (st session.State, ok bool) {
	s := sm.Current()
	if s == nil {
		return session.State{}, false
	}
	return s.Snapshot(), true
}

// Ready returns nil while the current session is open.
func (sm *SessionManager) Ready(context.Context) error {
	st, ok := sm.Snapshot()
	if !ok {
		return ErrNoSession
	}
	if st.Status != session.StatusOpen {
		return fmt.Errorf("%w: %s", ErrNotReady, st.Status)
	}
	return nil
}

// UpdateConfig replaces the config used for the next session.
func (sm *SessionManager) UpdateConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Close closes the current session, if any, and waits for its resources to
// be released.
func (sm *SessionManager) Close() error {
	s := sm.Current()
	if s == nil {
		return nil
	}
	return s.Close()
}

// newSession builds an unstarted session from sm.cfg. Callers hold sm.mu.
func (sm *SessionManager) newSession() (*session.Session, error) {
	cfg := sm.cfg
	tr, err := sm.factory.CreateTransport(cfg.Live)
	if err != nil {
		return nil, fmt.Errorf("app: create transport %q: %w", cfg.Live.Name, err)
	}
	if sm.breaker != nil {
		tr = resilience.GuardTransport(tr, sm.breaker)
	}
	s, err := session.New(session.Config{
		Device:               sm.device,
		Transport:            tr,
		Live:                 cfg.Live.Agent(),
		InputFormat:          cfg.Audio.InputFormat(),
		OutputFormat:         cfg.Audio.OutputFormat(),
		FramesPerBuffer:      cfg.Audio.FramesPerBuffer,
		StartMuted:           cfg.Session.StartMuted,
		KeepQueueOnInterrupt: cfg.Session.KeepQueueOnInterrupt,
		Metrics:              sm.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: new session: %w", err)
	}
	return s, nil
}
