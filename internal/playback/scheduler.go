// Package playback schedules synthesized speech for gapless, interruptible
// playback on an [audio.OutputContext].
//
// Chunks are placed back to back on the output clock using a [Cursor]: each
// chunk starts at max(cursor, now) and the cursor advances by the chunk's
// duration. An interruption resets the cursor so the next chunk starts
// immediately, and by default cancels chunks that were queued but have not
// started yet. A chunk that is already audible is never cut.
package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hawkfranklin/aura/internal/observe"
	"github.com/hawkfranklin/aura/pkg/audio"
)

// State is the scheduler's position in its lifecycle.
type State int

const (
	// StateIdle means nothing is scheduled or everything scheduled has played.
	StateIdle State = iota

	// StateScheduled means at least one chunk is queued or playing.
	StateScheduled

	// StateInterrupted means the last event was an interruption and no chunk
	// has arrived since.
	StateInterrupted
)

// String returns a lower-case name for s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Placement describes where a chunk landed on the output clock.
type Placement struct {
	// Now is the output clock when the chunk was scheduled.
	Now time.Duration

	// StartAt is when the chunk starts playing.
	StartAt time.Duration

	// Duration is the chunk's playback length.
	Duration time.Duration
}

// End returns the clock position at which the chunk finishes.
func (p Placement) End() time.Duration { return p.StartAt + p.Duration }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithCursor makes the scheduler reserve slots on c instead of a private
// [MemoryCursor].
func WithCursor(c Cursor) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cursor = c
		}
	}
}

// WithFlushOnInterrupt controls whether an interruption cancels queued chunks
// that have not started. Enabled by default.
func WithFlushOnInterrupt(flush bool) Option {
	return func(s *Scheduler) { s.flush = flush }
}

// WithOutputRate sets the sample rate chunks are decoded to. Defaults to
// [audio.OutputFormat].
func WithOutputRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.decoder.OutputRate = rate
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Scheduler places decoded chunks on an output context in arrival order.
//
// All methods are safe for concurrent use, though chunks are expected to
// arrive from a single goroutine; the scheduler never reorders them.
type Scheduler struct {
	out     audio.OutputContext
	cursor  Cursor
	decoder *audio.Decoder
	flush   bool
	metrics *observe.Metrics

	mu      sync.Mutex
	state   State
	lastEnd time.Duration
}

// New creates a Scheduler that plays through out.
func New(out audio.OutputContext, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:     out,
		cursor:  &MemoryCursor{},
		decoder: &audio.Decoder{OutputRate: audio.OutputFormat.SampleRate},
		flush:   true,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// HandleAudio decodes chunk and schedules it directly after the previously
// scheduled chunk, or immediately if the cursor lies in the past.
//
// A decode failure drops only this chunk: the error wraps [audio.ErrDecode],
// the cursor is untouched and the scheduler remains usable.
func (s *Scheduler) HandleAudio(ctx context.Context, chunk audio.EncodedChunk) (Placement, error) {
	pc, err := s.decoder.Decode(chunk)
	if err != nil {
		s.metrics.RecordChunk(ctx, observe.OutcomeDecodeError)
		return Placement{}, fmt.Errorf("playback: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	d := pc.Duration()
	start := s.cursor.Reserve(now, d)
	if err := s.out.Schedule(pc, start); err != nil {
		s.metrics.RecordChunk(ctx, observe.OutcomeScheduleError)
		return Placement{}, fmt.Errorf("playback: schedule: %w", err)
	}

	s.state = StateScheduled
	s.lastEnd = start + d
	s.metrics.RecordChunk(ctx, observe.OutcomeScheduled)
	s.metrics.RecordLead(ctx, start-now)
	return Placement{Now: now, StartAt: start, Duration: d}, nil
}

// Interrupt resets the cursor so the next chunk starts at the current clock.
// When flushing is enabled it also cancels queued chunks that have not
// started, returning how many were dropped.
func (s *Scheduler) Interrupt(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor.Reset()
	flushed := 0
	if s.flush {
		flushed = s.out.CancelPending()
	}
	s.state = StateInterrupted
	s.metrics.RecordInterruption(ctx, flushed)
	return flushed
}

// State returns the current state. A scheduler whose last chunk has finished
// playing reports [StateIdle].
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateScheduled && s.out.Now() >= s.lastEnd {
		s.state = StateIdle
	}
	return s.state
}
