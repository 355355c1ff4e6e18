// Package timeline provides a sample-accurate playback clock that implements
// [audio.OutputContext] for pull-based output devices.
//
// A device callback calls [Timeline.Render] once per hardware buffer. Each
// call advances the clock by the number of samples rendered, so the clock only
// moves while audio is actually being pulled by the device. Chunks scheduled
// at a future position stay queued in a min-heap until the clock reaches them;
// chunks whose position is already in the past start on the next rendered
// sample.
package timeline

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hawkfranklin/aura/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputContext = (*Timeline)(nil)

// ErrClosed is returned by [Timeline.Schedule] after [Timeline.Close].
var ErrClosed = errors.New("timeline: closed")

// defaultQueueCap is the initial capacity hint for the pending queue.
const defaultQueueCap = 16

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithQueueCapacity sets the initial capacity hint for the pending queue.
// This does not impose a hard limit; the queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.pending = make(entryHeap, 0, n)
		}
	}
}

// Timeline mixes scheduled mono chunks onto a sample clock.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu      sync.Mutex
	pos     int64     // samples rendered so far
	pending entryHeap // chunks whose start has not been reached
	active  []entry   // chunks currently being rendered
	tail    int64     // end sample of the most recently scheduled chunk
	seq     uint64
	closed  bool
}

// New creates a Timeline running at rate samples per second.
func New(rate int, opts ...Option) (*Timeline, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("timeline: invalid sample rate %d", rate)
	}
	t := &Timeline{
		rate:    rate,
		pending: make(entryHeap, 0, defaultQueueCap),
	}
	for _, o := range opts {
		o(t)
	}
	heap.Init(&t.pending)
	return t, nil
}

// SampleRate returns the clock rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Now returns the clock position: the duration of audio rendered so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDuration(t.pos)
}

// Schedule queues chunk to start at clock position at. Positions in the past
// are moved up to the current position. A start within one sample of the end
// of the previously scheduled chunk is joined to it, since durations carry
// nanosecond truncation that does not divide the sample period. The chunk's
// sample rate must match the timeline's rate.
func (t *Timeline) Schedule(chunk audio.PlaybackChunk, at time.Duration) error {
	if chunk.SampleRate != t.rate {
		return fmt.Errorf("timeline: chunk rate %d does not match clock rate %d", chunk.SampleRate, t.rate)
	}
	if len(chunk.Samples) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	start := t.toSamples(at)
	if d := start - t.tail; d >= -1 && d <= 1 {
		start = t.tail
	}
	start = max(start, t.pos)
	t.seq++
	e := entry{start: start, samples: chunk.Samples, seq: t.seq}
	heap.Push(&t.pending, e)
	t.tail = e.end()
	return nil
}

// CancelPending drops every chunk that has not started rendering and returns
// the number dropped. Chunks already rendering play to the end.
func (t *Timeline) CancelPending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.pending)
	t.pending = t.pending[:0]
	t.tail = t.pos
	for _, e := range t.active {
		t.tail = max(t.tail, e.end())
	}
	return n
}

// Pending returns the number of queued chunks that have not started yet.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Playing reports whether any chunk is currently rendering.
func (t *Timeline) Playing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active) > 0
}

// Render fills out with the mix of every chunk overlapping the next len(out)
// samples and advances the clock by len(out). Samples with no scheduled audio
// are silent. Overlapping chunks are summed and clamped to [-1, 1].
//
// Render is called from the device callback and never blocks on I/O.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	from := t.pos
	to := from + int64(len(out))

	for len(t.pending) > 0 && t.pending[0].start < to {
		t.active = append(t.active, heap.Pop(&t.pending).(entry))
	}

	kept := t.active[:0]
	for _, e := range t.active {
		lo := max(e.start, from)
		hi := min(e.end(), to)
		for p := lo; p < hi; p++ {
			out[p-from] += e.samples[p-e.start]
		}
		if e.end() > to {
			kept = append(kept, e)
		}
	}
	clear(t.active[len(kept):])
	t.active = kept

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	t.pos = to
}

// Close drops all queued and playing audio. Subsequent calls to Schedule
// return [ErrClosed]; Render produces silence. Close is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.pending = nil
	t.active = nil
	t.tail = 0
	return nil
}

func (t *Timeline) toSamples(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (t *Timeline) toDuration(samples int64) time.Duration {
	return time.Duration(samples * int64(time.Second) / int64(t.rate))
}
