package playback

import (
	"sync"
	"time"
)

// Cursor tracks the earliest output-clock time at which the next chunk may
// start. A scheduler owns exactly one cursor for its lifetime.
//
// Implementations must be safe for concurrent use.
type Cursor interface {
	// Reserve claims a slot of length d starting no earlier than now and no
	// earlier than the end of the previous reservation. It returns the slot's
	// start and advances the cursor to its end.
	Reserve(now, d time.Duration) time.Duration

	// Reset moves the cursor back to zero so the next reservation starts at
	// the current clock.
	Reset()
}

// Compile-time interface assertion.
var _ Cursor = (*MemoryCursor)(nil)

// MemoryCursor is a standalone [Cursor] guarded by its own mutex.
type MemoryCursor struct {
	mu   sync.Mutex
	next time.Duration
}

// Reserve implements [Cursor].
func (c *MemoryCursor) Reserve(now, d time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := max(c.next, now)
	c.next = start + d
	return start
}

// Reset implements [Cursor].
func (c *MemoryCursor) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = 0
}

// Next returns the current cursor position.
func (c *MemoryCursor) Next() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
