// Package mock provides test doubles for the live package interfaces.
//
// Use Transport to verify Open calls and obtain the Channel it handed out.
// Use Channel to drive the callback sequence (open, messages, close, error)
// by hand and inspect what was sent.
//
// Example:
//
//	tr := &mock.Transport{}
//	ch, _ := tr.Open(ctx, cfg, handlers)
//	tr.Last().FireOpen()
//	tr.Last().Emit(live.Interrupted{})
package mock

import (
	"context"
	"sync"

	"github.com/hawkfranklin/aura/pkg/audio"
	"github.com/hawkfranklin/aura/pkg/provider/live"
)

// Compile-time interface assertions.
var (
	_ live.Transport = (*Transport)(nil)
	_ live.Channel   = (*Channel)(nil)
)

// OpenCall records a single invocation of Transport.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg live.Config
}

// Transport is a mock implementation of live.Transport.
type Transport struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// Block, if non-nil, makes Open wait until it is closed or ctx is done,
	// simulating a handshake that has not completed yet.
	Block chan struct{}

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	// Channels records every Channel returned by Open in order.
	Channels []*Channel
}

// Open records the call and returns a new Channel bound to h.
func (t *Transport) Open(ctx context.Context, cfg live.Config, h live.Handlers) (live.Channel, error) {
	t.mu.Lock()
	t.OpenCalls = append(t.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	block := t.Block
	openErr := t.OpenErr
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	ch := &Channel{handlers: h}
	t.mu.Lock()
	t.Channels = append(t.Channels, ch)
	t.mu.Unlock()
	return ch, nil
}

// Opens returns the number of Open calls.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.OpenCalls)
}

// Last returns the most recently opened Channel, or nil.
func (t *Transport) Last() *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Channels) == 0 {
		return nil
	}
	return t.Channels[len(t.Channels)-1]
}

// Channel is a mock implementation of live.Channel. Callbacks fire
// synchronously on the goroutine that calls the Fire/Emit methods.
type Channel struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send (the chunk is still recorded).
	SendErr error

	// Sent records every chunk passed to Send while open.
	Sent []audio.EncodedChunk

	// CallCountClose records how many times Close was called.
	CallCountClose int

	handlers live.Handlers
	opened   bool
	terminal bool
	closed   bool
}

// Send implements live.Channel.
func (c *Channel) Send(chunk audio.EncodedChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.terminal {
		return live.ErrClosed
	}
	c.Sent = append(c.Sent, chunk)
	return c.SendErr
}

// Close implements live.Channel. The first call fires OnClose unless a
// terminal callback already fired.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fire := !c.terminal
	c.terminal = true
	onClose := c.handlers.OnClose
	c.mu.Unlock()

	if fire && onClose != nil {
		onClose()
	}
	return nil
}

// FireOpen invokes OnOpen once. It reports false if the channel already
// opened or ended.
func (c *Channel) FireOpen() bool {
	c.mu.Lock()
	if c.opened || c.terminal {
		c.mu.Unlock()
		return false
	}
	c.opened = true
	fn := c.handlers.OnOpen
	c.mu.Unlock()
	if fn != nil {
		fn(c)
	}
	return true
}

// Emit delivers ev to OnMessage. It reports false if the channel has not
// opened or has ended.
func (c *Channel) Emit(ev live.ServerEvent) bool {
	c.mu.Lock()
	if !c.opened || c.terminal {
		c.mu.Unlock()
		return false
	}
	fn := c.handlers.OnMessage
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
	return true
}

// FireClose simulates the remote side closing the connection.
func (c *Channel) FireClose() bool {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return false
	}
	c.terminal = true
	fn := c.handlers.OnClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}

// FireError simulates a transport failure.
func (c *Channel) FireError(err error) bool {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return false
	}
	c.terminal = true
	fn := c.handlers.OnError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	return true
}

// SentChunks returns a copy of the recorded Send calls.
func (c *Channel) SentChunks() []audio.EncodedChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.EncodedChunk, len(c.Sent))
	copy(out, c.Sent)
	return out
}

// Closes returns the number of Close calls.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}
