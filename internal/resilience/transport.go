package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/hawkfranklin/aura/pkg/provider/live"
)

// Compile-time interface assertion.
var _ live.Transport = (*GuardedTransport)(nil)

// GuardedTransport is a [live.Transport] whose Open goes through a
// [CircuitBreaker]. Only the handshake is guarded; errors reported later
// through the channel callbacks do not affect the breaker.
type GuardedTransport struct {
	next    live.Transport
	breaker *CircuitBreaker
}

// GuardTransport wraps next with cb.
func GuardTransport(next live.Transport, cb *CircuitBreaker) *GuardedTransport {
	return &GuardedTransport{next: next, breaker: cb}
}

// Open implements [live.Transport]. While the breaker is open it returns an
// error wrapping [ErrCircuitOpen] without contacting the endpoint.
func (g *GuardedTransport) Open(ctx context.Context, cfg live.Config, h live.Handlers) (live.Channel, error) {
	var ch live.Channel
	err := g.breaker.ExecuteIgnoring(func() error {
		var err error
		ch, err = g.next.Open(ctx, cfg, h)
		return err
	}, func(err error) bool {
		return ctx.Err() != nil || errors.Is(err, context.Canceled)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("resilience: %s: %w", g.breaker.name, err)
	}
	return ch, err
}
