package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrRendererUnavailable is returned while the breaker is open.
var ErrRendererUnavailable = errors.New("render: renderer unavailable")

// BreakerOptions tunes when the browser is considered down.
type BreakerOptions struct {
	Name string
	// ConsecutiveFailures trips the breaker; 0 means 5.
	ConsecutiveFailures uint32
	// Cooldown is how long the breaker stays open; 0 means 1 minute.
	Cooldown time.Duration
}

// BreakerRenderer stops calling a failing browser for a cooldown period.
// Open-state rejections are ordinary errors to the queue worker, so the
// entry retries on a later poll.
type BreakerRenderer struct {
	next Renderer
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerRenderer(next Renderer, opts BreakerOptions) *BreakerRenderer {
	if opts.Name == "" {
		opts.Name = "pdf-renderer"
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	limit := opts.ConsecutiveFailures
	return &BreakerRenderer{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        opts.Name,
			MaxRequests: 1,
			Timeout:     opts.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= limit },
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidHTML)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("renderer breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (b *BreakerRenderer) RenderPDF(ctx context.Context, html string) ([]byte, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.RenderPDF(ctx, html)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	pdf, _ := out.([]byte)
	return pdf, nil
}

// State reports the breaker state for health output.
func (b *BreakerRenderer) State() string { return b.cb.State().String() }
