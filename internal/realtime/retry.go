package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/orbit/pkg/live"
)

// Default retry parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// RetryPolicy configures [Retry].
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one. Zero means a
	// single attempt.
	MaxRetries int

	// Backoff is the wait before the first retry. Doubles each attempt up to
	// MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// ConnectFunc opens a session.
type ConnectFunc func(ctx context.Context) error

// Bind returns a ConnectFunc that connects c with cfg.
func Bind(c *Client, cfg live.Config) ConnectFunc {
	return func(ctx context.Context) error { return c.Connect(ctx, cfg) }
}

// Retry calls connect until it succeeds, the policy is exhausted or ctx is
// done. A rejected configuration is returned immediately. Retry is never
// invoked by the client itself.
func Retry(ctx context.Context, connect ConnectFunc, p RetryPolicy) error {
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Info("realtime: retrying connect",
				"attempt", attempt,
				"max_retries", p.MaxRetries,
				"backoff", backoff,
				"err", err,
			)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("realtime: retry: %w", ctx.Err())
			case <-timer.C:
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err = connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, live.ErrConfigurationRejected) || errors.Is(err, ErrSuperseded) {
			return err
		}
	}
	return fmt.Errorf("realtime: gave up after %d attempts: %w", p.MaxRetries+1, err)
}
