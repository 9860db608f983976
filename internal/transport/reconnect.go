package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/medscribe/internal/observe"
)

// Default reconnection parameters.
const (
	DefaultMaxRetries = 10
	DefaultBackoff    = 1 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// ErrRetriesExhausted is returned by [Reconnector.Connect] when every attempt
// failed.
var ErrRetriesExhausted = errors.New("transport: reconnect attempts exhausted")

// ReconnectConfig configures a [Reconnector]. Zero values select the
// defaults.
type ReconnectConfig struct {
	// MaxRetries is the maximum number of connection attempts per cycle.
	MaxRetries int

	// Backoff is the wait after the first failed attempt. It doubles after
	// every further failure up to MaxBackoff.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
}

func (c *ReconnectConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
}

// DialFunc opens one connection.
type DialFunc func(ctx context.Context) (*Conn, error)

// ReconnectOption configures a [Reconnector].
type ReconnectOption func(*Reconnector)

// WithSleep replaces the backoff wait, for tests. The function must return
// ctx.Err() if ctx ends first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ReconnectOption {
	return func(r *Reconnector) { r.sleep = sleep }
}

// WithReconnectMetrics records attempt outcomes in m.
func WithReconnectMetrics(m *observe.Metrics) ReconnectOption {
	return func(r *Reconnector) { r.metrics = m }
}

// Reconnector runs bounded connection attempts with exponential backoff.
// It holds no connection state and is safe for concurrent use.
type Reconnector struct {
	cfg     ReconnectConfig
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *observe.Metrics
}

// NewReconnector returns a Reconnector for cfg.
func NewReconnector(cfg ReconnectConfig, opts ...ReconnectOption) *Reconnector {
	cfg.applyDefaults()
	r := &Reconnector{cfg: cfg, sleep: sleepCtx}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Reconnector) Config() ReconnectConfig { return r.cfg }

// Delay returns the wait that follows failed attempt n (1-based).
func (r *Reconnector) Delay(n int) time.Duration {
	d := r.cfg.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}

// Connect calls dial until it succeeds, ctx ends, or MaxRetries attempts
// have failed. The error after exhaustion wraps [ErrRetriesExhausted] and
// the last dial error.
func (r *Reconnector) Connect(ctx context.Context, dial DialFunc) (*Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slog.Debug("transport: connection attempt", "attempt", attempt, "max_retries", r.cfg.MaxRetries)
		conn, err := dial(ctx)
		if err == nil {
			r.metrics.RecordReconnect(ctx, "success")
			if attempt > 1 {
				slog.Info("transport: reconnection successful", "attempt", attempt)
			}
			return conn, nil
		}
		lastErr = err
		r.metrics.RecordReconnect(ctx, "failure")

		if attempt == r.cfg.MaxRetries {
			break
		}
		delay := r.Delay(attempt)
		slog.Warn("transport: connection attempt failed",
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
			"retry_in", delay,
			"err", err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	r.metrics.RecordReconnect(ctx, "exhausted")
	slog.Error("transport: reconnection failed after max retries", "max_retries", r.cfg.MaxRetries, "err", lastErr)
	return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
