// Package retrier re-runs transient upstream failures with capped
// exponential backoff and full jitter. Classification is conservative:
// only errors that declare themselves transient, attempt timeouts, and
// transient network faults earn another try. Everything else is terminal
// on the first occurrence.
package retrier

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/metrics"
)

// Config bounds the retry loop.
type Config struct {
	// MaxAttempts counts the first try. Zero or negative means 3.
	MaxAttempts int
	// Base is the first backoff ceiling; it doubles per attempt.
	Base time.Duration
	// Cap bounds the backoff ceiling regardless of attempt count.
	Cap time.Duration
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Base <= 0 {
		c.Base = 100 * time.Millisecond
	}
	if c.Cap < c.Base {
		c.Cap = 2 * time.Second
	}
	return c
}

// Retrier runs operations under one retry policy. Safe for concurrent use.
type Retrier struct {
	cfg    Config
	jitter func(max int64) int64
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithJitter overrides the jitter draw in tests. The function receives the
// current backoff ceiling in nanoseconds and returns the delay to use.
func WithJitter(f func(max int64) int64) Option {
	return func(r *Retrier) { r.jitter = f }
}

// WithSleep overrides the inter-attempt sleep in tests.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = f }
}

// New builds a Retrier from cfg.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retrier{
		cfg:    cfg.normalized(),
		jitter: cryptoJitter,
		sleep:  sleepContext,
		logger: logger.With("component", "retrier"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs fn until it succeeds, the error is terminal, attempts run out, or
// ctx ends. It returns the last attempt's error; backoff time between
// attempts never extends past the ctx deadline.
func (r *Retrier) Do(ctx context.Context, tool, action string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.delay(attempt - 2)
			metrics.RecordRetry(tool, action, Reason(err))
			r.logger.Debug("retrying upstream call",
				"tool", tool, "action", action,
				"attempt", attempt, "delay_ms", delay.Milliseconds(), "reason", Reason(err))
			if r.sleep(ctx, delay) != nil {
				return err
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !Transient(err) {
			return err
		}
	}
	return err
}

// delay picks a full-jitter backoff for the given zero-based retry index:
// a uniform draw from [0, min(Cap, Base<<idx)).
func (r *Retrier) delay(idx int) time.Duration {
	if idx > 30 {
		idx = 30
	}
	ceiling := r.cfg.Base << idx
	if ceiling > r.cfg.Cap || ceiling <= 0 {
		ceiling = r.cfg.Cap
	}
	return time.Duration(r.jitter(int64(ceiling)))
}

// transient is implemented by errors that carry their own retry
// classification, such as adapter upstream errors.
type transient interface {
	Transient() bool
}

// reasoned is implemented by errors that name their retry reason for
// metrics labels.
type reasoned interface {
	RetryReason() string
}

// Transient reports whether err is worth another attempt.
func Transient(err error) bool {
	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Reason names err's retry class for metrics labels.
func Reason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var re reasoned
	if errors.As(err, &re) {
		return re.RetryReason()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return "network"
	}
	return "upstream"
}

func cryptoJitter(max int64) int64 {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return max / 2
	}
	return n.Int64()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
