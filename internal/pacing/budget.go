// Package pacing computes per-worker byte budgets from a shared target rate.
//
// Each worker owns a Budget with its own timing base; the only shared state is
// the Registry, whose count divides the rate fairly among active connections.
package pacing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"
)

const (
	// DefaultMaxChunk caps a single grant and sizes the worker buffers.
	DefaultMaxChunk = 1 << 20
	// DefaultMinGrant is the smallest grant handed out; below it the caller backs off.
	DefaultMinGrant = 1500
	// DefaultBackoff is the sleep between grant attempts while the budget is too small.
	DefaultBackoff = time.Millisecond
)

var ErrInvalidConfig = errors.New("pacing: invalid config")

// Config is the immutable rate configuration shared by all workers.
type Config struct {
	// BytesPerSecond is the aggregate target; 0 disables pacing.
	BytesPerSecond uint64
	MaxChunk       uint32
	MinGrant       uint32
	Backoff        time.Duration
}

// WithDefaults fills zero fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.MaxChunk == 0 {
		c.MaxChunk = DefaultMaxChunk
	}
	if c.MinGrant == 0 {
		c.MinGrant = DefaultMinGrant
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	return c
}

func (c Config) Validate() error {
	c = c.WithDefaults()
	if c.MinGrant > c.MaxChunk {
		return fmt.Errorf("%w: min grant %d exceeds max chunk %d", ErrInvalidConfig, c.MinGrant, c.MaxChunk)
	}
	return nil
}

// Counter supplies the fair-share divisor. *Registry implements it.
type Counter interface {
	Divisor() uint32
}

// Clock reads monotonic time. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SleepFunc suspends the caller for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Budget hands out byte allowances to a single worker. The last-grant time is
// private to the worker; only the divisor is shared.
type Budget struct {
	cfg      Config
	counter  Counter
	clock    Clock
	sleep    SleepFunc
	last     time.Time
	backoffs uint64
}

type Option func(*Budget)

func WithClock(clock Clock) Option {
	return func(b *Budget) { b.clock = clock }
}

func WithSleep(fn SleepFunc) Option {
	return func(b *Budget) { b.sleep = fn }
}

// NewBudget starts the worker's timing base at creation, so the first grant
// covers only the time since the worker began.
func NewBudget(cfg Config, counter Counter, opts ...Option) *Budget {
	b := &Budget{
		cfg:     cfg.WithDefaults(),
		counter: counter,
		clock:   systemClock{},
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cfg.BytesPerSecond > 0 {
		b.last = b.clock.Now()
	}
	return b
}

func (b *Budget) MaxChunk() uint32 {
	return b.cfg.MaxChunk
}

func (b *Budget) Unlimited() bool {
	return b.cfg.BytesPerSecond == 0
}

// Backoffs reports how many times Acquire slept because the budget was too small.
func (b *Budget) Backoffs() uint64 {
	return b.backoffs
}

// Acquire returns how many bytes the worker may move now, in [MinGrant, MaxChunk].
// With pacing disabled it returns MaxChunk without reading the clock.
// It only fails when ctx is done while backing off.
func (b *Budget) Acquire(ctx context.Context) (uint32, error) {
	if b.cfg.BytesPerSecond == 0 {
		return b.cfg.MaxChunk, nil
	}
	for {
		now := b.clock.Now()
		grant := b.compute(now.Sub(b.last))
		if grant >= uint64(b.cfg.MinGrant) {
			b.last = now
			if grant > uint64(b.cfg.MaxChunk) {
				return b.cfg.MaxChunk, nil
			}
			return uint32(grant), nil
		}
		b.backoffs++
		if err := b.sleep(ctx, b.cfg.Backoff); err != nil {
			return 0, err
		}
	}
}

// compute returns rate*elapsed/divisor in whole bytes. The product is taken in
// 128 bits so long idle periods saturate instead of wrapping.
func (b *Budget) compute(elapsed time.Duration) uint64 {
	if elapsed <= 0 {
		return 0
	}
	divisor := uint32(1)
	if b.counter != nil {
		divisor = b.counter.Divisor()
	}
	if divisor == 0 {
		divisor = 1
	}
	hi, lo := bits.Mul64(b.cfg.BytesPerSecond, uint64(elapsed))
	if hi >= uint64(time.Second) {
		return math.MaxUint64
	}
	bytes, _ := bits.Div64(hi, lo, uint64(time.Second))
	return bytes / uint64(divisor)
}
