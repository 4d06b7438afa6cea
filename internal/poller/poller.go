package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"fx-dashboard/internal/slogx"
)

const (
	DefaultInterval   = 3 * time.Second
	DefaultMaxRetries = 5
	DefaultMultiplier = 2.0
	DefaultMaxBackoff = time.Minute
)

// ErrHalted wraps the last poll error once the retry budget is spent.
var ErrHalted = errors.New("poller: halted after repeated failures")

// PollFunc performs one poll.
type PollFunc[T any] func(ctx context.Context) (T, error)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Config configures a Poller.
type Config struct {
	Interval   time.Duration
	MaxRetries int
	Multiplier float64
	MaxBackoff time.Duration
	Name       string
	Logger     *slog.Logger
	// Wait replaces the real timer, mostly in tests.
	Wait WaitFunc
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Wait == nil {
		c.Wait = sleep
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff is the delay after the given number of consecutive failures:
// min(MaxBackoff, Interval × Multiplier^(failures-1)).
func (c Config) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return c.Interval
	}
	d := float64(c.Interval) * math.Pow(c.Multiplier, float64(failures-1))
	if d >= float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// Cycle is the poller's failure bookkeeping.
type Cycle struct {
	Attempt   int
	NextDelay time.Duration
}

// Poller calls a PollFunc on an interval, backing off multiplicatively on failure
// and halting after MaxRetries consecutive failures. Halting is final until Start
// is called again.
//
// Neither Stop nor Start may be called from inside a callback.
type Poller[T any] struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	onResult []func(T)
	onHalt   []func(error)
	running  bool
	stopped  bool
	cycle    Cycle
	cancel   context.CancelFunc
	wake     context.CancelFunc
	lastErr  error

	wg sync.WaitGroup
}

// New creates a stopped poller.
func New[T any](cfg Config) *Poller[T] {
	cfg.applyDefaults()
	logger := slogx.OrDefault(cfg.Logger).With("component", "poller")
	if cfg.Name != "" {
		logger = logger.With("name", cfg.Name)
	}
	return &Poller[T]{
		cfg:    cfg,
		logger: logger,
		cycle:  Cycle{NextDelay: cfg.Interval},
	}
}

// OnResult registers a callback for successful polls.
func (p *Poller[T]) OnResult(fn func(T)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResult = append(p.onResult, fn)
}

// OnHalt registers a callback for the terminal failure.
func (p *Poller[T]) OnHalt(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onHalt = append(p.onHalt, fn)
}

// Start begins polling with fn, first poll immediately. It is a no-op while running.
func (p *Poller[T]) Start(ctx context.Context, fn PollFunc[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	// a previous run may still be unwinding after a halt
	p.wg.Wait()

	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.stopped = false
	p.lastErr = nil
	p.cycle = Cycle{NextDelay: p.cfg.Interval}

	p.wg.Add(1)
	go p.loop(ctx, fn)
}

// Stop ends polling and waits for the loop to exit. No callback fires after Stop
// returns.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// Refresh cuts the current wait short and polls now.
func (p *Poller[T]) Refresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wake != nil {
		p.wake()
	}
}

// Running reports whether the loop is active.
func (p *Poller[T]) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Cycle returns the current failure bookkeeping.
func (p *Poller[T]) Cycle() Cycle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycle
}

// Err returns the error that halted the poller, if any.
func (p *Poller[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Poller[T]) loop(ctx context.Context, fn PollFunc[T]) {
	defer p.wg.Done()

	attempt := 0
	for {
		res, err := fn(ctx)
		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		if err == nil {
			attempt = 0
			delay = p.cfg.Interval
			p.setCycle(attempt, delay)
			p.deliver(res)
		} else {
			attempt++
			if attempt >= p.cfg.MaxRetries {
				p.logger.Error("Polling halted", "attempts", attempt, "error", err)
				p.halt(err)
				return
			}
			delay = p.cfg.Backoff(attempt)
			p.setCycle(attempt, delay)
			p.logger.Warn("Poll failed, backing off", "attempt", attempt, "delay", delay, "error", err)
		}

		waitCtx, wake := context.WithCancel(ctx)
		p.mu.Lock()
		p.wake = wake
		p.mu.Unlock()

		_ = p.cfg.Wait(waitCtx, delay)

		p.mu.Lock()
		p.wake = nil
		p.mu.Unlock()
		wake()

		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Poller[T]) setCycle(attempt int, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycle = Cycle{Attempt: attempt, NextDelay: delay}
}

func (p *Poller[T]) deliver(res T) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	fns := slices.Clone(p.onResult)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(res)
	}
}

func (p *Poller[T]) halt(err error) {
	halted := fmt.Errorf("%w: %w", ErrHalted, err)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.lastErr = halted
	fns := slices.Clone(p.onHalt)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(halted)
	}
}
