package candles

import (
	"context"
	"log/slog"
	"time"

	"fx-dashboard/internal/apperr"
	"fx-dashboard/internal/slogx"
)

const (
	// MaxAttempts bounds the number of requests made by one Fetch.
	MaxAttempts = 3
	// MaxCount is the backend's per-request cap on Count. The pipeline does not chunk.
	MaxCount = 5000
)

// DefaultBackoff is indexed by attempt number: the wait after attempt n is
// DefaultBackoff[n-1].
var DefaultBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Request selects a candle series either by time range or by count.
type Request struct {
	Instrument  string
	Granularity string
	Range       Range
	Count       int
}

// Validate checks the request before any network call.
func (r Request) Validate() error {
	const op = "candles.fetch"
	if r.Instrument == "" {
		return apperr.Validation(op, "instrument is required")
	}
	if r.Granularity == "" {
		return apperr.Validation(op, "granularity is required")
	}
	switch {
	case !r.Range.IsZero() && r.Count > 0:
		return apperr.Validation(op, "range and count are mutually exclusive")
	case !r.Range.IsZero():
		if !r.Range.Valid() {
			return apperr.Validation(op, "invalid range: from %s must be before to %s",
				r.Range.From.Format(time.RFC3339), r.Range.To.Format(time.RFC3339))
		}
	case r.Count <= 0:
		return apperr.Validation(op, "either a range or a positive count is required")
	case r.Count > MaxCount:
		return apperr.Validation(op, "count %d exceeds the per-request cap of %d", r.Count, MaxCount)
	}
	return nil
}

// Source performs exactly one candle request. Failures must be *apperr.Error so the
// pipeline can tell client faults from transient ones.
type Source interface {
	GetCandles(ctx context.Context, req Request) ([]RawCandle, error)
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Pipeline fetches, retries and normalizes candle series.
type Pipeline struct {
	source   Source
	logger   *slog.Logger
	schedule []time.Duration
	wait     WaitFunc
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithBackoff replaces the retry schedule.
func WithBackoff(schedule ...time.Duration) Option {
	return func(p *Pipeline) {
		if len(schedule) > 0 {
			p.schedule = schedule
		}
	}
}

// WithWait replaces the function used to sleep between attempts.
func WithWait(w WaitFunc) Option {
	return func(p *Pipeline) { p.wait = w }
}

// NewPipeline creates a pipeline on top of src.
func NewPipeline(src Source, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:   src,
		logger:   slogx.OrDefault(logger),
		schedule: DefaultBackoff,
		wait:     SleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch returns the normalized series for req. Client errors come back after one
// attempt; transient ones are retried up to MaxAttempts and only the last error is
// returned.
func (p *Pipeline) Fetch(ctx context.Context, req Request) ([]Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		raw, err := p.source.GetCandles(ctx, req)
		if err == nil {
			series, dropped := TransformCandles(raw)
			if dropped > 0 {
				p.logger.Warn("dropped candles with invalid timestamps",
					slog.String("instrument", req.Instrument),
					slog.String("granularity", req.Granularity),
					slog.Int("dropped", dropped),
					slog.Int("kept", len(series)),
				)
			}
			return series, nil
		}

		lastErr = err
		if !apperr.IsRetryable(err) || attempt == MaxAttempts {
			break
		}

		delay := p.delay(attempt)
		p.logger.Warn("candle fetch failed, retrying",
			slog.String("instrument", req.Instrument),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := p.wait(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *Pipeline) delay(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(p.schedule) {
		i = len(p.schedule) - 1
	}
	return p.schedule[i]
}

// SleepContext waits for d unless ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
