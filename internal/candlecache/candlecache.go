// Package candlecache keeps normalized candle series in redis so repeated chart views of the
// same window skip the backend.
package candlecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"fx-dashboard/internal/candles"
	"fx-dashboard/internal/slogx"
)

// DefaultTTL applies when Cached is built with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "fxdash:"

// Fetcher is satisfied by *candles.Pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, req candles.Request) ([]candles.Candle, error)
}

// Store holds serialized series. Get reports a miss with ok=false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (series []candles.Candle, ok bool, err error)
	Set(ctx context.Context, key string, series []candles.Candle, ttl time.Duration) error
}

// RedisStore is a Store backed by a go-redis client.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. The caller owns the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

// Dial opens a client for addr and checks it with PING.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]candles.Candle, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var series []candles.Candle
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, false, fmt.Errorf("decode cached series %s: %w", key, err)
	}
	return series, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, series []candles.Candle, ttl time.Duration) error {
	data, err := json.Marshal(series)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, data, ttl).Err()
}

// Key builds the cache key for req. Range ends are unix seconds; a count request has zero
// ends and a range request has a zero count.
func Key(req candles.Request) string {
	var from, to int64
	if !req.Range.IsZero() {
		from, to = req.Range.From.Unix(), req.Range.To.Unix()
	}
	return fmt.Sprintf("candles:%s:%s:%d:%d:%d",
		strings.ToUpper(req.Instrument), strings.ToUpper(req.Granularity), from, to, req.Count)
}

// Cached serves Fetch from the store when it can. Store failures are logged and bypassed;
// they never fail a fetch.
type Cached struct {
	next   Fetcher
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func New(next Fetcher, store Store, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cached{next: next, store: store, ttl: ttl, logger: slogx.OrDefault(logger)}
}

// Fetch validates req, then tries the store before the wrapped fetcher. Empty series are not
// stored so that a window the backend has not filled yet is asked for again.
func (c *Cached) Fetch(ctx context.Context, req candles.Request) ([]candles.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := Key(req)

	series, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.logger.Warn("candle cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	case ok:
		c.logger.Debug("candle cache hit", slog.String("key", key), slog.Int("candles", len(series)))
		return series, nil
	}

	series, err = c.next.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return series, nil
	}
	if err := c.store.Set(ctx, key, series, c.ttl); err != nil {
		c.logger.Warn("candle cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	return series, nil
}
