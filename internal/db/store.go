package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fx-dashboard/internal/model"
	"fx-dashboard/internal/slogx"

	"github.com/jackc/pgx/v5/pgxpool"
)

const writeTimeout = 3 * time.Second

// Store wraps a pgx pool: strategy runs, strategy events and trades are read to
// build chart markers, and execution log lines are archived as they stream in.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	wg     sync.WaitGroup
}

// StrategyRunRow represents a row in strategy_runs.
type StrategyRunRow struct {
	RunID      string          `json:"runId"`
	StartedAt  time.Time       `json:"startedAt"`
	StoppedAt  *time.Time      `json:"stoppedAt,omitempty"`
	Instrument string          `json:"instrument"`
	Period     string          `json:"period"`
	Strategy   string          `json:"strategyKey"`
	Params     json.RawMessage `json:"params"`
	Status     string          `json:"status"`
}

// StrategyEventRow represents a row in strategy_events.
type StrategyEventRow struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"runId"`
	TS         time.Time       `json:"ts"`
	Instrument string          `json:"instrument"`
	Period     string          `json:"period"`
	Strategy   string          `json:"strategyKey"`
	EventType  string          `json:"eventType"`
	Signal     string          `json:"signal,omitempty"`
	Price      *float64        `json:"price,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// TradeRow represents a row in trades.
type TradeRow struct {
	ID         int64           `json:"id"`
	TS         time.Time       `json:"ts"`
	RunID      string          `json:"runId,omitempty"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Action     string          `json:"action"`
	Amount     float64         `json:"amount"`
	Price      *float64        `json:"price,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// NewStore creates a connection pool and ensures tables exist.
func NewStore(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	s := &Store{pool: pool, logger: slogx.OrDefault(logger).With("component", "db")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close waits for pending writes and releases the pool.
func (s *Store) Close() {
	s.wg.Wait()
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ensureSchema creates minimal tables if they don't exist.
func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`create table if not exists trades (
            id bigserial primary key,
            ts timestamptz not null default now(),
            run_id text,
            instrument text not null,
            side text,
            action text not null,
            amount numeric,
            price numeric,
            details jsonb
        )`,
		`create index if not exists idx_trades_instr_ts on trades(instrument, ts)`,
		`create table if not exists strategy_runs (
            id bigserial primary key,
            run_id text unique not null,
            started_at timestamptz not null default now(),
            stopped_at timestamptz,
            instrument text not null,
            period text not null,
            strategy_key text not null,
            params jsonb,
            status text not null default 'running'
        )`,
		`create index if not exists idx_strategy_runs_instr_per on strategy_runs(instrument, period, started_at desc)`,
		`create table if not exists strategy_events (
            id bigserial primary key,
            run_id text not null,
            ts timestamptz not null default now(),
            instrument text not null,
            period text not null,
            strategy_key text not null,
            event_type text not null,
            signal text,
            price numeric,
            details jsonb
        )`,
		`create index if not exists idx_strategy_events_run on strategy_events(run_id, ts)`,
		`create table if not exists execution_logs (
            id bigserial primary key,
            execution_id text not null,
            ts timestamptz not null,
            level text,
            message text
        )`,
		`create index if not exists idx_execution_logs_exec on execution_logs(execution_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensureSchema: %w", err)
		}
	}
	return nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 || limit > max {
		return def
	}
	return limit
}

// QueryStrategyRuns lists runs, newest first. Empty filters match everything.
func (s *Store) QueryStrategyRuns(ctx context.Context, instrument, period string, limit int) ([]StrategyRunRow, error) {
	limit = clampLimit(limit, 50, 200)
	rows, err := s.pool.Query(ctx, `select run_id, started_at, stopped_at, instrument, period, strategy_key, coalesce(params,'{}'::jsonb), status
        from strategy_runs where ($1='' or instrument=$1) and ($2='' or period=$2)
        order by started_at desc limit $3`, instrument, period, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []StrategyRunRow{}
	for rows.Next() {
		var r StrategyRunRow
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.StoppedAt, &r.Instrument, &r.Period, &r.Strategy, &r.Params, &r.Status); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// QueryStrategyEvents returns a run's events in time order.
func (s *Store) QueryStrategyEvents(ctx context.Context, runID string, limit int) ([]StrategyEventRow, error) {
	limit = clampLimit(limit, 1000, 5000)
	rows, err := s.pool.Query(ctx, `select id, run_id, ts, instrument, period, strategy_key, event_type, coalesce(signal,''), price::float8, coalesce(details,'{}'::jsonb)
        from strategy_events where run_id=$1 order by ts, id limit $2`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []StrategyEventRow{}
	for rows.Next() {
		var r StrategyEventRow
		if err := rows.Scan(&r.ID, &r.RunID, &r.TS, &r.Instrument, &r.Period, &r.Strategy, &r.EventType, &r.Signal, &r.Price, &r.Details); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// QueryTrades returns an instrument's trades within [from, to] in time order.
func (s *Store) QueryTrades(ctx context.Context, instrument string, from, to time.Time, limit int) ([]TradeRow, error) {
	limit = clampLimit(limit, 1000, 5000)
	rows, err := s.pool.Query(ctx, `select id, ts, coalesce(run_id,''), instrument, coalesce(side,''), action, coalesce(amount,0)::float8, price::float8, coalesce(details,'{}'::jsonb)
        from trades where instrument=$1 and ts between $2 and $3 order by ts, id limit $4`, instrument, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []TradeRow{}
	for rows.Next() {
		var r TradeRow
		if err := rows.Scan(&r.ID, &r.TS, &r.RunID, &r.Instrument, &r.Side, &r.Action, &r.Amount, &r.Price, &r.Details); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// LogExecutionLine archives a log line in the background.
func (s *Store) LogExecutionLine(executionID string, entry model.LogEntry) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		ts := entry.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err := s.pool.Exec(ctx, `insert into execution_logs(execution_id, ts, level, message) values($1,$2,$3,$4)`,
			executionID, ts, entry.Level, entry.Message)
		if err != nil {
			s.logger.Warn("Failed to archive log line", "execution_id", executionID, "error", err)
		}
	}()
}

// QueryExecutionLogs returns archived lines newer than since, oldest first.
func (s *Store) QueryExecutionLogs(ctx context.Context, executionID string, since time.Time, limit int) ([]model.LogEntry, error) {
	limit = clampLimit(limit, 500, 5000)
	rows, err := s.pool.Query(ctx, `select ts, coalesce(level,''), coalesce(message,'')
        from execution_logs where execution_id=$1 and ts > $2 order by ts, id limit $3`, executionID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []model.LogEntry{}
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Level, &e.Message); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
