package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fx-dashboard/internal/candles"
	"fx-dashboard/internal/db"
	"fx-dashboard/internal/gaps"
	"fx-dashboard/internal/model"
	"fx-dashboard/internal/slogx"
	"fx-dashboard/internal/state"
	"fx-dashboard/internal/tasksync"
)

const (
	DefaultTimeout      = 30 * time.Second
	ServiceVersion      = "1.0.0"
	ServiceName         = "fx-dashboard"
	RequestIDContextKey = "request_id"
	RequestIDHeaderKey  = "X-Request-ID"
	ChartFromHeaderKey  = "X-Chart-From"
	ChartToHeaderKey    = "X-Chart-To"

	// LogWatchLinger keeps an execution's log stream open after the last GET of its logs,
	// so a browser polling the endpoint sees a continuous stream.
	LogWatchLinger = 2 * time.Minute
)

// CandleFetcher returns normalized series (the pipeline or its cache).
type CandleFetcher interface {
	Fetch(ctx context.Context, req candles.Request) ([]candles.Candle, error)
}

// EventSource provides strategy events and trades for chart markers.
type EventSource interface {
	QueryStrategyEvents(ctx context.Context, runID string, limit int) ([]db.StrategyEventRow, error)
	QueryTrades(ctx context.Context, instrument string, from, to time.Time, limit int) ([]db.TradeRow, error)
	QueryExecutionLogs(ctx context.Context, executionID string, since time.Time, limit int) ([]model.LogEntry, error)
}

// BackfillRequester asks the data service to fill detected gaps.
type BackfillRequester interface {
	RequestGaps(ctx context.Context, instrument, granularity string, gs []gaps.Gap) int
}

// TaskSync is the part of the coordinator the API drives.
type TaskSync interface {
	Board() *state.TaskBoard
	RequestRefresh(id string)
	WatchLogs(executionID string) (func(), error)
	Stats() tasksync.Stats
}

// AccountSource returns the (cached) account list.
type AccountSource interface {
	Get(ctx context.Context) ([]model.Account, error)
}

// Deps are the services behind the routes. Events, Backfill, Accounts and Hub are optional.
type Deps struct {
	Candles     CandleFetcher
	Events      EventSource
	Backfill    BackfillRequester
	Tasks       TaskSync
	Accounts    AccountSource
	Hub         http.Handler
	CorsOrigins []string
	Logger      *slog.Logger
}

// APIHandler handles HTTP requests using Gin framework.
type APIHandler struct {
	deps      Deps
	validator *Validator
	logger    *slog.Logger
	linger    time.Duration
	views     *viewRegistry
	startedAt time.Time
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(deps Deps) *APIHandler {
	return &APIHandler{
		deps:      deps,
		validator: GetValidator(),
		logger:    slogx.OrDefault(deps.Logger).With("component", "api"),
		linger:    LogWatchLinger,
		views:     newViewRegistry(ChartViewIdle, maxChartViews),
		startedAt: time.Now(),
	}
}

// SetupRoutes configures all API routes.
func (h *APIHandler) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(requestIDMiddleware())
	router.Use(loggerMiddleware(h.logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(h.deps.CorsOrigins))

	router.GET("/health", h.HealthCheck)
	router.GET("/candles", h.GetCandles)
	router.GET("/chart.svg", h.GetChart)
	router.GET("/tasks", h.GetTasks)
	router.GET("/tasks/:id", h.GetTask)
	router.POST("/tasks/:id/refresh", h.RefreshTask)
	router.GET("/tasks/:id/logs", h.GetTaskLogs)
	router.GET("/accounts", h.GetAccounts)
	router.GET("/stats", h.GetStats)
	if h.deps.Hub != nil {
		router.GET("/ws", gin.WrapH(h.deps.Hub))
	}

	return router
}
