package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"fx-dashboard/internal/apperr"
	"fx-dashboard/internal/candles"
	"fx-dashboard/internal/chart"
	"fx-dashboard/internal/db"
	"fx-dashboard/internal/gaps"
	"fx-dashboard/internal/markers"
	"fx-dashboard/internal/model"
)

// CandlesResponse is the body of GET /candles.
type CandlesResponse struct {
	Instrument        string           `json:"instrument"`
	Granularity       string           `json:"granularity"`
	Range             candles.Range    `json:"range"`
	Candles           []candles.Candle `json:"candles"`
	Gaps              []gaps.Gap       `json:"gaps"`
	BackfillRequested int              `json:"backfill_requested,omitempty"`
}

// HealthCheck handles GET /health requests.
func (h *APIHandler) HealthCheck(c *gin.Context) {
	body := gin.H{
		"status":    "OK",
		"service":   ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   ServiceVersion,
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
	}
	if h.deps.Tasks != nil {
		body["push"] = h.deps.Tasks.Board().Push()
		body["polling"] = h.deps.Tasks.Stats().Polling
	}
	c.JSON(http.StatusOK, body)
}

// GetCandles handles GET /candles requests. With backfill=true, middle and end gaps are
// sent to the data service for filling.
func (h *APIHandler) GetCandles(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), DefaultTimeout)
	defer cancel()

	req, err := h.validator.ValidateCandleQuery(candleQuery(c))
	if err != nil {
		h.handleValidationError(c, err)
		return
	}

	series, err := h.deps.Candles.Fetch(ctx, req)
	if err != nil {
		h.handleUpstreamError(c, err)
		return
	}

	r := seriesRange(req, series)
	resp := CandlesResponse{
		Instrument:  req.Instrument,
		Granularity: req.Granularity,
		Range:       r,
		Candles:     series,
		Gaps:        gaps.Detect(series, r),
	}
	if resp.Gaps == nil {
		resp.Gaps = []gaps.Gap{}
	}
	if parseBool(c.Query("backfill")) && h.deps.Backfill != nil {
		resp.BackfillRequested = h.deps.Backfill.RequestGaps(ctx, req.Instrument, req.Granularity, resp.Gaps)
	}

	c.JSON(http.StatusOK, resp)
}

// GetChart handles GET /chart.svg. It renders the requested window with gap bands and,
// when run_id is given (or trades=true), strategy and trade markers.
//
// reset, pan and zoom (around anchor) move the window before rendering. With view_id the
// view outlives the request: from and to only set its initial window, navigation
// accumulates, and candles are fetched again only when the window leaves the loaded data.
func (h *APIHandler) GetChart(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), DefaultTimeout)
	defer cancel()

	req, err := h.validator.ValidateCandleQuery(candleQuery(c))
	if err != nil {
		h.handleValidationError(c, err)
		return
	}
	if req.Range.IsZero() {
		h.handleValidationError(c, errors.New("chart requires from and to"))
		return
	}
	width, height, err := h.validator.ValidateDimensions(c.Query("width"), c.Query("height"))
	if err != nil {
		h.handleValidationError(c, err)
		return
	}
	nav, err := h.validator.ValidateNavigation(c.Query("reset"), c.Query("pan"), c.Query("zoom"), c.Query("anchor"))
	if err != nil {
		h.handleValidationError(c, err)
		return
	}

	var view *chart.View
	if id := sanitizeInput(c.Query("view_id")); id != "" {
		view, _ = h.views.get(viewKey{id: id, instrument: req.Instrument, granularity: req.Granularity}, req.Range)
	} else {
		view = chart.NewView(req.Range)
	}
	view.Resize(width, height)
	view.ShowTradeMarkers(c.DefaultQuery("show_trades", "true") != "false")
	view.ShowBoundaryMarkers(c.DefaultQuery("show_boundaries", "true") != "false")
	navigate(view, nav)

	r, needs := view.NeedsFetch()
	if st, _ := view.Status(); needs || st == chart.StatusError {
		fetchReq := req
		fetchReq.Range = r
		tok := view.BeginFetch(r)
		series, err := h.deps.Candles.Fetch(ctx, fetchReq)
		if err != nil {
			// The error placeholder is still a valid image; log and render it.
			h.logger.Warn("chart fetch failed",
				slog.String("request_id", c.GetString(RequestIDContextKey)),
				slog.String("error", err.Error()))
			view.FailFetch(tok, err)
		} else {
			view.CompleteFetch(tok, series)
		}
	}

	if h.deps.Events != nil {
		events, err := h.chartEvents(ctx, c, req.Instrument, r)
		if err != nil {
			h.logger.Warn("loading chart markers failed",
				slog.String("request_id", c.GetString(RequestIDContextKey)),
				slog.String("error", err.Error()))
		} else {
			view.SetMarkers(markers.Align(events))
		}
	}

	if x := c.Query("crosshair_x"); x != "" {
		if px, err := strconv.Atoi(x); err == nil {
			view.MoveCrosshair(px)
		}
	}

	var buf bytes.Buffer
	if err := view.RenderSVG(&buf); err != nil {
		h.handleError(c, err, http.StatusInternalServerError, "Internal server error")
		return
	}
	c.Header(ChartFromHeaderKey, r.From.Format(time.RFC3339))
	c.Header(ChartToHeaderKey, r.To.Format(time.RFC3339))
	c.Data(http.StatusOK, "image/svg+xml", buf.Bytes())
}

func navigate(v *chart.View, nav Navigation) {
	if nav.Reset {
		v.Reset()
	}
	if nav.Pan != 0 {
		v.Pan(nav.Pan)
	}
	if nav.Zoom != 0 {
		v.Zoom(nav.Zoom, nav.Anchor)
	}
}

func (h *APIHandler) chartEvents(ctx context.Context, c *gin.Context, instrument string, r candles.Range) ([]markers.Event, error) {
	limit, err := h.validator.ValidateLimit(c.Query("limit"))
	if err != nil {
		return nil, err
	}

	var events []markers.Event
	if runID := sanitizeInput(c.Query("run_id")); runID != "" {
		rows, err := h.deps.Events.QueryStrategyEvents(ctx, runID, limit)
		if err != nil {
			return nil, err
		}
		events = append(events, db.EventsFromRows(rows)...)
	}
	if parseBool(c.Query("trades")) {
		rows, err := h.deps.Events.QueryTrades(ctx, instrument, r.From, r.To, limit)
		if err != nil {
			return nil, err
		}
		events = append(events, db.TradesToEvents(rows)...)
	}
	return events, nil
}

// GetTasks handles GET /tasks: the whole board with the push indicator.
func (h *APIHandler) GetTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Tasks.Board().Snapshot())
}

// GetTask handles GET /tasks/:id.
func (h *APIHandler) GetTask(c *gin.Context) {
	id, err := h.validator.ValidateID(c.Param("id"))
	if err != nil {
		h.handleValidationError(c, err)
		return
	}
	task, ok := h.deps.Tasks.Board().Task(id)
	if !ok {
		h.handleError(c, errors.New("task not found: "+id), http.StatusNotFound, "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

// RefreshTask handles POST /tasks/:id/refresh. The refresh runs asynchronously.
func (h *APIHandler) RefreshTask(c *gin.Context) {
	id, err := h.validator.ValidateID(c.Param("id"))
	if err != nil {
		h.handleValidationError(c, err)
		return
	}
	h.deps.Tasks.RequestRefresh(id)
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "status": "refresh requested"})
}

// GetTaskLogs handles GET /tasks/:id/logs. The first call starts following the
// execution's log stream; it stays open for LogWatchLinger after each call. Lines that
// are no longer buffered come from the archive when one is configured.
func (h *APIHandler) GetTaskLogs(c *gin.Context) {
	id, err := h.validator.ValidateID(c.Param("id"))
	if err != nil {
		h.handleValidationError(c, err)
		return
	}

	release, err := h.deps.Tasks.WatchLogs(id)
	if err != nil {
		h.handleError(c, err, http.StatusServiceUnavailable, "log streaming unavailable")
		return
	}
	time.AfterFunc(h.linger, release)

	lines := h.deps.Tasks.Board().Logs(id)
	if len(lines) == 0 && h.deps.Events != nil {
		limit, err := h.validator.ValidateLimit(c.Query("limit"))
		if err != nil {
			h.handleValidationError(c, err)
			return
		}
		archived, err := h.deps.Events.QueryExecutionLogs(c.Request.Context(), id, time.Time{}, limit)
		if err != nil {
			h.logger.Warn("reading archived logs failed", slog.String("execution_id", id), slog.String("error", err.Error()))
		} else {
			lines = archived
		}
	}
	if lines == nil {
		lines = []model.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": id, "logs": lines})
}

// GetAccounts handles GET /accounts.
func (h *APIHandler) GetAccounts(c *gin.Context) {
	if h.deps.Accounts == nil {
		h.handleError(c, errors.New("accounts not configured"), http.StatusNotFound, "accounts not available")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), DefaultTimeout)
	defer cancel()

	accounts, err := h.deps.Accounts.Get(ctx)
	if err != nil {
		h.handleUpstreamError(c, err)
		return
	}
	sorted := append([]model.Account(nil), accounts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	c.JSON(http.StatusOK, sorted)
}

// GetStats handles GET /stats.
func (h *APIHandler) GetStats(c *gin.Context) {
	stats := h.deps.Tasks.Stats()
	c.JSON(http.StatusOK, gin.H{
		"uptime":             stats.Uptime.Round(time.Second).String(),
		"messages_processed": stats.MessagesProcessed,
		"polling":            stats.Polling,
		"poll_error":         stats.PollError,
		"watched_logs":       stats.WatchedLogs,
	})
}

func candleQuery(c *gin.Context) CandleQuery {
	return CandleQuery{
		Instrument:  c.Query("instrument"),
		Granularity: c.Query("granularity"),
		From:        c.Query("from"),
		To:          c.Query("to"),
		Count:       c.Query("count"),
	}
}

// seriesRange is the window gaps are measured against: the requested range, or for a
// count request the span of what came back.
func seriesRange(req candles.Request, series []candles.Candle) candles.Range {
	if !req.Range.IsZero() {
		return req.Range
	}
	if len(series) == 0 {
		return candles.Range{}
	}
	return candles.Range{From: series[0].Time, To: series[len(series)-1].Time}
}

// handleUpstreamError maps backend failures to HTTP statuses.
func (h *APIHandler) handleUpstreamError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		h.handleError(c, err, http.StatusGatewayTimeout, "backend timed out")
	case apperr.KindOf(err) == apperr.KindValidation:
		h.handleValidationError(c, err)
	case apperr.KindOf(err) == apperr.KindClient:
		h.handleError(c, err, http.StatusBadGateway, "backend rejected the request")
	case apperr.KindOf(err) == apperr.KindTransient:
		h.handleError(c, err, http.StatusServiceUnavailable, "backend unavailable")
	default:
		h.handleError(c, err, http.StatusInternalServerError, "Internal server error")
	}
}

// handleError logs the error and sends appropriate HTTP response.
func (h *APIHandler) handleError(c *gin.Context, err error, statusCode int, userMessage string) {
	requestID := c.GetString(RequestIDContextKey)
	if requestID == "" {
		requestID = "unknown"
	}

	h.logger.Error("API error",
		slog.String("request_id", requestID),
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()),
		slog.Int("status_code", statusCode),
	)

	c.JSON(statusCode, gin.H{
		"error":      userMessage,
		"request_id": requestID,
	})
}

func (h *APIHandler) handleValidationError(c *gin.Context, err error) {
	h.handleError(c, err, http.StatusBadRequest, err.Error())
}
