package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fx-dashboard/internal/apperr"
	"fx-dashboard/internal/candles"
	"fx-dashboard/internal/model"
	"fx-dashboard/internal/slogx"
)

// maxErrorBody caps how much of an error response is kept as diagnostic text.
const maxErrorBody = 2048

// Client talks to the trading backend's REST endpoints. Every method performs a
// single request; retry policy belongs to the callers.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

// NewClient creates a backend client. httpClient may be nil.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = newHTTPClient()
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		logger:  slogx.OrDefault(logger),
	}
}

type candlesResponse struct {
	Candles []candles.RawCandle `json:"candles"`
}

// GetCandles implements candles.Source.
func (c *Client) GetCandles(ctx context.Context, req candles.Request) ([]candles.RawCandle, error) {
	q := url.Values{}
	q.Set("instrument", req.Instrument)
	q.Set("granularity", req.Granularity)
	if req.Count > 0 {
		q.Set("count", strconv.Itoa(req.Count))
	} else {
		q.Set("from_time", req.Range.From.UTC().Format(time.RFC3339))
		q.Set("to_time", req.Range.To.UTC().Format(time.RFC3339))
	}

	var resp candlesResponse
	if err := c.getJSON(ctx, "candles", "/candles?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Candles, nil
}

type tasksResponse struct {
	Tasks []model.TaskStatus `json:"tasks"`
}

// TaskStatuses returns the status of every task the user can see.
func (c *Client) TaskStatuses(ctx context.Context) ([]model.TaskStatus, error) {
	var resp tasksResponse
	if err := c.getJSON(ctx, "tasks.status", "/tasks/status", &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// TaskStatus returns the status of one task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (model.TaskStatus, error) {
	var st model.TaskStatus
	err := c.getJSON(ctx, "task.status", "/tasks/"+url.PathEscape(taskID)+"/status", &st)
	return st, err
}

type logsResponse struct {
	Logs []model.LogEntry `json:"logs"`
}

// TaskLogs returns log lines of an execution newer than since (all when since is zero).
func (c *Client) TaskLogs(ctx context.Context, executionID string, since time.Time) ([]model.LogEntry, error) {
	path := "/tasks/" + url.PathEscape(executionID) + "/logs"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var resp logsResponse
	if err := c.getJSON(ctx, "task.logs", path, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

type accountsResponse struct {
	Accounts []model.Account `json:"accounts"`
}

// Accounts returns the account list.
func (c *Client) Accounts(ctx context.Context) ([]model.Account, error) {
	var resp accountsResponse
	if err := c.getJSON(ctx, "accounts", "/accounts", &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// getJSON performs a GET and decodes a 2xx body into out. Failures are classified:
// status codes through apperr.FromStatus, transport failures as transient.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperr.New(apperr.KindValidation, op, err)
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return apperr.New(apperr.KindClient, op, fmt.Errorf("get token: %w", err))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperr.New(apperr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request",
		slog.String("op", op),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apperr.FromStatus(op, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.New(apperr.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
