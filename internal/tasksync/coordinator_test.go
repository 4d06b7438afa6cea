package tasksync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fx-dashboard/internal/livechannel"
	"fx-dashboard/internal/model"
	"fx-dashboard/internal/poller"
	"fx-dashboard/internal/slogx"
	"fx-dashboard/internal/state"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 5 * time.Second

type fakeBackend struct {
	mu       sync.Mutex
	statuses []model.TaskStatus
	logs     []model.LogEntry
	sinces   []time.Time
	err      error
	calls    int
}

func (f *fakeBackend) TaskStatuses(context.Context) ([]model.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.TaskStatus(nil), f.statuses...), nil
}

func (f *fakeBackend) TaskStatus(_ context.Context, id string) (model.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.statuses {
		if st.TaskID == id {
			return st, nil
		}
	}
	return model.TaskStatus{}, errors.New("not found")
}

func (f *fakeBackend) TaskLogs(_ context.Context, _ string, since time.Time) ([]model.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	var out []model.LogEntry
	for _, e := range f.logs {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeBackend) pollCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(push bool) Config {
	return Config{
		PushEnabled: push,
		Poll:        poller.Config{Interval: 5 * time.Millisecond, MaxRetries: 3, Logger: slogx.Discard()},
		Logger:      slogx.Discard(),
	}
}

func newPushServer(t *testing.T, handle func(path string, conn *websocket.Conn)) *livechannel.Pool {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(r.URL.Path, conn)
	}))
	t.Cleanup(srv.Close)

	pool := livechannel.NewPool(livechannel.Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Heartbeat:      time.Hour,
		ReconnectDelay: 5 * time.Millisecond,
		Logger:         slogx.Discard(),
	})
	t.Cleanup(pool.Close)
	return pool
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestPollingWhenPushDisabled(t *testing.T) {
	be := &fakeBackend{statuses: []model.TaskStatus{{TaskID: "t1", Status: model.StatusRunning}}}
	board := state.NewTaskBoard()
	c := New(testConfig(false), board, be, nil)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { _, ok := board.Task("t1"); return ok }, eventually, time.Millisecond)
	assert.True(t, c.Polling())
	assert.Equal(t, "disabled", board.Push().State)

	c.Stop()
	n := be.pollCalls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, be.pollCalls(), "no polling after Stop")
}

func TestPollHaltSurfacesError(t *testing.T) {
	be := &fakeBackend{err: errors.New("backend down")}
	c := New(testConfig(false), state.NewTaskBoard(), be, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool { return c.Stats().PollError != "" }, eventually, time.Millisecond)
	assert.Contains(t, c.Stats().PollError, "backend down")
	assert.False(t, c.Polling())
	assert.Equal(t, 3, be.pollCalls())
}

func TestPushMessagesReachBoard(t *testing.T) {
	pool := newPushServer(t, func(path string, conn *websocket.Conn) {
		if path == "/task-status" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task_status_update","data":{"task_id":"t1","status":"running"}}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task_progress_update","data":{"task_id":"t1","progress":35}}`))
		}
		drain(conn)
	})

	be := &fakeBackend{statuses: []model.TaskStatus{{TaskID: "t0", Status: model.StatusCompleted}}}
	board := state.NewTaskBoard()
	c := New(testConfig(true), board, be, pool)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool {
		got, ok := board.Task("t1")
		return ok && got.Progress == 35
	}, eventually, time.Millisecond)

	_, seeded := board.Task("t0")
	assert.True(t, seeded, "initial refresh seeds the board")
	assert.Equal(t, "connected", board.Push().State)
	assert.False(t, c.Polling())
	assert.Equal(t, int64(1), c.Stats().MessagesProcessed[livechannel.TypeProgress])
}

func TestHealthyPushKeepsPollingOff(t *testing.T) {
	pool := newPushServer(t, func(_ string, conn *websocket.Conn) { drain(conn) })

	be := &fakeBackend{}
	board := state.NewTaskBoard()
	c := New(testConfig(true), board, be, pool)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	assert.False(t, c.Polling(), "a channel that is still connecting is not a reason to poll")

	release, err := c.WatchLogs("e1")
	require.NoError(t, err)
	defer release()

	require.Eventually(t, func() bool { return board.Push().State == "connected" }, eventually, time.Millisecond)
	// dozens of poll intervals
	time.Sleep(100 * time.Millisecond)

	assert.False(t, c.Polling())
	assert.LessOrEqual(t, be.pollCalls(), 1, "only the initial refresh reads statuses")

	be.mu.Lock()
	assert.Empty(t, be.sinces, "log topic is live, no log polling")
	be.mu.Unlock()

	c.mu.Lock()
	w := c.watches["e1"]
	require.NotNil(t, w)
	assert.Nil(t, w.poller)
	c.mu.Unlock()
}

func TestFallsBackToPollingWhenChannelRejected(t *testing.T) {
	pool := newPushServer(t, func(path string, conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(livechannel.CloseUnauthorized, "token expired")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	be := &fakeBackend{statuses: []model.TaskStatus{{TaskID: "t1", Status: model.StatusRunning}}}
	board := state.NewTaskBoard()
	c := New(testConfig(true), board, be, pool)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, c.Polling, eventually, time.Millisecond)
	assert.Equal(t, "closed", board.Push().State)
	assert.Contains(t, board.Push().Error, "unauthorized")
}

func TestRefreshSingleTask(t *testing.T) {
	be := &fakeBackend{statuses: []model.TaskStatus{{TaskID: "t7", Status: model.StatusFailed, ErrorMessage: "bad params"}}}
	board := state.NewTaskBoard()
	c := New(testConfig(false), board, be, nil)

	require.NoError(t, c.Refresh(context.Background(), "t7"))
	got, ok := board.Task("t7")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, state.SourcePoll, got.Source)

	assert.Error(t, c.Refresh(context.Background(), "missing"))
}

func TestWatchLogsPolling(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	be := &fakeBackend{logs: []model.LogEntry{
		{Timestamp: base, Level: "INFO", Message: "started"},
		{Timestamp: base.Add(time.Second), Level: "INFO", Message: "order filled"},
	}}
	board := state.NewTaskBoard()
	c := New(testConfig(false), board, be, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	release1, err := c.WatchLogs("e1")
	require.NoError(t, err)
	release2, err := c.WatchLogs("e1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Stats().WatchedLogs)

	require.Eventually(t, func() bool { return len(board.Logs("e1")) == 2 }, eventually, time.Millisecond)
	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.sinces) > 0 && be.sinces[len(be.sinces)-1].Equal(base.Add(time.Second))
	}, eventually, time.Millisecond, "later polls ask only for newer lines")

	release1()
	assert.Equal(t, 1, c.Stats().WatchedLogs)
	release2()
	assert.Equal(t, 0, c.Stats().WatchedLogs)
}

func TestWatchLogsPush(t *testing.T) {
	pool := newPushServer(t, func(path string, conn *websocket.Conn) {
		if path == "/logs/e1" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"execution_log","data":{"execution_id":"e1","log":{"timestamp":"2024-01-01T00:00:00Z","level":"INFO","message":"hello"}}}`))
		}
		drain(conn)
	})

	board := state.NewTaskBoard()
	c := New(testConfig(true), board, &fakeBackend{}, pool)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	release, err := c.WatchLogs("e1")
	require.NoError(t, err)
	defer release()

	require.Eventually(t, func() bool { return len(board.Logs("e1")) == 1 }, eventually, time.Millisecond)
	assert.Equal(t, "hello", board.Logs("e1")[0].Message)
	assert.Equal(t, 1, pool.Refs("logs/e1"))
}

func TestRouteQueueMessages(t *testing.T) {
	board := state.NewTaskBoard()
	c := New(testConfig(false), board, &fakeBackend{}, nil)

	msg, err := livechannel.Decode([]byte(`{"type":"task_status_update","data":{"task_id":"q1","status":"pending"}}`))
	require.NoError(t, err)
	c.Route(msg, state.SourceQueue)

	got, ok := board.Task("q1")
	require.True(t, ok)
	assert.Equal(t, state.SourceQueue, got.Source)
}

func TestWatchLogsAfterStop(t *testing.T) {
	c := New(testConfig(false), state.NewTaskBoard(), &fakeBackend{}, nil)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	_, err := c.WatchLogs("e1")
	assert.Error(t, err)
}

func TestRouteArchivesNewLogLines(t *testing.T) {
	var archived []model.LogEntry
	cfg := testConfig(false)
	cfg.LogSink = func(executionID string, e model.LogEntry) {
		assert.Equal(t, "e9", executionID)
		archived = append(archived, e)
	}
	c := New(cfg, state.NewTaskBoard(), &fakeBackend{}, nil)

	raw := []byte(`{"type":"execution_log","data":{"execution_id":"e9","log":{"timestamp":"2024-01-01T00:00:00Z","level":"INFO","message":"filled"}}}`)
	msg, err := livechannel.Decode(raw)
	require.NoError(t, err)
	c.Route(msg, state.SourcePush)
	c.Route(msg, state.SourceQueue)

	require.Len(t, archived, 1)
	assert.Equal(t, "filled", archived[0].Message)
}
