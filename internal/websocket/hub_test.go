package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fx-dashboard/internal/model"
	"fx-dashboard/internal/slogx"
	"fx-dashboard/internal/state"
)

type received struct {
	Type string         `json:"type"`
	Data state.Snapshot `json:"data"`
}

func startHub(t *testing.T, board *state.TaskBoard, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	opts = append(opts, WithInitial(func() ([]byte, error) { return SnapshotMessage(board) }))
	hub := NewHub(slogx.Discard(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	go hub.Feed(ctx, board)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg received
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestClientReceivesInitialSnapshotThenUpdates(t *testing.T) {
	board := state.NewTaskBoard()
	board.ApplyStatus(model.TaskStatus{TaskID: "t-1", Status: model.StatusPending, UpdatedAt: time.Now()}, state.SourcePoll)
	// Drain the pending change so the feed only reacts to what follows.
	<-board.Changes()

	hub, srv := startHub(t, board)
	conn := dial(t, srv)

	first := readSnapshot(t, conn)
	assert.Equal(t, "snapshot", first.Type)
	require.Len(t, first.Data.Tasks, 1)
	assert.Equal(t, model.StatusPending, first.Data.Tasks[0].Status)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	progress := 40.0
	board.ApplyStatus(model.TaskStatus{TaskID: "t-1", Status: model.StatusRunning, Progress: &progress, UpdatedAt: time.Now()}, state.SourcePush)

	next := readSnapshot(t, conn)
	require.Len(t, next.Data.Tasks, 1)
	assert.Equal(t, model.StatusRunning, next.Data.Tasks[0].Status)
	assert.Equal(t, 40.0, next.Data.Tasks[0].Progress)
	assert.Equal(t, state.SourcePush, next.Data.Tasks[0].Source)
}

func TestRefreshCommandReachesHandler(t *testing.T) {
	board := state.NewTaskBoard()
	cmds := make(chan Command, 4)
	_, srv := startHub(t, board, WithCommandHandler(func(c Command) { cmds <- c }))
	conn := dial(t, srv)
	readSnapshot(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"refresh","task_id":"t-9"}`)))

	select {
	case c := <-cmds:
		assert.Equal(t, Command{Type: CommandRefresh, TaskID: "t-9"}, c)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh command not delivered")
	}
	assert.Empty(t, cmds)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t, state.NewTaskBoard())
	conn := dial(t, srv)
	readSnapshot(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(slogx.Discard(), WithAllowedOrigins("https://fx.example.com"))

	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "example.com:80", true},
		{"dev server", "http://localhost:5173", "example.com:80", true},
		{"configured", "https://FX.example.com", "example.com:80", true},
		{"lan host", "http://evil.test", "10.10.10.4:8080", true},
		{"foreign", "http://evil.test", "example.com:80", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, hub.checkOrigin(r))
		})
	}
}

func TestBroadcastAfterStop(t *testing.T) {
	hub := NewHub(slogx.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	assert.False(t, hub.Broadcast([]byte("late")))
}
