package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"fx-dashboard/internal/slogx"
	"fx-dashboard/internal/state"
)

// Command is a request sent by a browser, e.g. {"type":"refresh","task_id":"t-1"}.
type Command struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
}

const (
	CommandRefresh = "refresh"

	typeSnapshot = "snapshot"
)

// outbound is the envelope every broadcast uses.
type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub manages all WebSocket clients and broadcasts task board snapshots to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	commands   chan Command
	done       chan struct{}
	mu         sync.RWMutex

	onCommand func(Command)
	initial   func() ([]byte, error)
	origins   []string
	logger    *slog.Logger
}

// Option customizes a Hub.
type Option func(*Hub)

// WithCommandHandler sets the function browser commands are passed to.
func WithCommandHandler(fn func(Command)) Option {
	return func(h *Hub) { h.onCommand = fn }
}

// WithAllowedOrigins extends the origins accepted on upgrade. Requests without an Origin
// header and from the 10.10.10.0/24 network are always accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Hub) { h.origins = append(h.origins, origins...) }
}

// WithInitial sets the message sent to each client right after it registers.
func WithInitial(fn func() ([]byte, error)) Option {
	return func(h *Hub) { h.initial = fn }
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		commands:   make(chan Command, 16),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		origins:    []string{"http://localhost:5173", "https://localhost:5173"},
		logger:     slogx.OrDefault(logger).With("component", "hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's event loop and returns when ctx is done. All clients are
// disconnected on return.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered", "remote", client.remote)
			h.sendInitial(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket client unregistered", "remote", client.remote)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow reader; drop it rather than stall everyone else.
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Dropping slow WebSocket client", "remote", client.remote)
				}
			}
			h.mu.Unlock()

		case cmd := <-h.commands:
			if h.onCommand == nil {
				h.logger.Debug("Ignoring command, no handler", "type", cmd.Type)
				continue
			}
			h.onCommand(cmd)
		}
	}
}

func (h *Hub) sendInitial(client *Client) {
	if h.initial == nil {
		return
	}
	msg, err := h.initial()
	if err != nil {
		h.logger.Warn("Building initial snapshot failed", "error", err)
		return
	}
	select {
	case client.send <- msg:
	default:
	}
}

// Broadcast sends a message to all connected clients. It returns false once the hub
// has stopped.
func (h *Hub) Broadcast(message []byte) bool {
	select {
	case h.broadcast <- message:
		return true
	case <-h.done:
		return false
	}
}

// Publish wraps v in a typed envelope and broadcasts it.
func (h *Hub) Publish(msgType string, v any) error {
	msg, err := json.Marshal(outbound{Type: msgType, Data: v})
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SnapshotMessage encodes the board's current snapshot as a hub message.
func SnapshotMessage(board *state.TaskBoard) ([]byte, error) {
	return json.Marshal(outbound{Type: typeSnapshot, Data: board.Snapshot()})
}

// Feed broadcasts a board snapshot every time the board changes, until ctx is done.
func (h *Hub) Feed(ctx context.Context, board *state.TaskBoard) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-board.Changes():
			if err := h.Publish(typeSnapshot, board.Snapshot()); err != nil {
				h.logger.Warn("Encoding snapshot failed", "error", err)
			}
		}
	}
}

func (h *Hub) submit(cmd Command) {
	select {
	case h.commands <- cmd:
	case <-h.done:
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	if host, _, err := net.SplitHostPort(r.Host); err == nil {
		if strings.HasPrefix(host, "10.10.10.") {
			return true
		}
	}
	return false
}

// ServeWs handles WebSocket requests from the peer.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256), remote: r.RemoteAddr}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in new goroutines.
	go client.writePump()
	go client.readPump()
}
