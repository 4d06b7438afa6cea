package livechannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"fx-dashboard/internal/apperr"
	"fx-dashboard/internal/backend"
	"fx-dashboard/internal/slogx"

	"github.com/gorilla/websocket"
)

const (
	DefaultHeartbeat      = 30 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxReconnects  = 5

	writeWait  = 10 * time.Second
	closeGrace = time.Second
)

// Close codes the push server uses to reject credentials.
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

var (
	// ErrUnauthorized means the server refused the credentials. Not retried.
	ErrUnauthorized = errors.New("livechannel: unauthorized")
	// ErrReconnectBudgetExhausted is the terminal error after too many abnormal closes.
	ErrReconnectBudgetExhausted = errors.New("livechannel: reconnect budget exhausted")
	// ErrClosed is returned when starting a channel that was already shut down.
	ErrClosed = errors.New("livechannel: closed")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Handler receives decoded messages in connection order.
type Handler func(Message)

// StateFunc observes state transitions. err is set for Reconnecting (the close that
// caused it) and for a terminal Closed.
type StateFunc func(State, error)

// Config configures a Channel.
type Config struct {
	// URL is the push endpoint; Topic is appended as a path segment.
	URL            string
	Topic          string
	Tokens         backend.TokenSource
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.Tokens == nil {
		c.Tokens = backend.StaticToken("")
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
}

// Channel is a persistent push connection for one topic. It reconnects after
// abnormal closes with a fixed delay until its budget runs out.
//
// Close must not be called from inside a Handler or StateFunc.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	err      error
	handlers map[uint64]Handler
	watchers []StateFunc
	nextID   uint64
	started  bool
	stopping bool

	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a channel. Nothing happens until Start.
func New(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg:      cfg,
		cancel:   func() {},
		logger:   slogx.OrDefault(cfg.Logger).With("component", "livechannel", "topic", cfg.Topic),
		handlers: make(map[uint64]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Topic returns the topic this channel is scoped to.
func (c *Channel) Topic() string { return c.cfg.Topic }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error attached to the latest transition, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Subscribe registers h and returns a function that removes it.
func (c *Channel) Subscribe(h Handler) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// OnState registers a state observer.
func (c *Channel) OnState(fn StateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Start connects in the background; the channel is Connecting when it returns.
// Cancelling ctx has the same effect as Close, except that nobody waits for the shutdown.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopping || c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if _, err := c.endpoint(); err != nil {
		c.mu.Unlock()
		return apperr.New(apperr.KindValidation, "livechannel.start", err)
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	// Connecting before Start returns: Disconnected only ever means the server
	// closed the channel normally.
	c.setState(StateConnecting, nil)

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Close shuts the channel down with a normal closure and waits for its goroutines.
// Observers see a final Closed; nothing is delivered after Close returns.
func (c *Channel) Close() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopping = true
		cancel := c.cancel
		c.mu.Unlock()

		cancel()
		close(c.stopCh)
		c.wg.Wait()

		c.mu.Lock()
		already := c.state == StateClosed
		c.state = StateClosed
		watchers := append([]StateFunc(nil), c.watchers...)
		c.mu.Unlock()

		if !already {
			for _, fn := range watchers {
				fn(StateClosed, nil)
			}
		}
		c.logger.Info("Live channel closed")
	})
}

func (c *Channel) setState(s State, err error) {
	c.mu.Lock()
	if c.stopping || c.state == s && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.err = err
	watchers := append([]StateFunc(nil), c.watchers...)
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(s, err)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	reconnects := 0
	for {
		c.setState(StateConnecting, nil)
		received, err := c.session(ctx)
		if c.shuttingDown(ctx) {
			return
		}
		if received {
			reconnects = 0
		}

		switch classify(err) {
		case outcomeNormal:
			c.logger.Info("Server closed the live channel")
			c.setState(StateDisconnected, nil)
			return
		case outcomeFatal:
			c.logger.Error("Live channel rejected", "error", err)
			c.setState(StateClosed, fmt.Errorf("%w: %w", ErrUnauthorized, err))
			return
		}

		if reconnects >= c.cfg.MaxReconnects {
			c.logger.Error("Giving up on live channel", "reconnects", reconnects, "error", err)
			c.setState(StateClosed, fmt.Errorf("%w after %d attempts: %w", ErrReconnectBudgetExhausted, reconnects, err))
			return
		}
		reconnects++
		c.logger.Warn("Live channel dropped, reconnecting",
			"attempt", reconnects, "delay", c.cfg.ReconnectDelay, "error", err)
		c.setState(StateReconnecting, err)

		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-t.C:
		case <-c.stopCh:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			c.closeFromContext()
			return
		}
	}
}

func (c *Channel) shuttingDown(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		c.closeFromContext()
		return true
	default:
		return false
	}
}

// closeFromContext finishes a context-driven shutdown from the run goroutine.
func (c *Channel) closeFromContext() {
	c.setState(StateClosed, nil)
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	if c.cfg.Topic != "" {
		u = u.JoinPath(c.cfg.Topic)
	}
	return u.String(), nil
}

// session runs one connection until it ends. received reports whether at least
// one message arrived on it.
func (c *Channel) session(ctx context.Context) (received bool, err error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return false, apperr.New(apperr.KindValidation, "livechannel.dial", err)
	}
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return false, apperr.New(apperr.KindConnection, "livechannel.token", err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, apperr.FromStatus("livechannel.dial", resp.StatusCode, resp.Status)
		}
		return false, apperr.New(apperr.KindConnection, "livechannel.dial", err)
	}
	defer conn.Close()

	c.logger.Info("Live channel connected", "url", endpoint)
	c.setState(StateConnected, nil)

	done := make(chan struct{})
	defer close(done)
	c.wg.Add(1)
	go c.heartbeat(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, apperr.New(apperr.KindConnection, "livechannel.read", err)
		}
		received = true
		c.dispatch(data)
	}
}

// heartbeat owns all writes on conn: periodic pings and the closing handshake.
func (c *Channel) heartbeat(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
				c.logger.Warn("Heartbeat failed", "error", err)
				return
			}
		case <-c.stopCh:
			c.sendClose(conn)
			return
		case <-ctx.Done():
			c.sendClose(conn)
			return
		case <-done:
			return
		}
	}
}

func (c *Channel) sendClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	// the reader returns once the server answers or the grace period ends
	_ = conn.SetReadDeadline(time.Now().Add(closeGrace))
}

func (c *Channel) dispatch(data []byte) {
	msg, err := Decode(data)
	switch {
	case errors.Is(err, ErrUnknownType):
		c.logger.Info("Ignoring unknown message", "error", err)
		return
	case err != nil:
		c.logger.Warn("Dropping malformed message", "error", err)
		return
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

type outcome int

const (
	outcomeAbnormal outcome = iota
	outcomeNormal
	outcomeFatal
)

func classify(err error) outcome {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure:
			return outcomeNormal
		case CloseUnauthorized, CloseForbidden, websocket.ClosePolicyViolation:
			return outcomeFatal
		}
		return outcomeAbnormal
	}
	if apperr.KindOf(err) == apperr.KindClient {
		return outcomeFatal
	}
	return outcomeAbnormal
}
