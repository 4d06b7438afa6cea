package tasksync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fx-dashboard/internal/livechannel"
	"fx-dashboard/internal/model"
	"fx-dashboard/internal/poller"
	"fx-dashboard/internal/slogx"
	"fx-dashboard/internal/state"
)

// Backend is the polling side of the task API.
type Backend interface {
	TaskStatuses(ctx context.Context) ([]model.TaskStatus, error)
	TaskStatus(ctx context.Context, id string) (model.TaskStatus, error)
	TaskLogs(ctx context.Context, executionID string, since time.Time) ([]model.LogEntry, error)
}

// Channels hands out shared push channels by topic.
type Channels interface {
	Acquire(topic string) (*livechannel.Channel, func(), error)
}

// Config configures a Coordinator.
type Config struct {
	PushEnabled bool
	StatusTopic string
	// LogTopic maps an execution id to its log topic.
	LogTopic func(executionID string) string
	Poll     poller.Config
	// StatsInterval is how often a summary is logged. Zero disables it.
	StatsInterval time.Duration
	// LogSink receives pushed log lines the board had not seen yet. Optional.
	LogSink func(executionID string, entry model.LogEntry)
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.StatusTopic == "" {
		c.StatusTopic = "task-status"
	}
	if c.LogTopic == nil {
		c.LogTopic = func(id string) string { return "logs/" + id }
	}
}

// Command is an asynchronous request to the coordinator.
type Command struct {
	Type   string
	TaskID string
}

const (
	CommandRefresh       = "refresh"
	CommandStatusPolling = "status_polling"
	CommandLogPolling    = "log_polling"
)

// Stats is a point-in-time summary.
type Stats struct {
	Uptime            time.Duration    `json:"uptime"`
	MessagesProcessed map[string]int64 `json:"messages_processed"`
	Polling           bool             `json:"polling"`
	PollError         string           `json:"poll_error,omitempty"`
	WatchedLogs       int              `json:"watched_logs"`
}

type logWatch struct {
	refs    int
	release func()
	unsub   func()
	poller  *poller.Poller[[]model.LogEntry]
}

// Coordinator keeps the task board current. It prefers the push channel and falls
// back to polling when push is disabled or the channel gives up.
type Coordinator struct {
	cfg      Config
	board    *state.TaskBoard
	backend  Backend
	channels Channels
	logger   *slog.Logger

	commands chan Command
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu                sync.Mutex
	ctx               context.Context
	cancel            context.CancelFunc
	started           bool
	startTime         time.Time
	statusPoller      *poller.Poller[[]model.TaskStatus]
	pollErr           error
	releaseStatus     func()
	watches           map[string]*logWatch
	messagesProcessed map[string]int64
}

// New creates a coordinator. channels may be nil when push is disabled.
func New(cfg Config, board *state.TaskBoard, backend Backend, channels Channels) *Coordinator {
	cfg.applyDefaults()
	if cfg.Poll.Logger == nil {
		cfg.Poll.Logger = cfg.Logger
	}
	return &Coordinator{
		cfg:               cfg,
		board:             board,
		backend:           backend,
		channels:          channels,
		logger:            slogx.OrDefault(cfg.Logger).With("component", "tasksync"),
		commands:          make(chan Command, 100),
		stopCh:            make(chan struct{}),
		watches:           make(map[string]*logWatch),
		messagesProcessed: make(map[string]int64),
	}
}

// Board returns the board the coordinator feeds.
func (c *Coordinator) Board() *state.TaskBoard { return c.board }

// Start opens the status stream (or the status poller) and the command processor.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.startTime = time.Now()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.logger.Info("Starting task sync", "push", c.cfg.PushEnabled)

	c.wg.Add(1)
	go c.commandProcessor()

	if !c.cfg.PushEnabled || c.channels == nil {
		c.board.SetPush("disabled", nil)
		c.startStatusPolling()
		return nil
	}

	ch, release, err := c.channels.Acquire(c.cfg.StatusTopic)
	if err != nil {
		c.logger.Error("Status channel unavailable, polling instead", "error", err)
		c.board.SetPush(livechannel.StateClosed.String(), err)
		c.startStatusPolling()
		return nil
	}
	unsub := ch.Subscribe(func(m livechannel.Message) { c.Route(m, state.SourcePush) })
	ch.OnState(func(s livechannel.State, err error) {
		c.board.SetPush(s.String(), err)
		if needsFallback(s, err) {
			c.SendCommand(Command{Type: CommandStatusPolling})
		}
	})
	// the channel may have settled before the observer was registered
	st, stErr := ch.State(), ch.Err()
	c.board.SetPush(st.String(), stErr)
	if needsFallback(st, stErr) {
		c.SendCommand(Command{Type: CommandStatusPolling})
	}

	c.mu.Lock()
	c.releaseStatus = func() {
		unsub()
		release()
	}
	c.mu.Unlock()

	// the push channel only carries changes; seed the board once
	c.SendCommand(Command{Type: CommandRefresh})
	return nil
}

// needsFallback reports whether a channel transition means no more pushes will come.
func needsFallback(s livechannel.State, err error) bool {
	return s == livechannel.StateDisconnected || (s == livechannel.StateClosed && err != nil)
}

// Stop shuts down the channels, pollers and background goroutines.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping task sync")
		close(c.stopCh)

		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()

		c.mu.Lock()
		releaseStatus := c.releaseStatus
		statusPoller := c.statusPoller
		watches := c.watches
		c.releaseStatus = nil
		c.watches = make(map[string]*logWatch)
		c.mu.Unlock()

		if releaseStatus != nil {
			releaseStatus()
		}
		if statusPoller != nil {
			statusPoller.Stop()
		}
		for _, w := range watches {
			w.stop()
		}
		c.logger.Info("Task sync stopped")
	})
}

// SendCommand queues a command. It is dropped once the coordinator is stopping.
func (c *Coordinator) SendCommand(cmd Command) {
	select {
	case c.commands <- cmd:
	case <-c.stopCh:
		c.logger.Debug("Dropping command, coordinator is stopping", "type", cmd.Type)
	}
}

// RequestRefresh asks for an asynchronous refresh of one task, or of all tasks
// when id is empty.
func (c *Coordinator) RequestRefresh(id string) {
	c.SendCommand(Command{Type: CommandRefresh, TaskID: id})
}

func (c *Coordinator) commandProcessor() {
	defer c.wg.Done()

	var tick <-chan time.Time
	if c.cfg.StatsInterval > 0 {
		ticker := time.NewTicker(c.cfg.StatsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.stopCh:
			return
		case cmd := <-c.commands:
			c.processCommand(cmd)
		case <-tick:
			c.logStats()
		}
	}
}

func (c *Coordinator) processCommand(cmd Command) {
	switch cmd.Type {
	case CommandRefresh:
		if err := c.Refresh(c.context(), cmd.TaskID); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("Refresh failed", "task_id", cmd.TaskID, "error", err)
		}
	case CommandStatusPolling:
		c.startStatusPolling()
	case CommandLogPolling:
		c.startLogPolling(cmd.TaskID)
	default:
		c.logger.Warn("Unknown command", "type", cmd.Type)
	}
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Route applies one push or queue message to the board.
func (c *Coordinator) Route(m livechannel.Message, src state.Source) {
	c.mu.Lock()
	c.messagesProcessed[m.Type]++
	c.mu.Unlock()

	switch {
	case m.Status != nil:
		c.board.ApplyStatus(*m.Status, src)
	case m.Progress != nil:
		c.board.ApplyProgress(*m.Progress, src)
	case m.Intermediate != nil:
		c.board.ApplyIntermediate(*m.Intermediate, src)
	case m.Log != nil:
		if c.board.AppendLogs(m.Log.ExecutionID, m.Log.Log) > 0 && c.cfg.LogSink != nil {
			c.cfg.LogSink(m.Log.ExecutionID, m.Log.Log)
		}
	}
}

// Refresh polls the backend once: one task, or every task when id is empty.
func (c *Coordinator) Refresh(ctx context.Context, id string) error {
	if id == "" {
		list, err := c.backend.TaskStatuses(ctx)
		if err != nil {
			return err
		}
		c.board.ApplySnapshot(list)
		return nil
	}
	st, err := c.backend.TaskStatus(ctx, id)
	if err != nil {
		return err
	}
	if st.TaskID == "" {
		st.TaskID = id
	}
	c.board.ApplyStatus(st, state.SourcePoll)
	return nil
}

func (c *Coordinator) startStatusPolling() {
	c.mu.Lock()
	ctx := c.ctx
	if ctx == nil || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if c.statusPoller == nil {
		cfg := c.cfg.Poll
		cfg.Name = "task-status"
		p := poller.New[[]model.TaskStatus](cfg)
		p.OnResult(func(list []model.TaskStatus) {
			c.board.ApplySnapshot(list)
			c.setPollErr(nil)
		})
		p.OnHalt(func(err error) {
			c.logger.Error("Status polling halted", "error", err)
			c.setPollErr(err)
		})
		c.statusPoller = p
	}
	p := c.statusPoller
	c.mu.Unlock()

	// the halt callback takes c.mu, so the poller is started without it
	if p.Running() {
		return
	}
	c.logger.Info("Polling task status", "interval", c.cfg.Poll.Interval)
	p.Start(ctx, c.backend.TaskStatuses)
}

func (c *Coordinator) setPollErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollErr = err
}

// Polling reports whether the status poller is active.
func (c *Coordinator) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusPoller != nil && c.statusPoller.Running()
}

// WatchLogs follows an execution's log stream until the returned release is called.
// Watches are reference counted per execution.
func (c *Coordinator) WatchLogs(executionID string) (release func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopCh:
		return nil, errors.New("tasksync: stopped")
	default:
	}

	w, ok := c.watches[executionID]
	if !ok {
		w = &logWatch{}
		c.watches[executionID] = w
		if c.cfg.PushEnabled && c.channels != nil {
			if err := c.subscribeLogs(executionID, w); err != nil {
				c.logger.Warn("Log channel unavailable, polling instead", "execution_id", executionID, "error", err)
				c.startLogPollingLocked(executionID, w)
			}
		} else {
			c.startLogPollingLocked(executionID, w)
		}
	}
	w.refs++

	var once sync.Once
	return func() { once.Do(func() { c.unwatch(executionID, w) }) }, nil
}

func (c *Coordinator) subscribeLogs(executionID string, w *logWatch) error {
	ch, release, err := c.channels.Acquire(c.cfg.LogTopic(executionID))
	if err != nil {
		return err
	}
	w.release = release
	w.unsub = ch.Subscribe(func(m livechannel.Message) {
		if m.Log != nil && m.Log.ExecutionID == "" {
			m.Log.ExecutionID = executionID
		}
		c.Route(m, state.SourcePush)
	})
	ch.OnState(func(s livechannel.State, err error) {
		if needsFallback(s, err) {
			c.SendCommand(Command{Type: CommandLogPolling, TaskID: executionID})
		}
	})
	if needsFallback(ch.State(), ch.Err()) {
		c.startLogPollingLocked(executionID, w)
	}
	return nil
}

func (c *Coordinator) startLogPolling(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[executionID]
	if !ok {
		return
	}
	c.startLogPollingLocked(executionID, w)
}

func (c *Coordinator) startLogPollingLocked(executionID string, w *logWatch) {
	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	if w.poller != nil && w.poller.Running() {
		return
	}
	if w.poller == nil {
		cfg := c.cfg.Poll
		cfg.Name = "logs/" + executionID
		p := poller.New[[]model.LogEntry](cfg)
		p.OnResult(func(entries []model.LogEntry) {
			c.board.AppendLogs(executionID, entries...)
		})
		p.OnHalt(func(err error) {
			c.logger.Error("Log polling halted", "execution_id", executionID, "error", err)
		})
		w.poller = p
	}
	w.poller.Start(c.ctx, func(ctx context.Context) ([]model.LogEntry, error) {
		return c.backend.TaskLogs(ctx, executionID, c.board.LastLogTime(executionID))
	})
}

func (c *Coordinator) unwatch(executionID string, w *logWatch) {
	c.mu.Lock()
	w.refs--
	last := w.refs == 0
	if last && c.watches[executionID] == w {
		delete(c.watches, executionID)
	}
	c.mu.Unlock()

	if last {
		w.stop()
	}
}

func (w *logWatch) stop() {
	if w.unsub != nil {
		w.unsub()
	}
	if w.release != nil {
		w.release()
	}
	if w.poller != nil {
		w.poller.Stop()
	}
}

// Stats returns current counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		MessagesProcessed: make(map[string]int64, len(c.messagesProcessed)),
		Polling:           c.statusPoller != nil && c.statusPoller.Running(),
		WatchedLogs:       len(c.watches),
	}
	if !c.startTime.IsZero() {
		s.Uptime = time.Since(c.startTime)
	}
	for k, v := range c.messagesProcessed {
		s.MessagesProcessed[k] = v
	}
	if c.pollErr != nil {
		s.PollError = c.pollErr.Error()
	}
	return s
}

func (c *Coordinator) logStats() {
	s := c.Stats()
	var total int64
	for _, n := range s.MessagesProcessed {
		total += n
	}
	c.logger.Info("Task sync stats",
		"uptime", s.Uptime.Truncate(time.Second),
		"messages", total,
		"polling", s.Polling,
		"watched_logs", s.WatchedLogs,
		"push", c.board.Push().State)
}
