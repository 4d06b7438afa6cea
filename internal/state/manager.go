package state

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"fx-dashboard/internal/model"
)

const (
	// logRingBufferSize is the number of recent log lines kept per execution.
	logRingBufferSize = 500
)

// TaskBoard is the in-memory, thread-safe view of every task the dashboard knows
// about. Push messages, queue events and poll snapshots all land here and are
// reconciled so that a late or stale source cannot undo newer information.
type TaskBoard struct {
	// mu protects all fields below.
	mu sync.RWMutex

	tasks map[string]*TaskView

	// logs stores the last N lines per execution.
	logs map[string][]model.LogEntry

	push PushStatus

	changes chan struct{}
	now     func() time.Time
}

// NewTaskBoard creates an empty board.
func NewTaskBoard() *TaskBoard {
	return NewTaskBoardWithClock(time.Now)
}

// NewTaskBoardWithClock creates a board that stamps updates with now.
func NewTaskBoardWithClock(now func() time.Time) *TaskBoard {
	return &TaskBoard{
		tasks:   make(map[string]*TaskView),
		logs:    make(map[string][]model.LogEntry),
		push:    PushStatus{State: "disconnected", Since: now()},
		changes: make(chan struct{}, 1),
		now:     now,
	}
}

// Changes signals after every effective mutation. Signals are coalesced.
func (b *TaskBoard) Changes() <-chan struct{} {
	return b.changes
}

func (b *TaskBoard) notify() {
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

// ApplyStatus merges a status report. It returns false when the report was stale
// or changed nothing.
func (b *TaskBoard) ApplyStatus(st model.TaskStatus, src Source) bool {
	if st.TaskID == "" {
		return false
	}
	b.mu.Lock()
	changed := b.applyStatusLocked(st, src)
	b.mu.Unlock()
	if changed {
		b.notify()
	}
	return changed
}

func (b *TaskBoard) applyStatusLocked(st model.TaskStatus, src Source) bool {
	at := st.UpdatedAt
	if at.IsZero() {
		at = b.now()
	}

	t, ok := b.tasks[st.TaskID]
	if !ok {
		t = &TaskView{ID: st.TaskID}
		b.tasks[st.TaskID] = t
	} else {
		// a finished task stays finished
		if model.IsTerminalStatus(t.Status) && st.Status != t.Status {
			return false
		}
		// poll snapshots can be older than what the push channel already told us
		if src == SourcePoll && !st.UpdatedAt.IsZero() && st.UpdatedAt.Before(t.UpdatedAt) {
			return false
		}
	}

	before := *t
	if st.TaskType != "" {
		t.Type = st.TaskType
	}
	if st.Status != "" {
		t.Status = st.Status
	}
	if st.Progress != nil {
		t.Progress = mergeProgress(before, t.Status, *st.Progress)
	}
	if t.Status == model.StatusCompleted {
		t.Progress = 100
	}
	if st.ErrorMessage != "" {
		t.ErrorMessage = st.ErrorMessage
	}

	if ok && sameView(before, *t) {
		return false
	}
	t.UpdatedAt = at
	t.Source = src
	return true
}

// ApplyProgress merges a progress report. Progress never goes backwards for a
// running task.
func (b *TaskBoard) ApplyProgress(p model.TaskProgress, src Source) bool {
	if p.TaskID == "" {
		return false
	}
	b.mu.Lock()
	changed := b.applyProgressLocked(p.TaskID, p.Progress, nil, src)
	b.mu.Unlock()
	if changed {
		b.notify()
	}
	return changed
}

// ApplyIntermediate stores the latest intermediate backtest snapshot.
func (b *TaskBoard) ApplyIntermediate(r model.IntermediateResults, src Source) bool {
	if r.TaskID == "" {
		return false
	}
	raw := r.Raw
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	b.mu.Lock()
	changed := b.applyProgressLocked(r.TaskID, r.Progress, raw, src)
	b.mu.Unlock()
	if changed {
		b.notify()
	}
	return changed
}

func (b *TaskBoard) applyProgressLocked(id string, progress float64, raw json.RawMessage, src Source) bool {
	t, ok := b.tasks[id]
	if !ok {
		t = &TaskView{ID: id, Status: model.StatusRunning}
		b.tasks[id] = t
	}
	if model.IsTerminalStatus(t.Status) {
		return false
	}

	before := *t
	if t.Status == "" || t.Status == model.StatusPending {
		t.Status = model.StatusRunning
	}
	t.Progress = mergeProgress(before, t.Status, progress)
	if raw != nil {
		t.Intermediate = append(json.RawMessage(nil), raw...)
	}
	if ok && sameView(before, *t) {
		return false
	}
	t.UpdatedAt = b.now()
	t.Source = src
	return true
}

func mergeProgress(before TaskView, status string, next float64) float64 {
	if next < 0 {
		next = 0
	}
	if next > 100 {
		next = 100
	}
	if before.Status == model.StatusRunning && status == model.StatusRunning && next < before.Progress {
		return before.Progress
	}
	return next
}

func sameView(a, b TaskView) bool {
	return a.Type == b.Type &&
		a.Status == b.Status &&
		a.Progress == b.Progress &&
		a.ErrorMessage == b.ErrorMessage &&
		string(a.Intermediate) == string(b.Intermediate)
}

// ApplySnapshot merges a full poll result.
func (b *TaskBoard) ApplySnapshot(list []model.TaskStatus) int {
	b.mu.Lock()
	n := 0
	for _, st := range list {
		if st.TaskID != "" && b.applyStatusLocked(st, SourcePoll) {
			n++
		}
	}
	b.mu.Unlock()
	if n > 0 {
		b.notify()
	}
	return n
}

// AppendLogs adds log lines for an execution, skipping lines that are older than
// the newest stored one or already present. It returns how many were added.
func (b *TaskBoard) AppendLogs(executionID string, entries ...model.LogEntry) int {
	if executionID == "" || len(entries) == 0 {
		return 0
	}
	b.mu.Lock()
	lines := b.logs[executionID]
	added := 0
	for _, e := range entries {
		if len(lines) > 0 {
			last := lines[len(lines)-1].Timestamp
			if e.Timestamp.Before(last) || (e.Timestamp.Equal(last) && containsLine(lines, e)) {
				continue
			}
		}
		lines = append(lines, e)
		added++
	}

	// Trim the slice to maintain the ring buffer size.
	if len(lines) > logRingBufferSize {
		lines = lines[len(lines)-logRingBufferSize:]
	}
	b.logs[executionID] = lines
	b.mu.Unlock()

	if added > 0 {
		b.notify()
	}
	return added
}

// containsLine looks for e among the trailing lines sharing its timestamp.
func containsLine(lines []model.LogEntry, e model.LogEntry) bool {
	for i := len(lines) - 1; i >= 0 && lines[i].Timestamp.Equal(e.Timestamp); i-- {
		if lines[i].Message == e.Message && lines[i].Level == e.Level {
			return true
		}
	}
	return false
}

// Logs returns a copy of the recent log lines for an execution.
func (b *TaskBoard) Logs(executionID string) []model.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	logsCopy := make([]model.LogEntry, len(b.logs[executionID]))
	copy(logsCopy, b.logs[executionID])
	return logsCopy
}

// LastLogTime returns the timestamp of the newest stored line, used as the "since"
// cursor when polling.
func (b *TaskBoard) LastLogTime(executionID string) time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lines := b.logs[executionID]
	if len(lines) == 0 {
		return time.Time{}
	}
	return lines[len(lines)-1].Timestamp
}

// DropLogs forgets an execution's log buffer.
func (b *TaskBoard) DropLogs(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, executionID)
}

// SetPush updates the live connection indicator.
func (b *TaskBoard) SetPush(state string, err error) {
	b.mu.Lock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if b.push.State == state && b.push.Error == msg {
		b.mu.Unlock()
		return
	}
	b.push = PushStatus{State: state, Error: msg, Since: b.now()}
	b.mu.Unlock()
	b.notify()
}

// Push returns the live connection indicator.
func (b *TaskBoard) Push() PushStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.push
}

// Task returns a copy of one task.
func (b *TaskBoard) Task(id string) (TaskView, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return TaskView{}, false
	}
	return copyTask(t), true
}

// Tasks returns copies of all tasks, most recently updated first.
func (b *TaskBoard) Tasks() []TaskView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tasksLocked()
}

func (b *TaskBoard) tasksLocked() []TaskView {
	out := make([]TaskView, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyTask(t *TaskView) TaskView {
	c := *t
	c.Intermediate = append(json.RawMessage(nil), t.Intermediate...)
	if len(c.Intermediate) == 0 {
		c.Intermediate = nil
	}
	return c
}

// Snapshot returns a consistent copy of the whole board.
func (b *TaskBoard) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		Tasks:       b.tasksLocked(),
		Push:        b.push,
		GeneratedAt: b.now(),
	}
}
