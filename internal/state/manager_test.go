package state

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"fx-dashboard/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBoard() (*TaskBoard, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewTaskBoardWithClock(clock.now), clock
}

func pct(v float64) *float64 { return &v }

func TestApplyStatus(t *testing.T) {
	b, _ := newBoard()

	require.True(t, b.ApplyStatus(model.TaskStatus{TaskID: "t1", TaskType: "backtest", Status: model.StatusPending}, SourcePush))
	require.True(t, b.ApplyStatus(model.TaskStatus{TaskID: "t1", Status: model.StatusRunning, Progress: pct(10)}, SourcePush))
	assert.False(t, b.ApplyStatus(model.TaskStatus{TaskID: "t1", Status: model.StatusRunning, Progress: pct(10)}, SourcePush), "no-op update")
	assert.False(t, b.ApplyStatus(model.TaskStatus{Status: model.StatusRunning}, SourcePush), "missing id")

	got, ok := b.Task("t1")
	require.True(t, ok)
	assert.Equal(t, "backtest", got.Type)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, 10.0, got.Progress)
	assert.Equal(t, SourcePush, got.Source)
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	b, _ := newBoard()
	b.ApplyStatus(model.TaskStatus{TaskID: "t1", Status: model.StatusFailed, ErrorMessage: "margin call"}, SourcePush)

	assert.False(t, b.ApplyStatus(model.TaskStatus{TaskID: "t1", Status: model.StatusRunning}, SourcePoll))
	assert.False(t, b.ApplyProgress(model.TaskProgress{TaskID: "t1", Progress: 50}, SourcePush))

	got, _ := b.Task("t1")
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "margin call", got.ErrorMessage)
}

func TestStalePollSnapshotIgnored(t *testing.T) {
	b, clock := newBoard()
	pushedAt := clock.t
	b.ApplyStatus(model.TaskStatus{TaskID: "t1", Status: model.StatusRunning, Progress: pct(60), UpdatedAt: pushedAt}, SourcePush)

	n := b.ApplySnapshot([]model.TaskStatus{
		{TaskID: "t1", Status: model.StatusPending, UpdatedAt: pushedAt.Add(-time.Minute)},
		{TaskID: "t2", Status: model.StatusRunning, Progress: pct(5), UpdatedAt: pushedAt},
	})
	assert.Equal(t, 1, n)

	got, _ := b.Task("t1")
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, 60.0, got.Progress)

	got, ok := b.Task("t2")
	require.True(t, ok)
	assert.Equal(t, SourcePoll, got.Source)
}

func TestProgressNeverDecreasesWhileRunning(t *testing.T) {
	b, _ := newBoard()
	b.ApplyProgress(model.TaskProgress{TaskID: "t1", Progress: 40}, SourcePush)
	assert.False(t, b.ApplyProgress(model.TaskProgress{TaskID: "t1", Progress: 30}, SourcePush))
	assert.True(t, b.ApplyProgress(model.TaskProgress{TaskID: "t1", Progress: 45}, SourcePush))
	assert.True(t, b.ApplyProgress(model.TaskProgress{TaskID: "t1", Progress: 150}, SourcePush))

	got, _ := b.Task("t1")
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, 100.0, got.Progress)

	b.ApplyStatus(model.TaskStatus{TaskID: "t1", Status: model.StatusCompleted}, SourcePush)
	got, _ = b.Task("t1")
	assert.Equal(t, 100.0, got.Progress)
}

func TestApplyIntermediate(t *testing.T) {
	b, _ := newBoard()
	raw := json.RawMessage(`{"task_id":"t1","progress":20,"equity":[1000,1012]}`)
	require.True(t, b.ApplyIntermediate(model.IntermediateResults{TaskID: "t1", Progress: 20, Raw: raw}, SourcePush))

	got, _ := b.Task("t1")
	assert.JSONEq(t, string(raw), string(got.Intermediate))
	assert.Equal(t, 20.0, got.Progress)

	got.Intermediate[0] = 'X'
	again, _ := b.Task("t1")
	assert.JSONEq(t, string(raw), string(again.Intermediate), "returned views are copies")
}

func TestTasksOrderedByRecency(t *testing.T) {
	b, clock := newBoard()
	b.ApplyStatus(model.TaskStatus{TaskID: "old", Status: model.StatusRunning}, SourcePush)
	clock.advance(time.Second)
	b.ApplyStatus(model.TaskStatus{TaskID: "new", Status: model.StatusRunning}, SourcePush)

	tasks := b.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "new", tasks[0].ID)
	assert.Equal(t, "old", tasks[1].ID)
}

func TestLogRingBuffer(t *testing.T) {
	b, _ := newBoard()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < logRingBufferSize+20; i++ {
		b.AppendLogs("e1", model.LogEntry{Timestamp: base.Add(time.Duration(i) * time.Second), Level: "INFO", Message: fmt.Sprintf("line %d", i)})
	}

	logs := b.Logs("e1")
	require.Len(t, logs, logRingBufferSize)
	assert.Equal(t, "line 20", logs[0].Message)
	assert.Equal(t, base.Add(time.Duration(logRingBufferSize+19)*time.Second), b.LastLogTime("e1"))
}

func TestAppendLogsSkipsDuplicates(t *testing.T) {
	b, _ := newBoard()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	line := model.LogEntry{Timestamp: ts, Level: "INFO", Message: "order filled"}

	assert.Equal(t, 1, b.AppendLogs("e1", line))
	// the poll fallback returns lines the push channel already delivered
	assert.Equal(t, 1, b.AppendLogs("e1",
		line,
		model.LogEntry{Timestamp: ts.Add(-time.Second), Level: "INFO", Message: "older"},
		model.LogEntry{Timestamp: ts, Level: "INFO", Message: "same instant, new line"},
	))
	assert.Len(t, b.Logs("e1"), 2)

	b.DropLogs("e1")
	assert.Empty(t, b.Logs("e1"))
	assert.True(t, b.LastLogTime("e1").IsZero())
}

func TestPushIndicatorAndChanges(t *testing.T) {
	b, _ := newBoard()
	assert.Equal(t, "disconnected", b.Push().State)

	b.SetPush("connected", nil)
	select {
	case <-b.Changes():
	default:
		t.Fatal("expected change signal")
	}

	b.SetPush("connected", nil)
	select {
	case <-b.Changes():
		t.Fatal("unchanged indicator must not signal")
	default:
	}

	b.SetPush("closed", fmt.Errorf("reconnect budget exhausted"))
	snap := b.Snapshot()
	assert.Equal(t, "closed", snap.Push.State)
	assert.Equal(t, "reconnect budget exhausted", snap.Push.Error)
}
