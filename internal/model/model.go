package model

import (
	"encoding/json"
	"time"
)

// Task statuses reported by the trading backend.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// IsTerminalStatus reports whether a task in status s can no longer change.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// TaskStatus is the payload of a task_status_update and of the status polling endpoints.
type TaskStatus struct {
	TaskID       string    `json:"task_id"`
	TaskType     string    `json:"task_type,omitempty"`
	Status       string    `json:"status"`
	Progress     *float64  `json:"progress,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// TaskProgress is the payload of a task_progress_update.
type TaskProgress struct {
	TaskID      string  `json:"task_id"`
	Progress    float64 `json:"progress"`
	CurrentDate string  `json:"current_date,omitempty"`
}

// IntermediateResults is a backtest_intermediate_results snapshot. The body is kept
// raw because its shape depends on the strategy.
type IntermediateResults struct {
	TaskID   string          `json:"task_id"`
	Progress float64         `json:"progress"`
	Raw      json.RawMessage `json:"-"`
}

// LogEntry is a single execution log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// ExecutionLog is the payload of an execution_log push message.
type ExecutionLog struct {
	ExecutionID string   `json:"execution_id"`
	Log         LogEntry `json:"log"`
}

// Account is an entry of the account list.
type Account struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
}
