package state

import (
	"encoding/json"
	"time"
)

// Source tells where an update came from.
type Source string

const (
	SourcePush  Source = "push"
	SourcePoll  Source = "poll"
	SourceQueue Source = "queue"
)

// TaskView is the dashboard's picture of one backend task.
type TaskView struct {
	ID           string          `json:"id"`
	Type         string          `json:"type,omitempty"`
	Status       string          `json:"status"`
	Progress     float64         `json:"progress"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Intermediate json.RawMessage `json:"intermediate,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Source       Source          `json:"source"`
}

// PushStatus is the indicator shown for the live connection.
type PushStatus struct {
	State string    `json:"state"`
	Error string    `json:"error,omitempty"`
	Since time.Time `json:"since"`
}

// Snapshot is a consistent copy of the board.
type Snapshot struct {
	Tasks       []TaskView `json:"tasks"`
	Push        PushStatus `json:"push"`
	GeneratedAt time.Time  `json:"generated_at"`
}
