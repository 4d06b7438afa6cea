package livechannel

import (
	"encoding/json"
	"errors"
	"fmt"

	"fx-dashboard/internal/apperr"
	"fx-dashboard/internal/model"
)

// Message types carried on the push channel.
const (
	TypeStatus       = "task_status_update"
	TypeProgress     = "task_progress_update"
	TypeIntermediate = "backtest_intermediate_results"
	TypeExecutionLog = "execution_log"
	TypePong         = "pong"
	TypePing         = "ping"
)

// Envelope is the wire frame: a type tag and an opaque payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a decoded push message. Exactly one payload field is set, matching Type;
// pong carries none.
type Message struct {
	Type         string
	Status       *model.TaskStatus
	Progress     *model.TaskProgress
	Intermediate *model.IntermediateResults
	Log          *model.ExecutionLog
}

// ErrUnknownType marks a well-formed envelope whose type this client does not know.
// Such messages are skipped, not treated as protocol errors.
var ErrUnknownType = errors.New("livechannel: unknown message type")

var pingFrame = []byte(`{"type":"ping"}`)

// Decode parses one frame. Malformed frames yield a KindProtocol error, unknown types
// ErrUnknownType.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, apperr.New(apperr.KindProtocol, "livechannel.decode", err)
	}
	if env.Type == "" {
		return Message{}, apperr.New(apperr.KindProtocol, "livechannel.decode", errors.New("missing type"))
	}

	msg := Message{Type: env.Type}
	var target any
	switch env.Type {
	case TypePong:
		return msg, nil
	case TypeStatus:
		msg.Status = &model.TaskStatus{}
		target = msg.Status
	case TypeProgress:
		msg.Progress = &model.TaskProgress{}
		target = msg.Progress
	case TypeIntermediate:
		msg.Intermediate = &model.IntermediateResults{Raw: append(json.RawMessage(nil), env.Data...)}
		target = msg.Intermediate
	case TypeExecutionLog:
		msg.Log = &model.ExecutionLog{}
		target = msg.Log
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Message{}, apperr.New(apperr.KindProtocol, "livechannel.decode",
			fmt.Errorf("%s without data", env.Type))
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return Message{}, apperr.New(apperr.KindProtocol, "livechannel.decode",
			fmt.Errorf("%s: %w", env.Type, err))
	}
	return msg, nil
}
