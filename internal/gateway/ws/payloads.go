package ws

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by transport calls made without a live connection.
	ErrNotConnected = errors.New("transport not connected")
)

// JoinTaskParams subscribes the connection to a task's events.
type JoinTaskParams struct {
	TaskID int64 `json:"task_id"`
}

// JoinTaskResult describes the task's in-flight execution, if any.
type JoinTaskResult struct {
	TaskID        int64  `json:"task_id"`
	Streaming     bool   `json:"streaming"`
	ExecID        string `json:"exec_id,omitempty"`
	CachedContent string `json:"cached_content,omitempty"`
}

// SendMessageParams submits a user message. TaskID <= 0 asks the backend to
// create a task.
type SendMessageParams struct {
	TaskID      int64           `json:"task_id,omitempty"`
	Content     string          `json:"content"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

// SendMessageResult identifies the records the backend created.
type SendMessageResult struct {
	TaskID          int64  `json:"task_id"`
	ExecID          string `json:"exec_id"`
	SequenceID      int64  `json:"sequence_id,omitempty"`
	AssistantExecID string `json:"assistant_exec_id,omitempty"`
}

type CancelExecutionParams struct {
	TaskID int64  `json:"task_id"`
	ExecID string `json:"exec_id"`
}

// StartPayload is sent with chat.start.
type StartPayload struct {
	ExecID string `json:"exec_id"`
}

// ChunkPayload is sent with chat.chunk. Result, when present, replaces the
// message's structured result.
type ChunkPayload struct {
	ExecID string          `json:"exec_id"`
	Delta  string          `json:"delta"`
	Result json.RawMessage `json:"result,omitempty"`
}

// DonePayload is sent with chat.done. A nil Content keeps the streamed text.
type DonePayload struct {
	ExecID     string  `json:"exec_id"`
	Content    *string `json:"content,omitempty"`
	SequenceID int64   `json:"sequence_id,omitempty"`
}

type ErrorPayload struct {
	ExecID  string `json:"exec_id"`
	Message string `json:"message"`
}

type CancelledPayload struct {
	ExecID string `json:"exec_id"`
}

// MessagePayload announces a message produced outside this client, for
// example by another participant in the task.
type MessagePayload struct {
	ExecID     string    `json:"exec_id"`
	SequenceID int64     `json:"sequence_id,omitempty"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	UserID     string    `json:"user_id,omitempty"`
	UserName   string    `json:"user_name,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}
