package router

import (
	"encoding/json"
	"time"

	"github.com/dohr-michael/tasklink/internal/messages"
)

// Event is one inbound transport event.
type Event interface {
	Kind() string
}

// Start announces a new assistant execution for a task.
type Start struct {
	TaskID messages.TaskID
	ExecID string
}

// Chunk carries an incremental piece of an execution's output.
type Chunk struct {
	ExecID string
	Delta  string
	Result json.RawMessage
}

// Done finishes an execution. TaskID is a fallback for executions whose
// start was never seen.
type Done struct {
	TaskID     messages.TaskID
	ExecID     string
	Content    *string
	SequenceID int64
}

type Error struct {
	TaskID  messages.TaskID
	ExecID  string
	Message string
}

type Cancelled struct {
	TaskID messages.TaskID
	ExecID string
}

// External is a message produced by another participant of the task.
type External struct {
	TaskID     messages.TaskID
	ExecID     string
	SequenceID int64
	Role       messages.Role
	Content    string
	Sender     *messages.Sender
	Timestamp  time.Time
}

func (Start) Kind() string     { return "start" }
func (Chunk) Kind() string     { return "chunk" }
func (Done) Kind() string      { return "done" }
func (Error) Kind() string     { return "error" }
func (Cancelled) Kind() string { return "cancelled" }
func (External) Kind() string  { return "external" }
