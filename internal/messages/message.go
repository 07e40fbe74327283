// Package messages defines the unified conversation message and the pure helpers
// (ordering, identity derivation, backend record conversion) shared by the engine.
package messages

import (
	"encoding/json"
	"time"
)

// TaskID identifies a conversation thread. Negative values are client-side
// placeholders handed out before the backend assigns the real id.
type TaskID int64

// IsTemporary reports whether the id is a client-invented placeholder.
func (t TaskID) IsTemporary() bool { return t < 0 }

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// InFlight reports whether the message still represents unconfirmed local state.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusStreaming
}

// Sender identifies the author in multi-party conversations.
type Sender struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// Message is the atomic unit of conversation state.
type Message struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Status      Status          `json:"status"`
	Content     string          `json:"content"`
	Timestamp   time.Time       `json:"timestamp"`
	ExecID      string          `json:"exec_id,omitempty"`
	SequenceID  int64           `json:"sequence_id,omitempty"` // 0 = not yet durable
	Sender      *Sender         `json:"sender,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// HasSequence reports whether the backend has durably recorded the message.
func (m Message) HasSequence() bool { return m.SequenceID > 0 }

// IsOptimistic reports whether the message exists only locally.
func (m Message) IsOptimistic() bool { return !m.HasSequence() }

// Clone returns a copy that shares no mutable memory with m.
func (m Message) Clone() Message {
	out := m
	if m.Sender != nil {
		s := *m.Sender
		out.Sender = &s
	}
	if m.Attachments != nil {
		out.Attachments = append(json.RawMessage(nil), m.Attachments...)
	}
	if m.Result != nil {
		out.Result = append(json.RawMessage(nil), m.Result...)
	}
	return out
}

// CanTransition reports whether moving from one status to another is allowed
// for the given role. Staying in the same status is always allowed.
func CanTransition(role Role, from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return role == RoleUser && to.IsTerminal()
	case StatusStreaming:
		return role == RoleAssistant && to.IsTerminal()
	default:
		return false
	}
}
