package messages

import (
	"encoding/json"
	"time"
)

// RecordStatus is the backend-side status of an execution record.
type RecordStatus string

const (
	RecordPending   RecordStatus = "PENDING"
	RecordRunning   RecordStatus = "RUNNING"
	RecordCompleted RecordStatus = "COMPLETED"
	RecordFailed    RecordStatus = "FAILED"
	RecordCancelled RecordStatus = "CANCELLED"
)

// Record is an authoritative message as reported by the backend.
type Record struct {
	ID          int64           `json:"id"`
	TaskID      TaskID          `json:"task_id"`
	Role        Role            `json:"role"`
	Content     string          `json:"content,omitempty"`
	ResultValue string          `json:"result_value,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExecID      string          `json:"exec_id,omitempty"`
	SequenceID  int64           `json:"sequence_id"`
	Sender      *Sender         `json:"sender,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	Status      RecordStatus    `json:"status"`
	Error       string          `json:"error,omitempty"`
}

// Text returns the displayable content: assistant records may carry their
// output in ResultValue only.
func (r Record) Text() string {
	if r.Content != "" {
		return r.Content
	}
	return r.ResultValue
}

// MessageStatus maps the backend status onto the message lifecycle for the record's role.
func (r Record) MessageStatus() Status {
	switch r.Status {
	case RecordCompleted, RecordCancelled:
		return StatusCompleted
	case RecordFailed:
		return StatusError
	default:
		if r.Role == RoleAssistant {
			return StatusStreaming
		}
		return StatusPending
	}
}

// IsSettled reports whether the backend considers the record final.
func (r Record) IsSettled() bool {
	return r.MessageStatus().IsTerminal()
}

// ToMessage converts the record into a unified message.
func (r Record) ToMessage() Message {
	m := Message{
		ID:          RecordID(r.Role, r.ExecID, r.SequenceID),
		Role:        r.Role,
		Status:      r.MessageStatus(),
		Content:     r.Text(),
		Timestamp:   r.CreatedAt,
		ExecID:      r.ExecID,
		SequenceID:  r.SequenceID,
		Sender:      r.Sender,
		Attachments: r.Attachments,
		Result:      r.Result,
	}
	if m.Status == StatusError {
		m.Error = r.Error
		if m.Error == "" {
			m.Error = "execution failed"
		}
	}
	return m.Clone()
}

// ToHistoryMessage converts a paginated record. History is always settled, so
// the status is forced to completed unless the backend reported a failure.
func (r Record) ToHistoryMessage() Message {
	m := r.ToMessage()
	if m.Status != StatusError {
		m.Status = StatusCompleted
	}
	return m
}
