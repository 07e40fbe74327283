package events

import (
	"github.com/dohr-michael/tasklink/internal/messages"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// MESSAGE EVENTS
// =============================================================================

// MessageUpdatedPayload carries a snapshot of a message after it changed.
type MessageUpdatedPayload struct {
	Message messages.Message `json:"message"`
}

func (MessageUpdatedPayload) EventType() EventType { return EventMessageUpdated }

// =============================================================================
// STREAM EVENTS
// =============================================================================

type StreamStartedPayload struct {
	ExecID    string `json:"exec_id"`
	MessageID string `json:"message_id"`
}

func (StreamStartedPayload) EventType() EventType { return EventStreamStarted }

type StreamCompletedPayload struct {
	ExecID     string `json:"exec_id"`
	SequenceID int64  `json:"sequence_id,omitempty"`
}

func (StreamCompletedPayload) EventType() EventType { return EventStreamCompleted }

type StreamFailedPayload struct {
	ExecID string `json:"exec_id"`
	Error  string `json:"error"`
}

func (StreamFailedPayload) EventType() EventType { return EventStreamFailed }

type StreamCancelledPayload struct {
	ExecID string `json:"exec_id"`
}

func (StreamCancelledPayload) EventType() EventType { return EventStreamCancelled }

// =============================================================================
// TASK EVENTS
// =============================================================================

// TaskResolvedPayload reports that a temporary task id now has a backend id.
// The event itself is published under the real id.
type TaskResolvedPayload struct {
	TemporaryID messages.TaskID `json:"temporary_id"`
}

func (TaskResolvedPayload) EventType() EventType { return EventTaskResolved }

type TaskSyncedPayload struct {
	Inserted   int `json:"inserted"`
	Matched    int `json:"matched"`
	Superseded int `json:"superseded"`
	Preserved  int `json:"preserved"`
	Conflicts  int `json:"conflicts"`
}

func (TaskSyncedPayload) EventType() EventType { return EventTaskSynced }

type TaskResetPayload struct {
	Pruned int `json:"pruned"`
}

func (TaskResetPayload) EventType() EventType { return EventTaskReset }

type HistoryLoadedPayload struct {
	Added   int  `json:"added"`
	HasMore bool `json:"has_more"`
}

func (HistoryLoadedPayload) EventType() EventType { return EventHistoryLoaded }

type EventDroppedPayload struct {
	Kind   string `json:"kind"`
	ExecID string `json:"exec_id,omitempty"`
	Reason string `json:"reason"`
}

func (EventDroppedPayload) EventType() EventType { return EventEventDropped }

type RecoveryPhase string

const (
	RecoveryStarted   RecoveryPhase = "started"
	RecoverySucceeded RecoveryPhase = "succeeded"
	RecoveryFailed    RecoveryPhase = "failed"
)

type RecoveryStatusPayload struct {
	Phase   RecoveryPhase `json:"phase"`
	Trigger string        `json:"trigger"`
	Error   string        `json:"error,omitempty"`
}

func (RecoveryStatusPayload) EventType() EventType { return EventRecoveryStatus }

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	result, ok := e.Payload.(T)
	return result, ok
}

func GetMessageUpdatedPayload(e Event) (MessageUpdatedPayload, bool) {
	return ExtractPayload[MessageUpdatedPayload](e)
}

func GetTaskResolvedPayload(e Event) (TaskResolvedPayload, bool) {
	return ExtractPayload[TaskResolvedPayload](e)
}

func GetTaskSyncedPayload(e Event) (TaskSyncedPayload, bool) {
	return ExtractPayload[TaskSyncedPayload](e)
}

func GetRecoveryStatusPayload(e Event) (RecoveryStatusPayload, bool) {
	return ExtractPayload[RecoveryStatusPayload](e)
}
