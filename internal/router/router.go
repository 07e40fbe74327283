// Package router applies inbound transport events to the task they address.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dohr-michael/tasklink/internal/events"
	"github.com/dohr-michael/tasklink/internal/identity"
	"github.com/dohr-michael/tasklink/internal/messages"
	"github.com/dohr-michael/tasklink/internal/metrics"
	"github.com/dohr-michael/tasklink/internal/stream"
)

// ErrUnknownTask is returned when an event cannot be attributed to a loaded task.
var ErrUnknownTask = errors.New("unknown task")

// CompletionHandler is called after an execution of its task completes.
type CompletionHandler func(taskID messages.TaskID, execID string)

// Router dispatches events to per-task stream states.
type Router struct {
	table *stream.Table
	maps  *identity.Maps
	bus   *events.Bus

	mu         sync.Mutex
	onComplete map[messages.TaskID]CompletionHandler
}

// New creates a Router. bus may be nil.
func New(table *stream.Table, maps *identity.Maps, bus *events.Bus) *Router {
	return &Router{
		table:      table,
		maps:       maps,
		bus:        bus,
		onComplete: make(map[messages.TaskID]CompletionHandler),
	}
}

// SetCompletionHandler registers fn for taskID, replacing any previous one.
// A nil fn removes it.
func (r *Router) SetCompletionHandler(taskID messages.TaskID, fn CompletionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.onComplete, taskID)
		return
	}
	r.onComplete[taskID] = fn
}

// MoveCompletionHandler re-registers a placeholder task's handler under its real id.
func (r *Router) MoveCompletionHandler(from, to messages.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn, ok := r.onComplete[from]; ok {
		delete(r.onComplete, from)
		if _, exists := r.onComplete[to]; !exists {
			r.onComplete[to] = fn
		}
	}
}

func (r *Router) completionHandler(taskID messages.TaskID) CompletionHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onComplete[taskID]
}

// Dispatch applies ev. Events that cannot be applied are logged, counted and
// returned as errors; state of other tasks is never touched.
func (r *Router) Dispatch(ev Event) error {
	taskID, err := r.apply(ev)
	if err != nil {
		reason := "invalid_transition"
		switch {
		case errors.Is(err, stream.ErrUnknownExecution):
			reason = "unknown_execution"
		case errors.Is(err, ErrUnknownTask):
			reason = "unknown_task"
		}
		metrics.EventsDropped.WithLabelValues(ev.Kind(), reason).Inc()
		slog.Warn("dropping event", "kind", ev.Kind(), "task_id", taskID, "reason", reason, "error", err)
		r.publish(taskID, events.EventDroppedPayload{Kind: ev.Kind(), ExecID: execIDOf(ev), Reason: reason})
		return err
	}
	metrics.EventsRouted.WithLabelValues(ev.Kind()).Inc()
	return nil
}

func (r *Router) apply(ev Event) (messages.TaskID, error) {
	switch e := ev.(type) {
	case Start:
		taskID := r.maps.Resolve(e.TaskID)
		if taskID == 0 {
			return 0, fmt.Errorf("start %s without task: %w", e.ExecID, ErrUnknownTask)
		}
		r.maps.BindExec(e.ExecID, taskID)
		st := r.table.GetOrCreate(taskID)
		id := st.StartAssistant(e.ExecID)
		slog.Debug("stream started", "task_id", taskID, "exec_id", e.ExecID)
		r.publish(taskID, events.StreamStartedPayload{ExecID: e.ExecID, MessageID: id})
		r.publishMessage(st, id)
		return taskID, nil

	case Chunk:
		taskID, ok := r.maps.TaskForExec(e.ExecID)
		if !ok {
			return 0, fmt.Errorf("chunk for %s: %w", e.ExecID, stream.ErrUnknownExecution)
		}
		st, err := r.state(taskID)
		if err != nil {
			return taskID, err
		}
		if err := st.AppendChunk(e.ExecID, e.Delta, e.Result); err != nil {
			return taskID, err
		}
		r.publishMessage(st, messages.AssistantID(e.ExecID))
		return taskID, nil

	case Done:
		st, taskID, err := r.resolve(e.ExecID, e.TaskID)
		if err != nil {
			return taskID, err
		}
		id, err := st.Complete(e.ExecID, e.Content, e.SequenceID)
		if err != nil {
			return taskID, err
		}
		slog.Debug("stream completed", "task_id", taskID, "exec_id", e.ExecID, "sequence_id", e.SequenceID)
		r.publish(taskID, events.StreamCompletedPayload{ExecID: e.ExecID, SequenceID: e.SequenceID})
		r.publishMessage(st, id)
		if fn := r.completionHandler(taskID); fn != nil {
			fn(taskID, e.ExecID)
		}
		return taskID, nil

	case Error:
		st, taskID, err := r.resolve(e.ExecID, e.TaskID)
		if err != nil {
			return taskID, err
		}
		id, err := st.Fail(e.ExecID, e.Message)
		if err != nil {
			return taskID, err
		}
		slog.Warn("remote execution failed", "task_id", taskID, "exec_id", e.ExecID, "error", e.Message)
		r.publish(taskID, events.StreamFailedPayload{ExecID: e.ExecID, Error: e.Message})
		r.publishMessage(st, id)
		return taskID, nil

	case Cancelled:
		st, taskID, err := r.resolve(e.ExecID, e.TaskID)
		if err != nil {
			return taskID, err
		}
		id, err := st.Cancel(e.ExecID)
		if err != nil {
			return taskID, err
		}
		r.publish(taskID, events.StreamCancelledPayload{ExecID: e.ExecID})
		r.publishMessage(st, id)
		return taskID, nil

	case External:
		taskID := r.maps.Resolve(e.TaskID)
		st, err := r.state(taskID)
		if err != nil {
			return taskID, err
		}
		m := messages.Message{
			Role:       e.Role,
			Content:    e.Content,
			Timestamp:  e.Timestamp,
			ExecID:     e.ExecID,
			SequenceID: e.SequenceID,
			Sender:     e.Sender,
		}
		if !st.InsertExternal(m) {
			slog.Debug("external message already present", "task_id", taskID, "exec_id", e.ExecID)
			return taskID, nil
		}
		if e.ExecID != "" {
			r.maps.BindExec(e.ExecID, taskID)
		}
		r.publish(taskID, events.MessageUpdatedPayload{Message: m})
		return taskID, nil

	default:
		return 0, fmt.Errorf("event %T: %w", ev, ErrUnknownEvent)
	}
}

// resolve finds the state for an execution, preferring the identity map and
// falling back to the task id carried by the event.
func (r *Router) resolve(execID string, fallback messages.TaskID) (*stream.State, messages.TaskID, error) {
	taskID, ok := r.maps.TaskForExec(execID)
	if !ok {
		taskID = r.maps.Resolve(fallback)
	}
	if taskID == 0 {
		return nil, 0, fmt.Errorf("exec %s: %w", execID, stream.ErrUnknownExecution)
	}
	st, err := r.state(taskID)
	return st, taskID, err
}

func (r *Router) state(taskID messages.TaskID) (*stream.State, error) {
	st, ok := r.table.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrUnknownTask)
	}
	return st, nil
}

func (r *Router) publish(taskID messages.TaskID, payload events.EventPayload) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NewEvent(taskID, payload))
}

func (r *Router) publishMessage(st *stream.State, id string) {
	if r.bus == nil {
		return
	}
	if m, ok := st.Message(id); ok {
		r.bus.Publish(events.NewEvent(st.TaskID(), events.MessageUpdatedPayload{Message: m}))
	}
}

func execIDOf(ev Event) string {
	switch e := ev.(type) {
	case Start:
		return e.ExecID
	case Chunk:
		return e.ExecID
	case Done:
		return e.ExecID
	case Error:
		return e.ExecID
	case Cancelled:
		return e.ExecID
	case External:
		return e.ExecID
	}
	return ""
}
