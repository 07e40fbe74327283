// Package engine ties the stream state, router, reconciler, recovery and
// pagination together behind the operations a chat view needs.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dohr-michael/tasklink/clients/rest"
	"github.com/dohr-michael/tasklink/internal/events"
	"github.com/dohr-michael/tasklink/internal/gateway/ws"
	"github.com/dohr-michael/tasklink/internal/identity"
	"github.com/dohr-michael/tasklink/internal/messages"
	"github.com/dohr-michael/tasklink/internal/metrics"
	"github.com/dohr-michael/tasklink/internal/pagination"
	"github.com/dohr-michael/tasklink/internal/reconcile"
	"github.com/dohr-michael/tasklink/internal/recovery"
	"github.com/dohr-michael/tasklink/internal/router"
	"github.com/dohr-michael/tasklink/internal/stream"
)

// Transport is the request side of the realtime connection.
type Transport interface {
	JoinTask(ctx context.Context, taskID messages.TaskID) (ws.JoinTaskResult, error)
	SendMessage(ctx context.Context, params ws.SendMessageParams) (ws.SendMessageResult, error)
	CancelExecution(ctx context.Context, taskID messages.TaskID, execID string) error
}

// History is the backend's record API.
type History interface {
	ListRecords(ctx context.Context, params rest.ListParams) ([]messages.Record, error)
	TaskDetail(ctx context.Context, taskID messages.TaskID) ([]messages.Record, error)
}

// Options configures an Engine.
type Options struct {
	PageSize        int
	HiddenThreshold time.Duration
	StaleThreshold  time.Duration
	BusSize         int
	IDs             messages.IDSource
	Now             func() time.Time
}

// Engine is the client-side reconciliation engine for every task of one session.
type Engine struct {
	table      *stream.Table
	maps       *identity.Maps
	bus        *events.Bus
	router     *router.Router
	reconciler *reconcile.Reconciler
	recovery   *recovery.Coordinator
	pager      *pagination.Controller
	transport  Transport
	history    History
	pageSize   int
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates an Engine.
func New(transport Transport, history History, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PageSize <= 0 {
		opts.PageSize = pagination.DefaultPageSize
	}

	table := stream.NewTable(stream.Options{IDs: opts.IDs, Now: opts.Now})
	maps := identity.NewMaps()
	bus := events.NewBus(opts.BusSize)
	rec := reconcile.New()

	return &Engine{
		table:      table,
		maps:       maps,
		bus:        bus,
		router:     router.New(table, maps, bus),
		reconciler: rec,
		recovery: recovery.New(table, maps, transport, history, rec, bus, recovery.Config{
			HiddenThreshold: opts.HiddenThreshold,
			StaleThreshold:  opts.StaleThreshold,
		}),
		pager:     pagination.New(table, history, rec, bus, opts.PageSize),
		transport: transport,
		history:   history,
		pageSize:  opts.PageSize,
		now:       opts.Now,
	}
}

// Messages returns the ordered messages of a task.
func (e *Engine) Messages(taskID messages.TaskID) []messages.Message {
	st, ok := e.table.Get(e.maps.Resolve(taskID))
	if !ok {
		return nil
	}
	return st.Messages()
}

// IsStreaming reports whether an assistant reply is streaming in the task.
func (e *Engine) IsStreaming(taskID messages.TaskID) bool {
	st, ok := e.table.Get(e.maps.Resolve(taskID))
	return ok && st.IsStreaming()
}

// IsCancelling reports whether a stop request for the task is still in flight.
func (e *Engine) IsCancelling(taskID messages.TaskID) bool {
	st, ok := e.table.Get(e.maps.Resolve(taskID))
	return ok && st.IsCancelling()
}

// HasMore reports whether older history may still be loaded for the task.
func (e *Engine) HasMore(taskID messages.TaskID) bool {
	st, ok := e.table.Get(e.maps.Resolve(taskID))
	return !ok || st.HasMore()
}

// LastError returns the last error recorded for the task.
func (e *Engine) LastError(taskID messages.TaskID) error {
	st, ok := e.table.Get(e.maps.Resolve(taskID))
	if !ok {
		return nil
	}
	return st.LastError()
}

// TaskIDs returns the tasks the engine holds state for.
func (e *Engine) TaskIDs() []messages.TaskID {
	return e.table.TaskIDs()
}

// SendMessage inserts an optimistic user message and submits it. taskID 0
// starts a new task under a temporary id which is replaced by the backend id
// once known. It returns the id the task is known by after the call. A
// failed send marks the message as failed and returns the error.
func (e *Engine) SendMessage(ctx context.Context, taskID messages.TaskID, content string, attachments json.RawMessage) (messages.TaskID, error) {
	taskID = e.maps.Resolve(taskID)
	if taskID == 0 {
		taskID = e.maps.NewTemporaryTaskID()
	}
	st := e.table.GetOrCreate(taskID)
	localID := st.InsertOptimisticUser(content, attachments)
	e.publishMessage(st, localID)

	params := ws.SendMessageParams{Content: content, Attachments: attachments}
	if !taskID.IsTemporary() {
		params.TaskID = int64(taskID)
	}

	start := time.Now()
	res, err := e.transport.SendMessage(ctx, params)
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("send message failed", "task_id", taskID, "error", err)
		if ferr := st.FailUser(localID, err); ferr != nil {
			slog.Debug("mark message failed", "task_id", taskID, "error", ferr)
		}
		e.publishMessage(st, localID)
		return taskID, fmt.Errorf("send message: %w", err)
	}

	if realID := messages.TaskID(res.TaskID); taskID.IsTemporary() && realID > 0 {
		st = e.resolveTask(taskID, realID)
		taskID = realID
	}

	if res.ExecID != "" {
		e.maps.BindExec(res.ExecID, taskID)
	}
	if res.AssistantExecID != "" {
		e.maps.BindExec(res.AssistantExecID, taskID)
	}
	if res.SequenceID > 0 {
		if err := st.ConfirmUser(localID, res.ExecID, res.SequenceID); err != nil {
			slog.Debug("confirm user message", "task_id", taskID, "error", err)
		}
	} else {
		st.AttachExec(localID, res.ExecID)
	}
	e.publishMessage(st, localID)
	return taskID, nil
}

// resolveTask moves everything known under a placeholder id to the real id.
func (e *Engine) resolveTask(temp, realID messages.TaskID) *stream.State {
	e.maps.BindTask(temp, realID)
	st := e.table.Rekey(temp, realID)
	e.router.MoveCompletionHandler(temp, realID)
	slog.Info("task resolved", "temporary_id", temp, "task_id", realID)
	e.bus.Publish(events.NewEvent(realID, events.TaskResolvedPayload{TemporaryID: temp}))
	return st
}

// StopStream cancels the task's streaming reply. The local message is
// completed immediately with its partial content; the backend is asked to
// stop afterwards and its error, if any, is recorded and returned.
func (e *Engine) StopStream(ctx context.Context, taskID messages.TaskID) error {
	taskID = e.maps.Resolve(taskID)
	st, ok := e.table.Get(taskID)
	if !ok {
		return nil
	}
	execID := st.BeginCancel()
	if execID == "" {
		return nil
	}
	id, err := st.Cancel(execID)
	if err != nil {
		slog.Debug("local cancel", "task_id", taskID, "exec_id", execID, "error", err)
	}
	e.bus.Publish(events.NewEvent(taskID, events.StreamCancelledPayload{ExecID: execID}))
	if id != "" {
		e.publishMessage(st, id)
	}

	if taskID.IsTemporary() {
		st.EndCancel(nil)
		return nil
	}
	err = e.transport.CancelExecution(ctx, taskID, execID)
	if err != nil {
		slog.Warn("cancel execution failed", "task_id", taskID, "exec_id", execID, "error", err)
		err = fmt.Errorf("cancel execution: %w", err)
	}
	st.EndCancel(err)
	return err
}

// LoadMoreMessages loads the page of history before the oldest message.
func (e *Engine) LoadMoreMessages(ctx context.Context, taskID messages.TaskID) (int, bool, error) {
	taskID = e.maps.Resolve(taskID)
	if taskID.IsTemporary() || taskID == 0 {
		return 0, false, nil
	}
	return e.pager.LoadOlder(ctx, taskID)
}

// SelectTask subscribes to a task and synchronizes it with the newest page of
// backend records. A join failure is logged; the records are still loaded.
func (e *Engine) SelectTask(ctx context.Context, taskID messages.TaskID) error {
	taskID = e.maps.Resolve(taskID)
	st := e.table.GetOrCreate(taskID)
	if taskID.IsTemporary() {
		return nil
	}

	join, err := e.transport.JoinTask(ctx, taskID)
	switch {
	case err != nil:
		slog.Warn("join task failed", "task_id", taskID, "error", err)
	case join.Streaming && join.ExecID != "":
		e.maps.BindExec(join.ExecID, taskID)
		st.SeedStreaming(join.ExecID, join.CachedContent)
	}

	records, err := e.history.ListRecords(ctx, rest.ListParams{TaskID: int64(taskID), Limit: e.pageSize})
	if err != nil {
		return fmt.Errorf("select task %d: %w", taskID, err)
	}
	report := st.Merge(e.reconciler, records)
	st.SetHasMore(len(records) >= e.pageSize)
	for _, r := range records {
		if r.ExecID != "" {
			e.maps.BindExec(r.ExecID, taskID)
		}
	}

	slog.Debug("task selected", "task_id", taskID, "records", len(records), "inserted", report.Inserted, "matched", report.Matched)
	e.bus.Publish(events.NewEvent(taskID, events.TaskSyncedPayload{
		Inserted:   report.Inserted,
		Matched:    report.Matched,
		Superseded: report.Superseded,
		Preserved:  report.Preserved,
		Conflicts:  report.Conflicts,
	}))
	return nil
}

// ResetTask forgets a task: its messages, its identity mappings and its
// completion handler.
func (e *Engine) ResetTask(taskID messages.TaskID) {
	taskID = e.maps.Resolve(taskID)
	if st, ok := e.table.Get(taskID); ok {
		st.Reset()
	}
	e.table.Drop(taskID)
	pruned := e.maps.Prune(taskID)
	e.router.SetCompletionHandler(taskID, nil)
	slog.Debug("task reset", "task_id", taskID, "pruned", pruned)
	e.bus.Publish(events.NewEvent(taskID, events.TaskResetPayload{Pruned: pruned}))
}

// OnStreamComplete registers fn to run after each completed execution of the task.
func (e *Engine) OnStreamComplete(taskID messages.TaskID, fn router.CompletionHandler) {
	e.router.SetCompletionHandler(e.maps.Resolve(taskID), fn)
}

// Subscribe registers a handler for engine notifications.
func (e *Engine) Subscribe(handler events.Subscriber, types ...events.EventType) func() {
	return e.bus.Subscribe(handler, types...)
}

// SubscribeChan returns a channel of engine notifications.
func (e *Engine) SubscribeChan(size int, types ...events.EventType) (<-chan events.Event, func()) {
	return e.bus.SubscribeChan(size, types...)
}

// Bus returns the notification bus.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// HandleFrame decodes and routes one transport event frame.
func (e *Engine) HandleFrame(frame ws.Frame) error {
	ev, err := router.Decode(frame)
	if err != nil {
		metrics.EventsDropped.WithLabelValues(frame.Event, "decode").Inc()
		slog.Warn("undecodable event", "event", frame.Event, "error", err)
		return err
	}
	return e.router.Dispatch(ev)
}

// Run routes frames until ctx is done or frames is closed. Frames are applied
// in the order received.
func (e *Engine) Run(ctx context.Context, frames <-chan ws.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			_ = e.HandleFrame(f)
		}
	}
}

// Hidden records that the view went to the background.
func (e *Engine) Hidden(at time.Time) {
	e.recovery.Hidden(at)
}

// Visible records that the view is back and recovers tasks if needed.
func (e *Engine) Visible(ctx context.Context, at time.Time) error {
	return e.recovery.Visible(ctx, at)
}

// Disconnected records a transport drop.
func (e *Engine) Disconnected(at time.Time) {
	e.recovery.Disconnected(at)
}

// Reconnected recovers tasks after a transport drop.
func (e *Engine) Reconnected(ctx context.Context, at time.Time) error {
	return e.recovery.Reconnected(ctx, at)
}

// Resync reconciles every loaded task with the backend.
func (e *Engine) Resync(ctx context.Context) error {
	return e.recovery.RecoverAll(ctx, recovery.TriggerResync, 0)
}

// StartResync runs Resync on a cron schedule: a five-field expression or a
// descriptor such as "@every 1m". An empty schedule disables it.
func (e *Engine) StartResync(ctx context.Context, schedule string) error {
	if schedule == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(schedule, func() {
		if err := e.Resync(ctx); err != nil {
			slog.Debug("scheduled resync", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("parse resync schedule %q: %w", schedule, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return errors.New("resync already started")
	}
	e.cron = c
	c.Start()
	slog.Debug("resync scheduled", "schedule", schedule)
	return nil
}

// Close stops the resync schedule and the notification bus.
func (e *Engine) Close() {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	e.bus.Close()
}

func (e *Engine) publishMessage(st *stream.State, id string) {
	if m, ok := st.Message(id); ok {
		e.bus.Publish(events.NewEvent(st.TaskID(), events.MessageUpdatedPayload{Message: m}))
	}
}
