package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/tasklink/internal/gateway/ws"
	"github.com/dohr-michael/tasklink/internal/messages"
	"github.com/dohr-michael/tasklink/internal/metrics"
	"github.com/dohr-michael/tasklink/internal/storage/sqlstore"
)

var (
	ErrEmptyMessage     = errors.New("message content is empty")
	ErrExecutionRunning = errors.New("an execution is already running for this task")
	ErrUnknownExecution = errors.New("unknown execution")
)

// Emitter delivers events to the connections subscribed to a task.
type Emitter interface {
	Emit(taskID int64, event string, payload any)
}

// Responder produces the assistant reply for a user message.
type Responder func(prompt string) string

// EchoResponder answers with the prompt it received.
func EchoResponder(prompt string) string {
	return "You said: " + prompt
}

type execution struct {
	taskID  int64
	execID  string
	reply   string
	cancel  context.CancelFunc
	ctx     context.Context
	started bool

	mu      sync.Mutex
	content strings.Builder
}

func (e *execution) cached() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content.String()
}

// Executor implements ws.Backend with simulated assistant executions that
// stream their reply word by word.
type Executor struct {
	store      *sqlstore.Store
	emitter    Emitter
	respond    Responder
	chunkDelay time.Duration

	mu      sync.Mutex
	running map[string]*execution // by exec id
	byTask  map[int64]string
	wg      sync.WaitGroup
	closed  bool
}

// NewExecutor creates an Executor persisting to store and emitting through emitter.
func NewExecutor(store *sqlstore.Store, emitter Emitter, respond Responder, chunkDelay time.Duration) *Executor {
	if respond == nil {
		respond = EchoResponder
	}
	return &Executor{
		store:      store,
		emitter:    emitter,
		respond:    respond,
		chunkDelay: chunkDelay,
		running:    make(map[string]*execution),
		byTask:     make(map[int64]string),
	}
}

// JoinTask reports the task's in-flight execution, if any.
func (x *Executor) JoinTask(ctx context.Context, taskID int64) (ws.JoinTaskResult, error) {
	if _, err := x.store.GetTask(ctx, taskID); err != nil {
		return ws.JoinTaskResult{}, err
	}
	res := ws.JoinTaskResult{TaskID: taskID}

	x.mu.Lock()
	defer x.mu.Unlock()
	if execID, ok := x.byTask[taskID]; ok {
		e := x.running[execID]
		res.Streaming = e.started
		res.ExecID = execID
		res.CachedContent = e.cached()
	}
	return res, nil
}

// SendMessage records the user message, creating the task when TaskID <= 0,
// and reserves the assistant execution that StartReply runs.
func (x *Executor) SendMessage(ctx context.Context, p ws.SendMessageParams) (ws.SendMessageResult, error) {
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return ws.SendMessageResult{}, ErrEmptyMessage
	}

	taskID := p.TaskID
	if taskID <= 0 {
		t, err := x.store.CreateTask(ctx, titleFrom(content))
		if err != nil {
			return ws.SendMessageResult{}, err
		}
		taskID = t.ID
		slog.Info("task created", "task_id", taskID)
	} else if _, err := x.store.GetTask(ctx, taskID); err != nil {
		return ws.SendMessageResult{}, err
	}

	// Reserve the task's single execution slot before writing anything.
	assistantExec := uuid.NewString()
	reply := x.respond(p.Content)
	runCtx, cancel := context.WithCancel(context.Background())
	x.mu.Lock()
	if _, busy := x.byTask[taskID]; busy {
		x.mu.Unlock()
		cancel()
		return ws.SendMessageResult{}, ErrExecutionRunning
	}
	x.running[assistantExec] = &execution{
		taskID: taskID,
		execID: assistantExec,
		reply:  reply,
		ctx:    runCtx,
		cancel: cancel,
	}
	x.byTask[taskID] = assistantExec
	x.mu.Unlock()

	userExec := uuid.NewString()
	user, err := x.store.AppendRecord(ctx, messages.Record{
		TaskID:      messages.TaskID(taskID),
		Role:        messages.RoleUser,
		Content:     p.Content,
		ExecID:      userExec,
		Attachments: p.Attachments,
		Status:      messages.RecordCompleted,
	})
	if err == nil {
		_, err = x.store.AppendRecord(ctx, messages.Record{
			TaskID: messages.TaskID(taskID),
			Role:   messages.RoleAssistant,
			ExecID: assistantExec,
			Status: messages.RecordRunning,
		})
	}
	if err != nil {
		x.release(taskID, assistantExec)
		return ws.SendMessageResult{}, err
	}

	return ws.SendMessageResult{
		TaskID:          taskID,
		ExecID:          userExec,
		SequenceID:      user.SequenceID,
		AssistantExecID: assistantExec,
	}, nil
}

// StartReply streams the reserved execution's reply in the background.
func (x *Executor) StartReply(taskID int64, execID string) {
	x.mu.Lock()
	e, ok := x.running[execID]
	if !ok || e.taskID != taskID || e.started || x.closed {
		x.mu.Unlock()
		return
	}
	e.started = true
	x.wg.Add(1)
	x.mu.Unlock()

	metrics.ExecutionsStarted.Inc()
	go func() {
		defer x.wg.Done()
		x.run(e)
	}()
}

func (x *Executor) run(e *execution) {
	x.emitter.Emit(e.taskID, ws.EventChatStart, ws.StartPayload{ExecID: e.execID})

	cancelled := false
	for i, word := range strings.SplitAfter(e.reply, " ") {
		if i > 0 && x.chunkDelay > 0 {
			select {
			case <-e.ctx.Done():
			case <-time.After(x.chunkDelay):
			}
		}
		if e.ctx.Err() != nil {
			cancelled = true
			break
		}
		e.mu.Lock()
		e.content.WriteString(word)
		e.mu.Unlock()
		x.emitter.Emit(e.taskID, ws.EventChatChunk, ws.ChunkPayload{ExecID: e.execID, Delta: word})
	}

	x.finish(e, cancelled)
}

func (x *Executor) finish(e *execution, cancelled bool) {
	x.mu.Lock()
	delete(x.running, e.execID)
	delete(x.byTask, e.taskID)
	x.mu.Unlock()
	e.cancel()

	content := e.cached()
	status := messages.RecordCompleted
	if cancelled {
		status = messages.RecordCancelled
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := x.store.FinishRecord(ctx, e.execID, content, status, "")
	if err != nil {
		slog.Error("finish execution record", "task_id", e.taskID, "exec_id", e.execID, "error", err)
		metrics.ExecutionsFinished.WithLabelValues("failed").Inc()
		x.emitter.Emit(e.taskID, ws.EventChatError, ws.ErrorPayload{ExecID: e.execID, Message: err.Error()})
		return
	}

	if cancelled {
		metrics.ExecutionsFinished.WithLabelValues("cancelled").Inc()
		slog.Info("execution cancelled", "task_id", e.taskID, "exec_id", e.execID)
		x.emitter.Emit(e.taskID, ws.EventChatCancelled, ws.CancelledPayload{ExecID: e.execID})
		return
	}
	metrics.ExecutionsFinished.WithLabelValues("completed").Inc()
	slog.Debug("execution completed", "task_id", e.taskID, "exec_id", e.execID, "sequence_id", rec.SequenceID)
	x.emitter.Emit(e.taskID, ws.EventChatDone, ws.DonePayload{ExecID: e.execID, Content: &content, SequenceID: rec.SequenceID})
}

// CancelExecution stops a running execution of the task.
func (x *Executor) CancelExecution(ctx context.Context, taskID int64, execID string) error {
	x.mu.Lock()
	e, ok := x.running[execID]
	if !ok || e.taskID != taskID {
		x.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", execID, ErrUnknownExecution)
	}
	e.cancel()
	// Never started: settle it here since no run loop will.
	settle := !e.started
	if settle {
		e.started = true
		x.wg.Add(1)
	}
	x.mu.Unlock()

	if settle {
		go func() {
			defer x.wg.Done()
			x.finish(e, true)
		}()
	}
	return nil
}

// release drops a reservation whose records could not be written.
func (x *Executor) release(taskID int64, execID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.running[execID]; ok && !e.started {
		e.cancel()
		delete(x.running, execID)
		if x.byTask[taskID] == execID {
			delete(x.byTask, taskID)
		}
	}
}

// Streaming reports whether the task has a running execution.
func (x *Executor) Streaming(taskID int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.byTask[taskID]
	return ok
}

// Close cancels every execution and waits for them to settle.
func (x *Executor) Close() {
	x.mu.Lock()
	x.closed = true
	for _, e := range x.running {
		e.cancel()
	}
	x.mu.Unlock()
	x.wg.Wait()
}

func titleFrom(content string) string {
	const maxTitle = 48
	title := []rune(strings.Join(strings.Fields(content), " "))
	if len(title) > maxTitle {
		return string(title[:maxTitle]) + "..."
	}
	return string(title)
}
