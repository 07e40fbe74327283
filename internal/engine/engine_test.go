package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/tasklink/clients/rest"
	"github.com/dohr-michael/tasklink/internal/events"
	"github.com/dohr-michael/tasklink/internal/gateway/ws"
	"github.com/dohr-michael/tasklink/internal/messages"
)

type fakeTransport struct {
	mu        sync.Mutex
	sendRes   ws.SendMessageResult
	sendErr   error
	join      ws.JoinTaskResult
	joinErr   error
	cancelErr error
	onCancel  func()
	sent      []ws.SendMessageParams
	cancelled []string
}

func (f *fakeTransport) JoinTask(ctx context.Context, taskID messages.TaskID) (ws.JoinTaskResult, error) {
	return f.join, f.joinErr
}

func (f *fakeTransport) SendMessage(ctx context.Context, p ws.SendMessageParams) (ws.SendMessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return f.sendRes, f.sendErr
}

func (f *fakeTransport) CancelExecution(ctx context.Context, taskID messages.TaskID, execID string) error {
	if f.onCancel != nil {
		f.onCancel()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, fmt.Sprintf("%d/%s", taskID, execID))
	return f.cancelErr
}

type fakeHistory struct {
	records []messages.Record
	err     error
}

func (f *fakeHistory) ListRecords(ctx context.Context, p rest.ListParams) ([]messages.Record, error) {
	return f.records, f.err
}

func (f *fakeHistory) TaskDetail(ctx context.Context, taskID messages.TaskID) ([]messages.Record, error) {
	return f.records, f.err
}

type seqIDs struct{ n int }

func (s *seqIDs) NewString() string {
	s.n++
	return fmt.Sprintf("id%d", s.n)
}

func newEngine(t *testing.T, tr *fakeTransport, h *fakeHistory) *Engine {
	t.Helper()
	e := New(tr, h, Options{PageSize: 10, IDs: &seqIDs{}})
	t.Cleanup(e.Close)
	return e
}

func doneFrame(t *testing.T, taskID int64, execID string, seq int64, content *string) ws.Frame {
	t.Helper()
	f, err := ws.NewEventFrame(ws.EventChatDone, taskID, ws.DonePayload{ExecID: execID, SequenceID: seq, Content: content})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	return f
}

func TestSendHelloThenDone(t *testing.T) {
	tr := &fakeTransport{sendRes: ws.SendMessageResult{TaskID: 7, ExecID: "u1"}}
	e := newEngine(t, tr, &fakeHistory{})

	taskID, err := e.SendMessage(context.Background(), 7, "Hello", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if taskID != 7 {
		t.Fatalf("task id = %d, want 7", taskID)
	}
	msgs := e.Messages(7)
	if len(msgs) != 1 || msgs[0].Status != messages.StatusPending || msgs[0].ID != "local:id1" {
		t.Fatalf("after send = %+v, want one pending optimistic message", msgs)
	}

	if err := e.HandleFrame(doneFrame(t, 7, "u1", 100, nil)); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	msgs = e.Messages(7)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Content != "Hello" || m.Status != messages.StatusCompleted || m.SequenceID != 100 {
		t.Errorf("message = %+v", m)
	}
	if tr.sent[0].TaskID != 7 {
		t.Errorf("sent task id = %d, want 7", tr.sent[0].TaskID)
	}
}

func TestSendConfirmedBySequenceInResponse(t *testing.T) {
	tr := &fakeTransport{sendRes: ws.SendMessageResult{TaskID: 7, ExecID: "u1", SequenceID: 41}}
	e := newEngine(t, tr, &fakeHistory{})

	if _, err := e.SendMessage(context.Background(), 7, "hi", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	m := e.Messages(7)[0]
	if m.Status != messages.StatusCompleted || m.SequenceID != 41 || m.ExecID != "u1" {
		t.Errorf("message = %+v", m)
	}
}

func TestSendOnNewTaskResolvesPlaceholder(t *testing.T) {
	tr := &fakeTransport{sendRes: ws.SendMessageResult{TaskID: 12, ExecID: "u1", AssistantExecID: "a1"}}
	e := newEngine(t, tr, &fakeHistory{})

	ch, unsub := e.SubscribeChan(16, events.EventTaskResolved)
	defer unsub()

	taskID, err := e.SendMessage(context.Background(), 0, "new topic", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if taskID != 12 {
		t.Fatalf("task id = %d, want 12", taskID)
	}
	if tr.sent[0].TaskID != 0 {
		t.Errorf("placeholder id leaked to the backend: %d", tr.sent[0].TaskID)
	}
	if len(e.Messages(12)) != 1 {
		t.Fatalf("Messages(12) = %+v", e.Messages(12))
	}
	for _, id := range e.TaskIDs() {
		if id.IsTemporary() {
			t.Errorf("placeholder task %d still in the table", id)
		}
	}

	select {
	case ev := <-ch:
		p, _ := events.GetTaskResolvedPayload(ev)
		if ev.TaskID != 12 || !p.TemporaryID.IsTemporary() {
			t.Errorf("resolved event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task.resolved")
	}

	start, _ := ws.NewEventFrame(ws.EventChatStart, 12, ws.StartPayload{ExecID: "a1"})
	if err := e.HandleFrame(start); err != nil {
		t.Fatalf("HandleFrame(start): %v", err)
	}
	if !e.IsStreaming(12) {
		t.Error("task 12 not streaming after start")
	}
}

func TestSendFailureMarksMessage(t *testing.T) {
	tr := &fakeTransport{sendErr: ws.ErrNotConnected}
	e := newEngine(t, tr, &fakeHistory{})

	_, err := e.SendMessage(context.Background(), 7, "lost", nil)
	if !errors.Is(err, ws.ErrNotConnected) {
		t.Fatalf("SendMessage = %v, want ErrNotConnected", err)
	}
	m := e.Messages(7)[0]
	if m.Status != messages.StatusError || m.Content != "lost" || m.Error == "" {
		t.Errorf("message = %+v", m)
	}
	if !errors.Is(e.LastError(7), ws.ErrNotConnected) {
		t.Errorf("LastError = %v", e.LastError(7))
	}
}

func TestStopStreamIsOptimistic(t *testing.T) {
	tr := &fakeTransport{cancelErr: errors.New("gateway timeout")}
	e := newEngine(t, tr, &fakeHistory{})
	var cancellingInFlight bool
	tr.onCancel = func() { cancellingInFlight = e.IsCancelling(3) }

	start, _ := ws.NewEventFrame(ws.EventChatStart, 3, ws.StartPayload{ExecID: "a1"})
	chunk, _ := ws.NewEventFrame(ws.EventChatChunk, 3, ws.ChunkPayload{ExecID: "a1", Delta: "half an ans"})
	for _, f := range []ws.Frame{start, chunk} {
		if err := e.HandleFrame(f); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}

	if err := e.StopStream(context.Background(), 3); err == nil {
		t.Error("StopStream should report the cancel failure")
	}
	m := e.Messages(3)[0]
	if m.Status != messages.StatusCompleted || m.Content != "half an ans" {
		t.Errorf("message = %+v", m)
	}
	if e.IsStreaming(3) {
		t.Error("still streaming after stop")
	}
	if len(tr.cancelled) != 1 || tr.cancelled[0] != "3/a1" {
		t.Errorf("cancelled = %v", tr.cancelled)
	}
	if !cancellingInFlight {
		t.Error("task not reported as cancelling while the request was in flight")
	}
	if e.IsCancelling(3) {
		t.Error("still cancelling after the request returned")
	}

	// A late cancelled event is harmless.
	late, _ := ws.NewEventFrame(ws.EventChatCancelled, 3, ws.CancelledPayload{ExecID: "a1"})
	if err := e.HandleFrame(late); err != nil {
		t.Errorf("late cancelled: %v", err)
	}
	if err := e.StopStream(context.Background(), 3); err != nil {
		t.Errorf("StopStream with nothing streaming = %v", err)
	}
}

func TestSelectTaskSyncs(t *testing.T) {
	tr := &fakeTransport{join: ws.JoinTaskResult{TaskID: 5, Streaming: true, ExecID: "a2", CachedContent: "so far"}}
	h := &fakeHistory{records: []messages.Record{
		{Role: messages.RoleUser, Content: "q", ExecID: "u1", SequenceID: 1, Status: messages.RecordCompleted},
		{Role: messages.RoleAssistant, Content: "a", ExecID: "a1", SequenceID: 2, Status: messages.RecordCompleted},
	}}
	e := newEngine(t, tr, h)

	if err := e.SelectTask(context.Background(), 5); err != nil {
		t.Fatalf("SelectTask: %v", err)
	}
	msgs := e.Messages(5)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[2].ID != "ai:a2" || msgs[2].Content != "so far" || msgs[2].Status != messages.StatusStreaming {
		t.Errorf("live message = %+v", msgs[2])
	}
	if e.HasMore(5) {
		t.Error("HasMore after a short first page")
	}

	chunk, _ := ws.NewEventFrame(ws.EventChatChunk, 5, ws.ChunkPayload{ExecID: "a2", Delta: "!"})
	if err := e.HandleFrame(chunk); err != nil {
		t.Fatalf("chunk after select: %v", err)
	}
	if got := e.Messages(5)[2].Content; got != "so far!" {
		t.Errorf("content = %q", got)
	}
}

func TestSelectTaskToleratesJoinFailure(t *testing.T) {
	tr := &fakeTransport{joinErr: ws.ErrNotConnected}
	h := &fakeHistory{records: []messages.Record{
		{Role: messages.RoleUser, Content: "q", ExecID: "u1", SequenceID: 1, Status: messages.RecordCompleted},
	}}
	e := newEngine(t, tr, h)

	if err := e.SelectTask(context.Background(), 5); err != nil {
		t.Fatalf("SelectTask: %v", err)
	}
	if len(e.Messages(5)) != 1 {
		t.Errorf("messages = %+v", e.Messages(5))
	}
}

func TestResetTaskPrunesIdentity(t *testing.T) {
	e := newEngine(t, &fakeTransport{}, &fakeHistory{})

	start, _ := ws.NewEventFrame(ws.EventChatStart, 9, ws.StartPayload{ExecID: "x"})
	if err := e.HandleFrame(start); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	e.ResetTask(9)

	if e.Messages(9) != nil {
		t.Errorf("messages survived reset: %+v", e.Messages(9))
	}
	chunk, _ := ws.NewEventFrame(ws.EventChatChunk, 9, ws.ChunkPayload{ExecID: "x", Delta: "y"})
	if err := e.HandleFrame(chunk); err == nil {
		t.Error("chunk for a reset task should be dropped")
	}
}

func TestCompletionHandler(t *testing.T) {
	e := newEngine(t, &fakeTransport{}, &fakeHistory{})

	done := make(chan string, 1)
	e.OnStreamComplete(4, func(taskID messages.TaskID, execID string) { done <- execID })

	start, _ := ws.NewEventFrame(ws.EventChatStart, 4, ws.StartPayload{ExecID: "z"})
	_ = e.HandleFrame(start)
	_ = e.HandleFrame(doneFrame(t, 4, "z", 0, nil))

	select {
	case id := <-done:
		if id != "z" {
			t.Errorf("exec = %q, want z", id)
		}
	default:
		t.Fatal("completion handler not called")
	}
}

func TestHandleFrameRejectsUnknownEvent(t *testing.T) {
	e := newEngine(t, &fakeTransport{}, &fakeHistory{})
	f, _ := ws.NewEventFrame("chat.typing", 1, struct{}{})
	if err := e.HandleFrame(f); err == nil {
		t.Error("expected an error for an unknown event")
	}
}

func TestStartResyncValidatesSchedule(t *testing.T) {
	e := newEngine(t, &fakeTransport{}, &fakeHistory{})
	if err := e.StartResync(context.Background(), "not a schedule"); err == nil {
		t.Error("expected parse error")
	}
	if err := e.StartResync(context.Background(), "@every 1h"); err != nil {
		t.Fatalf("StartResync: %v", err)
	}
	if err := e.StartResync(context.Background(), "@every 1h"); err == nil {
		t.Error("second StartResync should fail")
	}
}

func TestLoadMoreOnPlaceholderIsNoop(t *testing.T) {
	e := newEngine(t, &fakeTransport{}, &fakeHistory{err: errors.New("unused")})
	added, more, err := e.LoadMoreMessages(context.Background(), -3)
	if added != 0 || more || err != nil {
		t.Errorf("LoadMoreMessages = %d, %v, %v", added, more, err)
	}
}

func TestLoadMoreRightAfterSendKeepsStreamLive(t *testing.T) {
	tr := &fakeTransport{sendRes: ws.SendMessageResult{TaskID: 7, ExecID: "u1", AssistantExecID: "a1"}}
	h := &fakeHistory{records: []messages.Record{
		{Role: messages.RoleUser, ExecID: "u1", SequenceID: 1, Content: "Hello", Status: messages.RecordCompleted},
		{Role: messages.RoleAssistant, ExecID: "a1", SequenceID: 2, Content: "par", Status: messages.RecordRunning},
	}}
	e := newEngine(t, tr, h)

	if _, err := e.SendMessage(context.Background(), 7, "Hello", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, _, err := e.LoadMoreMessages(context.Background(), 7); err != nil {
		t.Fatalf("LoadMoreMessages: %v", err)
	}

	chunk, _ := ws.NewEventFrame(ws.EventChatChunk, 7, ws.ChunkPayload{ExecID: "a1", Delta: "tial"})
	if err := e.HandleFrame(chunk); err != nil {
		t.Fatalf("chunk after loading history: %v", err)
	}

	msgs := e.Messages(7)
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].ID != "local:id1" || msgs[0].Status != messages.StatusCompleted || msgs[0].SequenceID != 1 {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Status != messages.StatusStreaming || msgs[1].Content != "partial" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if !e.IsStreaming(7) {
		t.Error("task not streaming")
	}
}
