package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/tasklink/clients/rest"
	wsclient "github.com/dohr-michael/tasklink/clients/ws"
	"github.com/dohr-michael/tasklink/internal/engine"
	"github.com/dohr-michael/tasklink/internal/gateway/ws"
	"github.com/dohr-michael/tasklink/internal/messages"
	"github.com/dohr-michael/tasklink/internal/storage/sqlstore"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.Open(filepath.Join(t.TempDir(), "backend.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *sqlstore.Store) {
	t.Helper()
	store := newTestStore(t)
	srv := NewServer(store, "localhost", 0, opts...)
	t.Cleanup(func() {
		srv.executor.Close()
		srv.hub.Close()
	})
	return srv, store
}

type recordedEvent struct {
	taskID  int64
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
	done   chan struct{}
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{done: make(chan struct{}, 8)}
}

func (r *recordingEmitter) Emit(taskID int64, event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{taskID, event, payload})
	r.mu.Unlock()
	switch event {
	case ws.EventChatDone, ws.EventChatCancelled, ws.EventChatError:
		r.done <- struct{}{}
	}
}

func (r *recordingEmitter) snapshot() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

func (r *recordingEmitter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the execution to finish")
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body rest.Health
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", body.Status)
	}
}

func TestHandleRecords(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, "paged")
	for i := 0; i < 5; i++ {
		if _, err := store.AppendRecord(ctx, messages.Record{TaskID: messages.TaskID(task.ID), Role: messages.RoleUser, Content: "m"}); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	client := rest.New(ts.URL, time.Second)

	page, err := client.ListRecords(ctx, rest.ListParams{TaskID: task.ID, Limit: 2})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(page) != 2 || page[0].SequenceID >= page[1].SequenceID {
		t.Fatalf("newest page = %+v", page)
	}
	older, err := client.ListRecords(ctx, rest.ListParams{TaskID: task.ID, Limit: 10, BeforeSequenceID: page[0].SequenceID})
	if err != nil {
		t.Fatalf("ListRecords(before): %v", err)
	}
	if len(older) != 3 {
		t.Errorf("older page has %d records, want 3", len(older))
	}

	detail, err := client.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if detail.Title != "paged" || len(detail.Items) != 5 || detail.Records != 5 {
		t.Errorf("detail = %+v", detail)
	}

	_, err = client.ListRecords(ctx, rest.ListParams{TaskID: 999})
	var se *rest.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("ListRecords(missing) = %v, want 404", err)
	}
}

func TestHandleRecordsRejectsBadParams(t *testing.T) {
	srv, store := newTestServer(t)
	if _, err := store.CreateTask(context.Background(), "t"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for _, path := range []string{"/api/tasks/abc/records", "/api/tasks/1/records?limit=-1", "/api/tasks/1/records?before=x"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", path, w.Code)
		}
	}
}

func TestExecutorStreamsReply(t *testing.T) {
	store := newTestStore(t)
	em := newRecordingEmitter()
	x := NewExecutor(store, em, nil, 0)
	defer x.Close()
	ctx := context.Background()

	res, err := x.SendMessage(ctx, ws.SendMessageParams{Content: "hi there"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.TaskID <= 0 || res.SequenceID <= 0 || res.AssistantExecID == "" {
		t.Fatalf("result = %+v", res)
	}
	x.StartReply(res.TaskID, res.AssistantExecID)
	em.wait(t)

	evs := em.snapshot()
	if evs[0].event != ws.EventChatStart {
		t.Errorf("first event = %s", evs[0].event)
	}
	var streamed strings.Builder
	for _, e := range evs {
		if c, ok := e.payload.(ws.ChunkPayload); ok {
			streamed.WriteString(c.Delta)
		}
	}
	last := evs[len(evs)-1]
	done, ok := last.payload.(ws.DonePayload)
	if !ok || last.event != ws.EventChatDone {
		t.Fatalf("last event = %+v", last)
	}
	if *done.Content != "You said: hi there" || streamed.String() != *done.Content {
		t.Errorf("done content %q, streamed %q", *done.Content, streamed.String())
	}
	if done.SequenceID <= res.SequenceID {
		t.Errorf("assistant sequence %d not after user sequence %d", done.SequenceID, res.SequenceID)
	}

	records, _ := store.ListRecords(ctx, res.TaskID, 0, 0)
	if len(records) != 2 || records[1].Status != messages.RecordCompleted || records[1].Content != *done.Content {
		t.Errorf("records = %+v", records)
	}
	if x.Streaming(res.TaskID) {
		t.Error("task still streaming")
	}
}

func TestExecutorCancel(t *testing.T) {
	store := newTestStore(t)
	em := newRecordingEmitter()
	x := NewExecutor(store, em, nil, time.Hour)
	defer x.Close()
	ctx := context.Background()

	res, err := x.SendMessage(ctx, ws.SendMessageParams{Content: "long answer please"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := x.SendMessage(ctx, ws.SendMessageParams{TaskID: res.TaskID, Content: "again"}); !errors.Is(err, ErrExecutionRunning) {
		t.Errorf("second send = %v, want ErrExecutionRunning", err)
	}
	x.StartReply(res.TaskID, res.AssistantExecID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		join, _ := x.JoinTask(ctx, res.TaskID)
		if join.CachedContent != "" {
			if !join.Streaming || join.ExecID != res.AssistantExecID || join.CachedContent != "You " {
				t.Fatalf("join = %+v", join)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first chunk never streamed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := x.CancelExecution(ctx, res.TaskID, "nope"); !errors.Is(err, ErrUnknownExecution) {
		t.Errorf("cancel unknown = %v", err)
	}
	if err := x.CancelExecution(ctx, res.TaskID, res.AssistantExecID); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}
	em.wait(t)

	evs := em.snapshot()
	if last := evs[len(evs)-1]; last.event != ws.EventChatCancelled {
		t.Errorf("last event = %s, want chat.cancelled", last.event)
	}
	records, _ := store.ListRecords(ctx, res.TaskID, 0, 0)
	if got := records[len(records)-1]; got.Status != messages.RecordCancelled || got.Content != "You " {
		t.Errorf("assistant record = %+v", got)
	}
}

func TestExecutorRejectsEmptyAndUnknownTask(t *testing.T) {
	x := NewExecutor(newTestStore(t), newRecordingEmitter(), nil, 0)
	defer x.Close()
	ctx := context.Background()

	if _, err := x.SendMessage(ctx, ws.SendMessageParams{Content: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty = %v", err)
	}
	if _, err := x.SendMessage(ctx, ws.SendMessageParams{TaskID: 42, Content: "x"}); !errors.Is(err, sqlstore.ErrNotFound) {
		t.Errorf("unknown task = %v", err)
	}
	if _, err := x.JoinTask(ctx, 42); !errors.Is(err, sqlstore.ErrNotFound) {
		t.Errorf("join unknown = %v", err)
	}
}

func TestExecutorOneExecutionPerTask(t *testing.T) {
	store := newTestStore(t)
	x := NewExecutor(store, newRecordingEmitter(), nil, 0)
	t.Cleanup(x.Close)

	ctx := context.Background()
	task, err := store.CreateTask(ctx, "race")
	if err != nil {
		t.Fatal(err)
	}

	const senders = 8
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := x.SendMessage(ctx, ws.SendMessageParams{TaskID: task.ID, Content: "go"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrExecutionRunning):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d sends accepted, want 1", ok)
	}
	records, err := store.ListRecords(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("records = %d, want one user and one assistant", len(records))
	}
}

func TestTitleFromTruncatesRunes(t *testing.T) {
	long := strings.Repeat("é", 60)
	got := titleFrom("  " + long + "  ")
	if want := strings.Repeat("é", 48) + "..."; got != want {
		t.Errorf("titleFrom = %q, want %q", got, want)
	}
	if got := titleFrom("fix   the\tbuild"); got != "fix the build" {
		t.Errorf("titleFrom = %q", got)
	}
}

func TestLoadSeed(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "seed.yaml")
	seed := `tasks:
  - title: Release notes
    records:
      - role: user
        content: Draft the notes
        user_id: u-1
        user_name: ana
      - role: assistant
        content: Here is a draft.
  - title: Empty
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	n, err := LoadSeed(ctx, store, path)
	if err != nil || n != 2 {
		t.Fatalf("LoadSeed = %d, %v", n, err)
	}
	n, err = LoadSeed(ctx, store, path)
	if err != nil || n != 0 {
		t.Fatalf("second LoadSeed = %d, %v, want no-op", n, err)
	}

	tasks, _ := store.ListTasks(ctx)
	var notes sqlstore.Task
	for _, tk := range tasks {
		if tk.Title == "Release notes" {
			notes = tk
		}
	}
	records, _ := store.ListRecords(ctx, notes.ID, 0, 0)
	if len(records) != 2 || records[0].Sender == nil || records[0].Sender.UserName != "ana" || records[1].Role != messages.RoleAssistant {
		t.Errorf("records = %+v", records)
	}
}

func TestLoadSeedRejectsUnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	_ = os.WriteFile(path, []byte("tasks:\n  - title: x\n    records:\n      - role: system\n        content: y\n"), 0o644)
	if _, err := LoadSeed(context.Background(), newTestStore(t), path); err == nil {
		t.Error("expected an error for role system")
	}
}

// The engine, the websocket session and the REST client against a live backend.
func TestEngineAgainstBackend(t *testing.T) {
	srv, _ := newTestServer(t, WithChunkDelay(time.Millisecond))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connected := make(chan struct{}, 1)
	session := wsclient.NewSession("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", wsclient.SessionOptions{
		OnConnect: func(context.Context, bool) {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
	})
	go func() { _ = session.Run(ctx) }()

	eng := engine.New(session, rest.New(ts.URL, time.Second), engine.Options{PageSize: 20})
	defer eng.Close()
	go func() { _ = eng.Run(ctx, session.Events()) }()

	select {
	case <-connected:
	case <-ctx.Done():
		t.Fatal("session never connected")
	}

	taskID, err := eng.SendMessage(ctx, 0, "Hello", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if taskID.IsTemporary() {
		t.Fatalf("task id %d not resolved", taskID)
	}

	var msgs []messages.Message
	for {
		msgs = eng.Messages(taskID)
		if len(msgs) == 2 && msgs[1].Status == messages.StatusCompleted {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("reply never completed: %+v", msgs)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if msgs[0].Content != "Hello" || msgs[0].Status != messages.StatusCompleted || !msgs[0].HasSequence() {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Content != "You said: Hello" || msgs[1].Role != messages.RoleAssistant {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	// A full sync against the stored records changes nothing.
	if err := eng.SelectTask(ctx, taskID); err != nil {
		t.Fatalf("SelectTask: %v", err)
	}
	if after := eng.Messages(taskID); len(after) != 2 || after[0].ID != msgs[0].ID {
		t.Errorf("messages after sync = %+v", after)
	}
}
