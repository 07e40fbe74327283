package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dohr-michael/tasklink/internal/messages"
)

type counterSource struct{ n int }

func (c *counterSource) NewString() string {
	c.n++
	return fmt.Sprintf("%d", c.n)
}

func newTestState(t *testing.T) *State {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	table := NewTable(Options{
		IDs: &counterSource{},
		Now: func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		},
	})
	return table.GetOrCreate(7)
}

func strPtr(s string) *string { return &s }

func TestStartAssistantIdempotent(t *testing.T) {
	s := newTestState(t)

	id1 := s.StartAssistant("x")
	id2 := s.StartAssistant("x")

	if id1 != "ai:x" || id2 != "ai:x" {
		t.Fatalf("ids = %q, %q, want ai:x", id1, id2)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if !s.IsStreaming() {
		t.Error("expected task to be streaming")
	}
}

func TestChunksConcatenateInOrder(t *testing.T) {
	s := newTestState(t)
	s.StartAssistant("55")

	for _, d := range []string{"A", "B", "C"} {
		if err := s.AppendChunk("55", d, nil); err != nil {
			t.Fatalf("AppendChunk(%q): %v", d, err)
		}
	}
	if _, err := s.Complete("55", nil, 0); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	m, ok := s.Message("ai:55")
	if !ok {
		t.Fatal("assistant message missing")
	}
	if m.Content != "ABC" {
		t.Errorf("Content = %q, want ABC", m.Content)
	}
	if m.Status != messages.StatusCompleted {
		t.Errorf("Status = %q, want completed", m.Status)
	}
	if s.IsStreaming() {
		t.Error("task still streaming after complete")
	}
}

func TestCompleteFinalContentReplaces(t *testing.T) {
	s := newTestState(t)
	s.StartAssistant("1")
	_ = s.AppendChunk("1", "partial", nil)

	if _, err := s.Complete("1", strPtr("final answer"), 12); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	m, _ := s.Message("ai:1")
	if m.Content != "final answer" {
		t.Errorf("Content = %q, want final answer", m.Content)
	}
	if m.SequenceID != 12 {
		t.Errorf("SequenceID = %d, want 12", m.SequenceID)
	}
}

func TestDuplicateCompleteIsNoop(t *testing.T) {
	s := newTestState(t)
	s.StartAssistant("1")
	_ = s.AppendChunk("1", "abc", nil)
	_, _ = s.Complete("1", nil, 3)

	if _, err := s.Complete("1", nil, 0); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	m, _ := s.Message("ai:1")
	if m.Content != "abc" || m.SequenceID != 3 || m.Status != messages.StatusCompleted {
		t.Errorf("message changed by duplicate complete: %+v", m)
	}
}

func TestResultOverlayReplaces(t *testing.T) {
	s := newTestState(t)
	s.StartAssistant("1")

	_ = s.AppendChunk("1", "a", json.RawMessage(`{"step":1}`))
	_ = s.AppendChunk("1", "b", json.RawMessage(`{"step":2}`))
	_ = s.AppendChunk("1", "c", nil)

	m, _ := s.Message("ai:1")
	if string(m.Result) != `{"step":2}` {
		t.Errorf("Result = %s, want {\"step\":2}", m.Result)
	}
	if m.Content != "abc" {
		t.Errorf("Content = %q, want abc", m.Content)
	}
}

func TestUnknownChunkIsNoop(t *testing.T) {
	s := newTestState(t)
	s.StartAssistant("known")
	before := s.Messages()

	err := s.AppendChunk("does-not-exist", "x", nil)
	if !errors.Is(err, ErrUnknownExecution) {
		t.Fatalf("err = %v, want ErrUnknownExecution", err)
	}

	after := s.Messages()
	if len(after) != len(before) || after[0].Content != before[0].Content {
		t.Errorf("store changed: before %+v after %+v", before, after)
	}
}

func TestFailKeepsContent(t *testing.T) {
	s := newTestState(t)
	s.StartAssistant("1")
	_ = s.AppendChunk("1", "half", nil)

	if _, err := s.Fail("1", "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	m, _ := s.Message("ai:1")
	if m.Status != messages.StatusError || m.Content != "half" || m.Error != "boom" {
		t.Errorf("unexpected message after fail: %+v", m)
	}
	if !errors.Is(s.LastError(), ErrRemoteExecutionFailed) {
		t.Errorf("LastError = %v, want ErrRemoteExecutionFailed", s.LastError())
	}

	if _, err := s.Complete("1", nil, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Complete after Fail err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelKeepsPartialContent(t *testing.T) {
	s := newTestState(t)
	s.StartAssistant("1")
	_ = s.AppendChunk("1", "par", nil)

	if exec := s.BeginCancel(); exec != "1" {
		t.Fatalf("BeginCancel = %q, want 1", exec)
	}
	if !s.IsCancelling() {
		t.Error("expected cancelling flag")
	}
	if _, err := s.Cancel("1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !s.IsCancelling() {
		t.Error("cancelling flag cleared before the backend acknowledged")
	}
	s.EndCancel(nil)

	m, _ := s.Message("ai:1")
	if m.Status != messages.StatusCompleted || m.Content != "par" {
		t.Errorf("unexpected message after cancel: %+v", m)
	}
	if s.IsCancelling() || s.IsStreaming() {
		t.Error("flags not cleared after cancel")
	}
}

func TestOptimisticUserLifecycle(t *testing.T) {
	s := newTestState(t)
	id := s.InsertOptimisticUser("Hello", nil)

	m, ok := s.Message(id)
	if !ok || m.Status != messages.StatusPending || m.HasSequence() {
		t.Fatalf("unexpected optimistic message: %+v", m)
	}

	if err := s.ConfirmUser(id, "s1", 0); err != nil {
		t.Fatalf("ConfirmUser: %v", err)
	}
	if _, err := s.Complete("s1", nil, 100); err != nil {
		t.Fatalf("Complete by user exec: %v", err)
	}

	m, _ = s.Message(id)
	if m.Status != messages.StatusCompleted || m.SequenceID != 100 || m.Content != "Hello" {
		t.Errorf("unexpected confirmed message: %+v", m)
	}
}

func TestConfirmKeepsFirstSequence(t *testing.T) {
	s := newTestState(t)
	id := s.InsertOptimisticUser("again", nil)

	if err := s.ConfirmUser(id, "u1", 5); err != nil {
		t.Fatalf("ConfirmUser: %v", err)
	}
	if err := s.ConfirmUser(id, "u2", 9); err != nil {
		t.Fatalf("second ConfirmUser: %v", err)
	}
	m, _ := s.Message(id)
	if m.ExecID != "u1" || m.SequenceID != 5 {
		t.Errorf("confirmed message rewritten: %+v", m)
	}
}

func TestCompleteReturnsSettledMessage(t *testing.T) {
	s := newTestState(t)
	id := s.InsertOptimisticUser("Hello", nil)
	s.AttachExec(id, "u1")

	got, err := s.Complete("u1", nil, 100)
	if err != nil || got != id {
		t.Errorf("Complete = %q, %v, want %q", got, err, id)
	}

	s.StartAssistant("a1")
	got, err = s.Fail("a1", "boom")
	if err != nil || got != "ai:a1" {
		t.Errorf("Fail = %q, %v, want ai:a1", got, err)
	}
}

func TestConfirmMissingIsSilent(t *testing.T) {
	s := newTestState(t)
	if err := s.ConfirmUser("local:gone", "s1", 1); err != nil {
		t.Fatalf("ConfirmUser on missing id: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestSeedStreamingOverwrites(t *testing.T) {
	s := newTestState(t)
	s.StartAssistant("9")
	_ = s.AppendChunk("9", "par", nil)

	s.SeedStreaming("9", "partial...")

	m, _ := s.Message("ai:9")
	if m.Content != "partial..." {
		t.Errorf("Content = %q, want partial...", m.Content)
	}

	s.SeedStreaming("10", "fresh")
	if m, ok := s.Message("ai:10"); !ok || m.Content != "fresh" {
		t.Errorf("seeded message = %+v, %v", m, ok)
	}
}

func TestMergeHistorySkipsInFlight(t *testing.T) {
	s := newTestState(t)
	s.StartAssistant("live")
	_ = s.AppendChunk("live", "typing", nil)

	added := s.MergeHistory([]messages.Message{
		{ID: "ai:live", Role: messages.RoleAssistant, Status: messages.StatusCompleted, Content: "old", ExecID: "live", SequenceID: 5},
		{ID: "ai:old", Role: messages.RoleAssistant, Status: messages.StatusCompleted, Content: "history", ExecID: "old", SequenceID: 2},
	})

	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	m, _ := s.Message("ai:live")
	if m.Content != "typing" || m.Status != messages.StatusStreaming {
		t.Errorf("streaming message touched: %+v", m)
	}
	if s.MinSequenceID() != 2 {
		t.Errorf("MinSequenceID = %d, want 2", s.MinSequenceID())
	}
}

func TestInsertExternalDedupes(t *testing.T) {
	s := newTestState(t)
	m := messages.Message{Role: messages.RoleUser, Content: "hi from bob", ExecID: "e1", SequenceID: 4}

	if !s.InsertExternal(m) {
		t.Fatal("first InsertExternal returned false")
	}
	if s.InsertExternal(m) {
		t.Error("duplicate InsertExternal returned true")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestTableRekey(t *testing.T) {
	table := NewTable(Options{})
	tmp := table.GetOrCreate(-1)
	tmp.InsertOptimisticUser("hi", nil)

	resolved := table.Rekey(-1, 42)
	if resolved != tmp {
		t.Fatal("expected the placeholder state to be moved")
	}
	if resolved.TaskID() != 42 {
		t.Errorf("TaskID = %d, want 42", resolved.TaskID())
	}
	if _, ok := table.Get(-1); ok {
		t.Error("placeholder still present")
	}

	other := table.GetOrCreate(-2)
	other.InsertOptimisticUser("again", nil)
	merged := table.Rekey(-2, 42)
	if merged != resolved || merged.Len() != 2 {
		t.Errorf("absorb failed: len = %d", merged.Len())
	}
}

func TestAttachExecThenDone(t *testing.T) {
	s := newTestState(t)

	id := s.InsertOptimisticUser("Hello", nil)
	s.AttachExec(id, "u1")
	m, _ := s.Message(id)
	if m.Status != messages.StatusPending || m.ExecID != "u1" {
		t.Fatalf("after attach = %+v", m)
	}

	if _, err := s.Complete("u1", nil, 100); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	m, _ = s.Message(id)
	if m.Status != messages.StatusCompleted || m.SequenceID != 100 || m.Content != "Hello" {
		t.Errorf("after done = %+v", m)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}
