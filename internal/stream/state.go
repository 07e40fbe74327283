package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dohr-michael/tasklink/internal/messages"
)

// MergeReport summarizes one reconciliation pass.
type MergeReport struct {
	Inserted   int // authoritative records with no local equivalent
	Matched    int // records merged into an existing message
	Superseded int // matched optimistic messages replaced by the authoritative copy
	Unchanged  int // matched messages that already carried the authoritative state
	Preserved  int // unmatched local messages kept
	Conflicts  int // role disagreements resolved in favour of the backend
}

// Merger folds authoritative records into a snapshot of a task's messages.
type Merger interface {
	Merge(existing []messages.Message, records []messages.Record) ([]messages.Message, MergeReport)
}

// State is the stream state of one task. All methods are safe for concurrent
// use; each one is atomic with respect to the others.
type State struct {
	mu           sync.Mutex
	taskID       messages.TaskID
	store        *Store
	activeExecID string
	cancelling   bool
	lastError    error
	hasMore      bool

	ids messages.IDSource
	now func() time.Time
}

func newState(taskID messages.TaskID, opts Options) *State {
	return &State{
		taskID:  taskID,
		store:   newStore(),
		hasMore: true,
		ids:     opts.IDs,
		now:     opts.Now,
	}
}

// TaskID returns the task this state belongs to.
func (s *State) TaskID() messages.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// InsertOptimisticUser adds a pending user message and returns its id.
func (s *State) InsertOptimisticUser(content string, attachments json.RawMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := messages.Message{
		ID:          messages.NewLocalID(s.ids),
		Role:        messages.RoleUser,
		Status:      messages.StatusPending,
		Content:     content,
		Timestamp:   s.now(),
		Attachments: attachments,
	}
	s.store.put(m)
	return m.ID
}

// ConfirmUser stamps the backend identifiers onto an optimistic user message
// and completes it. A message that no longer exists, or already carries a
// sequence id, is ignored.
func (s *State) ConfirmUser(id, execID string, sequenceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.store.get(id)
	if !ok || m.HasSequence() {
		return nil
	}
	if !messages.CanTransition(m.Role, m.Status, messages.StatusCompleted) {
		return fmt.Errorf("confirm %s from %s: %w", id, m.Status, ErrInvalidTransition)
	}
	m.Status = messages.StatusCompleted
	if execID != "" {
		m.ExecID = execID
	}
	if sequenceID > 0 {
		m.SequenceID = sequenceID
	}
	return nil
}

// AttachExec stamps the backend execution id onto a pending user message
// without completing it; the execution's done event or a reconcile settles it.
func (s *State) AttachExec(id, execID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.store.get(id); ok && m.Status == messages.StatusPending && execID != "" {
		m.ExecID = execID
	}
}

// FailUser marks an optimistic user message as failed, e.g. when sending it
// could not reach the backend.
func (s *State) FailUser(id string, reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.store.get(id)
	if !ok {
		return nil
	}
	if !messages.CanTransition(m.Role, m.Status, messages.StatusError) {
		return fmt.Errorf("fail %s from %s: %w", id, m.Status, ErrInvalidTransition)
	}
	m.Status = messages.StatusError
	m.Error = reason.Error()
	s.lastError = reason
	return nil
}

// StartAssistant creates the streaming assistant message for execID, or
// returns the existing one.
func (s *State) StartAssistant(execID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(execID)
}

func (s *State) startLocked(execID string) string {
	id := messages.AssistantID(execID)
	if m, ok := s.store.get(id); ok {
		if m.Status == messages.StatusStreaming {
			s.activeExecID = execID
		}
		return id
	}
	s.store.put(messages.Message{
		ID:        id,
		Role:      messages.RoleAssistant,
		Status:    messages.StatusStreaming,
		Timestamp: s.now(),
		ExecID:    execID,
	})
	s.activeExecID = execID
	return id
}

// AppendChunk appends delta to the streaming message of execID. A non-nil
// overlay replaces the structured result.
func (s *State) AppendChunk(execID, delta string, overlay json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.store.get(messages.AssistantID(execID))
	if !ok {
		return fmt.Errorf("chunk for %s: %w", execID, ErrUnknownExecution)
	}
	if m.Status != messages.StatusStreaming {
		return fmt.Errorf("chunk for %s in %s: %w", execID, m.Status, ErrInvalidTransition)
	}
	m.Content += delta
	if overlay != nil {
		m.Result = append(json.RawMessage(nil), overlay...)
	}
	return nil
}

// Complete finishes the execution and returns the id of the message it
// settled. finalContent, when set, replaces whatever was streamed. Completing
// an already completed message only refreshes the content and sequence id.
func (s *State) Complete(execID string, finalContent *string, sequenceID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked(execID, finalContent, sequenceID)
}

func (s *State) completeLocked(execID string, finalContent *string, sequenceID int64) (string, error) {
	m, ok := s.store.findExec(execID)
	if !ok {
		return "", fmt.Errorf("complete %s: %w", execID, ErrUnknownExecution)
	}
	if !messages.CanTransition(m.Role, m.Status, messages.StatusCompleted) {
		return m.ID, fmt.Errorf("complete %s from %s: %w", execID, m.Status, ErrInvalidTransition)
	}
	m.Status = messages.StatusCompleted
	if finalContent != nil {
		m.Content = *finalContent
	}
	if sequenceID > 0 {
		m.SequenceID = sequenceID
	}
	if s.activeExecID == execID {
		s.activeExecID = ""
	}
	return m.ID, nil
}

// Fail marks the execution as failed and returns the id of that message.
// Accumulated content is kept.
func (s *State) Fail(execID, errorText string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.store.findExec(execID)
	if !ok {
		return "", fmt.Errorf("fail %s: %w", execID, ErrUnknownExecution)
	}
	if !messages.CanTransition(m.Role, m.Status, messages.StatusError) {
		return m.ID, fmt.Errorf("fail %s from %s: %w", execID, m.Status, ErrInvalidTransition)
	}
	m.Status = messages.StatusError
	m.Error = errorText
	s.lastError = fmt.Errorf("%w: %s", ErrRemoteExecutionFailed, errorText)
	if s.activeExecID == execID {
		s.activeExecID = ""
	}
	return m.ID, nil
}

// Cancel completes the execution keeping its partial content.
func (s *State) Cancel(execID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked(execID, nil, 0)
}

// BeginCancel flags the task as cancelling and returns the execution being
// stopped, or "" when nothing is streaming. The flag stays set until
// EndCancel, even once the message is settled locally.
func (s *State) BeginCancel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeExecID == "" {
		return ""
	}
	s.cancelling = true
	return s.activeExecID
}

// EndCancel clears the cancelling flag and records err, if any.
func (s *State) EndCancel(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelling = false
	if err != nil {
		s.lastError = err
	}
}

// SeedStreaming overwrites the content of the streaming message for execID
// with cached content, creating the message when missing. Settled messages
// are left alone.
func (s *State) SeedStreaming(execID, cached string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.startLocked(execID)
	if m, _ := s.store.get(id); m.Status == messages.StatusStreaming {
		m.Content = cached
	}
	return id
}

// Merge replaces the store with the merger's view of the current messages and
// the authoritative records.
func (s *State) Merge(m Merger, records []messages.Record) MergeReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, report := m.Merge(s.store.snapshot(), records)
	s.store.replace(merged)

	if s.activeExecID != "" {
		if cur, ok := s.store.get(messages.AssistantID(s.activeExecID)); !ok || cur.Status != messages.StatusStreaming {
			s.activeExecID = ""
		}
	}
	if s.activeExecID == "" {
		for _, msg := range s.store.byID {
			if msg.Role == messages.RoleAssistant && msg.Status == messages.StatusStreaming {
				s.activeExecID = msg.ExecID
				break
			}
		}
	}
	return report
}

// MergeHistory inserts settled history messages. Messages that are still
// pending or streaming locally are never touched. It returns how many
// messages were added.
func (s *State) MergeHistory(history []messages.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, h := range history {
		existing, ok := s.equivalentLocked(h)
		if !ok {
			s.store.put(h)
			added++
			continue
		}
		if existing.Status.InFlight() {
			continue
		}
		id := existing.ID
		h.ID = id
		s.store.put(h)
	}
	return added
}

func (s *State) equivalentLocked(m messages.Message) (*messages.Message, bool) {
	if existing, ok := s.store.get(m.ID); ok {
		return existing, true
	}
	for _, existing := range s.store.byID {
		if m.ExecID != "" && existing.ExecID == m.ExecID && existing.Role == m.Role {
			return existing, true
		}
		if m.HasSequence() && existing.SequenceID == m.SequenceID {
			return existing, true
		}
	}
	return nil, false
}

// InsertExternal adds a completed message authored by another observer of the
// task, unless a message for the same execution already exists.
func (s *State) InsertExternal(m messages.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.store.findExec(m.ExecID); ok {
		return false
	}
	if m.ID == "" {
		m.ID = messages.RecordID(m.Role, m.ExecID, m.SequenceID)
	}
	if _, ok := s.store.get(m.ID); ok {
		return false
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	m.Status = messages.StatusCompleted
	s.store.put(m)
	return true
}

// Absorb copies every message of other that has no equivalent here. It is used
// when a placeholder task is resolved onto a state that already exists.
func (s *State) Absorb(other []messages.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range other {
		if _, ok := s.equivalentLocked(m); ok {
			continue
		}
		s.store.put(m)
		if m.Role == messages.RoleAssistant && m.Status == messages.StatusStreaming && s.activeExecID == "" {
			s.activeExecID = m.ExecID
		}
	}
}

// Messages returns the ordered read-only projection of the task.
func (s *State) Messages() []messages.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.snapshot()
}

// Message returns a copy of the message with the given id.
func (s *State) Message(id string) (messages.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.store.get(id)
	if !ok {
		return messages.Message{}, false
	}
	return m.Clone(), true
}

// Len returns the number of messages.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.len()
}

// IsStreaming reports whether an execution is currently streaming.
func (s *State) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeExecID != ""
}

// ActiveExecID returns the execution currently streaming, if any.
func (s *State) ActiveExecID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeExecID
}

// IsCancelling reports whether a stop request is in progress.
func (s *State) IsCancelling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelling
}

// HasStreaming reports whether any message is still streaming.
func (s *State) HasStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.hasStatus(messages.StatusStreaming)
}

// LastError returns the most recent error recorded for the task.
func (s *State) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// MinSequenceID returns the smallest sequence id present, or 0.
func (s *State) MinSequenceID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.minSequence()
}

// HasMore reports whether older history may still exist on the backend.
func (s *State) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// SetHasMore records whether older history remains.
func (s *State) SetHasMore(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasMore = v
}

// Reset drops every message and flag.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = newStore()
	s.activeExecID = ""
	s.cancelling = false
	s.lastError = nil
	s.hasMore = true
}

// ExecIDs returns every execution id referenced by the task's messages.
func (s *State) ExecIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.store.byID {
		if m.ExecID != "" {
			out = append(out, m.ExecID)
		}
	}
	return out
}
