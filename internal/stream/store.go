// Package stream holds per-task conversation state: the message store and the
// lifecycle transitions applied to it by local actions and transport events.
package stream

import (
	"github.com/dohr-michael/tasklink/internal/messages"
)

// Store is an associative container of messages keyed by id. It is not safe for
// concurrent use; State serializes access to it.
type Store struct {
	byID map[string]*messages.Message
}

func newStore() *Store {
	return &Store{byID: make(map[string]*messages.Message)}
}

func (s *Store) get(id string) (*messages.Message, bool) {
	m, ok := s.byID[id]
	return m, ok
}

func (s *Store) put(m messages.Message) {
	cp := m.Clone()
	s.byID[m.ID] = &cp
}

func (s *Store) remove(id string) {
	delete(s.byID, id)
}

func (s *Store) len() int {
	return len(s.byID)
}

// findExec returns the message for an execution: the assistant message first,
// otherwise the user message that was confirmed with that execution id.
func (s *Store) findExec(execID string) (*messages.Message, bool) {
	if execID == "" {
		return nil, false
	}
	if m, ok := s.byID[messages.AssistantID(execID)]; ok {
		return m, true
	}
	for _, m := range s.byID {
		if m.ExecID == execID {
			return m, true
		}
	}
	return nil, false
}

// snapshot returns ordered copies of every message.
func (s *Store) snapshot() []messages.Message {
	out := make([]messages.Message, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m.Clone())
	}
	messages.Sort(out)
	return out
}

// replace swaps the whole content of the store.
func (s *Store) replace(msgs []messages.Message) {
	s.byID = make(map[string]*messages.Message, len(msgs))
	for _, m := range msgs {
		s.put(m)
	}
}

func (s *Store) hasStatus(status messages.Status) bool {
	for _, m := range s.byID {
		if m.Status == status {
			return true
		}
	}
	return false
}

func (s *Store) minSequence() int64 {
	var min int64
	for _, m := range s.byID {
		if m.HasSequence() && (min == 0 || m.SequenceID < min) {
			min = m.SequenceID
		}
	}
	return min
}
