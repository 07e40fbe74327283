package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/dohr-michael/tasklink/internal/messages"
)

// Options configures new states.
type Options struct {
	IDs messages.IDSource // random source for optimistic ids (default: uuid)
	Now func() time.Time  // clock (default: time.Now)
}

// Table is the task-keyed table of stream states.
type Table struct {
	mu     sync.RWMutex
	states map[messages.TaskID]*State
	opts   Options
}

// NewTable creates an empty table.
func NewTable(opts Options) *Table {
	if opts.IDs == nil {
		opts.IDs = messages.UUIDSource{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Table{
		states: make(map[messages.TaskID]*State),
		opts:   opts,
	}
}

// Get returns the state of a task, if it exists.
func (t *Table) Get(id messages.TaskID) (*State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[id]
	return s, ok
}

// GetOrCreate returns the state of a task, creating an empty one if needed.
func (t *Table) GetOrCreate(id messages.TaskID) *State {
	t.mu.RLock()
	s, ok := t.states[id]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[id]; ok {
		return s
	}
	s = newState(id, t.opts)
	t.states[id] = s
	return s
}

// Rekey moves the state of a placeholder task under its real id. When the
// real id already has a state, the placeholder's messages are absorbed into it.
func (t *Table) Rekey(from, to messages.TaskID) *State {
	t.mu.Lock()
	defer t.mu.Unlock()

	src, ok := t.states[from]
	dst, exists := t.states[to]
	switch {
	case !ok && exists:
		return dst
	case !ok:
		dst = newState(to, t.opts)
		t.states[to] = dst
		return dst
	case exists:
		delete(t.states, from)
		dst.Absorb(src.Messages())
		return dst
	default:
		delete(t.states, from)
		src.mu.Lock()
		src.taskID = to
		src.mu.Unlock()
		t.states[to] = src
		return src
	}
}

// Drop removes the state of a task.
func (t *Table) Drop(id messages.TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}

// TaskIDs returns the ids of every known task in ascending order.
func (t *Table) TaskIDs() []messages.TaskID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]messages.TaskID, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
