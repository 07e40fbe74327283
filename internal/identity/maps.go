// Package identity tracks which task an execution belongs to, resolves
// placeholder task ids, and matches backend records to local messages.
package identity

import (
	"sync"

	"github.com/dohr-michael/tasklink/internal/messages"
)

// Maps holds the process-wide identity tables shared by every task:
// execution id to task id, and placeholder task id to real task id.
type Maps struct {
	mu     sync.RWMutex
	execs  map[string]messages.TaskID
	temps  map[messages.TaskID]messages.TaskID
	nextID messages.TaskID
}

// NewMaps creates empty identity tables.
func NewMaps() *Maps {
	return &Maps{
		execs: make(map[string]messages.TaskID),
		temps: make(map[messages.TaskID]messages.TaskID),
	}
}

// NewTemporaryTaskID hands out a fresh negative placeholder id.
func (m *Maps) NewTemporaryTaskID() messages.TaskID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID--
	return m.nextID
}

// BindExec records that execID belongs to taskID.
func (m *Maps) BindExec(execID string, taskID messages.TaskID) {
	if execID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[execID] = m.resolveLocked(taskID)
}

// TaskForExec returns the task an execution belongs to.
func (m *Maps) TaskForExec(execID string) (messages.TaskID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.execs[execID]
	if !ok {
		return 0, false
	}
	return m.resolveLocked(id), true
}

// BindTask records that the placeholder temp was assigned the real id.
// Executions already bound to the placeholder are moved to the real id.
func (m *Maps) BindTask(temp, realID messages.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temps[temp] = realID
	for exec, id := range m.execs {
		if id == temp {
			m.execs[exec] = realID
		}
	}
}

// Resolve follows placeholder ids to the real task id. Unknown ids resolve to themselves.
func (m *Maps) Resolve(id messages.TaskID) messages.TaskID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveLocked(id)
}

func (m *Maps) resolveLocked(id messages.TaskID) messages.TaskID {
	// Placeholders resolve in a single hop; the loop guards against chains.
	for i := 0; i < 4; i++ {
		realID, ok := m.temps[id]
		if !ok {
			return id
		}
		id = realID
	}
	return id
}

// Prune forgets every entry that refers to taskID, either as an execution
// owner or as the source or target of a placeholder mapping.
func (m *Maps) Prune(taskID messages.TaskID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for exec, id := range m.execs {
		if id == taskID {
			delete(m.execs, exec)
			removed++
		}
	}
	for temp, realID := range m.temps {
		if temp == taskID || realID == taskID {
			delete(m.temps, temp)
			removed++
		}
	}
	return removed
}

// Size returns the number of execution and placeholder entries.
func (m *Maps) Size() (execs, temps int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.execs), len(m.temps)
}
