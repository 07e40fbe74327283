// Package storage holds local persistence helpers of the chat client.
package storage

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dohr-michael/tasklink/internal/events"
)

// EventLogger persists engine notifications to JSONL files, one per task.
type EventLogger struct {
	mu          sync.Mutex
	dir         string
	unsubscribe func()
}

// NewEventLogger creates an EventLogger that subscribes to all bus events
// and appends them as JSONL to dir.
func NewEventLogger(dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{dir: dir}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	// Message updates fire on every chunk; stream.* events carry the lifecycle.
	if e.Type == events.EventMessageUpdated {
		return
	}
	if err := el.writeEvent(e); err != nil {
		slog.Debug("event log write failed", "task_id", e.TaskID, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()

	path := el.logPath(e)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (el *EventLogger) logPath(e events.Event) string {
	if e.TaskID == 0 {
		return filepath.Join(el.dir, "_global.jsonl")
	}
	return filepath.Join(el.dir, "task_"+strconv.FormatInt(int64(e.TaskID), 10)+".jsonl")
}
