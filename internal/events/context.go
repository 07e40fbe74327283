package events

import (
	"context"

	"github.com/dohr-michael/tasklink/internal/messages"
)

type taskIDKey struct{}

// ContextWithTaskID returns a new context carrying the task ID.
func ContextWithTaskID(ctx context.Context, id messages.TaskID) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskIDFromContext extracts the task ID from the context.
func TaskIDFromContext(ctx context.Context) (messages.TaskID, bool) {
	id, ok := ctx.Value(taskIDKey{}).(messages.TaskID)
	return id, ok
}
