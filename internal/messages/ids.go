package messages

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	assistantPrefix = "ai:"
	userPrefix      = "user:"
	localPrefix     = "local:"
	sequencePrefix  = "seq:"
)

// IDSource supplies the random component of optimistic message ids.
type IDSource interface {
	NewString() string
}

// UUIDSource draws ids from github.com/google/uuid.
type UUIDSource struct{}

func (UUIDSource) NewString() string { return uuid.NewString() }

// AssistantID is the deterministic id of the assistant message for an execution.
func AssistantID(execID string) string {
	return assistantPrefix + execID
}

// NewLocalID returns a fresh id for an optimistic user message.
func NewLocalID(src IDSource) string {
	if src == nil {
		src = UUIDSource{}
	}
	return localPrefix + src.NewString()
}

// IsLocalID reports whether id was minted by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}

// RecordID derives the id of a message that originates from the backend.
func RecordID(role Role, execID string, sequenceID int64) string {
	if role == RoleAssistant && execID != "" {
		return AssistantID(execID)
	}
	if execID != "" {
		return userPrefix + execID
	}
	return sequencePrefix + strconv.FormatInt(sequenceID, 10)
}
