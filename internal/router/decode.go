package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dohr-michael/tasklink/internal/gateway/ws"
	"github.com/dohr-michael/tasklink/internal/messages"
)

// ErrUnknownEvent is returned by Decode for event names it does not handle.
var ErrUnknownEvent = errors.New("unknown event")

// Decode converts a wire event frame into a typed Event.
func Decode(frame ws.Frame) (Event, error) {
	if frame.Type != ws.FrameTypeEvent {
		return nil, fmt.Errorf("decode %s frame: not an event", frame.Type)
	}
	taskID := messages.TaskID(frame.TaskID)

	switch frame.Event {
	case ws.EventChatStart:
		var p ws.StartPayload
		if err := unmarshal(frame, &p); err != nil {
			return nil, err
		}
		return Start{TaskID: taskID, ExecID: p.ExecID}, nil

	case ws.EventChatChunk:
		var p ws.ChunkPayload
		if err := unmarshal(frame, &p); err != nil {
			return nil, err
		}
		return Chunk{ExecID: p.ExecID, Delta: p.Delta, Result: p.Result}, nil

	case ws.EventChatDone:
		var p ws.DonePayload
		if err := unmarshal(frame, &p); err != nil {
			return nil, err
		}
		return Done{TaskID: taskID, ExecID: p.ExecID, Content: p.Content, SequenceID: p.SequenceID}, nil

	case ws.EventChatError:
		var p ws.ErrorPayload
		if err := unmarshal(frame, &p); err != nil {
			return nil, err
		}
		return Error{TaskID: taskID, ExecID: p.ExecID, Message: p.Message}, nil

	case ws.EventChatCancelled:
		var p ws.CancelledPayload
		if err := unmarshal(frame, &p); err != nil {
			return nil, err
		}
		return Cancelled{TaskID: taskID, ExecID: p.ExecID}, nil

	case ws.EventChatMessage:
		var p ws.MessagePayload
		if err := unmarshal(frame, &p); err != nil {
			return nil, err
		}
		ev := External{
			TaskID:     taskID,
			ExecID:     p.ExecID,
			SequenceID: p.SequenceID,
			Role:       messages.Role(p.Role),
			Content:    p.Content,
			Timestamp:  p.CreatedAt,
		}
		if ev.Role == "" {
			ev.Role = messages.RoleUser
		}
		if p.UserID != "" || p.UserName != "" {
			ev.Sender = &messages.Sender{UserID: p.UserID, UserName: p.UserName}
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("decode %q: %w", frame.Event, ErrUnknownEvent)
	}
}

func unmarshal(frame ws.Frame, v any) error {
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", frame.Event, err)
	}
	return nil
}
