package commands

import (
	"fmt"
	"io"

	"github.com/dohr-michael/tasklink/internal/messages"
)

// formatMessage renders a settled message on one block.
func formatMessage(m messages.Message) string {
	var who string
	switch m.Role {
	case messages.RoleAssistant:
		who = render(assistantStyle, "assistant")
	default:
		name := "you"
		if m.Sender != nil && m.Sender.UserName != "" {
			name = m.Sender.UserName
		}
		who = render(userStyle, name)
	}

	line := fmt.Sprintf("%s %s", who, m.Content)
	switch m.Status {
	case messages.StatusError:
		line += " " + render(errorStyle, "[failed: "+m.Error+"]")
	case messages.StatusStreaming:
		line += render(mutedStyle, " ...")
	case messages.StatusPending:
		line += render(mutedStyle, " (sending)")
	}
	if m.HasSequence() {
		line = render(mutedStyle, fmt.Sprintf("#%d ", m.SequenceID)) + line
	}
	return line
}

func printMessages(w io.Writer, msgs []messages.Message) {
	for _, m := range msgs {
		fmt.Fprintln(w, formatMessage(m))
	}
}
