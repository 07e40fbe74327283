package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tasklink/clients/rest"
	wsclient "github.com/dohr-michael/tasklink/clients/ws"
	"github.com/dohr-michael/tasklink/internal/engine"
	"github.com/dohr-michael/tasklink/internal/events"
	"github.com/dohr-michael/tasklink/internal/messages"
	"github.com/dohr-michael/tasklink/internal/storage"
)

// NewChatCommand returns the chat subcommand.
func NewChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Chat on a task: lines are sent, /more loads older history, /stop cancels, /quit exits",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:    "task",
				Aliases: []string{"t"},
				Usage:   "Task ID to open (empty = new task on first message)",
			},
			&cli.StringFlag{
				Name:  "gateway",
				Usage: "Gateway WebSocket URL (default from config)",
			},
			&cli.DurationFlag{
				Name:  "connect-timeout",
				Usage: "How long to wait for the first connection",
				Value: 10 * time.Second,
			},
		},
		Action: runChat,
	}
}

func runChat(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	gatewayURL := cfg.Client.GatewayURL
	if cmd.IsSet("gateway") {
		gatewayURL = cmd.String("gateway")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var eng *engine.Engine
	connected := make(chan struct{}, 1)
	session := wsclient.NewSession(gatewayURL, wsclient.SessionOptions{
		OnConnect: func(context.Context, bool) {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnDisconnect: func(at time.Time) {
			eng.Disconnected(at)
			fmt.Println(render(mutedStyle, "connection lost, reconnecting..."))
		},
		OnReconnect: func(at time.Time) {
			fmt.Println(render(mutedStyle, "reconnected"))
			// Recovery issues requests whose responses this connection's
			// pump must stay free to deliver.
			go func() {
				if err := eng.Reconnected(ctx, at); err != nil {
					slog.Warn("recovery after reconnect failed", "error", err)
				}
			}()
		},
	})

	api := rest.New(cfg.Client.APIURL, cfg.Client.RequestTimeout.Duration())
	eng = engine.New(session, api, engine.Options{
		PageSize:        cfg.Client.PageSize,
		HiddenThreshold: cfg.Client.HiddenThreshold.Duration(),
		StaleThreshold:  cfg.Client.StaleThreshold.Duration(),
	})
	defer eng.Close()

	journal := storage.NewEventLogger(cfg.Client.JournalDir, eng.Bus())
	defer journal.Close()

	if err := eng.StartResync(ctx, cfg.Client.ResyncSchedule); err != nil {
		return err
	}

	go func() { _ = session.Run(ctx) }()
	go func() { _ = eng.Run(ctx, session.Events()) }()

	select {
	case <-connected:
	case <-time.After(cmd.Duration("connect-timeout")):
		return fmt.Errorf("gateway %s unreachable", gatewayURL)
	case <-ctx.Done():
		return ctx.Err()
	}

	taskID := messages.TaskID(cmd.Int64("task"))
	view := newChatView(os.Stdout, taskID)
	unsubscribe := eng.Subscribe(view.handle,
		events.EventMessageUpdated,
		events.EventStreamFailed,
		events.EventTaskResolved,
		events.EventRecoveryStatus,
	)
	defer unsubscribe()

	if taskID > 0 {
		if err := eng.SelectTask(ctx, taskID); err != nil {
			return err
		}
		msgs := eng.Messages(taskID)
		printMessages(os.Stdout, msgs)
		view.markPrinted(msgs)
	}
	fmt.Println(render(mutedStyle, "type a message, or /more /history /stop /resync /quit"))

	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleChatLine(ctx, eng, view, strings.TrimSpace(line))
			if err != nil {
				fmt.Println(render(errorStyle, err.Error()))
			}
			if quit {
				return nil
			}
		}
	}
}

func handleChatLine(ctx context.Context, eng *engine.Engine, view *chatView, line string) (bool, error) {
	taskID := view.current()
	switch line {
	case "":
		return false, nil
	case "/quit", "/exit":
		return true, nil
	case "/stop":
		return false, eng.StopStream(ctx, taskID)
	case "/resync":
		return false, eng.Resync(ctx)
	case "/history":
		printMessages(os.Stdout, eng.Messages(taskID))
		return false, nil
	case "/more":
		if taskID <= 0 {
			return false, errors.New("no task selected")
		}
		added, more, err := eng.LoadMoreMessages(ctx, taskID)
		if err != nil {
			return false, err
		}
		note := fmt.Sprintf("loaded %d older messages", added)
		if !more {
			note += ", start of history reached"
		}
		fmt.Println(render(mutedStyle, note+" (/history to show)"))
		return false, nil
	}

	if strings.HasPrefix(line, "/") {
		return false, fmt.Errorf("unknown command %s", line)
	}
	newID, err := eng.SendMessage(ctx, taskID, line, nil)
	view.setTask(newID)
	return false, err
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// chatView prints engine notifications for the current task as they arrive.
type chatView struct {
	mu      sync.Mutex
	out     io.Writer
	task    messages.TaskID
	printed map[string]string // message id -> content already written
	settled map[string]bool
}

func newChatView(out io.Writer, taskID messages.TaskID) *chatView {
	return &chatView{
		out:     out,
		task:    taskID,
		printed: make(map[string]string),
		settled: make(map[string]bool),
	}
}

func (v *chatView) current() messages.TaskID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.task
}

func (v *chatView) setTask(id messages.TaskID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.task = id
}

func (v *chatView) markPrinted(msgs []messages.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range msgs {
		if m.Status.IsTerminal() {
			v.printed[m.ID] = m.Content
			v.settled[m.ID] = true
		}
	}
}

func (v *chatView) handle(ev events.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if p, ok := events.GetTaskResolvedPayload(ev); ok {
		if v.task == 0 || v.task == p.TemporaryID {
			v.task = ev.TaskID
			fmt.Fprintln(v.out, render(mutedStyle, fmt.Sprintf("task %d", ev.TaskID)))
		}
		return
	}
	if v.task != 0 && ev.TaskID != v.task && !ev.TaskID.IsTemporary() {
		return
	}

	switch p := ev.Payload.(type) {
	case events.MessageUpdatedPayload:
		v.message(p.Message)
	case events.StreamFailedPayload:
		fmt.Fprintln(v.out, render(errorStyle, "execution failed: "+p.Error))
	case events.RecoveryStatusPayload:
		if p.Phase == events.RecoveryFailed {
			fmt.Fprintln(v.out, render(mutedStyle, "resync failed: "+p.Error))
		}
	}
}

func (v *chatView) message(m messages.Message) {
	if m.Role != messages.RoleAssistant {
		// Own messages were typed; only show other participants'.
		key := m.ID
		if key == "" {
			key = "ext:" + m.ExecID
		}
		if messages.IsLocalID(m.ID) || v.settled[key] {
			return
		}
		v.settled[key] = true
		fmt.Fprintln(v.out, formatMessage(m))
		return
	}

	if v.settled[m.ID] {
		return
	}
	prev, seen := v.printed[m.ID]
	switch {
	case !seen:
		fmt.Fprint(v.out, render(assistantStyle, "assistant")+" "+m.Content)
	case strings.HasPrefix(m.Content, prev):
		fmt.Fprint(v.out, m.Content[len(prev):])
	default:
		fmt.Fprint(v.out, "\n"+render(assistantStyle, "assistant")+" "+m.Content)
	}
	v.printed[m.ID] = m.Content

	if m.Status.IsTerminal() {
		v.settled[m.ID] = true
		if m.Status == messages.StatusError {
			fmt.Fprint(v.out, " "+render(errorStyle, "[failed]"))
		}
		fmt.Fprintln(v.out)
	}
}
