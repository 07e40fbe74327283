package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tasklink/clients/rest"
	"github.com/dohr-michael/tasklink/internal/engine"
	"github.com/dohr-michael/tasklink/internal/gateway/ws"
	"github.com/dohr-michael/tasklink/internal/messages"
)

// NewHistoryCommand returns the history subcommand.
func NewHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Print the full history of a task, paging backwards",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "task",
				Aliases:  []string{"t"},
				Usage:    "Task ID",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "page-size",
				Usage: "Records per page (default from config)",
			},
		},
		Action: runHistory,
	}
}

// offline is a Transport for read-only use: every call reports no connection.
type offline struct{}

func (offline) JoinTask(context.Context, messages.TaskID) (ws.JoinTaskResult, error) {
	return ws.JoinTaskResult{}, ws.ErrNotConnected
}

func (offline) SendMessage(context.Context, ws.SendMessageParams) (ws.SendMessageResult, error) {
	return ws.SendMessageResult{}, ws.ErrNotConnected
}

func (offline) CancelExecution(context.Context, messages.TaskID, string) error {
	return ws.ErrNotConnected
}

func runHistory(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	taskID := messages.TaskID(cmd.Int64("task"))
	if taskID <= 0 {
		return errors.New("usage: tasklink history --task <id>")
	}
	pageSize := cfg.Client.PageSize
	if cmd.IsSet("page-size") {
		pageSize = cmd.Int("page-size")
	}

	client := rest.New(cfg.Client.APIURL, cfg.Client.RequestTimeout.Duration())
	eng := engine.New(offline{}, client, engine.Options{PageSize: pageSize})
	defer eng.Close()

	if err := eng.SelectTask(ctx, taskID); err != nil {
		return err
	}
	pages := 1
	for eng.HasMore(taskID) {
		added, _, err := eng.LoadMoreMessages(ctx, taskID)
		if err != nil {
			return fmt.Errorf("load page %d: %w", pages+1, err)
		}
		pages++
		if added == 0 {
			break
		}
	}

	msgs := eng.Messages(taskID)
	printMessages(os.Stdout, msgs)
	fmt.Println(render(mutedStyle, fmt.Sprintf("%d messages, %d pages", len(msgs), pages)))
	return nil
}
