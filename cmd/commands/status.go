package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tasklink/clients/rest"
	"github.com/dohr-michael/tasklink/internal/config"
	"github.com/dohr-michael/tasklink/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show backend health and tasks",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client := rest.New(cfg.Client.APIURL, cfg.Client.RequestTimeout.Duration())

			health, err := client.Health(ctx)
			if err != nil {
				reportHeartbeat(cfg.Client.APIURL)
				return nil
			}
			fmt.Printf("%s %s (%d clients)\n", render(labelStyle, "Backend:"), health.Status, health.Clients)

			tasks, err := client.ListTasks(ctx)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRECORDS\tSTREAMING\tCREATED\tTITLE")
			for _, t := range tasks {
				title := t.Title
				if title == "" {
					title = "-"
				}
				fmt.Fprintf(w, "%d\t%d\t%v\t%s\t%s\n",
					t.ID,
					t.Records,
					t.Streaming,
					t.CreatedAt.Format("2006-01-02 15:04"),
					title,
				)
			}
			return w.Flush()
		},
	}
}

// reportHeartbeat explains an unreachable backend from its heartbeat file.
func reportHeartbeat(apiURL string) {
	status, hb, err := heartbeat.Check(config.HeartbeatPath(), 3*heartbeat.DefaultInterval)
	if err != nil {
		fmt.Println(render(errorStyle, "Backend: NOT RUNNING") + " " + render(mutedStyle, err.Error()))
		return
	}
	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("%s pid %d on %s is alive but %s does not answer\n",
			render(errorStyle, "Backend: UNREACHABLE"), hb.PID, hb.Addr, apiURL)
	case heartbeat.StatusStale:
		fmt.Printf("%s pid %d on %s last seen %s ago (up %s)\n",
			render(errorStyle, "Backend: STALE"), hb.PID, hb.Addr,
			time.Since(hb.Timestamp).Truncate(time.Second), hb.Uptime())
	default:
		fmt.Println(render(errorStyle, "Backend: NOT RUNNING") + " " + render(mutedStyle, "("+apiURL+")"))
	}
}
