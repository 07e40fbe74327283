package commands

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tasklink/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasklink",
		Usage: "Task chat client with stream reconciliation, and its development backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewChatCommand(),
			NewHistoryCommand(),
			NewStatusCommand(),
		},
	}
}

// loadConfig reads the config named by --config, falling back to defaults
// when the file is missing, and installs the stderr logger. The returned
// LevelVar lets callers change the level later.
func loadConfig(cmd *cli.Command) (*config.Config, *slog.LevelVar, error) {
	path := cmd.String("config")
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, nil, err
	}

	level := new(slog.LevelVar)
	level.Set(config.ParseLevel(cfg.Log.Level))
	if cmd.Bool("debug") {
		level.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Debug("config loaded", "path", path)
	return cfg, level, nil
}
