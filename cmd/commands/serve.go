package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tasklink/internal/config"
	"github.com/dohr-michael/tasklink/internal/gateway"
	"github.com/dohr-michael/tasklink/internal/heartbeat"
	"github.com/dohr-michael/tasklink/internal/storage/sqlstore"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the development backend (websocket gateway + REST history API)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite database path",
			},
			&cli.StringFlag{
				Name:  "seed",
				Usage: "YAML seed file loaded into an empty database",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, level, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fileCfg := *cfg

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.Int("port")
	}
	if cmd.IsSet("db") {
		cfg.Server.DBPath = cmd.String("db")
	}
	if cmd.IsSet("seed") {
		cfg.Server.SeedFile = cmd.String("seed")
	}

	store, err := sqlstore.Open(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if cfg.Server.SeedFile != "" {
		if _, err := gateway.LoadSeed(ctx, store, cfg.Server.SeedFile); err != nil {
			return err
		}
	}

	// SIGHUP reloads .env and the config file; the log level follows unless
	// pinned by --debug.
	if cmd.Bool("debug") {
		level = nil
	}
	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), &fileCfg, level)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if _, err := reloader.Reload(); err != nil {
				slog.Warn("config reload failed", "error", err)
			}
		}
	}()

	server := gateway.NewServer(store, cfg.Server.Host, cfg.Server.Port,
		gateway.WithChunkDelay(cfg.Server.ChunkDelay.Duration()))

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	hb := heartbeat.NewWriter(config.HeartbeatPath(), addr, cfg.Server.DBPath, heartbeat.DefaultInterval)
	if err := hb.Start(); err != nil {
		slog.Warn("heartbeat disabled", "error", err)
	}
	defer hb.Stop()

	// Wait for signal or error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
