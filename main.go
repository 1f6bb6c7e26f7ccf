package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rubiojr/pulse/cmd"
	"github.com/rubiojr/pulse/pkg/config"
	"github.com/rubiojr/pulse/pkg/log"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "pulse",
		Usage: "Realtime activity feed, presence and notifications",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringSliceFlag{
				Name:  "debug-for",
				Usage: "Enable debug logging for a single service (socket, channel, supervisor, server, ...)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error); defaults to log_level from the config",
				Sources: cli.EnvVars(config.EnvLogLevel),
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Also write logs to this file",
				Sources: cli.EnvVars("PULSE_LOG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Configuration file path",
				Value:   getDefaultConfigPathOrExit(),
				Sources: cli.EnvVars("PULSE_CONFIG"),
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			level := c.String("log-level")
			if level == "" {
				level = "info"
				if cfg, err := config.LoadConfig(c.String("config")); err == nil && cfg.LogLevel != "" {
					level = cfg.LogLevel
				}
			}
			if c.Bool("debug") {
				level = "debug"
			}
			if err := setupLogger(level, c.String("log-file")); err != nil {
				return ctx, err
			}
			for _, name := range c.StringSlice("debug-for") {
				log.EnableDebugFor(name)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmd.InitCommand(),
			cmd.FeedCommand(),
			cmd.BroadcastCommand(),
			cmd.PresenceCommand(),
			cmd.NotifyCommand(),
			cmd.NotificationsCommand(),
			cmd.ServeCommand(),
			cmd.StatsCommand(),
			cmd.MigrateCommand(),
			cmd.VersionCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// setupLogger routes every service logger to the console and, with
// logFile, to the file as well.
func setupLogger(level string, logFile string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stderr}, file)
	}

	log.Configure(output, parsedLevel)
	return nil
}

func getDefaultConfigPathOrExit() string {
	path, err := config.GetDefaultConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get default config path: %v\n", err)
		os.Exit(1)
	}
	return path
}
