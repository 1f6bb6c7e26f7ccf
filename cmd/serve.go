package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rubiojr/pulse/pkg/config"
	"github.com/rubiojr/pulse/pkg/log"
	"github.com/rubiojr/pulse/pkg/server"
	"github.com/rubiojr/pulse/pkg/storage"
	"github.com/urfave/cli/v3"
)

const pruneInterval = time.Hour

// ServeCommand creates the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a local realtime server for development",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Address to listen on (overrides server.listen)",
			},
			&cli.DurationFlag{
				Name:  "retention",
				Usage: "Prune archived activity older than this (0 keeps everything)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"), c.String("listen"), c.Duration("retention"))
		},
	}
}

// serve runs the development server until SIGINT or SIGTERM. SIGHUP or a
// change to the config file reloads the accepted API keys and log level.
func serve(ctx context.Context, configPath, listen string, retention time.Duration) error {
	logger := log.ForService("serve")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listen == "" {
		listen = cfg.Server.Listen
	}

	srvCfg := server.Config{
		APIKeys:       cfg.Server.APIKeys,
		IdleTimeout:   cfg.Server.IdleTimeout.Duration,
		SendQueueSize: cfg.Server.SendQueue,
	}
	var store *storage.Store
	if cfg.Server.Archive {
		store, err = openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warnf("failed to close archive: %v", err)
			}
		}()
		srvCfg.Archive = store
	}
	srv := server.New(srvCfg)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(serveCtx, listen)
	}()
	if store != nil && retention > 0 {
		go pruneLoop(serveCtx, store, retention, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	fmt.Printf("Realtime server on %s. Press Ctrl+C to stop, send SIGHUP to reload, or modify config file for automatic reload.\n", listen)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("failed to create config file watcher: %v", err)
	} else {
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Warnf("failed to close config file watcher: %v", err)
			}
		}()
		if err := watcher.Add(configPath); err != nil {
			logger.Warnf("failed to watch config file %s: %v", configPath, err)
		} else {
			logger.Infof("watching config file for changes: %s", configPath)
		}
		events, errs = watcher.Events, watcher.Errors
	}

	for {
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return <-errCh
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Infof("received SIGHUP, reloading configuration")
				if err := reloadConfiguration(configPath, srv); err != nil {
					logger.Errorf("failed to reload configuration: %v", err)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				fmt.Println("\nShutting down...")
				cancel()
				return <-errCh
			}
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)) {
				continue
			}
			logger.Infof("config file changed: %s (event: %s), reloading configuration", event.Name, event.Op)

			// Editors replace files atomically; the watch is lost with the
			// old inode.
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(configPath); os.IsNotExist(err) {
					logger.Warnf("config file was removed and not replaced, skipping reload")
					continue
				}
				if err := watcher.Add(configPath); err != nil {
					logger.Warnf("failed to re-add config file to watcher: %v", err)
				}
			} else {
				time.Sleep(100 * time.Millisecond)
			}
			if err := reloadConfiguration(configPath, srv); err != nil {
				logger.Errorf("failed to reload configuration after file change: %v", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warnf("config file watcher error: %v", err)
		}
	}
}

// reloadConfiguration applies the settings that can change without a
// restart.
func reloadConfiguration(configPath string, srv *server.Server) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading new config: %w", err)
	}
	level := zerolog.NoLevel
	if cfg.LogLevel != "" {
		if level, err = zerolog.ParseLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
	}

	srv.SetAPIKeys(cfg.Server.APIKeys)
	if level != zerolog.NoLevel {
		log.SetLevel(level)
	}
	log.ForService("serve").Infof("configuration reloaded: %d api keys", len(cfg.Server.APIKeys))
	return nil
}

func pruneLoop(ctx context.Context, store *storage.Store, retention time.Duration, logger *log.Logger) {
	prune := func() {
		n, err := store.PruneActivity(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warnf("pruning archive: %v", err)
			return
		}
		if n > 0 {
			logger.Infof("pruned %d archived events older than %s", n, formatDuration(retention))
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
