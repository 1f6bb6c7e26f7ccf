package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rubiojr/pulse/pkg/config"
	"github.com/rubiojr/pulse/pkg/log"
	"github.com/rubiojr/pulse/pkg/realtime"
	"github.com/rubiojr/pulse/pkg/storage"
)

const closeTimeout = 5 * time.Second

// client bundles everything a command needs to talk to the realtime
// service: the shared connection, the channel manager, its supervisor and,
// when requested, the local archive.
type client struct {
	cfg        *config.Config
	store      *storage.Store
	provider   *realtime.Provider
	manager    *realtime.Manager
	supervisor *realtime.Supervisor
	log        *log.Logger

	stopSupervisor context.CancelFunc
}

// openStore opens the archive configured in cfg.
func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	store, err := storage.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return store, nil
}

// newClient wires a Manager from the config file. With withStore the
// archive is opened and doubles as the session store for OAuth2 tokens.
func newClient(ctx context.Context, configPath string, withStore bool) (*client, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newClientFromConfig(ctx, cfg, withStore)
}

func newClientFromConfig(ctx context.Context, cfg *config.Config, withStore bool) (*client, error) {
	c := &client{cfg: cfg, log: log.ForService("cli")}

	opts := cfg.ProviderOptions(ctx)
	if withStore {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.store = store
		// Only OAuth2 user tokens are persisted. The API key always comes
		// from the config.
		if opts.TokenSource != nil {
			opts.Sessions = store
		}
	}

	c.provider = realtime.NewProvider(opts)
	c.supervisor = realtime.NewSupervisor(cfg.SupervisorOptions())
	c.supervisor.OnFailed(func(name string, err error) {
		c.log.Errorf("giving up on %s: %v", name, err)
	})
	c.manager = realtime.NewManager(c.provider,
		realtime.WithIdentity(cfg.IdentityOptions()),
		realtime.WithSupervisor(c.supervisor),
		realtime.WithEcho(cfg.Realtime.Echo),
	)

	supCtx, cancel := context.WithCancel(ctx)
	c.stopSupervisor = cancel
	go func() {
		if err := c.supervisor.Run(supCtx); err != nil && supCtx.Err() == nil {
			c.log.Warnf("supervisor stopped: %v", err)
		}
	}()
	return c, nil
}

// Close leaves every channel, stops the supervisor and closes the archive.
func (c *client) Close() {
	c.stopSupervisor()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.manager.Close(ctx); err != nil {
		c.log.Warnf("closing channels: %v", err)
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.log.Warnf("closing archive: %v", err)
		}
	}
}
