package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rubiojr/pulse/pkg/config"
	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/storage"
	"github.com/urfave/cli/v3"
)

// NotificationsCommand lists, marks and receives the notifications of the
// configured user.
func NotificationsCommand() *cli.Command {
	userFlag := &cli.StringFlag{
		Name:  "user",
		Usage: "User id (defaults to identity.user_id)",
	}
	return &cli.Command{
		Name:  "notifications",
		Usage: "Manage notifications",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List archived notifications",
				Flags: []cli.Flag{
					userFlag,
					&cli.BoolFlag{Name: "unread", Usage: "Only unread notifications"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of notifications", Value: storage.DefaultLimit},
					&cli.BoolFlag{Name: "json", Usage: "Print as NDJSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withArchive(ctx, c, func(store *storage.Store, userID string) error {
						list, err := store.Notifications(ctx, userID, c.Bool("unread"), c.Int("limit"))
						if err != nil {
							return err
						}
						unread, err := store.UnreadCount(ctx, userID)
						if err != nil {
							return err
						}
						return printNotifications(c.Root().Writer, list, unread, c.Bool("json"), time.Now())
					})
				},
			},
			{
				Name:      "read",
				Usage:     "Mark notifications as read (all when no id is given)",
				ArgsUsage: "[id...]",
				Flags:     []cli.Flag{userFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withArchive(ctx, c, func(store *storage.Store, userID string) error {
						n, err := store.MarkRead(ctx, userID, c.Args().Slice()...)
						if err != nil {
							return err
						}
						fmt.Fprintf(c.Root().Writer, "Marked %d notifications as read\n", n)
						return nil
					})
				},
			},
			{
				Name:  "watch",
				Usage: "Receive notifications live and archive them",
				Flags: []cli.Flag{
					userFlag,
					&cli.BoolFlag{Name: "json", Usage: "Print as NDJSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return watchNotifications(ctx, c.String("config"), c.String("user"), c.Bool("json"), c.Root().Writer)
				},
			},
		},
	}
}

func resolveUser(cfg *config.Config, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if cfg.Identity.UserID != "" {
		return cfg.Identity.UserID, nil
	}
	return "", errors.New("no user id: pass --user or set identity.user_id")
}

func withArchive(ctx context.Context, c *cli.Command, fn func(*storage.Store, string) error) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	userID, err := resolveUser(cfg, c.String("user"))
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store, userID)
}

func printNotifications(w io.Writer, list []core.Notification, unread int, asJSON bool, now time.Time) error {
	if asJSON {
		for _, n := range list {
			if err := writeJSON(w, n); err != nil {
				return err
			}
		}
		return nil
	}
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Notifications (%d unread)", unread)))
	if len(list) == 0 {
		fmt.Fprintln(w, noDataStyle.Render("No notifications."))
		return nil
	}
	for _, n := range list {
		fmt.Fprintln(w, formatNotification(n, now))
	}
	return nil
}

func watchNotifications(ctx context.Context, configPath, user string, asJSON bool, w io.Writer) error {
	cl, err := newClient(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer cl.Close()

	userID, err := resolveUser(cl.cfg, user)
	if err != nil {
		return err
	}

	received := make(chan core.Notification, 16)
	sub, err := cl.manager.SubscribeNotifications(ctx, userID, func(n core.Notification) {
		if err := cl.store.SaveNotification(context.Background(), n); err != nil {
			cl.log.Warnf("archiving notification %s: %v", n.ID, err)
		}
		select {
		case received <- n:
		default:
			cl.log.Warnf("printer behind, notification %s archived only", n.ID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to notifications: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := sub.Unsubscribe(closeCtx); err != nil {
			cl.log.Warnf("leaving %s: %v", sub.Channel(), err)
		}
	}()

	if !asJSON {
		fmt.Fprintln(w, titleStyle.Render("Notifications for "+userID))
	}
	go watchStatus(ctx, cl.supervisor.Status(), os.Stderr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-received:
			if asJSON {
				if err := writeJSON(w, n); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintln(w, formatNotification(n, time.Now()))
		}
	}
}
