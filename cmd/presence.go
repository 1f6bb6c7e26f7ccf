package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/presence"
	"github.com/rubiojr/pulse/pkg/realtime"
	"github.com/urfave/cli/v3"
)

// PresenceCommand joins a presence channel and prints who else is viewing
// the same page or entry.
func PresenceCommand() *cli.Command {
	return &cli.Command{
		Name:  "presence",
		Usage: "Show who is viewing a page or directory entry",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "page",
				Usage: "Page to watch (e.g. home, /extensions)",
			},
			&cli.StringFlag{
				Name:  "target-id",
				Usage: "Entry to watch instead of a page",
			},
			&cli.StringFlag{
				Name:  "target-type",
				Usage: "extension or mcp",
				Value: string(core.TargetExtension),
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print each viewer list as JSON",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			scope := realtime.PresenceScope{Page: c.String("page")}
			if id := c.String("target-id"); id != "" {
				scope.TargetID = id
				scope.TargetType = core.TargetType(c.String("target-type"))
			}
			if scope.Page == "" && scope.TargetID == "" {
				return errors.New("either --page or --target-id is required")
			}
			if !scope.TargetType.Valid() {
				return fmt.Errorf("unknown target type %q", scope.TargetType)
			}
			return watchPresence(ctx, c.String("config"), scope, c.Bool("json"), c.Root().Writer)
		},
	}
}

func watchPresence(ctx context.Context, configPath string, scope realtime.PresenceScope, asJSON bool, w io.Writer) error {
	cl, err := newClient(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer cl.Close()

	updates := make(chan []core.PresenceState, 1)
	tracker := presence.NewTracker(cl.manager)
	sub, err := tracker.Watch(ctx, scope, func(viewers []core.PresenceState) {
		// Keep only the latest list if the printer lags behind.
		select {
		case <-updates:
		default:
		}
		updates <- viewers
	})
	if err != nil {
		return fmt.Errorf("joining presence: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := sub.Unsubscribe(closeCtx); err != nil {
			cl.log.Warnf("leaving %s: %v", sub.Channel(), err)
		}
	}()

	if !asJSON {
		fmt.Fprintln(w, titleStyle.Render("Viewers of "+sub.Channel()))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case viewers := <-updates:
			if err := printViewers(w, viewers, asJSON, time.Now()); err != nil {
				return err
			}
		}
	}
}

func printViewers(w io.Writer, viewers []core.PresenceState, asJSON bool, now time.Time) error {
	if asJSON {
		return writeJSON(w, viewers)
	}
	label := "viewers"
	if len(viewers) == 1 {
		label = "viewer"
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%s %s", formatNumber(len(viewers)), label)))
	for _, v := range viewers {
		fmt.Fprintln(w, formatViewer(v, now))
	}
	return nil
}
