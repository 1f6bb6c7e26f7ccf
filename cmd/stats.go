package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rubiojr/pulse/pkg/config"
	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/storage"
	"github.com/urfave/cli/v3"
)

// StatsCommand creates the stats command
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show archive statistics",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(ctx)
			if err != nil {
				return fmt.Errorf("getting stats: %w", err)
			}
			unread := 0
			if cfg.Identity.UserID != "" {
				if unread, err = store.UnreadCount(ctx, cfg.Identity.UserID); err != nil {
					return err
				}
			}
			formatStats(c.Root().Writer, stats, unread, time.Now())
			return nil
		},
	}
}

// formatStats prints archive statistics, event types in display order.
func formatStats(w io.Writer, stats storage.ActivityStats, unread int, now time.Time) {
	fmt.Fprintln(w, titleStyle.Render("Archive statistics"))
	fmt.Fprintf(w, "Total events: %s\n", formatNumber(stats.Total))
	fmt.Fprintf(w, "Unread notifications: %d\n", unread)
	if stats.Total == 0 {
		fmt.Fprintln(w, noDataStyle.Render("No activity archived yet."))
		return
	}

	fmt.Fprintf(w, "Oldest: %s\n", formatTime(stats.Oldest, now))
	fmt.Fprintf(w, "Newest: %s\n", formatTime(stats.Newest, now))
	fmt.Fprintf(w, "Span:   %s\n\n", formatDuration(stats.Newest.Sub(stats.Oldest)))

	for _, t := range core.EventTypes {
		n := stats.ByType[t]
		if n == 0 {
			continue
		}
		percentage := float64(n) / float64(stats.Total) * 100
		fmt.Fprintf(w, "%-20s %8s (%.1f%%)\n", eventLabel(t), formatNumber(n), percentage)
	}
}
