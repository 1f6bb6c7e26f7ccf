package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/feed"
	"github.com/rubiojr/pulse/pkg/log"
	"github.com/rubiojr/pulse/pkg/realtime"
	"github.com/rubiojr/pulse/pkg/storage"
	"github.com/urfave/cli/v3"
)

// FeedCommand tails the global activity feed. With --history or --search
// it reads the local archive instead.
//
//	pulse feed
//	pulse feed --json | jq -r .type
//	pulse feed --history 20
//	pulse feed --search "weather" --type rating_added
func FeedCommand() *cli.Command {
	return &cli.Command{
		Name:  "feed",
		Usage: "Stream the global activity feed",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print events as NDJSON",
			},
			&cli.BoolFlag{
				Name:  "no-archive",
				Usage: "Do not store received events in the local archive",
			},
			&cli.IntFlag{
				Name:  "history",
				Usage: "Print the last N archived events and exit",
			},
			&cli.StringFlag{
				Name:  "search",
				Usage: "Full-text search the archive and exit",
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Only archived events of this type (with --search or --history)",
			},
			&cli.DurationFlag{
				Name:  "since",
				Usage: "Only archived events newer than this (e.g. 24h)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			w := c.Root().Writer
			if c.IsSet("history") || c.IsSet("search") || c.IsSet("type") || c.IsSet("since") {
				q := storage.ActivityQuery{
					Text:  c.String("search"),
					Type:  core.EventType(c.String("type")),
					Limit: c.Int("history"),
				}
				if d := c.Duration("since"); d > 0 {
					q.Since = time.Now().Add(-d)
				}
				return showArchivedActivity(ctx, c.String("config"), q, c.Bool("json"), w)
			}
			return tailFeed(ctx, c.String("config"), !c.Bool("no-archive"), c.Bool("json"), w)
		},
	}
}

func showArchivedActivity(ctx context.Context, configPath string, q storage.ActivityQuery, asJSON bool, w io.Writer) error {
	if q.Type != "" && !q.Type.Valid() {
		return fmt.Errorf("unknown event type %q", q.Type)
	}
	cl, err := newClient(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer cl.Close()

	events, err := cl.store.SearchActivity(ctx, q)
	if err != nil {
		return fmt.Errorf("searching archive: %w", err)
	}
	return printActivity(w, events, asJSON, time.Now())
}

// printActivity prints events oldest first, the order a tail shows them.
func printActivity(w io.Writer, events []core.ActivityEvent, asJSON bool, now time.Time) error {
	if len(events) == 0 && !asJSON {
		fmt.Fprintln(w, noDataStyle.Render("No activity found."))
		return nil
	}
	for i := len(events) - 1; i >= 0; i-- {
		if asJSON {
			if err := writeJSON(w, events[i]); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(w, formatActivity(events[i], now))
	}
	return nil
}

// archivingFeed stores every event before handing it to the consumer.
type archivingFeed struct {
	sub   feed.Subscriber
	store *storage.Store
	log   *log.Logger
}

func (a *archivingFeed) SubscribeActivityFeed(ctx context.Context, onEvent func(core.ActivityEvent), onError func(error)) (*realtime.Subscription, error) {
	return a.sub.SubscribeActivityFeed(ctx, func(e core.ActivityEvent) {
		if err := a.store.SaveActivity(context.Background(), e); err != nil {
			a.log.Warnf("archiving %s: %v", e.ID, err)
		}
		onEvent(e)
	}, onError)
}

func tailFeed(ctx context.Context, configPath string, archive, asJSON bool, w io.Writer) error {
	cl, err := newClient(ctx, configPath, archive)
	if err != nil {
		return err
	}
	defer cl.Close()

	consumer := feed.NewConsumer(feed.Options{
		Capacity:        cl.cfg.Feed.Capacity,
		ScrollThreshold: cl.cfg.Feed.ScrollThreshold,
	})
	var sub feed.Subscriber = cl.manager
	if cl.store != nil {
		sub = &archivingFeed{sub: cl.manager, store: cl.store, log: cl.log}
	}
	if err := consumer.Attach(ctx, sub); err != nil {
		return fmt.Errorf("subscribing to activity feed: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := consumer.Close(closeCtx); err != nil {
			cl.log.Warnf("closing feed: %v", err)
		}
	}()

	if !asJSON {
		fmt.Fprintln(w, titleStyle.Render("Activity feed"))
	}
	go watchStatus(ctx, cl.supervisor.Status(), os.Stderr)

	printer := newFeedPrinter(w, asJSON)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case snap, ok := <-consumer.Updates():
			if !ok {
				return nil
			}
			if err := printer.print(snap, time.Now()); err != nil {
				return err
			}
		}
	}
}

// feedPrinter prints the events of each snapshot it has not printed yet.
type feedPrinter struct {
	w      io.Writer
	asJSON bool
	seen   map[string]struct{}
	errors int
}

func newFeedPrinter(w io.Writer, asJSON bool) *feedPrinter {
	return &feedPrinter{w: w, asJSON: asJSON, seen: map[string]struct{}{}}
}

func (p *feedPrinter) print(snap feed.Snapshot, now time.Time) error {
	fresh := make([]core.ActivityEvent, 0, len(snap.Events))
	current := make(map[string]struct{}, len(snap.Events))
	for _, e := range snap.Events {
		current[e.ID] = struct{}{}
		if _, ok := p.seen[e.ID]; !ok {
			fresh = append(fresh, e)
		}
	}
	// Only ids still buffered can come back, so the set stays bounded.
	p.seen = current

	if snap.Errors > p.errors && !p.asJSON {
		fmt.Fprintln(p.w, metaStyle.Render(fmt.Sprintf("(%d malformed events skipped)", snap.Errors-p.errors)))
	}
	p.errors = snap.Errors

	if len(fresh) == 0 {
		return nil
	}
	return printActivity(p.w, fresh, p.asJSON, now)
}

// watchStatus reports connection status changes until ctx is done.
func watchStatus(ctx context.Context, tracker *realtime.StatusTracker, w io.Writer) {
	first := true
	for s := range tracker.Watch(ctx) {
		if first {
			first = false
			continue
		}
		fmt.Fprintf(w, "connection %s\n", formatStatus(string(s)))
	}
}
