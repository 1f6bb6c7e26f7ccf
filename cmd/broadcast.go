package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/urfave/cli/v3"
)

// metadataFlags maps convenience flags to metadata JSON keys.
var metadataFlags = []struct {
	flag, key string
	number    bool
}{
	{"category", "category", false},
	{"version", "version", false},
	{"rating", "rating", true},
	{"review", "review", false},
	{"review-id", "reviewId", false},
	{"count", "count", true},
	{"referrer", "referrer", false},
	{"milestone", "milestone", false},
	{"value", "value", true},
}

// BroadcastCommand publishes one activity event on the global feed.
//
//	pulse broadcast --type rating_added --target-id ext-1 --target-type extension --rating 4.5
//	pulse broadcast --type milestone_reached --target-name Weather --metadata '{"milestone":"1k downloads"}'
func BroadcastCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "type",
			Usage:    "Event type (extension_added, mcp_added, rating_added, review_added, download, user_joined, milestone_reached)",
			Required: true,
		},
		&cli.StringFlag{Name: "target-id", Usage: "Id of the extension or MCP server"},
		&cli.StringFlag{Name: "target-name", Usage: "Display name of the target"},
		&cli.StringFlag{Name: "target-type", Usage: "extension or mcp"},
		&cli.StringFlag{Name: "user-id", Usage: "Actor user id (defaults to the configured identity)"},
		&cli.StringFlag{Name: "username", Usage: "Actor display name (defaults to the configured identity)"},
		&cli.StringFlag{Name: "metadata", Usage: "Raw metadata JSON, overrides the metadata flags"},
		&cli.BoolFlag{Name: "json", Usage: "Print the published event as JSON"},
	}
	for _, mf := range metadataFlags {
		if mf.number {
			flags = append(flags, &cli.FloatFlag{Name: mf.flag, Usage: "Metadata " + mf.key})
			continue
		}
		flags = append(flags, &cli.StringFlag{Name: mf.flag, Usage: "Metadata " + mf.key})
	}

	return &cli.Command{
		Name:  "broadcast",
		Usage: "Publish an activity event",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			e, err := activityFromFlags(c)
			if err != nil {
				return err
			}
			cl, err := newClient(ctx, c.String("config"), false)
			if err != nil {
				return err
			}
			defer cl.Close()

			sent, err := cl.manager.BroadcastActivity(ctx, e)
			if err != nil {
				return fmt.Errorf("broadcasting: %w", err)
			}
			w := c.Root().Writer
			if c.Bool("json") {
				return writeJSON(w, sent)
			}
			fmt.Fprintf(w, "Published %s\n", formatActivity(sent, time.Now()))
			return nil
		},
	}
}

// activityFromFlags builds an unstamped event from the command flags.
func activityFromFlags(c *cli.Command) (core.ActivityEvent, error) {
	e := core.ActivityEvent{
		Type:       core.EventType(c.String("type")),
		UserID:     c.String("user-id"),
		Username:   c.String("username"),
		TargetID:   c.String("target-id"),
		TargetName: c.String("target-name"),
		TargetType: core.TargetType(c.String("target-type")),
	}
	if !e.Type.Valid() {
		return core.ActivityEvent{}, fmt.Errorf("unknown event type %q", e.Type)
	}

	raw := json.RawMessage(c.String("metadata"))
	if len(raw) == 0 {
		fields := map[string]any{}
		for _, mf := range metadataFlags {
			if !c.IsSet(mf.flag) {
				continue
			}
			if mf.number {
				fields[mf.key] = c.Float(mf.flag)
			} else {
				fields[mf.key] = c.String(mf.flag)
			}
		}
		if len(fields) > 0 {
			var err error
			if raw, err = json.Marshal(fields); err != nil {
				return core.ActivityEvent{}, err
			}
		}
	}

	md, err := core.DecodeMetadata(e.Type, raw)
	if err != nil {
		return core.ActivityEvent{}, err
	}
	e.Metadata = md
	return e, nil
}
