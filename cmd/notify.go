package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/urfave/cli/v3"
)

// NotifyCommand sends a notification to a single user.
func NotifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "notify",
		Usage:     "Send a notification to a user",
		ArgsUsage: "<user-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Usage: "Notification title"},
			&cli.StringFlag{Name: "message", Usage: "Notification body"},
			&cli.StringFlag{
				Name:  "type",
				Usage: "info, success, warning or error",
				Value: string(core.NotificationInfo),
			},
			&cli.StringFlag{Name: "activity-type", Usage: "Activity that caused the notification"},
			&cli.StringFlag{Name: "target-id", Usage: "Entry the notification refers to"},
			&cli.StringFlag{Name: "target-type", Usage: "extension or mcp"},
			&cli.BoolFlag{Name: "json", Usage: "Print the sent notification as JSON"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one user id, got %d arguments", c.Args().Len())
			}
			n := core.Notification{
				UserID:  c.Args().First(),
				Type:    core.NotificationType(c.String("type")),
				Title:   c.String("title"),
				Message: c.String("message"),
			}
			if c.IsSet("activity-type") || c.IsSet("target-id") || c.IsSet("target-type") {
				n.Metadata = &core.NotificationMetadata{
					ActivityType: core.EventType(c.String("activity-type")),
					TargetID:     c.String("target-id"),
					TargetType:   core.TargetType(c.String("target-type")),
				}
			}

			cl, err := newClient(ctx, c.String("config"), false)
			if err != nil {
				return err
			}
			defer cl.Close()

			sent, err := cl.manager.SendNotification(ctx, n)
			if err != nil {
				return fmt.Errorf("sending notification: %w", err)
			}
			w := c.Root().Writer
			if c.Bool("json") {
				return writeJSON(w, sent)
			}
			fmt.Fprintf(w, "Sent to %s: %s\n", sent.UserID, formatNotification(sent, time.Now()))
			return nil
		},
	}
}
