package cmd

import (
	"context"
	"fmt"

	"github.com/rubiojr/pulse/pkg/version"
	"github.com/urfave/cli/v3"
)

type versionInfo struct {
	Version  string `json:"version"`
	Protocol string `json:"protocol"`
}

// VersionCommand creates the version command
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version and realtime protocol information",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output as JSON",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			w := c.Root().Writer
			if c.Bool("json") {
				return writeJSON(w, versionInfo{Version: version.APIVersion(), Protocol: version.Protocol})
			}
			fmt.Fprintln(w, version.BuildVersion())
			fmt.Fprintf(w, "Speaks the Phoenix channel protocol vsn=%s\n", version.Protocol)
			return nil
		},
	}
}
