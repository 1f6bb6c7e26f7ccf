package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rubiojr/pulse/pkg/config"
	"github.com/rubiojr/pulse/pkg/db"
	"github.com/urfave/cli/v3"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MigrateCommand creates the migrate command
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run archive database migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "status",
				Usage: "Show migration status without applying migrations",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return RunMigrations(ctx, c.String("config"), c.Bool("status"), c.Root().Writer)
		},
	}
}

// RunMigrations applies pending archive migrations, or only reports them
// with statusOnly.
func RunMigrations(ctx context.Context, configPath string, statusOnly bool, w io.Writer) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer conn.Close()

	mm := db.NewMigrationManager(conn)
	status, err := mm.Status(ctx)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}
	fmt.Fprintf(w, "%s: %d applied, %d pending\n", cfg.DBPath(), len(status.Applied), len(status.Pending))
	for _, m := range status.Applied {
		fmt.Fprintf(w, "  ✓ %03d %s (%s)\n", m.Version, m.Name, m.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range status.Pending {
		fmt.Fprintf(w, "  - %03d %s\n", m.Version, m.Name)
	}
	if statusOnly || len(status.Pending) == 0 {
		return nil
	}

	n, err := mm.ApplyPending(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	fmt.Fprintf(w, "Applied %d migrations\n", n)
	return nil
}
