package commands

import (
	"fmt"

	"github.com/tildaslashalef/innkeep/internal/database"
	"github.com/tildaslashalef/innkeep/internal/migrations"
	"github.com/tildaslashalef/innkeep/internal/utils"
	"github.com/urfave/cli/v2"
)

// MigrateCommand returns the CLI command for queue database migrations
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Manage queue database migrations",
		Hidden: true,
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(c *cli.Context) error {
					utils.PrintInfo("Applying embedded migrations")

					applied, err := database.RunMigrations()
					if err != nil {
						utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
						return fmt.Errorf("failed to apply migrations: %w", err)
					}

					if applied > 0 {
						utils.PrintSuccess(fmt.Sprintf("Applied %d migration(s) successfully!", applied))
					} else {
						utils.PrintSuccess("Database schema is already up-to-date")
					}
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "Revert the last migration",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to revert",
						Value: 1,
					},
				},
				Action: func(c *cli.Context) error {
					steps := c.Int("steps")
					if steps < 1 {
						return fmt.Errorf("steps must be at least 1")
					}

					utils.PrintWarning(fmt.Sprintf("Reverting %d embedded migration(s). Queued actions in dropped tables are lost.", steps))

					if err := database.RevertMigrations(steps); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to revert migrations: %s", err))
						return fmt.Errorf("failed to revert migrations: %w", err)
					}

					utils.PrintSuccess("Migration(s) reverted successfully!")
					return nil
				},
			},
			{
				Name:  "version",
				Usage: "Show the current schema version",
				Action: func(c *cli.Context) error {
					version, dirty, err := database.MigrationVersion()
					if err != nil {
						return err
					}

					latest, err := migrations.Latest()
					if err != nil {
						return err
					}

					utils.PrintKeyValue("Schema version", fmt.Sprintf("%d of %d", version, latest))
					if version < latest {
						utils.PrintInfo("Run innkeep migrate up to apply the remaining migrations")
					}
					if dirty {
						utils.PrintWarning("Schema is dirty: a migration failed halfway")
					}
					return nil
				},
			},
		},
	}
}
