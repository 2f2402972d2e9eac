package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/innkeep/internal/app"
	"github.com/tildaslashalef/innkeep/internal/commands"
	"github.com/tildaslashalef/innkeep/internal/commands/status"
	"github.com/tildaslashalef/innkeep/internal/desktop"
)

// Version information - populated at build time
var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
	Author     = "unknown"
	Email      = "unknown"
)

// commands that must run before the config directory and database exist
var standalone = map[string]bool{
	"init": true,
	"help": true,
	"h":    true,
}

func main() {
	cliApp := &cli.App{
		Name:  "innkeep",
		Usage: "Offline-aware operation layer for the front-desk client",
		Description: "innkeep runs backend operations for the hotel front desk and keeps working when the backend is unreachable.\n\n" +
			"Operations issued while offline are queued locally and replayed in order once connectivity returns.\n" +
			"When run without subcommands, innkeep prints the connectivity and queue status.",
		Version: fmt.Sprintf("%s (%s)", Version, CommitHash),
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Authors: []*cli.Author{
			{
				Name:  Author,
				Email: Email,
			},
		},
		Before: func(c *cli.Context) error {
			if standalone[c.Args().First()] {
				return nil
			}

			if Version != "dev" && os.Getenv("VERSION") == "" {
				os.Setenv("VERSION", Version)
			}

			// Initialize the application
			application, err := app.New()
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			// Store the app instance in the context for later use
			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			// Gracefully shutdown the application
			if app, ok := c.App.Metadata["app"].(*app.App); ok {
				return app.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.InitCommand(),
			commands.MigrateCommand(),
			commands.InvokeCommand(),
			commands.QueueCommand(),
			commands.SyncCommand(),
			status.StatusCommand(),
			commands.UpdateCommand(),
			commands.AutolaunchCommand(),
			commands.ServeCommand(),
		},
		Action: func(c *cli.Context) error {
			// Default action prints the status
			return status.StatusCommand().Action(c)
		},
	}

	err := cliApp.Run(os.Args)

	// After has shut the application down by now
	var restart *desktop.RestartRequest
	if errors.As(err, &restart) {
		if err := desktop.Relaunch(restart.Executable); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err != nil {
		log.Fatal(err)
	}
}
