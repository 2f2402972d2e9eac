package commands

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/innkeep/internal/app"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/sync"
	"github.com/tildaslashalef/innkeep/internal/utils"
)

// SyncCommand returns the CLI command for draining the queue to the backend
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Replay queued actions against the backend",
		Description: "Drains pending and failed actions in the order they were queued. The pass stops at the first connectivity failure.",
		Subcommands: []*cli.Command{
			{
				Name:        "config",
				Usage:       "Configure the backend link",
				Description: "Persist backend settings in the local database. Without flags, prints the current configuration.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "backend-url",
						Usage: "Backend project URL",
					},
					&cli.StringFlag{
						Name:  "token",
						Usage: "Session access token",
					},
					&cli.StringFlag{
						Name:  "device-name",
						Usage: "Name of this front-desk install",
					},
					&cli.BoolFlag{
						Name:  "auto-sync",
						Usage: "Drain automatically when the backend becomes reachable",
					},
				},
				Action: syncConfigAction,
			},
		},
		Action: syncAction,
	}
}

// syncAction runs one manual drain pass
func syncAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	counts, err := application.Sync.Counts(c.Context)
	if err != nil {
		return fmt.Errorf("reading queue counts: %w", err)
	}
	if counts.Pending+counts.Failed == 0 {
		utils.PrintInfo("Nothing to sync")
		return nil
	}

	loggy.Info("Starting manual sync", "pending", counts.Pending, "failed", counts.Failed)
	utils.PrintInfo(fmt.Sprintf("Replaying %d action(s)", counts.Pending+counts.Failed))

	result, err := application.Sync.Sync(c.Context)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Sync failed: %s", err))
		return fmt.Errorf("sync failed: %w", err)
	}

	printSyncResult(result)
	if result.Interrupted || result.Failed > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func printSyncResult(result *sync.SyncResult) {
	utils.PrintHeading("Sync Summary")
	utils.PrintKeyValueWithColor("Synced", fmt.Sprintf("%d", result.Success), utils.Theme.Success)
	failedColor := utils.Theme.Success
	if result.Failed > 0 {
		failedColor = utils.Theme.Error
	}
	utils.PrintKeyValueWithColor("Rejected", fmt.Sprintf("%d", result.Failed), failedColor)
	utils.PrintKeyValue("Took", result.Duration.Round(time.Millisecond).String())

	if result.Interrupted {
		utils.PrintWarning(fmt.Sprintf("Backend became unreachable, %d action(s) left in the queue: %v", result.Remaining, result.Err))
	}

	if len(result.Failures) > 0 {
		rows := make([][]string, 0, len(result.Failures))
		for _, f := range result.Failures {
			rows = append(rows, []string{f.ID, f.OperationName, utils.Truncate(f.Error, 64)})
		}
		opts := utils.DefaultTableOptions()
		opts.Title = "Rejected Actions"
		utils.PrintTable([]string{"ID", "Operation", "Error"}, rows, opts)
		utils.PrintInfo("Fix the cause, then run: innkeep queue retry --all")
	}
}

// syncConfigAction persists backend link settings
func syncConfigAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	settings := application.Settings
	changed := false

	if c.IsSet("backend-url") {
		url := c.String("backend-url")
		if err := settings.SetBackendURL(ctx, url); err != nil {
			return fmt.Errorf("saving backend url: %w", err)
		}
		utils.PrintKeyValueWithColor("Backend URL updated", url, utils.Theme.Info)
		changed = true
	}

	if c.IsSet("token") {
		if err := settings.SetToken(ctx, c.String("token")); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
		application.Backend.SetToken(c.String("token"))
		utils.PrintSuccess("Token updated")
		changed = true
	}

	if c.IsSet("device-name") {
		name := c.String("device-name")
		if err := settings.SetDeviceName(ctx, name); err != nil {
			return fmt.Errorf("saving device name: %w", err)
		}
		utils.PrintKeyValueWithColor("Device name updated", name, utils.Theme.Info)
		changed = true
	}

	if c.IsSet("auto-sync") {
		enabled := c.Bool("auto-sync")
		if err := settings.SetAutoSync(ctx, enabled); err != nil {
			return fmt.Errorf("saving auto sync: %w", err)
		}
		utils.PrintKeyValueWithColor("Auto sync", fmt.Sprintf("%t", enabled), utils.Theme.Info)
		changed = true
	}

	if !changed {
		cfg := application.Config
		token := "not set"
		if cfg.Backend.Token != "" {
			token = "set"
		}
		utils.PrintHeading("Current Backend Configuration")
		utils.PrintKeyValueWithColor("Backend URL", cfg.Backend.URL, utils.Theme.Info)
		utils.PrintKeyValueWithColor("Token", token, utils.Theme.Info)
		utils.PrintKeyValueWithColor("Device name", cfg.Backend.DeviceName, utils.Theme.Info)
		utils.PrintKeyValueWithColor("Auto sync", fmt.Sprintf("%t", cfg.Sync.AutoSync), utils.Theme.Info)
	}
	return nil
}
