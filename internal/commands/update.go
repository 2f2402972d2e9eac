package commands

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/innkeep/internal/app"
	"github.com/tildaslashalef/innkeep/internal/desktop"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/update"
	"github.com/tildaslashalef/innkeep/internal/utils"
)

// UpdateCommand returns the CLI command for desktop self-update
func UpdateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Check for, download and install desktop client updates",
		Description: "Only available in desktop mode. Each subcommand checks the release feed first, " +
			"so download and install always act on the newest release.",
		Subcommands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "Check the release feed for a newer version",
				Action: updateCheckAction,
			},
			{
				Name:   "download",
				Usage:  "Download and stage the newest release",
				Action: updateDownloadAction,
			},
			{
				Name:   "install",
				Usage:  "Download the newest release, install it and restart",
				Action: updateInstallAction,
			},
		},
		Action: updateCheckAction,
	}
}

func updateCheckAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	release, err := checkRelease(c, application)
	if err != nil || release == nil {
		return err
	}

	utils.PrintKeyValueWithColor("Published", utils.FormatTime(release.PublishedAt), utils.Theme.Subtle)
	if release.Notes != "" {
		utils.PrintSubHeading("Release notes")
		fmt.Print(utils.RenderMarkdown(release.Notes, 80))
	}
	utils.PrintInfo("Run innkeep update install to upgrade")
	return nil
}

func updateDownloadAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	release, err := checkRelease(c, application)
	if err != nil || release == nil {
		return err
	}

	path, err := downloadRelease(c, application, release)
	if err != nil {
		return err
	}
	utils.PrintSuccess("Update staged at " + path)
	return nil
}

func updateInstallAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	release, err := checkRelease(c, application)
	if err != nil || release == nil {
		return err
	}

	if _, err := downloadRelease(c, application, release); err != nil {
		return err
	}

	utils.PrintInfo(fmt.Sprintf("Installing %s, innkeep will restart", release.Version))
	if err := application.Updates.InstallUpdate(c.Context); err != nil {
		if errors.Is(err, desktop.ErrRestartRequired) {
			// main relaunches once the application has shut down
			return err
		}
		utils.PrintError(fmt.Sprintf("Install failed: %s", err))
		return cli.Exit("", 1)
	}
	return nil
}

// checkRelease returns nil without error when already up to date
func checkRelease(c *cli.Context, application *app.App) (*desktop.Release, error) {
	if !application.Updates.Supported() {
		return nil, cli.Exit("Self-update is only available in desktop mode", 1)
	}

	utils.PrintInfo("Checking for updates (running " + application.Config.Update.CurrentVersion + ")")
	release, err := application.Updates.CheckForUpdates(c.Context)
	if err != nil {
		if errors.Is(err, update.ErrUnsupported) {
			return nil, cli.Exit("Self-update is only available in desktop mode", 1)
		}
		utils.PrintError(fmt.Sprintf("Update check failed: %s", err))
		return nil, cli.Exit("", 1)
	}

	if release == nil {
		utils.PrintSuccess("innkeep is up to date")
		return nil, nil
	}

	utils.PrintKeyValueWithColor("Update available", release.Version, utils.Theme.Important)
	return release, nil
}

// downloadRelease stages release and renders progress from the manager's status feed
func downloadRelease(c *cli.Context, application *app.App, release *desktop.Release) (string, error) {
	pw := utils.CreateProgressWriter()
	tracker := utils.CreateProgressTracker("Downloading "+release.Version, 100)
	utils.RenderProgressTrackers(pw, tracker)

	unsubscribe := application.Updates.Subscribe(func(s update.Status) {
		if s.Phase == update.PhaseDownloading {
			tracker.SetValue(int64(math.Round(s.ProgressPercent)))
		}
	})

	path, err := application.Updates.DownloadUpdate(c.Context)
	unsubscribe()

	if err != nil {
		tracker.MarkAsErrored()
	} else {
		tracker.MarkAsDone()
	}
	// let the renderer flush the final frame
	for pw.IsRenderInProgress() {
		time.Sleep(50 * time.Millisecond)
	}

	if err != nil {
		loggy.Error("Update download failed", "version", release.Version, "error", err)
		utils.PrintError(fmt.Sprintf("Download failed: %s", err))
		return "", cli.Exit("", 1)
	}
	return path, nil
}
