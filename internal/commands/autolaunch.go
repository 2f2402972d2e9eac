package commands

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/innkeep/internal/app"
	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/desktop"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/utils"
)

// AutolaunchCommand returns the CLI command for the start-at-login preference
func AutolaunchCommand() *cli.Command {
	return &cli.Command{
		Name:      "autolaunch",
		Usage:     "Show or change whether innkeep starts at login",
		ArgsUsage: "[on|off]",
		Action:    autolaunchAction,
	}
}

func autolaunchAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	launcher := application.Env.AutoLauncher()
	if launcher == nil {
		return cli.Exit(desktop.ErrUnsupported.Error(), 1)
	}

	if c.NArg() == 0 {
		enabled, err := launcher.AutoLaunchEnabled(c.Context)
		if err != nil {
			return fmt.Errorf("reading auto-launch: %w", err)
		}
		utils.PrintKeyValueWithColor("Start at login", onOff(enabled), utils.Theme.Info)
		return nil
	}

	var enabled bool
	switch c.Args().First() {
	case "on", "true", "enable":
		enabled = true
	case "off", "false", "disable":
		enabled = false
	default:
		return cli.Exit("expected on or off", 1)
	}

	if err := launcher.SetAutoLaunch(c.Context, enabled); err != nil {
		utils.PrintError(fmt.Sprintf("Failed to change auto-launch: %s", err))
		return fmt.Errorf("setting auto-launch: %w", err)
	}

	if err := application.Settings.SetSetting(c.Context, config.KeyDesktopAutoLaunch, strconv.FormatBool(enabled)); err != nil {
		loggy.Warn("Failed to save auto-launch setting", "error", err)
	}

	utils.PrintSuccess("Start at login turned " + onOff(enabled))
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
