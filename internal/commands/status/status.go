package status

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/tildaslashalef/innkeep/internal/app"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/utils"
	"github.com/urfave/cli/v2"
)

// StatusCommand returns the CLI command showing connectivity and queue state
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:        "status",
		Usage:       "Show connectivity, queue and update status",
		Description: "Print a one-off status summary, or follow it live with --watch",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "Keep probing and show changes live",
			},
		},
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if c.Bool("watch") {
		return watch(c, application)
	}

	ctx := c.Context
	if application.Monitor.Active() {
		// a single probe so the summary reflects the backend right now
		_ = application.Monitor.Probe(ctx)
	}

	counts, err := application.Sync.Counts(ctx)
	if err != nil {
		return fmt.Errorf("reading queue counts: %w", err)
	}
	state := application.Monitor.State()

	utils.PrintHeading("innkeep status")
	utils.PrintKeyValue("Mode", application.Env.Mode())
	stateColor := utils.Theme.Success
	if !state.EffectivelyOnline() {
		stateColor = utils.Theme.Error
	}
	utils.PrintKeyValueWithColor("Connectivity", state.String(), stateColor)
	utils.PrintKeyValue("Backend", application.Config.Backend.URL)
	utils.PrintKeyValue("Device", application.Config.Backend.DeviceName)
	utils.PrintDivider()
	utils.PrintKeyValue("Pending", fmt.Sprintf("%d", counts.Pending))
	utils.PrintKeyValue("Syncing", fmt.Sprintf("%d", counts.Syncing))
	failedColor := utils.Theme.Success
	if counts.Failed > 0 {
		failedColor = utils.Theme.Error
	}
	utils.PrintKeyValueWithColor("Failed", fmt.Sprintf("%d", counts.Failed), failedColor)
	utils.PrintKeyValueWithColor("Auto sync", fmt.Sprintf("%t", application.Config.Sync.AutoSync), utils.Theme.Info)

	return nil
}

func watch(c *cli.Context, application *app.App) error {
	// the view observes; draining stays with whichever process owns the queue
	if err := application.StartMonitoring(c.Context); err != nil {
		return err
	}

	services := Services{
		Mode:    application.Env.Mode(),
		Monitor: application.Monitor,
		Sync:    application.Sync,
	}
	if application.Updates.Supported() {
		services.Updates = application.Updates
	}

	model := NewModel(c.Context, services)
	defer model.Close()

	loggy.Info("Starting status view")
	if _, err := tea.NewProgram(model).Run(); err != nil {
		loggy.Error("Error running status view", "error", err)
		return fmt.Errorf("error running status view: %w", err)
	}
	return nil
}
