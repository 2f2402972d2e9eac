package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/innkeep/internal/app"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/server"
	"github.com/tildaslashalef/innkeep/internal/utils"
)

// ServeCommand returns the CLI command that runs innkeep as a local daemon
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the connectivity monitor, the reconnect drain and the local API",
		Description: "Starts the background services and serves the local API the shell talks to. " +
			"Stops cleanly on SIGINT or SIGTERM.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Listen address, overrides INNKEEP_LISTEN_ADDR",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return err
	}

	opts := server.Options{
		Mode:         application.Env.Mode(),
		Dispatcher:   application.Dispatcher,
		Sync:         application.Sync,
		Queue:        application.Queue,
		Connectivity: application.Monitor,
	}
	if application.Updates.Supported() {
		opts.Updates = application.Updates
	}
	if application.Config.Daemon.MetricsEnabled {
		opts.Metrics = application.Metrics.Handler()
	}

	srv, err := server.New(opts, loggy.GetGlobalLogger().With("component", "server"))
	if err != nil {
		return err
	}

	addr := application.Config.Daemon.ListenAddr
	if c.IsSet("listen") {
		addr = c.String("listen")
	}

	utils.PrintInfo(fmt.Sprintf("innkeep %s listening on %s (%s mode)",
		application.Config.Update.CurrentVersion, color.CyanString("%s", addr), application.Env.Mode()))
	loggy.Info("Serving local API", "addr", addr, "metrics", opts.Metrics != nil)

	if err := srv.Run(ctx, addr); err != nil {
		loggy.Error("Local API stopped", "error", err)
		return err
	}

	utils.PrintInfo("Stopped")
	return nil
}
