package commands

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/database"
	"github.com/tildaslashalef/innkeep/internal/utils"
	"github.com/urfave/cli/v2"
)

// InitCommand returns the CLI command for initializing innkeep
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize or update the innkeep environment",
		Description: "Sets up the configuration directory and the local queue database. " +
			"Use this command for first-time setup of a front-desk machine or after upgrading innkeep.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Replace an existing .env with the sample, keeping a dated backup",
			},
		},
		Action: func(c *cli.Context) error {
			utils.PrintHeading("Initializing innkeep")

			configDir, err := config.DefaultConfigDir()
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to resolve config directory: %s", err))
				return err
			}
			utils.PrintInfo("Configuration directory: " + color.YellowString("%s", configDir))

			utils.PrintInfo("Extracting default configuration file")
			configFilePath := filepath.Join(configDir, ".env")
			if err := config.SetupConfigDirectory(configDir, c.Bool("force")); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to set up configuration directory: %s", err))
				return fmt.Errorf("failed to set up config directory: %w", err)
			}

			cfg, err := config.LoadFromEnv(configDir, configFilePath)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to load configuration: %s", err))
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			utils.PrintInfo("Initializing database...")
			if err := database.InitDB(cfg); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to initialize database: %s", err))
				return fmt.Errorf("failed to initialize database: %w", err)
			}

			utils.PrintInfo("Applying database migrations...")
			migrationsApplied, err := database.RunMigrations()
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
				return fmt.Errorf("failed to apply migrations: %w", err)
			}

			utils.PrintSuccess("innkeep initialized successfully!")

			if migrationsApplied > 0 {
				utils.PrintSuccess(fmt.Sprintf("Applied %d new migration(s)", migrationsApplied))
			} else {
				utils.PrintInfo("Database schema is already up-to-date")
			}

			utils.PrintInfo("Configuration file: " + color.YellowString("%s", configFilePath))
			utils.PrintInfo("Database location: " + color.YellowString("%s", cfg.Database.Path))
			utils.PrintInfo("Log file location: " + color.YellowString("%s", cfg.Logging.Output))
			utils.PrintInfo("Device name: " + color.YellowString("%s", cfg.Backend.DeviceName))
			fmt.Println("")
			utils.PrintInfo("Set " + color.CyanString("INNKEEP_BACKEND_URL") + " and run " +
				color.CyanString("innkeep sync config --token <token>") + " to link this desk.")

			return nil
		},
	}
}
