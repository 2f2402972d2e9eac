package desktop

import (
	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/loggy"
)

// Detect builds the runtime environment from configuration. With desktop mode
// disabled it returns a browser environment. Native capabilities that cannot be
// set up on this host are left nil and logged, the bridge itself stays present.
func Detect(cfg *config.Config, prober Prober, logger *loggy.Logger) *Environment {
	if !cfg.Desktop.Enabled {
		logger.Debug("Desktop bridge disabled, running in browser mode")
		return Browser()
	}

	bridge := &Bridge{Prober: prober}

	if launcher, err := NewAutoLauncher(cfg.Desktop.AppName, "serve"); err != nil {
		logger.Warn("Auto-launch unavailable", "error", err)
	} else {
		bridge.AutoLauncher = launcher
	}

	if cfg.Update.FeedURL != "" {
		updater, err := NewFeedUpdater(cfg.Update, logger)
		if err != nil {
			logger.Warn("Self-update unavailable", "error", err)
		} else {
			bridge.Updater = updater
		}
	}

	return NewEnvironment(bridge)
}
