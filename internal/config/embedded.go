package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tildaslashalef/innkeep/internal/loggy"
)

//go:embed env.sample
var sampleEnv []byte

// SampleEnv returns the starter .env shipped with the binary
func SampleEnv() []byte {
	return append([]byte(nil), sampleEnv...)
}

// SetupConfigDirectory creates configDir with its updates staging directory
// and writes the starter .env when none exists. With force an existing .env
// is moved to a dated backup and replaced.
func SetupConfigDirectory(configDir string, force bool) error {
	if err := os.MkdirAll(filepath.Join(configDir, "updates"), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	envPath := filepath.Join(configDir, ".env")
	_, err := os.Stat(envPath)
	switch {
	case err == nil && !force:
		return nil
	case err == nil:
		backup, err := backupFile(envPath, time.Now())
		if err != nil {
			return err
		}
		loggy.Info("Backed up existing configuration", "original", envPath, "backup", backup)
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("checking %s: %w", envPath, err)
	}

	// the file may carry a backend token
	if err := os.WriteFile(envPath, sampleEnv, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", envPath, err)
	}
	loggy.Info("Wrote starter configuration", "path", envPath)
	return nil
}

func backupFile(path string, now time.Time) (string, error) {
	backup := fmt.Sprintf("%s.%s.bak", path, now.Format("20060102-150405"))
	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("backing up %s: %w", path, err)
	}
	return backup, nil
}
