package desktop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/adrg/xdg"
)

// FileAutoLauncher toggles start-at-login by writing or removing a login item
// file: an XDG autostart entry on Linux, a LaunchAgent plist on macOS.
type FileAutoLauncher struct {
	path    string
	content []byte
}

// NewAutoLauncher returns the login item manager for the current platform.
// args are appended to the executable path in the launch command.
func NewAutoLauncher(appName string, args ...string) (*FileAutoLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}

	return newAutoLauncherFor(runtime.GOOS, home, xdg.ConfigHome, appName, exe, args)
}

func newAutoLauncherFor(goos, home, xdgConfig, appName, exe string, args []string) (*FileAutoLauncher, error) {
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		if xdgConfig == "" {
			xdgConfig = filepath.Join(home, ".config")
		}
		return &FileAutoLauncher{
			path:    filepath.Join(xdgConfig, "autostart", appName+".desktop"),
			content: xdgEntry(appName, exe, args),
		}, nil
	case "darwin":
		label := "com." + appName + ".agent"
		return &FileAutoLauncher{
			path:    filepath.Join(home, "Library", "LaunchAgents", label+".plist"),
			content: launchAgent(label, exe, args),
		}, nil
	default:
		return nil, fmt.Errorf("auto-launch on %s: %w", goos, ErrUnsupported)
	}
}

// Path returns the login item file location
func (a *FileAutoLauncher) Path() string {
	return a.path
}

// AutoLaunchEnabled reports whether the login item exists
func (a *FileAutoLauncher) AutoLaunchEnabled(ctx context.Context) (bool, error) {
	_, err := os.Stat(a.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking login item: %w", err)
}

// SetAutoLaunch writes or removes the login item
func (a *FileAutoLauncher) SetAutoLaunch(ctx context.Context, enabled bool) error {
	if !enabled {
		if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing login item: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("creating login item directory: %w", err)
	}
	if err := os.WriteFile(a.path, a.content, 0644); err != nil {
		return fmt.Errorf("writing login item: %w", err)
	}
	return nil
}

func xdgEntry(appName, exe string, args []string) []byte {
	command := strings.Join(append([]string{quoteExec(exe)}, args...), " ")
	return []byte(fmt.Sprintf(`[Desktop Entry]
Type=Application
Name=%s
Exec=%s
X-GNOME-Autostart-enabled=true
NoDisplay=true
`, appName, command))
}

func quoteExec(s string) string {
	if strings.ContainsAny(s, " \t\"") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}

func launchAgent(label, exe string, args []string) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
  <key>Label</key>
  <string>` + label + `</string>
  <key>ProgramArguments</key>
  <array>
`)
	for _, a := range append([]string{exe}, args...) {
		b.WriteString("    <string>" + xmlEscape(a) + "</string>\n")
	}
	b.WriteString(`  </array>
  <key>RunAtLoad</key>
  <true/>
</dict>
</plist>
`)
	return []byte(b.String())
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
