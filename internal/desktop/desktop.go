// Package desktop describes the native capabilities available when innkeep runs
// inside the desktop shell, and detects whether they are present at all.
package desktop

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned by capabilities that do not exist in the current environment
var ErrUnsupported = errors.New("not supported outside the desktop shell")

// Prober checks whether the backend is reachable right now
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) error

// Probe calls f
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// AutoLauncher reads and writes the start-at-login preference
type AutoLauncher interface {
	AutoLaunchEnabled(ctx context.Context) (bool, error)
	SetAutoLaunch(ctx context.Context, enabled bool) error
}

// Release describes a published build of the desktop client
type Release struct {
	Version     string    `json:"version"`
	Channel     string    `json:"channel"`
	URL         string    `json:"url"`
	SHA256      string    `json:"sha256"`
	Notes       string    `json:"notes,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Updater is the native half of self-update
type Updater interface {
	// Check returns the newest release above the running version, or nil when up to date
	Check(ctx context.Context) (*Release, error)
	// Download stages the release artifact and returns its local path.
	// progress receives percentages in [0, 100].
	Download(ctx context.Context, release *Release, progress func(percent float64)) (string, error)
	// Install replaces the running binary with the staged artifact. It may
	// return a *RestartRequest for the caller to act on after shutdown.
	Install(ctx context.Context, path string) error
}

// Bridge bundles the native capabilities of the desktop shell
type Bridge struct {
	Prober       Prober
	AutoLauncher AutoLauncher
	Updater      Updater
}

// Environment reports which runtime innkeep is in
type Environment struct {
	bridge *Bridge
}

// NewEnvironment returns a desktop environment backed by bridge.
// A nil bridge yields browser mode.
func NewEnvironment(bridge *Bridge) *Environment {
	return &Environment{bridge: bridge}
}

// Browser returns an environment with no desktop bridge
func Browser() *Environment {
	return &Environment{}
}

// IsDesktop reports whether the desktop bridge is present. Safe on a nil receiver.
func (e *Environment) IsDesktop() bool {
	return e != nil && e.bridge != nil
}

// Bridge returns the desktop bridge, or nil in browser mode
func (e *Environment) Bridge() *Bridge {
	if e == nil {
		return nil
	}
	return e.bridge
}

// Prober returns the bridge's prober, or nil when absent
func (e *Environment) Prober() Prober {
	if b := e.Bridge(); b != nil {
		return b.Prober
	}
	return nil
}

// Updater returns the bridge's updater, or nil when absent
func (e *Environment) Updater() Updater {
	if b := e.Bridge(); b != nil {
		return b.Updater
	}
	return nil
}

// AutoLauncher returns the bridge's auto-launcher, or nil when absent
func (e *Environment) AutoLauncher() AutoLauncher {
	if b := e.Bridge(); b != nil {
		return b.AutoLauncher
	}
	return nil
}

// Mode names the environment for logs and status output
func (e *Environment) Mode() string {
	if e.IsDesktop() {
		return "desktop"
	}
	return "browser"
}
