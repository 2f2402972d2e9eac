// Package update drives the desktop client's self-update lifecycle on top of
// the native updater exposed by the desktop bridge.
package update

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tildaslashalef/innkeep/internal/desktop"
	"github.com/tildaslashalef/innkeep/internal/loggy"
)

// Phase is a step of the update lifecycle
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseChecking    Phase = "checking"
	PhaseAvailable   Phase = "available"
	PhaseDownloading Phase = "downloading"
	PhaseReady       Phase = "ready"
	PhaseError       Phase = "error"
)

// ErrInvalidPhase is returned when an operation is not allowed in the current phase
var ErrInvalidPhase = errors.New("operation not allowed in current update phase")

// ErrUnsupported is returned when no native updater is available
var ErrUnsupported = desktop.ErrUnsupported

// Status is a snapshot of the update lifecycle. ProgressPercent is only
// meaningful while downloading and ErrorMessage only in the error phase.
type Status struct {
	Phase           Phase   `json:"phase"`
	ProgressPercent float64 `json:"progress_percent,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	Version         string  `json:"version,omitempty"`
}

// Listener receives every status change
type Listener func(Status)

type subscription struct {
	id uint64
	fn Listener
}

// Manager owns the update status and serializes lifecycle calls
type Manager struct {
	updater desktop.Updater
	logger  *loggy.Logger

	mu        sync.RWMutex
	status    Status
	release   *desktop.Release
	staged    string
	listeners []subscription
	nextID    uint64

	notifyMu sync.Mutex
}

// NewManager creates a manager over the environment's native updater
func NewManager(env *desktop.Environment, logger *loggy.Logger) *Manager {
	return &Manager{
		updater: env.Updater(),
		logger:  logger,
		status:  Status{Phase: PhaseIdle},
	}
}

// Supported reports whether self-update is available at all
func (m *Manager) Supported() bool {
	return m.updater != nil
}

// Status returns the current snapshot
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe registers fn for status changes and returns its disposer
func (m *Manager) Subscribe(fn Listener) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// CheckForUpdates asks the native updater for a newer release. It returns
// nil when the client is up to date.
func (m *Manager) CheckForUpdates(ctx context.Context) (*desktop.Release, error) {
	if m.updater == nil {
		return nil, ErrUnsupported
	}
	if err := m.enter(PhaseChecking, Status{Phase: PhaseChecking}, PhaseIdle, PhaseAvailable, PhaseError); err != nil {
		return nil, err
	}

	release, err := m.updater.Check(ctx)
	if err != nil {
		m.fail(err)
		return nil, fmt.Errorf("checking for updates: %w", err)
	}

	m.mu.Lock()
	m.release = release
	m.staged = ""
	m.mu.Unlock()

	if release == nil {
		m.logger.Info("No update available")
		m.set(Status{Phase: PhaseIdle})
		return nil, nil
	}

	m.logger.Info("Update available", "version", release.Version)
	m.set(Status{Phase: PhaseAvailable, Version: release.Version})
	return release, nil
}

// DownloadUpdate stages the available release and returns its local path
func (m *Manager) DownloadUpdate(ctx context.Context) (string, error) {
	if m.updater == nil {
		return "", ErrUnsupported
	}

	m.mu.RLock()
	release := m.release
	m.mu.RUnlock()

	var version string
	if release != nil {
		version = release.Version
	}

	// a failed download can be retried without checking again
	allowed := []Phase{PhaseAvailable}
	if release != nil {
		allowed = append(allowed, PhaseError)
	}
	if err := m.enter(PhaseDownloading, Status{Phase: PhaseDownloading, Version: version}, allowed...); err != nil {
		return "", err
	}

	path, err := m.updater.Download(ctx, release, func(percent float64) {
		m.progress(percent)
	})
	if err != nil {
		m.fail(err)
		return "", fmt.Errorf("downloading update %s: %w", version, err)
	}

	m.mu.Lock()
	m.staged = path
	m.mu.Unlock()

	m.logger.Info("Update ready to install", "version", version, "path", path)
	m.set(Status{Phase: PhaseReady, Version: version})
	return path, nil
}

// InstallUpdate installs the staged release. The updater may return a
// desktop.RestartRequest, which callers pass up so the process can shut down
// and relaunch.
func (m *Manager) InstallUpdate(ctx context.Context) error {
	if m.updater == nil {
		return ErrUnsupported
	}

	m.mu.RLock()
	phase, path := m.status.Phase, m.staged
	m.mu.RUnlock()
	if phase != PhaseReady || path == "" {
		return fmt.Errorf("%w: install from %s", ErrInvalidPhase, phase)
	}

	m.logger.Info("Installing update", "path", path)
	if err := m.updater.Install(ctx, path); err != nil {
		if errors.Is(err, desktop.ErrRestartRequired) {
			return err
		}
		m.fail(err)
		return fmt.Errorf("installing update: %w", err)
	}
	return nil
}

// enter moves to next when the current phase is one of from
func (m *Manager) enter(target Phase, next Status, from ...Phase) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	current := m.status.Phase
	ok := false
	for _, p := range from {
		if p == current {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s from %s", ErrInvalidPhase, target, current)
	}
	m.status = next
	listeners := m.snapshotLocked()
	m.mu.Unlock()

	m.deliver(listeners, next)
	return nil
}

func (m *Manager) progress(percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.status.Phase != PhaseDownloading || m.status.ProgressPercent == percent {
		m.mu.Unlock()
		return
	}
	m.status.ProgressPercent = percent
	next := m.status
	listeners := m.snapshotLocked()
	m.mu.Unlock()

	m.deliver(listeners, next)
}

func (m *Manager) fail(err error) {
	m.logger.Error("Update failed", "error", err)

	m.mu.RLock()
	version := m.status.Version
	m.mu.RUnlock()

	m.set(Status{Phase: PhaseError, ErrorMessage: err.Error(), Version: version})
}

func (m *Manager) set(next Status) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.status == next {
		m.mu.Unlock()
		return
	}
	m.status = next
	listeners := m.snapshotLocked()
	m.mu.Unlock()

	m.deliver(listeners, next)
}

func (m *Manager) snapshotLocked() []subscription {
	listeners := make([]subscription, len(m.listeners))
	copy(listeners, m.listeners)
	return listeners
}

func (m *Manager) deliver(listeners []subscription, status Status) {
	for _, s := range listeners {
		s.fn(status)
	}
}
