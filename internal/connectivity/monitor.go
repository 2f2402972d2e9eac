// Package connectivity tracks whether the backend can be reached right now.
//
// Two signals are combined. Online comes from the network layer and can be a
// false positive on captive or half-broken networks. HardOffline is only set
// by a failed probe of the backend itself and is cleared by the next successful
// probe or real operation. Either one being unfavourable makes the client
// effectively offline.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tildaslashalef/innkeep/internal/backend"
	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/desktop"
	"github.com/tildaslashalef/innkeep/internal/loggy"
)

// ErrAlreadyStarted is returned by Start when the probe loop is running
var ErrAlreadyStarted = errors.New("connectivity monitor already started")

// State is a snapshot of connectivity
type State struct {
	Online      bool `json:"online"`
	HardOffline bool `json:"hard_offline"`
}

// EffectivelyOnline reports whether operations should be attempted directly
func (s State) EffectivelyOnline() bool {
	return s.Online && !s.HardOffline
}

// String renders the state for logs and status output
func (s State) String() string {
	switch {
	case !s.Online:
		return "offline"
	case s.HardOffline:
		return "backend unreachable"
	default:
		return "online"
	}
}

// Listener receives every state change
type Listener func(State)

type subscription struct {
	id uint64
	fn Listener
}

// Monitor is the single source of truth for backend reachability.
// Listeners are called synchronously, in order, and only on change. They must
// not call back into the monitor's setters.
type Monitor struct {
	cfg    config.ConnectivityConfig
	prober desktop.Prober
	active bool
	logger *loggy.Logger

	mu        sync.RWMutex
	state     State
	listeners []subscription
	nextID    uint64

	notifyMu sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}
}

// NewMonitor creates a monitor for env. Outside the desktop shell the monitor
// is inert: always online, never hard offline, never probing.
func NewMonitor(env *desktop.Environment, cfg config.ConnectivityConfig, logger *loggy.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		prober: env.Prober(),
		active: env.IsDesktop(),
		logger: logger,
		state:  State{Online: true},
		kick:   make(chan struct{}, 1),
	}
}

// Active reports whether the monitor tracks anything
func (m *Monitor) Active() bool {
	return m.active
}

// State returns the current snapshot
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn for state changes and returns its disposer
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
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

// SetOnline feeds the network-level signal
func (m *Monitor) SetOnline(online bool) {
	if !m.active {
		return
	}
	m.update(func(s *State) { s.Online = online })
}

// ReportSuccess records a successful real operation, which proves the backend
// is reachable
func (m *Monitor) ReportSuccess() {
	if !m.active {
		return
	}
	m.update(func(s *State) { s.HardOffline = false })
}

// ReportFailure records a failed real operation. Connectivity failures wake
// the probe loop so the hard offline flag is confirmed or cleared promptly.
func (m *Monitor) ReportFailure(err error) {
	if !m.active || !backend.IsConnectivity(err) {
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Probe checks the backend once and updates HardOffline accordingly
func (m *Monitor) Probe(ctx context.Context) error {
	if !m.active || m.prober == nil {
		return nil
	}

	probeCtx := ctx
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}

	err := m.prober.Probe(probeCtx)
	if err != nil {
		if ctx.Err() != nil {
			// caller gave up, says nothing about the backend
			return err
		}
		m.logger.Debug("Backend probe failed", "error", err)
	}
	m.update(func(s *State) { s.HardOffline = err != nil })
	return err
}

// Start runs the probe loop until ctx is done or Close is called. The loop
// probes at the configured interval while the backend is reachable and backs
// off exponentially while it is not.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.active || m.prober == nil {
		m.logger.Debug("Connectivity monitor inert", "desktop", m.active)
		return nil
	}

	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx, m.done)
	return nil
}

// Close stops the probe loop and waits for it to exit
func (m *Monitor) Close() error {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	offlineBackoff := m.newBackoff()
	_ = m.Probe(ctx)

	for {
		var wait time.Duration
		if m.State().HardOffline {
			wait = offlineBackoff.NextBackOff()
		} else {
			offlineBackoff.Reset()
			wait = m.cfg.ProbeInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.kick:
			timer.Stop()
		case <-timer.C:
		}

		_ = m.Probe(ctx)
	}
}

func (m *Monitor) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	if m.cfg.ProbeInterval > 0 && m.cfg.ProbeInterval < b.InitialInterval {
		b.InitialInterval = m.cfg.ProbeInterval
	}
	b.MaxInterval = m.cfg.MaxProbeBackoff
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// update applies fn and notifies listeners when the state changed. notifyMu
// is held across the whole sequence so deliveries follow transition order.
func (m *Monitor) update(fn func(*State)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.state
	fn(&m.state)
	next := m.state
	listeners := make([]subscription, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if prev == next {
		return
	}

	m.logger.Info("Connectivity changed", "state", next.String(), "online", next.Online, "hard_offline", next.HardOffline)
	for _, s := range listeners {
		s.fn(next)
	}
}
