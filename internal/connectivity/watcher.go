package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/loggy"
)

// DialFunc opens a connection, matching net.Dialer.DialContext
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// NetworkWatcher produces the network-level online signal by periodically
// opening a TCP connection to a known address
type NetworkWatcher struct {
	monitor  *Monitor
	address  string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	logger   *loggy.Logger
}

// NewNetworkWatcher creates a watcher feeding monitor. The dialed address is
// cfg.Connectivity.WatchAddress, or the backend host when that is empty.
func NewNetworkWatcher(monitor *Monitor, cfg *config.Config, logger *loggy.Logger) (*NetworkWatcher, error) {
	address := cfg.Connectivity.WatchAddress
	if address == "" {
		var err error
		address, err = AddressFromURL(cfg.Backend.URL)
		if err != nil {
			return nil, err
		}
	}

	timeout := cfg.Connectivity.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	interval := cfg.Connectivity.WatchInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	dialer := &net.Dialer{}
	return &NetworkWatcher{
		monitor:  monitor,
		address:  address,
		interval: interval,
		timeout:  timeout,
		dial:     dialer.DialContext,
		logger:   logger,
	}, nil
}

// SetDialer overrides how connections are opened
func (w *NetworkWatcher) SetDialer(dial DialFunc) {
	w.dial = dial
}

// Address returns the dialed host:port
func (w *NetworkWatcher) Address() string {
	return w.address
}

// Check dials once and feeds the result to the monitor
func (w *NetworkWatcher) Check(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	conn, err := w.dial(dialCtx, "tcp", w.address)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.logger.Debug("Network check failed", "address", w.address, "error", err)
		w.monitor.SetOnline(false)
		return false
	}
	conn.Close()

	w.monitor.SetOnline(true)
	return true
}

// Run checks at the configured interval until ctx is done
func (w *NetworkWatcher) Run(ctx context.Context) {
	if !w.monitor.Active() {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// AddressFromURL derives host:port from a backend URL
func AddressFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing backend URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("backend URL %q has no host", raw)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return "", fmt.Errorf("backend URL %q has no port and an unknown scheme", raw)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
