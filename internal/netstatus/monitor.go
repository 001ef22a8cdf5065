// Package netstatus reports whether the host currently has a usable
// network. The Connection Manager consults it to decide between burning
// reconnect attempts and parking in a waiting-for-network state.
package netstatus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Source exposes current online/offline status and change notifications.
type Source interface {
	// Online reports whether the host network is currently usable.
	Online() bool

	// Changes returns a channel receiving the new status on every change.
	Changes() <-chan bool
}

// Monitor polls host network interfaces and derives online/offline status.
// The host counts as online when at least one non-loopback interface is up
// and has an address assigned.
type Monitor struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	online  bool
	known   bool
	changes chan bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// interfaces is swapped in tests.
	interfaces func(ctx context.Context) (psnet.InterfaceStatList, error)
}

// NewMonitor creates a monitor polling at the given interval.
func NewMonitor(interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		interval:   interval,
		logger:     logger,
		changes:    make(chan bool, 8),
		interfaces: psnet.InterfacesWithContext,
	}
}

// Start performs an immediate check and begins the polling loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.check(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}()

	m.logger.Info("network status monitor started", "interval", m.interval)
}

// Stop cancels the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Online reports the last observed status.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known {
		// Never assume offline before the first check completes.
		return true
	}
	return m.online
}

// Changes returns the status change channel.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

// check polls interfaces once and publishes a change if the status flipped.
func (m *Monitor) check(ctx context.Context) {
	online := m.probe(ctx)

	m.mu.Lock()
	changed := !m.known || online != m.online
	m.online = online
	m.known = true
	m.mu.Unlock()

	if changed {
		m.logger.Info("host network status changed", "online", online)
		select {
		case m.changes <- online:
		default:
			// A slow consumer misses intermediate flips, never the poll loop.
		}
	}
}

// probe returns true when any non-loopback interface is up with an address.
// Probe failures count as online: a broken stats API must not strand the
// manager in waiting_for_network.
func (m *Monitor) probe(ctx context.Context) bool {
	ifaces, err := m.interfaces(ctx)
	if err != nil {
		m.logger.Debug("interface query failed", "error", err)
		return true
	}

	for _, iface := range ifaces {
		if isLoopback(iface) || !isUp(iface) {
			continue
		}
		if len(iface.Addrs) > 0 {
			return true
		}
	}
	return false
}

func isUp(iface psnet.InterfaceStat) bool {
	for _, flag := range iface.Flags {
		if strings.EqualFold(flag, "up") {
			return true
		}
	}
	return false
}

func isLoopback(iface psnet.InterfaceStat) bool {
	for _, flag := range iface.Flags {
		if strings.EqualFold(flag, "loopback") {
			return true
		}
	}
	return false
}
