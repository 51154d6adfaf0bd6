// Package health tracks whether the remote API is reachable and keeps the
// persisted availability flag in step with what probes actually observe.
package health

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/Sykios/JobManager-sub002/internal/settings"
	"github.com/Sykios/JobManager-sub002/internal/syncerr"
)

// State is the last observed connection state.
type State int

const (
	// StateUnknown means no probe has run yet this process lifetime.
	StateUnknown State = iota
	// StateAvailable means the last probe reached the remote API.
	StateAvailable
	// StateUnavailable means the last probe failed.
	StateUnavailable
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Prober is the minimal transport surface the monitor needs.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor probes the remote API and persists the availability flag so other
// components (and the next process start) see a consistent view.
type Monitor struct {
	prober   Prober
	settings *settings.Store
	logger   *log.Logger

	mu    sync.Mutex
	state State
}

// New creates a Monitor. If logger is nil, a default stderr logger is used.
func New(prober Prober, st *settings.Store, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[health] ", log.LstdFlags)
	}
	return &Monitor{
		prober:   prober,
		settings: st,
		logger:   logger,
	}
}

// State returns the last observed connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TestConnection probes the remote API and persists the result to the
// availability flag. On failure it returns a connection-level error; the
// persisted flag is updated either way.
func (m *Monitor) TestConnection(ctx context.Context) error {
	probeErr := m.prober.Health(ctx)
	available := probeErr == nil

	m.mu.Lock()
	prev := m.state
	if available {
		m.state = StateAvailable
	} else {
		m.state = StateUnavailable
	}
	m.mu.Unlock()

	if err := m.settings.SetBool(ctx, settings.KeySyncAvailable, available); err != nil {
		m.logger.Printf("Failed to persist availability flag: %v", err)
	}

	if prev != StateUnknown {
		if available && prev == StateUnavailable {
			m.logger.Printf("Connection restored")
		} else if !available && prev == StateAvailable {
			m.logger.Printf("Connection lost: %v", probeErr)
		}
	}

	if probeErr != nil {
		if syncerr.IsKind(probeErr, syncerr.KindConnection) {
			return probeErr
		}
		return syncerr.Connection("connection test", probeErr)
	}
	return nil
}

// RetryConnection re-probes the remote API after an outage. When the probe
// succeeds it re-enables sync and kicks off the supplied sync function; a
// failure of that sync does not undo the reconnect. Returns whether the
// probe succeeded.
func (m *Monitor) RetryConnection(ctx context.Context, sync func(context.Context) error) bool {
	if err := m.TestConnection(ctx); err != nil {
		return false
	}

	if err := m.settings.SetBool(ctx, settings.KeyEnableSync, true); err != nil {
		m.logger.Printf("Failed to re-enable sync: %v", err)
	}

	if sync != nil {
		if err := sync(ctx); err != nil {
			m.logger.Printf("Post-reconnect sync failed: %v", err)
		}
	}
	return true
}
