// Package daemon runs the sync engine in the background.
//
// The daemon:
// 1. Initializes the engine on startup (one full sync when reachable)
// 2. Triggers a full sync on a configurable interval
// 3. Re-probes the connection while the remote is unreachable
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/Sykios/JobManager-sub002/internal/engine"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a full sync is triggered.
	SyncInterval time.Duration

	// RetryInterval is how often the connection is re-probed while the
	// remote is unreachable.
	RetryInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  5 * time.Minute,
		RetryInterval: 30 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives periodic synchronization.
type Daemon struct {
	engine *engine.Engine
	config *Config

	intervalMu sync.Mutex
	interval   time.Duration
	reload     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance. Use Start() to begin syncing.
func New(eng *engine.Engine, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 5 * time.Minute
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:   eng,
		config:   config,
		interval: config.SyncInterval,
		reload:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon initializes the engine (which performs one full sync when the
// remote is reachable), then syncs on every interval tick. This blocks until
// ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	if err := d.engine.Initialize(ctx); err != nil {
		return fmt.Errorf("engine initialization failed: %w", err)
	}

	d.wg.Add(1)
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. An in-flight sync cycle is allowed
// to finish.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping sync daemon")
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// SetInterval changes the sync interval at runtime. Used by config hot-reload.
func (d *Daemon) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.intervalMu.Lock()
	changed := d.interval != interval
	d.interval = interval
	d.intervalMu.Unlock()

	if !changed {
		return
	}
	d.config.Logger.Printf("Sync interval changed to %s", interval)
	select {
	case d.reload <- struct{}{}:
	default:
	}
}

// Interval returns the current sync interval.
func (d *Daemon) Interval() time.Duration {
	d.intervalMu.Lock()
	defer d.intervalMu.Unlock()
	return d.interval
}

// syncLoop triggers a full sync on every interval tick. While the remote is
// unreachable a faster retry ticker re-probes the connection instead.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.Interval())
	defer ticker.Stop()

	retry := time.NewTicker(d.config.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.reload:
			ticker.Reset(d.Interval())

		case <-ticker.C:
			d.runCycle()

		case <-retry.C:
			d.retryIfUnavailable()
		}
	}
}

// retryIfUnavailable re-probes the connection during an outage. A successful
// probe re-enables sync and runs a catch-up cycle.
func (d *Daemon) retryIfUnavailable() {
	status, err := d.engine.Status(d.ctx)
	if err != nil || !status.SyncEnabled || status.SyncAvailable {
		return
	}
	if d.engine.RetryConnection(d.ctx) {
		d.config.Logger.Println("Connection restored")
	}
}

// runCycle performs one scheduled sync attempt.
func (d *Daemon) runCycle() {
	status, err := d.engine.Status(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Failed to read sync status: %v", err)
		return
	}
	if !status.SyncEnabled || !status.SyncAvailable {
		return
	}

	result, err := d.engine.TriggerSync(d.ctx)
	if err == engine.ErrSyncInProgress {
		return
	}
	if err != nil {
		d.config.Logger.Printf("Scheduled sync failed: %v", err)
		return
	}
	if result.Err != nil {
		d.config.Logger.Printf("Scheduled sync aborted: %v", result.Err)
	}
}
