// Package engine coordinates the full synchronization cycle: drain the
// outbox to the remote API, pull remote deltas since the last sync, apply
// them locally, clean up, and persist the sync watermark.
//
// At most one cycle runs at a time. A concurrent attempt fails immediately
// with ErrSyncInProgress instead of queuing. Item pushes are sequential in
// outbox order and table pulls run one table at a time, keeping error
// attribution predictable.
//
// Example:
//
//	db, _ := store.Open("jobs.db")
//	client := transport.New("https://api.example.com", auth, nil)
//	eng := engine.New(db, client, nil)
//	result, err := eng.TriggerSync(ctx)
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Sykios/JobManager-sub002/internal/health"
	"github.com/Sykios/JobManager-sub002/internal/outbox"
	"github.com/Sykios/JobManager-sub002/internal/payload"
	"github.com/Sykios/JobManager-sub002/internal/reconcile"
	"github.com/Sykios/JobManager-sub002/internal/settings"
	"github.com/Sykios/JobManager-sub002/internal/store"
	"github.com/Sykios/JobManager-sub002/internal/syncerr"
	"github.com/Sykios/JobManager-sub002/internal/transport"
)

// ErrSyncInProgress is returned when a sync is requested while another
// cycle is already running.
var ErrSyncInProgress = errors.New("sync already in progress")

// DefaultRetention is how long processed outbox rows are kept before cleanup.
const DefaultRetention = 7 * 24 * time.Hour

// ItemError records one outbox item that failed to push.
type ItemError struct {
	ItemID int64
	Table  string
	Err    error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s item %d: %v", e.Table, e.ItemID, e.Err)
}

// Result aggregates what one sync cycle did.
type Result struct {
	// Success is true only when the cycle completed with no cycle-level
	// error and no failed items.
	Success bool

	// Tables lists the tables touched during the pull phase.
	Tables []string

	// Pushed and Pulled count items drained and remote records applied.
	Pushed int
	Pulled int

	// ItemErrors holds per-item push failures. They never abort the cycle.
	ItemErrors []ItemError

	// Err is the cycle-level error, if the cycle aborted.
	Err error

	// Message is a human-readable outcome summary.
	Message string

	// StartedAt is the cycle-start timestamp, the value persisted as the
	// sync watermark so concurrent writes are re-pulled next cycle.
	StartedAt time.Time
	Duration  time.Duration
}

// Status is a point-in-time snapshot of the engine's state.
type Status struct {
	LastSync       time.Time
	HasSynced      bool
	PendingItems   int
	SyncInProgress bool
	SyncEnabled    bool
	SyncAvailable  bool

	// IsOnline is true only when sync is both enabled and available.
	IsOnline bool
}

// Events receives sync lifecycle notifications. All methods are called
// synchronously from the syncing goroutine; implementations must not block.
type Events interface {
	SyncStarted()
	SyncCompleted(result *Result)
	ConnectionChanged(available bool)
}

// Config holds engine configuration.
type Config struct {
	// Retention is how long processed outbox rows are kept (default 7 days).
	Retention time.Duration

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger

	// Events receives lifecycle notifications (optional).
	Events Events
}

// Engine is the sync orchestrator. Construct once at process start and pass
// to all consumers; there is no ambient global instance.
type Engine struct {
	db         *store.DB
	queue      *outbox.Queue
	settings   *settings.Store
	client     *transport.Client
	health     *health.Monitor
	reconciler *reconcile.Reconciler
	logger     *log.Logger
	events     Events
	retention  time.Duration

	syncing atomic.Bool
}

// New creates an Engine on top of an open database and transport client.
func New(db *store.DB, client *transport.Client, cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	raw := db.RawDB()
	st := settings.New(raw)
	return &Engine{
		db:         db,
		queue:      outbox.New(raw, cfg.Logger),
		settings:   st,
		client:     client,
		health:     health.New(client, st, cfg.Logger),
		reconciler: reconcile.New(raw, cfg.Logger),
		logger:     cfg.Logger,
		events:     cfg.Events,
		retention:  cfg.Retention,
	}
}

// Outbox returns the engine's outbox queue. Mutating services append their
// committed writes here.
func (e *Engine) Outbox() *outbox.Queue {
	return e.queue
}

// Settings returns the engine's durable settings store.
func (e *Engine) Settings() *settings.Store {
	return e.settings
}

// Health returns the engine's connection monitor.
func (e *Engine) Health() *health.Monitor {
	return e.health
}

// Initialize brings the engine up at process start. An unauthenticated
// provider disables sync; probe or sync failures degrade silently to offline
// mode. Only local settings-write failures are returned.
func (e *Engine) Initialize(ctx context.Context) error {
	if !e.client.Auth().IsAuthenticated(ctx) {
		e.logger.Printf("Not authenticated, sync disabled")
		return e.settings.SetBool(ctx, settings.KeyEnableSync, false)
	}

	if err := e.settings.SetBool(ctx, settings.KeyEnableSync, true); err != nil {
		return err
	}

	if err := e.health.TestConnection(ctx); err != nil {
		e.logger.Printf("Starting in offline mode: %v", err)
		e.emitConnection(false)
		return nil
	}
	e.emitConnection(true)

	if result, err := e.FullSync(ctx); err != nil {
		e.logger.Printf("Initial sync skipped: %v", err)
	} else if !result.Success {
		e.logger.Printf("Initial sync incomplete: %s", result.Message)
	}
	return nil
}

// TriggerSync runs a user-initiated full sync. It short-circuits with an
// offline result when sync is unavailable, issuing no network calls.
func (e *Engine) TriggerSync(ctx context.Context) (*Result, error) {
	available, err := e.settings.GetBool(ctx, settings.KeySyncAvailable)
	if err != nil {
		return nil, err
	}
	if !available {
		return &Result{
			Success:   false,
			Message:   "offline: remote API is not reachable",
			StartedAt: time.Now().UTC(),
		}, nil
	}
	return e.FullSync(ctx)
}

// FullSync runs one push → pull → cleanup cycle. Only one cycle runs at a
// time; a concurrent call returns ErrSyncInProgress without side effects.
func (e *Engine) FullSync(ctx context.Context) (*Result, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	started := time.Now().UTC()
	result := &Result{StartedAt: started}
	defer func() { result.Duration = time.Since(started) }()

	e.emitStarted()
	defer e.emitCompleted(result)

	available, err := e.settings.GetBool(ctx, settings.KeySyncAvailable)
	if err != nil {
		result.Err = err
		result.Message = "failed to read availability flag"
		return result, nil
	}
	if !available {
		result.Message = "sync unavailable, skipping cycle"
		return result, nil
	}

	// Re-verify reachability; stale flags only gate optimistic attempts.
	if err := e.health.TestConnection(ctx); err != nil {
		e.emitConnection(false)
		result.Err = err
		result.Message = "connection probe failed"
		return result, nil
	}
	e.emitConnection(true)

	if err := e.pushPending(ctx, result); err != nil {
		result.Err = err
		result.Message = "push phase aborted"
		return result, nil
	}

	if err := e.pullTables(ctx, result); err != nil {
		result.Err = err
		result.Message = "pull phase aborted"
		return result, nil
	}

	if _, err := e.queue.Cleanup(ctx, e.retention); err != nil {
		e.logger.Printf("Outbox cleanup failed: %v", err)
	}

	// The watermark is the cycle START so writes landing remotely during
	// this cycle are picked up by the next pull.
	if err := e.settings.SetTime(ctx, settings.KeyLastSyncTime, started); err != nil {
		result.Err = err
		result.Message = "failed to persist sync watermark"
		return result, nil
	}

	result.Success = len(result.ItemErrors) == 0
	if result.Success {
		result.Message = fmt.Sprintf("synced: %d pushed, %d pulled", result.Pushed, result.Pulled)
	} else {
		result.Message = fmt.Sprintf("partial sync: %d pushed, %d pulled, %d failed",
			result.Pushed, result.Pulled, len(result.ItemErrors))
	}
	e.logger.Printf("Sync complete in %s: %s", time.Since(started).Round(time.Millisecond), result.Message)
	return result, nil
}

// pushPending drains the outbox in FIFO order. Item failures are isolated;
// only connection loss or an unrecoverable auth failure aborts the phase.
func (e *Engine) pushPending(ctx context.Context, result *Result) error {
	items, err := e.queue.Pending(ctx)
	if err != nil {
		return err
	}

	for _, item := range items {
		err := e.pushItem(ctx, item)
		if err == nil {
			if markErr := e.queue.MarkProcessed(ctx, item.ID); markErr != nil {
				e.logger.Printf("Failed to mark item %d processed: %v", item.ID, markErr)
			}
			result.Pushed++
			continue
		}

		switch {
		case syncerr.IsKind(err, syncerr.KindValidation):
			// Poison item: keep it visible but exhaust its retry budget so
			// it stops churning every cycle.
			e.logger.Printf("Item %d has malformed payload, throttling: %v", item.ID, err)
			if markErr := e.queue.MarkPoisoned(ctx, item.ID, err.Error()); markErr != nil {
				e.logger.Printf("Failed to mark item %d poisoned: %v", item.ID, markErr)
			}
			result.ItemErrors = append(result.ItemErrors, ItemError{ItemID: item.ID, Table: item.TableName, Err: err})

		case syncerr.IsKind(err, syncerr.KindConnection):
			// Connection died mid-push: the rest of the batch cannot succeed.
			if markErr := e.queue.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
				e.logger.Printf("Failed to mark item %d failed: %v", item.ID, markErr)
			}
			e.emitConnection(false)
			if setErr := e.settings.SetBool(ctx, settings.KeySyncAvailable, false); setErr != nil {
				e.logger.Printf("Failed to persist availability flag: %v", setErr)
			}
			return err

		case syncerr.IsKind(err, syncerr.KindAuth):
			// Every remaining item would hit the same wall.
			if markErr := e.queue.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
				e.logger.Printf("Failed to mark item %d failed: %v", item.ID, markErr)
			}
			return err

		default:
			if markErr := e.queue.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
				e.logger.Printf("Failed to mark item %d failed: %v", item.ID, markErr)
			}
			result.ItemErrors = append(result.ItemErrors, ItemError{ItemID: item.ID, Table: item.TableName, Err: err})
		}
	}
	return nil
}

// pushItem sends one outbox item to the remote API. A panic while processing
// the item is recovered and converted to a transport error so a single poison
// item cannot crash the loop.
func (e *Engine) pushItem(ctx context.Context, item *outbox.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = syncerr.Transport(
				fmt.Sprintf("push %s %s/%d", item.Operation, item.TableName, item.RecordID),
				0, fmt.Errorf("panic while pushing: %v", r))
		}
	}()

	req := transport.PushRequest{
		LocalID:   item.RecordID,
		Data:      item.Data,
		Operation: string(item.Operation),
		Timestamp: item.CreatedAt,
	}

	switch item.Operation {
	case outbox.OpCreate:
		if _, err := payload.Open(item.Data); err != nil {
			return err
		}
		resp, err := e.client.Create(ctx, item.TableName, req)
		if err != nil {
			return err
		}
		e.recordCloudID(ctx, item.TableName, item.RecordID, resp.ID)
		return nil

	case outbox.OpUpdate:
		if _, err := payload.Open(item.Data); err != nil {
			return err
		}
		return e.client.Update(ctx, item.TableName, e.remoteID(ctx, item), req)

	case outbox.OpDelete:
		return e.client.Delete(ctx, item.TableName, e.remoteID(ctx, item))

	default:
		return syncerr.Validation("push item",
			fmt.Errorf("unknown operation %q", item.Operation))
	}
}

// remoteID returns the cloud id mapped to the item's local row, falling back
// to the local id when no mapping exists yet. The request body carries the
// local id either way so the remote can resolve both.
func (e *Engine) remoteID(ctx context.Context, item *outbox.Item) string {
	var cloudID sql.NullString
	err := e.db.RawDB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT cloud_id FROM %s WHERE id = ?", item.TableName),
		item.RecordID,
	).Scan(&cloudID)
	if err == nil && cloudID.Valid && cloudID.String != "" {
		return cloudID.String
	}
	return strconv.FormatInt(item.RecordID, 10)
}

// recordCloudID stores the remote id assigned to a freshly created row.
func (e *Engine) recordCloudID(ctx context.Context, table string, localID int64, cloudID string) {
	if cloudID == "" {
		return
	}
	_, err := e.db.RawDB().ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET cloud_id = ?, last_synced_at = ? WHERE id = ? AND cloud_id IS NULL", table),
		cloudID, time.Now().UTC().Format(time.RFC3339Nano), localID)
	if err != nil {
		e.logger.Printf("Failed to record cloud id for %s/%d: %v", table, localID, err)
	}
}

// pullTables fetches and applies remote deltas for every syncable table.
// Table failures are isolated unless the connection itself is gone.
func (e *Engine) pullTables(ctx context.Context, result *Result) error {
	since, _, err := e.settings.GetTime(ctx, settings.KeyLastSyncTime)
	if err != nil {
		return err
	}

	for _, table := range store.SyncTables {
		records, err := e.client.Pull(ctx, table, since)
		if err != nil {
			if syncerr.IsKind(err, syncerr.KindConnection) || syncerr.IsKind(err, syncerr.KindAuth) {
				return err
			}
			e.logger.Printf("Pull for %s failed: %v", table, err)
			result.ItemErrors = append(result.ItemErrors, ItemError{Table: table, Err: err})
			continue
		}
		result.Tables = append(result.Tables, table)
		if len(records) == 0 {
			continue
		}

		summary, err := e.reconciler.ApplyRemoteChanges(ctx, table, records)
		if summary != nil {
			result.Pulled += summary.Upserts + summary.Deletes
		}
		if err != nil {
			e.logger.Printf("Reconciliation for %s failed: %v", table, err)
			result.ItemErrors = append(result.ItemErrors, ItemError{Table: table, Err: err})
		}
	}
	return nil
}

// ShutdownSync flushes pending changes before process exit, reporting
// progress through the callback (invoked synchronously, at most once per
// step). It never blocks shutdown: any failure is reported in the result.
func (e *Engine) ShutdownSync(ctx context.Context, progress func(string)) *Result {
	notify := func(msg string) {
		if progress != nil {
			progress(msg)
		}
	}

	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		notify("Could not inspect pending changes, exiting")
		return &Result{Err: err, Message: "failed to count pending items", StartedAt: time.Now().UTC()}
	}
	if pending == 0 {
		notify("No pending changes")
		return &Result{Success: true, Message: "nothing to sync", StartedAt: time.Now().UTC()}
	}

	notify("Checking connection...")
	if err := e.health.TestConnection(ctx); err != nil {
		notify("Offline: changes will sync on next start")
		return &Result{Err: err, Message: "offline at shutdown", StartedAt: time.Now().UTC()}
	}

	notify(fmt.Sprintf("Syncing %d pending change(s)...", pending))
	result, err := e.FullSync(ctx)
	if err != nil {
		notify("Sync already running, exiting")
		return &Result{Err: err, Message: "sync already in progress", StartedAt: time.Now().UTC()}
	}

	if result.Success {
		notify("All changes synced")
	} else {
		notify("Some changes could not be synced; they remain queued")
	}
	return result
}

// Status returns a point-in-time snapshot of the engine's state.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	lastSync, hasSynced, err := e.settings.GetTime(ctx, settings.KeyLastSyncTime)
	if err != nil {
		return nil, err
	}
	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := e.settings.GetBool(ctx, settings.KeyEnableSync)
	if err != nil {
		return nil, err
	}
	available, err := e.settings.GetBool(ctx, settings.KeySyncAvailable)
	if err != nil {
		return nil, err
	}

	return &Status{
		LastSync:       lastSync,
		HasSynced:      hasSynced,
		PendingItems:   pending,
		SyncInProgress: e.syncing.Load(),
		SyncEnabled:    enabled,
		SyncAvailable:  available,
		IsOnline:       enabled && available,
	}, nil
}

// RetryConnection re-probes the remote API after an outage; a successful
// probe re-enables sync and runs a full cycle.
func (e *Engine) RetryConnection(ctx context.Context) bool {
	return e.health.RetryConnection(ctx, func(ctx context.Context) error {
		result, err := e.FullSync(ctx)
		if err != nil {
			return err
		}
		if result.Err != nil {
			return result.Err
		}
		return nil
	})
}

func (e *Engine) emitStarted() {
	if e.events != nil {
		e.events.SyncStarted()
	}
}

func (e *Engine) emitCompleted(result *Result) {
	if e.events != nil {
		e.events.SyncCompleted(result)
	}
}

func (e *Engine) emitConnection(available bool) {
	if e.events != nil {
		e.events.ConnectionChanged(available)
	}
}
