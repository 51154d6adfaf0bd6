package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sykios/JobManager-sub002/internal/outbox"
	"github.com/Sykios/JobManager-sub002/internal/payload"
	"github.com/Sykios/JobManager-sub002/internal/settings"
	"github.com/Sykios/JobManager-sub002/internal/store"
	"github.com/Sykios/JobManager-sub002/internal/transport"
)

type staticAuth struct {
	token         string
	authenticated bool
}

func (a *staticAuth) IsAuthenticated(ctx context.Context) bool { return a.authenticated }
func (a *staticAuth) AccessToken(ctx context.Context) (string, bool) {
	return a.token, a.token != ""
}
func (a *staticAuth) RefreshSession(ctx context.Context) (*transport.Session, error) {
	return &transport.Session{AccessToken: a.token}, nil
}

// fakeRemote is a scriptable stand-in for the remote sync API.
type fakeRemote struct {
	mu       sync.Mutex
	requests int32
	nextID   int

	// createStatus lets tests force push failures (0 means 201).
	createStatus int

	// pulls maps table name to the records a GET returns.
	pulls map[string][]transport.CloudRecord

	// block, when non-nil, parks the health handler until closed.
	block chan struct{}
}

func (f *fakeRemote) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.requests, 1)

		if r.URL.Path == "/health" {
			if f.block != nil {
				<-f.block
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		switch r.Method {
		case http.MethodPost:
			f.mu.Lock()
			status := f.createStatus
			f.nextID++
			id := fmt.Sprintf("cloud-%d", f.nextID)
			f.mu.Unlock()
			if status != 0 {
				w.WriteHeader(status)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(transport.PushResponse{ID: id})

		case http.MethodPut, http.MethodDelete:
			w.WriteHeader(http.StatusOK)

		case http.MethodGet:
			table := strings.TrimPrefix(r.URL.Path, "/")
			f.mu.Lock()
			records := f.pulls[table]
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(records)
		}
	})
}

func (f *fakeRemote) requestCount() int32 {
	return atomic.LoadInt32(&f.requests)
}

func setupEngine(t *testing.T, remote *fakeRemote) *Engine {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)

	client := transport.New(srv.URL, &staticAuth{token: "tok", authenticated: true}, &transport.Config{
		Timeout: 5 * time.Second,
		Logger:  log.New(os.Stderr, "[test] ", 0),
	})

	eng := New(db, client, &Config{Logger: log.New(os.Stderr, "[test] ", 0)})
	if err := eng.Settings().SetBool(context.Background(), settings.KeySyncAvailable, true); err != nil {
		t.Fatalf("failed to seed availability flag: %v", err)
	}
	return eng
}

func wrap(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	data, err := payload.Wrap(fields)
	if err != nil {
		t.Fatalf("failed to wrap payload: %v", err)
	}
	return data
}

func TestConcurrentSyncFailsFastWithoutNetwork(t *testing.T) {
	remote := &fakeRemote{block: make(chan struct{})}
	eng := setupEngine(t, remote)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = eng.FullSync(ctx)
	}()

	// Wait for the first cycle to be parked inside its health probe.
	deadline := time.After(5 * time.Second)
	for eng.syncing.Load() == false {
		select {
		case <-deadline:
			t.Fatal("first sync never started")
		case <-time.After(time.Millisecond):
		}
	}

	before := remote.requestCount()
	_, err := eng.FullSync(ctx)
	if err != ErrSyncInProgress {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}
	if after := remote.requestCount(); after != before {
		t.Errorf("concurrent sync must not issue network requests (%d -> %d)", before, after)
	}

	close(remote.block)
	<-done
}

func TestTriggerSyncShortCircuitsOffline(t *testing.T) {
	remote := &fakeRemote{}
	eng := setupEngine(t, remote)
	ctx := context.Background()

	if err := eng.Settings().SetBool(ctx, settings.KeySyncAvailable, false); err != nil {
		t.Fatalf("SetBool failed: %v", err)
	}

	result, err := eng.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}
	if result.Success {
		t.Error("offline trigger must return a failed result")
	}
	if !strings.Contains(result.Message, "offline") {
		t.Errorf("expected an offline message, got %q", result.Message)
	}
	if n := remote.requestCount(); n != 0 {
		t.Errorf("offline trigger must issue zero HTTP calls, got %d", n)
	}
}

func TestPushMarksProcessedAndRecordsCloudID(t *testing.T) {
	remote := &fakeRemote{}
	eng := setupEngine(t, remote)
	ctx := context.Background()

	// A row created offline, plus its outbox entry
	res, err := eng.db.RawDB().Exec(
		"INSERT INTO applications (data, updated_at) VALUES (?, ?)",
		wrap(t, map[string]any{"company": "Acme"}),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}
	localID, _ := res.LastInsertId()

	if err := eng.Outbox().Enqueue(ctx, "applications", localID, outbox.OpCreate, wrap(t, map[string]any{"company": "Acme"})); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("FullSync failed: %v", err)
	}
	if !result.Success || result.Pushed != 1 {
		t.Errorf("expected a clean push, got %+v", result)
	}

	items, err := eng.Outbox().Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(items) != 0 {
		t.Error("pushed item must be excluded from the next cycle's pending set")
	}

	var cloudID string
	if err := eng.db.RawDB().QueryRow("SELECT cloud_id FROM applications WHERE id = ?", localID).Scan(&cloudID); err != nil {
		t.Fatalf("failed to read cloud id: %v", err)
	}
	if cloudID != "cloud-1" {
		t.Errorf("expected cloud-1 mapping, got %q", cloudID)
	}
}

func TestFailingItemDoesNotBlockBatch(t *testing.T) {
	remote := &fakeRemote{createStatus: http.StatusInternalServerError}
	eng := setupEngine(t, remote)
	ctx := context.Background()

	if err := eng.Outbox().Enqueue(ctx, "applications", 1, outbox.OpCreate, wrap(t, map[string]any{"n": 1})); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// The delete uses DELETE, which the fake always accepts
	if err := eng.Outbox().Enqueue(ctx, "companies", 2, outbox.OpDelete, nil); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("FullSync failed: %v", err)
	}
	if result.Success {
		t.Error("cycle with a failed item must not report success")
	}
	if result.Pushed != 1 {
		t.Errorf("the healthy item should still push, got %d", result.Pushed)
	}
	if len(result.ItemErrors) != 1 {
		t.Fatalf("expected 1 item error, got %d", len(result.ItemErrors))
	}

	items, err := eng.Outbox().Pending(ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("expected the failed item to stay pending, got %d (err=%v)", len(items), err)
	}
	if items[0].RetryCount != 1 {
		t.Errorf("expected retry_count 1 after one failed attempt, got %d", items[0].RetryCount)
	}

	// A second cycle increments the count again
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("second FullSync failed: %v", err)
	}
	items, _ = eng.Outbox().Pending(ctx)
	if len(items) != 1 || items[0].RetryCount != 2 {
		t.Errorf("expected retry_count 2 after two attempts, got %+v", items)
	}
}

func TestMalformedPayloadIsPoisonedNotRetried(t *testing.T) {
	remote := &fakeRemote{}
	eng := setupEngine(t, remote)
	ctx := context.Background()

	if err := eng.Outbox().Enqueue(ctx, "contacts", 5, outbox.OpCreate, []byte("not an envelope")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("FullSync failed: %v", err)
	}
	if len(result.ItemErrors) != 1 {
		t.Fatalf("expected 1 item error, got %d", len(result.ItemErrors))
	}

	// The item is throttled out of the pending set but never dropped
	items, err := eng.Outbox().Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(items) != 0 {
		t.Error("poisoned item should not resurface immediately")
	}
	count, _ := eng.Outbox().PendingCount(ctx)
	if count != 1 {
		t.Errorf("poisoned item must still count as pending, got %d", count)
	}
}

func TestPullAppliesRecordsAndTombstones(t *testing.T) {
	remote := &fakeRemote{pulls: map[string][]transport.CloudRecord{}}
	eng := setupEngine(t, remote)
	ctx := context.Background()

	// A previously synced row the remote has since deleted
	_, err := eng.db.RawDB().Exec(
		"INSERT INTO applications (data, updated_at, cloud_id) VALUES (?, ?, ?)",
		wrap(t, map[string]any{"company": "Doomed"}),
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano), "cloud-del")
	if err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}

	now := time.Now().UTC()
	deleted := now
	remote.pulls["applications"] = []transport.CloudRecord{
		{ID: "cloud-a", Data: wrap(t, map[string]any{"company": "A"}), UpdatedAt: now},
		{ID: "cloud-b", Data: wrap(t, map[string]any{"company": "B"}), UpdatedAt: now},
		{ID: "cloud-del", DeletedAt: &deleted},
	}

	result, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("FullSync failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("sync failed: %+v", result)
	}
	if result.Pulled != 3 {
		t.Errorf("expected 3 applied records, got %d", result.Pulled)
	}

	var n int
	if err := eng.db.RawDB().QueryRow("SELECT COUNT(*) FROM applications").Scan(&n); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if n != 2 {
		t.Errorf("expected exactly 2 rows after reconciliation, got %d", n)
	}
	var tombstoned int
	_ = eng.db.RawDB().QueryRow("SELECT COUNT(*) FROM applications WHERE cloud_id = 'cloud-del'").Scan(&tombstoned)
	if tombstoned != 0 {
		t.Error("tombstoned row should be removed")
	}
}

func TestWatermarkIsCycleStart(t *testing.T) {
	remote := &fakeRemote{}
	eng := setupEngine(t, remote)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	result, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("FullSync failed: %v", err)
	}
	after := time.Now().UTC().Add(time.Second)

	lastSync, ok, err := eng.Settings().GetTime(ctx, settings.KeyLastSyncTime)
	if err != nil || !ok {
		t.Fatalf("watermark not persisted (ok=%v, err=%v)", ok, err)
	}
	if lastSync.Before(before) || lastSync.After(after) {
		t.Errorf("watermark %v outside cycle bounds [%v, %v]", lastSync, before, after)
	}
	if diff := lastSync.Sub(result.StartedAt.Truncate(time.Second)); diff < 0 || diff > time.Second {
		t.Errorf("watermark should equal the cycle start, got %v vs %v", lastSync, result.StartedAt)
	}
}

func TestInitializeUnauthenticatedDisablesSync(t *testing.T) {
	remote := &fakeRemote{}
	eng := setupEngine(t, remote)
	ctx := context.Background()

	srv := httptest.NewServer(remote.handler())
	defer srv.Close()
	eng.client = transport.New(srv.URL, &staticAuth{authenticated: false}, &transport.Config{
		Timeout: time.Second, Logger: log.New(os.Stderr, "[test] ", 0),
	})

	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	enabled, err := eng.Settings().GetBool(ctx, settings.KeyEnableSync)
	if err != nil {
		t.Fatalf("GetBool failed: %v", err)
	}
	if enabled {
		t.Error("sync must be disabled when unauthenticated")
	}
	if n := remote.requestCount(); n != 0 {
		t.Errorf("unauthenticated initialize must not touch the network, got %d requests", n)
	}
}

func TestShutdownSyncProgressSteps(t *testing.T) {
	remote := &fakeRemote{}
	eng := setupEngine(t, remote)
	ctx := context.Background()

	if err := eng.Outbox().Enqueue(ctx, "reminders", 1, outbox.OpCreate, wrap(t, map[string]any{"note": "x"})); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var steps []string
	result := eng.ShutdownSync(ctx, func(msg string) { steps = append(steps, msg) })
	if !result.Success {
		t.Fatalf("shutdown sync failed: %+v", result)
	}

	if len(steps) != 3 {
		t.Fatalf("expected 3 progress steps, got %d: %v", len(steps), steps)
	}
	if !strings.Contains(steps[0], "connection") && !strings.Contains(steps[0], "Checking") {
		t.Errorf("unexpected first step %q", steps[0])
	}
	if !strings.Contains(steps[1], "1 pending") {
		t.Errorf("second step should name the pending count, got %q", steps[1])
	}
	if !strings.Contains(steps[2], "synced") {
		t.Errorf("unexpected final step %q", steps[2])
	}
}

func TestShutdownSyncNothingPending(t *testing.T) {
	remote := &fakeRemote{}
	eng := setupEngine(t, remote)

	var steps []string
	result := eng.ShutdownSync(context.Background(), func(msg string) { steps = append(steps, msg) })
	if !result.Success {
		t.Fatalf("expected success with nothing pending, got %+v", result)
	}
	if len(steps) != 1 {
		t.Errorf("expected a single progress step, got %v", steps)
	}
	if n := remote.requestCount(); n != 0 {
		t.Errorf("nothing-pending shutdown must not touch the network, got %d requests", n)
	}
}

func TestStatusSnapshot(t *testing.T) {
	remote := &fakeRemote{}
	eng := setupEngine(t, remote)
	ctx := context.Background()

	if err := eng.Settings().SetBool(ctx, settings.KeyEnableSync, true); err != nil {
		t.Fatalf("SetBool failed: %v", err)
	}
	if err := eng.Outbox().Enqueue(ctx, "applications", 1, outbox.OpCreate, wrap(t, map[string]any{"n": 1})); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	status, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.HasSynced {
		t.Error("no sync has run yet")
	}
	if status.PendingItems != 1 {
		t.Errorf("expected 1 pending item, got %d", status.PendingItems)
	}
	if status.SyncInProgress {
		t.Error("no sync is in progress")
	}
	if !status.IsOnline {
		t.Error("enabled + available should report online")
	}

	if err := eng.Settings().SetBool(ctx, settings.KeySyncAvailable, false); err != nil {
		t.Fatalf("SetBool failed: %v", err)
	}
	status, err = eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.IsOnline {
		t.Error("unavailable must report offline even when enabled")
	}
}
