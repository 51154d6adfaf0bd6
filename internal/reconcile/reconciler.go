// Package reconcile applies pulled remote changes to local entity tables.
//
// Application is idempotent: replaying the same batch of remote records is a
// no-op. Remote data only overwrites a local row when the remote copy is at
// least as new, so an unsynced local edit is never silently lost to a stale
// pull.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Sykios/JobManager-sub002/internal/payload"
	"github.com/Sykios/JobManager-sub002/internal/store"
	"github.com/Sykios/JobManager-sub002/internal/syncerr"
	"github.com/Sykios/JobManager-sub002/internal/transport"
)

// Summary counts what one reconciliation pass did.
type Summary struct {
	Upserts int
	Deletes int
	Skipped int
}

// Reconciler applies remote records to the local database.
type Reconciler struct {
	db     *sql.DB
	logger *log.Logger
}

// New creates a Reconciler. If logger is nil, a default stderr logger is used.
func New(db *sql.DB, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &Reconciler{db: db, logger: logger}
}

// ApplyRemoteChanges applies a batch of pulled records to the named table.
//
// Tombstones delete the mapped local row. Live records upsert by remote id:
// an existing mapping is overwritten only when the remote copy is at least as
// new as the local one; an unmapped record that names a local id adopts that
// row; anything else is inserted fresh. Records with malformed payloads are
// logged and skipped, never fatal to the batch.
func (r *Reconciler) ApplyRemoteChanges(ctx context.Context, table string, records []transport.CloudRecord) (*Summary, error) {
	if !store.IsSyncTable(table) {
		return nil, syncerr.Validation("apply remote changes", fmt.Errorf("unknown table %q", table))
	}

	summary := &Summary{}
	for _, record := range records {
		if record.ID == "" {
			r.logger.Printf("Skipping %s record with no remote id", table)
			summary.Skipped++
			continue
		}

		if record.DeletedAt != nil {
			deleted, err := r.applyDelete(ctx, table, record.ID)
			if err != nil {
				return summary, err
			}
			if deleted {
				summary.Deletes++
			} else {
				summary.Skipped++
			}
			continue
		}

		if _, err := payload.Open(record.Data); err != nil {
			r.logger.Printf("Skipping %s record %s: %v", table, record.ID, err)
			summary.Skipped++
			continue
		}

		upserted, err := r.applyUpsert(ctx, table, record)
		if err != nil {
			return summary, err
		}
		if upserted {
			summary.Upserts++
		} else {
			summary.Skipped++
		}
	}
	return summary, nil
}

// applyDelete removes the row mapped to cloudID. Returns false when no row
// was mapped, which makes tombstone replay a no-op.
func (r *Reconciler) applyDelete(ctx context.Context, table, cloudID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE cloud_id = ?", table), cloudID)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", table, cloudID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count deleted rows: %w", err)
	}
	return n > 0, nil
}

// applyUpsert writes a live remote record. Returns false when the local row
// was newer and kept as-is.
func (r *Reconciler) applyUpsert(ctx context.Context, table string, record transport.CloudRecord) (bool, error) {
	remoteAt := record.UpdatedAt.UTC().Format(time.RFC3339Nano)
	syncedAt := time.Now().UTC().Format(time.RFC3339Nano)

	// Already mapped: overwrite only when remote is at least as new.
	var localID int64
	var localAt string
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, updated_at FROM %s WHERE cloud_id = ?", table),
		record.ID,
	).Scan(&localID, &localAt)
	switch {
	case err == nil:
		if localNewer(localAt, record.UpdatedAt) {
			return false, nil
		}
		_, err = r.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ?, last_synced_at = ? WHERE id = ?", table),
			[]byte(record.Data), remoteAt, syncedAt, localID)
		if err != nil {
			return false, fmt.Errorf("failed to update %s/%s: %w", table, record.ID, err)
		}
		return true, nil

	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("failed to look up %s/%s: %w", table, record.ID, err)
	}

	// Not mapped yet: a record naming our local id adopts that row. This is
	// how a row created offline learns its remote id on the next pull.
	if record.LocalID > 0 {
		adopted, err := r.adoptLocalRow(ctx, table, record, remoteAt, syncedAt)
		if err != nil {
			return false, err
		}
		if adopted {
			return true, nil
		}
	}

	_, err = r.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (data, updated_at, cloud_id, last_synced_at) VALUES (?, ?, ?, ?)", table),
		[]byte(record.Data), remoteAt, record.ID, syncedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s/%s: %w", table, record.ID, err)
	}
	return true, nil
}

// adoptLocalRow binds an unmapped local row to its remote id. The row's data
// is overwritten only when the remote copy is at least as new; the mapping is
// recorded either way.
func (r *Reconciler) adoptLocalRow(ctx context.Context, table string, record transport.CloudRecord, remoteAt, syncedAt string) (bool, error) {
	var localAt string
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT updated_at FROM %s WHERE id = ? AND cloud_id IS NULL", table),
		record.LocalID,
	).Scan(&localAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up %s/%d: %w", table, record.LocalID, err)
	}

	if localNewer(localAt, record.UpdatedAt) {
		_, err = r.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET cloud_id = ?, last_synced_at = ? WHERE id = ?", table),
			record.ID, syncedAt, record.LocalID)
	} else {
		_, err = r.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET cloud_id = ?, data = ?, updated_at = ?, last_synced_at = ? WHERE id = ?", table),
			record.ID, []byte(record.Data), remoteAt, syncedAt, record.LocalID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to adopt %s/%d: %w", table, record.LocalID, err)
	}
	return true, nil
}

// localNewer reports whether the stored timestamp is strictly newer than the
// remote one. Unparseable local timestamps yield false so the remote wins.
func localNewer(localAt string, remote time.Time) bool {
	t, err := time.Parse(time.RFC3339Nano, localAt)
	if err != nil {
		return false
	}
	return t.After(remote)
}
