// Package outbox implements the durable, append-only log of pending local
// mutations.
//
// Every committed local write is appended here by the mutating services;
// the sync engine drains items in FIFO order when connectivity allows.
// Items are never dropped: once the retry budget is exhausted an item is
// throttled behind a backoff window but keeps resurfacing until it either
// syncs or is cleaned up after success.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"
)

// Operation is the kind of local mutation an outbox item records.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of create/update/delete.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Item is one pending (or processed) local mutation.
//
// SyncedAt is nil while the item is pending; once set the item is immutable
// and eligible only for later cleanup.
type Item struct {
	ID           int64
	TableName    string
	RecordID     int64
	Operation    Operation
	Data         []byte
	CreatedAt    time.Time
	SyncedAt     *time.Time
	RetryCount   int
	LastRetryAt  *time.Time
	ErrorMessage string
}

// Queue is the durable outbox backed by the local database.
type Queue struct {
	db     *sql.DB
	logger *log.Logger

	maxRetries int
	backoff    time.Duration
}

const (
	// DefaultMaxRetries is the retry budget before an item is throttled.
	DefaultMaxRetries = 5

	// DefaultBackoff is how long a throttled item stays out of the pending
	// set after its last failed attempt.
	DefaultBackoff = time.Hour
)

// New creates a Queue with the default retry budget and backoff window.
//
// If logger is nil, a default logger writing to stderr is used.
func New(db *sql.DB, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Queue{
		db:         db,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
	}
}

// Enqueue appends a mutation to the log. It never blocks on network and is
// intended to be called right after the caller's local write commits.
func (q *Queue) Enqueue(ctx context.Context, table string, recordID int64, op Operation, data []byte) error {
	if table == "" {
		return fmt.Errorf("table name is required")
	}
	if !op.Valid() {
		return fmt.Errorf("invalid operation %q", op)
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO outbox (table_name, record_id, operation, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, table, recordID, string(op), data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s/%d: %w", op, table, recordID, err)
	}
	return nil
}

// Pending returns unsynced items in FIFO order. Items past the retry budget
// are included only once their backoff window has elapsed, so retry is
// unbounded but throttled.
func (q *Queue) Pending(ctx context.Context) ([]*Item, error) {
	cutoff := time.Now().UTC().Add(-q.backoff).Format(time.RFC3339Nano)

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, operation, data, created_at,
		       synced_at, retry_count, last_retry_at, error_message
		FROM outbox
		WHERE synced_at IS NULL
		  AND (retry_count < ? OR last_retry_at IS NULL OR last_retry_at <= ?)
		ORDER BY created_at ASC, id ASC
	`, q.maxRetries, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// PendingCount returns the number of unsynced items, including throttled ones.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outbox WHERE synced_at IS NULL",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return count, nil
}

// MarkProcessed records a successful push. Terminal for the item.
func (q *Queue) MarkProcessed(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE outbox SET synced_at = ?, error_message = NULL
		WHERE id = ? AND synced_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d processed: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed push attempt. The item stays pending and will
// be retried per the backoff policy.
func (q *Queue) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1, last_retry_at = ?, error_message = ?
		WHERE id = ? AND synced_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339Nano), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d failed: %w", id, err)
	}
	return nil
}

// MarkPoisoned records a validation failure: the item keeps its row (never
// silently dropped) but its retry budget is exhausted in one step, so it only
// resurfaces after the long backoff window.
func (q *Queue) MarkPoisoned(ctx context.Context, id int64, errMsg string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE outbox
		SET retry_count = ?, last_retry_at = ?, error_message = ?
		WHERE id = ? AND synced_at IS NULL
	`, q.maxRetries, time.Now().UTC().Format(time.RFC3339Nano), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d poisoned: %w", id, err)
	}
	return nil
}

// Cleanup deletes processed items older than the retention window and
// returns the number of rows removed.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	res, err := q.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE synced_at IS NOT NULL AND synced_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up outbox: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned rows: %w", err)
	}
	if n > 0 {
		q.logger.Printf("Cleaned up %d processed outbox item(s)", n)
	}
	return n, nil
}

// scanItems is a helper to scan multiple items from query results.
func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item

	for rows.Next() {
		var item Item
		var op, createdAt string
		var syncedAt, lastRetryAt, errMsg sql.NullString

		err := rows.Scan(
			&item.ID,
			&item.TableName,
			&item.RecordID,
			&op,
			&item.Data,
			&createdAt,
			&syncedAt,
			&item.RetryCount,
			&lastRetryAt,
			&errMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox item: %w", err)
		}

		item.Operation = Operation(op)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			item.CreatedAt = t
		}
		item.SyncedAt = nullStringToTime(syncedAt)
		item.LastRetryAt = nullStringToTime(lastRetryAt)
		item.ErrorMessage = errMsg.String

		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox items: %w", err)
	}
	return items, nil
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
