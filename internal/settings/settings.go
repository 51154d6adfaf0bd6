// Package settings provides the durable key/value state the sync engine
// persists between runs: the enable flag, the availability flag, and the
// last-sync timestamp.
//
// Keys are namespaced with a "sync_" prefix under the "sync" category.
// Rows are created on first use and overwritten thereafter, never deleted.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Setting keys. Stored namespaced, e.g. "sync_enable_sync".
const (
	KeyEnableSync    = "enable_sync"
	KeySyncAvailable = "sync_available"
	KeyLastSyncTime  = "last_sync_time"
	KeyClientID      = "client_id"
)

const (
	keyPrefix = "sync_"
	category  = "sync"
)

// Store reads and writes sync settings rows.
type Store struct {
	db *sql.DB
}

// New creates a settings store on top of an open database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the raw value for key. The second return is false when the
// key has never been written.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM sync_settings WHERE key = ?", keyPrefix+key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes the value for key, creating the row on first use.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_settings (key, value, category)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, keyPrefix+key, value, category)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// GetBool returns the boolean value for key, or false if unset.
func (s *Store) GetBool(ctx context.Context, key string) (bool, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("setting %s holds non-boolean value %q: %w", key, value, err)
	}
	return b, nil
}

// SetBool writes a boolean value for key.
func (s *Store) SetBool(ctx context.Context, key string, value bool) error {
	return s.Set(ctx, key, strconv.FormatBool(value))
}

// GetTime returns the timestamp for key. The second return is false when
// the key has never been written.
func (s *Store) GetTime(ctx context.Context, key string) (time.Time, bool, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("setting %s holds non-timestamp value %q: %w", key, value, err)
	}
	return t, true, nil
}

// SetTime writes a timestamp for key in RFC3339.
func (s *Store) SetTime(ctx context.Context, key string, t time.Time) error {
	return s.Set(ctx, key, t.UTC().Format(time.RFC3339))
}

// ClientID returns the stable identifier for this client installation,
// minting and persisting a new UUID on first call.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	id, ok, err := s.Get(ctx, KeyClientID)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	id = uuid.New().String()
	if err := s.Set(ctx, KeyClientID, id); err != nil {
		return "", err
	}
	return id, nil
}
