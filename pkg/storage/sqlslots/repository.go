// Package sqlslots implements storage.Slots over database/sql so the memory
// driver and SQLite share one code path.
package sqlslots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"basket/pkg/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS slots (
        slot_key TEXT PRIMARY KEY,
        payload TEXT NOT NULL,
        updated_at TIMESTAMP
)`

// Repository persists slot values through database/sql so storage backends stay swappable.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Slots = (*Repository)(nil)

// NewRepository wires the database handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the slots table when it does not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating slots table: %w", err)
	}
	return nil
}

// Get returns the stored payload or storage.ErrNotFound.
func (r *Repository) Get(ctx context.Context, key string) ([]byte, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, "SELECT payload FROM slots WHERE slot_key = ?", key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading slot %q: %w", key, err)
	}
	return []byte(payload), nil
}

// Set overwrites the slot unconditionally.
func (r *Repository) Set(ctx context.Context, key string, value []byte) error {
	query := `INSERT INTO slots (slot_key, payload, updated_at) VALUES (?, ?, ?)
                ON CONFLICT(slot_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
	if _, err := r.db.ExecContext(ctx, query, key, string(value), r.now()); err != nil {
		return fmt.Errorf("writing slot %q: %w", key, err)
	}
	return nil
}

// Delete removes the slot; deleting a missing key is not an error.
func (r *Repository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM slots WHERE slot_key = ?", key); err != nil {
		return fmt.Errorf("deleting slot %q: %w", key, err)
	}
	return nil
}
