// Package writemarker records which side last wrote an external object so the
// engines can recognize webhooks caused by their own writes and skip them.
package writemarker

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SourceSelf marks a write made by this system.
const SourceSelf = "self"

// Marker is the last-write record for one external object.
type Marker struct {
	AccountID   string
	ObjectType  string // "job", "client", "invoice"
	ObjectID    string
	Source      string
	LastWriteAt time.Time
}

// Repository persists write-source markers.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new write-marker repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// MarkSelf records that this system is writing the object now. Called before
// (or as part of) any external write that will echo back as a webhook.
func (r *Repository) MarkSelf(ctx context.Context, accountID, objectType, objectID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO fs_write_markers (account_id, object_type, object_id, source, last_write_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (account_id, object_type, object_id)
		DO UPDATE SET source = EXCLUDED.source, last_write_at = now()
	`, accountID, objectType, objectID, SourceSelf)
	return err
}

// Get returns the marker for an object, or nil when none exists.
func (r *Repository) Get(ctx context.Context, accountID, objectType, objectID string) (*Marker, error) {
	var m Marker
	err := r.pool.QueryRow(ctx, `
		SELECT account_id, object_type, object_id, source, last_write_at
		FROM fs_write_markers
		WHERE account_id = $1 AND object_type = $2 AND object_id = $3
	`, accountID, objectType, objectID).Scan(&m.AccountID, &m.ObjectType, &m.ObjectID, &m.Source, &m.LastWriteAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// IsSelfWrite reports whether the marker indicates the event at occurredAt is
// an echo of this system's own write: source is self and the write happened
// within the buffer window around the event time.
func IsSelfWrite(m *Marker, occurredAt time.Time, buffer time.Duration) bool {
	if m == nil || m.Source != SourceSelf {
		return false
	}
	delta := occurredAt.Sub(m.LastWriteAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= buffer
}
