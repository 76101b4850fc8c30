package heartbeat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/database"
)

// ErrNoHeartbeat is returned when an instance has never published a heartbeat.
var ErrNoHeartbeat = errors.New("heartbeat: no record")

// Record is the last heartbeat written for an instance.
type Record struct {
	InstanceID int64
	BeatAt     time.Time
	Host       string
	PID        int

	// Fingerprint identifies the connection config the writer runs with.
	Fingerprint string
}

// Store persists heartbeats. One writer per instance, any number of readers,
// last write wins.
type Store struct {
	db    *database.DB
	retry database.RetryPolicy
}

// NewStore creates a heartbeat store over db.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, retry: database.DefaultRetryPolicy}
}

// Beat upserts the heartbeat for an instance.
func (s *Store) Beat(ctx context.Context, rec Record) error {
	err := database.Retry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO remote_heartbeats (instance_id, beat_at, host, pid, fingerprint)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (instance_id) DO UPDATE SET
				beat_at = excluded.beat_at,
				host = excluded.host,
				pid = excluded.pid,
				fingerprint = excluded.fingerprint`,
			rec.InstanceID, rec.BeatAt.UnixMilli(), rec.Host, rec.PID, rec.Fingerprint,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}
	return nil
}

// Last reads the latest heartbeat for an instance.
func (s *Store) Last(ctx context.Context, instanceID int64) (Record, error) {
	var (
		rec    Record
		beatAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, beat_at, host, pid, fingerprint FROM remote_heartbeats WHERE instance_id = ?`,
		instanceID,
	).Scan(&rec.InstanceID, &beatAt, &rec.Host, &rec.PID, &rec.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNoHeartbeat
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: reading heartbeat: %w", database.ErrStoreFailure, err)
	}
	rec.BeatAt = time.UnixMilli(beatAt).UTC()
	return rec, nil
}

// Clear removes an instance's heartbeat after a clean stop, so readers see it
// stopped without waiting for staleness.
func (s *Store) Clear(ctx context.Context, instanceID int64) error {
	err := database.Retry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM remote_heartbeats WHERE instance_id = ?`, instanceID)
		return err
	})
	if err != nil {
		return fmt.Errorf("clearing heartbeat: %w", err)
	}
	return nil
}
