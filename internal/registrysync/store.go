package registrysync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/database"
)

// Store is the local mirror of remote registry objects.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// NewStore creates a mirror store over db.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Apply writes obj inside its own transaction and reports whether it was
// newly created. A failure rolls back only this record.
func (s *Store) Apply(ctx context.Context, instanceID int64, obj Object) (created bool, err error) {
	if !obj.Kind.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, obj.Kind)
	}
	if obj.ID == "" || !json.Valid(obj.Data) {
		return false, fmt.Errorf("%w: %s", ErrInvalidObject, obj.Key())
	}

	err = s.db.RetryTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM remote_registry WHERE instance_id = ? AND kind = ? AND object_id = ?`,
			instanceID, string(obj.Kind), obj.ID,
		).Scan(&exists)
		if err != nil {
			return err
		}
		created = exists == 0

		now := s.now().UnixMilli()
		if created {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO remote_registry (instance_id, kind, object_id, name, data, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				instanceID, string(obj.Kind), obj.ID, obj.Name, string(obj.Data), now,
			)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE remote_registry SET name = ?, data = ?, updated_at = ?
				WHERE instance_id = ? AND kind = ? AND object_id = ?`,
				obj.Name, string(obj.Data), now, instanceID, string(obj.Kind), obj.ID,
			)
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("applying %s: %w", obj.Key(), err)
	}
	return created, nil
}

// Remove deletes a mirrored object and reports whether it existed.
func (s *Store) Remove(ctx context.Context, instanceID int64, key Key) (bool, error) {
	var removed bool
	err := s.db.RetryTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM remote_registry WHERE instance_id = ? AND kind = ? AND object_id = ?`,
			instanceID, string(key.Kind), key.ID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("removing %s: %w", key, err)
	}
	return removed, nil
}

// Get reads one mirrored object.
func (s *Store) Get(ctx context.Context, instanceID int64, key Key) (Object, error) {
	obj := Object{Kind: key.Kind, ID: key.ID}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, data FROM remote_registry WHERE instance_id = ? AND kind = ? AND object_id = ?`,
		instanceID, string(key.Kind), key.ID,
	).Scan(&obj.Name, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, ErrObjectNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("%w: reading %s: %w", database.ErrStoreFailure, key, err)
	}
	obj.Data = json.RawMessage(data)
	return obj, nil
}

// List returns every mirrored object of kind, ordered by ID.
func (s *Store) List(ctx context.Context, instanceID int64, kind Kind) ([]Object, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT object_id, name, data FROM remote_registry WHERE instance_id = ? AND kind = ? ORDER BY object_id`,
		instanceID, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", database.ErrStoreFailure, kind, err)
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		obj := Object{Kind: kind}
		var data string
		if err := rows.Scan(&obj.ID, &obj.Name, &data); err != nil {
			return nil, fmt.Errorf("%w: scanning %s: %w", database.ErrStoreFailure, kind, err)
		}
		obj.Data = json.RawMessage(data)
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", database.ErrStoreFailure, kind, err)
	}
	return out, nil
}
