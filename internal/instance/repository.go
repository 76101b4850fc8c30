package instance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/auth"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/database"
)

// Instance is one configured remote controller.
type Instance struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	EndpointURL string    `json:"endpoint_url"`
	Credential  string    `json:"-"` // never serialised
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Connection returns the settings a session is built from.
func (i *Instance) Connection() ConnectionConfig {
	return ConnectionConfig{Endpoint: i.EndpointURL, Credential: i.Credential}
}

// Validate checks the instance for required fields.
func (i *Instance) Validate() error {
	if i.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidInstance)
	}
	if strings.TrimSpace(i.EndpointURL) == "" {
		return fmt.Errorf("%w: endpoint_url is required", ErrInvalidInstance)
	}
	u, err := url.Parse(i.EndpointURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: endpoint_url %q is not a URL", ErrInvalidInstance, i.EndpointURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%w: endpoint_url scheme %q", ErrInvalidInstance, u.Scheme)
	}
	return nil
}

// ConnectionConfig is the snapshot a running session was started with.
type ConnectionConfig struct {
	Endpoint   string
	Credential string
}

// Fingerprint identifies the config without exposing the credential.
func (c ConnectionConfig) Fingerprint(instanceID int64) string {
	return auth.CredentialFingerprint(instanceID, c.Endpoint, c.Credential)
}

// Repository defines the interface for instance persistence operations.
type Repository interface {
	// Get retrieves an instance by ID.
	// Returns ErrNotFound if the instance does not exist.
	Get(ctx context.Context, id int64) (*Instance, error)

	// List retrieves all instances ordered by ID.
	List(ctx context.Context) ([]Instance, error)

	// Upsert inserts or replaces an instance's settings.
	Upsert(ctx context.Context, inst *Instance) error

	// SetEnabled toggles whether the worker runs the instance.
	// Returns ErrNotFound if the instance does not exist.
	SetEnabled(ctx context.Context, id int64, enabled bool) error

	// Delete removes an instance.
	// Returns ErrNotFound if the instance does not exist.
	Delete(ctx context.Context, id int64) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

const selectInstance = `
	SELECT id, name, endpoint_url, credential, enabled, created_at, updated_at
	FROM remote_instances`

// Get retrieves an instance by ID. Every call reads the latest committed row.
func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*Instance, error) {
	inst, err := scanInstance(r.db.QueryRowContext(ctx, selectInstance+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: querying instance %d: %w", database.ErrStoreFailure, id, err)
	}
	return inst, nil
}

// List retrieves all instances.
func (r *SQLiteRepository) List(ctx context.Context) ([]Instance, error) {
	rows, err := r.db.QueryContext(ctx, selectInstance+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing instances: %w", database.ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning instance: %w", database.ErrStoreFailure, err)
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing instances: %w", database.ErrStoreFailure, err)
	}
	return out, nil
}

// Upsert inserts or replaces an instance's settings, keeping created_at.
func (r *SQLiteRepository) Upsert(ctx context.Context, inst *Instance) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	now := r.now()
	err := database.Retry(ctx, database.DefaultRetryPolicy, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO remote_instances (id, name, endpoint_url, credential, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				endpoint_url = excluded.endpoint_url,
				credential = excluded.credential,
				enabled = excluded.enabled,
				updated_at = excluded.updated_at`,
			inst.ID, inst.Name, inst.EndpointURL, inst.Credential, boolToInt(inst.Enabled),
			now.UnixMilli(), now.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upserting instance %d: %w", inst.ID, err)
	}
	return nil
}

// SetEnabled toggles an instance.
func (r *SQLiteRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return r.execOne(ctx, id, `UPDATE remote_instances SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), r.now().UnixMilli(), id)
}

// Delete removes an instance.
func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	return r.execOne(ctx, id, `DELETE FROM remote_instances WHERE id = ?`, id)
}

func (r *SQLiteRepository) execOne(ctx context.Context, id int64, query string, args ...any) error {
	var affected int64
	err := database.Retry(ctx, database.DefaultRetryPolicy, func() error {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("updating instance %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Seed upserts the instances listed in the config file.
func Seed(ctx context.Context, repo Repository, seeds []config.InstanceConfig) error {
	for _, s := range seeds {
		inst := &Instance{
			ID:          s.ID,
			Name:        s.Name,
			EndpointURL: s.EndpointURL,
			Credential:  s.Credential,
			Enabled:     s.Enabled,
		}
		if err := repo.Upsert(ctx, inst); err != nil {
			return fmt.Errorf("seeding instance %d: %w", s.ID, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst               Instance
		enabled            int
		created, updatedAt int64
	)
	if err := row.Scan(&inst.ID, &inst.Name, &inst.EndpointURL, &inst.Credential, &enabled, &created, &updatedAt); err != nil {
		return nil, err
	}
	inst.Enabled = enabled != 0
	inst.CreatedAt = time.UnixMilli(created).UTC()
	inst.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &inst, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
