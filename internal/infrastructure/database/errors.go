package database

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// Store errors shared by every repository built on DB.
var (
	// ErrConflict reports transient write contention (another process holds
	// the lock). Callers retry it through Retry.
	ErrConflict = errors.New("database: write conflict")

	// ErrStoreFailure reports a store operation that could not complete,
	// including a conflict that outlived its retries.
	ErrStoreFailure = errors.New("database: store failure")
)

// IsConflict reports whether err is SQLite lock contention.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
