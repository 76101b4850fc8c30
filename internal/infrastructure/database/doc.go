// Package database provides SQLite connectivity for HA Link.
//
// The same database file is shared by the long-running worker and by
// short-lived request handler processes. Each process opens its own DB with a
// single connection; cross-process coordination happens through SQLite locks.
//
// This package manages:
//   - Connection setup with WAL mode and busy timeout
//   - Embedded schema migrations, safe to run from several processes
//   - Transaction helpers (WithTx, RetryTx)
//   - Conflict classification and bounded retry (IsConflict, Retry)
//
// Usage:
//
//	db, err := database.Open(database.FromConfig(cfg.Database))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Write contention surfaces as SQLITE_BUSY. Wrap writes in Retry (or use
// RetryTx) so that a conflict is retried three times with doubling delay
// before becoming ErrStoreFailure.
package database
