// Package queue implements the cross-process request queue.
//
// Short-lived processes cannot hold the controller socket, so they talk to it
// through a durable mailbox in SQLite. A producer (Client) enqueues an entry
// and polls it; the worker that owns the instance's session (Drainer) claims
// pending entries, sends them and writes the outcome back.
//
// # Entry lifecycle
//
//	pending ──▶ processing ──▶ done | failed
//	   │             │
//	   │             └──▶ subscribed ──▶ collecting* ──▶ done | failed
//	   │
//	   └──────────────▶ timeout (producer deadline, from any non-terminal state)
//
// Every state write is a conditional UPDATE guarded by the allowed source
// states, so no reader ever observes an entry moving backwards. A write that
// would do so fails with ErrInvalidTransition and is not applied.
//
// # Delivery
//
// Producers poll every 300ms (500ms for subscriptions) until the entry is
// terminal, then read and delete it. On their own deadline they write timeout
// and return; the worker's janitor purges whatever is left behind.
package queue
