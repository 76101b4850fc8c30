// Package heartbeat publishes and reads per-instance liveness records.
//
// The process that owns an instance's session writes a heartbeat row every
// interval (default 10s, clamped to 1-60s). Any other process infers liveness
// by staleness: the instance is running iff the last heartbeat is younger
// than 1.5 times the interval. False negatives during pauses are expected;
// callers treat a stale record as "probably not running", never as a lock.
//
// A fresh heartbeat means a worker owns the instance's session, not that the
// session is connected. Beats start before the first auth and continue
// while the session reconnects; they stop when the session is stopped or
// gives up. Connection state travels on the status channel instead.
package heartbeat
