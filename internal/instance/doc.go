// Package instance manages the remote controller instances this worker runs.
//
// The instance table (remote_instances) is the source of truth for which
// controllers exist and how to reach them. The Supervisor starts one Bridge
// per enabled instance: a remote.Session with its queue drain loop,
// heartbeat publisher and registry sync wired on.
//
// Lifecycle:
//   - Start is idempotent while a live session is tracked.
//   - Stop cancels the session, waits up to 10s, and always drops the local
//     bookkeeping afterwards.
//   - Restart is refused within 5s of the previous restart unless forced.
//     The refusal is a RestartResult, not an error.
//
// Another process (halinkctl, a second API) has no bookkeeping. Its liveness
// and drift answers come from the heartbeat table instead: a fresh heartbeat
// means running, and the heartbeat's config fingerprint is compared with the
// persisted settings.
package instance
