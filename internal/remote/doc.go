// Package remote maintains the WebSocket session to one remote smart-home
// controller instance.
//
// A Session authenticates with the controller's challenge/credential/verdict
// handshake, then multiplexes requests over the single socket using integer
// correlation IDs. Replies may arrive batched and in any order; each is routed
// to the caller waiting on its ID. Unsolicited push events are handed to a
// bounded worker pool.
//
// Long-lived subscriptions are tracked by the Subscriptions manager. They end
// when idle, when their maximum duration elapses, when the requestor no longer
// wants them (the reaper), or when the socket closes.
//
// Lost connections are retried on the Backoff escalation table. After the
// consecutive failure budget is spent, Run returns ErrPermanentlyStopped and
// only an explicit restart brings the session back.
//
// Example:
//
//	sess := remote.NewSession(remote.Config{
//	    InstanceID: 1,
//	    Endpoint:   "http://controller.local:8123",
//	    Credential: token,
//	})
//	go sess.Run(ctx)
//	states, err := sess.Send(ctx, "get_states", nil, 0)
package remote
