package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/heartbeat"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-halink/internal/queue"
	"github.com/nerrad567/gray-logic-halink/internal/registrysync"
	"github.com/nerrad567/gray-logic-halink/internal/remote"
	"github.com/nerrad567/gray-logic-halink/internal/status"
)

func TestBridge_RunSweepsInFlightAndBeats(t *testing.T) {
	db := openDB(t, testDBPath(t))
	ctx := context.Background()

	repo := NewSQLiteRepository(db)
	inst := &Instance{ID: 7, Name: "lab", EndpointURL: "ws://127.0.0.1:1/api/websocket", Credential: "tok", Enabled: true}
	mustUpsert(t, repo, inst)

	q := queue.NewStore(db)
	orphan, err := q.Enqueue(ctx, queue.EnqueueRequest{InstanceID: 7, MessageType: "get_states", Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.ClaimPending(ctx, 7, 10); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	waiting, err := q.Enqueue(ctx, queue.EnqueueRequest{InstanceID: 7, MessageType: "get_config", Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var mu sync.Mutex
	var seen []status.Kind
	hb := heartbeat.NewStore(db)
	bridge := NewBridge(BridgeDeps{
		Remote: config.RemoteConfig{
			HeartbeatInterval: 10,
			RequestTimeout:    1,
			ReconnectDelays:   []int{0},
			MaxFailures:       1,
		},
		Queue:      q,
		Heartbeats: hb,
		Registry:   registrysync.NewStore(db),
		Status: status.NotifierFunc(func(tr status.Transition) {
			mu.Lock()
			seen = append(seen, tr.Status)
			mu.Unlock()
		}),
	}, inst)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = bridge.Run(runCtx)
	if !errors.Is(err, remote.ErrPermanentlyStopped) {
		t.Fatalf("Run() error = %v, want ErrPermanentlyStopped", err)
	}

	e, err := q.Get(ctx, orphan)
	if err != nil {
		t.Fatalf("Get(orphan) error = %v", err)
	}
	if e.State != queue.StateFailed {
		t.Errorf("orphan state = %q, want failed", e.State)
	}
	e, err = q.Get(ctx, waiting)
	if err != nil {
		t.Fatalf("Get(waiting) error = %v", err)
	}
	if e.State != queue.StatePending {
		t.Errorf("waiting state = %q, want pending", e.State)
	}

	rec, err := hb.Last(ctx, 7)
	if err != nil {
		t.Fatalf("Last() error = %v", err)
	}
	if rec.Fingerprint != inst.Connection().Fingerprint(inst.ID) {
		t.Errorf("heartbeat fingerprint = %q, want the instance fingerprint", rec.Fingerprint)
	}

	if got := bridge.Stats().State; got != remote.StatePermanentlyStopped {
		t.Errorf("state = %v, want %v", got, remote.StatePermanentlyStopped)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] != status.Connecting {
		t.Errorf("status transitions = %v, want connecting first", seen)
	}
}
