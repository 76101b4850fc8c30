package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-halink/internal/audit"
	"github.com/nerrad567/gray-logic-halink/internal/auth"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-halink/internal/instance"
	"github.com/nerrad567/gray-logic-halink/internal/queue"
	"github.com/nerrad567/gray-logic-halink/internal/remote"
	"github.com/nerrad567/gray-logic-halink/internal/status"
	_ "github.com/nerrad567/gray-logic-halink/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// blockingRunner stands in for a bridge: it runs until cancelled.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingRunner) Stats() remote.Stats {
	return remote.Stats{State: remote.StateConnected}
}

type testEnv struct {
	srv      *Server
	router   http.Handler
	sup      *instance.Supervisor
	repo     *instance.SQLiteRepository
	store    *queue.Store
	recorder *status.Recorder
	audit    *audit.SQLiteRepository
}

// testServer creates a Server over a real database with two instances: 1 is
// enabled, 2 is disabled.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "halink.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := instance.NewSQLiteRepository(db)
	for _, inst := range []instance.Instance{
		{ID: 1, Name: "main", EndpointURL: "ws://main.local", Credential: "a", Enabled: true},
		{ID: 2, Name: "garage", EndpointURL: "ws://garage.local", Credential: "b", Enabled: false},
	} {
		if err := repo.Upsert(context.Background(), &inst); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	sup := instance.NewSupervisor(instance.SupervisorConfig{
		Repository: repo,
		Factory: instance.FactoryFunc(func(*instance.Instance) (instance.Runner, error) {
			return blockingRunner{}, nil
		}),
		StopGrace: time.Second,
	})
	t.Cleanup(func() { sup.StopAll(context.Background()) })

	store := queue.NewStore(db)
	recorder := status.NewRecorder(10)
	auditRepo := audit.NewSQLiteRepository(db)
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testSecret, AccessTokenTTL: 15},
		},
		Logger:    log,
		Instances: sup,
		Queue:     queue.NewClient(store, queue.ClientConfig{PollInterval: 20 * time.Millisecond}),
		Recorder:  recorder,
		Audit:     auditRepo,
		DB:        db,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{
		srv:      srv,
		router:   srv.Handler(),
		sup:      sup,
		repo:     repo,
		store:    store,
		recorder: recorder,
		audit:    auditRepo,
	}
}

func mintToken(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.GenerateServiceToken("test@"+string(role), role, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateServiceToken() error = %v", err)
	}
	return token
}

// do sends a request through the router with an operator token unless token
// is overridden.
func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

// ─── Health and Middleware ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
}

func TestRequestID(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want http://localhost:3000", got)
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodGet, "/api/v1/nonexistent", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMetrics(t *testing.T) {
	env := testServer(t)
	if err := env.sup.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	m := decode[SystemMetrics](t, w)
	if m.Instances.Total != 2 || m.Instances.Running != 1 {
		t.Errorf("instances = %+v, want total 2 running 1", m.Instances)
	}
	if m.Instances.ByState["connected"] != 1 || m.Instances.ByState["stopped"] != 1 {
		t.Errorf("by_state = %v", m.Instances.ByState)
	}
	if m.MQTT.Connected || m.InfluxDB.Connected {
		t.Error("optional connections reported connected without clients")
	}
}

// ─── Authentication ────────────────────────────────────────────────

func TestAuth(t *testing.T) {
	env := testServer(t)
	reader := mintToken(t, auth.RoleReader)
	producer := mintToken(t, auth.RoleProducer)

	expired, err := auth.GenerateServiceToken("old", auth.RoleOperator, testSecret, time.Nanosecond)
	if err != nil {
		t.Fatalf("GenerateServiceToken() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"missing token", http.MethodGet, "/api/v1/instances", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/instances", "not-a-jwt", http.StatusUnauthorized},
		{"expired token", http.MethodGet, "/api/v1/instances", expired, http.StatusUnauthorized},
		{"reader can list", http.MethodGet, "/api/v1/instances", reader, http.StatusOK},
		{"reader cannot start", http.MethodPost, "/api/v1/instances/1/start", reader, http.StatusForbidden},
		{"producer cannot restart", http.MethodPost, "/api/v1/instances/1/restart", producer, http.StatusForbidden},
		{"reader cannot enqueue", http.MethodPost, "/api/v1/instances/1/requests", reader, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, "", tt.token)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

// ─── Instances ─────────────────────────────────────────────────────

func TestListInstances(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleReader)

	w := env.do(t, http.MethodGet, "/api/v1/instances", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[struct {
		Instances []instance.Status `json:"instances"`
		Count     int               `json:"count"`
	}](t, w)
	if resp.Count != 2 || resp.Instances[0].InstanceID != 1 || resp.Instances[1].Enabled {
		t.Errorf("instances = %+v", resp)
	}
	if strings.Contains(w.Body.String(), `"credential"`) {
		t.Error("credential leaked into instance list")
	}
}

func TestGetInstance(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleReader)

	env.recorder.Notify(status.Transition{InstanceID: 1, Status: status.Connected, At: time.Now()})

	w := env.do(t, http.MethodGet, "/api/v1/instances/1", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[instanceResponse](t, w)
	if resp.Running || resp.ConfigChanged {
		t.Errorf("resp = %+v, want not running and unchanged", resp)
	}
	if resp.LastTransition == nil || resp.LastTransition.Status != status.Connected {
		t.Errorf("last_transition = %+v", resp.LastTransition)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/instances/99", http.StatusNotFound},
		{"/api/v1/instances/abc", http.StatusBadRequest},
		{"/api/v1/instances/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := env.do(t, http.MethodGet, tt.path, "", token); w.Code != tt.want {
			t.Errorf("GET %s status = %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}

func TestStartStopInstance(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleOperator)

	for range 2 {
		if w := env.do(t, http.MethodPost, "/api/v1/instances/1/start", "", token); w.Code != http.StatusOK {
			t.Fatalf("start status = %d, body %s", w.Code, w.Body.String())
		}
	}
	running, err := env.sup.IsRunning(context.Background(), 1)
	if err != nil || !running {
		t.Fatalf("IsRunning() = %v, %v; want true", running, err)
	}

	w := env.do(t, http.MethodPost, "/api/v1/instances/1/stop", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("stop status = %d", w.Code)
	}
	res := decode[instance.StopResult](t, w)
	if !res.WasRunning || !res.Graceful {
		t.Errorf("stop = %+v", res)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/instances/2/start", "", token); w.Code != http.StatusConflict {
		t.Errorf("start disabled status = %d, want %d", w.Code, http.StatusConflict)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/instances/99/start", "", token); w.Code != http.StatusNotFound {
		t.Errorf("start missing status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRestartInstance(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleOperator)

	if w := env.do(t, http.MethodPost, "/api/v1/instances/1/restart", "", token); w.Code != http.StatusOK {
		t.Fatalf("first restart status = %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/v1/instances/1/restart", "", token)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second restart status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	res := decode[instance.RestartResult](t, w)
	if !res.TooSoon || res.RetryAfterMS <= 0 {
		t.Errorf("restart = %+v, want too soon", res)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	if w := env.do(t, http.MethodPost, "/api/v1/instances/1/restart?force=true", "", token); w.Code != http.StatusOK {
		t.Errorf("forced restart status = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/instances/1/restart?force=maybe", "", token); w.Code != http.StatusBadRequest {
		t.Errorf("bad force status = %d", w.Code)
	}
}

func TestAuditLog(t *testing.T) {
	env := testServer(t)
	operator := mintToken(t, auth.RoleOperator)

	env.do(t, http.MethodPost, "/api/v1/instances/1/start", "", operator)
	env.do(t, http.MethodPost, "/api/v1/instances/1/restart", "", operator)
	env.do(t, http.MethodPost, "/api/v1/instances/1/restart", "", operator)
	env.do(t, http.MethodPost, "/api/v1/instances/2/stop", "", operator)

	w := env.do(t, http.MethodGet, "/api/v1/audit?instance_id=1", "", mintToken(t, auth.RoleReader))
	if w.Code != http.StatusOK {
		t.Fatalf("audit status = %d", w.Code)
	}
	res := decode[audit.ListResult](t, w)
	if res.Total != 3 {
		t.Fatalf("total = %d, want 3", res.Total)
	}

	want := []struct{ action, outcome string }{
		{audit.ActionRestart, audit.OutcomeRefused},
		{audit.ActionRestart, audit.OutcomeOK},
		{audit.ActionStart, audit.OutcomeOK},
	}
	for i, wnt := range want {
		got := res.Entries[i]
		if got.Action != wnt.action || got.Outcome != wnt.outcome || got.Caller != "test@operator" {
			t.Errorf("entry %d = %+v, want %s/%s", i, got, wnt.action, wnt.outcome)
		}
	}

	for _, q := range []string{"limit=x", "offset=-1", "instance_id=0"} {
		w := env.do(t, http.MethodGet, "/api/v1/audit?"+q, "", operator)
		if w.Code != http.StatusBadRequest {
			t.Errorf("audit?%s status = %d, want 400", q, w.Code)
		}
	}
}

// ─── Requests ──────────────────────────────────────────────────────

func TestEnqueuePollDelete(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleProducer)

	w := env.do(t, http.MethodPost, "/api/v1/instances/1/requests", `{"type":"get_states"}`, token)
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d, body %s", w.Code, w.Body.String())
	}
	rid := decode[map[string]string](t, w)["request_id"]
	if rid == "" {
		t.Fatal("empty request_id")
	}

	w = env.do(t, http.MethodGet, "/api/v1/requests/"+rid, "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("poll status = %d", w.Code)
	}
	if st := decode[requestStatus](t, w); st.State != queue.StatePending || st.RequestID != rid {
		t.Errorf("poll = %+v, want pending", st)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/requests/"+rid, "", token); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/requests/"+rid, "", token); w.Code != http.StatusNotFound {
		t.Errorf("poll after delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/requests/"+rid, "", token); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleProducer)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing type", "/api/v1/instances/1/requests", `{"payload":{}}`, http.StatusBadRequest},
		{"empty body", "/api/v1/instances/1/requests", "", http.StatusBadRequest},
		{"invalid JSON", "/api/v1/instances/1/requests", `{`, http.StatusBadRequest},
		{"payload not object", "/api/v1/instances/1/requests", `{"type":"x","payload":[1,2]}`, http.StatusBadRequest},
		{"negative timeout", "/api/v1/instances/1/call", `{"type":"x","timeout_ms":-1}`, http.StatusBadRequest},
		{"unknown instance", "/api/v1/instances/99/requests", `{"type":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body, token)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCall_Completed(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleProducer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			entries, err := env.store.ClaimPending(ctx, 1, 10)
			if err != nil {
				continue
			}
			for _, e := range entries {
				env.store.Complete(ctx, e.RequestID, json.RawMessage(`{"ok":true}`)) //nolint:errcheck // Test worker
			}
		}
	}()

	w := env.do(t, http.MethodPost, "/api/v1/instances/1/call", `{"type":"ping","timeout_ms":2000}`, token)
	if w.Code != http.StatusOK {
		t.Fatalf("call status = %d", w.Code)
	}
	out := decode[queue.Outcome](t, w)
	if !out.Success || out.State != queue.StateDone || string(out.Result) != `{"ok":true}` {
		t.Errorf("outcome = %+v", out)
	}
}

func TestCall_TimesOut(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleProducer)

	w := env.do(t, http.MethodPost, "/api/v1/instances/1/call", `{"type":"ping","timeout_ms":100}`, token)
	if w.Code != http.StatusOK {
		t.Fatalf("call status = %d", w.Code)
	}
	out := decode[queue.Outcome](t, w)
	if out.Success || out.State != queue.StateTimeout || out.Error == "" {
		t.Errorf("outcome = %+v, want timeout", out)
	}
}

func TestRequestEventsAndClose(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleProducer)
	ctx := context.Background()

	w := env.do(t, http.MethodPost, "/api/v1/instances/1/requests", `{"type":"subscribe_trigger","subscription":true}`, token)
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d", w.Code)
	}
	rid := decode[map[string]string](t, w)["request_id"]

	if _, err := env.store.ClaimPending(ctx, 1, 10); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if err := env.store.MarkSubscribed(ctx, rid, 7); err != nil {
		t.Fatalf("MarkSubscribed() error = %v", err)
	}
	for _, ev := range []string{`{"n":1}`, `{"n":2}`} {
		if _, err := env.store.AppendEvent(ctx, rid, json.RawMessage(ev)); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}

	w = env.do(t, http.MethodGet, "/api/v1/requests/"+rid+"/events?after=1", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("events status = %d", w.Code)
	}
	events := decode[struct {
		Events []queue.EventRecord `json:"events"`
	}](t, w).Events
	if len(events) != 1 || events[0].Seq != 2 {
		t.Errorf("events = %+v, want only seq 2", events)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/requests/"+rid+"/events?after=x", "", token); w.Code != http.StatusBadRequest {
		t.Errorf("bad after status = %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/requests/"+rid+"/close", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("close status = %d, body %s", w.Code, w.Body.String())
	}
	st := decode[requestStatus](t, w)
	if st.State != queue.StateDone || st.EventCount != 2 {
		t.Errorf("closed = %+v, want done with 2 events", st)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/requests/"+rid+"/close", "", token); w.Code != http.StatusConflict {
		t.Errorf("second close status = %d, want %d", w.Code, http.StatusConflict)
	}
}

// ─── Hub ───────────────────────────────────────────────────────────

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestHub_NotifyRoutesByChannel(t *testing.T) {
	hub := newTestHub(t)

	all := &WSClient{hub: hub, send: make(chan []byte, wsSendBufferSize), subscriptions: map[string]struct{}{ChannelInstanceStatus: {}}}
	one := &WSClient{hub: hub, send: make(chan []byte, wsSendBufferSize), subscriptions: map[string]struct{}{InstanceStatusChannel(3): {}}}
	other := &WSClient{hub: hub, send: make(chan []byte, wsSendBufferSize), subscriptions: map[string]struct{}{InstanceStatusChannel(4): {}}}
	for _, c := range []*WSClient{all, one, other} {
		hub.Register(c)
	}

	hub.Notify(status.Transition{InstanceID: 3, Status: status.Reconnecting, DelayMS: 5000})

	for name, c := range map[string]*WSClient{"all": all, "one": one} {
		select {
		case msg := <-c.send:
			var wsMsg struct {
				EventType string            `json:"event_type"`
				Payload   status.Transition `json:"payload"`
			}
			if err := json.Unmarshal(msg, &wsMsg); err != nil {
				t.Fatalf("%s: unmarshal: %v", name, err)
			}
			if wsMsg.Payload.Status != status.Reconnecting || wsMsg.Payload.DelayMS != 5000 {
				t.Errorf("%s: payload = %+v", name, wsMsg.Payload)
			}
		case <-time.After(time.Second):
			t.Errorf("%s: timed out waiting for broadcast", name)
		}
	}

	select {
	case <-other.send:
		t.Error("client subscribed to another instance received the transition")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := newTestHub(t)

	client := &WSClient{hub: hub, send: make(chan []byte, wsSendBufferSize), subscriptions: make(map[string]struct{})}
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}
	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func TestWebSocket_StatusStream(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?token=" + mintToken(t, auth.RoleReader)
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelInstanceStatus}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	var ack WSMessage
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "sub-1" {
		t.Fatalf("ack = %+v", ack)
	}

	env.srv.hub.Notify(status.Transition{InstanceID: 1, Status: status.Connected, At: time.Now()})

	var event struct {
		Type      string            `json:"type"`
		EventType string            `json:"event_type"`
		Payload   status.Transition `json:"payload"`
	}
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != ChannelInstanceStatus || event.Payload.Status != status.Connected {
		t.Errorf("event = %+v", event)
	}
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	for _, url := range []string{base, base + "?token=nope"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("dial %s succeeded, want rejection", url)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("dial %s response = %v, want 401", url, resp)
		}
	}
}
