package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/nerrad567/gray-logic-halink/internal/audit"
	"github.com/nerrad567/gray-logic-halink/internal/auth"
	"github.com/nerrad567/gray-logic-halink/internal/heartbeat"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-halink/internal/instance"
	"github.com/nerrad567/gray-logic-halink/internal/queue"
)

const testSecret = "cli-test-secret-0123456789abcdefghij"

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(append([]string{"--no-color"}, args...))

	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// fixtureDB creates a migrated database holding instance 1 (enabled) and
// instance 2 (disabled).
func fixtureDB(t *testing.T) (string, *database.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "halink.db")
	db, err := database.Open(database.Config{Path: path, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := instance.NewSQLiteRepository(db)
	for _, inst := range []*instance.Instance{
		{ID: 1, Name: "lab", EndpointURL: "ws://lab.local:8123/api/websocket", Credential: "a", Enabled: true},
		{ID: 2, Name: "barn", EndpointURL: "ws://barn.local:8123/api/websocket", Credential: "b"},
	} {
		if err := repo.Upsert(context.Background(), inst); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	return path, db
}

func beat(t *testing.T, db *database.DB, id int64, fingerprint string) {
	t.Helper()
	err := heartbeat.NewStore(db).Beat(context.Background(), heartbeat.Record{
		InstanceID:  id,
		BeatAt:      time.Now(),
		Host:        "worker-a",
		PID:         4242,
		Fingerprint: fingerprint,
	})
	if err != nil {
		t.Fatalf("Beat() error = %v", err)
	}
}

func TestStatus_Table(t *testing.T) {
	path, db := fixtureDB(t)
	beat(t, db, 1, "")

	stdout, _, err := executeCLI(t, "--db", path, "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2:\n%s", len(lines), stdout)
	}
	if !strings.Contains(lines[1], "lab") || !strings.Contains(lines[1], "running") || !strings.Contains(lines[1], "worker-a") {
		t.Errorf("instance 1 line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "barn") || !strings.Contains(lines[2], "stopped") {
		t.Errorf("instance 2 line = %q", lines[2])
	}
}

func TestStatus_SingleJSON(t *testing.T) {
	path, db := fixtureDB(t)
	beat(t, db, 1, "")

	stdout, _, err := executeCLI(t, "--db", path, "--json", "status", "1")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}

	var got []instance.Status
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if len(got) != 1 || !got[0].Running || got[0].Local || got[0].PID != 4242 {
		t.Errorf("status = %+v", got)
	}
}

func TestStatus_Errors(t *testing.T) {
	path, _ := fixtureDB(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown instance", []string{"--db", path, "status", "99"}},
		{"bad id", []string{"--db", path, "status", "abc"}},
		{"too many args", []string{"--db", path, "status", "1", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := executeCLI(t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfigChanged(t *testing.T) {
	path, db := fixtureDB(t)

	stdout, _, err := executeCLI(t, "--db", path, "config-changed", "1")
	if err != nil {
		t.Fatalf("config-changed error = %v", err)
	}
	if strings.TrimSpace(stdout) != "unchanged" {
		t.Errorf("no worker: got %q, want unchanged", stdout)
	}

	beat(t, db, 1, "stale-fingerprint")
	stdout, _, err = executeCLI(t, "--db", path, "config-changed", "1")
	if err != nil {
		t.Fatalf("config-changed error = %v", err)
	}
	if strings.TrimSpace(stdout) != "changed" {
		t.Errorf("stale heartbeat: got %q, want changed", stdout)
	}
}

func TestCall_Completed(t *testing.T) {
	path, db := fixtureDB(t)
	store := queue.NewStore(db)

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
			entries, err := store.ClaimPending(ctx, 1, 10)
			if err != nil {
				continue
			}
			for _, e := range entries {
				store.Complete(ctx, e.RequestID, json.RawMessage(`{"pong":true}`)) //nolint:errcheck // Test worker
			}
		}
	}()

	stdout, _, err := executeCLI(t, "--db", path, "call", "1", "ping", "--timeout", "3s")
	if err != nil {
		t.Fatalf("call error = %v", err)
	}

	var out queue.Outcome
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	var result struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(out.Result, &result); err != nil {
		t.Fatalf("decode result: %v (%s)", err, out.Result)
	}
	if !out.Success || !result.Pong {
		t.Errorf("outcome = %+v", out)
	}
}

func TestCall_TimesOut(t *testing.T) {
	path, _ := fixtureDB(t)

	stdout, _, err := executeCLI(t, "--db", path, "call", "1", "ping", "--timeout", "100ms")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(stdout, `"state": "timeout"`) {
		t.Errorf("stdout = %s", stdout)
	}
}

func TestCall_Validation(t *testing.T) {
	path, _ := fixtureDB(t)

	tests := []struct {
		name string
		args []string
	}{
		{"payload not json", []string{"call", "1", "ping", "--payload", "nope"}},
		{"payload array", []string{"call", "1", "ping", "--payload", "[1]"}},
		{"unknown instance", []string{"call", "7", "ping"}},
		{"missing type", []string{"call", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := executeCLI(t, append([]string{"--db", path}, tt.args...)...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestToken(t *testing.T) {
	stdout, _, err := executeCLI(t, "--secret", testSecret, "token", "--subject", "automation", "--role", "producer")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(stdout), testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "automation" || claims.Role != auth.RoleProducer {
		t.Errorf("claims = %+v", claims)
	}
}

func TestToken_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no secret", []string{"token", "--subject", "x"}},
		{"bad role", []string{"--secret", testSecret, "token", "--subject", "x", "--role", "admin"}},
		{"no subject", []string{"--secret", testSecret, "token"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HALINKCTL_SECRET", "")
			if _, _, err := executeCLI(t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// fakeAPI records the last request and answers with status and body.
type fakeAPI struct {
	status  int
	body    string
	headers map[string]string

	mu    sync.Mutex
	path  string
	query string
	role  auth.Role
}

func (f *fakeAPI) last() (path, query string, role auth.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path, f.query, f.role
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.path = r.URL.Path
		f.query = r.URL.RawQuery
		if claims, err := auth.ParseToken(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), testSecret); err == nil {
			f.role = claims.Role
		}
		f.mu.Unlock()
		for k, v := range f.headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		w.Write([]byte(f.body)) //nolint:errcheck // Test server
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLifecycle_Commands(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		body      string
		wantPath  string
		wantQuery string
	}{
		{"start", []string{"start", "1"}, `{"instance_id":1,"running":true}`, "/api/v1/instances/1/start", ""},
		{"stop", []string{"stop", "1"}, `{"was_running":true,"graceful":true}`, "/api/v1/instances/1/stop", ""},
		{"restart", []string{"restart", "1"}, `{"restarted":true}`, "/api/v1/instances/1/restart", "force=false"},
		{"restart forced", []string{"restart", "1", "--force"}, `{"restarted":true}`, "/api/v1/instances/1/restart", "force=true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{status: http.StatusOK, body: tt.body}
			srv := api.server(t)

			args := append([]string{"--api-url", srv.URL + "/", "--secret", testSecret}, tt.args...)
			if _, _, err := executeCLI(t, args...); err != nil {
				t.Fatalf("error = %v", err)
			}
			path, query, role := api.last()
			if path != tt.wantPath || query != tt.wantQuery {
				t.Errorf("request = %s?%s, want %s?%s", path, query, tt.wantPath, tt.wantQuery)
			}
			if role != auth.RoleOperator {
				t.Errorf("token role = %q, want operator", role)
			}
		})
	}
}

func TestLifecycle_APIError(t *testing.T) {
	api := &fakeAPI{
		status:  http.StatusTooManyRequests,
		body:    `{"status":429,"code":"conflict","message":"restarted too recently"}`,
		headers: map[string]string{"Retry-After": "4"},
	}
	srv := api.server(t)

	_, _, err := executeCLI(t, "--api-url", srv.URL, "--secret", testSecret, "restart", "1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "restarted too recently") || !strings.Contains(err.Error(), "retry after 4s") {
		t.Errorf("error = %v", err)
	}
}

func TestLifecycle_JSONOutput(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: `{"was_running":false,"graceful":true}`}
	srv := api.server(t)

	stdout, _, err := executeCLI(t, "--api-url", srv.URL, "--secret", testSecret, "--json", "stop", "2")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(stdout, `"was_running": false`) {
		t.Errorf("stdout = %s", stdout)
	}
}

func TestResolve_ConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "from-config.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	content := `
site:
  id: test-site
database:
  path: "` + dbPath + `"
api:
  host: "10.0.0.5"
  port: 9000
security:
  jwt:
    secret: "` + testSecret + `"
remote:
  heartbeat_interval: 500
`
	if err := os.WriteFile(cfgPath, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HALINKCTL_API_URL", "http://override:1234/")

	c := &cli{v: viper.New()}
	root := newRootCommand(c)
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfgPath, "token", "--subject", "x"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if c.cfg.dbPath != dbPath {
		t.Errorf("dbPath = %q, want %q", c.cfg.dbPath, dbPath)
	}
	if c.cfg.apiURL != "http://override:1234" {
		t.Errorf("apiURL = %q, want env override", c.cfg.apiURL)
	}
	if c.cfg.secret != testSecret {
		t.Errorf("secret not taken from config")
	}
	if c.cfg.heartbeatInterval != 60 {
		t.Errorf("heartbeatInterval = %d, want clamped 60", c.cfg.heartbeatInterval)
	}
}

func TestResolve_Defaults(t *testing.T) {
	c := &cli{v: viper.New()}
	root := newRootCommand(c)
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--secret", testSecret, "token", "--subject", "x"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if c.cfg.dbPath != defaultDBPath || c.cfg.apiURL != defaultAPIURL {
		t.Errorf("settings = %+v", c.cfg)
	}
}

func TestAudit_List(t *testing.T) {
	path, db := fixtureDB(t)
	repo := audit.NewSQLiteRepository(db)
	for _, e := range []*audit.Entry{
		{Action: audit.ActionStart, InstanceID: 1, Caller: "ops", Source: "api"},
		{Action: audit.ActionRestart, InstanceID: 2, Caller: "ops", Source: "api", Outcome: audit.OutcomeRefused},
	} {
		if err := repo.Create(context.Background(), e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	stdout, _, err := executeCLI(t, "--db", path, "audit", "--instance", "2")
	if err != nil {
		t.Fatalf("audit error = %v", err)
	}
	if !strings.Contains(stdout, "restart") || !strings.Contains(stdout, "refused") || strings.Count(stdout, "\n") != 3 {
		t.Errorf("stdout = %s", stdout)
	}
	if !strings.Contains(stdout, "1 of 1") {
		t.Errorf("missing count line: %s", stdout)
	}
}
