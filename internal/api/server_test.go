package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hearthstack/hearth-core/internal/audit"
	"github.com/hearthstack/hearth-core/internal/auth"
	"github.com/hearthstack/hearth-core/internal/entry"
	"github.com/hearthstack/hearth-core/internal/events"
	"github.com/hearthstack/hearth-core/internal/infrastructure/config"
	"github.com/hearthstack/hearth-core/internal/infrastructure/logging"
	"github.com/hearthstack/hearth-core/internal/infrastructure/metrics"
	"github.com/hearthstack/hearth-core/internal/integration"
	"github.com/hearthstack/hearth-core/internal/registry"
	"github.com/hearthstack/hearth-core/internal/scheduler"
	"github.com/hearthstack/hearth-core/internal/worker"
)

const (
	testSecret   = "test-secret-key-at-least-32-characters-long"
	testUsername = "admin"
	testPassword = "watchtower"
)

// The argon2id hash is expensive to derive; share one across the package.
var (
	testHashOnce sync.Once
	testHash     string
)

func adminHash(t *testing.T) string {
	t.Helper()
	testHashOnce.Do(func() {
		h, err := auth.HashPassword(testPassword)
		if err != nil {
			t.Fatalf("hashing test password: %v", err)
		}
		testHash = h
	})
	return testHash
}

// stubIntegration is a scriptable integration for API lifecycle tests.
type stubIntegration struct {
	domain string

	mu          sync.Mutex
	setupErrs   []error // consumed first, one per attempt
	setupErr    error
	setupCalls  int
	unloadCalls int
}

func (s *stubIntegration) Domain() string { return s.domain }
func (s *stubIntegration) Version() int   { return 1 }

func (s *stubIntegration) Setup(_ context.Context, _ integration.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setupCalls++
	if len(s.setupErrs) > 0 {
		err := s.setupErrs[0]
		s.setupErrs = s.setupErrs[1:]
		return err
	}
	return s.setupErr
}

func (s *stubIntegration) Unload(_ context.Context, _ integration.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unloadCalls++
	return nil
}

func (s *stubIntegration) SetupCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupCalls
}

// identifierStub resolves a unique id from the "account" data key.
type identifierStub struct {
	*stubIntegration
}

func (s *identifierStub) Identify(_ context.Context, data map[string]any) (string, error) {
	account, _ := data["account"].(string)
	return "uid-" + account, nil
}

// confirmerStub additionally confirms registry record removals.
type confirmerStub struct {
	*stubIntegration
	confirm bool
}

func (s *confirmerStub) ConfirmRemoval(_ context.Context, _ integration.Entry, _ string) (bool, error) {
	return s.confirm, nil
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// Every pool connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE config_entries (
			entry_id TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			unique_id TEXT,
			data TEXT NOT NULL DEFAULT '{}',
			options TEXT NOT NULL DEFAULT '{}',
			version INTEGER NOT NULL DEFAULT 1,
			state TEXT NOT NULL DEFAULT 'not_loaded',
			disabled_by TEXT,
			setup_retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE UNIQUE INDEX idx_config_entries_domain_unique_id
			ON config_entries(domain, unique_id) WHERE unique_id IS NOT NULL;
		CREATE INDEX idx_config_entries_domain ON config_entries(domain);

		CREATE TABLE registry_records (
			unique_id    TEXT PRIMARY KEY,
			entry_id     TEXT NOT NULL REFERENCES config_entries(entry_id) ON DELETE CASCADE,
			domain       TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			model        TEXT NOT NULL DEFAULT '',
			manufacturer TEXT NOT NULL DEFAULT '',
			sw_version   TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE INDEX idx_registry_records_entry_id ON registry_records(entry_id);

		CREATE TABLE audit_logs (
			id          TEXT PRIMARY KEY,
			action      TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   TEXT,
			user_id     TEXT,
			source      TEXT NOT NULL DEFAULT 'api',
			details     TEXT,
			created_at  TEXT NOT NULL
		);
		CREATE INDEX idx_audit_logs_created_at ON audit_logs(created_at DESC);
		CREATE INDEX idx_audit_logs_entity ON audit_logs(entity_type, entity_id);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	return db
}

type testServer struct {
	t      *testing.T
	srv    *Server
	router http.Handler
	mgr    *entry.Manager
	binder *registry.Binder
	bus    *events.Bus
	audit  audit.Store
}

func newTestServer(t *testing.T, integs ...integration.Integration) *testServer {
	return newTestServerOpts(t, nil, integs...)
}

func newTestServerOpts(t *testing.T, mutate func(*Deps), integs ...integration.Integration) *testServer {
	t.Helper()

	db := setupTestDB(t)

	reg := integration.NewRegistry()
	for _, in := range integs {
		if err := reg.Register(in); err != nil {
			t.Fatalf("failed to register integration: %v", err)
		}
	}

	sched := scheduler.New()
	pool := worker.New(worker.Options{Workers: 2, QueueSize: 32})
	pool.Start()
	bus := events.NewBus()
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	mgr := entry.NewManager(entry.Options{
		Store:          entry.NewSQLiteStore(db),
		Integrations:   reg,
		Scheduler:      sched,
		Pool:           pool,
		Bus:            bus,
		SetupTimeout:   2 * time.Second,
		UnloadTimeout:  2 * time.Second,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  80 * time.Millisecond,
		ParallelSetups: 2,
	})

	binder := registry.NewBinder(registry.Options{
		Store:        registry.NewSQLiteStore(db),
		Entries:      mgr,
		Integrations: reg,
		Bus:          bus,
	})

	auditStore := audit.NewSQLiteStore(db)

	deps := Deps{
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT:   config.JWTConfig{Secret: testSecret, AccessTokenTTL: 15},
			Admin: config.AdminConfig{Username: testUsername, PasswordHash: adminHash(t)},
		},
		Metrics:        config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Logger:         logger,
		Manager:        mgr,
		Binder:         binder,
		Bus:            bus,
		Audit:          auditStore,
		MetricsHandler: metrics.New().Handler(),
		Version:        "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// The audit writer normally runs from Start(); tests drive the router
	// directly, so run it here.
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	if deps.Audit != nil {
		go srv.drainAuditLog(drainCtx)
	}

	t.Cleanup(func() {
		cancelDrain()
		if err := srv.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
		binder.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		mgr.Shutdown(shutCtx)
		cancel()
		sched.Close()
		_ = pool.Stop(time.Second)
	})

	return &testServer{
		t:      t,
		srv:    srv,
		router: srv.buildRouter(),
		mgr:    mgr,
		binder: binder,
		bus:    bus,
		audit:  deps.Audit,
	}
}

// request performs one HTTP request against the router. A non-empty token
// is sent as a bearer credential.
func (ts *testServer) request(method, path string, body any, token string) *httptest.ResponseRecorder {
	ts.t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatalf("marshalling request body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) token() string {
	ts.t.Helper()
	tok, err := auth.GenerateAccessToken(testUsername, testSecret, 15)
	if err != nil {
		ts.t.Fatalf("generating token: %v", err)
	}
	return tok
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

// waitForAudit polls until at least want records match the filter. Audit
// writes are asynchronous, so assertions on them have to wait.
func (ts *testServer) waitForAudit(filter audit.Filter, want int) *audit.Page {
	ts.t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		page, err := ts.audit.List(context.Background(), filter)
		if err == nil && page.Total >= want {
			return page
		}
		select {
		case <-deadline:
			ts.t.Fatalf("audit records never appeared (filter %+v, want %d)", filter, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// ─── Server Lifecycle Tests ───

func TestNewRequiresDependencies(t *testing.T) {
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	if _, err := New(Deps{}); err == nil {
		t.Fatal("New() with no deps should fail")
	}
	if _, err := New(Deps{Logger: logger}); err == nil {
		t.Fatal("New() without manager should fail")
	}
}

// ─── Health Endpoint Tests ───

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodGet, "/api/v1/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
}

// ─── Auth Tests ───

func TestLogin(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodPost, "/api/v1/auth/login", loginRequest{
		Username: testUsername,
		Password: testPassword,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	decodeBody(t, rec, &resp)
	if resp.AccessToken == "" {
		t.Fatal("login returned empty access token")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 15*60 {
		t.Errorf("expires_in = %d, want %d", resp.ExpiresIn, 15*60)
	}

	// The issued token must open protected routes.
	rec = ts.request(http.MethodGet, "/api/v1/entries", nil, resp.AccessToken)
	if rec.Code != http.StatusOK {
		t.Errorf("entries with issued token status = %d, want 200", rec.Code)
	}

	// Login lands in the audit trail.
	page := ts.waitForAudit(audit.Filter{Action: audit.ActionLogin}, 1)
	if page.Records[0].UserID != testUsername {
		t.Errorf("audit user = %q, want %q", page.Records[0].UserID, testUsername)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		req  loginRequest
	}{
		{"wrong password", loginRequest{Username: testUsername, Password: "nope"}},
		{"wrong username", loginRequest{Username: "intruder", Password: testPassword}},
		{"empty", loginRequest{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.request(http.MethodPost, "/api/v1/auth/login", tc.req, "")
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("login status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestLoginDisabledWithoutPasswordHash(t *testing.T) {
	ts := newTestServerOpts(t, func(d *Deps) {
		d.Security.Admin.PasswordHash = ""
	})

	rec := ts.request(http.MethodPost, "/api/v1/auth/login", loginRequest{
		Username: testUsername,
		Password: testPassword,
	}, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("login status = %d, want 403", rec.Code)
	}
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("login status = %d, want 400", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/entries"},
		{http.MethodGet, "/api/v1/devices"},
		{http.MethodGet, "/api/v1/audit"},
		{http.MethodGet, "/api/v1/system/info"},
		{http.MethodPost, "/api/v1/auth/ws-ticket"},
	}
	for _, p := range paths {
		rec := ts.request(p.method, p.path, nil, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token status = %d, want 401", p.method, p.path, rec.Code)
		}
	}

	rec := ts.request(http.MethodGet, "/api/v1/entries", nil, "garbage-token")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("entries with garbage token status = %d, want 401", rec.Code)
	}
}

func TestTokenSignedWithOtherSecretRejected(t *testing.T) {
	ts := newTestServer(t)

	foreign, err := auth.GenerateAccessToken(testUsername, "some-other-secret-that-is-long-enough", 15)
	if err != nil {
		t.Fatalf("generating foreign token: %v", err)
	}

	rec := ts.request(http.MethodGet, "/api/v1/entries", nil, foreign)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign token status = %d, want 401", rec.Code)
	}
}

func TestWSTicketIssue(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodPost, "/api/v1/auth/ws-ticket", nil, ts.token())
	if rec.Code != http.StatusOK {
		t.Fatalf("ws-ticket status = %d, want 200", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	ticket, _ := body["ticket"].(string)
	if ticket == "" {
		t.Fatal("ws-ticket returned empty ticket")
	}
	if int(body["expires_in"].(float64)) != int(auth.DefaultTicketTTL.Seconds()) {
		t.Errorf("expires_in = %v, want %v", body["expires_in"], auth.DefaultTicketTTL.Seconds())
	}
}

// ─── Middleware Tests ───

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodGet, "/api/v1/health", nil, "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing generated X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "trace-me-42")
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "trace-me-42" {
		t.Errorf("X-Request-ID = %q, want trace-me-42", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/entries", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestCORSRestrictedOrigin(t *testing.T) {
	ts := newTestServerOpts(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"https://panel.example.com"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Access-Control-Allow-Origin = %q", got)
	}
}

// ─── Metrics & System Tests ───

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics exposition missing go runtime collectors")
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	ts := newTestServerOpts(t, func(d *Deps) {
		d.Metrics.Enabled = false
	})

	rec := ts.request(http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("metrics status = %d, want 404", rec.Code)
	}
}

func TestAuditEndpointWithoutStore(t *testing.T) {
	ts := newTestServerOpts(t, func(d *Deps) {
		d.Audit = nil
	})

	rec := ts.request(http.MethodGet, "/api/v1/audit", nil, ts.token())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("audit without store status = %d, want 500", rec.Code)
	}
}

func TestSystemInfo(t *testing.T) {
	ts := newTestServer(t, &stubIntegration{domain: "demo"})

	rec := ts.request(http.MethodPost, "/api/v1/entries", createEntryRequest{
		Domain: "demo",
		Title:  "First",
	}, ts.token())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", rec.Code)
	}

	rec = ts.request(http.MethodGet, "/api/v1/system/info", nil, ts.token())
	if rec.Code != http.StatusOK {
		t.Fatalf("system info status = %d, want 200", rec.Code)
	}

	var info map[string]any
	decodeBody(t, rec, &info)
	if info["version"] != "test" {
		t.Errorf("version = %v, want test", info["version"])
	}
	entries, _ := info["entries"].(map[string]any)
	if entries == nil || entries["total"].(float64) != 1 {
		t.Errorf("entries = %v, want total 1", info["entries"])
	}
	if info["ws_clients"].(float64) != 0 {
		t.Errorf("ws_clients = %v, want 0", info["ws_clients"])
	}
}
