package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/listsync/internal/config"
	"github.com/foxzi/listsync/internal/contacts"
	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/intents"
	"github.com/foxzi/listsync/internal/lists"
	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/provider/memory"
	"github.com/foxzi/listsync/internal/ratelimit"
	"github.com/foxzi/listsync/internal/store"
	"github.com/foxzi/listsync/internal/users"
)

type testEnv struct {
	server   *Server
	driver   *memory.Driver
	users    *users.Directory
	queue    *intents.Queue
	registry *lists.Registry
	db       *bolt.DB
}

type metadataFunc func(ctx context.Context, listID string) (*provider.Metadata, error)

func (f metadataFunc) ListMetadata(ctx context.Context, listID string) (*provider.Metadata, error) {
	return f(ctx, listID)
}

func setupTestServer(t *testing.T, apiKey string, configure func(cfg *config.APIConfig, deps *Deps)) *testEnv {
	t.Helper()
	return setupTestServerWithDriver(t, apiKey, nil, configure)
}

func setupTestServerWithDriver(t *testing.T, apiKey string, wrap func(*memory.Driver) provider.Driver, configure func(cfg *config.APIConfig, deps *Deps)) *testEnv {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := memory.New(memory.Options{DefaultListID: "L1"})
	d.AddList("L1", "Weekly")
	d.AddList("L2", "Offers")

	var active provider.Driver = d
	if wrap != nil {
		active = wrap(d)
	}
	sel := provider.NewSelection(active.Slug(), active)
	registry := lists.NewRegistry(s, sel, lists.Options{}, logger)
	dir := users.NewDirectory(s, logger)
	pipeline := contacts.NewPipeline(sel, registry, dir, logger)
	q := intents.New(s, pipeline, dir, intents.Config{}, logger)
	pipeline.SetQueue(q)

	cfg := &config.APIConfig{ListenAddr: ":8080", APIKey: apiKey}
	deps := Deps{
		Selection: sel,
		Registry:  registry,
		Pipeline:  pipeline,
		Users:     dir,
		Intents:   q,
		Version:   "test",
	}
	if configure != nil {
		configure(cfg, &deps)
	}

	return &testEnv{
		server:   NewServer(deps, cfg, logger),
		driver:   d,
		users:    dir,
		queue:    q,
		registry: registry,
		db:       s.DB(),
	}
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, "secret", nil)

	w := env.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Provider.Active != memory.Slug || !resp.Provider.Available {
		t.Errorf("provider = %+v", resp.Provider)
	}
	if resp.Intents == nil {
		t.Error("intent stats missing")
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestServer(t, "secret-key", nil)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no auth", "", "", http.StatusUnauthorized},
		{"wrong key", "Authorization", "Bearer wrong-key", http.StatusUnauthorized},
		{"correct key", "Authorization", "Bearer secret-key", http.StatusOK},
		{"x-api-key header", "X-API-Key", "secret-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/lists_config", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPIAllowedIPs(t *testing.T) {
	env := setupTestServer(t, "", func(cfg *config.APIConfig, _ *Deps) {
		cfg.AllowedIPs = []string{"10.0.0.0/8"}
	})

	for addr, want := range map[string]int{
		"10.1.2.3:4000":    http.StatusOK,
		"192.168.1.1:4000": http.StatusForbidden,
	} {
		req := httptest.NewRequest("GET", "/api/v1/lists_config", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("%s: Status = %d, want %d", addr, w.Code, want)
		}
	}
}

func TestListsEndpoints(t *testing.T) {
	env := setupTestServer(t, "", nil)

	w := env.do(t, "GET", "/api/v1/lists", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /lists Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var got ListsResponse
	decode(t, w, &got)
	if len(got.Lists) != 2 {
		t.Fatalf("got %d lists, want 2", len(got.Lists))
	}
	if got.Lists[0].FormID != "L1" || got.Lists[0].Active || !got.Lists[0].Configured {
		t.Errorf("first list = %+v", got.Lists[0])
	}

	w = env.do(t, "PUT", "/api/v1/lists", `{"lists":[{"id":"L1","active":true,"title":"Weekly news"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /lists Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var updated ListsResponse
	decode(t, w, &updated)
	if len(updated.Lists) != 1 || !updated.Lists[0].Active || updated.Lists[0].Title != "Weekly news" {
		t.Errorf("updated = %+v", updated.Lists)
	}

	w = env.do(t, "POST", "/api/v1/lists", `{"title":"Beta testers"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /lists Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var created ListView
	decode(t, w, &created)
	if created.Type != lists.TypeLocal || !strings.HasPrefix(created.FormID, "local-") || !created.Configured {
		t.Errorf("created = %+v", created)
	}

	w = env.do(t, "GET", "/api/v1/lists_config", "")
	var cfg map[string]*lists.List
	decode(t, w, &cfg)
	if len(cfg) != 2 || cfg["L1"] == nil || cfg[created.FormID] == nil {
		t.Errorf("lists_config keys = %v", cfg)
	}
}

func TestListsValidation(t *testing.T) {
	env := setupTestServer(t, "", nil)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"invalid json", "PUT", `{invalid}`, http.StatusBadRequest},
		{"no lists", "PUT", `{"lists":[]}`, http.StatusBadRequest},
		{"unknown local list", "PUT", `{"lists":[{"id":"local-99"}]}`, http.StatusNotFound},
		{"missing title", "POST", `{"description":"x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, "/api/v1/lists", tt.body)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestSendListsEndpoint(t *testing.T) {
	env := setupTestServer(t, "", nil)

	w := env.do(t, "GET", "/api/v1/send-lists?type=list&search=week", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var resp SendListsResponse
	decode(t, w, &resp)
	if resp.Provider != memory.Slug || len(resp.SendLists) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.SendLists[0].Label != "[LIST] Weekly (0)" {
		t.Errorf("Label = %q", resp.SendLists[0].Label)
	}

	if w := env.do(t, "GET", "/api/v1/send-lists?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit Status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/send-lists?provider=mailchimp", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unknown provider Status = %d", w.Code)
	}
}

func TestUpsertContact(t *testing.T) {
	env := setupTestServer(t, "", nil)

	w := env.do(t, "POST", "/api/v1/contacts", `{"contact":{"email":"a@x.com","name":"Ann"},"lists":["L1","L2"],"context":"footer"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var resp UpsertContactResponse
	decode(t, w, &resp)
	if resp.Queued || resp.Contact == nil || resp.Contact.Email != "a@x.com" {
		t.Errorf("resp = %+v", resp)
	}
	if n := env.driver.CallCount("AddContact"); n != 2 {
		t.Errorf("AddContact calls = %d, want 2", n)
	}
}

func TestUpsertContactAsync(t *testing.T) {
	env := setupTestServer(t, "", nil)

	w := env.do(t, "POST", "/api/v1/contacts", `{"contact":{"email":"a@x.com"},"lists":["L1"],"async":true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var resp UpsertContactResponse
	decode(t, w, &resp)
	if !resp.Queued || resp.IntentID == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if env.driver.CallCount("AddContact") != 0 {
		t.Error("async upsert must not call the provider")
	}
	if _, err := env.queue.Get(context.Background(), resp.IntentID); err != nil {
		t.Errorf("intent not stored: %v", err)
	}
}

func TestUpsertContactValidation(t *testing.T) {
	env := setupTestServer(t, "", nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{invalid}`, http.StatusBadRequest},
		{"missing email", `{"contact":{"name":"x"}}`, http.StatusBadRequest},
		{"unconfigured local list", `{"contact":{"email":"a@x.com"},"lists":["local-42"]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/contacts", tt.body)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestUpsertContactRateLimited(t *testing.T) {
	env := setupTestServer(t, "", nil)

	limiter, err := ratelimit.NewLimiter(env.db, &ratelimit.Config{
		Email: &ratelimit.LimitConfig{RequestsPerHour: 1},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewLimiter() error: %v", err)
	}
	defer limiter.Stop()
	env.server.deps.Limiter = limiter

	body := `{"contact":{"email":"a@x.com"},"lists":["L1"]}`
	if w := env.do(t, "POST", "/api/v1/contacts", body); w.Code != http.StatusOK {
		t.Fatalf("first Status = %d", w.Code)
	}
	w := env.do(t, "POST", "/api/v1/contacts", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second Status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if n := env.driver.CallCount("AddContact"); n != 1 {
		t.Errorf("AddContact calls = %d, want 1", n)
	}
}

func TestUpdateContactLists(t *testing.T) {
	env := setupTestServer(t, "", nil)
	ctx := context.Background()

	env.do(t, "PUT", "/api/v1/lists", `{"lists":[{"id":"L1","active":true},{"id":"L2","active":true}]}`)
	env.do(t, "POST", "/api/v1/contacts", `{"contact":{"email":"a@x.com"},"lists":["L1"]}`)

	w := env.do(t, "PUT", "/api/v1/contacts/a@x.com/lists", `{"lists":["L2"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var resp map[string]bool
	decode(t, w, &resp)
	if !resp["changed"] {
		t.Error("changed = false, want true")
	}

	got := env.driver.GetContactLists(ctx, "a@x.com")
	if len(got) != 1 || got[0] != "L2" {
		t.Errorf("subscriptions = %v, want [L2]", got)
	}

	w = env.do(t, "PUT", "/api/v1/contacts/a@x.com/lists", `{"lists":["L2"]}`)
	var again map[string]bool
	decode(t, w, &again)
	if again["changed"] {
		t.Error("second update should not change anything")
	}
}

func TestDeleteContact(t *testing.T) {
	env := setupTestServer(t, "", nil)
	ctx := context.Background()

	env.do(t, "POST", "/api/v1/contacts", `{"contact":{"email":"a@x.com"},"lists":["L1"]}`)
	u, err := env.users.Add(ctx, "a@x.com", false)
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	w := env.do(t, "DELETE", "/api/v1/users/"+u.ID+"/contact", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("unverified Status = %d, want 403", w.Code)
	}
	if env.driver.CallCount("DeleteContact") != 0 {
		t.Error("provider called for an unverified user")
	}

	env.users.SetVerified(ctx, u.ID, true)
	w = env.do(t, "DELETE", "/api/v1/users/"+u.ID+"/contact", "")
	if w.Code != http.StatusOK {
		t.Fatalf("verified Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var resp map[string]bool
	decode(t, w, &resp)
	if !resp["deleted"] {
		t.Error("deleted = false")
	}

	if w := env.do(t, "DELETE", "/api/v1/users/999/contact", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown user Status = %d, want 404", w.Code)
	}
}

func TestSubscriptionErrorEndpoint(t *testing.T) {
	env := setupTestServer(t, "", nil)
	ctx := context.Background()

	u, _ := env.users.Add(ctx, "a@x.com", true)
	env.users.RecordSubscriptionError(ctx, "a@x.com", "list L9 not found")

	w := env.do(t, "GET", "/api/v1/users/"+u.ID+"/subscription-error", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	var resp SubscriptionErrorResponse
	decode(t, w, &resp)
	if resp.Email != "a@x.com" || resp.Error != "list L9 not found" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestIntentsEndpoints(t *testing.T) {
	env := setupTestServer(t, "", nil)
	ctx := context.Background()

	id, err := env.queue.Enqueue(ctx, provider.Contact{Email: "a@x.com"}, []string{"L1"}, "")
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	w := env.do(t, "GET", "/api/v1/intents", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	var list IntentsResponse
	decode(t, w, &list)
	if list.Stats.Pending != 1 || len(list.Intents) != 1 || list.Intents[0].ID != id {
		t.Errorf("resp = %+v", list)
	}

	w = env.do(t, "GET", "/api/v1/intents/"+id, "")
	var in intents.Intent
	decode(t, w, &in)
	if in.Contact.Email != "a@x.com" {
		t.Errorf("intent = %+v", in)
	}

	if w := env.do(t, "DELETE", "/api/v1/intents/"+id, ""); w.Code != http.StatusNoContent {
		t.Errorf("DELETE Status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/intents/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("GET deleted Status = %d, want 404", w.Code)
	}
}

func TestWorkerEndpointAlwaysOK(t *testing.T) {
	env := setupTestServer(t, "", func(cfg *config.APIConfig, _ *Deps) {
		cfg.WorkerToken = "worker-secret"
	})
	ctx := context.Background()

	id, _ := env.queue.Enqueue(ctx, provider.Contact{Email: "a@x.com"}, []string{"L1"}, "")

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/internal/worker/intents", bytes.NewBufferString(body))
		req.Header.Set("X-Worker-Token", "worker-secret")
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)
		return w
	}

	w := post(`{"intent_id":"` + id + `"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	var resp WorkerResponse
	decode(t, w, &resp)
	if len(resp.Outcomes) != 1 || resp.Outcomes[0] != intents.OutcomeSuccess {
		t.Errorf("resp = %+v", resp)
	}
	if env.driver.CallCount("AddContact") != 1 {
		t.Error("intent not processed")
	}

	for _, body := range []string{`{"intent_id":"` + id + `"}`, `{broken`, `{"intent_id":"12345"}`} {
		if w := post(body); w.Code != http.StatusOK {
			t.Errorf("body %s: Status = %d, want 200", body, w.Code)
		}
	}

	req := httptest.NewRequest("POST", "/internal/worker/intents", bytes.NewBufferString(`{}`))
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token Status = %d, want 401", w.Code)
	}
}

// blockingDriver holds AddContact until released or cancelled
type blockingDriver struct {
	*memory.Driver
	started chan struct{}
	release chan struct{}
}

func (b *blockingDriver) AddContact(ctx context.Context, c provider.Contact, listID string) (*provider.ContactResult, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.ProviderUnavailable, "blocking.AddContact", ctx.Err())
	case <-b.release:
	}
	return b.Driver.AddContact(ctx, c, listID)
}

func TestWorkerEndpointSurvivesClientHangup(t *testing.T) {
	bd := &blockingDriver{started: make(chan struct{}, 1), release: make(chan struct{})}
	env := setupTestServerWithDriver(t, "", func(d *memory.Driver) provider.Driver {
		bd.Driver = d
		return bd
	}, nil)
	ctx := context.Background()

	id, err := env.queue.Enqueue(ctx, provider.Contact{Email: "a@x.com"}, []string{"L1"}, "")
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	reqCtx, cancel := context.WithCancel(ctx)
	req, _ := http.NewRequestWithContext(reqCtx, "POST", srv.URL+"/internal/worker/intents", strings.NewReader(`{"intent_id":"`+id+`"}`))
	req.Header.Set("Content-Type", "application/json")

	done := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()

	select {
	case <-bd.started:
	case <-time.After(5 * time.Second):
		t.Fatal("intent processing did not start")
	}
	cancel()
	if err := <-done; err == nil {
		t.Fatal("expected the client request to be cancelled")
	}
	close(bd.release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := env.queue.Get(ctx, id)
		if errs.Is(err, errs.NotFound) {
			break
		}
		if time.Now().After(deadline) {
			in, _ := env.queue.Get(ctx, id)
			t.Fatalf("intent still pending: %+v", in)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := env.driver.GetContactLists(ctx, "a@x.com"); len(got) != 1 || got[0] != "L1" {
		t.Errorf("contact lists = %v, want [L1]", got)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	env := setupTestServer(t, "", nil)
	if w := env.do(t, "GET", "/api/v1/metadata/L1", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("without cache Status = %d, want 503", w.Code)
	}

	env = setupTestServer(t, "", func(_ *config.APIConfig, deps *Deps) {
		deps.Metadata = metadataFunc(func(ctx context.Context, listID string) (*provider.Metadata, error) {
			if listID != "L1" {
				return nil, errs.E(errs.NotFound, "test", "list %s not found", listID)
			}
			return &provider.Metadata{ListID: "L1", Segments: []provider.Segment{{ID: "s1"}}}, nil
		})
	})

	w := env.do(t, "GET", "/api/v1/metadata/L1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	var md provider.Metadata
	decode(t, w, &md)
	if md.ListID != "L1" || len(md.Segments) != 1 {
		t.Errorf("metadata = %+v", md)
	}

	w = env.do(t, "GET", "/api/v1/metadata/L9", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
	var e ErrorResponse
	decode(t, w, &e)
	if e.Kind == "" {
		t.Error("error kind missing")
	}
}

func TestNoProvider(t *testing.T) {
	env := setupTestServer(t, "", func(_ *config.APIConfig, deps *Deps) {
		deps.Selection.SetActive("")
	})

	for _, path := range []string{"/api/v1/lists", "/api/v1/lists_config", "/api/v1/send-lists"} {
		if w := env.do(t, "GET", path, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: Status = %d, want 503", path, w.Code)
		}
	}

	w := env.do(t, "GET", "/health", "")
	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Provider.Available {
		t.Error("provider reported available")
	}
}
