package intents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/listsync/internal/contacts"
	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/lists"
	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/provider/memory"
	"github.com/foxzi/listsync/internal/store"
	"github.com/foxzi/listsync/internal/users"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "intents.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type subscribeCall struct {
	contact provider.Contact
	lists   []string
	origin  string
}

type mockSubscriber struct {
	mu    sync.Mutex
	err   error
	calls []subscribeCall
}

func (m *mockSubscriber) Subscribe(_ context.Context, c provider.Contact, lists []string, origin string) (*provider.ContactResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, subscribeCall{contact: c, lists: lists, origin: origin})
	if m.err != nil {
		return nil, m.err
	}
	return &provider.ContactResult{Email: c.Email}, nil
}

func (m *mockSubscriber) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type e2e struct {
	driver   *memory.Driver
	users    *users.Directory
	pipeline *contacts.Pipeline
	queue    *Queue
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	s := newTestStore(t)
	logger := newTestLogger()

	d := memory.New(memory.Options{})
	d.AddList("L1", "Weekly")
	sel := provider.NewSelection(d.Slug(), d)
	registry := lists.NewRegistry(s, sel, lists.Options{}, logger)
	dir := users.NewDirectory(s, logger)
	pipeline := contacts.NewPipeline(sel, registry, dir, logger)
	q := New(s, pipeline, dir, Config{}, logger)
	pipeline.SetQueue(q)

	return &e2e{driver: d, users: dir, pipeline: pipeline, queue: q}
}

func TestEndToEnd_Success(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()

	res, err := env.pipeline.Upsert(ctx, provider.Contact{Email: "a@x.com"}, []string{"L1"}, contacts.UpsertOptions{Async: true})
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if !res.Queued {
		t.Fatal("async upsert should be queued")
	}
	if env.driver.CallCount("AddContact") != 0 {
		t.Fatal("provider called before processing")
	}

	outcomes, err := env.queue.Process(ctx, res.IntentID)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if outcomes[0] != OutcomeSuccess {
		t.Errorf("outcome = %s, want success", outcomes[0])
	}

	calls := env.driver.Calls("AddContact")
	if len(calls) != 1 || calls[0].Email != "a@x.com" || calls[0].ListID != "L1" {
		t.Errorf("AddContact calls = %+v, want one (a@x.com, L1)", calls)
	}
	if _, err := env.queue.Get(ctx, res.IntentID); !errs.Is(err, errs.NotFound) {
		t.Errorf("intent should be gone, Get() error = %v", err)
	}
}

func TestEndToEnd_RetryCap(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()

	u, err := env.users.Add(ctx, "a@x.com", true)
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	env.driver.Fail("AddContact", errs.E(errs.ProviderError, "memory.AddContact", "quota exceeded"))

	res, err := env.pipeline.Upsert(ctx, provider.Contact{Email: "a@x.com"}, []string{"L1"}, contacts.UpsertOptions{Async: true})
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	id := res.IntentID

	for attempt := 1; attempt <= 3; attempt++ {
		outcomes, err := env.queue.Process(ctx, id)
		if err != nil {
			t.Fatalf("attempt %d: Process() error: %v", attempt, err)
		}
		if outcomes[0] != OutcomeFailed {
			t.Fatalf("attempt %d: outcome = %s, want failed", attempt, outcomes[0])
		}
		in, err := env.queue.Get(ctx, id)
		if err != nil {
			t.Fatalf("attempt %d: Get() error: %v", attempt, err)
		}
		if len(in.Errors) != attempt {
			t.Fatalf("attempt %d: %d errors recorded", attempt, len(in.Errors))
		}
		if !strings.Contains(in.Errors[attempt-1], "quota exceeded") {
			t.Errorf("attempt %d: error = %q", attempt, in.Errors[attempt-1])
		}
	}

	got, _ := env.users.Get(ctx, u.ID)
	if !strings.Contains(got.LastSubscriptionError, "quota exceeded") {
		t.Errorf("user-facing error = %q", got.LastSubscriptionError)
	}

	outcomes, err := env.queue.Process(ctx, id)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if outcomes[0] != OutcomeAbandoned {
		t.Errorf("fourth failure outcome = %s, want abandoned", outcomes[0])
	}
	if _, err := env.queue.Get(ctx, id); !errs.Is(err, errs.NotFound) {
		t.Errorf("abandoned intent still stored: %v", err)
	}
	if n := env.driver.CallCount("AddContact"); n != 4 {
		t.Errorf("AddContact calls = %d, want 4", n)
	}

	outcomes, err = env.queue.Process(ctx, "")
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("sweep saw %d intents, want none", len(outcomes))
	}

	got, _ = env.users.Get(ctx, u.ID)
	if !strings.Contains(got.LastSubscriptionError, "abandoned after 4 failed attempts") {
		t.Errorf("user-facing error = %q", got.LastSubscriptionError)
	}
}

func TestEndToEnd_SuccessClearsUserError(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()

	u, _ := env.users.Add(ctx, "a@x.com", true)
	env.driver.Fail("AddContact", errors.New("temporary outage"))

	id, err := env.queue.Enqueue(ctx, provider.Contact{Email: "a@x.com"}, []string{"L1"}, "")
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := env.queue.Process(ctx, id); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	got, _ := env.users.Get(ctx, u.ID)
	if got.LastSubscriptionError == "" {
		t.Fatal("expected recorded error")
	}

	env.driver.Fail("AddContact", nil)
	if _, err := env.queue.Process(ctx, id); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	got, _ = env.users.Get(ctx, u.ID)
	if got.LastSubscriptionError != "" {
		t.Errorf("error not cleared: %q", got.LastSubscriptionError)
	}
}

func TestProcess_AbandonsOverCap(t *testing.T) {
	s := newTestStore(t)
	sub := &mockSubscriber{}
	q := New(s, sub, nil, Config{}, newTestLogger())
	ctx := context.Background()

	rec, err := s.Create(ctx, RecordType, map[string]any{
		"contact": provider.Contact{Email: "a@x.com"},
		"lists":   []string{"L1"},
		"errors":  []string{"e1", "e2", "e3", "e4"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	outcomes, err := q.Process(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if outcomes[0] != OutcomeAbandoned {
		t.Errorf("outcome = %s, want abandoned", outcomes[0])
	}
	if sub.count() != 0 {
		t.Error("subscriber must not be called for an exhausted intent")
	}
}

func TestProcess_MissingIntent(t *testing.T) {
	q := New(newTestStore(t), &mockSubscriber{}, nil, Config{}, newTestLogger())

	outcomes, err := q.Process(context.Background(), "42")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if outcomes[0] != OutcomeMissing {
		t.Errorf("outcome = %s, want missing", outcomes[0])
	}
}

func TestProcess_SweepBatch(t *testing.T) {
	s := newTestStore(t)
	sub := &mockSubscriber{}
	q := New(s, sub, nil, Config{DispatchBuffer: 1}, newTestLogger())
	ctx := context.Background()

	var ids []string
	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"} {
		id, err := q.Enqueue(ctx, provider.Contact{Email: email}, []string{"L1"}, "form")
		if err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
		ids = append(ids, id)
	}
	if len(q.Dispatched()) != 1 {
		t.Errorf("dispatch buffer holds %d ids, want 1", len(q.Dispatched()))
	}

	outcomes, err := q.Process(ctx, "")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("processed %d intents, want 3", len(outcomes))
	}
	for i, c := range sub.calls {
		want := []string{"a@x.com", "b@x.com", "c@x.com"}[i]
		if c.contact.Email != want || c.origin != "form" {
			t.Errorf("call %d = %+v, want %s", i, c, want)
		}
	}

	remaining, err := q.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(remaining) != 2 || remaining[0].ID != ids[3] {
		t.Errorf("remaining = %d intents", len(remaining))
	}
}

func TestQueue_StatsAndDelete(t *testing.T) {
	s := newTestStore(t)
	sub := &mockSubscriber{err: errors.New("boom")}
	q := New(s, sub, nil, Config{}, newTestLogger())
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, provider.Contact{Email: "a@x.com"}, nil, "")
	second, _ := q.Enqueue(ctx, provider.Contact{Email: "b@x.com"}, nil, "")
	if _, err := q.Process(ctx, first); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.Pending != 2 || stats.Failing != 1 || stats.Oldest.IsZero() {
		t.Errorf("stats = %+v", stats)
	}

	in, err := q.Get(ctx, second)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if in.CorrelationID == "" || in.Lists == nil {
		t.Errorf("intent = %+v", in)
	}

	if err := q.Delete(ctx, second); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := q.Delete(ctx, second); !errs.Is(err, errs.NotFound) {
		t.Errorf("second Delete() error = %v, want NotFound", err)
	}

	if _, err := q.Enqueue(ctx, provider.Contact{}, nil, ""); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("Enqueue(no email) error = %v, want InvalidInput", err)
	}
}

func TestProcessor_Dispatch(t *testing.T) {
	s := newTestStore(t)
	sub := &mockSubscriber{}
	q := New(s, sub, nil, Config{}, newTestLogger())
	p := NewProcessor(q, time.Hour, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	id, err := q.Enqueue(ctx, provider.Contact{Email: "a@x.com"}, []string{"L1"}, "")
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := q.Get(ctx, id); errs.Is(err, errs.NotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("dispatched intent was not processed")
}
