package metacache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/provider/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []job
}

func (d *recordingDispatcher) Dispatch(slug, listID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job{slug: slug, listID: listID})
	return true
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "cache.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func metadataV(n int) provider.Metadata {
	return provider.Metadata{
		Segments: []provider.Segment{{ID: "s1", Name: "Openers", Type: "saved", MemberCount: n}},
		InterestCategories: []provider.InterestCategory{{
			ID:    "c1",
			Title: "Topics",
			Interests: []provider.Interest{
				{ID: "i1", CategoryID: "c1", Name: "Sports", SubscriberCount: n},
			},
		}},
		Folders:     []provider.Folder{{ID: "f1", Name: "Archive"}},
		MergeFields: []provider.MergeField{{ID: "1", Tag: "FNAME", Name: "First name", Type: "text"}},
	}
}

type testEnv struct {
	driver     *memory.Driver
	cache      *Cache
	clock      *fakeClock
	dispatcher *recordingDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	d := memory.New(memory.Options{})
	d.AddList("L1", "Weekly")
	d.AddList("L2", "Offers")
	d.SetMetadata("L1", metadataV(1))

	sel := provider.NewSelection(d.Slug(), d)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(openTestDB(t), sel, time.Minute, logger)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	disp := &recordingDispatcher{}
	c.SetDispatcher(disp)

	return &testEnv{driver: d, cache: c, clock: clock, dispatcher: disp}
}

func TestGet_FirstFetchIsSynchronous(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	md, err := env.cache.ListMetadata(ctx, "L1")
	if err != nil {
		t.Fatalf("ListMetadata() error: %v", err)
	}
	if md.ListID != "L1" || len(md.Segments) != 1 || len(md.Folders) != 1 || len(md.MergeFields) != 1 {
		t.Errorf("metadata = %+v", md)
	}
	if len(md.InterestCategories) != 1 || len(md.InterestCategories[0].Interests) != 1 {
		t.Errorf("nested interests not fetched: %+v", md.InterestCategories)
	}
	if !md.FetchedAt.Equal(env.clock.Now()) {
		t.Errorf("FetchedAt = %v", md.FetchedAt)
	}

	if _, err := env.cache.ListMetadata(ctx, "L1"); err != nil {
		t.Fatalf("ListMetadata() error: %v", err)
	}
	if n := env.driver.CallCount("GetSegments"); n != 1 {
		t.Errorf("GetSegments calls = %d, want 1", n)
	}
	if env.dispatcher.count() != 0 {
		t.Error("fresh hit must not dispatch a refresh")
	}
}

func TestGet_StaleServe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.cache.Get(ctx, memory.Slug, "L1"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	env.clock.Advance(2 * time.Minute)
	env.driver.SetMetadata("L1", metadataV(2))

	md, err := env.cache.Get(ctx, memory.Slug, "L1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if md.Segments[0].MemberCount != 1 {
		t.Errorf("stale read returned %d, want the snapshot value 1", md.Segments[0].MemberCount)
	}
	if n := env.driver.CallCount("GetSegments"); n != 1 {
		t.Errorf("stale read called the provider: GetSegments calls = %d", n)
	}
	if env.dispatcher.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", env.dispatcher.count())
	}
	j := env.dispatcher.jobs[0]
	if j.slug != memory.Slug || j.listID != "L1" {
		t.Errorf("dispatched %+v", j)
	}

	// the background refresh
	if _, err := env.cache.RefreshProvider(ctx, j.slug, j.listID); err != nil {
		t.Fatalf("RefreshProvider() error: %v", err)
	}

	md, err = env.cache.Get(ctx, memory.Slug, "L1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if md.Segments[0].MemberCount != 2 {
		t.Errorf("after refresh got %d, want 2", md.Segments[0].MemberCount)
	}
}

func TestGet_SnapshotClearedAfterStaleRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.cache.Get(ctx, memory.Slug, "L1")
	env.clock.Advance(2 * time.Minute)
	env.cache.Get(ctx, memory.Slug, "L1")

	// No refresh ran, so the next read fetches synchronously
	env.driver.SetMetadata("L1", metadataV(3))
	md, err := env.cache.Get(ctx, memory.Slug, "L1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if md.Segments[0].MemberCount != 3 {
		t.Errorf("got %d, want live value 3", md.Segments[0].MemberCount)
	}
	if n := env.driver.CallCount("GetSegments"); n != 2 {
		t.Errorf("GetSegments calls = %d, want 2", n)
	}
}

func TestRefresh_FailureClearsTier1(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.cache.Refresh(ctx, "L1"); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	env.driver.Fail("GetMergeFields", errors.New("api down"))
	if _, err := env.cache.Refresh(ctx, "L1"); err == nil {
		t.Fatal("expected refresh error")
	}

	md, err := env.cache.Get(ctx, memory.Slug, "L1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if md.Segments[0].MemberCount != 1 {
		t.Errorf("got %+v", md.Segments)
	}
	if env.dispatcher.count() != 1 {
		t.Error("read after a failed refresh should be served from the snapshot")
	}
}

func TestGet_FirstFetchError(t *testing.T) {
	env := newTestEnv(t)
	env.driver.Fail("GetInterests", errs.E(errs.ProviderError, "memory.GetInterests", "boom"))

	_, err := env.cache.Get(context.Background(), memory.Slug, "L1")
	if !errs.Is(err, errs.ProviderError) {
		t.Errorf("Get() error = %v, want ProviderError", err)
	}
}

func TestGet_Validation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.cache.Get(context.Background(), memory.Slug, ""); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("empty list id error = %v", err)
	}

	basic := memory.NewBasic(memory.New(memory.Options{Slug: "basic"}))
	c, err := New(openTestDB(t), provider.NewSelection("basic", basic), 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := c.ListMetadata(context.Background(), "L1"); !errs.Is(err, errs.ProviderUnavailable) {
		t.Errorf("driver without metadata error = %v, want ProviderUnavailable", err)
	}
}

func TestInvalidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.cache.Get(ctx, memory.Slug, "L1")
	if err := env.cache.Invalidate(memory.Slug, "L1"); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	env.cache.Get(ctx, memory.Slug, "L1")
	if n := env.driver.CallCount("GetSegments"); n != 2 {
		t.Errorf("GetSegments calls = %d, want 2", n)
	}
}
