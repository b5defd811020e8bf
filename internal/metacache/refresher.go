package metacache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/listsync/internal/provider"
)

// DefaultRefreshInterval is how often the sweep refreshes every list
const DefaultRefreshInterval = 10 * time.Minute

type job struct {
	slug   string
	listID string
}

// Refresher runs metadata refreshes in the background and periodically
// refreshes every list of the active provider
type Refresher struct {
	cache     *Cache
	selection *provider.Selection
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	jobs chan job

	mu       sync.Mutex
	inFlight map[job]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRefresher creates a refresher and registers it as the cache dispatcher
func NewRefresher(cache *Cache, selection *provider.Selection, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	r := &Refresher{
		cache:     cache,
		selection: selection,
		interval:  interval,
		timeout:   time.Minute,
		logger:    logger,
		jobs:      make(chan job, 128),
		inFlight:  make(map[job]bool),
		stopCh:    make(chan struct{}),
	}
	cache.SetDispatcher(r)
	return r
}

// Dispatch schedules a refresh without blocking. It returns false when the
// list is already scheduled or the queue is full.
func (r *Refresher) Dispatch(slug, listID string) bool {
	j := job{slug: slug, listID: listID}

	r.mu.Lock()
	if r.inFlight[j] {
		r.mu.Unlock()
		return false
	}
	r.inFlight[j] = true
	r.mu.Unlock()

	select {
	case r.jobs <- j:
		return true
	default:
		r.done(j)
		return false
	}
}

func (r *Refresher) done(j job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, j)
}

// Start starts the worker and the sweep
func (r *Refresher) Start(ctx context.Context) {
	r.logger.Info("starting metadata refresher", "interval", r.interval)

	r.wg.Add(2)
	go r.worker(ctx)
	go r.sweepLoop(ctx)
}

// Stop stops the refresher gracefully
func (r *Refresher) Stop() {
	r.logger.Info("stopping metadata refresher")
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("metadata refresher stopped")
}

func (r *Refresher) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case j := <-r.jobs:
			r.run(ctx, j)
		}
	}
}

func (r *Refresher) run(ctx context.Context, j job) {
	defer r.done(j)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.cache.RefreshProvider(ctx, j.slug, j.listID); err != nil {
		r.logger.Warn("metadata refresh failed", "provider", j.slug, "list_id", j.listID, "error", err)
	}
}

func (r *Refresher) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep dispatches a refresh for every list of the active provider and
// returns how many were scheduled
func (r *Refresher) Sweep(ctx context.Context) int {
	driver, err := r.selection.Active()
	if err != nil {
		r.logger.Debug("skipping metadata sweep", "reason", err)
		return 0
	}
	if _, ok := driver.(provider.MetadataFetcher); !ok {
		return 0
	}

	lists, err := driver.GetLists(ctx)
	if err != nil {
		r.logger.Warn("failed to enumerate lists for metadata sweep", "error", err)
		return 0
	}

	scheduled := 0
	for _, l := range lists {
		if r.Dispatch(driver.Slug(), l.ID) {
			scheduled++
		}
	}
	if scheduled > 0 {
		r.logger.Debug("metadata sweep dispatched", "lists", scheduled)
	}
	return scheduled
}
