// Package metacache keeps per-list provider metadata in two bbolt tiers:
// a short-lived cache entry and a durable last-known-good snapshot.
// Readers are served from the snapshot while a refresh runs in the
// background, so only the very first lookup of a list waits on the
// provider.
package metacache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/metrics"
	"github.com/foxzi/listsync/internal/provider"
)

var (
	bucketCache    = []byte("metadata_cache")
	bucketSnapshot = []byte("metadata_snapshot")
)

// DefaultTTL is the lifetime of a tier 1 entry
const DefaultTTL = 20 * time.Minute

// Lookup results reported to metrics
const (
	resultHit   = "hit"
	resultStale = "stale"
	resultMiss  = "miss"
)

type entry struct {
	ExpiresAt time.Time         `json:"expires_at"`
	Metadata  provider.Metadata `json:"metadata"`
}

// Dispatcher schedules a background refresh without blocking
type Dispatcher interface {
	Dispatch(slug, listID string) bool
}

// Cache is the two-tier metadata cache of the active provider
type Cache struct {
	db         *bolt.DB
	selection  *provider.Selection
	ttl        time.Duration
	logger     *slog.Logger
	dispatcher Dispatcher

	now func() time.Time
}

var _ provider.MetadataSource = (*Cache)(nil)

// New creates a cache on db. ttl <= 0 uses DefaultTTL.
func New(db *bolt.DB, selection *provider.Selection, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCache, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Cache{
		db:        db,
		selection: selection,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SetDispatcher sets where stale reads schedule their refresh. Without a
// dispatcher the refresh runs in a detached goroutine.
func (c *Cache) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

func cacheKey(slug, listID string) []byte {
	return []byte(slug + ":" + listID)
}

// ListMetadata returns the metadata of a list of the active provider
func (c *Cache) ListMetadata(ctx context.Context, listID string) (*provider.Metadata, error) {
	driver, err := c.selection.Active()
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, driver.Slug(), listID)
}

// Get returns the cached metadata of a list. A fresh tier 1 entry is
// returned as is. Otherwise a snapshot is returned immediately and removed,
// and a refresh is scheduled. Only without any snapshot does the caller wait
// for the provider.
func (c *Cache) Get(ctx context.Context, slug, listID string) (*provider.Metadata, error) {
	if listID == "" {
		return nil, errs.E(errs.InvalidInput, "metacache.Get", "list id is required")
	}
	key := cacheKey(slug, listID)

	var (
		fresh *provider.Metadata
		stale *provider.Metadata
	)
	err := c.db.Update(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketCache).Get(key); data != nil {
			var e entry
			if err := json.Unmarshal(data, &e); err == nil && c.now().Before(e.ExpiresAt) {
				fresh = &e.Metadata
				return nil
			}
		}

		snapshots := tx.Bucket(bucketSnapshot)
		if data := snapshots.Get(key); data != nil {
			var md provider.Metadata
			if err := json.Unmarshal(data, &md); err == nil {
				stale = &md
			}
			return snapshots.Delete(key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata cache: %w", err)
	}

	switch {
	case fresh != nil:
		metrics.IncCacheLookup(resultHit)
		return fresh, nil
	case stale != nil:
		metrics.IncCacheLookup(resultStale)
		c.scheduleRefresh(slug, listID)
		return stale, nil
	}

	metrics.IncCacheLookup(resultMiss)
	return c.RefreshProvider(ctx, slug, listID)
}

func (c *Cache) scheduleRefresh(slug, listID string) {
	if c.dispatcher != nil {
		if !c.dispatcher.Dispatch(slug, listID) {
			c.logger.Debug("refresh not dispatched", "provider", slug, "list_id", listID)
		}
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := c.RefreshProvider(ctx, slug, listID); err != nil {
			c.logger.Warn("background metadata refresh failed", "provider", slug, "list_id", listID, "error", err)
		}
	}()
}

// Refresh refetches the metadata of a list of the active provider
func (c *Cache) Refresh(ctx context.Context, listID string) (*provider.Metadata, error) {
	driver, err := c.selection.Active()
	if err != nil {
		return nil, err
	}
	return c.RefreshProvider(ctx, driver.Slug(), listID)
}

// RefreshProvider fetches the metadata of a list and writes both tiers.
// On failure tier 1 is cleared and the error returned.
func (c *Cache) RefreshProvider(ctx context.Context, slug, listID string) (*provider.Metadata, error) {
	key := cacheKey(slug, listID)

	md, err := c.fetch(ctx, slug, listID)
	if err != nil {
		metrics.IncCacheRefresh("error")
		if derr := c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketCache).Delete(key)
		}); derr != nil {
			c.logger.Error("failed to clear metadata cache entry", "provider", slug, "list_id", listID, "error", derr)
		}
		return nil, err
	}

	e := entry{ExpiresAt: md.FetchedAt.Add(c.ttl), Metadata: *md}
	cached, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	snapshot, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCache).Put(key, cached); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshot).Put(key, snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write metadata cache: %w", err)
	}

	metrics.IncCacheRefresh("success")
	c.logger.Debug("metadata refreshed", "provider", slug, "list_id", listID)
	return md, nil
}

func (c *Cache) fetch(ctx context.Context, slug, listID string) (*provider.Metadata, error) {
	driver, err := c.selection.Get(slug)
	if err != nil {
		return nil, err
	}
	fetcher, ok := driver.(provider.MetadataFetcher)
	if !ok {
		return nil, errs.E(errs.ProviderUnavailable, "metacache.Refresh", "%s does not expose list metadata", driver.Name())
	}

	md := &provider.Metadata{ListID: listID}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		segments, err := fetcher.GetSegments(gctx, listID)
		if err != nil {
			return fmt.Errorf("failed to fetch segments: %w", err)
		}
		md.Segments = segments
		return nil
	})
	g.Go(func() error {
		categories, err := fetchCategories(gctx, fetcher, listID)
		if err != nil {
			return err
		}
		md.InterestCategories = categories
		return nil
	})
	g.Go(func() error {
		folders, err := fetcher.GetFolders(gctx)
		if err != nil {
			return fmt.Errorf("failed to fetch folders: %w", err)
		}
		md.Folders = folders
		return nil
	})
	g.Go(func() error {
		fields, err := fetcher.GetMergeFields(gctx, listID)
		if err != nil {
			return fmt.Errorf("failed to fetch merge fields: %w", err)
		}
		md.MergeFields = fields
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	md.FetchedAt = c.now()
	return md, nil
}

func fetchCategories(ctx context.Context, fetcher provider.MetadataFetcher, listID string) ([]provider.InterestCategory, error) {
	categories, err := fetcher.GetInterestCategories(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch interest categories: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range categories {
		cat := &categories[i]
		g.Go(func() error {
			interests, err := fetcher.GetInterests(gctx, listID, cat.ID)
			if err != nil {
				return fmt.Errorf("failed to fetch interests of category %s: %w", cat.ID, err)
			}
			cat.Interests = interests
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return categories, nil
}

// Invalidate drops both tiers of a list
func (c *Cache) Invalidate(slug, listID string) error {
	key := cacheKey(slug, listID)
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCache).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshot).Delete(key)
	})
}
