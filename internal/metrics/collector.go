package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// QueueStats contains intent queue statistics for metrics
type QueueStats struct {
	Pending       int64
	Failing       int64
	OldestSeconds float64
}

// QueueStatsProvider provides queue statistics for metrics
type QueueStatsProvider interface {
	QueueStats(ctx context.Context) (*QueueStats, error)
}

// QueueStatsFunc adapts a function to QueueStatsProvider
type QueueStatsFunc func(ctx context.Context) (*QueueStats, error)

func (f QueueStatsFunc) QueueStats(ctx context.Context) (*QueueStats, error) {
	return f(ctx)
}

var bucketMetrics = []byte("metrics")

var errInvalidLabelKey = errors.New("invalid label key")

// ShadowCounters stores counter values for persistence, keyed by metric
// name and then by the joined label values
type ShadowCounters map[string]map[string]float64

// Collector handles metrics persistence and system gauge updates
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	queueStats    QueueStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(db *bolt.DB, m *Metrics, queueStats QueueStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		queueStats:    queueStats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters restores persisted counter values from BoltDB
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte("counters"))
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // Skip invalid data
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		for name, series := range shadow {
			if counter, ok := c.metrics.counters[name]; ok {
				counter.Add(series[""])
				continue
			}
			vec, ok := c.metrics.counterVecs[name]
			if !ok {
				continue
			}
			for key, v := range series {
				labels, err := splitLabels(key)
				if err != nil {
					continue
				}
				counter, err := vec.GetMetricWith(labels)
				if err != nil {
					continue
				}
				counter.Add(v)
			}
		}
		return nil
	})
}

// snapshot gathers the current value of every persisted counter
func (c *Collector) snapshot() (ShadowCounters, error) {
	families, err := c.metrics.registry.Gather()
	if err != nil {
		return nil, err
	}

	shadow := make(ShadowCounters)
	for _, fam := range families {
		if fam.GetType() != dto.MetricType_COUNTER {
			continue
		}
		name := fam.GetName()
		_, isVec := c.metrics.counterVecs[name]
		_, isPlain := c.metrics.counters[name]
		if !isVec && !isPlain {
			continue
		}

		series := make(map[string]float64)
		for _, metric := range fam.GetMetric() {
			series[joinLabels(metric.GetLabel())] = metric.GetCounter().GetValue()
		}
		shadow[name] = series
	}
	return shadow, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	shadow, err := c.snapshot()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data, err := json.Marshal(shadow)
		if err != nil {
			return err
		}

		return bucket.Put([]byte("counters"), data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateSystemMetrics periodically updates system gauges
func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

// collectSystemMetrics collects current system state
func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats != nil {
		stats, err := c.queueStats.QueueStats(ctx)
		if err == nil {
			c.metrics.IntentsPending.Set(float64(stats.Pending))
			c.metrics.IntentsFailing.Set(float64(stats.Failing))
			c.metrics.IntentsOldestSeconds.Set(stats.OldestSeconds)
		}
	}
}

// joinLabels serializes label pairs as name=value joined by '|'.
// Gathered label pairs are sorted by name, so keys are stable.
func joinLabels(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	return strings.Join(parts, "|")
}

func splitLabels(key string) (prometheus.Labels, error) {
	labels := prometheus.Labels{}
	if key == "" {
		return labels, nil
	}
	for _, part := range strings.Split(key, "|") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, errInvalidLabelKey
		}
		labels[name] = value
	}
	return labels, nil
}
