// Package ratelimit enforces hourly and daily quotas on subscribe requests.
// Counters live in memory and are flushed to bbolt periodically so quotas
// survive restarts.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	emailaddr "github.com/foxzi/listsync/internal/email"
	"github.com/foxzi/listsync/internal/metrics"
)

var bucketRateLimits = []byte("rate_limits")

// Level is the scope a quota applies to
type Level string

const (
	LevelGlobal   Level = "global"
	LevelEmail    Level = "email"
	LevelIP       Level = "ip"
	LevelProvider Level = "provider"
)

// Config contains rate limit configuration
type Config struct {
	Global   *LimitConfig `yaml:"global,omitempty"`
	Email    *LimitConfig `yaml:"email,omitempty"`
	IP       *LimitConfig `yaml:"ip,omitempty"`
	Provider *LimitConfig `yaml:"provider,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains quota values. Zero disables a window.
type LimitConfig struct {
	RequestsPerHour int `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay  int `yaml:"requests_per_day" json:"requests_per_day"`
}

// Counter tracks the usage of one key
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// window returns the counts valid at now
func (c *Counter) window(now time.Time) (hourly, daily int) {
	if now.Sub(c.HourStart) < time.Hour {
		hourly = c.HourlyCount
	}
	if now.Sub(c.DayStart) < 24*time.Hour {
		daily = c.DailyCount
	}
	return hourly, daily
}

func (c *Counter) roll(now time.Time) {
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount = 0
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount = 0
		c.DayStart = now
	}
}

// Request describes one subscribe request
type Request struct {
	Email    string
	IP       string
	Provider string
}

// Result is the outcome of a quota check
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats is the current usage of one key
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter checks requests against every configured level
type Limiter struct {
	db       *bolt.DB
	config   *Config
	logger   *slog.Logger
	counters map[string]*Counter
	mu       sync.Mutex
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLimiter creates a limiter and loads persisted counters
func NewLimiter(db *bolt.DB, cfg *Config, logger *slog.Logger) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		logger:   logger,
		counters: make(map[string]*Counter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}
	return l, nil
}

// Start starts the background flush
func (l *Limiter) Start(ctx context.Context) {
	l.logger.Info("starting rate limiter", "flush_interval", l.config.FlushInterval)
	l.wg.Add(1)
	go l.flushLoop(ctx)
}

// Stop stops the flush loop and persists the counters
func (l *Limiter) Stop() error {
	close(l.stopCh)
	l.wg.Wait()
	return l.persist()
}

// Allow checks req against every level and, when allowed, counts it
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.checks(req)

	for _, c := range checks {
		counter := l.counter(c.key, now)
		counter.roll(now)
		if res := c.evaluate(counter.HourlyCount, counter.DailyCount, counter, now); res != nil {
			metrics.IncRateLimitExceeded(string(c.level))
			return res, nil
		}
	}

	for _, c := range checks {
		counter := l.counters[c.key]
		counter.HourlyCount++
		counter.DailyCount++
	}
	return &Result{Allowed: true}, nil
}

// Check reports whether req would be allowed without counting it
func (l *Limiter) Check(ctx context.Context, req *Request) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, c := range l.checks(req) {
		counter, ok := l.counters[c.key]
		if !ok {
			continue
		}
		hourly, daily := counter.window(now)
		if res := c.evaluate(hourly, daily, counter, now); res != nil {
			return res, nil
		}
	}
	return &Result{Allowed: true}, nil
}

// GetStats returns the usage of key at level
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Stats{Level: level, Key: key}
	counter, ok := l.counters[makeKey(level, key)]
	if !ok {
		return stats, nil
	}
	stats.HourlyCount, stats.DailyCount = counter.window(l.now())
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart
	return stats, nil
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

// evaluate returns a denial, or nil when the counts are within the limit
func (c limitCheck) evaluate(hourly, daily int, counter *Counter, now time.Time) *Result {
	deny := func(resetAt time.Time) *Result {
		return &Result{
			DeniedBy:   c.level,
			DeniedKey:  c.key,
			RetryAfter: resetAt.Sub(now),
		}
	}
	if c.limit.RequestsPerHour > 0 && hourly >= c.limit.RequestsPerHour {
		return deny(counter.HourStart.Add(time.Hour))
	}
	if c.limit.RequestsPerDay > 0 && daily >= c.limit.RequestsPerDay {
		return deny(counter.DayStart.Add(24 * time.Hour))
	}
	return nil
}

func (l *Limiter) checks(req *Request) []limitCheck {
	candidates := []struct {
		level Level
		value string
		limit *LimitConfig
	}{
		{LevelGlobal, "global", l.config.Global},
		{LevelEmail, emailaddr.Normalize(req.Email), l.config.Email},
		{LevelIP, req.IP, l.config.IP},
		{LevelProvider, req.Provider, l.config.Provider},
	}

	var checks []limitCheck
	for _, c := range candidates {
		if c.limit == nil || c.value == "" {
			continue
		}
		checks = append(checks, limitCheck{level: c.level, key: makeKey(c.level, c.value), limit: c.limit})
	}
	return checks
}

func (l *Limiter) counter(key string, now time.Time) *Counter {
	counter, ok := l.counters[key]
	if !ok {
		counter = &Counter{HourStart: now, DayStart: now}
		l.counters[key] = counter
	}
	return counter
}

func (l *Limiter) load() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persist() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		for key, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) flushLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.persist(); err != nil {
				l.logger.Error("failed to persist rate limit counters", "error", err)
			}
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
