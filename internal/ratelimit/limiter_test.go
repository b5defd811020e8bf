package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLimiter(t *testing.T, db *bolt.DB, cfg *Config) *Limiter {
	t.Helper()

	limiter, err := NewLimiter(db, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return limiter
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), nil)
	defer limiter.Stop()

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}
}

func TestAllowGlobalLimit(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Global: &LimitConfig{RequestsPerHour: 3},
	})
	defer limiter.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, &Request{Email: "a@x.com"})
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	result, _ := limiter.Allow(ctx, &Request{Email: "b@x.com"})
	if result.Allowed {
		t.Error("4th request should be denied")
	}
	if result.DeniedBy != LevelGlobal {
		t.Errorf("expected DeniedBy=global, got %s", result.DeniedBy)
	}
	if result.RetryAfter <= 0 || result.RetryAfter > time.Hour {
		t.Errorf("unexpected RetryAfter %v", result.RetryAfter)
	}
}

func TestAllowPerLevel(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		first   *Request
		same    *Request
		other   *Request
		level   Level
		deniedK string
	}{
		{
			name:    "email",
			cfg:     &Config{Email: &LimitConfig{RequestsPerHour: 1}},
			first:   &Request{Email: "a@x.com"},
			same:    &Request{Email: " A@X.com "},
			other:   &Request{Email: "b@x.com"},
			level:   LevelEmail,
			deniedK: "email:a@x.com",
		},
		{
			name:    "ip",
			cfg:     &Config{IP: &LimitConfig{RequestsPerHour: 1}},
			first:   &Request{IP: "10.0.0.1"},
			same:    &Request{IP: "10.0.0.1"},
			other:   &Request{IP: "10.0.0.2"},
			level:   LevelIP,
			deniedK: "ip:10.0.0.1",
		},
		{
			name:    "provider",
			cfg:     &Config{Provider: &LimitConfig{RequestsPerDay: 1}},
			first:   &Request{Provider: "mailchimp"},
			same:    &Request{Provider: "mailchimp"},
			other:   &Request{Provider: "memory"},
			level:   LevelProvider,
			deniedK: "provider:mailchimp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := newTestLimiter(t, setupTestDB(t), tt.cfg)
			defer limiter.Stop()
			ctx := context.Background()

			if r, _ := limiter.Allow(ctx, tt.first); !r.Allowed {
				t.Fatal("first request should be allowed")
			}
			r, _ := limiter.Allow(ctx, tt.same)
			if r.Allowed {
				t.Fatal("second request for the same key should be denied")
			}
			if r.DeniedBy != tt.level || r.DeniedKey != tt.deniedK {
				t.Errorf("denied by %s/%s, want %s/%s", r.DeniedBy, r.DeniedKey, tt.level, tt.deniedK)
			}
			if r, _ := limiter.Allow(ctx, tt.other); !r.Allowed {
				t.Error("other key should be allowed")
			}
		})
	}
}

func TestWindowsRoll(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Email: &LimitConfig{RequestsPerHour: 1, RequestsPerDay: 2},
	})
	defer limiter.Stop()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	req := &Request{Email: "a@x.com"}

	if r, _ := limiter.Allow(ctx, req); !r.Allowed {
		t.Fatal("first request should be allowed")
	}
	if r, _ := limiter.Allow(ctx, req); r.Allowed {
		t.Fatal("hourly limit not enforced")
	}

	now = now.Add(61 * time.Minute)
	if r, _ := limiter.Allow(ctx, req); !r.Allowed {
		t.Fatal("new hour should allow")
	}

	now = now.Add(61 * time.Minute)
	r, _ := limiter.Allow(ctx, req)
	if r.Allowed {
		t.Fatal("daily limit not enforced")
	}
	if r.RetryAfter < 21*time.Hour {
		t.Errorf("RetryAfter = %v, want until the day window resets", r.RetryAfter)
	}

	now = now.Add(24 * time.Hour)
	if r, _ := limiter.Allow(ctx, req); !r.Allowed {
		t.Error("new day should allow")
	}
}

func TestCheckDoesNotCount(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{Email: &LimitConfig{RequestsPerHour: 1}})
	defer limiter.Stop()
	ctx := context.Background()
	req := &Request{Email: "a@x.com"}

	for i := 0; i < 3; i++ {
		if r, _ := limiter.Check(ctx, req); !r.Allowed {
			t.Fatal("Check should allow an unused key")
		}
	}
	limiter.Allow(ctx, req)
	if r, _ := limiter.Check(ctx, req); r.Allowed {
		t.Error("Check should report the exhausted quota")
	}

	stats, _ := limiter.GetStats(ctx, LevelEmail, "a@x.com")
	if stats.HourlyCount != 1 || stats.DailyCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
	empty, _ := limiter.GetStats(ctx, LevelIP, "10.0.0.1")
	if empty.HourlyCount != 0 {
		t.Errorf("unused key stats = %+v", empty)
	}
}

func TestDeniedRequestNotCounted(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Global: &LimitConfig{RequestsPerHour: 10},
		Email:  &LimitConfig{RequestsPerHour: 1},
	})
	defer limiter.Stop()
	ctx := context.Background()

	limiter.Allow(ctx, &Request{Email: "a@x.com"})
	limiter.Allow(ctx, &Request{Email: "a@x.com"})

	stats, _ := limiter.GetStats(ctx, LevelGlobal, "global")
	if stats.HourlyCount != 1 {
		t.Errorf("global count = %d, want 1", stats.HourlyCount)
	}
}

func TestPersistence(t *testing.T) {
	db := setupTestDB(t)
	cfg := &Config{Email: &LimitConfig{RequestsPerHour: 2}}
	ctx := context.Background()

	limiter := newTestLimiter(t, db, cfg)
	limiter.Start(ctx)
	limiter.Allow(ctx, &Request{Email: "a@x.com"})
	limiter.Allow(ctx, &Request{Email: "a@x.com"})
	if err := limiter.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	reloaded := newTestLimiter(t, db, cfg)
	defer reloaded.Stop()
	if r, _ := reloaded.Allow(ctx, &Request{Email: "a@x.com"}); r.Allowed {
		t.Error("persisted counters should still deny")
	}
}

func TestZeroLimits(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{Global: &LimitConfig{}})
	defer limiter.Stop()

	for i := 0; i < 50; i++ {
		if r, _ := limiter.Allow(context.Background(), &Request{}); !r.Allowed {
			t.Fatal("zero limits should never deny")
		}
	}
}
