package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/foxzi/listsync/internal/api"
	"github.com/foxzi/listsync/internal/attempts"
	"github.com/foxzi/listsync/internal/config"
	"github.com/foxzi/listsync/internal/contacts"
	"github.com/foxzi/listsync/internal/intents"
	"github.com/foxzi/listsync/internal/lists"
	"github.com/foxzi/listsync/internal/metacache"
	"github.com/foxzi/listsync/internal/metrics"
	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/provider/mailchimp"
	"github.com/foxzi/listsync/internal/provider/memory"
	"github.com/foxzi/listsync/internal/ratelimit"
	"github.com/foxzi/listsync/internal/store"
	"github.com/foxzi/listsync/internal/users"
)

// Components are the domain services shared by the server and the CLI
type Components struct {
	Store     *store.BoltStore
	Selection *provider.Selection
	Registry  *lists.Registry
	Users     *users.Directory
	Pipeline  *contacts.Pipeline
	Intents   *intents.Queue
	Metadata  *metacache.Cache
	Attempts  *attempts.Log
}

// Close releases the storage of the components
func (c *Components) Close() error {
	var errList []error
	if c.Attempts != nil {
		errList = append(errList, c.Attempts.Close())
	}
	if c.Store != nil {
		errList = append(errList, c.Store.Close())
	}
	return errors.Join(errList...)
}

// NewComponents opens the storage and wires the provider drivers, the list
// registry, the contact pipeline and the intent queue
func NewComponents(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	c := &Components{Store: s}

	c.Selection = provider.NewSelection(cfg.Provider.Active, newDrivers(cfg, logger)...)
	if _, err := c.Selection.Active(); err != nil {
		logger.Warn("email service provider unavailable", "provider", cfg.Provider.Active, "error", err)
	}

	c.Registry = lists.NewRegistry(s, c.Selection, lists.Options{TagPrefix: cfg.Provider.TagPrefix}, logger.With("component", "lists"))
	c.Users = users.NewDirectory(s, logger.With("component", "users"))
	c.Pipeline = contacts.NewPipeline(c.Selection, c.Registry, c.Users, logger.With("component", "contacts"))

	c.Intents = intents.New(s, c.Pipeline, c.Users, intents.Config{
		BatchSize:      cfg.Queue.BatchSize,
		MaxErrors:      cfg.Queue.MaxErrors,
		DispatchBuffer: cfg.Queue.DispatchBuffer,
		ProcessTimeout: cfg.Queue.ProcessTimeout,
	}, logger.With("component", "intents"))
	c.Pipeline.SetQueue(c.Intents)

	c.Metadata, err = metacache.New(s.DB(), c.Selection, cfg.Cache.TTL, logger.With("component", "metacache"))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}
	for _, slug := range c.Selection.Slugs() {
		d, _ := c.Selection.Get(slug)
		if mc, ok := d.(provider.MetadataConsumer); ok {
			mc.SetMetadataSource(c.Metadata)
		}
	}

	c.Attempts, err = attempts.Open(cfg.Attempts.Path)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open attempts log: %w", err)
	}
	c.Pipeline.SetAttempts(c.Attempts)

	return c, nil
}

// newDrivers builds a driver for every provider with credentials. A driver
// that fails to build is logged and left out, so the provider reports as
// unavailable.
func newDrivers(cfg *config.Config, logger *slog.Logger) []provider.Driver {
	slugs := make([]string, 0, len(cfg.Provider.Credentials))
	for slug := range cfg.Provider.Credentials {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	var drivers []provider.Driver
	for _, slug := range slugs {
		creds := cfg.Provider.Credentials[slug]
		driverLogger := logger.With("component", "provider", "provider", slug)

		switch slug {
		case config.ProviderMailchimp:
			d, err := mailchimp.New(mailchimp.Config{
				APIKey:            creds.APIKey,
				BaseURL:           creds.BaseURL,
				DefaultListID:     creds.DefaultListID,
				RequestsPerSecond: creds.RequestsPerSecond,
				Burst:             creds.Burst,
				Timeout:           creds.Timeout,
				MaxRetries:        creds.MaxRetries,
			}, driverLogger)
			if err != nil {
				logger.Error("failed to create provider driver", "provider", slug, "error", err)
				continue
			}
			drivers = append(drivers, d)

		case config.ProviderMemory:
			d := memory.New(memory.Options{DefaultListID: creds.DefaultListID})
			ids := make([]string, 0, len(creds.Lists))
			for id := range creds.Lists {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				d.AddList(id, creds.Lists[id])
			}
			drivers = append(drivers, d)
		}
	}
	return drivers
}

// App is the main application
type App struct {
	config        *config.Config
	components    *Components
	apiServer     *api.Server
	processor     *intents.Processor
	refresher     *metacache.Refresher
	cleaner       *attempts.Cleaner
	rateLimiter   *ratelimit.Limiter
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	// Setup logger
	logger := SetupLogger(cfg.Logging)

	components, err := NewComponents(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		config:     cfg,
		components: components,
		logger:     logger,
	}

	a.processor = intents.NewProcessor(components.Intents, cfg.Queue.SweepInterval, logger.With("component", "intent_processor"))
	a.refresher = metacache.NewRefresher(components.Metadata, components.Selection, cfg.Cache.RefreshInterval, logger.With("component", "metadata_refresher"))
	a.cleaner = attempts.NewCleaner(components.Attempts, cfg.Attempts.CleanupInterval, cfg.Attempts.MaxAge, cfg.Attempts.BatchSize, logger.With("component", "attempts_cleaner"))

	// Create rate limiter if enabled
	if cfg.RateLimit.Enabled {
		a.rateLimiter, err = ratelimit.NewLimiter(components.Store.DB(), &ratelimit.Config{
			Global:        limitConfig(cfg.RateLimit.Global),
			Email:         limitConfig(cfg.RateLimit.Email),
			IP:            limitConfig(cfg.RateLimit.IP),
			Provider:      limitConfig(cfg.RateLimit.Provider),
			FlushInterval: cfg.RateLimit.FlushInterval,
		}, logger.With("component", "ratelimit"))
		if err != nil {
			components.Close()
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("rate limiting enabled")
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		queueStats := metrics.QueueStatsFunc(func(ctx context.Context) (*metrics.QueueStats, error) {
			st, err := components.Intents.Stats(ctx)
			if err != nil {
				return nil, err
			}
			qs := &metrics.QueueStats{Pending: int64(st.Pending), Failing: int64(st.Failing)}
			if !st.Oldest.IsZero() {
				qs.OldestSeconds = time.Since(st.Oldest).Seconds()
			}
			return qs, nil
		})

		a.collector, err = metrics.NewCollector(components.Store.DB(), m, queueStats, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			components.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr)
	}

	a.apiServer = api.NewServer(api.Deps{
		Selection: components.Selection,
		Registry:  components.Registry,
		Pipeline:  components.Pipeline,
		Users:     components.Users,
		Intents:   components.Intents,
		Metadata:  components.Metadata,
		Limiter:   a.rateLimiter,
		Version:   version,
	}, &cfg.API, logger.With("component", "api"))

	return a, nil
}

func limitConfig(v *config.LimitValues) *ratelimit.LimitConfig {
	if v == nil {
		return nil
	}
	return &ratelimit.LimitConfig{
		RequestsPerHour: v.RequestsPerHour,
		RequestsPerDay:  v.RequestsPerDay,
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting listsync",
		"hostname", a.config.Server.Hostname,
		"provider", a.config.Provider.Active,
		"api_addr", a.config.API.ListenAddr,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)
	a.refresher.Start(ctx)
	a.cleaner.Start(ctx)
	if a.rateLimiter != nil {
		a.rateLimiter.Start(ctx)
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.processor.Stop()
	a.refresher.Stop()
	a.cleaner.Stop()

	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.components.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
