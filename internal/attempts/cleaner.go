package attempts

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cleaner periodically prunes old attempts, one batch per run
type Cleaner struct {
	log       *Log
	interval  time.Duration
	maxAge    time.Duration
	batchSize int
	logger    *slog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewCleaner creates a new cleaner
func NewCleaner(log *Log, interval, maxAge time.Duration, batchSize int, logger *slog.Logger) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		log:       log,
		interval:  interval,
		maxAge:    maxAge,
		batchSize: batchSize,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	c.logger.Info("starting attempts cleaner",
		"interval", c.interval,
		"max_age", c.maxAge,
	)

	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops the cleaner gracefully
func (c *Cleaner) Stop() {
	c.logger.Info("stopping attempts cleaner")
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("attempts cleaner stopped")
}

func (c *Cleaner) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *Cleaner) cleanup(ctx context.Context) {
	deleted, err := c.log.Prune(ctx, c.maxAge, c.batchSize)
	if err != nil {
		c.logger.Error("failed to prune attempts", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("pruned subscription attempts", "deleted", deleted)
	}
}
