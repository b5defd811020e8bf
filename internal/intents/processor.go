package intents

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Processor runs the dispatcher and the periodic sweep
type Processor struct {
	queue         *Queue
	sweepInterval time.Duration
	logger        *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProcessor creates a processor for q
func NewProcessor(q *Queue, sweepInterval time.Duration, logger *slog.Logger) *Processor {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Processor{
		queue:         q,
		sweepInterval: sweepInterval,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Start starts the dispatcher and sweep goroutines
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting intent processor", "sweep_interval", p.sweepInterval)

	p.wg.Add(2)
	go p.dispatchLoop(ctx)
	go p.sweepLoop(ctx)
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping intent processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("intent processor stopped")
}

func (p *Processor) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case id := <-p.queue.Dispatched():
			if _, err := p.queue.Process(ctx, id); err != nil {
				p.logger.Error("failed to process intent", "intent_id", id, "error", err)
			}
		}
	}
}

func (p *Processor) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Processor) sweep(ctx context.Context) {
	outcomes, err := p.queue.Process(ctx, "")
	if err != nil {
		p.logger.Error("intent sweep failed", "error", err)
		return
	}
	if len(outcomes) > 0 {
		p.logger.Info("intent sweep finished", "processed", len(outcomes))
	}
}
