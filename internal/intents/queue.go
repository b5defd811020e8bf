package intents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/metrics"
	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/store"
)

// Subscriber performs a subscription synchronously
type Subscriber interface {
	Subscribe(ctx context.Context, contact provider.Contact, lists []string, origin string) (*provider.ContactResult, error)
}

// ErrorRecorder keeps the user-facing result of asynchronous subscriptions
type ErrorRecorder interface {
	RecordSubscriptionError(ctx context.Context, email, message string) error
	ClearSubscriptionError(ctx context.Context, email string) error
}

// Config contains queue settings
type Config struct {
	BatchSize      int
	MaxErrors      int
	DispatchBuffer int
	ProcessTimeout time.Duration
}

// Queue persists intents and processes them through a Subscriber
type Queue struct {
	records    store.Records
	subscriber Subscriber
	users      ErrorRecorder
	cfg        Config
	logger     *slog.Logger

	dispatch chan string

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates an intent queue. users may be nil.
func New(records store.Records, subscriber Subscriber, users ErrorRecorder, cfg Config, logger *slog.Logger) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 3
	}
	if cfg.DispatchBuffer <= 0 {
		cfg.DispatchBuffer = 64
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 2 * time.Minute
	}

	return &Queue{
		records:    records,
		subscriber: subscriber,
		users:      users,
		cfg:        cfg,
		logger:     logger,
		dispatch:   make(chan string, cfg.DispatchBuffer),
		inFlight:   make(map[string]bool),
	}
}

// Enqueue persists an intent and hands its id to the dispatcher. A full
// dispatch buffer drops the hint; the sweep processes the intent later.
func (q *Queue) Enqueue(ctx context.Context, contact provider.Contact, lists []string, intentContext string) (string, error) {
	if strings.TrimSpace(contact.Email) == "" {
		return "", errs.E(errs.InvalidInput, "intents.Enqueue", "contact email is required")
	}
	if lists == nil {
		lists = []string{}
	}

	rec, err := q.records.Create(ctx, RecordType, map[string]any{
		"correlation_id": uuid.New().String(),
		"contact":        contact,
		"lists":          lists,
		"errors":         []string{},
		"context":        intentContext,
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist intent: %w", err)
	}

	metrics.IncIntentsEnqueued()
	q.logger.Debug("intent enqueued", "intent_id", rec.ID, "lists", len(lists))

	select {
	case q.dispatch <- rec.ID:
	default:
		q.logger.Debug("dispatch buffer full, leaving intent to the sweep", "intent_id", rec.ID)
	}

	return rec.ID, nil
}

// Dispatched returns the channel of intent ids awaiting immediate processing
func (q *Queue) Dispatched() <-chan string {
	return q.dispatch
}

// Process processes the intent with the given id, or with an empty id the
// oldest BatchSize intents. Failures of the subscription itself are
// recorded on the intent, not returned.
func (q *Queue) Process(ctx context.Context, id string) ([]string, error) {
	if id != "" {
		outcome, err := q.processID(ctx, id)
		return []string{outcome}, err
	}

	recs, err := q.records.QueryByType(ctx, RecordType, store.Query{Limit: q.cfg.BatchSize})
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}

	outcomes := make([]string, 0, len(recs))
	for _, rec := range recs {
		outcome, err := q.processRecord(ctx, rec)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (q *Queue) processID(ctx context.Context, id string) (string, error) {
	rec, err := q.records.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to get intent %s: %w", id, err)
	}
	if rec == nil || rec.Type != RecordType {
		q.logger.Debug("intent already processed", "intent_id", id)
		return OutcomeMissing, nil
	}
	return q.processRecord(ctx, rec)
}

func (q *Queue) acquire(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight[id] {
		return false
	}
	q.inFlight[id] = true
	return true
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
}

func (q *Queue) processRecord(ctx context.Context, rec *store.Record) (string, error) {
	if !q.acquire(rec.ID) {
		return OutcomeSkipped, nil
	}
	defer q.release(rec.ID)

	in, err := fromRecord(rec)
	if err != nil {
		return "", err
	}
	logger := q.logger.With("intent_id", in.ID, "correlation_id", in.CorrelationID)

	if len(in.Errors) > q.cfg.MaxErrors {
		return q.abandon(ctx, in, logger)
	}

	subCtx, cancel := context.WithTimeout(ctx, q.cfg.ProcessTimeout)
	_, err = q.subscriber.Subscribe(subCtx, in.Contact, in.Lists, in.Context)
	cancel()

	if err == nil {
		if err := q.records.Delete(ctx, in.ID); err != nil {
			return "", fmt.Errorf("failed to delete intent %s: %w", in.ID, err)
		}
		if q.users != nil {
			if err := q.users.ClearSubscriptionError(ctx, in.Contact.Email); err != nil {
				logger.Warn("failed to clear subscription error", "error", err)
			}
		}
		metrics.IncIntentsProcessed(OutcomeSuccess)
		logger.Info("intent processed")
		return OutcomeSuccess, nil
	}

	in.Errors = append(in.Errors, err.Error())
	logger.Warn("intent failed", "error", err, "errors", len(in.Errors))
	q.recordUserError(ctx, in.Contact.Email, err.Error(), logger)

	if len(in.Errors) > q.cfg.MaxErrors {
		return q.abandon(ctx, in, logger)
	}

	if _, err := q.records.UpdateProps(ctx, in.ID, map[string]any{"errors": in.Errors}); err != nil {
		return "", fmt.Errorf("failed to update intent %s: %w", in.ID, err)
	}
	metrics.IncIntentsProcessed(OutcomeFailed)
	return OutcomeFailed, nil
}

// abandon drops an intent that exhausted its retries
func (q *Queue) abandon(ctx context.Context, in *Intent, logger *slog.Logger) (string, error) {
	if err := q.records.Delete(ctx, in.ID); err != nil {
		return "", fmt.Errorf("failed to delete intent %s: %w", in.ID, err)
	}

	last := ""
	if len(in.Errors) > 0 {
		last = in.Errors[len(in.Errors)-1]
	}
	exhausted := errs.E(errs.RetryExhausted, "intents.Process",
		"subscription abandoned after %d failed attempts: %s", len(in.Errors), last)
	q.recordUserError(ctx, in.Contact.Email, exhausted.Error(), logger)

	metrics.IncIntentsProcessed(OutcomeAbandoned)
	logger.Error("intent abandoned", "errors", len(in.Errors), "last_error", last)
	return OutcomeAbandoned, nil
}

func (q *Queue) recordUserError(ctx context.Context, email, message string, logger *slog.Logger) {
	if q.users == nil {
		return
	}
	if err := q.users.RecordSubscriptionError(ctx, email, message); err != nil {
		logger.Warn("failed to record subscription error", "error", err)
	}
}

// Get returns an intent by id
func (q *Queue) Get(ctx context.Context, id string) (*Intent, error) {
	rec, err := q.records.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get intent %s: %w", id, err)
	}
	if rec == nil || rec.Type != RecordType {
		return nil, errs.E(errs.NotFound, "intents.Get", "intent %s not found", id)
	}
	return fromRecord(rec)
}

// List returns pending intents, oldest first
func (q *Queue) List(ctx context.Context, limit int) ([]*Intent, error) {
	recs, err := q.records.QueryByType(ctx, RecordType, store.Query{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	out := make([]*Intent, 0, len(recs))
	for _, rec := range recs {
		in, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// Delete removes an intent without processing it
func (q *Queue) Delete(ctx context.Context, id string) error {
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	if err := q.records.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete intent %s: %w", id, err)
	}
	return nil
}

// Stats counts the pending intents and those that already failed
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	all, err := q.List(ctx, 0)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Pending: len(all)}
	for _, in := range all {
		if len(in.Errors) > 0 {
			stats.Failing++
		}
		if stats.Oldest.IsZero() || in.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = in.CreatedAt
		}
	}
	return stats, nil
}
