// Package intents defers contact subscriptions to the background. Intents
// are persisted first; a dispatcher processes them right away and a
// periodic sweep picks up whatever the dispatcher missed.
package intents

import (
	"fmt"
	"time"

	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/store"
)

// RecordType is the store record type of intents
const RecordType = "intent"

// Outcomes of processing one intent
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeSkipped   = "skipped"
	OutcomeMissing   = "missing"
)

// Intent is a queued subscription
type Intent struct {
	ID            string           `json:"id"`
	CorrelationID string           `json:"correlation_id"`
	Contact       provider.Contact `json:"contact"`
	Lists         []string         `json:"lists"`
	Errors        []string         `json:"errors"`
	Context       string           `json:"context,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Stats summarizes the pending intents
type Stats struct {
	Pending int       `json:"pending"`
	Failing int       `json:"failing"`
	Oldest  time.Time `json:"oldest,omitempty"`
}

func fromRecord(rec *store.Record) (*Intent, error) {
	in := &Intent{ID: rec.ID, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}

	fields := []struct {
		name string
		dst  any
	}{
		{"correlation_id", &in.CorrelationID},
		{"contact", &in.Contact},
		{"lists", &in.Lists},
		{"errors", &in.Errors},
		{"context", &in.Context},
	}
	for _, f := range fields {
		if _, err := rec.Prop(f.name, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode intent %s: %w", rec.ID, err)
		}
	}
	return in, nil
}
