// Package store persists typed records with attached properties.
//
// It stands in for the host application's generic record storage: records
// have an identifier, a type and a bag of JSON properties, and are queried
// by type in creation order.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is a persisted record
type Record struct {
	ID        string                     `json:"id"`
	Type      string                     `json:"type"`
	Key       string                     `json:"key,omitempty"`
	Props     map[string]json.RawMessage `json:"props"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Prop decodes the named property into v.
// Returns false if the property is not set.
func (r *Record) Prop(name string, v any) (bool, error) {
	raw, ok := r.Props[name]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode property %s: %w", name, err)
	}
	return true, nil
}

// Query filters records of one type
type Query struct {
	Limit int
}

// Records is the record storage consumed by the registry, the intent queue
// and the user directory
type Records interface {
	// Create stores a new record and assigns its ID
	Create(ctx context.Context, recType string, props map[string]any) (*Record, error)

	// Get returns a record by ID, or nil if it does not exist
	Get(ctx context.Context, id string) (*Record, error)

	// UpdateProps merges props into the record. A nil value removes the property.
	UpdateProps(ctx context.Context, id string, props map[string]any) (*Record, error)

	// Delete removes a record
	Delete(ctx context.Context, id string) error

	// QueryByType returns records of a type, oldest first
	QueryByType(ctx context.Context, recType string, q Query) ([]*Record, error)
}

// KeyedCreator is implemented by stores that can enforce a unique key
// atomically at creation time
type KeyedCreator interface {
	// CreateWithKey returns the record already holding key, or creates one
	CreateWithKey(ctx context.Context, recType, key string, props map[string]any) (*Record, bool, error)

	// GetByKey returns the record holding key, or nil
	GetByKey(ctx context.Context, key string) (*Record, error)
}

func encodeProps(props map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(props))
	for k, v := range props {
		if v == nil {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode property %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}
