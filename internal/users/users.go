// Package users keeps the user records the pipeline consults: the email
// verification flag that gates contact deletion, and the last asynchronous
// subscription error shown back to the user.
package users

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/listsync/internal/email"
	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/store"
)

// RecordType is the store record type of users
const RecordType = "user"

// User is a subscriber account
type User struct {
	ID                    string    `json:"id"`
	Email                 string    `json:"email"`
	EmailVerified         bool      `json:"email_verified"`
	LastSubscriptionError string    `json:"last_subscription_error,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Directory stores users
type Directory struct {
	records store.Records
	logger  *slog.Logger
}

// NewDirectory creates a user directory
func NewDirectory(records store.Records, logger *slog.Logger) *Directory {
	return &Directory{records: records, logger: logger}
}

func emailKey(addr string) string {
	return "user:" + addr
}

func fromRecord(rec *store.Record) (*User, error) {
	u := &User{ID: rec.ID, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}
	if _, err := rec.Prop("email", &u.Email); err != nil {
		return nil, err
	}
	if _, err := rec.Prop("email_verified", &u.EmailVerified); err != nil {
		return nil, err
	}
	if _, err := rec.Prop("last_subscription_error", &u.LastSubscriptionError); err != nil {
		return nil, err
	}
	return u, nil
}

// Add registers a user, returning the existing one for a known email
func (d *Directory) Add(ctx context.Context, addr string, verified bool) (*User, error) {
	addr, err := email.Parse(addr)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "users.Add", err)
	}

	props := map[string]any{"email": addr, "email_verified": verified}

	if kc, ok := d.records.(store.KeyedCreator); ok {
		rec, created, err := kc.CreateWithKey(ctx, RecordType, emailKey(addr), props)
		if err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		if created {
			d.logger.Info("user added", "user_id", rec.ID)
		}
		return fromRecord(rec)
	}

	if existing, err := d.FindByEmail(ctx, addr); err == nil {
		return existing, nil
	} else if !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	rec, err := d.records.Create(ctx, RecordType, props)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	d.logger.Info("user added", "user_id", rec.ID)
	return fromRecord(rec)
}

// Get returns a user by id
func (d *Directory) Get(ctx context.Context, id string) (*User, error) {
	rec, err := d.records.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	if rec == nil || rec.Type != RecordType {
		return nil, errs.E(errs.NotFound, "users.Get", "user %s not found", id)
	}
	return fromRecord(rec)
}

// FindByEmail returns the user owning addr
func (d *Directory) FindByEmail(ctx context.Context, addr string) (*User, error) {
	addr = email.Normalize(addr)

	if kc, ok := d.records.(store.KeyedCreator); ok {
		rec, err := kc.GetByKey(ctx, emailKey(addr))
		if err != nil {
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
		if rec == nil {
			return nil, errs.E(errs.NotFound, "users.FindByEmail", "no user for %s", addr)
		}
		return fromRecord(rec)
	}

	all, err := d.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range all {
		if u.Email == addr {
			return u, nil
		}
	}
	return nil, errs.E(errs.NotFound, "users.FindByEmail", "no user for %s", addr)
}

// All returns every user, oldest first
func (d *Directory) All(ctx context.Context) ([]*User, error) {
	recs, err := d.records.QueryByType(ctx, RecordType, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	out := make([]*User, 0, len(recs))
	for _, rec := range recs {
		u, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// SetVerified records the outcome of email ownership verification
func (d *Directory) SetVerified(ctx context.Context, id string, verified bool) error {
	if _, err := d.Get(ctx, id); err != nil {
		return err
	}
	if _, err := d.records.UpdateProps(ctx, id, map[string]any{"email_verified": verified}); err != nil {
		return fmt.Errorf("failed to update user %s: %w", id, err)
	}
	return nil
}

// RecordSubscriptionError stores the last asynchronous subscription error
// for the user owning addr. Unknown emails are ignored.
func (d *Directory) RecordSubscriptionError(ctx context.Context, addr, message string) error {
	return d.setSubscriptionError(ctx, addr, message)
}

// ClearSubscriptionError removes a previously recorded error
func (d *Directory) ClearSubscriptionError(ctx context.Context, addr string) error {
	return d.setSubscriptionError(ctx, addr, "")
}

func (d *Directory) setSubscriptionError(ctx context.Context, addr, message string) error {
	u, err := d.FindByEmail(ctx, addr)
	if errs.Is(err, errs.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if u.LastSubscriptionError == message {
		return nil
	}

	var value any
	if message != "" {
		value = message
	}
	if _, err := d.records.UpdateProps(ctx, u.ID, map[string]any{"last_subscription_error": value}); err != nil {
		return fmt.Errorf("failed to update user %s: %w", u.ID, err)
	}
	return nil
}
