// Package lists is the registry of subscription lists. It mirrors the lists
// of the active provider as remote lists and emulates local lists with
// provider tags.
package lists

import (
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/store"
)

// RecordType is the store record type of subscription lists
const RecordType = "list"

const (
	TypeLocal  = "local"
	TypeRemote = "remote"
)

// localPrefix marks form ids of local lists, e.g. "local-12"
const localPrefix = "local-"

// ProviderSettings is the per-provider binding of a local list
type ProviderSettings struct {
	List    string `json:"list"`
	TagID   string `json:"tag_id"`
	TagName string `json:"tag_name"`
	Error   string `json:"error,omitempty"`
}

// Configured reports whether the binding is complete and error free
func (s ProviderSettings) Configured() bool {
	return s.List != "" && s.TagID != "" && s.TagName != "" && s.Error == ""
}

// List is a subscription list
type List struct {
	ID               string                      `json:"id"`
	Title            string                      `json:"title"`
	Description      string                      `json:"description"`
	Type             string                      `json:"type"`
	ProviderSettings map[string]ProviderSettings `json:"provider_settings,omitempty"`
	RemoteID         string                      `json:"remote_id,omitempty"`
	RemoteProvider   string                      `json:"remote_provider,omitempty"`
	Active           bool                        `json:"active"`
	CreatedAt        time.Time                   `json:"created_at"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

// IsConfiguredForProvider reports whether the list can receive contacts
// through the provider. Remote lists are configured for the provider they
// mirror.
func (l *List) IsConfiguredForProvider(slug string) bool {
	if slug == "" {
		return false
	}
	if l.Type == TypeRemote {
		return l.RemoteProvider == slug
	}
	return l.ProviderSettings[slug].Configured()
}

// FormID is the id used by forms and API callers to reference the list
func (l *List) FormID() string {
	if l.Type == TypeRemote {
		return l.RemoteID
	}
	return localPrefix + l.ID
}

// Ref resolves the list to a provider reference. Local lists resolve to
// their tag and are only resolvable when configured for slug.
func (l *List) Ref(slug string) (provider.ListRef, bool) {
	if !l.IsConfiguredForProvider(slug) {
		return provider.ListRef{}, false
	}
	if l.Type == TypeRemote {
		ref, err := provider.ParseFormID(l.RemoteID)
		if err != nil {
			return provider.ListRef{}, false
		}
		return ref, true
	}
	s := l.ProviderSettings[slug]
	return provider.TagOf(s.TagID, s.List), true
}

// LocalID extracts the list id from a local form id
func LocalID(formID string) (string, bool) {
	id, ok := strings.CutPrefix(formID, localPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func remoteKey(slug, remoteID string) string {
	return "remote:" + slug + ":" + remoteID
}

func (l *List) props() map[string]any {
	props := map[string]any{
		"title":       l.Title,
		"description": l.Description,
		"type":        l.Type,
		"active":      l.Active,
	}
	if len(l.ProviderSettings) > 0 {
		props["provider_settings"] = l.ProviderSettings
	}
	if l.Type == TypeRemote {
		props["remote_id"] = l.RemoteID
		props["remote_provider"] = l.RemoteProvider
	}
	return props
}

func fromRecord(rec *store.Record) (*List, error) {
	l := &List{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}

	fields := []struct {
		name string
		dst  any
	}{
		{"title", &l.Title},
		{"description", &l.Description},
		{"type", &l.Type},
		{"provider_settings", &l.ProviderSettings},
		{"remote_id", &l.RemoteID},
		{"remote_provider", &l.RemoteProvider},
		{"active", &l.Active},
	}
	for _, f := range fields {
		if _, err := rec.Prop(f.name, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode list %s: %w", rec.ID, err)
		}
	}

	if l.ProviderSettings == nil {
		l.ProviderSettings = map[string]ProviderSettings{}
	}
	return l, nil
}
