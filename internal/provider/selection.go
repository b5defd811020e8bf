package provider

import (
	"sort"
	"sync"

	"github.com/foxzi/listsync/internal/errs"
)

// Selection holds the constructed drivers and which one is active.
// It is passed explicitly to the registry and the pipeline.
type Selection struct {
	mu      sync.RWMutex
	active  string
	drivers map[string]Driver
}

// NewSelection creates a selection. active may name a provider that has no
// driver (e.g. missing credentials); Active then reports it as unavailable.
func NewSelection(active string, drivers ...Driver) *Selection {
	s := &Selection{
		active:  active,
		drivers: make(map[string]Driver, len(drivers)),
	}
	for _, d := range drivers {
		if d != nil {
			s.drivers[d.Slug()] = d
		}
	}
	return s
}

// Active returns the active driver
func (s *Selection) Active() (Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active == "" {
		return nil, errs.E(errs.ProviderUnavailable, "provider.Active", "no email service provider is configured")
	}
	d, ok := s.drivers[s.active]
	if !ok {
		return nil, errs.E(errs.ProviderUnavailable, "provider.Active", "provider %s has no credentials configured", s.active)
	}
	return d, nil
}

// ActiveSlug returns the slug of the active provider, which may be empty
func (s *Selection) ActiveSlug() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive switches the active provider
func (s *Selection) SetActive(slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = slug
}

// Get returns the driver for slug
func (s *Selection) Get(slug string) (Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.drivers[slug]
	if !ok {
		return nil, errs.E(errs.ProviderUnavailable, "provider.Get", "provider %s is not available", slug)
	}
	return d, nil
}

// Slugs lists the available drivers
func (s *Selection) Slugs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slugs := make([]string, 0, len(s.drivers))
	for slug := range s.drivers {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
