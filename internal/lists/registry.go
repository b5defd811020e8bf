package lists

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/store"
)

// DefaultTagPrefix namespaces the tags backing local lists
const DefaultTagPrefix = "listsync"

// DesiredList is one entry of a bulk list configuration update
type DesiredList struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Active      *bool  `json:"active"`
}

// Options configures a Registry
type Options struct {
	TagPrefix string
}

// Registry stores subscription lists and reconciles them with the active
// provider
type Registry struct {
	records   store.Records
	selection *provider.Selection
	tagPrefix string
	logger    *slog.Logger

	// guards lookup-then-create when the store has no unique keys
	mu sync.Mutex
}

// NewRegistry creates a registry
func NewRegistry(records store.Records, selection *provider.Selection, opts Options, logger *slog.Logger) *Registry {
	if opts.TagPrefix == "" {
		opts.TagPrefix = DefaultTagPrefix
	}
	return &Registry{
		records:   records,
		selection: selection,
		tagPrefix: opts.TagPrefix,
		logger:    logger,
	}
}

// Get returns a list by local id
func (r *Registry) Get(ctx context.Context, id string) (*List, error) {
	rec, err := r.records.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get list %s: %w", id, err)
	}
	if rec == nil || rec.Type != RecordType {
		return nil, errs.E(errs.NotFound, "lists.Get", "list %s not found", id)
	}
	return fromRecord(rec)
}

// All returns every list, oldest first
func (r *Registry) All(ctx context.Context) ([]*List, error) {
	recs, err := r.records.QueryByType(ctx, RecordType, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}

	out := make([]*List, 0, len(recs))
	for _, rec := range recs {
		l, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// GetOrCreateRemoteList binds a provider list of the active provider to a
// subscription list
func (r *Registry) GetOrCreateRemoteList(ctx context.Context, remote provider.List) (*List, error) {
	driver, err := r.selection.Active()
	if err != nil {
		return nil, err
	}
	return r.getOrCreateRemote(ctx, driver.Slug(), remote)
}

// getOrCreateRemote converges concurrent and repeated calls for the same
// (slug, remote id) on one record. The first writer wins; later calls only
// refresh the title.
func (r *Registry) getOrCreateRemote(ctx context.Context, slug string, remote provider.List) (*List, error) {
	if remote.ID == "" {
		return nil, errs.E(errs.InvalidInput, "lists.GetOrCreateRemoteList", "remote list id is required")
	}

	fresh := &List{
		Title:            remote.Name,
		Type:             TypeRemote,
		RemoteID:         remote.ID,
		RemoteProvider:   slug,
		ProviderSettings: map[string]ProviderSettings{},
	}

	var rec *store.Record
	var created bool
	if kc, ok := r.records.(store.KeyedCreator); ok {
		var err error
		rec, created, err = kc.CreateWithKey(ctx, RecordType, remoteKey(slug, remote.ID), fresh.props())
		if err != nil {
			return nil, fmt.Errorf("failed to create remote list %s: %w", remote.ID, err)
		}
	} else {
		r.mu.Lock()
		defer r.mu.Unlock()

		existing, err := r.findRemote(ctx, slug, remote.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			rec, err = r.records.Create(ctx, RecordType, fresh.props())
			if err != nil {
				return nil, fmt.Errorf("failed to create remote list %s: %w", remote.ID, err)
			}
			created = true
		} else {
			rec = existing
		}
	}

	l, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	if created {
		r.logger.Info("remote list registered", "list_id", l.ID, "remote_id", remote.ID, "provider", slug)
		return l, nil
	}

	if remote.Name != "" && l.Title != remote.Name {
		rec, err = r.records.UpdateProps(ctx, l.ID, map[string]any{"title": remote.Name})
		if err != nil {
			return nil, fmt.Errorf("failed to update list %s: %w", l.ID, err)
		}
		return fromRecord(rec)
	}
	return l, nil
}

func (r *Registry) findRemote(ctx context.Context, slug, remoteID string) (*store.Record, error) {
	recs, err := r.records.QueryByType(ctx, RecordType, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	for _, rec := range recs {
		l, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		if l.Type == TypeRemote && l.RemoteProvider == slug && l.RemoteID == remoteID {
			return rec, nil
		}
	}
	return nil, nil
}

// GarbageCollector deactivates remote lists of the active provider whose
// local id is not in stillPresent. Local lists are never touched.
func (r *Registry) GarbageCollector(ctx context.Context, stillPresent []string) (int, error) {
	slug := r.selection.ActiveSlug()
	if slug == "" {
		return 0, errs.E(errs.ProviderUnavailable, "lists.GarbageCollector", "no provider selected")
	}

	keep := make(map[string]bool, len(stillPresent))
	for _, id := range stillPresent {
		keep[id] = true
	}

	all, err := r.All(ctx)
	if err != nil {
		return 0, err
	}

	deactivated := 0
	for _, l := range all {
		if l.Type != TypeRemote || l.RemoteProvider != slug || keep[l.ID] || !l.Active {
			continue
		}
		if _, err := r.records.UpdateProps(ctx, l.ID, map[string]any{"active": false}); err != nil {
			return deactivated, fmt.Errorf("failed to deactivate list %s: %w", l.ID, err)
		}
		deactivated++
		r.logger.Info("remote list gone from provider, deactivated", "list_id", l.ID, "remote_id", l.RemoteID)
	}
	return deactivated, nil
}

// GetConfiguredForProvider returns the active lists configured for slug
func (r *Registry) GetConfiguredForProvider(ctx context.Context, slug string) ([]*List, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}

	var out []*List
	for _, l := range all {
		if l.Active && l.IsConfiguredForProvider(slug) {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetConfiguredForCurrentProvider returns the active lists configured for
// the active provider
func (r *Registry) GetConfiguredForCurrentProvider(ctx context.Context) ([]*List, error) {
	driver, err := r.selection.Active()
	if err != nil {
		return nil, err
	}
	return r.GetConfiguredForProvider(ctx, driver.Slug())
}

// ListsConfig returns the configured lists of the active provider keyed by
// form id
func (r *Registry) ListsConfig(ctx context.Context) (map[string]*List, error) {
	lists, err := r.GetConfiguredForCurrentProvider(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*List, len(lists))
	for _, l := range lists {
		out[l.FormID()] = l
	}
	return out, nil
}

// GetLists runs one reconciliation cycle: fetch the provider lists, bind
// each one, deactivate the vanished ones and return the remote lists of
// the active provider followed by the local lists.
func (r *Registry) GetLists(ctx context.Context) ([]*List, error) {
	driver, err := r.selection.Active()
	if err != nil {
		return nil, err
	}

	remote, err := driver.GetLists(ctx)
	if err != nil {
		return nil, err
	}

	present := make([]string, 0, len(remote))
	for _, rl := range remote {
		l, err := r.getOrCreateRemote(ctx, driver.Slug(), rl)
		if err != nil {
			return nil, err
		}
		present = append(present, l.ID)
	}

	if _, err := r.GarbageCollector(ctx, present); err != nil {
		return nil, err
	}

	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}

	var remoteLists, localLists []*List
	for _, l := range all {
		switch {
		case l.Type == TypeRemote && l.RemoteProvider == driver.Slug():
			remoteLists = append(remoteLists, l)
		case l.Type == TypeLocal:
			localLists = append(localLists, l)
		}
	}
	return append(remoteLists, localLists...), nil
}

// UpdateLists applies a list configuration. Numeric ids address local
// records, anything else is a remote id of the active provider and is
// registered on first sight. Lists absent from desired are left alone.
func (r *Registry) UpdateLists(ctx context.Context, desired []DesiredList) ([]*List, error) {
	var updated []*List
	var errList []error

	for _, d := range desired {
		l, err := r.resolveDesired(ctx, d)
		if err != nil {
			errList = append(errList, fmt.Errorf("list %s: %w", d.ID, err))
			continue
		}

		if d.Title != "" {
			l.Title = d.Title
		}
		l.Description = d.Description
		if d.Active != nil {
			l.Active = *d.Active
		}

		if err := r.Save(ctx, l); err != nil {
			errList = append(errList, fmt.Errorf("list %s: %w", d.ID, err))
			continue
		}
		updated = append(updated, l)
	}

	return updated, errors.Join(errList...)
}

func (r *Registry) resolveDesired(ctx context.Context, d DesiredList) (*List, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return nil, errs.E(errs.InvalidInput, "lists.UpdateLists", "list id is required")
	}
	if local, ok := LocalID(id); ok {
		id = local
	}
	if _, err := strconv.ParseUint(id, 10, 64); err == nil {
		return r.Get(ctx, id)
	}
	return r.GetOrCreateRemoteList(ctx, provider.List{ID: id, Name: d.Title})
}

// CreateLocal creates a tag-backed local list and binds it to the active
// provider when possible
func (r *Registry) CreateLocal(ctx context.Context, title, description string, active bool) (*List, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errs.E(errs.InvalidInput, "lists.CreateLocal", "title is required")
	}
	l := &List{
		Title:            strings.TrimSpace(title),
		Description:      description,
		Type:             TypeLocal,
		Active:           active,
		ProviderSettings: map[string]ProviderSettings{},
	}
	if err := r.Save(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Deactivate hides a list from subscribers without deleting it
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if _, err := r.records.UpdateProps(ctx, id, map[string]any{"active": false}); err != nil {
		return fmt.Errorf("failed to deactivate list %s: %w", id, err)
	}
	return nil
}

// UpdateCurrentProviderSettings replaces the active provider's binding of l
func (r *Registry) UpdateCurrentProviderSettings(ctx context.Context, l *List, settings ProviderSettings) error {
	slug := r.selection.ActiveSlug()
	if slug == "" {
		return errs.E(errs.ProviderUnavailable, "lists.UpdateCurrentProviderSettings", "no provider selected")
	}
	if l.ProviderSettings == nil {
		l.ProviderSettings = map[string]ProviderSettings{}
	}
	l.ProviderSettings[slug] = settings

	rec, err := r.records.UpdateProps(ctx, l.ID, map[string]any{"provider_settings": l.ProviderSettings})
	if err != nil {
		return fmt.Errorf("failed to update provider settings of list %s: %w", l.ID, err)
	}
	l.UpdatedAt = rec.UpdatedAt
	return nil
}

// Save persists l, creating it when it has no id. Local lists are bound to
// a tag of the active provider; binding failures are recorded in the
// provider settings rather than returned.
func (r *Registry) Save(ctx context.Context, l *List) error {
	if l.ID == "" {
		rec, err := r.records.Create(ctx, RecordType, l.props())
		if err != nil {
			return fmt.Errorf("failed to create list: %w", err)
		}
		l.ID = rec.ID
		l.CreatedAt = rec.CreatedAt
		l.UpdatedAt = rec.UpdatedAt
	}

	if l.Type == TypeLocal {
		r.syncTag(ctx, l)
	}

	rec, err := r.records.UpdateProps(ctx, l.ID, l.props())
	if err != nil {
		return fmt.Errorf("failed to save list %s: %w", l.ID, err)
	}
	l.UpdatedAt = rec.UpdatedAt
	return nil
}

// TagName is the provider tag name backing a local list
func (r *Registry) TagName(title string) string {
	return r.tagPrefix + ": " + title
}

// syncTag binds a local list to a tag of the active provider. A recorded
// tag is verified and renamed to follow the title; a vanished one is
// replaced.
func (r *Registry) syncTag(ctx context.Context, l *List) {
	driver, err := r.selection.Active()
	if err != nil {
		return
	}
	slug := driver.Slug()
	if l.ProviderSettings == nil {
		l.ProviderSettings = map[string]ProviderSettings{}
	}
	settings := l.ProviderSettings[slug]
	logger := r.logger.With("list_id", l.ID, "provider", slug)

	tm, ok := driver.(provider.TagManager)
	if !ok {
		settings.Error = fmt.Sprintf("%s does not support tags", driver.Name())
		l.ProviderSettings[slug] = settings
		return
	}

	listID, err := r.tagListID(ctx, driver, settings.List)
	if err != nil {
		settings.Error = err.Error()
		l.ProviderSettings[slug] = settings
		return
	}
	settings.List = listID

	if settings.TagID != "" {
		tag, err := tm.GetTag(ctx, settings.TagID, listID)
		switch {
		case errs.Is(err, errs.NotFound):
			logger.Warn("tag of local list vanished, creating a new one", "tag_id", settings.TagID)
			settings.TagID = ""
			settings.TagName = ""
		case err != nil:
			settings.Error = err.Error()
			l.ProviderSettings[slug] = settings
			return
		default:
			settings.TagName = tag.Name
			settings.Error = ""
			if want := r.uniqueTagName(ctx, l, slug); tag.Name != want {
				if renamed, err := tm.UpdateTag(ctx, tag.ID, want, listID); err != nil {
					logger.Warn("failed to rename tag", "tag_id", tag.ID, "error", err)
				} else {
					settings.TagName = renamed.Name
				}
			}
			l.ProviderSettings[slug] = settings
			return
		}
	}

	name := r.uniqueTagName(ctx, l, slug)
	tagID, err := tm.GetTagID(ctx, name, true, listID)
	if err != nil {
		logger.Warn("failed to bind local list to a tag", "tag_name", name, "error", err)
		settings.Error = err.Error()
		l.ProviderSettings[slug] = settings
		return
	}

	l.ProviderSettings[slug] = ProviderSettings{List: listID, TagID: tagID, TagName: name}
}

// tagListID picks the provider list hosting local-list tags: the recorded
// one, the driver default, or the first provider list
func (r *Registry) tagListID(ctx context.Context, driver provider.Driver, recorded string) (string, error) {
	if recorded != "" {
		return recorded, nil
	}
	if dl, ok := driver.(provider.DefaultLister); ok && dl.DefaultListID() != "" {
		return dl.DefaultListID(), nil
	}
	remote, err := driver.GetLists(ctx)
	if err != nil {
		return "", err
	}
	if len(remote) == 0 {
		return "", errs.E(errs.NotFound, "lists.Save", "%s has no list to host tags", driver.Name())
	}
	return remote[0].ID, nil
}

// uniqueTagName returns the generated tag name of l, suffixed with the list
// id when another local list already holds that name for slug
func (r *Registry) uniqueTagName(ctx context.Context, l *List, slug string) string {
	name := r.TagName(l.Title)

	all, err := r.All(ctx)
	if err != nil {
		return name
	}
	for _, other := range all {
		if other.ID == l.ID || other.Type != TypeLocal {
			continue
		}
		if strings.EqualFold(other.ProviderSettings[slug].TagName, name) {
			return name + " #" + l.ID
		}
	}
	return name
}

// Resolve maps a form id onto a provider reference for the active provider
func (r *Registry) Resolve(ctx context.Context, formID string) (provider.ListRef, error) {
	if id, ok := LocalID(formID); ok {
		l, err := r.Get(ctx, id)
		if err != nil {
			return provider.ListRef{}, err
		}
		ref, ok := l.Ref(r.selection.ActiveSlug())
		if !ok {
			return provider.ListRef{}, errs.E(errs.InvalidInput, "lists.Resolve", "list %s is not configured for the active provider", formID)
		}
		return ref, nil
	}
	return provider.ParseFormID(formID)
}
