// Package contacts synchronizes contacts and their list memberships with
// the active provider.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/lists"
	"github.com/foxzi/listsync/internal/metrics"
	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/users"
)

// DefaultOrigin is stamped when the caller gives no context
const DefaultOrigin = "listsync"

// Enqueuer defers a subscription to the intent queue
type Enqueuer interface {
	Enqueue(ctx context.Context, contact provider.Contact, lists []string, context string) (string, error)
}

// AttemptRecorder keeps the audit trail of subscription attempts
type AttemptRecorder interface {
	Record(ctx context.Context, email string, listIDs []string) error
}

// UpsertOptions controls Upsert
type UpsertOptions struct {
	Async   bool
	Context string
}

// UpsertResult is the outcome of Upsert. Queued results carry the intent
// id; synchronous ones the provider result.
type UpsertResult struct {
	Queued   bool                    `json:"queued"`
	IntentID string                  `json:"intent_id,omitempty"`
	Contact  *provider.ContactResult `json:"contact,omitempty"`
}

// Pipeline upserts contacts and manages their list memberships
type Pipeline struct {
	selection *provider.Selection
	registry  *lists.Registry
	users     *users.Directory
	queue     Enqueuer
	attempts  AttemptRecorder
	logger    *slog.Logger
}

// NewPipeline creates a pipeline. The queue and the attempt log are
// attached afterwards since the queue itself drives the pipeline.
func NewPipeline(selection *provider.Selection, registry *lists.Registry, directory *users.Directory, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		selection: selection,
		registry:  registry,
		users:     directory,
		logger:    logger,
	}
}

// SetQueue attaches the intent queue used by asynchronous upserts
func (p *Pipeline) SetQueue(q Enqueuer) {
	p.queue = q
}

// SetAttempts attaches the subscription attempt log
func (p *Pipeline) SetAttempts(a AttemptRecorder) {
	p.attempts = a
}

// Upsert creates or updates a contact and subscribes it to lists (form
// ids). A nil or empty lists only upserts the contact. With Async set the
// work is handed to the intent queue and the call returns immediately.
func (p *Pipeline) Upsert(ctx context.Context, contact provider.Contact, formIDs []string, opts UpsertOptions) (*UpsertResult, error) {
	contact.Email = strings.TrimSpace(contact.Email)
	if contact.Email == "" {
		return nil, errs.E(errs.InvalidInput, "contacts.Upsert", "contact email is required")
	}
	formIDs = normalizeLists(formIDs)

	metrics.IncSubscribeAttempts()
	if len(formIDs) > 0 && p.attempts != nil {
		if err := p.attempts.Record(ctx, contact.Email, formIDs); err != nil {
			p.logger.Warn("failed to record subscription attempt", "error", err)
		}
	}

	if opts.Async {
		if p.queue == nil {
			return nil, errs.E(errs.Other, "contacts.Upsert", "asynchronous subscriptions are not enabled")
		}
		id, err := p.queue.Enqueue(ctx, contact, formIDs, opts.Context)
		if err != nil {
			return nil, err
		}
		return &UpsertResult{Queued: true, IntentID: id}, nil
	}

	res, err := p.Subscribe(ctx, contact, formIDs, opts.Context)
	if res == nil && err != nil {
		return nil, err
	}
	return &UpsertResult{Contact: res}, err
}

func normalizeLists(formIDs []string) []string {
	seen := make(map[string]bool, len(formIDs))
	out := make([]string, 0, len(formIDs))
	for _, id := range formIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Subscribe performs an upsert synchronously against the active provider.
// Per-list failures do not abort the remaining lists; they are joined into
// the returned error next to any successful result.
func (p *Pipeline) Subscribe(ctx context.Context, contact provider.Contact, formIDs []string, origin string) (*provider.ContactResult, error) {
	driver, err := p.selection.Active()
	if err != nil {
		return nil, err
	}
	logger := p.logger.With("provider", driver.Slug())

	existing, err := driver.GetContactData(ctx, contact.Email, false)
	if err != nil {
		if !errs.Is(err, errs.NotFound) {
			logger.Debug("contact lookup failed, treating as new", "error", err)
		}
		existing = nil
	}
	if existing != nil && contact.Name == "" {
		contact.Name = existing.Name
	}

	if origin == "" {
		origin = DefaultOrigin
	}
	contact.Metadata = stampOrigin(contact.Metadata, origin)

	var errList []error
	refs := make([]provider.ListRef, 0, len(formIDs))
	for _, id := range formIDs {
		ref, err := p.registry.Resolve(ctx, id)
		if err != nil {
			errList = append(errList, fmt.Errorf("list %s: %w", id, err))
			continue
		}
		refs = append(refs, ref)
	}
	if len(formIDs) > 0 && len(refs) == 0 {
		return nil, errors.Join(errList...)
	}

	if grouped, ok := driver.(provider.GroupedContactAdder); ok && len(refs) > 0 {
		res, err := grouped.AddContactWithGroups(ctx, contact, refs)
		if err != nil {
			errList = append(errList, err)
		}
		return res, errors.Join(errList...)
	}

	if len(refs) == 0 {
		res, err := driver.AddContact(ctx, contact, "")
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	var result *provider.ContactResult
	added := map[string]bool{}
	failed := map[string]bool{}
	for _, ref := range refs {
		if added[ref.ListID] || failed[ref.ListID] {
			continue
		}

		res, err := driver.AddContact(ctx, contact, ref.ListID)
		if err != nil {
			failed[ref.ListID] = true
			errList = append(errList, fmt.Errorf("list %s: %w", ref.ListID, err))
			continue
		}
		added[ref.ListID] = true
		if result == nil {
			result = res
		}
	}

	p.applyTags(ctx, driver, contact.Email, refs, added, logger)

	return result, errors.Join(errList...)
}

func stampOrigin(metadata map[string]string, origin string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[provider.OriginKey] = origin
	return out
}

// applyTags adds the tags backing local lists on the lists the contact was
// added to. Failures are logged only.
func (p *Pipeline) applyTags(ctx context.Context, driver provider.Driver, email string, refs []provider.ListRef, added map[string]bool, logger *slog.Logger) {
	tm, hasTags := driver.(provider.TagManager)
	for _, ref := range refs {
		if ref.Kind != provider.RefTag {
			continue
		}
		if !added[ref.ListID] {
			logger.Debug("skipping tag, contact not added to list", "tag_id", ref.SublistID, "list_id", ref.ListID)
			continue
		}
		if !hasTags {
			logger.Warn("provider has no tag support, skipping tag", "tag_id", ref.SublistID)
			continue
		}
		if err := tm.AddTagToContact(ctx, email, ref.SublistID, ref.ListID); err != nil {
			logger.Warn("failed to tag contact", "tag_id", ref.SublistID, "list_id", ref.ListID, "error", err)
		}
	}
}

// ComputeListDiff returns the configured lists to add and remove so that
// the subscriptions match desired. Lists outside configured are ignored.
func ComputeListDiff(configured, current, desired []string) (add, remove []string) {
	cur := toSet(current)
	want := toSet(desired)

	for _, id := range configured {
		switch {
		case want[id] && !cur[id]:
			add = append(add, id)
		case cur[id] && !want[id]:
			remove = append(remove, id)
		}
	}
	return add, remove
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// UpdateLists makes the contact's subscriptions among the configured lists
// equal desired (form ids). It returns false without error when nothing
// has to change.
func (p *Pipeline) UpdateLists(ctx context.Context, email string, desired []string) (bool, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return false, errs.E(errs.InvalidInput, "contacts.UpdateLists", "email is required")
	}

	driver, err := p.selection.Active()
	if err != nil {
		return false, err
	}
	slug := driver.Slug()

	configured, err := p.registry.GetConfiguredForProvider(ctx, slug)
	if err != nil {
		return false, err
	}

	byFormID := make(map[string]*lists.List, len(configured))
	configuredIDs := make([]string, 0, len(configured))
	for _, l := range configured {
		byFormID[l.FormID()] = l
		configuredIDs = append(configuredIDs, l.FormID())
	}

	current := p.currentSubscriptions(ctx, driver, email, configured)
	add, remove := ComputeListDiff(configuredIDs, current, normalizeLists(desired))
	if len(add) == 0 && len(remove) == 0 {
		return false, nil
	}

	var addLists, removeLists []string
	var addTags, removeTags []provider.ListRef
	for _, id := range add {
		ref, _ := byFormID[id].Ref(slug)
		if ref.Kind == provider.RefTag {
			addTags = append(addTags, ref)
		} else {
			addLists = append(addLists, ref.ListID)
		}
	}
	for _, id := range remove {
		ref, _ := byFormID[id].Ref(slug)
		if ref.Kind == provider.RefTag {
			removeTags = append(removeTags, ref)
		} else {
			removeLists = append(removeLists, ref.ListID)
		}
	}

	var errList []error
	if len(addLists) > 0 || len(removeLists) > 0 {
		if _, err := driver.UpdateContactLists(ctx, email, addLists, removeLists); err != nil {
			errList = append(errList, err)
		}
	}

	if len(addTags) > 0 || len(removeTags) > 0 {
		tm, ok := driver.(provider.TagManager)
		if !ok {
			errList = append(errList, errs.E(errs.ProviderError, "contacts.UpdateLists", "%s does not support tags", driver.Name()))
		} else {
			for _, ref := range addTags {
				if err := tm.AddTagToContact(ctx, email, ref.SublistID, ref.ListID); err != nil {
					errList = append(errList, err)
				}
			}
			for _, ref := range removeTags {
				if err := tm.RemoveTagFromContact(ctx, email, ref.SublistID, ref.ListID); err != nil {
					errList = append(errList, err)
				}
			}
		}
	}

	p.logger.Info("contact lists updated",
		"provider", slug,
		"added", len(add),
		"removed", len(remove),
	)
	return true, errors.Join(errList...)
}

// currentSubscriptions returns the form ids of the configured lists the
// contact belongs to
func (p *Pipeline) currentSubscriptions(ctx context.Context, driver provider.Driver, email string, configured []*lists.List) []string {
	providerLists := toSet(driver.GetContactLists(ctx, email))
	tm, hasTags := driver.(provider.TagManager)
	tagsByList := map[string]map[string]bool{}

	var current []string
	for _, l := range configured {
		ref, ok := l.Ref(driver.Slug())
		if !ok {
			continue
		}
		if ref.Kind != provider.RefTag {
			if ref.Kind == provider.RefList && providerLists[ref.ListID] {
				current = append(current, l.FormID())
			}
			continue
		}
		if !hasTags {
			continue
		}
		tags, ok := tagsByList[ref.ListID]
		if !ok {
			ids, err := tm.GetContactTagIDs(ctx, email, ref.ListID)
			if err != nil && !errs.Is(err, errs.NotFound) {
				p.logger.Debug("failed to fetch contact tags", "list_id", ref.ListID, "error", err)
			}
			tags = toSet(ids)
			tagsByList[ref.ListID] = tags
		}
		if tags[ref.SublistID] {
			current = append(current, l.FormID())
		}
	}
	return current
}

// Delete removes the user's contact from the provider. The user must have
// verified ownership of the email first.
func (p *Pipeline) Delete(ctx context.Context, userID string) (bool, error) {
	u, err := p.users.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if !u.EmailVerified {
		return false, errs.E(errs.NotVerified, "contacts.Delete", "email of user %s is not verified", userID)
	}

	driver, err := p.selection.Active()
	if err != nil {
		return false, err
	}

	deleted, err := driver.DeleteContact(ctx, u.Email)
	if errs.Is(err, errs.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	p.logger.Info("contact deleted", "user_id", userID, "provider", driver.Slug())
	return deleted, nil
}
