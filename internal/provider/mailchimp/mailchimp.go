// Package mailchimp is the reference provider driver, speaking the
// Mailchimp Marketing API v3. Audiences are lists, tags are static
// segments and groups are interests.
package mailchimp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/provider"
)

const Slug = "mailchimp"

const (
	statusSubscribed    = "subscribed"
	statusUnsubscribed  = "unsubscribed"
	statusTransactional = "transactional"

	pageSize = "1000"
)

// Config holds the driver credentials and transport settings
type Config struct {
	APIKey            string
	BaseURL           string
	DefaultListID     string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	MaxRetries        int
	Backoff           time.Duration
	HTTPClient        *http.Client
}

// Driver talks to one Mailchimp account
type Driver struct {
	client        *client
	defaultListID string
	logger        *slog.Logger

	mu     sync.RWMutex
	source provider.MetadataSource
}

var (
	_ provider.Driver              = (*Driver)(nil)
	_ provider.TagManager          = (*Driver)(nil)
	_ provider.GroupedContactAdder = (*Driver)(nil)
	_ provider.MetadataFetcher     = (*Driver)(nil)
	_ provider.DefaultLister       = (*Driver)(nil)
	_ provider.MetadataConsumer    = (*Driver)(nil)
)

// New creates a driver. A missing or malformed API key is reported as
// errs.ProviderUnavailable.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.APIKey == "" {
		return nil, errs.E(errs.ProviderUnavailable, "mailchimp.New", "api key is not configured")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		var err error
		baseURL, err = baseURLFor(cfg.APIKey)
		if err != nil {
			return nil, errs.Wrap(errs.ProviderUnavailable, "mailchimp.New", err)
		}
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger = logger.With("provider", Slug)

	return &Driver{
		client: &client{
			apiKey:     cfg.APIKey,
			baseURL:    baseURL,
			httpClient: httpClient,
			limiter:    limiter,
			maxRetries: cfg.MaxRetries,
			backoff:    cfg.Backoff,
			logger:     logger,
		},
		defaultListID: cfg.DefaultListID,
		logger:        logger,
	}, nil
}

func (d *Driver) Slug() string { return Slug }
func (d *Driver) Name() string { return "Mailchimp" }

// DefaultListID returns the audience hosting tags for local lists
func (d *Driver) DefaultListID() string {
	return d.defaultListID
}

// SetMetadataSource routes metadata reads (merge fields, send-list
// sublists) through src
func (d *Driver) SetMetadataSource(src provider.MetadataSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.source = src
}

func (d *Driver) metadataSource() provider.MetadataSource {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.source
}

func (d *Driver) GetLists(ctx context.Context) ([]provider.List, error) {
	audiences, err := d.audiences(ctx)
	if err != nil {
		return nil, err
	}

	lists := make([]provider.List, 0, len(audiences))
	for _, a := range audiences {
		lists = append(lists, provider.List{ID: a.ID, Name: a.Name, Count: a.Stats.MemberCount})
	}
	return lists, nil
}

func (d *Driver) audiences(ctx context.Context) ([]audience, error) {
	var resp listsResponse
	q := url.Values{
		"count":  {pageSize},
		"fields": {"lists.id,lists.web_id,lists.name,lists.stats.member_count,total_items"},
	}
	if err := d.client.get(ctx, "GetLists", "/lists", q, &resp); err != nil {
		return nil, err
	}
	return resp.Lists, nil
}

// AddContact upserts a member. Without a list the contact is stored as a
// transactional member of the default audience, since Mailchimp has no
// list-less contacts.
func (d *Driver) AddContact(ctx context.Context, contact provider.Contact, listID string) (*provider.ContactResult, error) {
	email := strings.TrimSpace(contact.Email)
	if email == "" {
		return nil, errs.E(errs.InvalidInput, "mailchimp.AddContact", "email is required")
	}

	status := statusSubscribed
	if listID == "" {
		if d.defaultListID == "" {
			return nil, errs.E(errs.InvalidInput, "mailchimp.AddContact", "no list given and no default audience configured")
		}
		listID = d.defaultListID
		status = statusTransactional
	}

	m, err := d.putMember(ctx, "AddContact", listID, contact, status, nil)
	if err != nil {
		return nil, err
	}
	return &provider.ContactResult{ID: m.ID, Email: m.EmailAddress, ListID: listID}, nil
}

func (d *Driver) putMember(ctx context.Context, op, listID string, contact provider.Contact, status string, interests map[string]bool) (*member, error) {
	req := memberRequest{
		EmailAddress: strings.TrimSpace(contact.Email),
		StatusIfNew:  status,
		MergeFields:  d.mergeFields(ctx, listID, contact),
		Interests:    interests,
	}

	var m member
	path := "/lists/" + url.PathEscape(listID) + "/members/" + subscriberHash(contact.Email)
	if err := d.client.put(ctx, op, path, req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// mergeFields maps the contact name onto FNAME/LNAME and any metadata key
// matching a merge tag of the audience. Metadata keys without a merge
// field are not sent, since the API rejects unknown merge tags.
func (d *Driver) mergeFields(ctx context.Context, listID string, contact provider.Contact) map[string]any {
	fields := map[string]any{}
	if name := strings.TrimSpace(contact.Name); name != "" {
		first, last, _ := strings.Cut(name, " ")
		fields["FNAME"] = first
		if last != "" {
			fields["LNAME"] = strings.TrimSpace(last)
		}
	}

	if src := d.metadataSource(); src != nil && len(contact.Metadata) > 0 {
		md, err := src.ListMetadata(ctx, listID)
		if err != nil {
			d.logger.Debug("merge fields unavailable", "list_id", listID, "error", err)
		} else {
			for _, mf := range md.MergeFields {
				for k, v := range contact.Metadata {
					if strings.EqualFold(k, mf.Tag) {
						fields[mf.Tag] = v
					}
				}
			}
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (d *Driver) searchMembers(ctx context.Context, op, email string) ([]member, error) {
	var resp searchResponse
	q := url.Values{"query": {strings.TrimSpace(email)}}
	if err := d.client.get(ctx, op, "/search-members", q, &resp); err != nil {
		return nil, err
	}
	return resp.ExactMatches.Members, nil
}

func (d *Driver) GetContactData(ctx context.Context, email string, details bool) (*provider.ContactData, error) {
	members, err := d.searchMembers(ctx, "GetContactData", email)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, errs.E(errs.NotFound, "mailchimp.GetContactData", "contact %s not found", email)
	}

	first := members[0]
	data := &provider.ContactData{
		ID:       first.ID,
		Email:    first.EmailAddress,
		Name:     first.FullName,
		Status:   first.Status,
		Metadata: map[string]string{},
	}
	for k, v := range first.MergeFields {
		if s, ok := v.(string); ok && s != "" {
			data.Metadata[strings.ToLower(k)] = s
		}
	}

	if details {
		seen := map[string]bool{}
		for _, m := range members {
			if m.Status == statusSubscribed {
				data.Lists = append(data.Lists, m.ListID)
			}
			for _, tag := range m.Tags {
				id := strconv.Itoa(tag.ID)
				if !seen[id] {
					seen[id] = true
					data.TagIDs = append(data.TagIDs, id)
				}
			}
		}
	}
	return data, nil
}

// DeleteContact permanently deletes the member from every audience
func (d *Driver) DeleteContact(ctx context.Context, email string) (bool, error) {
	members, err := d.searchMembers(ctx, "DeleteContact", email)
	if err != nil {
		return false, err
	}
	if len(members) == 0 {
		return false, errs.E(errs.NotFound, "mailchimp.DeleteContact", "contact %s not found", email)
	}

	var errList []error
	for _, m := range members {
		path := "/lists/" + url.PathEscape(m.ListID) + "/members/" + subscriberHash(email) + "/actions/delete-permanent"
		if err := d.client.post(ctx, "DeleteContact", path, nil, nil); err != nil {
			errList = append(errList, err)
		}
	}
	if err := errors.Join(errList...); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) GetContactLists(ctx context.Context, email string) []string {
	members, err := d.searchMembers(ctx, "GetContactLists", email)
	if err != nil {
		d.logger.Debug("failed to fetch contact lists", "error", err)
		return []string{}
	}

	lists := []string{}
	for _, m := range members {
		if m.Status == statusSubscribed {
			lists = append(lists, m.ListID)
		}
	}
	return lists
}

func (d *Driver) UpdateContactLists(ctx context.Context, email string, add, remove []string) (bool, error) {
	changed := false
	var errList []error

	for _, listID := range add {
		req := memberRequest{EmailAddress: email, StatusIfNew: statusSubscribed, Status: statusSubscribed}
		path := "/lists/" + url.PathEscape(listID) + "/members/" + subscriberHash(email)
		if err := d.client.put(ctx, "UpdateContactLists", path, req, nil); err != nil {
			errList = append(errList, err)
			continue
		}
		changed = true
	}

	for _, listID := range remove {
		req := memberRequest{EmailAddress: email, Status: statusUnsubscribed}
		path := "/lists/" + url.PathEscape(listID) + "/members/" + subscriberHash(email)
		if err := d.client.patch(ctx, "UpdateContactLists", path, req, nil); err != nil {
			errList = append(errList, err)
			continue
		}
		changed = true
	}

	return changed, errors.Join(errList...)
}

// AddContactWithGroups subscribes the contact to every referenced audience
// in one member write per audience, setting interests for group refs and
// adding tag refs afterwards. Tag failures are logged only.
func (d *Driver) AddContactWithGroups(ctx context.Context, contact provider.Contact, refs []provider.ListRef) (*provider.ContactResult, error) {
	if strings.TrimSpace(contact.Email) == "" {
		return nil, errs.E(errs.InvalidInput, "mailchimp.AddContactWithGroups", "email is required")
	}

	var order []string
	interests := map[string]map[string]bool{}
	tags := map[string][]string{}
	for _, ref := range refs {
		if _, ok := interests[ref.ListID]; !ok {
			order = append(order, ref.ListID)
			interests[ref.ListID] = map[string]bool{}
		}
		switch ref.Kind {
		case provider.RefGroup:
			interests[ref.ListID][ref.SublistID] = true
		case provider.RefTag:
			tags[ref.ListID] = append(tags[ref.ListID], ref.SublistID)
		}
	}

	var result *provider.ContactResult
	var errList []error
	for _, listID := range order {
		var groups map[string]bool
		if len(interests[listID]) > 0 {
			groups = interests[listID]
		}
		m, err := d.putMember(ctx, "AddContactWithGroups", listID, contact, statusSubscribed, groups)
		if err != nil {
			errList = append(errList, err)
			continue
		}
		if result == nil {
			result = &provider.ContactResult{ID: m.ID, Email: m.EmailAddress, ListID: listID}
		}
		for _, tagID := range tags[listID] {
			if err := d.AddTagToContact(ctx, contact.Email, tagID, listID); err != nil {
				d.logger.Warn("failed to tag contact", "tag_id", tagID, "list_id", listID, "error", err)
			}
		}
	}

	return result, errors.Join(errList...)
}

func (d *Driver) GetSendLists(ctx context.Context, filter provider.SendListFilter) ([]*provider.SendList, error) {
	audiences, err := d.audiences(ctx)
	if err != nil {
		return nil, err
	}

	src := d.metadataSource()
	var lists []*provider.SendList
	add := func(cfg provider.SendList) error {
		cfg.Provider = Slug
		sl, err := provider.NewSendList(cfg)
		if err != nil {
			return err
		}
		lists = append(lists, sl)
		return nil
	}

	for _, a := range audiences {
		err := add(provider.SendList{
			Type:       provider.SendListTypeList,
			EntityType: "audience",
			ID:         a.ID,
			Name:       a.Name,
			Count:      provider.Count(a.Stats.MemberCount),
			EditLink:   "https://admin.mailchimp.com/lists/members/?id=" + strconv.Itoa(a.WebID),
		})
		if err != nil {
			return nil, err
		}

		if src == nil {
			continue
		}
		md, err := src.ListMetadata(ctx, a.ID)
		if err != nil {
			d.logger.Warn("skipping sublists, metadata unavailable", "list_id", a.ID, "error", err)
			continue
		}

		for _, seg := range md.Segments {
			entity := "segment"
			if seg.Type == "static" {
				entity = "tag"
			}
			err := add(provider.SendList{
				Type:       provider.SendListTypeSublist,
				EntityType: entity,
				ID:         seg.ID,
				ParentID:   a.ID,
				Name:       seg.Name,
				Count:      provider.Count(seg.MemberCount),
			})
			if err != nil {
				return nil, err
			}
		}
		for _, cat := range md.InterestCategories {
			for _, in := range cat.Interests {
				err := add(provider.SendList{
					Type:       provider.SendListTypeSublist,
					EntityType: "group",
					ID:         in.ID,
					ParentID:   a.ID,
					Name:       cat.Title + ": " + in.Name,
					Count:      provider.Count(in.SubscriberCount),
				})
				if err != nil {
					return nil, err
				}
			}
		}
	}

	return provider.FilterSendLists(lists, filter), nil
}
