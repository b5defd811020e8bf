// Package memory is an in-process provider driver. It backs sandbox mode
// and the tests of every component above the driver boundary.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	emailaddr "github.com/foxzi/listsync/internal/email"
	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/provider"
)

const Slug = "memory"

// Call is one recorded driver call
type Call struct {
	Op     string
	Email  string
	ListID string
	Args   []string
}

type contact struct {
	data  provider.ContactData
	lists map[string]bool
	tags  map[string]bool // tag IDs
}

// Driver is an in-memory provider
type Driver struct {
	slug          string
	name          string
	defaultListID string

	mu        sync.Mutex
	seq       int
	lists     map[string]*provider.List
	order     []string
	contacts  map[string]*contact
	tags      map[string]map[string]*provider.Tag // listID -> tagID -> tag
	metadata  map[string]provider.Metadata
	folders   []provider.Folder
	failures  map[string]error
	calls     []Call
	callCount map[string]int
}

var (
	_ provider.Driver          = (*Driver)(nil)
	_ provider.TagManager      = (*Driver)(nil)
	_ provider.MetadataFetcher = (*Driver)(nil)
	_ provider.DefaultLister   = (*Driver)(nil)
)

// Options configures a memory driver
type Options struct {
	Slug          string
	Name          string
	DefaultListID string
}

// New creates an empty memory driver
func New(opts Options) *Driver {
	if opts.Slug == "" {
		opts.Slug = Slug
	}
	if opts.Name == "" {
		opts.Name = "In-memory"
	}
	return &Driver{
		slug:          opts.Slug,
		name:          opts.Name,
		defaultListID: opts.DefaultListID,
		lists:         make(map[string]*provider.List),
		contacts:      make(map[string]*contact),
		tags:          make(map[string]map[string]*provider.Tag),
		metadata:      make(map[string]provider.Metadata),
		failures:      make(map[string]error),
		callCount:     make(map[string]int),
	}
}

// NewBasic returns a driver without the optional capabilities, the way a
// provider lacking tags and metadata endpoints looks to callers
func NewBasic(d *Driver) provider.Driver {
	return basic{d}
}

type basic struct {
	provider.Driver
}

func (d *Driver) Slug() string { return d.slug }
func (d *Driver) Name() string { return d.name }

// DefaultListID returns the list that hosts tags for local lists
func (d *Driver) DefaultListID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.defaultListID != "" {
		return d.defaultListID
	}
	if len(d.order) > 0 {
		return d.order[0]
	}
	return ""
}

// AddList creates or renames a list
func (d *Driver) AddList(id, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lists[id]; ok {
		l.Name = name
		return
	}
	d.lists[id] = &provider.List{ID: id, Name: name}
	d.order = append(d.order, id)
}

// RemoveList deletes a list and its memberships
func (d *Driver) RemoveList(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lists, id)
	delete(d.tags, id)
	for i, lid := range d.order {
		if lid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	for _, c := range d.contacts {
		delete(c.lists, id)
	}
}

// SetMetadata seeds the metadata returned for a list
func (d *Driver) SetMetadata(listID string, md provider.Metadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata[listID] = md
	d.folders = md.Folders
}

// Fail makes every call of op return err until cleared with a nil err
func (d *Driver) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// Calls returns the recorded calls of op, or all calls when op is empty
func (d *Driver) Calls(op string) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Call
	for _, c := range d.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times op was invoked
func (d *Driver) CallCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callCount[op]
}

// record logs a call and returns the injected failure for op.
// Callers hold d.mu.
func (d *Driver) record(op, email, listID string, args ...string) error {
	d.calls = append(d.calls, Call{Op: op, Email: email, ListID: listID, Args: args})
	d.callCount[op]++
	if err, ok := d.failures[op]; ok {
		return err
	}
	return nil
}

func (d *Driver) nextID() string {
	d.seq++
	return strconv.Itoa(d.seq)
}

func (d *Driver) GetLists(ctx context.Context) ([]provider.List, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("GetLists", "", ""); err != nil {
		return nil, err
	}

	out := make([]provider.List, 0, len(d.order))
	for _, id := range d.order {
		l := *d.lists[id]
		l.Count = d.memberCount(id)
		out = append(out, l)
	}
	return out, nil
}

func (d *Driver) memberCount(listID string) int {
	n := 0
	for _, c := range d.contacts {
		if c.lists[listID] {
			n++
		}
	}
	return n
}

func (d *Driver) AddContact(ctx context.Context, c provider.Contact, listID string) (*provider.ContactResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	email := emailaddr.Normalize(c.Email)
	if err := d.record("AddContact", email, listID); err != nil {
		return nil, err
	}
	if email == "" {
		return nil, errs.E(errs.InvalidInput, "memory.AddContact", "email is required")
	}
	if listID != "" {
		if _, ok := d.lists[listID]; !ok {
			return nil, errs.E(errs.NotFound, "memory.AddContact", "list %s not found", listID)
		}
	}

	existing, ok := d.contacts[email]
	if !ok {
		existing = &contact{
			data:  provider.ContactData{ID: d.nextID(), Email: email, Status: "subscribed"},
			lists: make(map[string]bool),
			tags:  make(map[string]bool),
		}
		d.contacts[email] = existing
	}
	if c.Name != "" {
		existing.data.Name = c.Name
	}
	if len(c.Metadata) > 0 {
		if existing.data.Metadata == nil {
			existing.data.Metadata = make(map[string]string)
		}
		for k, v := range c.Metadata {
			existing.data.Metadata[k] = v
		}
	}
	if listID != "" {
		existing.lists[listID] = true
	}

	return &provider.ContactResult{
		ID:      existing.data.ID,
		Email:   email,
		ListID:  listID,
		Created: !ok,
	}, nil
}

func (d *Driver) GetContactData(ctx context.Context, email string, details bool) (*provider.ContactData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	email = emailaddr.Normalize(email)
	if err := d.record("GetContactData", email, ""); err != nil {
		return nil, err
	}
	c, ok := d.contacts[email]
	if !ok {
		return nil, errs.E(errs.NotFound, "memory.GetContactData", "contact %s not found", email)
	}

	data := c.data
	data.Metadata = make(map[string]string, len(c.data.Metadata))
	for k, v := range c.data.Metadata {
		data.Metadata[k] = v
	}
	if details {
		data.Lists = sortedKeys(c.lists)
		data.TagIDs = sortedKeys(c.tags)
	}
	return &data, nil
}

func (d *Driver) DeleteContact(ctx context.Context, email string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	email = emailaddr.Normalize(email)
	if err := d.record("DeleteContact", email, ""); err != nil {
		return false, err
	}
	if _, ok := d.contacts[email]; !ok {
		return false, errs.E(errs.NotFound, "memory.DeleteContact", "contact %s not found", email)
	}
	delete(d.contacts, email)
	return true, nil
}

func (d *Driver) GetContactLists(ctx context.Context, email string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	email = emailaddr.Normalize(email)
	if err := d.record("GetContactLists", email, ""); err != nil {
		return []string{}
	}
	c, ok := d.contacts[email]
	if !ok {
		return []string{}
	}
	return sortedKeys(c.lists)
}

func (d *Driver) UpdateContactLists(ctx context.Context, email string, add, remove []string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	email = emailaddr.Normalize(email)
	if err := d.record("UpdateContactLists", email, "", append(append([]string{}, add...), remove...)...); err != nil {
		return false, err
	}
	c, ok := d.contacts[email]
	if !ok {
		return false, errs.E(errs.NotFound, "memory.UpdateContactLists", "contact %s not found", email)
	}

	changed := false
	for _, id := range add {
		if _, ok := d.lists[id]; !ok {
			return changed, errs.E(errs.NotFound, "memory.UpdateContactLists", "list %s not found", id)
		}
		if !c.lists[id] {
			c.lists[id] = true
			changed = true
		}
	}
	for _, id := range remove {
		if c.lists[id] {
			delete(c.lists, id)
			changed = true
		}
	}
	return changed, nil
}

func (d *Driver) GetSendLists(ctx context.Context, filter provider.SendListFilter) ([]*provider.SendList, error) {
	d.mu.Lock()
	if err := d.record("GetSendLists", "", ""); err != nil {
		d.mu.Unlock()
		return nil, err
	}

	var cfgs []provider.SendList
	for _, id := range d.order {
		l := d.lists[id]
		cfgs = append(cfgs, provider.SendList{
			Provider:   d.slug,
			Type:       provider.SendListTypeList,
			EntityType: "list",
			ID:         l.ID,
			Name:       l.Name,
			Count:      provider.Count(d.memberCount(id)),
		})
		for _, tag := range sortedTags(d.tags[id]) {
			cfgs = append(cfgs, provider.SendList{
				Provider:   d.slug,
				Type:       provider.SendListTypeSublist,
				EntityType: "tag",
				ID:         tag.ID,
				ParentID:   l.ID,
				Name:       tag.Name,
				Count:      provider.Count(d.tagCount(tag.ID)),
			})
		}
		for _, seg := range d.metadata[id].Segments {
			cfgs = append(cfgs, provider.SendList{
				Provider:   d.slug,
				Type:       provider.SendListTypeSublist,
				EntityType: "segment",
				ID:         seg.ID,
				ParentID:   l.ID,
				Name:       seg.Name,
				Count:      provider.Count(seg.MemberCount),
			})
		}
	}
	d.mu.Unlock()

	lists := make([]*provider.SendList, 0, len(cfgs))
	for _, cfg := range cfgs {
		sl, err := provider.NewSendList(cfg)
		if err != nil {
			return nil, err
		}
		lists = append(lists, sl)
	}
	return provider.FilterSendLists(lists, filter), nil
}

func (d *Driver) tagCount(tagID string) int {
	n := 0
	for _, c := range d.contacts {
		if c.tags[tagID] {
			n++
		}
	}
	return n
}

func (d *Driver) resolveList(listID string) string {
	if listID != "" {
		return listID
	}
	if d.defaultListID != "" {
		return d.defaultListID
	}
	if len(d.order) > 0 {
		return d.order[0]
	}
	return ""
}

func (d *Driver) GetTagID(ctx context.Context, name string, create bool, listID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	listID = d.resolveList(listID)
	if err := d.record("GetTagID", "", listID, name); err != nil {
		return "", err
	}
	if _, ok := d.lists[listID]; !ok {
		return "", errs.E(errs.NotFound, "memory.GetTagID", "list %q not found", listID)
	}
	for _, tag := range d.tags[listID] {
		if strings.EqualFold(tag.Name, name) {
			return tag.ID, nil
		}
	}
	if !create {
		return "", errs.E(errs.NotFound, "memory.GetTagID", "tag %q not found", name)
	}
	return d.createTag(listID, name).ID, nil
}

func (d *Driver) createTag(listID, name string) *provider.Tag {
	tag := &provider.Tag{ID: d.nextID(), Name: name, ListID: listID}
	if d.tags[listID] == nil {
		d.tags[listID] = make(map[string]*provider.Tag)
	}
	d.tags[listID][tag.ID] = tag
	return tag
}

func (d *Driver) GetTag(ctx context.Context, tagID, listID string) (*provider.Tag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	listID = d.resolveList(listID)
	if err := d.record("GetTag", "", listID, tagID); err != nil {
		return nil, err
	}
	tag, ok := d.tags[listID][tagID]
	if !ok {
		return nil, errs.E(errs.NotFound, "memory.GetTag", "tag %s not found", tagID)
	}
	t := *tag
	return &t, nil
}

func (d *Driver) CreateTag(ctx context.Context, name, listID string) (*provider.Tag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	listID = d.resolveList(listID)
	if err := d.record("CreateTag", "", listID, name); err != nil {
		return nil, err
	}
	if _, ok := d.lists[listID]; !ok {
		return nil, errs.E(errs.NotFound, "memory.CreateTag", "list %q not found", listID)
	}
	t := *d.createTag(listID, name)
	return &t, nil
}

func (d *Driver) UpdateTag(ctx context.Context, tagID, name, listID string) (*provider.Tag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	listID = d.resolveList(listID)
	if err := d.record("UpdateTag", "", listID, tagID, name); err != nil {
		return nil, err
	}
	tag, ok := d.tags[listID][tagID]
	if !ok {
		return nil, errs.E(errs.NotFound, "memory.UpdateTag", "tag %s not found", tagID)
	}
	tag.Name = name
	t := *tag
	return &t, nil
}

// RenameTag changes a tag name out of band, as an ESP admin would
func (d *Driver) RenameTag(listID, tagID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tag, ok := d.tags[listID][tagID]; ok {
		tag.Name = name
	}
}

// DeleteTag removes a tag out of band
func (d *Driver) DeleteTag(listID, tagID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tags[listID], tagID)
	for _, c := range d.contacts {
		delete(c.tags, tagID)
	}
}

func (d *Driver) AddTagToContact(ctx context.Context, email, tagID, listID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	email = emailaddr.Normalize(email)
	listID = d.resolveList(listID)
	if err := d.record("AddTagToContact", email, listID, tagID); err != nil {
		return err
	}
	c, ok := d.contacts[email]
	if !ok {
		return errs.E(errs.NotFound, "memory.AddTagToContact", "contact %s not found", email)
	}
	if _, ok := d.tags[listID][tagID]; !ok {
		return errs.E(errs.NotFound, "memory.AddTagToContact", "tag %s not found", tagID)
	}
	c.tags[tagID] = true
	return nil
}

func (d *Driver) RemoveTagFromContact(ctx context.Context, email, tagID, listID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	email = emailaddr.Normalize(email)
	listID = d.resolveList(listID)
	if err := d.record("RemoveTagFromContact", email, listID, tagID); err != nil {
		return err
	}
	c, ok := d.contacts[email]
	if !ok {
		return errs.E(errs.NotFound, "memory.RemoveTagFromContact", "contact %s not found", email)
	}
	delete(c.tags, tagID)
	return nil
}

func (d *Driver) GetContactTagIDs(ctx context.Context, email, listID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	email = emailaddr.Normalize(email)
	listID = d.resolveList(listID)
	if err := d.record("GetContactTagIDs", email, listID); err != nil {
		return nil, err
	}
	c, ok := d.contacts[email]
	if !ok {
		return nil, errs.E(errs.NotFound, "memory.GetContactTagIDs", "contact %s not found", email)
	}

	var ids []string
	for id := range c.tags {
		if _, ok := d.tags[listID][id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Driver) metadataFor(op, listID string) (provider.Metadata, error) {
	if err := d.record(op, "", listID); err != nil {
		return provider.Metadata{}, err
	}
	if _, ok := d.lists[listID]; !ok {
		return provider.Metadata{}, errs.E(errs.NotFound, "memory."+op, "list %s not found", listID)
	}
	return d.metadata[listID], nil
}

func (d *Driver) GetSegments(ctx context.Context, listID string) ([]provider.Segment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	md, err := d.metadataFor("GetSegments", listID)
	if err != nil {
		return nil, err
	}
	return append([]provider.Segment{}, md.Segments...), nil
}

func (d *Driver) GetInterestCategories(ctx context.Context, listID string) ([]provider.InterestCategory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	md, err := d.metadataFor("GetInterestCategories", listID)
	if err != nil {
		return nil, err
	}

	out := make([]provider.InterestCategory, 0, len(md.InterestCategories))
	for _, cat := range md.InterestCategories {
		cat.Interests = nil
		out = append(out, cat)
	}
	return out, nil
}

func (d *Driver) GetInterests(ctx context.Context, listID, categoryID string) ([]provider.Interest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	md, err := d.metadataFor("GetInterests", listID)
	if err != nil {
		return nil, err
	}
	for _, cat := range md.InterestCategories {
		if cat.ID == categoryID {
			return append([]provider.Interest{}, cat.Interests...), nil
		}
	}
	return nil, errs.E(errs.NotFound, "memory.GetInterests", "interest category %s not found", categoryID)
}

func (d *Driver) GetFolders(ctx context.Context) ([]provider.Folder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("GetFolders", "", ""); err != nil {
		return nil, err
	}
	return append([]provider.Folder{}, d.folders...), nil
}

func (d *Driver) GetMergeFields(ctx context.Context, listID string) ([]provider.MergeField, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	md, err := d.metadataFor("GetMergeFields", listID)
	if err != nil {
		return nil, err
	}
	return append([]provider.MergeField{}, md.MergeFields...), nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedTags(m map[string]*provider.Tag) []*provider.Tag {
	out := make([]*provider.Tag, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a < b
	})
	return out
}
