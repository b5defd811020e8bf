// Package provider defines the capability-typed interface every Email
// Service Provider driver implements.
//
// The base Driver covers lists and contacts. Tag support, combined
// add-with-groups and per-list metadata are optional capabilities: callers
// check for them with type assertions instead of branching on the provider
// slug, so adding a provider never requires changing caller code.
package provider

import (
	"context"
	"time"
)

// OriginKey is the contact metadata key stamped with the signup origin
const OriginKey = "origin"

// Contact is a contact as sent to a provider
type Contact struct {
	Email    string            `json:"email"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// List is a provider-native list
type List struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ContactResult is returned after a contact write
type ContactResult struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	ListID  string `json:"list_id,omitempty"`
	Created bool   `json:"created"`
}

// ContactData is a contact as stored by a provider
type ContactData struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Name     string            `json:"name,omitempty"`
	Status   string            `json:"status,omitempty"`
	Lists    []string          `json:"lists,omitempty"`
	TagIDs   []string          `json:"tag_ids,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Tag is a provider-side tag
type Tag struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	ListID string `json:"list_id,omitempty"`
}

// Driver is the capability set every provider implements.
// Network and auth failures are returned as *errs.Error values; a missing
// contact is reported with kind errs.NotFound.
type Driver interface {
	Slug() string
	Name() string

	GetLists(ctx context.Context) ([]List, error)

	// AddContact upserts a contact. An empty listID upserts the contact
	// without subscribing it to any list.
	AddContact(ctx context.Context, contact Contact, listID string) (*ContactResult, error)

	GetContactData(ctx context.Context, email string, details bool) (*ContactData, error)
	DeleteContact(ctx context.Context, email string) (bool, error)

	// GetContactLists returns the lists the contact is subscribed to.
	// It never fails; any error yields an empty result.
	GetContactLists(ctx context.Context, email string) []string

	UpdateContactLists(ctx context.Context, email string, add, remove []string) (bool, error)

	GetSendLists(ctx context.Context, filter SendListFilter) ([]*SendList, error)
}

// TagManager is implemented by drivers that support tags. Drivers without
// it cannot host tag-backed local lists.
type TagManager interface {
	// GetTagID returns the ID of the tag with the given name, creating it
	// when create is true and it does not exist
	GetTagID(ctx context.Context, name string, create bool, listID string) (string, error)
	GetTag(ctx context.Context, tagID, listID string) (*Tag, error)
	CreateTag(ctx context.Context, name, listID string) (*Tag, error)
	UpdateTag(ctx context.Context, tagID, name, listID string) (*Tag, error)
	AddTagToContact(ctx context.Context, email, tagID, listID string) error
	RemoveTagFromContact(ctx context.Context, email, tagID, listID string) error
	GetContactTagIDs(ctx context.Context, email, listID string) ([]string, error)
}

// GroupedContactAdder adds a contact to several lists, tags and groups in
// one call
type GroupedContactAdder interface {
	AddContactWithGroups(ctx context.Context, contact Contact, refs []ListRef) (*ContactResult, error)
}

// DefaultLister names the list that hosts tags for local lists
type DefaultLister interface {
	DefaultListID() string
}

// Segment is a saved or static segment of a list
type Segment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	MemberCount int    `json:"member_count"`
}

// InterestCategory groups interests ("groups") of a list
type InterestCategory struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Type      string     `json:"type"`
	Interests []Interest `json:"interests,omitempty"`
}

// Interest is a single group within a category
type Interest struct {
	ID              string `json:"id"`
	CategoryID      string `json:"category_id"`
	Name            string `json:"name"`
	SubscriberCount int    `json:"subscriber_count"`
}

// Folder is a campaign folder
type Folder struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// MergeField is a custom contact field of a list
type MergeField struct {
	ID       string `json:"id"`
	Tag      string `json:"tag"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Metadata is the expensive per-list information kept by the metadata cache
type Metadata struct {
	ListID             string             `json:"list_id"`
	Segments           []Segment          `json:"segments"`
	InterestCategories []InterestCategory `json:"interest_categories"`
	Folders            []Folder           `json:"folders"`
	MergeFields        []MergeField       `json:"merge_fields"`
	FetchedAt          time.Time          `json:"fetched_at"`
}

// MetadataFetcher is implemented by drivers exposing per-list metadata
type MetadataFetcher interface {
	GetSegments(ctx context.Context, listID string) ([]Segment, error)
	GetInterestCategories(ctx context.Context, listID string) ([]InterestCategory, error)
	GetInterests(ctx context.Context, listID, categoryID string) ([]Interest, error)
	GetFolders(ctx context.Context) ([]Folder, error)
	GetMergeFields(ctx context.Context, listID string) ([]MergeField, error)
}

// MetadataSource serves per-list metadata, usually from a cache
type MetadataSource interface {
	ListMetadata(ctx context.Context, listID string) (*Metadata, error)
}

// MetadataConsumer is implemented by drivers that read metadata through a
// MetadataSource instead of calling the API directly
type MetadataConsumer interface {
	SetMetadataSource(src MetadataSource)
}
