package provider

import (
	"strings"

	"github.com/foxzi/listsync/internal/errs"
)

// RefKind is the kind of provider entity a subscription targets
type RefKind int

const (
	RefList RefKind = iota
	RefTag
	RefGroup
)

func (k RefKind) String() string {
	switch k {
	case RefTag:
		return "tag"
	case RefGroup:
		return "group"
	default:
		return "list"
	}
}

// ListRef identifies a list, or a tag or group inside a list
type ListRef struct {
	Kind      RefKind
	ListID    string
	SublistID string
}

// ListOf references a whole list
func ListOf(listID string) ListRef {
	return ListRef{Kind: RefList, ListID: listID}
}

// TagOf references a tag inside a list
func TagOf(tagID, listID string) ListRef {
	return ListRef{Kind: RefTag, ListID: listID, SublistID: tagID}
}

// GroupOf references an interest group inside a list
func GroupOf(interestID, listID string) ListRef {
	return ListRef{Kind: RefGroup, ListID: listID, SublistID: interestID}
}

// FormID encodes the reference for forms and API payloads:
// "<list>", "tag-<tag>-<list>" or "group-<interest>-<list>"
func (r ListRef) FormID() string {
	switch r.Kind {
	case RefTag, RefGroup:
		return r.Kind.String() + "-" + r.SublistID + "-" + r.ListID
	default:
		return r.ListID
	}
}

// ParseFormID decodes a FormID. Anything without a tag or group prefix is
// a plain list ID.
func ParseFormID(s string) (ListRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ListRef{}, errs.E(errs.InvalidInput, "provider.ParseFormID", "empty list id")
	}

	prefix, rest, found := strings.Cut(s, "-")
	if !found || (prefix != "tag" && prefix != "group") {
		return ListOf(s), nil
	}

	i := strings.LastIndex(rest, "-")
	if i <= 0 || i == len(rest)-1 {
		return ListRef{}, errs.E(errs.InvalidInput, "provider.ParseFormID", "malformed list id %q", s)
	}

	sub, list := rest[:i], rest[i+1:]
	if prefix == "tag" {
		return TagOf(sub, list), nil
	}
	return GroupOf(sub, list), nil
}
