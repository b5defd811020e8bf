package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/foxzi/listsync/internal/errs"
)

const (
	SendListTypeList    = "list"
	SendListTypeSublist = "sublist"
)

// SendList is a provider-native entity usable as a campaign destination.
// Build it with NewSendList; Label and Value are derived.
type SendList struct {
	Provider   string `json:"provider" validate:"required"`
	Type       string `json:"type" validate:"required,oneof=list sublist"`
	EntityType string `json:"entity_type" validate:"required"`
	ID         string `json:"id" validate:"required"`
	ParentID   string `json:"parent_id,omitempty" validate:"required_if=Type sublist"`
	Name       string `json:"name" validate:"required"`
	Count      *int   `json:"count,omitempty" validate:"omitempty,min=0"`
	EditLink   string `json:"edit_link,omitempty" validate:"omitempty,url"`

	Label string `json:"label"`
	Value string `json:"value"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewSendList validates cfg and computes the derived fields
func NewSendList(cfg SendList) (*SendList, error) {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, errs.E(errs.InvalidInput, "provider.NewSendList",
				"invalid send list: field %s failed %q validation (value %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return nil, errs.Wrap(errs.InvalidInput, "provider.NewSendList", err)
	}

	sl := cfg
	sl.Label = sendListLabel(sl.EntityType, sl.Name, sl.Count)
	sl.Value = sl.ID
	return &sl, nil
}

// Count is a convenience for building SendList counts
func Count(n int) *int {
	return &n
}

func sendListLabel(entityType, name string, count *int) string {
	label := fmt.Sprintf("[%s] %s", strings.ToUpper(entityType), name)
	if count != nil {
		label += fmt.Sprintf(" (%d)", *count)
	}
	return label
}

// SendListFilter narrows GetSendLists results
type SendListFilter struct {
	IDs      []string
	Search   []string
	Type     string
	ParentID string
	Limit    int
}

// FilterSendLists applies filter to lists, preserving order
func FilterSendLists(lists []*SendList, filter SendListFilter) []*SendList {
	var ids map[string]bool
	if len(filter.IDs) > 0 {
		ids = make(map[string]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = true
		}
	}

	var terms []string
	for _, s := range filter.Search {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			terms = append(terms, s)
		}
	}

	out := make([]*SendList, 0, len(lists))
	for _, sl := range lists {
		if ids != nil && !ids[sl.ID] {
			continue
		}
		if filter.Type != "" && sl.Type != filter.Type {
			continue
		}
		if filter.ParentID != "" && sl.ParentID != filter.ParentID {
			continue
		}
		if len(terms) > 0 && !matchesSearch(sl, terms) {
			continue
		}

		out = append(out, sl)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func matchesSearch(sl *SendList, terms []string) bool {
	haystack := []string{
		strings.ToLower(sl.Name),
		strings.ToLower(sl.ID),
		strings.ToLower(sl.EntityType),
	}
	for _, term := range terms {
		for _, h := range haystack {
			if strings.Contains(h, term) {
				return true
			}
		}
	}
	return false
}
