package mailchimp

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/provider"
)

// Tags are static segments of an audience. Tag IDs are the segment IDs.

func (d *Driver) tagList(listID string) (string, error) {
	if listID != "" {
		return listID, nil
	}
	if d.defaultListID != "" {
		return d.defaultListID, nil
	}
	return "", errs.E(errs.InvalidInput, "mailchimp.tags", "no audience given and no default audience configured")
}

func segmentsPath(listID string) string {
	return "/lists/" + url.PathEscape(listID) + "/segments"
}

func toTag(s segment, listID string) *provider.Tag {
	return &provider.Tag{ID: strconv.Itoa(s.ID), Name: s.Name, ListID: listID}
}

func (d *Driver) GetTagID(ctx context.Context, name string, create bool, listID string) (string, error) {
	listID, err := d.tagList(listID)
	if err != nil {
		return "", err
	}

	var resp segmentsResponse
	q := url.Values{"type": {"static"}, "count": {pageSize}}
	if err := d.client.get(ctx, "GetTagID", segmentsPath(listID), q, &resp); err != nil {
		return "", err
	}
	for _, s := range resp.Segments {
		if strings.EqualFold(s.Name, name) {
			return strconv.Itoa(s.ID), nil
		}
	}

	if !create {
		return "", errs.E(errs.NotFound, "mailchimp.GetTagID", "tag %q not found", name)
	}
	tag, err := d.CreateTag(ctx, name, listID)
	if err != nil {
		return "", err
	}
	return tag.ID, nil
}

func (d *Driver) GetTag(ctx context.Context, tagID, listID string) (*provider.Tag, error) {
	listID, err := d.tagList(listID)
	if err != nil {
		return nil, err
	}

	var s segment
	if err := d.client.get(ctx, "GetTag", segmentsPath(listID)+"/"+url.PathEscape(tagID), nil, &s); err != nil {
		return nil, err
	}
	return toTag(s, listID), nil
}

func (d *Driver) CreateTag(ctx context.Context, name, listID string) (*provider.Tag, error) {
	listID, err := d.tagList(listID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, errs.E(errs.InvalidInput, "mailchimp.CreateTag", "tag name is required")
	}

	var s segment
	req := segmentRequest{Name: name, StaticSegment: []string{}}
	if err := d.client.post(ctx, "CreateTag", segmentsPath(listID), req, &s); err != nil {
		return nil, err
	}
	return toTag(s, listID), nil
}

func (d *Driver) UpdateTag(ctx context.Context, tagID, name, listID string) (*provider.Tag, error) {
	listID, err := d.tagList(listID)
	if err != nil {
		return nil, err
	}

	var s segment
	path := segmentsPath(listID) + "/" + url.PathEscape(tagID)
	if err := d.client.patch(ctx, "UpdateTag", path, segmentRename{Name: name}, &s); err != nil {
		return nil, err
	}
	return toTag(s, listID), nil
}

func (d *Driver) AddTagToContact(ctx context.Context, email, tagID, listID string) error {
	listID, err := d.tagList(listID)
	if err != nil {
		return err
	}

	path := segmentsPath(listID) + "/" + url.PathEscape(tagID) + "/members"
	return d.client.post(ctx, "AddTagToContact", path, emailRequest{EmailAddress: email}, nil)
}

func (d *Driver) RemoveTagFromContact(ctx context.Context, email, tagID, listID string) error {
	listID, err := d.tagList(listID)
	if err != nil {
		return err
	}

	path := segmentsPath(listID) + "/" + url.PathEscape(tagID) + "/members/" + subscriberHash(email)
	return d.client.delete(ctx, "RemoveTagFromContact", path)
}

func (d *Driver) GetContactTagIDs(ctx context.Context, email, listID string) ([]string, error) {
	listID, err := d.tagList(listID)
	if err != nil {
		return nil, err
	}

	var resp memberTagsResponse
	path := "/lists/" + url.PathEscape(listID) + "/members/" + subscriberHash(email) + "/tags"
	if err := d.client.get(ctx, "GetContactTagIDs", path, url.Values{"count": {pageSize}}, &resp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Tags))
	for _, t := range resp.Tags {
		ids = append(ids, strconv.Itoa(t.ID))
	}
	return ids, nil
}
