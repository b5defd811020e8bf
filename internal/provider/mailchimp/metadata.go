package mailchimp

import (
	"context"
	"net/url"
	"strconv"

	"github.com/foxzi/listsync/internal/provider"
)

func (d *Driver) GetSegments(ctx context.Context, listID string) ([]provider.Segment, error) {
	var resp segmentsResponse
	if err := d.client.get(ctx, "GetSegments", segmentsPath(listID), url.Values{"count": {pageSize}}, &resp); err != nil {
		return nil, err
	}

	segments := make([]provider.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, provider.Segment{
			ID:          strconv.Itoa(s.ID),
			Name:        s.Name,
			Type:        s.Type,
			MemberCount: s.MemberCount,
		})
	}
	return segments, nil
}

// GetInterestCategories returns the group categories of an audience
// without their interests
func (d *Driver) GetInterestCategories(ctx context.Context, listID string) ([]provider.InterestCategory, error) {
	var resp categoriesResponse
	path := "/lists/" + url.PathEscape(listID) + "/interest-categories"
	if err := d.client.get(ctx, "GetInterestCategories", path, url.Values{"count": {pageSize}}, &resp); err != nil {
		return nil, err
	}

	categories := make([]provider.InterestCategory, 0, len(resp.Categories))
	for _, c := range resp.Categories {
		categories = append(categories, provider.InterestCategory{ID: c.ID, Title: c.Title, Type: c.Type})
	}
	return categories, nil
}

func (d *Driver) GetInterests(ctx context.Context, listID, categoryID string) ([]provider.Interest, error) {
	var resp interestsResponse
	path := "/lists/" + url.PathEscape(listID) + "/interest-categories/" + url.PathEscape(categoryID) + "/interests"
	if err := d.client.get(ctx, "GetInterests", path, url.Values{"count": {pageSize}}, &resp); err != nil {
		return nil, err
	}

	interests := make([]provider.Interest, 0, len(resp.Interests))
	for _, in := range resp.Interests {
		// subscriber_count is sent as a string
		count, _ := strconv.Atoi(in.SubscriberCount)
		interests = append(interests, provider.Interest{
			ID:              in.ID,
			CategoryID:      in.CategoryID,
			Name:            in.Name,
			SubscriberCount: count,
		})
	}
	return interests, nil
}

func (d *Driver) GetFolders(ctx context.Context) ([]provider.Folder, error) {
	var resp foldersResponse
	if err := d.client.get(ctx, "GetFolders", "/campaign-folders", url.Values{"count": {pageSize}}, &resp); err != nil {
		return nil, err
	}

	folders := make([]provider.Folder, 0, len(resp.Folders))
	for _, f := range resp.Folders {
		folders = append(folders, provider.Folder{ID: f.ID, Name: f.Name, Count: f.Count})
	}
	return folders, nil
}

func (d *Driver) GetMergeFields(ctx context.Context, listID string) ([]provider.MergeField, error) {
	var resp mergeFieldsResponse
	path := "/lists/" + url.PathEscape(listID) + "/merge-fields"
	if err := d.client.get(ctx, "GetMergeFields", path, url.Values{"count": {pageSize}}, &resp); err != nil {
		return nil, err
	}

	fields := make([]provider.MergeField, 0, len(resp.MergeFields))
	for _, f := range resp.MergeFields {
		fields = append(fields, provider.MergeField{
			ID:       strconv.Itoa(f.MergeID),
			Tag:      f.Tag,
			Name:     f.Name,
			Type:     f.Type,
			Required: f.Required,
		})
	}
	return fields, nil
}
