package mailchimp

// Marketing API v3 request and response shapes

type listStats struct {
	MemberCount int `json:"member_count"`
}

type audience struct {
	ID    string    `json:"id"`
	WebID int       `json:"web_id"`
	Name  string    `json:"name"`
	Stats listStats `json:"stats"`
}

type listsResponse struct {
	Lists      []audience `json:"lists"`
	TotalItems int        `json:"total_items"`
}

type memberTag struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type member struct {
	ID           string          `json:"id"`
	EmailAddress string          `json:"email_address"`
	Status       string          `json:"status"`
	ListID       string          `json:"list_id"`
	FullName     string          `json:"full_name,omitempty"`
	MergeFields  map[string]any  `json:"merge_fields,omitempty"`
	Interests    map[string]bool `json:"interests,omitempty"`
	Tags         []memberTag     `json:"tags,omitempty"`
}

type memberRequest struct {
	EmailAddress string          `json:"email_address"`
	StatusIfNew  string          `json:"status_if_new,omitempty"`
	Status       string          `json:"status,omitempty"`
	MergeFields  map[string]any  `json:"merge_fields,omitempty"`
	Interests    map[string]bool `json:"interests,omitempty"`
}

type searchResponse struct {
	ExactMatches struct {
		Members    []member `json:"members"`
		TotalItems int      `json:"total_items"`
	} `json:"exact_matches"`
}

type segment struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	MemberCount int    `json:"member_count"`
	ListID      string `json:"list_id"`
}

type segmentsResponse struct {
	Segments   []segment `json:"segments"`
	TotalItems int       `json:"total_items"`
}

type segmentRequest struct {
	Name          string   `json:"name"`
	StaticSegment []string `json:"static_segment"`
}

type segmentRename struct {
	Name string `json:"name"`
}

type emailRequest struct {
	EmailAddress string `json:"email_address"`
}

type memberTagsResponse struct {
	Tags []memberTag `json:"tags"`
}

type interestCategory struct {
	ID     string `json:"id"`
	ListID string `json:"list_id"`
	Title  string `json:"title"`
	Type   string `json:"type"`
}

type categoriesResponse struct {
	Categories []interestCategory `json:"categories"`
}

type interest struct {
	ID              string `json:"id"`
	CategoryID      string `json:"category_id"`
	Name            string `json:"name"`
	SubscriberCount string `json:"subscriber_count"`
}

type interestsResponse struct {
	Interests []interest `json:"interests"`
}

type folder struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type foldersResponse struct {
	Folders []folder `json:"folders"`
}

type mergeField struct {
	MergeID  int    `json:"merge_id"`
	Tag      string `json:"tag"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

type mergeFieldsResponse struct {
	MergeFields []mergeField `json:"merge_fields"`
}
