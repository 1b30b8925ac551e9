package bugzilla

import "encoding/json"

// searchResponse is the body of GET /rest/bug.
type searchResponse struct {
	Bugs []map[string]any `json:"bugs"`
}

// commentsResponse is the body of GET /rest/bug/{id}/comment.
type commentsResponse struct {
	Bugs map[string]struct {
		Comments []map[string]any `json:"comments"`
	} `json:"bugs"`
}

// historyResponse is the body of GET /rest/bug/{id}/history.
type historyResponse struct {
	Bugs []struct {
		ID      json.Number `json:"id"`
		History []struct {
			When    string `json:"when"`
			Who     string `json:"who"`
			Changes []struct {
				FieldName string `json:"field_name"`
				Removed   string `json:"removed"`
				Added     string `json:"added"`
			} `json:"changes"`
		} `json:"history"`
	} `json:"bugs"`
}

// errorResponse is returned with 4xx/5xx statuses.
type errorResponse struct {
	Error   bool   `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
