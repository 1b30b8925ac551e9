package jira

// =============================================================================
// JIRA API RESPONSE TYPES
// =============================================================================

// User is a Jira account as embedded in issues, comments and changelogs.
// Server/DC instances fill Name; Cloud fills AccountID.
type User struct {
	AccountID    string `json:"accountId,omitempty"`
	Name         string `json:"name,omitempty"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// Login is the most stable identifier available for the user.
func (u *User) Login() string {
	if u == nil {
		return ""
	}
	for _, s := range []string{u.Name, u.EmailAddress, u.AccountID, u.DisplayName} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Issue is one search hit. Fields stays raw so the mapper sees every
// requested field, including custom ones.
type Issue struct {
	ID     string         `json:"id"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

// searchResponse is the enhanced JQL search page (/rest/api/3/search/jql).
type searchResponse struct {
	Issues        []Issue `json:"issues"`
	NextPageToken string  `json:"nextPageToken"`
	IsLast        bool    `json:"isLast"`
}

// Comment is one issue comment. Body is plain text on API v2.
type Comment struct {
	ID      string `json:"id"`
	Author  *User  `json:"author,omitempty"`
	Body    any    `json:"body,omitempty"`
	Created string `json:"created,omitempty"`
	Updated string `json:"updated,omitempty"`
}

type commentsResponse struct {
	StartAt    int       `json:"startAt"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
	Comments   []Comment `json:"comments"`
}

// History is one changelog entry.
type History struct {
	ID      string        `json:"id"`
	Author  *User         `json:"author,omitempty"`
	Created string        `json:"created"`
	Items   []HistoryItem `json:"items"`
}

// HistoryItem is one field edit within a changelog entry.
type HistoryItem struct {
	Field      string `json:"field"`
	FromString string `json:"fromString"`
	ToString   string `json:"toString"`
}

type changelogResponse struct {
	StartAt    int       `json:"startAt"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
	IsLast     bool      `json:"isLast"`
	Values     []History `json:"values"`
}

// errorResponse is Jira's error body.
type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}
