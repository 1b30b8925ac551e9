package jira

import (
	"context"
	"fmt"
	nethttp "net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/nucleus/tracker-core/internal/connector/http"
	"github.com/nucleus/tracker-core/internal/tracker"
)

// =============================================================================
// JIRA CONNECTOR
// Jira REST: enhanced JQL search for issues, API v2 for comments and
// changelogs (plain text bodies).
// =============================================================================

// Dialect is the registered dialect identifier.
const Dialect = "jira-rest"

const (
	// DefaultPageSize is the search and comment page size.
	DefaultPageSize = 50
	// MaxPageSize is the Jira API hard limit for full issue pages.
	MaxPageSize = 100
	// MaxIDsPerRequest keeps the key list of a JQL query short.
	MaxIDsPerRequest = 100
)

var _ tracker.Backend = (*Jira)(nil)

// Jira talks to one Jira site.
type Jira struct {
	name       string
	searchPath string
	client     *http.Client
	tokens     http.CursorPaginator
	pager      http.OffsetPaginator
}

// Option adjusts connector construction.
type Option func(*http.ClientConfig)

// WithTransport injects an HTTP transport (for tests/stubs).
func WithTransport(rt nethttp.RoundTripper) Option {
	return func(cfg *http.ClientConfig) { cfg.Transport = rt }
}

// New creates a Jira connector for the descriptor.
func New(desc *tracker.Descriptor, creds tracker.Credentials, opts ...Option) (*Jira, error) {
	if desc.Endpoint == "" {
		return nil, &tracker.ValidationError{Service: desc.Name, Field: "endpoint", Message: "required"}
	}

	// email and API token (Cloud) go as basic auth, a lone token is a
	// personal access token (Server/DC)
	cfg := http.ConfigFor(desc, http.AuthFor(creds, ""))
	cfg.Headers["Accept"] = "application/json"
	for _, opt := range opts {
		opt(cfg)
	}

	return &Jira{
		name:       desc.Name,
		searchPath: desc.Option("search_path", "/rest/api/3/search/jql"),
		client:     http.NewClient(cfg),
		tokens:     http.CursorPaginator{CursorKey: "nextPageToken", LimitKey: "maxResults"},
		pager:      http.NewOffsetPaginator("startAt", "maxResults"),
	}, nil
}

// Capabilities returns what Jira REST supports.
func (j *Jira) Capabilities() tracker.Capabilities {
	fields := make([]string, 0, len(fieldNames))
	for name := range fieldNames {
		fields = append(fields, name)
	}
	slices.Sort(fields)
	sorts := make([]string, 0, len(sortNames))
	for name := range sortNames {
		sorts = append(sorts, name)
	}
	slices.Sort(sorts)

	return tracker.Capabilities{
		Comments:                true,
		Changes:                 true,
		MaxIDsPerRequest:        MaxIDsPerRequest,
		DefaultPageSize:         DefaultPageSize,
		MaxPageSize:             MaxPageSize,
		ServerSideCreatedFilter: true,
		ServerSideStatusFilter:  true,
		Fields:                  fields,
		FieldAliases:            map[string]string{"owner": "assignee", "title": "summary", "reporter": "creator", "key": "id"},
		DefaultFields:           []string{"id", "status", "creator", "created", "summary", "assignee"},
		SortFields:              sorts,
	}
}

// Close releases idle connections.
func (j *Jira) Close() error {
	j.client.CloseIdle()
	return nil
}

// FetchPage issues one request for the page described by req.
func (j *Jira) FetchPage(ctx context.Context, req *tracker.PageRequest) (*tracker.Page, error) {
	switch req.Kind {
	case tracker.KindBug:
		return j.searchPage(ctx, req)
	case tracker.KindComment:
		return j.commentsPage(ctx, req)
	case tracker.KindChange:
		return j.changelogPage(ctx, req)
	}
	return nil, &tracker.TransportError{Service: j.name, Op: "fetch", Err: fmt.Errorf("unsupported kind %s", req.Kind)}
}

func (j *Jira) searchPage(ctx context.Context, req *tracker.PageRequest) (*tracker.Page, error) {
	where, _ := req.Params[paramJQL].(string)
	if len(req.IDs) > 0 {
		where = andJQL("key in ("+quoteList(req.IDs)+")", where)
	}
	order, _ := req.Params[paramOrder].(string)
	query := url.Values{}
	query.Set("jql", strings.TrimSpace(where+" ORDER BY "+order))
	if fields, _ := req.Params[paramFields].(string); fields != "" {
		query.Set("fields", fields)
	}
	j.tokens.Apply(query, req.Cursor, req.PageSize)

	var body searchResponse
	if err := j.get(ctx, "search", j.searchPath, query, &body); err != nil {
		return nil, err
	}

	records := make([]tracker.Record, len(body.Issues))
	for i, issue := range body.Issues {
		rec := tracker.Record{}
		for k, v := range issue.Fields {
			rec[k] = v
		}
		rec["key"] = issue.Key
		rec["jira_id"] = issue.ID
		records[i] = rec
	}
	return &tracker.Page{
		Records: records,
		Next:    j.tokens.Next(body.NextPageToken, body.IsLast || len(records) == 0),
	}, nil
}

// commentsPage walks the batch one issue at a time. The cursor is
// "<issue index>/<startAt>".
func (j *Jira) commentsPage(ctx context.Context, req *tracker.PageRequest) (*tracker.Page, error) {
	issue, start, err := parseCursor(req.Cursor, len(req.IDs))
	if err != nil {
		return nil, j.cursorError("comments", err)
	}
	if issue < 0 {
		return &tracker.Page{}, nil
	}
	key := req.IDs[issue]

	query := url.Values{}
	query.Set("orderBy", "created")
	if err := j.pager.Apply(query, start, req.PageSize); err != nil {
		return nil, j.cursorError("comments", err)
	}

	var body commentsResponse
	path := fmt.Sprintf("/rest/api/2/issue/%s/comment", url.PathEscape(key))
	if err := j.get(ctx, "comments", path, query, &body); err != nil {
		return nil, err
	}

	offset, _ := j.pager.Offset(start)
	records := make([]tracker.Record, len(body.Comments))
	for i, c := range body.Comments {
		records[i] = tracker.Record{
			"id":      c.ID,
			"bug_id":  key,
			"count":   offset + i,
			"author":  c.Author.Login(),
			"created": c.Created,
			"body":    c.Body,
		}
	}
	next := j.pager.Next(start, len(records), req.PageSize, body.Total)
	return &tracker.Page{Records: records, Next: advance(issue, next, len(req.IDs))}, nil
}

// changelogPage walks the batch like commentsPage; the sequence number of
// an entry is its position in the issue's changelog.
func (j *Jira) changelogPage(ctx context.Context, req *tracker.PageRequest) (*tracker.Page, error) {
	issue, start, err := parseCursor(req.Cursor, len(req.IDs))
	if err != nil {
		return nil, j.cursorError("changelog", err)
	}
	if issue < 0 {
		return &tracker.Page{}, nil
	}
	key := req.IDs[issue]

	query := url.Values{}
	if err := j.pager.Apply(query, start, req.PageSize); err != nil {
		return nil, j.cursorError("changelog", err)
	}

	var body changelogResponse
	path := fmt.Sprintf("/rest/api/2/issue/%s/changelog", url.PathEscape(key))
	if err := j.get(ctx, "changelog", path, query, &body); err != nil {
		return nil, err
	}

	offset, _ := j.pager.Offset(start)
	records := make([]tracker.Record, len(body.Values))
	for i, h := range body.Values {
		changes := make([]tracker.FieldChange, len(h.Items))
		for k, item := range h.Items {
			changes[k] = tracker.FieldChange{Field: item.Field, Removed: item.FromString, Added: item.ToString}
		}
		records[i] = tracker.Record{
			"id":      h.ID,
			"bug_id":  key,
			"seq":     offset + i,
			"author":  h.Author.Login(),
			"created": h.Created,
			"changes": changes,
		}
	}
	total := body.Total
	if body.IsLast {
		total = offset + len(records)
	}
	next := j.pager.Next(start, len(records), req.PageSize, total)
	return &tracker.Page{Records: records, Next: advance(issue, next, len(req.IDs))}, nil
}

// parseCursor splits a per-issue cursor. An index of -1 means the batch is
// empty.
func parseCursor(cursor string, n int) (int, string, error) {
	if n == 0 {
		return -1, "", nil
	}
	if cursor == "" {
		return 0, "", nil
	}
	idx, start, ok := strings.Cut(cursor, "/")
	i, err := strconv.Atoi(idx)
	if !ok || err != nil || i < 0 || i >= n {
		return 0, "", fmt.Errorf("invalid cursor %q", cursor)
	}
	return i, start, nil
}

// advance moves to the next issue once the current one is exhausted.
func advance(issue int, next string, n int) string {
	if next != "" {
		return strconv.Itoa(issue) + "/" + next
	}
	if issue+1 < n {
		return strconv.Itoa(issue+1) + "/"
	}
	return ""
}

func (j *Jira) cursorError(op string, err error) error {
	return &tracker.TransportError{Service: j.name, Op: op, Err: err}
}

// get performs a GET and decodes the JSON body into target.
func (j *Jira) get(ctx context.Context, op, path string, query url.Values, target any) error {
	resp, err := j.client.Get(ctx, path, query)
	if err != nil {
		if resp != nil {
			var apiErr errorResponse
			if resp.JSON(&apiErr) == nil {
				if msg := apiErr.message(); msg != "" {
					err = fmt.Errorf("jira error: %s: %w", msg, err)
				}
			}
		}
		return http.TransportError(j.name, op, err)
	}

	if err := resp.JSON(target); err != nil {
		return http.DecodeError(j.name, op, err)
	}
	return nil
}

func (e errorResponse) message() string {
	msgs := slices.Clone(e.ErrorMessages)
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		msgs = append(msgs, k+": "+e.Errors[k])
	}
	return strings.Join(msgs, "; ")
}
