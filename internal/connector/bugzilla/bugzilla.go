package bugzilla

import (
	"context"
	"fmt"
	nethttp "net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/nucleus/tracker-core/internal/connector/http"
	"github.com/nucleus/tracker-core/internal/tracker"
)

// =============================================================================
// BUGZILLA CONNECTOR
// Bugzilla 5.x REST API (bugs, comments, history)
// =============================================================================

// Dialect is the registered dialect identifier.
const Dialect = "bugzilla-rest"

const (
	// DefaultPageSize is the search page size.
	DefaultPageSize = 500
	// MaxIDsPerRequest keeps request URLs within common proxy limits.
	MaxIDsPerRequest = 200
)

var _ tracker.Backend = (*Bugzilla)(nil)

// Bugzilla talks to one Bugzilla instance.
type Bugzilla struct {
	name    string
	apiPath string
	client  *http.Client
	pager   http.OffsetPaginator
}

// Option adjusts connector construction.
type Option func(*http.ClientConfig)

// WithTransport injects an HTTP transport (for tests/stubs).
func WithTransport(rt nethttp.RoundTripper) Option {
	return func(cfg *http.ClientConfig) { cfg.Transport = rt }
}

// New creates a Bugzilla connector for the descriptor.
func New(desc *tracker.Descriptor, creds tracker.Credentials, opts ...Option) (*Bugzilla, error) {
	if desc.Endpoint == "" {
		return nil, &tracker.ValidationError{Service: desc.Name, Field: "endpoint", Message: "required"}
	}

	cfg := http.ConfigFor(desc, authFor(creds))
	cfg.Headers["Accept"] = "application/json"
	for _, opt := range opts {
		opt(cfg)
	}

	return &Bugzilla{
		name:    desc.Name,
		apiPath: strings.TrimSuffix(desc.Option("api_path", "/rest"), "/"),
		client:  http.NewClient(cfg),
		pager:   http.NewOffsetPaginator("offset", "limit"),
	}, nil
}

// authFor prefers an API key; a user/password pair is sent with Bugzilla's
// login headers.
func authFor(creds tracker.Credentials) http.AuthConfig {
	if creds.Token == "" && creds.User != "" {
		return loginAuth{user: creds.User, password: creds.Password}
	}
	return http.AuthFor(creds, "X-BUGZILLA-API-KEY")
}

type loginAuth struct {
	user     string
	password string
}

func (a loginAuth) Apply(req *nethttp.Request) {
	req.Header.Set("X-BUGZILLA-LOGIN", a.user)
	req.Header.Set("X-BUGZILLA-PASSWORD", a.password)
}

// Capabilities returns what Bugzilla REST supports.
func (b *Bugzilla) Capabilities() tracker.Capabilities {
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
		MaxPageSize:             10000,
		ServerSideCreatedFilter: true,
		ServerSideStatusFilter:  true,
		Fields:                  fields,
		FieldAliases:            map[string]string{"owner": "assignee", "title": "summary", "reporter": "creator"},
		DefaultFields:           []string{"id", "status", "creator", "created", "summary", "assignee"},
		SortFields:              sorts,
	}
}

// Close releases idle connections.
func (b *Bugzilla) Close() error {
	b.client.CloseIdle()
	return nil
}

// FetchPage issues one request for the page described by req.
func (b *Bugzilla) FetchPage(ctx context.Context, req *tracker.PageRequest) (*tracker.Page, error) {
	base, _ := req.Params[paramQuery].(url.Values)
	query := url.Values{}
	for k, v := range base {
		query[k] = slices.Clone(v)
	}

	switch req.Kind {
	case tracker.KindBug:
		return b.searchPage(ctx, req, query)
	case tracker.KindComment:
		return b.commentsPage(ctx, req, query)
	case tracker.KindChange:
		return b.historyPage(ctx, req, query)
	}
	return nil, &tracker.TransportError{Service: b.name, Op: "fetch", Err: fmt.Errorf("unsupported kind %s", req.Kind)}
}

func (b *Bugzilla) searchPage(ctx context.Context, req *tracker.PageRequest, query url.Values) (*tracker.Page, error) {
	if len(req.IDs) > 0 {
		query.Set("id", strings.Join(req.IDs, ","))
	}
	if err := b.pager.Apply(query, req.Cursor, req.PageSize); err != nil {
		return nil, &tracker.TransportError{Service: b.name, Op: "search", Err: err}
	}

	var body searchResponse
	if err := b.get(ctx, "search", b.apiPath+"/bug", query, &body); err != nil {
		return nil, err
	}

	records := make([]tracker.Record, len(body.Bugs))
	for i, bug := range body.Bugs {
		records[i] = bug
	}
	return &tracker.Page{
		Records: records,
		Next:    b.pager.Next(req.Cursor, len(records), req.PageSize, -1),
	}, nil
}

// commentsPage fetches the comments of a whole batch at once; Bugzilla
// does not paginate comments.
func (b *Bugzilla) commentsPage(ctx context.Context, req *tracker.PageRequest, query url.Values) (*tracker.Page, error) {
	if len(req.IDs) == 0 {
		return &tracker.Page{}, nil
	}
	for _, id := range req.IDs[1:] {
		query.Add("ids", id)
	}

	var body commentsResponse
	path := fmt.Sprintf("%s/bug/%s/comment", b.apiPath, url.PathEscape(req.IDs[0]))
	if err := b.get(ctx, "comments", path, query, &body); err != nil {
		return nil, err
	}

	var records []tracker.Record
	for _, id := range req.IDs {
		for _, c := range body.Bugs[id].Comments {
			if _, ok := c["bug_id"]; !ok {
				c["bug_id"] = id
			}
			records = append(records, c)
		}
	}
	return &tracker.Page{Records: records}, nil
}

// historyPage flattens each bug's history into one record per edit,
// numbered in backend order.
func (b *Bugzilla) historyPage(ctx context.Context, req *tracker.PageRequest, query url.Values) (*tracker.Page, error) {
	if len(req.IDs) == 0 {
		return &tracker.Page{}, nil
	}
	for _, id := range req.IDs[1:] {
		query.Add("ids", id)
	}

	var body historyResponse
	path := fmt.Sprintf("%s/bug/%s/history", b.apiPath, url.PathEscape(req.IDs[0]))
	if err := b.get(ctx, "history", path, query, &body); err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(body.Bugs))
	for i, bug := range body.Bugs {
		byID[bug.ID.String()] = i
	}

	var records []tracker.Record
	for _, id := range req.IDs {
		i, ok := byID[id]
		if !ok {
			continue
		}
		for seq, h := range body.Bugs[i].History {
			changes := make([]tracker.FieldChange, len(h.Changes))
			for j, c := range h.Changes {
				changes[j] = tracker.FieldChange{Field: c.FieldName, Removed: c.Removed, Added: c.Added}
			}
			records = append(records, tracker.Record{
				"bug_id":  id,
				"seq":     seq,
				"who":     h.Who,
				"when":    h.When,
				"changes": changes,
			})
		}
	}
	return &tracker.Page{Records: records}, nil
}

// get performs a GET and decodes the JSON body into target.
func (b *Bugzilla) get(ctx context.Context, op, path string, query url.Values, target any) error {
	resp, err := b.client.Get(ctx, path, query)
	if err != nil {
		if resp != nil {
			var apiErr errorResponse
			if resp.JSON(&apiErr) == nil && apiErr.Message != "" {
				err = fmt.Errorf("bugzilla error %d: %s: %w", apiErr.Code, apiErr.Message, err)
			}
		}
		return http.TransportError(b.name, op, err)
	}

	if err := resp.JSON(target); err != nil {
		return http.DecodeError(b.name, op, err)
	}
	return nil
}
