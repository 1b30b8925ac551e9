package roundup

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/nucleus/tracker-core/internal/connector/http"
	"github.com/nucleus/tracker-core/internal/connector/xmlrpc"
	"github.com/nucleus/tracker-core/internal/tracker"
)

// =============================================================================
// ROUNDUP CONNECTOR
// Roundup XML-RPC interface: filter for ids, display (multicall) for data.
// http://www.roundup-tracker.org/docs/xmlrpc.html
// =============================================================================

// Dialect is the registered dialect identifier.
const Dialect = "roundup-xmlrpc"

const (
	// DefaultPageSize is the number of items displayed per multicall.
	DefaultPageSize = 100
	// MaxIDsPerRequest bounds the id filter of one filter call.
	MaxIDsPerRequest = 100
	// DefaultCacheSize bounds the link name cache.
	DefaultCacheSize = 4096
)

var _ tracker.Backend = (*Roundup)(nil)

// Roundup talks to one Roundup tracker.
type Roundup struct {
	name   string
	client *http.Client
	rpc    *xmlrpc.Client
	links  *linkCache
}

// Option adjusts connector construction.
type Option func(*http.ClientConfig)

// WithTransport injects an HTTP transport (for tests/stubs).
func WithTransport(rt nethttp.RoundTripper) Option {
	return func(cfg *http.ClientConfig) { cfg.Transport = rt }
}

// New creates a Roundup connector for the descriptor.
func New(desc *tracker.Descriptor, creds tracker.Credentials, opts ...Option) (*Roundup, error) {
	if desc.Endpoint == "" {
		return nil, &tracker.ValidationError{Service: desc.Name, Field: "endpoint", Message: "required"}
	}

	cfg := http.ConfigFor(desc, http.BasicAuth{Username: creds.User, Password: creds.Password})
	// bugs.python.org rejects XML-RPC requests without it
	cfg.Headers["X-Requested-With"] = "XMLHttpRequest"
	for _, opt := range opts {
		opt(cfg)
	}

	size, err := strconv.Atoi(desc.Option("cache_size", strconv.Itoa(DefaultCacheSize)))
	if err != nil {
		return nil, &tracker.ValidationError{Service: desc.Name, Field: "cache_size", Message: err.Error()}
	}
	links, err := newLinkCache(size)
	if err != nil {
		return nil, err
	}

	client := http.NewClient(cfg)
	return &Roundup{
		name:   desc.Name,
		client: client,
		rpc:    xmlrpc.NewClient(client, desc.Option("rpc_path", "/xmlrpc")),
		links:  links,
	}, nil
}

// Capabilities returns what Roundup supports. Issue history is not
// exposed over XML-RPC.
func (r *Roundup) Capabilities() tracker.Capabilities {
	fields := make([]string, 0, len(properties))
	for name := range properties {
		fields = append(fields, name)
	}
	slices.Sort(fields)
	sorts := make([]string, 0, len(sortProperties))
	for name := range sortProperties {
		sorts = append(sorts, name)
	}
	slices.Sort(sorts)

	return tracker.Capabilities{
		Comments:                true,
		MaxIDsPerRequest:        MaxIDsPerRequest,
		DefaultPageSize:         DefaultPageSize,
		MaxPageSize:             500,
		ServerSideCreatedFilter: true,
		ServerSideStatusFilter:  true,
		Fields:                  fields,
		FieldAliases:            map[string]string{"owner": "assignee", "title": "summary", "reporter": "creator"},
		DefaultFields:           []string{"id", "status", "creator", "created", "summary", "assignee"},
		SortFields:              sorts,
	}
}

// Close releases idle connections.
func (r *Roundup) Close() error {
	r.client.CloseIdle()
	return nil
}

// FetchPage issues the calls for one page.
func (r *Roundup) FetchPage(ctx context.Context, req *tracker.PageRequest) (*tracker.Page, error) {
	var (
		page *tracker.Page
		err  error
	)
	switch req.Kind {
	case tracker.KindBug:
		page, err = r.issuesPage(ctx, req)
	case tracker.KindComment:
		page, err = r.messagesPage(ctx, req)
	default:
		return nil, &tracker.TransportError{Service: r.name, Op: "fetch", Err: fmt.Errorf("unsupported kind %s", req.Kind)}
	}
	if err != nil {
		return nil, r.transportError(string(req.Kind), err)
	}
	return page, nil
}

// issuesPage runs filter on the first page and displays the matched ids in
// slices of PageSize; the remaining ids are the continuation cursor.
func (r *Roundup) issuesPage(ctx context.Context, req *tracker.PageRequest) (*tracker.Page, error) {
	var ids []string
	if req.Cursor == "" {
		matched, err := r.filter(ctx, req)
		if err != nil {
			return nil, err
		}
		ids = matched
	} else {
		ids = strings.Split(req.Cursor, ",")
	}
	if len(ids) == 0 {
		return &tracker.Page{}, nil
	}

	n := min(req.PageSize, len(ids))
	if n <= 0 {
		n = len(ids)
	}
	props, _ := req.Params[paramProps].([]string)

	calls := make([]xmlrpc.Call, n)
	for i, id := range ids[:n] {
		params := make([]any, 0, len(props)+1)
		params = append(params, "issue"+id)
		for _, p := range props {
			params = append(params, p)
		}
		calls[i] = xmlrpc.Call{Method: "display", Params: params}
	}
	results, err := r.rpc.Multicall(ctx, calls)
	if err != nil {
		return nil, err
	}

	records := make([]map[string]any, 0, len(results))
	for i, res := range results {
		rec, ok := res.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("display issue%s: unexpected %T", ids[i], res)
		}
		rec["id"] = ids[i]
		records = append(records, rec)
	}
	if err := r.links.resolve(ctx, r.rpc, records); err != nil {
		return nil, err
	}

	return &tracker.Page{Records: toRecords(records), Next: strings.Join(ids[n:], ",")}, nil
}

func (r *Roundup) filter(ctx context.Context, req *tracker.PageRequest) ([]string, error) {
	filterspec := map[string]any{}
	for k, v := range req.Params {
		if strings.HasPrefix(k, "filter.") {
			filterspec[strings.TrimPrefix(k, "filter.")] = v
		}
	}
	if len(req.IDs) > 0 {
		// a list is an id IN (...) match, a string an equality test
		filterspec["id"] = slices.Clone(req.IDs)
	}
	if statuses, ok := req.Params[paramStatus].([]string); ok && len(statuses) > 0 {
		ids, err := r.links.lookupIDs(ctx, r.rpc, "status", statuses)
		if err != nil {
			return nil, err
		}
		filterspec["status"] = ids
	}

	sort, _ := req.Params[paramSort].([]any)
	raw, err := r.rpc.Call(ctx, "filter", "issue", nil, filterspec, sort)
	if err != nil {
		return nil, err
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("filter: unexpected %T", raw)
	}
	ids := make([]string, 0, len(list))
	for _, v := range list {
		ids = append(ids, tracker.AsString(v))
	}
	return ids, nil
}

// messagesPage collects message ids for the batch on the first page, then
// displays them PageSize at a time. The cursor lists the remaining
// bug/message/position triples.
func (r *Roundup) messagesPage(ctx context.Context, req *tracker.PageRequest) (*tracker.Page, error) {
	var refs []messageRef
	if req.Cursor == "" {
		collected, err := r.messageRefs(ctx, req.IDs)
		if err != nil {
			return nil, err
		}
		refs = collected
	} else {
		parsed, err := parseMessageRefs(req.Cursor)
		if err != nil {
			return nil, err
		}
		refs = parsed
	}
	if len(refs) == 0 {
		return &tracker.Page{}, nil
	}

	n := min(req.PageSize, len(refs))
	if n <= 0 {
		n = len(refs)
	}
	calls := make([]xmlrpc.Call, n)
	for i, ref := range refs[:n] {
		calls[i] = xmlrpc.Call{Method: "display", Params: []any{"msg" + ref.msg, "author", "date", "content"}}
	}
	results, err := r.rpc.Multicall(ctx, calls)
	if err != nil {
		return nil, err
	}

	records := make([]map[string]any, 0, len(results))
	for i, res := range results {
		rec, ok := res.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("display msg%s: unexpected %T", refs[i].msg, res)
		}
		rec["id"] = refs[i].msg
		rec["bug_id"] = refs[i].bug
		rec["count"] = refs[i].count
		records = append(records, rec)
	}
	if err := r.links.resolve(ctx, r.rpc, records); err != nil {
		return nil, err
	}

	return &tracker.Page{Records: toRecords(records), Next: formatMessageRefs(refs[n:])}, nil
}

func (r *Roundup) messageRefs(ctx context.Context, ids []string) ([]messageRef, error) {
	calls := make([]xmlrpc.Call, len(ids))
	for i, id := range ids {
		calls[i] = xmlrpc.Call{Method: "display", Params: []any{"issue" + id, "messages"}}
	}
	results, err := r.rpc.Multicall(ctx, calls)
	if err != nil {
		return nil, err
	}
	var refs []messageRef
	for i, res := range results {
		rec, _ := res.(map[string]any)
		for count, msg := range linkIDs(rec["messages"]) {
			refs = append(refs, messageRef{bug: ids[i], msg: msg, count: count})
		}
	}
	return refs, nil
}

type messageRef struct {
	bug   string
	msg   string
	count int
}

func formatMessageRefs(refs []messageRef) string {
	parts := make([]string, len(refs))
	for i, ref := range refs {
		parts[i] = ref.bug + "/" + ref.msg + "/" + strconv.Itoa(ref.count)
	}
	return strings.Join(parts, ",")
}

func parseMessageRefs(cursor string) ([]messageRef, error) {
	parts := strings.Split(cursor, ",")
	refs := make([]messageRef, len(parts))
	for i, p := range parts {
		fields := strings.Split(p, "/")
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid message cursor %q", p)
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid message cursor %q", p)
		}
		refs[i] = messageRef{bug: fields[0], msg: fields[1], count: count}
	}
	return refs, nil
}

func toRecords(in []map[string]any) []tracker.Record {
	out := make([]tracker.Record, len(in))
	for i, m := range in {
		out[i] = m
	}
	return out
}

// transportError classifies a failure. Faults are Roundup-side errors that
// another attempt will not fix.
func (r *Roundup) transportError(op string, err error) error {
	var fault *xmlrpc.Fault
	if errors.As(err, &fault) {
		return &tracker.TransportError{Service: r.name, Op: op, Err: fmt.Errorf("roundup error: %w", err)}
	}
	return http.TransportError(r.name, op, err)
}
