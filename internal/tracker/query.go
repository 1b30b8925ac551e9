package tracker

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// StatusAll matches every status.
const StatusAll = "all"

// Filters narrows the entities a query returns.
type Filters struct {
	// Status is the set of accepted statuses. Empty or containing
	// StatusAll matches all.
	Status []string

	// IDs restricts results to these bug ids, in order.
	IDs []string

	// CreatedAfter and CreatedBefore bound creation time exclusively.
	// Zero values are unbounded.
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// ModifiedAfter bounds the last change time exclusively. Bugs only.
	ModifiedAfter time.Time

	// Terms must all occur in the summary, ignoring case. Bugs only.
	Terms []string
}

// AllStatuses reports whether the status filter matches everything.
func (f Filters) AllStatuses() bool {
	return len(f.Status) == 0 || slices.Contains(f.Status, StatusAll)
}

// HasWindow reports whether any time bound is set.
func (f Filters) HasWindow() bool {
	return !f.CreatedAfter.IsZero() || !f.CreatedBefore.IsZero()
}

// InWindow checks t against the exclusive time window. An unknown creation
// time never satisfies a bounded window.
func (f Filters) InWindow(t time.Time) bool {
	if !f.HasWindow() {
		return true
	}
	if t.IsZero() {
		return false
	}
	if !f.CreatedAfter.IsZero() && !t.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !t.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// MatchModified checks a last change time against ModifiedAfter. An
// unknown time never satisfies a set bound.
func (f Filters) MatchModified(t time.Time) bool {
	if f.ModifiedAfter.IsZero() {
		return true
	}
	return !t.IsZero() && t.After(f.ModifiedAfter)
}

// MatchTerms reports whether every term occurs in summary.
func (f Filters) MatchTerms(summary string) bool {
	summary = strings.ToLower(summary)
	for _, term := range f.Terms {
		if !strings.Contains(summary, strings.ToLower(term)) {
			return false
		}
	}
	return true
}

// MatchBug applies the bug-only filters.
func (f Filters) MatchBug(b *Bug) bool {
	return f.MatchStatus(b.Status) && f.MatchModified(b.Modified) && f.MatchTerms(b.Summary)
}

// MatchStatus checks a status against the filter, ignoring case.
func (f Filters) MatchStatus(status string) bool {
	if f.AllStatuses() {
		return true
	}
	for _, s := range f.Status {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}

// Query describes one fetch. It is not mutated once submitted; derive
// variants with the With* methods.
type Query struct {
	// Fields maps logical field names to presence. Empty selects the
	// backend's default field set.
	Fields map[string]bool

	Filters Filters

	// Sort lists sort keys in priority order, "-" prefixed for descending.
	Sort []string

	// PageSize is a per-request hint (0 = backend default).
	PageSize int

	// Limit caps the number of entities yielded (0 = unlimited).
	Limit int
}

// FieldNames returns the selected fields sorted by name.
func (q *Query) FieldNames() []string {
	names := make([]string, 0, len(q.Fields))
	for name, on := range q.Fields {
		if on {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Wants reports whether field is selected.
func (q *Query) Wants(field string) bool {
	return q.Fields[field]
}

// WithCreatedAfter returns a copy of q with a new lower time bound.
func (q *Query) WithCreatedAfter(t time.Time) *Query {
	c := q.clone()
	c.Filters.CreatedAfter = t
	return c
}

// WithLimit returns a copy of q with a new limit.
func (q *Query) WithLimit(n int) *Query {
	c := q.clone()
	c.Limit = n
	return c
}

func (q *Query) clone() *Query {
	c := *q
	c.Fields = maps.Clone(q.Fields)
	c.Filters.Status = slices.Clone(q.Filters.Status)
	c.Filters.IDs = slices.Clone(q.Filters.IDs)
	c.Filters.Terms = slices.Clone(q.Filters.Terms)
	c.Sort = slices.Clone(q.Sort)
	return &c
}

// String renders a compact summary used in logs and errors.
func (q *Query) String() string {
	var parts []string
	if names := q.FieldNames(); len(names) > 0 {
		parts = append(parts, "fields="+strings.Join(names, ","))
	}
	if !q.Filters.AllStatuses() {
		parts = append(parts, "status="+strings.Join(q.Filters.Status, ","))
	}
	if n := len(q.Filters.IDs); n > 0 {
		if n > 5 {
			parts = append(parts, fmt.Sprintf("ids=%s,...(%d)", strings.Join(q.Filters.IDs[:5], ","), n))
		} else {
			parts = append(parts, "ids="+strings.Join(q.Filters.IDs, ","))
		}
	}
	if !q.Filters.CreatedAfter.IsZero() {
		parts = append(parts, "after="+q.Filters.CreatedAfter.UTC().Format(time.RFC3339))
	}
	if !q.Filters.CreatedBefore.IsZero() {
		parts = append(parts, "before="+q.Filters.CreatedBefore.UTC().Format(time.RFC3339))
	}
	if !q.Filters.ModifiedAfter.IsZero() {
		parts = append(parts, "modified="+q.Filters.ModifiedAfter.UTC().Format(time.RFC3339))
	}
	if len(q.Filters.Terms) > 0 {
		parts = append(parts, "terms="+strings.Join(q.Filters.Terms, ","))
	}
	if len(q.Sort) > 0 {
		parts = append(parts, "sort="+strings.Join(q.Sort, ","))
	}
	if q.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", q.Limit))
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// BUILDER
// =============================================================================

// QueryOption adjusts a query during Build.
type QueryOption func(*Query)

// SortBy sets the sort keys, most significant first.
func SortBy(fields ...string) QueryOption {
	return func(q *Query) { q.Sort = slices.Clone(fields) }
}

// PageSize sets the per-request page size hint.
func PageSize(n int) QueryOption { return func(q *Query) { q.PageSize = n } }

// Limit caps the number of yielded entities.
func Limit(n int) QueryOption { return func(q *Query) { q.Limit = n } }

// Builder assembles and validates queries against one service's
// capabilities. It never performs I/O.
type Builder struct {
	service string
	caps    Capabilities
}

// NewBuilder returns a builder for a service with the given capabilities.
func NewBuilder(service string, caps Capabilities) *Builder {
	return &Builder{service: service, caps: caps}
}

// Build assembles a query. Field names are trimmed, lower-cased and
// resolved through the backend's aliases; an empty list selects the
// backend defaults.
func (b *Builder) Build(fields []string, filters Filters, opts ...QueryOption) *Query {
	selected := make(map[string]bool, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if canonical, ok := b.caps.FieldAliases[f]; ok {
			f = canonical
		}
		if f != "" {
			selected[f] = true
		}
	}
	if len(selected) == 0 {
		for _, f := range b.caps.DefaultFields {
			selected[f] = true
		}
	}
	q := &Query{
		Fields: selected,
		Filters: Filters{
			Status:        slices.Clone(filters.Status),
			IDs:           slices.Clone(filters.IDs),
			CreatedAfter:  filters.CreatedAfter,
			CreatedBefore: filters.CreatedBefore,
			ModifiedAfter: filters.ModifiedAfter,
			Terms:         slices.Clone(filters.Terms),
		},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Validate checks q against the backend capabilities and returns it
// unchanged when valid, so validating a valid query again is a no-op.
func (b *Builder) Validate(q *Query) (*Query, error) {
	if q == nil {
		return nil, b.invalid("", "query is nil")
	}
	for _, name := range q.FieldNames() {
		if !b.caps.HasField(name) {
			return nil, &UnsupportedFieldError{Service: b.service, Field: name}
		}
	}
	f := q.Filters
	if !f.CreatedAfter.IsZero() && !f.CreatedBefore.IsZero() && f.CreatedAfter.After(f.CreatedBefore) {
		return nil, b.invalid("created", fmt.Sprintf("lower bound %s is after upper bound %s",
			f.CreatedAfter.Format(time.RFC3339), f.CreatedBefore.Format(time.RFC3339)))
	}
	for i, id := range f.IDs {
		if strings.TrimSpace(id) == "" {
			return nil, b.invalid("ids", fmt.Sprintf("empty id at position %d", i))
		}
	}
	for _, s := range f.Status {
		if strings.TrimSpace(s) == "" {
			return nil, b.invalid("status", "empty status")
		}
	}
	for _, t := range f.Terms {
		if strings.TrimSpace(t) == "" {
			return nil, b.invalid("terms", "empty term")
		}
	}
	if b.caps.IDsExclusiveWithStatus && len(f.IDs) > 0 && !f.AllStatuses() {
		return nil, b.invalid("status", "backend does not combine id and status filters")
	}
	if q.PageSize < 0 {
		return nil, b.invalid("page_size", "must not be negative")
	}
	if q.Limit < 0 {
		return nil, b.invalid("limit", "must not be negative")
	}
	for _, s := range q.Sort {
		key := strings.TrimPrefix(s, "-")
		if !b.caps.CanSort(key) {
			return nil, &UnsupportedFieldError{Service: b.service, Field: key}
		}
	}
	return q, nil
}

// ValidateFor additionally checks that q can drive a fetch of kind.
func (b *Builder) ValidateFor(q *Query, kind Kind) (*Query, error) {
	if _, err := b.Validate(q); err != nil {
		return nil, err
	}
	if !b.caps.Supports(kind) {
		return nil, b.invalid("kind", fmt.Sprintf("%s is not supported by this backend", kind))
	}
	if kind == KindBug {
		return q, nil
	}
	if len(q.Filters.IDs) == 0 {
		return nil, b.invalid("ids", fmt.Sprintf("%s fetches require bug ids", kind))
	}
	if !q.Filters.AllStatuses() {
		return nil, b.invalid("status", fmt.Sprintf("status filters apply to bugs, not %ss", kind))
	}
	if !q.Filters.ModifiedAfter.IsZero() {
		return nil, b.invalid("modified", fmt.Sprintf("modified filters apply to bugs, not %ss", kind))
	}
	if len(q.Filters.Terms) > 0 {
		return nil, b.invalid("terms", fmt.Sprintf("summary terms apply to bugs, not %ss", kind))
	}
	return q, nil
}

func (b *Builder) invalid(field, msg string) *ValidationError {
	return &ValidationError{Service: b.service, Field: field, Message: msg}
}
