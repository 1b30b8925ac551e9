package roundup

import (
	"slices"
	"strings"
	"time"

	"github.com/nucleus/tracker-core/internal/tracker"
)

// properties maps logical bug fields to Roundup issue properties, following
// the bugs.python.org schema.
var properties = map[string]string{
	"id":         "id",
	"status":     "status",
	"creator":    "creator",
	"created":    "creation",
	"modified":   "activity",
	"summary":    "title",
	"assignee":   "assignee",
	"resolution": "resolution",
	"priority":   "priority",
	"severity":   "severity",
	"keywords":   "keywords",
	"component":  "components",
	"cc":         "nosy",
	"depends":    "dependencies",
	"superseder": "superseder",
	"stage":      "stage",
	"type":       "type",
	"versions":   "versions",
	"actor":      "actor",
	"messages":   "messages",
	"files":      "files",
}

// sortProperties maps sort keys to Roundup properties.
var sortProperties = map[string]string{
	"id":       "id",
	"created":  "creation",
	"modified": "activity",
	"creator":  "creator",
	"assignee": "assignee",
	"status":   "status",
	"priority": "priority",
	"summary":  "title",
	"comments": "message_count",
	"cc":       "nosy_count",
}

// requiredProperties are displayed for every issue; id is injected from
// the request.
var requiredProperties = []string{"status", "creator", "creation"}

const (
	paramProps  = "props"
	paramStatus = "status"
	paramSort   = "sort"
	// filterspec entries for the created and modified windows and the
	// summary terms
	paramCreation = "filter.creation"
	paramActivity = "filter.activity"
	paramTitle    = "filter.title"
)

// filterLayout is Roundup's date range syntax.
const filterLayout = "2006-01-02.15:04:05"

// RequestParams converts a query into filter and display arguments.
func (r *Roundup) RequestParams(q *tracker.Query, kind tracker.Kind) (tracker.Params, error) {
	params := tracker.Params{}
	if kind != tracker.KindBug {
		return params, nil
	}
	f := q.Filters

	props := make([]string, 0, len(requiredProperties)+len(q.Fields))
	seen := map[string]bool{}
	for _, name := range q.FieldNames() {
		if p := properties[name]; p != "" && p != "id" && !seen[p] {
			seen[p] = true
			props = append(props, p)
		}
	}
	for _, p := range filterProperties(f) {
		if !seen[p] {
			seen[p] = true
			props = append(props, p)
		}
	}
	params[paramProps] = props

	if !f.AllStatuses() {
		params[paramStatus] = append([]string(nil), f.Status...)
	}
	if f.HasWindow() {
		// second granular and inclusive; the exact bound is rechecked
		var from, to string
		if !f.CreatedAfter.IsZero() {
			from = f.CreatedAfter.UTC().Format(filterLayout)
		}
		if !f.CreatedBefore.IsZero() {
			to = f.CreatedBefore.UTC().Format(filterLayout)
		}
		params[paramCreation] = from + ";" + to
	}
	if !f.ModifiedAfter.IsZero() {
		params[paramActivity] = f.ModifiedAfter.UTC().Format(filterLayout) + ";"
	}
	if len(f.Terms) > 0 {
		terms := make([]any, len(f.Terms))
		for i, t := range f.Terms {
			terms[i] = t
		}
		params[paramTitle] = terms
	}

	sort := []any{[]any{"+", "id"}}
	if len(q.Sort) > 0 {
		sort = sort[:0]
		for _, s := range q.Sort {
			key, desc := strings.CutPrefix(s, "-")
			dir := "+"
			if desc {
				dir = "-"
			}
			sort = append(sort, []any{dir, sortProperties[key]})
		}
	}
	params[paramSort] = sort
	return params, nil
}

// filterProperties are displayed regardless of the selection so the
// client-side filters can check them.
func filterProperties(f tracker.Filters) []string {
	props := slices.Clone(requiredProperties)
	if !f.ModifiedAfter.IsZero() {
		props = append(props, "activity")
	}
	if len(f.Terms) > 0 {
		props = append(props, "title")
	}
	return props
}

// MapRecord converts one Roundup record.
func (r *Roundup) MapRecord(kind tracker.Kind, rec tracker.Record) (tracker.Entity, error) {
	switch kind {
	case tracker.KindBug:
		return r.mapIssue(rec)
	case tracker.KindComment:
		return r.mapMessage(rec)
	}
	return nil, &tracker.ValidationError{Service: r.name, Field: "kind", Message: "unsupported kind " + string(kind)}
}

func (r *Roundup) mapIssue(rec tracker.Record) (tracker.Entity, error) {
	id := tracker.RecordString(rec, "id")
	if id == "" {
		return nil, r.malformed(tracker.KindBug, "id", "", rec)
	}
	created, err := parseDate(tracker.RecordString(rec, "creation"))
	if err != nil {
		return nil, r.malformed(tracker.KindBug, "creation", err.Error(), rec)
	}
	modified, err := parseDate(tracker.RecordString(rec, "activity"))
	if err != nil {
		return nil, r.malformed(tracker.KindBug, "activity", err.Error(), rec)
	}

	bug := &tracker.Bug{
		ID:         id,
		Status:     tracker.RecordString(rec, "status"),
		Creator:    tracker.RecordString(rec, "creator"),
		Created:    created,
		Modified:   modified,
		Summary:    tracker.RecordString(rec, "title"),
		Assignee:   tracker.RecordString(rec, "assignee"),
		Component:  strings.Join(tracker.RecordStrings(rec, "components"), ","),
		Resolution: tracker.RecordString(rec, "resolution"),
		Priority:   tracker.RecordString(rec, "priority"),
		Severity:   tracker.RecordString(rec, "severity"),
		Keywords:   tracker.RecordStrings(rec, "keywords"),
	}
	for _, logical := range []string{"cc", "depends", "versions", "messages", "files"} {
		if v := tracker.RecordStrings(rec, properties[logical]); v != nil {
			bug.Extra = setExtra(bug.Extra, logical, v)
		}
	}
	for _, logical := range []string{"superseder", "stage", "type", "actor"} {
		if v := tracker.RecordString(rec, properties[logical]); v != "" {
			bug.Extra = setExtra(bug.Extra, logical, v)
		}
	}
	return bug, nil
}

func (r *Roundup) mapMessage(rec tracker.Record) (tracker.Entity, error) {
	bugID := tracker.RecordString(rec, "bug_id")
	if bugID == "" {
		return nil, r.malformed(tracker.KindComment, "bug_id", "", rec)
	}
	created, err := parseDate(tracker.RecordString(rec, "date"))
	if err != nil {
		return nil, r.malformed(tracker.KindComment, "date", err.Error(), rec)
	}
	count := tracker.RecordInt(rec, "count", 0)
	id := tracker.RecordString(rec, "id")
	if id == "" {
		id = tracker.CommentID(bugID, count)
	}
	return &tracker.Comment{
		ID:      id,
		BugID:   bugID,
		Count:   count,
		Creator: tracker.RecordString(rec, "author"),
		Created: created,
		Text:    strings.TrimSpace(tracker.RecordString(rec, "content")),
	}, nil
}

func (r *Roundup) malformed(kind tracker.Kind, field, reason string, rec tracker.Record) error {
	return &tracker.MalformedRecordError{Service: r.name, Kind: kind, Field: field, Reason: reason, Record: rec}
}

func setExtra(m map[string]any, k string, v any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	m[k] = v
	return m
}

// parseDate reads Roundup's "<Date 2006-01-02.15:04:05.000>" rendering,
// dropping fractional seconds. Dates are UTC. Empty input yields the zero
// time.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<Date "), ">")
	if len(s) > len(filterLayout) && s[len(filterLayout)] == '.' {
		s = s[:len(filterLayout)]
	}
	t, err := time.Parse(filterLayout, s)
	if err != nil {
		return tracker.ParseTime(s)
	}
	return t.UTC(), nil
}
