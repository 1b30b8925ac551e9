package bugzilla

import (
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nucleus/tracker-core/internal/tracker"
)

// fieldNames maps logical bug fields to Bugzilla REST names.
var fieldNames = map[string]string{
	"id":         "id",
	"status":     "status",
	"creator":    "creator",
	"created":    "creation_time",
	"modified":   "last_change_time",
	"summary":    "summary",
	"assignee":   "assigned_to",
	"product":    "product",
	"component":  "component",
	"resolution": "resolution",
	"priority":   "priority",
	"severity":   "severity",
	"keywords":   "keywords",
	"cc":         "cc",
	"blocks":     "blocks",
	"depends":    "depends_on",
	"alias":      "alias",
	"whiteboard": "whiteboard",
	"url":        "url",
	"version":    "version",
	"platform":   "platform",
	"os":         "op_sys",
	"qa":         "qa_contact",
	"target":     "target_milestone",
}

// sortNames maps sort keys to Bugzilla column names.
var sortNames = map[string]string{
	"id":       "bug_id",
	"created":  "opendate",
	"modified": "changeddate",
	"status":   "bug_status",
	"priority": "priority",
	"severity": "bug_severity",
	"assignee": "assigned_to",
}

// requiredFields are always fetched so every bug carries its identity and
// the attributes the client-side filters check.
var requiredFields = []string{"id", "status", "creator", "created"}

// timeLayout is Bugzilla's REST timestamp format.
const timeLayout = "2006-01-02T15:04:05Z"

// dateSlack widens server-side time bounds. Bugzilla reads search dates in
// the server's time zone; the exact bounds are rechecked client-side.
const dateSlack = 24 * time.Hour

// RequestParams converts a query into Bugzilla parameters.
func (b *Bugzilla) RequestParams(q *tracker.Query, kind tracker.Kind) (tracker.Params, error) {
	params := url.Values{}
	f := q.Filters

	switch kind {
	case tracker.KindBug:
		include := make([]string, 0, len(requiredFields)+len(q.Fields)+2)
		seen := map[string]bool{}
		for _, name := range append(filterFields(f), q.FieldNames()...) {
			if rest := fieldNames[name]; rest != "" && !seen[rest] {
				seen[rest] = true
				include = append(include, rest)
			}
		}
		params.Set("include_fields", strings.Join(include, ","))
		if !f.AllStatuses() {
			for _, s := range f.Status {
				params.Add("status", s)
			}
		}
		if !f.CreatedAfter.IsZero() {
			params.Set("creation_time", formatTime(f.CreatedAfter.Add(-dateSlack)))
		}
		if !f.ModifiedAfter.IsZero() {
			params.Set("last_change_time", formatTime(f.ModifiedAfter.Add(-dateSlack)))
		}
		var conds conditions
		if !f.CreatedBefore.IsZero() {
			conds.add(params, "creation_ts", "lessthan", f.CreatedBefore.UTC().Add(dateSlack).Format("2006-01-02 15:04:05"))
		}
		if len(f.Terms) > 0 {
			conds.add(params, "short_desc", "allwordssubstr", strings.Join(f.Terms, " "))
		}
		if len(q.Sort) > 0 {
			order := make([]string, len(q.Sort))
			for i, s := range q.Sort {
				key, desc := strings.CutPrefix(s, "-")
				order[i] = sortNames[key]
				if desc {
					order[i] += " DESC"
				}
			}
			params.Set("order", strings.Join(order, ","))
		}
	case tracker.KindComment:
		if !f.CreatedAfter.IsZero() {
			params.Set("new_since", formatTime(f.CreatedAfter.Add(-dateSlack)))
		}
	case tracker.KindChange:
		// history is fetched whole so change sequence numbers stay stable
	}
	return tracker.Params{paramQuery: params}, nil
}

const paramQuery = "query"

// filterFields are the fields fetched regardless of the selection: the
// identity plus whatever the client-side filters check.
func filterFields(f tracker.Filters) []string {
	fields := slices.Clone(requiredFields)
	if !f.ModifiedAfter.IsZero() {
		fields = append(fields, "modified")
	}
	if len(f.Terms) > 0 {
		fields = append(fields, "summary")
	}
	return fields
}

// conditions numbers advanced search triples (f1/o1/v1, f2/o2/v2, ...).
type conditions int

func (c *conditions) add(params url.Values, field, op, value string) {
	*c++
	n := strconv.Itoa(int(*c))
	params.Set("f"+n, field)
	params.Set("o"+n, op)
	params.Set("v"+n, value)
}

// MapRecord converts one Bugzilla record.
func (b *Bugzilla) MapRecord(kind tracker.Kind, rec tracker.Record) (tracker.Entity, error) {
	switch kind {
	case tracker.KindBug:
		return b.mapBug(rec)
	case tracker.KindComment:
		return b.mapComment(rec)
	case tracker.KindChange:
		return b.mapChange(rec)
	}
	return nil, &tracker.ValidationError{Service: b.name, Field: "kind", Message: "unsupported kind " + string(kind)}
}

func (b *Bugzilla) mapBug(rec tracker.Record) (tracker.Entity, error) {
	id := tracker.RecordString(rec, "id")
	if id == "" {
		return nil, b.malformed(tracker.KindBug, "id", rec)
	}
	created, err := tracker.RecordTime(rec, nil, "creation_time")
	if err != nil {
		return nil, b.badValue(tracker.KindBug, "creation_time", err, rec)
	}
	modified, err := tracker.RecordTime(rec, nil, "last_change_time")
	if err != nil {
		return nil, b.badValue(tracker.KindBug, "last_change_time", err, rec)
	}

	bug := &tracker.Bug{
		ID:         id,
		Status:     tracker.RecordString(rec, "status"),
		Creator:    tracker.RecordString(rec, "creator"),
		Created:    created,
		Modified:   modified,
		Summary:    tracker.RecordString(rec, "summary"),
		Assignee:   tracker.RecordString(rec, "assigned_to"),
		Product:    tracker.RecordString(rec, "product"),
		Component:  componentOf(rec),
		Resolution: tracker.RecordString(rec, "resolution"),
		Priority:   tracker.RecordString(rec, "priority"),
		Severity:   tracker.RecordString(rec, "severity"),
		Keywords:   tracker.RecordStrings(rec, "keywords"),
	}
	for _, logical := range []string{"cc", "blocks", "depends", "alias"} {
		if v := tracker.RecordStrings(rec, fieldNames[logical]); v != nil {
			bug.Extra = setExtra(bug.Extra, logical, v)
		}
	}
	for _, logical := range []string{"whiteboard", "url", "version", "platform", "os", "qa", "target"} {
		if v := tracker.RecordString(rec, fieldNames[logical]); v != "" {
			bug.Extra = setExtra(bug.Extra, logical, v)
		}
	}
	return bug, nil
}

// componentOf handles Bugzilla instances returning component as a list.
func componentOf(rec tracker.Record) string {
	if s := tracker.RecordString(rec, "component"); s != "" {
		return s
	}
	return strings.Join(tracker.RecordStrings(rec, "component"), ",")
}

func (b *Bugzilla) mapComment(rec tracker.Record) (tracker.Entity, error) {
	bugID := tracker.RecordString(rec, "bug_id")
	if bugID == "" {
		return nil, b.malformed(tracker.KindComment, "bug_id", rec)
	}
	created, err := tracker.RecordTime(rec, nil, "creation_time", "created", "time")
	if err != nil {
		return nil, b.badValue(tracker.KindComment, "creation_time", err, rec)
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
		Creator: tracker.RecordString(rec, "creator", "author"),
		Created: created,
		Text:    tracker.RecordString(rec, "text"),
	}, nil
}

func (b *Bugzilla) mapChange(rec tracker.Record) (tracker.Entity, error) {
	bugID := tracker.RecordString(rec, "bug_id")
	if bugID == "" {
		return nil, b.malformed(tracker.KindChange, "bug_id", rec)
	}
	created, err := tracker.RecordTime(rec, nil, "when")
	if err != nil {
		return nil, b.badValue(tracker.KindChange, "when", err, rec)
	}
	seq := tracker.RecordInt(rec, "seq", 0)
	change := &tracker.Change{
		ID:      tracker.ChangeID(bugID, seq),
		BugID:   bugID,
		Seq:     seq,
		Creator: tracker.RecordString(rec, "who"),
		Created: created,
	}
	if items, ok := rec["changes"].([]tracker.FieldChange); ok {
		change.Changes = items
	}
	return change, nil
}

func (b *Bugzilla) malformed(kind tracker.Kind, field string, rec tracker.Record) error {
	return &tracker.MalformedRecordError{Service: b.name, Kind: kind, Field: field, Record: rec}
}

func (b *Bugzilla) badValue(kind tracker.Kind, field string, err error, rec tracker.Record) error {
	return &tracker.MalformedRecordError{Service: b.name, Kind: kind, Field: field, Reason: err.Error(), Record: rec}
}

func setExtra(m map[string]any, k string, v any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	m[k] = v
	return m
}

// formatTime renders a time for Bugzilla parameters.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
