package jira

import (
	"slices"
	"strings"
	"time"

	"github.com/nucleus/tracker-core/internal/tracker"
)

// fieldNames maps logical bug fields to Jira field ids.
var fieldNames = map[string]string{
	"id":          "key",
	"status":      "status",
	"creator":     "creator",
	"created":     "created",
	"modified":    "updated",
	"summary":     "summary",
	"assignee":    "assignee",
	"product":     "project",
	"component":   "components",
	"resolution":  "resolution",
	"priority":    "priority",
	"keywords":    "labels",
	"type":        "issuetype",
	"resolved":    "resolutiondate",
	"due":         "duedate",
	"versions":    "versions",
	"fixversions": "fixVersions",
}

// sortNames maps sort keys to JQL ORDER BY fields.
var sortNames = map[string]string{
	"id":       "key",
	"created":  "created",
	"modified": "updated",
	"status":   "status",
	"priority": "priority",
	"assignee": "assignee",
}

// requiredFields are always fetched; reporter stands in for a missing
// creator on imported issues.
var requiredFields = []string{"status", "creator", "reporter", "created"}

const (
	paramJQL    = "jql"
	paramOrder  = "order"
	paramFields = "fields"
)

// timeLayout is Jira's REST timestamp format.
const timeLayout = "2006-01-02T15:04:05.000-0700"

// jqlLayout is the JQL date literal format. JQL dates are minute granular
// and read in the user's time zone, so server-side bounds are widened by a
// day and the exact window is checked by the caller.
const jqlLayout = "2006/01/02 15:04"

const jqlSlack = 24 * time.Hour

// RequestParams converts a query into JQL and a field list.
func (j *Jira) RequestParams(q *tracker.Query, kind tracker.Kind) (tracker.Params, error) {
	params := tracker.Params{}
	if kind != tracker.KindBug {
		return params, nil
	}
	f := q.Filters

	fields := make([]string, 0, len(requiredFields)+len(q.Fields))
	seen := map[string]bool{"key": true}
	for _, name := range append(filterFields(f), q.FieldNames()...) {
		if id := fieldNames[name]; id != "" && !seen[id] {
			seen[id] = true
			fields = append(fields, id)
		} else if name == "reporter" && !seen[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	params[paramFields] = strings.Join(fields, ",")

	var clauses []string
	if !f.AllStatuses() {
		clauses = append(clauses, "status in ("+quoteList(f.Status)+")")
	}
	if !f.CreatedAfter.IsZero() {
		clauses = append(clauses, `created >= "`+f.CreatedAfter.UTC().Add(-jqlSlack).Format(jqlLayout)+`"`)
	}
	if !f.CreatedBefore.IsZero() {
		clauses = append(clauses, `created <= "`+f.CreatedBefore.UTC().Add(jqlSlack).Format(jqlLayout)+`"`)
	}
	if !f.ModifiedAfter.IsZero() {
		clauses = append(clauses, `updated >= "`+f.ModifiedAfter.UTC().Add(-jqlSlack).Format(jqlLayout)+`"`)
	}
	// ~ is a word search; the substring match is checked by the caller
	for _, term := range f.Terms {
		clauses = append(clauses, "summary ~ "+quoteList([]string{term}))
	}
	params[paramJQL] = andJQL(clauses...)

	order := []string{"key ASC"}
	if len(q.Sort) > 0 {
		order = order[:0]
		for _, s := range q.Sort {
			key, desc := strings.CutPrefix(s, "-")
			dir := " ASC"
			if desc {
				dir = " DESC"
			}
			order = append(order, sortNames[key]+dir)
		}
	}
	params[paramOrder] = strings.Join(order, ", ")
	return params, nil
}

// filterFields are fetched regardless of the selection so the client-side
// filters can check them.
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

// andJQL joins non-empty clauses with AND.
func andJQL(clauses ...string) string {
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " AND ")
}

// quoteList renders values as a comma separated list of JQL strings.
func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		v = strings.ReplaceAll(v, `\`, `\\`)
		quoted[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return strings.Join(quoted, ", ")
}

// MapRecord converts one Jira record.
func (j *Jira) MapRecord(kind tracker.Kind, rec tracker.Record) (tracker.Entity, error) {
	switch kind {
	case tracker.KindBug:
		return j.mapIssue(rec)
	case tracker.KindComment:
		return j.mapComment(rec)
	case tracker.KindChange:
		return j.mapChange(rec)
	}
	return nil, &tracker.ValidationError{Service: j.name, Field: "kind", Message: "unsupported kind " + string(kind)}
}

func (j *Jira) mapIssue(rec tracker.Record) (tracker.Entity, error) {
	key := tracker.RecordString(rec, "key")
	if key == "" {
		return nil, j.malformed(tracker.KindBug, "key", "", rec)
	}
	created, err := tracker.RecordTime(rec, []string{timeLayout}, "created")
	if err != nil {
		return nil, j.malformed(tracker.KindBug, "created", err.Error(), rec)
	}
	modified, err := tracker.RecordTime(rec, []string{timeLayout}, "updated")
	if err != nil {
		return nil, j.malformed(tracker.KindBug, "updated", err.Error(), rec)
	}

	creator := userLogin(rec["creator"])
	if creator == "" {
		creator = userLogin(rec["reporter"])
	}
	bug := &tracker.Bug{
		ID:         key,
		Status:     nested(rec, "status", "name"),
		Creator:    creator,
		Created:    created,
		Modified:   modified,
		Summary:    tracker.RecordString(rec, "summary"),
		Assignee:   userLogin(rec["assignee"]),
		Product:    nested(rec, "project", "key"),
		Component:  strings.Join(names(rec["components"]), ","),
		Resolution: nested(rec, "resolution", "name"),
		Priority:   nested(rec, "priority", "name"),
		Keywords:   tracker.RecordStrings(rec, "labels"),
	}
	if v := nested(rec, "issuetype", "name"); v != "" {
		bug.Extra = setExtra(bug.Extra, "type", v)
	}
	for _, logical := range []string{"resolved", "due"} {
		if v := tracker.RecordString(rec, fieldNames[logical]); v != "" {
			bug.Extra = setExtra(bug.Extra, logical, v)
		}
	}
	for _, logical := range []string{"versions", "fixversions"} {
		if v := names(rec[fieldNames[logical]]); v != nil {
			bug.Extra = setExtra(bug.Extra, logical, v)
		}
	}
	if v := tracker.RecordString(rec, "jira_id"); v != "" {
		bug.Extra = setExtra(bug.Extra, "jira_id", v)
	}
	return bug, nil
}

func (j *Jira) mapComment(rec tracker.Record) (tracker.Entity, error) {
	bugID := tracker.RecordString(rec, "bug_id")
	if bugID == "" {
		return nil, j.malformed(tracker.KindComment, "bug_id", "", rec)
	}
	created, err := tracker.RecordTime(rec, []string{timeLayout}, "created")
	if err != nil {
		return nil, j.malformed(tracker.KindComment, "created", err.Error(), rec)
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
		Text:    bodyText(rec["body"]),
	}, nil
}

func (j *Jira) mapChange(rec tracker.Record) (tracker.Entity, error) {
	bugID := tracker.RecordString(rec, "bug_id")
	if bugID == "" {
		return nil, j.malformed(tracker.KindChange, "bug_id", "", rec)
	}
	created, err := tracker.RecordTime(rec, []string{timeLayout}, "created")
	if err != nil {
		return nil, j.malformed(tracker.KindChange, "created", err.Error(), rec)
	}
	seq := tracker.RecordInt(rec, "seq", 0)
	change := &tracker.Change{
		ID:      tracker.ChangeID(bugID, seq),
		BugID:   bugID,
		Seq:     seq,
		Creator: tracker.RecordString(rec, "author"),
		Created: created,
	}
	if items, ok := rec["changes"].([]tracker.FieldChange); ok {
		change.Changes = items
	}
	return change, nil
}

func (j *Jira) malformed(kind tracker.Kind, field, reason string, rec tracker.Record) error {
	return &tracker.MalformedRecordError{Service: j.name, Kind: kind, Field: field, Reason: reason, Record: rec}
}

// nested reads rec[key][inner] from a decoded JSON object.
func nested(rec tracker.Record, key, inner string) string {
	m, ok := rec[key].(map[string]any)
	if !ok {
		return ""
	}
	return tracker.AsString(m[inner])
}

// userLogin reads a decoded user object, preferring stable identifiers.
func userLogin(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	return tracker.RecordString(m, "name", "emailAddress", "accountId", "displayName")
}

// names collects the name of each object in a decoded list.
func names(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			if s := tracker.AsString(m["name"]); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// bodyText renders a comment body. API v2 returns plain text; an Atlassian
// document (v3) is flattened to its text nodes.
func bodyText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		var b strings.Builder
		collectText(&b, x)
		return strings.TrimSpace(b.String())
	}
	return ""
}

func collectText(b *strings.Builder, node map[string]any) {
	if s, ok := node["text"].(string); ok {
		b.WriteString(s)
	}
	children, _ := node["content"].([]any)
	for _, c := range children {
		if m, ok := c.(map[string]any); ok {
			collectText(b, m)
		}
	}
	if t, _ := node["type"].(string); t == "paragraph" {
		b.WriteString("\n")
	}
}

func setExtra(m map[string]any, k string, v any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	m[k] = v
	return m
}
