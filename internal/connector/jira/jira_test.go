package jira_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nucleus/tracker-core/internal/connector/http"
	"github.com/nucleus/tracker-core/internal/connector/jira"
	"github.com/nucleus/tracker-core/internal/tracker"
)

// stubJira serves issues PROJ-1..PROJ-n. Issue n has n comments and two
// changelog entries.
type stubJira struct {
	mu       sync.Mutex
	requests []string
	issues   int
	status   int // non-zero fails every request
}

var keyList = regexp.MustCompile(`key in \(([^)]*)\)`)

func (s *stubJira) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path+"?"+r.URL.RawQuery)
	status := s.status
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"errorMessages":["The value 'X' does not exist for the field 'status'."],"errors":{}}`)
		return
	}

	q := r.URL.Query()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/rest/api/3/search/jql":
		var keys []int
		if m := keyList.FindStringSubmatch(q.Get("jql")); m != nil {
			for _, k := range strings.Split(m[1], ", ") {
				n, _ := strconv.Atoi(strings.TrimPrefix(strings.Trim(k, `"`), "PROJ-"))
				keys = append(keys, n)
			}
		} else {
			for i := 1; i <= s.issues; i++ {
				keys = append(keys, i)
			}
		}
		start, _ := strconv.Atoi(q.Get("nextPageToken"))
		size, _ := strconv.Atoi(q.Get("maxResults"))
		end := min(start+size, len(keys))
		issues := make([]any, 0, end-start)
		for _, n := range keys[start:end] {
			issues = append(issues, map[string]any{
				"id":  strconv.Itoa(10000 + n),
				"key": fmt.Sprintf("PROJ-%d", n),
				"fields": map[string]any{
					"summary":    fmt.Sprintf("issue %d", n),
					"status":     map[string]any{"name": "Open"},
					"creator":    map[string]any{"name": "alice", "displayName": "Alice"},
					"assignee":   map[string]any{"accountId": "557058:bob", "displayName": "Bob"},
					"created":    fmt.Sprintf("2024-01-%02dT10:00:00.000+0000", n),
					"updated":    fmt.Sprintf("2024-03-%02dT10:00:00.000+0000", n),
					"project":    map[string]any{"key": "PROJ"},
					"components": []any{map[string]any{"name": "core"}},
					"labels":     []any{"regression"},
				},
			})
		}
		body := map[string]any{"issues": issues, "isLast": end >= len(keys)}
		if end < len(keys) {
			body["nextPageToken"] = strconv.Itoa(end)
		}
		json.NewEncoder(w).Encode(body)
	case strings.HasSuffix(r.URL.Path, "/comment"):
		n := issueNumber(r.URL.Path, "/comment")
		start, _ := strconv.Atoi(q.Get("startAt"))
		size, _ := strconv.Atoi(q.Get("maxResults"))
		end := min(start+size, n)
		comments := []any{}
		for i := start; i < end; i++ {
			comments = append(comments, map[string]any{
				"id":      fmt.Sprintf("%d%02d", n, i),
				"author":  map[string]any{"emailAddress": "carol@example.org"},
				"body":    fmt.Sprintf("comment %d on %d", i, n),
				"created": fmt.Sprintf("2024-02-%02dT12:00:00.000+0100", i+1),
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"startAt": start, "maxResults": size, "total": n, "comments": comments})
	case strings.HasSuffix(r.URL.Path, "/changelog"):
		json.NewEncoder(w).Encode(map[string]any{
			"startAt": 0, "maxResults": 100, "total": 2, "isLast": true,
			"values": []any{
				map[string]any{"id": "1", "author": map[string]any{"name": "dave"}, "created": "2024-03-01T00:00:00.000+0000",
					"items": []any{map[string]any{"field": "status", "fromString": "Open", "toString": "In Progress"}}},
				map[string]any{"id": "2", "author": map[string]any{"name": "erin"}, "created": "2024-03-02T00:00:00.000+0000",
					"items": []any{map[string]any{"field": "resolution", "fromString": "", "toString": "Done"}}},
			},
		})
	default:
		w.WriteHeader(nethttp.StatusNotFound)
	}
}

func issueNumber(path, suffix string) int {
	key := strings.TrimSuffix(strings.TrimPrefix(path, "/rest/api/2/issue/"), suffix)
	n, _ := strconv.Atoi(strings.TrimPrefix(key, "PROJ-"))
	return n
}

func (s *stubJira) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

func newService(t *testing.T, stub *stubJira) *tracker.Service {
	t.Helper()
	desc := tracker.Descriptor{
		Name:      "acme",
		Endpoint:  "https://acme.atlassian.example",
		Dialect:   jira.Dialect,
		RateLimit: 1000,
		Burst:     100,
	}
	creds := tracker.Credentials{User: "me@acme.example", Token: "t0ken"}
	backend, err := jira.New(&desc, creds, jira.WithTransport(http.HandlerTransport(stub)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tracker.NewService(desc, backend, tracker.WithRetry(tracker.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}))
}

func TestJira_SearchFollowsPageTokens(t *testing.T) {
	stub := &stubJira{issues: 5}
	svc := newService(t, stub)

	q, err := svc.Query(nil, tracker.Filters{Status: []string{"open"}}, tracker.PageSize(2), tracker.SortBy("-created"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	s, err := svc.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	bugs, err := tracker.Collect(s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(bugs) != 5 {
		t.Fatalf("bugs = %d, want 5", len(bugs))
	}
	b := bugs[0]
	if b.ID != "PROJ-1" || b.Status != "Open" || b.Creator != "alice" || b.Assignee != "557058:bob" {
		t.Errorf("bug = %+v", b)
	}
	if b.Product != "PROJ" || b.Component != "core" || !slices.Equal(b.Keywords, []string{"regression"}) {
		t.Errorf("bug = %+v", b)
	}
	if !b.Created.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("created = %v", b.Created)
	}

	reqs := stub.log()
	if len(reqs) != 3 {
		t.Fatalf("requests = %v, want 3", reqs)
	}
	if !strings.Contains(reqs[0], "jql=status+in+%28%22open%22%29+ORDER+BY+created+DESC") {
		t.Errorf("jql = %s", reqs[0])
	}
	if !strings.Contains(reqs[1], "nextPageToken=2") || !strings.Contains(reqs[2], "nextPageToken=4") {
		t.Errorf("requests = %v", reqs)
	}
}

func TestJira_ModifiedTermsAndSort(t *testing.T) {
	stub := &stubJira{issues: 5}
	svc := newService(t, stub)

	q, err := svc.Query([]string{"key"}, tracker.Filters{
		ModifiedAfter: time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC),
		Terms:         []string{"ISSUE"},
	}, tracker.SortBy("-modified", "id"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	s, _ := svc.Search(context.Background(), q)
	bugs, err := tracker.Collect(s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var got []string
	for _, b := range bugs {
		got = append(got, b.ID)
	}
	if !slices.Equal(got, []string{"PROJ-4", "PROJ-5"}) {
		t.Errorf("ids = %v, want [PROJ-4 PROJ-5]", got)
	}

	req := stub.log()[0]
	for _, want := range []string{
		"updated+%3E%3D+%222024%2F03%2F02+10%3A00%22",
		"summary+~+%22ISSUE%22",
		"ORDER+BY+updated+DESC%2C+key+ASC",
		"updated%2Csummary",
	} {
		if !strings.Contains(req, want) {
			t.Errorf("request lacks %s: %s", want, req)
		}
	}
}

func TestJira_SearchByKeysWithWindow(t *testing.T) {
	stub := &stubJira{}
	svc := newService(t, stub)

	q, _ := svc.Query([]string{"key"}, tracker.Filters{
		IDs:          []string{"PROJ-2", "PROJ-3", "PROJ-4"},
		CreatedAfter: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
	})
	s, _ := svc.Search(context.Background(), q)
	bugs, err := tracker.Collect(s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var got []string
	for _, b := range bugs {
		got = append(got, b.ID)
	}
	if !slices.Equal(got, []string{"PROJ-3", "PROJ-4"}) {
		t.Errorf("ids = %v", got)
	}
	jql := stub.log()[0]
	if !strings.Contains(jql, "key+in+%28%22PROJ-2%22%2C+%22PROJ-3%22%2C+%22PROJ-4%22%29") ||
		!strings.Contains(jql, "created+%3E%3D+%222024%2F01%2F01+10%3A00%22") {
		t.Errorf("jql = %s", jql)
	}
}

func TestJira_CommentsWalkIssues(t *testing.T) {
	stub := &stubJira{}
	svc := newService(t, stub)

	q, _ := svc.Query(nil, tracker.Filters{IDs: []string{"PROJ-3", "PROJ-1"}}, tracker.PageSize(2))
	s, err := svc.Comments(context.Background(), q)
	if err != nil {
		t.Fatalf("Comments: %v", err)
	}
	comments, err := tracker.Collect(s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(comments) != 4 {
		t.Fatalf("comments = %d, want 4", len(comments))
	}
	c := comments[2]
	if c.ID != "302" || c.BugID != "PROJ-3" || c.Count != 2 || c.Creator != "carol@example.org" || c.Text != "comment 2 on 3" {
		t.Errorf("comment = %+v", c)
	}
	if !c.Created.Equal(time.Date(2024, 2, 3, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("created = %v", c.Created)
	}
	if comments[3].BugID != "PROJ-1" {
		t.Errorf("last comment = %+v", comments[3])
	}
	reqs := stub.log()
	if len(reqs) != 3 || !strings.Contains(reqs[1], "startAt=2") || !strings.HasPrefix(reqs[2], "/rest/api/2/issue/PROJ-1/comment") {
		t.Errorf("requests = %v", reqs)
	}
}

func TestJira_Changes(t *testing.T) {
	stub := &stubJira{}
	svc := newService(t, stub)

	q, _ := svc.Query(nil, tracker.Filters{IDs: []string{"PROJ-7"}})
	s, _ := svc.Changes(context.Background(), q)
	changes, err := tracker.Collect(s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
	c := changes[1]
	if c.ID != "PROJ-7:1" || c.Creator != "erin" || len(c.Changes) != 1 || c.Changes[0].Added != "Done" {
		t.Errorf("change = %+v", c)
	}
}

func TestJira_BadRequestIsNotRetried(t *testing.T) {
	stub := &stubJira{status: nethttp.StatusBadRequest}
	svc := newService(t, stub)

	q, _ := svc.Query(nil, tracker.Filters{})
	s, _ := svc.Search(context.Background(), q)
	_, err := tracker.Collect(s)
	var perr *tracker.PartialResultError
	if !errors.As(err, &perr) || perr.Attempts != 1 {
		t.Fatalf("err = %v, want PartialResultError after 1 attempt", err)
	}
	if !strings.Contains(err.Error(), "does not exist for the field 'status'") {
		t.Errorf("err = %v", err)
	}
}

func TestJira_MapCommentWithDocumentBody(t *testing.T) {
	j, _ := jira.New(&tracker.Descriptor{Name: "acme", Endpoint: "https://acme.example"}, tracker.Credentials{})
	e, err := j.MapRecord(tracker.KindComment, tracker.Record{
		"bug_id":  "PROJ-1",
		"created": "2024-01-01T00:00:00.000+0000",
		"body": map[string]any{"type": "doc", "content": []any{
			map[string]any{"type": "paragraph", "content": []any{map[string]any{"type": "text", "text": "hello"}}},
		}},
	})
	if err != nil {
		t.Fatalf("MapRecord: %v", err)
	}
	c := e.(*tracker.Comment)
	if c.Text != "hello" || c.ID != "PROJ-1:0" {
		t.Errorf("comment = %+v", c)
	}
}
