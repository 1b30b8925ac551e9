package tracker_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/nucleus/tracker-core/internal/tracker"
)

func TestFetch_SplitsIDsIntoBatches(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = seqBugs(3)
	svc := newTestService("gentoo", b, 2)

	q, err := svc.Query([]string{"id"}, tracker.Filters{IDs: []string{"1", "2", "3"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	bugs, err := tracker.Collect(mustSearch(t, svc, q))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	reqs := b.requestLog()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if !slices.Equal(reqs[0].IDs, []string{"1", "2"}) || !slices.Equal(reqs[1].IDs, []string{"3"}) {
		t.Errorf("batches = %v, %v; want [1 2], [3]", reqs[0].IDs, reqs[1].IDs)
	}
	if got := entityIDs(bugs); !slices.Equal(got, []string{"1", "2", "3"}) {
		t.Errorf("ids = %v, want [1 2 3]", got)
	}
}

func TestFetch_BatchCountMatchesCeiling(t *testing.T) {
	for n := 1; n <= 9; n++ {
		for size := 1; size <= 4; size++ {
			b := newFakeBackend(tracker.Capabilities{})
			b.bugs = seqBugs(n)
			svc := newTestService("svc", b, size)

			q, err := svc.Query(nil, tracker.Filters{IDs: ids(n)})
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			bugs, err := tracker.Collect(mustSearch(t, svc, q))
			if err != nil {
				t.Fatalf("n=%d size=%d: %v", n, size, err)
			}

			want := (n + size - 1) / size
			if got := len(b.requestLog()); got != want {
				t.Errorf("n=%d size=%d: requests = %d, want %d", n, size, got, want)
			}
			if got := entityIDs(bugs); !slices.Equal(got, ids(n)) {
				t.Errorf("n=%d size=%d: ids = %v", n, size, got)
			}
		}
	}
}

func TestFetch_FollowsCursorWithinBatch(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = seqBugs(5)
	svc := newTestService("svc", b, 0)

	q, _ := svc.Query(nil, tracker.Filters{}, tracker.PageSize(2))
	bugs, err := tracker.Collect(mustSearch(t, svc, q))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(bugs) != 5 {
		t.Fatalf("bugs = %d, want 5", len(bugs))
	}
	cursors := []string{}
	for _, r := range b.requestLog() {
		cursors = append(cursors, r.Cursor)
	}
	if !slices.Equal(cursors, []string{"", "2", "4"}) {
		t.Errorf("cursors = %v, want ['' 2 4]", cursors)
	}
}

func TestFetch_TimeWindowServerAndClientAgree(t *testing.T) {
	data := []tracker.Record{
		bugRecord(1, "NEW", day0.Add(-time.Hour)),
		bugRecord(2, "NEW", day0.Add(6*time.Hour)),
		bugRecord(3, "NEW", day0.Add(12*time.Hour)),
		bugRecord(4, "NEW", day0.Add(12*time.Hour+time.Second)),
		bugRecord(5, "NEW", day0.Add(48*time.Hour)),
	}
	after := day0.Add(12 * time.Hour)

	run := func(serverSide bool) []string {
		b := newFakeBackend(tracker.Capabilities{ServerSideCreatedFilter: serverSide})
		b.bugs = data
		svc := newTestService("svc", b, 0)
		q, err := svc.Query(nil, tracker.Filters{CreatedAfter: after}, tracker.PageSize(2))
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		bugs, err := tracker.Collect(mustSearch(t, svc, q))
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		return entityIDs(bugs)
	}

	server, client := run(true), run(false)
	if !slices.Equal(server, client) {
		t.Errorf("server-side = %v, client-side = %v", server, client)
	}
	if !slices.Equal(client, []string{"4", "5"}) {
		t.Errorf("ids = %v, want [4 5]", client)
	}
}

func TestFetch_StatusFilteredClientSide(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = []tracker.Record{
		bugRecord(1, "NEW", day0),
		bugRecord(2, "RESOLVED", day0),
		bugRecord(3, "new", day0),
	}
	svc := newTestService("svc", b, 0)
	q, _ := svc.Query(nil, tracker.Filters{Status: []string{"NEW"}})
	bugs, err := tracker.Collect(mustSearch(t, svc, q))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := entityIDs(bugs); !slices.Equal(got, []string{"1", "3"}) {
		t.Errorf("ids = %v, want [1 3]", got)
	}
}

func TestFetch_ModifiedAndTermsFilteredClientSide(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	summaries := []string{"Crash in parser", "parser CRASH on start", "crash only", "Parser crash"}
	for i, s := range summaries {
		rec := bugRecord(i+1, "NEW", day0)
		rec["summary"] = s
		rec["modified"] = day0.Add(time.Duration(i) * time.Hour)
		b.bugs = append(b.bugs, rec)
	}
	svc := newTestService("svc", b, 0)

	// modified is exclusive: bug 1 was modified exactly at the bound
	q, _ := svc.Query(nil, tracker.Filters{ModifiedAfter: day0, Terms: []string{"crash", "Parser"}})
	bugs, err := tracker.Collect(mustSearch(t, svc, q))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := entityIDs(bugs); !slices.Equal(got, []string{"2", "4"}) {
		t.Errorf("ids = %v, want [2 4]", got)
	}
}

func TestStream_CloseStopsRequests(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = seqBugs(6)
	svc := newTestService("svc", b, 0)

	q, _ := svc.Query(nil, tracker.Filters{}, tracker.PageSize(2))
	s := mustSearch(t, svc, q)
	for i := 0; i < 3; i++ {
		if !s.Next() {
			t.Fatalf("Next() = false at %d: %v", i, s.Err())
		}
	}
	before := len(b.requestLog())
	if before != 2 {
		t.Fatalf("requests after 3 entities = %d, want 2", before)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Next() {
		t.Error("Next() after Close = true")
	}
	if s.Err() != nil {
		t.Errorf("Err() after Close = %v", s.Err())
	}
	if after := len(b.requestLog()); after != before {
		t.Errorf("requests after Close = %d, want %d", after, before)
	}
}

func TestStream_NoRequestBeforeNext(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = seqBugs(2)
	svc := newTestService("svc", b, 0)

	q, _ := svc.Query(nil, tracker.Filters{})
	s := mustSearch(t, svc, q)
	defer s.Close()
	if n := len(b.requestLog()); n != 0 {
		t.Errorf("requests before Next = %d, want 0", n)
	}
}

func TestStream_BreakClosesStream(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = seqBugs(10)
	svc := newTestService("svc", b, 0)

	q, _ := svc.Query(nil, tracker.Filters{}, tracker.PageSize(3))
	s := mustSearch(t, svc, q)
	var seen []string
	for bug := range s.All() {
		seen = append(seen, bug.ID)
		if len(seen) == 4 {
			break
		}
	}
	if s.Next() {
		t.Error("stream still open after break")
	}
	if n := len(b.requestLog()); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestFetch_LimitStopsFetching(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = seqBugs(10)
	svc := newTestService("svc", b, 0)

	q, _ := svc.Query(nil, tracker.Filters{}, tracker.PageSize(2), tracker.Limit(3))
	bugs, err := tracker.Collect(mustSearch(t, svc, q))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := entityIDs(bugs); !slices.Equal(got, []string{"1", "2", "3"}) {
		t.Errorf("ids = %v, want [1 2 3]", got)
	}
	if n := len(b.requestLog()); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestFetch_PartialResultAfterRetries(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = seqBugs(6)
	b.fail = func(req *tracker.PageRequest) error {
		if len(req.IDs) > 0 && req.IDs[0] == "3" {
			return &tracker.TransportError{Service: "svc", Op: "search", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
		}
		return nil
	}
	svc := newTestService("svc", b, 2)

	q, _ := svc.Query([]string{"id"}, tracker.Filters{IDs: ids(6)})
	bugs, err := tracker.Collect(mustSearch(t, svc, q))

	if got := entityIDs(bugs); !slices.Equal(got, []string{"1", "2"}) {
		t.Errorf("delivered ids = %v, want [1 2]", got)
	}
	var perr *tracker.PartialResultError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want PartialResultError", err)
	}
	if perr.Delivered != 2 || perr.Batch != 1 || perr.Batches != 3 || perr.Attempts != 3 {
		t.Errorf("partial = %+v", perr)
	}
	if !slices.Equal(perr.BatchIDs, []string{"3", "4"}) {
		t.Errorf("BatchIDs = %v, want [3 4]", perr.BatchIDs)
	}
	if perr.RequestID == "" || perr.Service != "svc" {
		t.Errorf("missing identification: %+v", perr)
	}
	var terr *tracker.TransportError
	if !errors.As(err, &terr) || terr.StatusCode != 503 {
		t.Errorf("cause = %v, want wrapped TransportError", perr.Err)
	}

	reqs := b.requestLog()
	if len(reqs) != 4 {
		t.Errorf("requests = %d, want 4 (1 + 3 attempts)", len(reqs))
	}
	for _, r := range reqs {
		if slices.Contains(r.IDs, "5") {
			t.Error("batch 3 was attempted")
		}
	}
}

func TestFetch_NonRetryableFailsOnFirstAttempt(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = seqBugs(2)
	b.fail = func(*tracker.PageRequest) error {
		return &tracker.TransportError{Service: "svc", StatusCode: 401, Err: errors.New("unauthorized")}
	}
	svc := newTestService("svc", b, 0)

	q, _ := svc.Query(nil, tracker.Filters{})
	_, err := tracker.Collect(mustSearch(t, svc, q))
	var perr *tracker.PartialResultError
	if !errors.As(err, &perr) || perr.Attempts != 1 {
		t.Fatalf("err = %v, want PartialResultError after 1 attempt", err)
	}
	if n := len(b.requestLog()); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestFetch_RetryRecovers(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = seqBugs(2)
	calls := 0
	b.fail = func(*tracker.PageRequest) error {
		calls++
		if calls == 1 {
			return &tracker.TransportError{Service: "svc", StatusCode: 429, Retryable: true}
		}
		return nil
	}
	svc := newTestService("svc", b, 0)

	q, _ := svc.Query(nil, tracker.Filters{})
	bugs, err := tracker.Collect(mustSearch(t, svc, q))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(bugs) != 2 {
		t.Errorf("bugs = %d, want 2", len(bugs))
	}
}

func TestFetch_MalformedRecordStopsStream(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	b.bugs = []tracker.Record{
		bugRecord(1, "NEW", day0),
		{"status": "NEW", "created": day0},
		bugRecord(3, "NEW", day0),
	}
	svc := newTestService("svc", b, 0)

	q, _ := svc.Query(nil, tracker.Filters{})
	bugs, err := tracker.Collect(mustSearch(t, svc, q))
	if got := entityIDs(bugs); !slices.Equal(got, []string{"1"}) {
		t.Errorf("ids = %v, want [1]", got)
	}
	var mre *tracker.MalformedRecordError
	if !errors.As(err, &mre) {
		t.Fatalf("err = %v, want MalformedRecordError", err)
	}
	if mre.Field != "id" || mre.Service != "svc" {
		t.Errorf("malformed = %+v", mre)
	}
	for _, bug := range bugs {
		if bug.ID == "" {
			t.Error("yielded bug with empty id")
		}
	}
}

func TestFetch_CommentsKeepBugReference(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{Comments: true})
	b.comments = []tracker.Record{
		{"id": "10", "bug_id": "5", "creator": "alice@example.org", "created": day0, "text": "first"},
		{"id": "11", "bug_id": "5", "creator": "bob@example.org", "created": day0.Add(time.Minute), "text": "second"},
	}
	svc := newTestService("svc", b, 0)

	q, _ := svc.Query(nil, tracker.Filters{IDs: []string{"5"}})
	s, err := svc.Comments(context.Background(), q)
	if err != nil {
		t.Fatalf("Comments: %v", err)
	}
	comments, err := tracker.Collect(s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(comments) != 2 || comments[0].BugID != "5" {
		t.Fatalf("comments = %+v", comments)
	}
	user, _, _ := strings.Cut(comments[0].Creator, "@")
	if user != "alice" {
		t.Errorf("username = %q, want alice", user)
	}
}

func TestFetch_CommentFromUnrequestedBugIsMalformed(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{Comments: true})
	b.comments = []tracker.Record{
		{"id": "10", "bug_id": "5", "created": day0},
		{"id": "11", "created": day0},
	}
	svc := newTestService("svc", b, 0)

	q, _ := svc.Query(nil, tracker.Filters{IDs: []string{"5"}})
	s, err := svc.Comments(context.Background(), q)
	if err != nil {
		t.Fatalf("Comments: %v", err)
	}
	comments, err := tracker.Collect(s)
	if len(comments) != 1 {
		t.Errorf("comments = %d, want 1", len(comments))
	}
	if tracker.ErrorCode(err) != tracker.CodeMalformedRecord {
		t.Errorf("err = %v, want malformed record", err)
	}
}

func TestFetch_ValidationFailsBeforeRequest(t *testing.T) {
	b := newFakeBackend(tracker.Capabilities{})
	svc := newTestService("svc", b, 0)

	bad := svc.Builder().Build([]string{"nope"}, tracker.Filters{})
	if _, err := svc.Search(context.Background(), bad); tracker.ErrorCode(err) != tracker.CodeUnsupportedField {
		t.Errorf("Search err = %v, want unsupported field", err)
	}
	q, _ := svc.Query(nil, tracker.Filters{IDs: []string{"1"}})
	if _, err := svc.Comments(context.Background(), q); tracker.ErrorCode(err) != tracker.CodeValidation {
		t.Errorf("Comments err = %v, want validation error", err)
	}
	if n := len(b.requestLog()); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestFetch_StalledCursorFails(t *testing.T) {
	stalled := &stallBackend{fakeBackend: newFakeBackend(tracker.Capabilities{})}
	svc := tracker.NewService(tracker.Descriptor{Name: "svc"}, stalled, fastRetry())

	q, _ := svc.Query(nil, tracker.Filters{})
	bugs, err := tracker.Collect(mustSearch(t, svc, q))
	if len(bugs) != 2 {
		t.Errorf("bugs = %d, want 2", len(bugs))
	}
	if tracker.ErrorCode(err) != tracker.CodePartialResult {
		t.Errorf("err = %v, want partial result", err)
	}
}

// stallBackend always answers with the same continuation cursor.
type stallBackend struct {
	*fakeBackend
}

func (s *stallBackend) FetchPage(ctx context.Context, req *tracker.PageRequest) (*tracker.Page, error) {
	return &tracker.Page{
		Records: []tracker.Record{bugRecord(len(req.Cursor)+1, "NEW", day0)},
		Next:    "x",
	}, nil
}

func TestRetryPolicy_BackoffBounds(t *testing.T) {
	p := tracker.RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt <= 5; attempt++ {
		ceiling := min(100*time.Millisecond<<(attempt-1), 300*time.Millisecond)
		for i := 0; i < 20; i++ {
			d := p.Backoff(attempt)
			if d < ceiling/2 || d > ceiling {
				t.Fatalf("Backoff(%d) = %v, want in [%v, %v]", attempt, d, ceiling/2, ceiling)
			}
		}
	}
}

func mustSearch(t *testing.T, svc *tracker.Service, q *tracker.Query) *tracker.Stream[*tracker.Bug] {
	t.Helper()
	s, err := svc.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	return s
}
