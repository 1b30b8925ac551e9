package tracker_test

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nucleus/tracker-core/internal/tracker"
)

// fakeBackend serves an in-memory dataset with offset cursors.
type fakeBackend struct {
	caps     tracker.Capabilities
	bugs     []tracker.Record
	comments []tracker.Record

	// fail, when set, is consulted before every request.
	fail func(req *tracker.PageRequest) error

	mu       sync.Mutex
	requests []tracker.PageRequest
	closed   bool
}

func newFakeBackend(caps tracker.Capabilities) *fakeBackend {
	if caps.Fields == nil {
		caps.Fields = []string{"id", "status", "creator", "created", "summary"}
	}
	if caps.DefaultFields == nil {
		caps.DefaultFields = []string{"id", "status", "creator", "created"}
	}
	if caps.SortFields == nil {
		caps.SortFields = []string{"id", "created"}
	}
	if caps.DefaultPageSize == 0 {
		caps.DefaultPageSize = 100
	}
	return &fakeBackend{caps: caps}
}

func (b *fakeBackend) Capabilities() tracker.Capabilities { return b.caps }

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) requestLog() []tracker.PageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.requests)
}

func (b *fakeBackend) RequestParams(q *tracker.Query, kind tracker.Kind) (tracker.Params, error) {
	p := tracker.Params{}
	if b.caps.ServerSideCreatedFilter && !q.Filters.CreatedAfter.IsZero() {
		p["created_after"] = q.Filters.CreatedAfter
	}
	if b.caps.ServerSideStatusFilter && !q.Filters.AllStatuses() {
		p["status"] = q.Filters.Status
	}
	return p, nil
}

func (b *fakeBackend) FetchPage(ctx context.Context, req *tracker.PageRequest) (*tracker.Page, error) {
	b.mu.Lock()
	b.requests = append(b.requests, *req)
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.fail != nil {
		if err := b.fail(req); err != nil {
			return nil, err
		}
	}

	var matched []tracker.Record
	switch req.Kind {
	case tracker.KindBug:
		if req.IDs != nil {
			for _, id := range req.IDs {
				for _, r := range b.bugs {
					if r["id"] == id {
						matched = append(matched, r)
					}
				}
			}
		} else {
			matched = b.bugs
		}
	case tracker.KindComment:
		for _, r := range b.comments {
			if ref, _ := r["bug_id"].(string); ref == "" || slices.Contains(req.IDs, ref) {
				matched = append(matched, r)
			}
		}
	}

	// Server-side created filter with day granularity, like coarse
	// "changed since" filters of real trackers.
	if after, ok := req.Params["created_after"].(time.Time); ok {
		day := after.UTC().Truncate(24 * time.Hour)
		var kept []tracker.Record
		for _, r := range matched {
			if c, ok := r["created"].(time.Time); ok && !c.Before(day) {
				kept = append(kept, r)
			}
		}
		matched = kept
	}
	if statuses, ok := req.Params["status"].([]string); ok {
		var kept []tracker.Record
		for _, r := range matched {
			if s, _ := r["status"].(string); slices.Contains(statuses, s) {
				kept = append(kept, r)
			}
		}
		matched = kept
	}

	offset := 0
	if req.Cursor != "" {
		offset, _ = strconv.Atoi(req.Cursor)
	}
	end := min(offset+req.PageSize, len(matched))
	page := &tracker.Page{Records: matched[offset:end]}
	if end < len(matched) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func (b *fakeBackend) MapRecord(kind tracker.Kind, rec tracker.Record) (tracker.Entity, error) {
	str := func(k string) string { s, _ := rec[k].(string); return s }
	created, _ := rec["created"].(time.Time)
	switch kind {
	case tracker.KindBug:
		if str("id") == "" {
			return nil, &tracker.MalformedRecordError{Kind: kind, Field: "id", Record: rec}
		}
		modified, _ := rec["modified"].(time.Time)
		return &tracker.Bug{ID: str("id"), Status: str("status"), Creator: str("creator"), Created: created,
			Modified: modified, Summary: str("summary")}, nil
	case tracker.KindComment:
		if str("bug_id") == "" {
			return nil, &tracker.MalformedRecordError{Kind: kind, Field: "bug_id", Record: rec}
		}
		return &tracker.Comment{ID: str("id"), BugID: str("bug_id"), Creator: str("creator"), Created: created, Text: str("text")}, nil
	}
	return nil, errors.New("unsupported kind")
}

var _ tracker.Backend = (*fakeBackend)(nil)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bugRecord(id int, status string, created time.Time) tracker.Record {
	return tracker.Record{
		"id":      strconv.Itoa(id),
		"status":  status,
		"creator": "user" + strconv.Itoa(id) + "@example.org",
		"created": created,
	}
}

func seqBugs(n int) []tracker.Record {
	recs := make([]tracker.Record, n)
	for i := range recs {
		recs[i] = bugRecord(i+1, "CONFIRMED", day0.Add(time.Duration(i)*time.Hour))
	}
	return recs
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i + 1)
	}
	return out
}

func fastRetry() tracker.RegistryOption {
	return tracker.WithRetry(tracker.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
}

func newTestService(name string, b *fakeBackend, maxIDs int) *tracker.Service {
	return tracker.NewService(tracker.Descriptor{Name: name, Dialect: "fake", MaxIDsPerRequest: maxIDs}, b, fastRetry())
}

func entityIDs[T tracker.Entity](items []T) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = e.EntityID()
	}
	return out
}
