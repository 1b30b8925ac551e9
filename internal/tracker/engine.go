package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
)

// =============================================================================
// PAGINATION / BATCHING ENGINE
// A fetcher drives one query: id batches in input order, pages within a
// batch until the backend's cursor runs out. It only issues a request when
// the consumer asks for an entity and everything fetched so far has been
// handed out.
// =============================================================================

var errCursorStalled = errors.New("backend returned the same continuation cursor")

type fetcher struct {
	svc       *Service
	q         *Query
	kind      Kind
	params    Params
	pageSize  int
	requestID string
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	batches  [][]string
	batch    int
	cursor   string
	inBatch  map[string]struct{}
	requests int

	buf       []Entity
	cur       Entity
	pending   error
	err       error
	done      bool
	delivered int
}

func (s *Service) newFetcher(ctx context.Context, q *Query, kind Kind) (*fetcher, error) {
	if _, err := s.builder.ValidateFor(q, kind); err != nil {
		return nil, err
	}
	params, err := s.backend.RequestParams(q, kind)
	if err != nil {
		return nil, err
	}

	pageSize := q.PageSize
	if pageSize == 0 {
		pageSize = s.caps.DefaultPageSize
	}
	if s.caps.MaxPageSize > 0 && pageSize > s.caps.MaxPageSize {
		pageSize = s.caps.MaxPageSize
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	f := &fetcher{
		svc:       s,
		q:         q,
		kind:      kind,
		params:    params,
		pageSize:  pageSize,
		requestID: id,
		logger:    s.logger.With("kind", string(kind), "request_id", id),
		ctx:       ctx,
		cancel:    cancel,
		batches:   splitBatches(q.Filters.IDs, s.caps.MaxIDsPerRequest),
	}
	f.enterBatch()
	f.logger.Debug("fetch started", "query", q.String(), "batches", len(f.batches))
	return f, nil
}

// splitBatches cuts ids into consecutive runs of at most size, keeping order.
// An empty id list is one unfiltered batch.
func splitBatches(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return [][]string{nil}
	}
	if size <= 0 || len(ids) <= size {
		return [][]string{ids}
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for chunk := range slices.Chunk(ids, size) {
		batches = append(batches, chunk)
	}
	return batches
}

func (f *fetcher) enterBatch() {
	f.cursor = ""
	f.inBatch = nil
	if f.batch >= len(f.batches) || f.kind == KindBug {
		return
	}
	f.inBatch = make(map[string]struct{}, len(f.batches[f.batch]))
	for _, id := range f.batches[f.batch] {
		f.inBatch[id] = struct{}{}
	}
}

// next advances to the next entity, fetching a page when the buffer is
// empty. It reports false at exhaustion, failure or after close.
func (f *fetcher) next() bool {
	for {
		if f.closed.Load() {
			return false
		}
		if len(f.buf) > 0 {
			f.cur = f.buf[0]
			f.buf[0] = nil
			f.buf = f.buf[1:]
			f.delivered++
			if f.q.Limit > 0 && f.delivered >= f.q.Limit {
				f.logger.Debug("fetch limit reached", "delivered", f.delivered)
				f.finish()
			}
			return true
		}
		if f.pending != nil {
			var perr *PartialResultError
			if errors.As(f.pending, &perr) {
				perr.Delivered = f.delivered
			}
			f.err = f.pending
			f.pending = nil
			f.finish()
			return false
		}
		if f.done {
			return false
		}
		f.advance()
	}
}

func (f *fetcher) finish() {
	f.done = true
	f.buf = nil
	f.cancel()
}

func (f *fetcher) fail(err error) {
	f.err = err
	f.finish()
}

func (f *fetcher) close() {
	if f.closed.Swap(true) {
		return
	}
	f.cancel()
	f.logger.Debug("fetch closed", "delivered", f.delivered, "requests", f.requests)
}

// advance fetches and maps one page of the current batch.
func (f *fetcher) advance() {
	if f.batch >= len(f.batches) {
		f.logger.Debug("fetch complete", "delivered", f.delivered, "requests", f.requests)
		f.finish()
		return
	}

	page, attempts, err := f.fetchPage()
	if err != nil {
		if f.closed.Load() {
			f.finish()
			return
		}
		perr := &PartialResultError{
			Service:   f.svc.Name(),
			Kind:      f.kind,
			RequestID: f.requestID,
			Query:     f.q.String(),
			Delivered: f.delivered,
			Batch:     f.batch,
			Batches:   len(f.batches),
			BatchIDs:  slices.Clone(f.batches[f.batch]),
			Cursor:    f.cursor,
			Attempts:  attempts,
			Err:       err,
		}
		f.logger.Error("fetch failed", "batch", f.batch, "cursor", f.cursor, "attempts", attempts, "delivered", f.delivered, "error", err)
		f.pending = perr
		return
	}

	f.consume(page)
	if f.pending != nil {
		return
	}

	switch {
	case page.Next == "":
		f.batch++
		f.enterBatch()
	case page.Next == f.cursor:
		f.pending = &PartialResultError{
			Service:   f.svc.Name(),
			Kind:      f.kind,
			RequestID: f.requestID,
			Query:     f.q.String(),
			Delivered: f.delivered,
			Batch:     f.batch,
			Batches:   len(f.batches),
			BatchIDs:  slices.Clone(f.batches[f.batch]),
			Cursor:    f.cursor,
			Attempts:  attempts,
			Err:       &TransportError{Service: f.svc.Name(), Op: "paginate", Err: errCursorStalled},
		}
	default:
		f.cursor = page.Next
	}
}

// fetchPage issues the current page request, retrying retryable transport
// failures with backoff.
func (f *fetcher) fetchPage() (*Page, int, error) {
	req := &PageRequest{
		Kind:     f.kind,
		IDs:      f.batches[f.batch],
		Params:   f.params,
		Cursor:   f.cursor,
		PageSize: f.pageSize,
	}
	policy := f.svc.retry

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		f.requests++
		f.logger.Debug("page request", "batch", f.batch, "ids", len(req.IDs), "cursor", req.Cursor, "attempt", attempt)

		page, err := f.svc.backend.FetchPage(f.ctx, req)
		if err == nil {
			if page == nil {
				page = &Page{}
			}
			return page, attempt, nil
		}
		lastErr = err

		if f.ctx.Err() != nil || !IsRetryable(err) || attempt == policy.MaxAttempts {
			return nil, attempt, err
		}

		delay := policy.Backoff(attempt)
		f.logger.Warn("page request failed, retrying", "batch", f.batch, "attempt", attempt, "delay", delay, "error", err)
		if err := sleep(f.ctx, delay); err != nil {
			return nil, attempt, lastErr
		}
	}
	return nil, policy.MaxAttempts, lastErr
}

// consume maps a page into the buffer. Records are mapped in page order;
// a malformed record stops the stream after the records preceding it.
func (f *fetcher) consume(page *Page) {
	for _, rec := range page.Records {
		e, err := f.svc.backend.MapRecord(f.kind, rec)
		if err == nil {
			err = f.check(e, rec)
		}
		if err != nil {
			var mre *MalformedRecordError
			if errors.As(err, &mre) && mre.Service == "" {
				mre.Service = f.svc.Name()
			}
			f.logger.Error("malformed record", "batch", f.batch, "error", err)
			f.pending = err
			return
		}
		if !f.keep(e) {
			continue
		}
		f.buf = append(f.buf, e)
	}
}

// check enforces the identity invariants every yielded entity satisfies.
func (f *fetcher) check(e Entity, rec Record) error {
	malformed := func(field, reason string) error {
		return &MalformedRecordError{Service: f.svc.Name(), Kind: f.kind, Field: field, Reason: reason, Record: rec}
	}
	if e == nil {
		return malformed("id", "")
	}
	if e.EntityKind() != f.kind {
		return malformed("kind", fmt.Sprintf("mapped to %s", e.EntityKind()))
	}
	if e.EntityID() == "" {
		return malformed("id", "")
	}
	if f.kind == KindBug {
		return nil
	}
	ref := e.BugRef()
	if ref == "" {
		return malformed("bug_id", "")
	}
	if _, ok := f.inBatch[ref]; !ok {
		return malformed("bug_id", fmt.Sprintf("%s was not requested", ref))
	}
	return nil
}

// keep applies the exact client-side filters. Server-side filters are only
// a coarse prefilter, so both are always checked.
func (f *fetcher) keep(e Entity) bool {
	if !f.q.Filters.InWindow(e.CreatedAt()) {
		return false
	}
	if b, ok := e.(*Bug); ok && !f.q.Filters.MatchBug(b) {
		return false
	}
	return true
}
