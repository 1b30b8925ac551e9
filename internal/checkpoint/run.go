package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nucleus/tracker-core/internal/tracker"
)

// Result summarizes one incremental run.
type Result struct {
	// Since is the lower bound used for the fetch, zero on a first run.
	Since     time.Time
	Delivered int
	Newest    time.Time

	// Saved reports whether the watermark advanced.
	Saved bool
}

// Runner fetches entities newer than a stored watermark.
type Runner struct {
	store  Store
	logger *slog.Logger
}

// NewRunner creates a runner over store. A nil logger uses slog.Default.
func NewRunner(store Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, logger: logger}
}

// Run fetches kind for q from svc with CreatedAfter raised to the stored
// watermark of scope, calling fn for each entity. The watermark moves to
// the newest created time seen only when the stream is exhausted without
// error; a failure, a reached limit or an fn error leaves it untouched.
func (r *Runner) Run(ctx context.Context, svc *tracker.Service, q *tracker.Query, kind tracker.Kind, scope string, fn func(tracker.Entity) error) (Result, error) {
	key := Key{Service: svc.Name(), Kind: kind, Scope: scope}
	var res Result

	wm, err := r.store.Get(ctx, key)
	switch {
	case err == nil:
		if wm.Created.After(q.Filters.CreatedAfter) {
			q = q.WithCreatedAfter(wm.Created)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return res, err
	}
	res.Since = q.Filters.CreatedAfter

	s, err := svc.Fetch(ctx, q, kind)
	if err != nil {
		return res, err
	}
	defer s.Close()

	for e := range s.All() {
		if c := e.CreatedAt(); c.After(res.Newest) {
			res.Newest = c
		}
		if err := fn(e); err != nil {
			res.Delivered = s.Delivered()
			return res, fmt.Errorf("checkpoint %s: %w", scope, err)
		}
	}
	res.Delivered = s.Delivered()
	if err := s.Err(); err != nil {
		return res, err
	}
	if q.Limit > 0 && res.Delivered >= q.Limit {
		r.logger.Debug("limit reached, watermark kept", "service", key.Service, "kind", kind, "scope", scope)
		return res, nil
	}
	if res.Newest.IsZero() || !res.Newest.After(res.Since) {
		return res, nil
	}

	if err := r.store.Put(ctx, Watermark{Key: key, Created: res.Newest, Delivered: res.Delivered}); err != nil {
		return res, err
	}
	res.Saved = true
	r.logger.Info("watermark advanced", "service", key.Service, "kind", kind, "scope", scope,
		"created", res.Newest, "delivered", res.Delivered, "request_id", s.RequestID())
	return res, nil
}
