package tracker

import (
	"fmt"
	"iter"
)

// Stream lazily yields the entities of one fetch. It is consumed once and
// is not safe for concurrent use, except that Close may be called from
// another goroutine to abort an in-flight request.
type Stream[T Entity] struct {
	f   *fetcher
	cur T
}

// Next advances to the next entity, blocking on the backend when a new page
// is needed. It returns false when the stream is exhausted, failed or
// closed; check Err afterwards.
func (s *Stream[T]) Next() bool {
	if !s.f.next() {
		var zero T
		s.cur = zero
		return false
	}
	v, ok := s.f.cur.(T)
	if !ok {
		s.f.fail(&MalformedRecordError{
			Service: s.f.svc.Name(),
			Kind:    s.f.kind,
			Field:   "kind",
			Reason:  fmt.Sprintf("unexpected entity type %T", s.f.cur),
		})
		return false
	}
	s.cur = v
	return true
}

// Value returns the current entity.
func (s *Stream[T]) Value() T { return s.cur }

// Err returns the error that ended the stream, if any. Closing a stream
// early is not an error.
func (s *Stream[T]) Err() error { return s.f.err }

// Close stops the stream. No request is issued after Close, and a request
// in flight is cancelled.
func (s *Stream[T]) Close() error {
	s.f.close()
	return nil
}

// Delivered returns the number of entities yielded so far.
func (s *Stream[T]) Delivered() int { return s.f.delivered }

// Requests returns the number of backend requests issued so far, retries
// included.
func (s *Stream[T]) Requests() int { return s.f.requests }

// RequestID identifies the fetch in logs and errors.
func (s *Stream[T]) RequestID() string { return s.f.requestID }

// All returns an iterator over the remaining entities. Breaking out of the
// loop closes the stream. Check Err after the loop.
func (s *Stream[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for s.Next() {
			if !yield(s.cur) {
				s.Close()
				return
			}
		}
	}
}

// Collect drains s into a slice and closes it. Entities yielded before a
// failure are returned alongside the error.
func Collect[T Entity](s *Stream[T]) ([]T, error) {
	defer s.Close()
	var out []T
	for s.Next() {
		out = append(out, s.Value())
	}
	return out, s.Err()
}
