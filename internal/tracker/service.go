package tracker

import (
	"context"
	"log/slog"
)

// Service is a resolved tracker instance. It is immutable and safe for
// concurrent use; concurrent fetches share the backend's transport.
type Service struct {
	desc    Descriptor
	backend Backend
	caps    Capabilities
	builder *Builder
	retry   RetryPolicy
	logger  *slog.Logger
}

// NewService binds a backend to a descriptor outside of a Registry.
func NewService(desc Descriptor, backend Backend, opts ...RegistryOption) *Service {
	r := &Registry{retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return newService(desc, backend, r.retry.withDefaults(DefaultRetryPolicy()), r.logger)
}

func newService(desc Descriptor, backend Backend, retry RetryPolicy, logger *slog.Logger) *Service {
	caps := backend.Capabilities()
	if desc.MaxIDsPerRequest > 0 {
		caps.MaxIDsPerRequest = desc.MaxIDsPerRequest
	}
	if desc.PageSize > 0 {
		caps.DefaultPageSize = desc.PageSize
	}
	return &Service{
		desc:    desc,
		backend: backend,
		caps:    caps,
		builder: NewBuilder(desc.Name, caps),
		retry:   desc.Retry.withDefaults(retry),
		logger:  logger.With("service", desc.Name),
	}
}

func (s *Service) Name() string               { return s.desc.Name }
func (s *Service) Descriptor() Descriptor     { return s.desc }
func (s *Service) Capabilities() Capabilities { return s.caps }
func (s *Service) Builder() *Builder          { return s.builder }

// Query builds and validates a query in one step.
func (s *Service) Query(fields []string, filters Filters, opts ...QueryOption) (*Query, error) {
	return s.builder.Validate(s.builder.Build(fields, filters, opts...))
}

// Search streams the bugs matching q.
func (s *Service) Search(ctx context.Context, q *Query) (*Stream[*Bug], error) {
	return fetchTyped[*Bug](ctx, s, q, KindBug)
}

// Comments streams the comments of the bugs named by q's id filter.
func (s *Service) Comments(ctx context.Context, q *Query) (*Stream[*Comment], error) {
	return fetchTyped[*Comment](ctx, s, q, KindComment)
}

// Changes streams the history of the bugs named by q's id filter.
func (s *Service) Changes(ctx context.Context, q *Query) (*Stream[*Change], error) {
	return fetchTyped[*Change](ctx, s, q, KindChange)
}

// Fetch streams entities of kind for q.
func (s *Service) Fetch(ctx context.Context, q *Query, kind Kind) (*Stream[Entity], error) {
	return fetchTyped[Entity](ctx, s, q, kind)
}

// Fetch streams entities of kind from svc. Validation happens before any
// request is sent; the first request is issued by the stream's first Next.
func Fetch(ctx context.Context, svc *Service, q *Query, kind Kind) (*Stream[Entity], error) {
	return svc.Fetch(ctx, q, kind)
}

func fetchTyped[T Entity](ctx context.Context, s *Service, q *Query, kind Kind) (*Stream[T], error) {
	f, err := s.newFetcher(ctx, q, kind)
	if err != nil {
		return nil, err
	}
	return &Stream[T]{f: f}, nil
}
