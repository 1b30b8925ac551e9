// Package tracker is the public entry point: it re-exports the query and
// entity types and resolves configured services by name.
package tracker

import (
	"log/slog"
	"sync"

	"github.com/nucleus/tracker-core/internal/config"
	core "github.com/nucleus/tracker-core/internal/tracker"
	_ "github.com/nucleus/tracker-core/pkg/connector"
)

type (
	Kind         = core.Kind
	Entity       = core.Entity
	Bug          = core.Bug
	Comment      = core.Comment
	Change       = core.Change
	FieldChange  = core.FieldChange
	Filters      = core.Filters
	Query        = core.Query
	QueryOption  = core.QueryOption
	Capabilities = core.Capabilities
	Service      = core.Service
	Registry     = core.Registry
	Descriptor   = core.Descriptor
	Credentials  = core.Credentials

	PartialResultError    = core.PartialResultError
	TransportError        = core.TransportError
	ValidationError       = core.ValidationError
	UnknownServiceError   = core.UnknownServiceError
	UnsupportedFieldError = core.UnsupportedFieldError
	MalformedRecordError  = core.MalformedRecordError
)

// Stream lazily yields the entities of one fetch.
type Stream[T Entity] = core.Stream[T]

const (
	KindBug     = core.KindBug
	KindComment = core.KindComment
	KindChange  = core.KindChange
	StatusAll   = core.StatusAll
)

var (
	SortBy    = core.SortBy
	PageSize  = core.PageSize
	Limit     = core.Limit
	ErrorCode = core.ErrorCode
	Fetch     = core.Fetch
	ParseTime = core.ParseTime
)

// Collect drains s into a slice.
func Collect[T Entity](s *Stream[T]) ([]T, error) { return core.Collect(s) }

// NewRegistry builds a registry over cfg's services with credentials from
// the environment.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return core.NewRegistry(cfg.Descriptors(),
		core.WithCredentials(config.EnvCredentials()),
		core.WithLogger(logger),
	)
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// DefaultRegistry loads the configuration from TRACKER_CONFIG (or the
// per-user file) on first use.
func DefaultRegistry() (*Registry, error) {
	defaultOnce.Do(func() {
		cfg, err := config.Load("")
		if err != nil {
			defaultErr = err
			return
		}
		defaultRegistry, defaultErr = NewRegistry(cfg, nil)
	})
	return defaultRegistry, defaultErr
}

// GetService resolves a configured service name or alias.
func GetService(name string) (*Service, error) {
	r, err := DefaultRegistry()
	if err != nil {
		return nil, err
	}
	return r.Resolve(name)
}
