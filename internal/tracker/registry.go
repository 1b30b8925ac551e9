package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Descriptor is the resolved configuration of one service.
type Descriptor struct {
	Name    string
	Aliases []string

	// Endpoint is the base URL of the tracker instance.
	Endpoint string

	// Dialect selects the backend factory, e.g. "bugzilla-rest".
	Dialect string

	// AuthRef names the credentials to use; empty means anonymous.
	AuthRef string

	// MaxIDsPerRequest overrides the dialect's id batch size when set.
	MaxIDsPerRequest int

	// PageSize overrides the dialect's default page size when set.
	PageSize int

	// RateLimit is requests per second (0 = transport default), Burst the
	// bucket size.
	RateLimit float64
	Burst     int

	// Concurrency bounds in-flight requests shared by all queries.
	Concurrency int

	Timeout time.Duration
	Retry   RetryPolicy

	// Options carries dialect specific settings.
	Options map[string]string
}

// Option returns a dialect option or def when unset.
func (d *Descriptor) Option(key, def string) string {
	if v, ok := d.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// Credentials are the secrets behind an auth reference.
type Credentials struct {
	User     string
	Password string
	Token    string
}

// IsZero reports whether no secret is set.
func (c Credentials) IsZero() bool {
	return c.User == "" && c.Password == "" && c.Token == ""
}

// CredentialSource resolves an auth reference.
type CredentialSource interface {
	Credentials(ref string) (Credentials, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ref string) (Credentials, error)

func (f CredentialFunc) Credentials(ref string) (Credentials, error) { return f(ref) }

// =============================================================================
// REGISTRY
// =============================================================================

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDialects sets the dialect table (default: DefaultDialects()).
func WithDialects(d *Dialects) RegistryOption {
	return func(r *Registry) { r.dialects = d }
}

// WithCredentials sets the source for auth references.
func WithCredentials(src CredentialSource) RegistryOption {
	return func(r *Registry) { r.creds = src }
}

// WithLogger sets the logger handed to services.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithRetry sets the retry policy for services that do not configure one.
func WithRetry(p RetryPolicy) RegistryOption {
	return func(r *Registry) { r.retry = p }
}

type registryEntry struct {
	desc Descriptor
	once sync.Once
	svc  *Service
	err  error
}

// Registry resolves service names and aliases to services. The name mapping
// is fixed at construction; backends are built on first resolution.
type Registry struct {
	entries  map[string]*registryEntry
	aliases  map[string]string
	dialects *Dialects
	creds    CredentialSource
	logger   *slog.Logger
	retry    RetryPolicy
}

// NewRegistry builds a registry over descs. Names and aliases are case
// insensitive and must be unique, and every dialect must be registered.
func NewRegistry(descs []Descriptor, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*registryEntry, len(descs)),
		aliases: make(map[string]string),
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dialects == nil {
		r.dialects = DefaultDialects()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.retry = r.retry.withDefaults(DefaultRetryPolicy())

	for _, d := range descs {
		name := strings.ToLower(d.Name)
		if name == "" {
			return nil, errors.New("tracker: service with empty name")
		}
		if _, ok := r.dialects.Get(d.Dialect); !ok {
			return nil, fmt.Errorf("tracker: service %s: unknown dialect %q (registered: %s)",
				d.Name, d.Dialect, strings.Join(r.dialects.List(), ", "))
		}
		if err := r.claim(name, name); err != nil {
			return nil, err
		}
		for _, a := range d.Aliases {
			if err := r.claim(strings.ToLower(a), name); err != nil {
				return nil, err
			}
		}
		d.Name = name
		r.entries[name] = &registryEntry{desc: d}
	}
	return r, nil
}

func (r *Registry) claim(key, owner string) error {
	if prev, ok := r.aliases[key]; ok {
		return fmt.Errorf("tracker: name %q of service %s already used by %s", key, owner, prev)
	}
	r.aliases[key] = owner
	return nil
}

// Names returns the canonical service names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Descriptor returns the descriptor of a service by name or alias.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

func (r *Registry) lookup(name string) (*registryEntry, bool) {
	canonical, ok := r.aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return r.entries[canonical], true
}

// Resolve returns the service for a name or alias, constructing its backend
// on first use. Later calls return the same Service.
func (r *Registry) Resolve(name string) (*Service, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, &UnknownServiceError{Name: name, Known: r.Names()}
	}
	e.once.Do(func() {
		e.svc, e.err = r.build(&e.desc)
	})
	return e.svc, e.err
}

func (r *Registry) build(desc *Descriptor) (*Service, error) {
	factory, _ := r.dialects.Get(desc.Dialect)

	var creds Credentials
	if desc.AuthRef != "" && r.creds != nil {
		c, err := r.creds.Credentials(desc.AuthRef)
		if err != nil {
			return nil, fmt.Errorf("tracker: service %s: credentials %q: %w", desc.Name, desc.AuthRef, err)
		}
		creds = c
	}

	backend, err := factory(desc, creds)
	if err != nil {
		return nil, fmt.Errorf("tracker: service %s: %w", desc.Name, err)
	}

	r.logger.Debug("service resolved", "service", desc.Name, "dialect", desc.Dialect, "endpoint", desc.Endpoint)
	return newService(*desc, backend, r.retry, r.logger), nil
}

var errRegistryClosed = errors.New("tracker: registry closed")

// Close releases every constructed backend. Services not yet resolved can
// no longer be resolved afterwards.
func (r *Registry) Close() error {
	var errs []error
	for _, e := range r.entries {
		// Waits for an in-flight build and blocks later ones.
		e.once.Do(func() { e.err = errRegistryClosed })
		if e.svc != nil {
			if err := e.svc.backend.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
