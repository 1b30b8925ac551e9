package tracker

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// =============================================================================
// BACKEND CONTRACT
// A dialect plugs in by implementing Backend; the engine never branches on
// the dialect itself.
// =============================================================================

// Params holds backend specific request parameters produced by a Mapper.
type Params = map[string]any

// PageRequest asks a transport for one page.
type PageRequest struct {
	Kind Kind

	// IDs is the current batch of the id filter, nil when unfiltered.
	IDs []string

	Params Params

	// Cursor is the continuation token from the previous page of this
	// batch, empty for the first page.
	Cursor string

	PageSize int
}

// Page is one decoded backend response. An empty Next ends the batch.
type Page struct {
	Records []Record
	Next    string
}

// Transport issues raw requests to one backend instance.
type Transport interface {
	FetchPage(ctx context.Context, req *PageRequest) (*Page, error)
	Close() error
}

// Mapper translates between normalized queries/entities and a backend's
// wire vocabulary.
type Mapper interface {
	// RequestParams converts q into parameters sent with every page of a
	// fetch of kind.
	RequestParams(q *Query, kind Kind) (Params, error)

	// MapRecord converts one raw record. A record missing a required field
	// fails with *MalformedRecordError.
	MapRecord(kind Kind, rec Record) (Entity, error)
}

// Backend is a transport and mapper pair with declared capabilities.
type Backend interface {
	Transport
	Mapper
	Capabilities() Capabilities
}

// =============================================================================
// DIALECTS
// =============================================================================

// Factory constructs the backend for a resolved service descriptor.
type Factory func(desc *Descriptor, creds Credentials) (Backend, error)

// Dialects maps dialect identifiers to backend factories.
type Dialects struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewDialects creates an empty dialect table.
func NewDialects() *Dialects {
	return &Dialects{factories: make(map[string]Factory)}
}

// Register adds a factory for the dialect.
// Panics if the dialect is already registered.
func (d *Dialects) Register(dialect string, factory Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.factories[dialect]; exists {
		panic(fmt.Sprintf("tracker dialect already registered: %s", dialect))
	}
	d.factories[dialect] = factory
}

// Get returns the factory for the dialect.
func (d *Dialects) Get(dialect string) (Factory, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.factories[dialect]
	return f, ok
}

// List returns the registered dialects, sorted.
func (d *Dialects) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.factories))
	for name := range d.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var defaultDialects = NewDialects()

// DefaultDialects returns the process-wide dialect table populated by
// connector packages at init.
func DefaultDialects() *Dialects {
	return defaultDialects
}

// RegisterDialect adds a factory to the default dialect table.
func RegisterDialect(dialect string, factory Factory) {
	defaultDialects.Register(dialect, factory)
}
