package tracker

import "slices"

// Capabilities declares what a backend dialect can do. The engine and the
// query builder consult these flags instead of branching on dialect.
type Capabilities struct {
	// Comments and Changes report support for the respective kinds.
	// Bugs are always supported.
	Comments bool
	Changes  bool

	// MaxIDsPerRequest bounds the id filter of one request (0 = unbounded).
	MaxIDsPerRequest int

	// DefaultPageSize is used when a query carries no page size hint.
	DefaultPageSize int

	// MaxPageSize caps page size hints (0 = no cap).
	MaxPageSize int

	// ServerSideCreatedFilter means the backend narrows by creation time.
	// The exact window is still checked client-side.
	ServerSideCreatedFilter bool

	// ServerSideStatusFilter means the backend narrows by status.
	ServerSideStatusFilter bool

	// IDsExclusiveWithStatus rejects queries combining ids and statuses.
	IDsExclusiveWithStatus bool

	// Fields lists the logical bug fields the backend can return.
	Fields []string

	// FieldAliases maps alternative names to entries of Fields.
	FieldAliases map[string]string

	// DefaultFields is returned when a query names no fields.
	DefaultFields []string

	// SortFields lists the fields accepted as a sort key.
	SortFields []string
}

// Supports reports whether the backend can produce entities of kind k.
func (c Capabilities) Supports(k Kind) bool {
	switch k {
	case KindBug:
		return true
	case KindComment:
		return c.Comments
	case KindChange:
		return c.Changes
	}
	return false
}

// HasField reports whether name is a known logical field.
func (c Capabilities) HasField(name string) bool {
	return slices.Contains(c.Fields, name)
}

// CanSort reports whether name is accepted as a sort key.
func (c Capabilities) CanSort(name string) bool {
	return slices.Contains(c.SortFields, name)
}

// Kinds lists the supported entity kinds.
func (c Capabilities) Kinds() []Kind {
	kinds := []Kind{KindBug}
	if c.Comments {
		kinds = append(kinds, KindComment)
	}
	if c.Changes {
		kinds = append(kinds, KindChange)
	}
	return kinds
}
