package http

import (
	"fmt"
	"net/url"
	"strconv"
)

// =============================================================================
// PAGINATION STRATEGIES
// Continuation tokens are opaque strings to the tracker engine; these
// helpers translate them to and from query parameters.
// =============================================================================

// =============================================================================
// OFFSET PAGINATION
// =============================================================================

// OffsetPaginator uses offset/limit pagination with the offset carried as
// a decimal cursor.
type OffsetPaginator struct {
	OffsetKey string // Query param name (default: "offset")
	LimitKey  string // Query param name (default: "limit")
}

// NewOffsetPaginator creates an offset paginator with the given keys.
func NewOffsetPaginator(offsetKey, limitKey string) OffsetPaginator {
	return OffsetPaginator{OffsetKey: offsetKey, LimitKey: limitKey}
}

// Offset decodes a cursor, empty meaning 0.
func (p OffsetPaginator) Offset(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid offset cursor %q", cursor)
	}
	return n, nil
}

// Apply sets the offset and limit parameters for the page at cursor.
func (p OffsetPaginator) Apply(query url.Values, cursor string, limit int) error {
	offset, err := p.Offset(cursor)
	if err != nil {
		return err
	}
	query.Set(p.offsetKey(), strconv.Itoa(offset))
	if limit > 0 {
		query.Set(p.limitKey(), strconv.Itoa(limit))
	}
	return nil
}

// Next returns the cursor after a page of got records, or "" when done.
// A negative total means the backend does not report one, and a short page
// ends the sequence.
func (p OffsetPaginator) Next(cursor string, got, limit, total int) string {
	offset, err := p.Offset(cursor)
	if err != nil || got == 0 {
		return ""
	}
	next := offset + got
	if total >= 0 {
		if next >= total {
			return ""
		}
	} else if limit <= 0 || got < limit {
		return ""
	}
	return strconv.Itoa(next)
}

func (p OffsetPaginator) offsetKey() string {
	if p.OffsetKey == "" {
		return "offset"
	}
	return p.OffsetKey
}

func (p OffsetPaginator) limitKey() string {
	if p.LimitKey == "" {
		return "limit"
	}
	return p.LimitKey
}

// =============================================================================
// CURSOR PAGINATION
// =============================================================================

// CursorPaginator passes a backend issued token through unchanged.
type CursorPaginator struct {
	CursorKey string // Query param name (default: "cursor")
	LimitKey  string // Query param name (default: "limit")
}

// Apply sets the cursor (when present) and limit parameters.
func (p CursorPaginator) Apply(query url.Values, cursor string, limit int) {
	if cursor != "" {
		key := p.CursorKey
		if key == "" {
			key = "cursor"
		}
		query.Set(key, cursor)
	}
	if limit > 0 {
		key := p.LimitKey
		if key == "" {
			key = "limit"
		}
		query.Set(key, strconv.Itoa(limit))
	}
}

// Next returns the backend token unless the backend flagged the last page.
func (p CursorPaginator) Next(token string, last bool) string {
	if last {
		return ""
	}
	return token
}
