package tracker

import (
	"strconv"
	"time"
)

// Kind identifies the entity type a fetch produces.
type Kind string

const (
	KindBug     Kind = "bug"
	KindComment Kind = "comment"
	KindChange  Kind = "change"
)

// ParseKind converts a user supplied kind name.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindBug, "bugs":
		return KindBug, true
	case KindComment, "comments":
		return KindComment, true
	case KindChange, "changes":
		return KindChange, true
	}
	return "", false
}

// Record is a raw decoded backend record before mapping.
type Record = map[string]any

// Entity is a normalized Bug, Comment or Change.
type Entity interface {
	EntityKind() Kind
	// EntityID is unique within a service and kind. Never empty.
	EntityID() string
	// BugRef is the id of the bug the entity belongs to.
	BugRef() string
	// CreatedAt is zero when the backend did not report a creation time.
	CreatedAt() time.Time
}

// =============================================================================
// BUG
// =============================================================================

// Bug is a snapshot of one issue as reported by the backend at fetch time.
type Bug struct {
	ID         string
	Status     string
	Creator    string
	Created    time.Time
	Modified   time.Time
	Summary    string
	Assignee   string
	Product    string
	Component  string
	Resolution string
	Priority   string
	Severity   string
	Keywords   []string

	// Extra holds requested optional fields without a dedicated attribute,
	// keyed by logical field name.
	Extra map[string]any
}

func (b *Bug) EntityKind() Kind     { return KindBug }
func (b *Bug) EntityID() string     { return b.ID }
func (b *Bug) BugRef() string       { return b.ID }
func (b *Bug) CreatedAt() time.Time { return b.Created }

// Get returns the value of a logical field, or nil when the bug does not
// carry it.
func (b *Bug) Get(field string) any {
	switch field {
	case "id":
		return b.ID
	case "status":
		return b.Status
	case "creator":
		return b.Creator
	case "created":
		return b.Created
	case "modified":
		return b.Modified
	case "summary":
		return b.Summary
	case "assignee":
		return b.Assignee
	case "product":
		return b.Product
	case "component":
		return b.Component
	case "resolution":
		return b.Resolution
	case "priority":
		return b.Priority
	case "severity":
		return b.Severity
	case "keywords":
		return b.Keywords
	}
	if b.Extra == nil {
		return nil
	}
	return b.Extra[field]
}

// =============================================================================
// COMMENT
// =============================================================================

// Comment is a single comment attached to a bug.
type Comment struct {
	ID      string
	BugID   string
	Count   int // position within the bug's comments, 0 is the description
	Creator string
	Created time.Time
	Text    string
}

func (c *Comment) EntityKind() Kind     { return KindComment }
func (c *Comment) EntityID() string     { return c.ID }
func (c *Comment) BugRef() string       { return c.BugID }
func (c *Comment) CreatedAt() time.Time { return c.Created }

// =============================================================================
// CHANGE
// =============================================================================

// FieldChange is one field mutation inside a Change.
type FieldChange struct {
	Field   string
	Removed string
	Added   string
}

// Change is one history event on a bug. Several field changes made in a
// single edit share one Change.
type Change struct {
	ID      string
	BugID   string
	Seq     int
	Creator string
	Created time.Time
	Changes []FieldChange
}

func (c *Change) EntityKind() Kind     { return KindChange }
func (c *Change) EntityID() string     { return c.ID }
func (c *Change) BugRef() string       { return c.BugID }
func (c *Change) CreatedAt() time.Time { return c.Created }

// ChangeID builds the synthetic id of the seq-th history entry of a bug.
func ChangeID(bugID string, seq int) string {
	return bugID + ":" + strconv.Itoa(seq)
}

// CommentID builds the fallback id for comments whose backend has no
// comment-level identifier.
func CommentID(bugID string, count int) string {
	return bugID + ":" + strconv.Itoa(count)
}
