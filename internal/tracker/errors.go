package tracker

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CodeUnknownService   = "E_UNKNOWN_SERVICE"
	CodeValidation       = "E_VALIDATION"
	CodeUnsupportedField = "E_UNSUPPORTED_FIELD"
	CodeTransport        = "E_TRANSPORT"
	CodePartialResult    = "E_PARTIAL_RESULT"
	CodeMalformedRecord  = "E_MALFORMED_RECORD"
)

// Coded is implemented by every error this package returns.
type Coded interface {
	error
	Code() string
}

// ErrorCode returns the code of the first coded error in err's chain, or an
// empty string.
func ErrorCode(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// UnknownServiceError is returned when a name resolves to no configured
// service.
type UnknownServiceError struct {
	Name  string
	Known []string
}

func (e *UnknownServiceError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown service %q", e.Name)
	}
	return fmt.Sprintf("unknown service %q (configured: %s)", e.Name, strings.Join(e.Known, ", "))
}

func (e *UnknownServiceError) Code() string { return CodeUnknownService }

// ValidationError rejects a query before any request is issued.
type ValidationError struct {
	Service string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Service != "" {
		b.WriteString(e.Service)
		b.WriteString(": ")
	}
	b.WriteString("invalid query")
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func (e *ValidationError) Code() string { return CodeValidation }

// UnsupportedFieldError names a field the backend cannot return.
type UnsupportedFieldError struct {
	Service string
	Field   string
}

func (e *UnsupportedFieldError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("unsupported field %q", e.Field)
	}
	return fmt.Sprintf("%s: unsupported field %q", e.Service, e.Field)
}

func (e *UnsupportedFieldError) Code() string { return CodeUnsupportedField }

// TransportError is a network or backend level failure. Retryable marks
// failures worth another attempt (rate limiting, 5xx, connection errors).
type TransportError struct {
	Service    string
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Code() string  { return CodeTransport }

// PartialResultError ends a stream whose batch kept failing after all retry
// attempts. Everything before the failing batch page was delivered; the
// batch and cursor identify where a caller can resume.
type PartialResultError struct {
	Service   string
	Kind      Kind
	RequestID string
	Query     string

	// Delivered is the number of entities yielded before the failure.
	Delivered int

	// Batch is the zero based index of the failing batch out of Batches.
	Batch    int
	Batches  int
	BatchIDs []string

	// Cursor is the continuation token of the page that failed; empty for
	// the first page of a batch.
	Cursor   string
	Attempts int
	Err      error
}

func (e *PartialResultError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: partial %s results (request %s): %d delivered, batch %d/%d failed",
		e.Service, e.Kind, e.RequestID, e.Delivered, e.Batch+1, e.Batches)
	if len(e.BatchIDs) > 0 {
		fmt.Fprintf(&b, " ids=[%s]", strings.Join(e.BatchIDs, ","))
	}
	if e.Cursor != "" {
		fmt.Fprintf(&b, " cursor=%q", e.Cursor)
	}
	fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	if e.Query != "" {
		fmt.Fprintf(&b, " query={%s}", e.Query)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PartialResultError) Unwrap() error { return e.Err }
func (e *PartialResultError) Code() string  { return CodePartialResult }

// MalformedRecordError reports a backend record missing a required field.
type MalformedRecordError struct {
	Service string
	Kind    Kind
	Field   string
	Reason  string
	Record  Record
}

func (e *MalformedRecordError) Error() string {
	msg := fmt.Sprintf("%s: malformed %s record: missing %s", e.Service, e.Kind, e.Field)
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: malformed %s record: %s: %s", e.Service, e.Kind, e.Field, e.Reason)
	}
	return msg
}

func (e *MalformedRecordError) Code() string { return CodeMalformedRecord }

// IsRetryable reports whether err is a retryable TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}
