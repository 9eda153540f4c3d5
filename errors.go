package staybook

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrNotAuthenticated is returned when an operation needs a current session.
	ErrNotAuthenticated = errors.New("staybook: not authenticated")

	// ErrNotOwner is returned when a user mutates a listing they do not own.
	ErrNotOwner = errors.New("staybook: listing is not owned by the current user")

	// ErrNotAdmin is returned when a moderation action is attempted by a non-admin.
	ErrNotAdmin = errors.New("staybook: admin role required")

	// ErrSessionEnded is returned when a refresh lands after the session it
	// was issued under has ended.
	ErrSessionEnded = errors.New("staybook: session ended during operation")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("staybook: record not found")

	// ErrSchemaMissing is returned when a backing table or relation is missing.
	// It indicates a deployment fault rather than bad input.
	ErrSchemaMissing = errors.New("staybook: table or relation missing")

	// ErrUploadInProgress is returned when the identity already has an active upload.
	ErrUploadInProgress = errors.New("staybook: an upload is already in progress")

	// ErrUploadClosed is returned when an abandoned or committed upload is used.
	ErrUploadClosed = errors.New("staybook: upload session is closed")

	// ErrInvalidStage is returned when an upload operation is not valid in the current stage.
	ErrInvalidStage = errors.New("staybook: operation not valid in current upload stage")

	// ErrInvalidContentType is returned when an image is not an image.
	ErrInvalidContentType = errors.New("staybook: unsupported content type")

	// ErrImageTooLarge is returned when an image exceeds the configured size limit.
	ErrImageTooLarge = errors.New("staybook: image exceeds size limit")

	// ErrObjectExists is returned when an upload would overwrite an existing object.
	ErrObjectExists = errors.New("staybook: object already exists")
)

// Kind classifies a failure by where it happened.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindTransport
	KindStorage
	KindRecord
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindStorage:
		return "storage"
	case KindRecord:
		return "record"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// CodeSchemaMissing marks a record error caused by a missing table.
const CodeSchemaMissing = "schema_missing"

// Error is the typed failure returned at every component boundary.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "sign_in" or "refresh".
	Op string
	// Code is an optional backend-specific code (CodeSchemaMissing, provider error codes).
	Code string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("staybook: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error. Backend adapters use it to report an exact kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		return KindValidation
	}
	return KindUnknown
}

// IsSchemaMissing reports whether err was caused by a missing table.
func IsSchemaMissing(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeSchemaMissing {
		return true
	}
	return errors.Is(err, ErrSchemaMissing)
}

// IsTransport reports whether err looks like a network or timeout failure.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify wraps err into an *Error. An err that already carries a kind keeps it;
// network failures become KindTransport; anything else gets fallback.
func classify(op string, fallback Kind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return &Error{Kind: e.Kind, Op: op, Code: e.Code, Err: e.Err}
		}
		return err
	}
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		return &Error{Kind: KindValidation, Op: op, Err: err}
	}
	if IsTransport(err) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	return &Error{Kind: fallback, Op: op, Err: err}
}

// FieldError reports one invalid field.
type FieldError struct {
	Field   string
	Message string
}

func (f FieldError) Error() string {
	return f.Field + ": " + f.Message
}

// ValidationErrors collects per-field failures of a local, pre-network check.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("staybook: invalid input: %s", strings.Join(parts, "; "))
}

// Field returns the failure for name, if any.
func (v ValidationErrors) Field(name string) (FieldError, bool) {
	for _, f := range v {
		if f.Field == name {
			return f, true
		}
	}
	return FieldError{}, false
}
