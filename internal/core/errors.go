// Package core defines the domain types, error taxonomy, and
// interfaces shared by every AHA subsystem (registry, pool manager,
// provisioning authority, certificate authority, client resolver).
// Infrastructure packages (nexus, hive, pki, transport) implement the
// interfaces declared here; nothing in this package touches the
// network or disk directly.
package core

import "fmt"

// ErrorCode is the closed taxonomy from spec.md §7. Every domain
// error either carries one of these codes directly (DomainError) or
// is a concrete type a caller can recognise with errors.As and that
// the RPC/HTTP layers map to exactly one of these codes.
type ErrorCode int

const (
	ErrorCodeNoSuchName ErrorCode = iota
	ErrorCodeNotReady
	ErrorCodeNeedConfValu
	ErrorCodeBadConfValu
	ErrorCodeBadArg
	ErrorCodeAuthDeny
	ErrorCodeTimeout
	ErrorCodeSchemaViolation
	ErrorCodeCantRevLayer
	ErrorCodeBadStorageVersion
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNoSuchName:
		return "no-such-name"
	case ErrorCodeNotReady:
		return "not-ready"
	case ErrorCodeNeedConfValu:
		return "need-conf-valu"
	case ErrorCodeBadConfValu:
		return "bad-conf-valu"
	case ErrorCodeBadArg:
		return "bad-arg"
	case ErrorCodeAuthDeny:
		return "auth-deny"
	case ErrorCodeTimeout:
		return "timeout"
	case ErrorCodeSchemaViolation:
		return "schema-violation"
	case ErrorCodeCantRevLayer:
		return "cant-rev-layer"
	case ErrorCodeBadStorageVersion:
		return "bad-storage-version"
	default:
		return "unknown"
	}
}

// DomainError is the generic error carrier for codes that do not need
// a dedicated concrete type. Handlers map DomainError.Code onto the
// RPC/HTTP wire taxonomy; they never invent a new code.
type DomainError struct {
	Code    ErrorCode
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewDomainError constructs a DomainError with a formatted message.
func NewDomainError(code ErrorCode, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Concrete error types
//
// These exist (rather than just DomainError) where callers need to
// extract structured detail with errors.As, following the pattern of
// the teacher's ErrClusterNotFound / ErrNotReady.
// ---------------------------------------------------------------------------

// ErrNoSuchName indicates a registry/pool/token lookup miss.
type ErrNoSuchName struct {
	Name string
}

func (e *ErrNoSuchName) Error() string {
	return fmt.Sprintf("no-such-name: %s", e.Name)
}

// ErrNotReady indicates a prerequisite subsystem or configuration has
// not been initialised yet (e.g. no aha:servers configured).
type ErrNotReady struct {
	Reason string
}

func (e *ErrNotReady) Error() string {
	return fmt.Sprintf("not-ready: %s", e.Reason)
}

// ErrNeedConfValu indicates a required configuration key is absent.
type ErrNeedConfValu struct {
	Key string
}

func (e *ErrNeedConfValu) Error() string {
	return fmt.Sprintf("need-conf-valu: %s", e.Key)
}

// ErrBadConfValu indicates a configuration key is present but
// semantically invalid (e.g. a network mismatch).
type ErrBadConfValu struct {
	Key    string
	Reason string
}

func (e *ErrBadConfValu) Error() string {
	return fmt.Sprintf("bad-conf-valu: %s: %s", e.Key, e.Reason)
}

// ErrBadArg indicates a caller-supplied argument failed validation
// (malformed URL, wrong CN, unrecognised mod key, ...).
type ErrBadArg struct {
	Reason string
}

func (e *ErrBadArg) Error() string {
	return fmt.Sprintf("bad-arg: %s", e.Reason)
}

// ErrAuthDeny indicates the caller is unauthenticated, unauthorised,
// or failed TLS peer validation.
type ErrAuthDeny struct {
	Reason string
}

func (e *ErrAuthDeny) Error() string {
	return fmt.Sprintf("auth-deny: %s", e.Reason)
}

// ErrTimeout indicates a local deadline was exceeded; the remote
// effect is ambiguous unless the caller knows the operation is
// idempotent.
type ErrTimeout struct {
	Op string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("timeout: %s", e.Op)
}

// AsErrorCode maps a concrete domain error (or a *DomainError) onto
// its ErrorCode. It returns false for errors this package did not
// produce, letting callers fall back to a generic code.
func AsErrorCode(err error) (ErrorCode, bool) {
	switch e := err.(type) {
	case *ErrNoSuchName:
		return ErrorCodeNoSuchName, true
	case *ErrNotReady:
		return ErrorCodeNotReady, true
	case *ErrNeedConfValu:
		return ErrorCodeNeedConfValu, true
	case *ErrBadConfValu:
		return ErrorCodeBadConfValu, true
	case *ErrBadArg:
		return ErrorCodeBadArg, true
	case *ErrAuthDeny:
		return ErrorCodeAuthDeny, true
	case *ErrTimeout:
		return ErrorCodeTimeout, true
	case *DomainError:
		return e.Code, true
	default:
		return 0, false
	}
}
