package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Typed errors below match their kind with errors.Is.
var (
	ErrAuth               = errors.New("auth error")
	ErrTransport          = errors.New("transport error")
	ErrValidation         = errors.New("validation error")
	ErrParse              = errors.New("parse error")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrIntegrity          = errors.New("data integrity error")
	ErrConflict           = errors.New("concurrent write conflict")
	ErrAcquisitionFailed  = errors.New("report generation failed")
	ErrAcquisitionExpired = errors.New("report acquisition expired")
)

// Kind names an error category for run reports, metrics and the audit table.
type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindAuth               Kind = "auth"
	KindTransport          Kind = "transport"
	KindValidation         Kind = "validation"
	KindParse              Kind = "parse"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindIntegrity          Kind = "integrity"
	KindConflict           Kind = "conflict"
	KindFailed             Kind = "acquisition_failed"
	KindExpired            Kind = "acquisition_expired"
	KindCancelled          Kind = "cancelled"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrAuth, KindAuth},
	{ErrValidation, KindValidation},
	{ErrParse, KindParse},
	{ErrStorageUnavailable, KindStorageUnavailable},
	{ErrIntegrity, KindIntegrity},
	{ErrConflict, KindConflict},
	{ErrAcquisitionFailed, KindFailed},
	{ErrAcquisitionExpired, KindExpired},
	{ErrTransport, KindTransport},
}

// KindOf classifies err. Unrecognized errors map to KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindUnknown
}

// IsTransient reports whether err may succeed on retry without operator action.
// A terminal acquisition outcome never is, whatever its last poll returned.
func IsTransient(err error) bool {
	if errors.Is(err, ErrAcquisitionFailed) || errors.Is(err, ErrAcquisitionExpired) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient()
	}
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConflict)
}

// TransportError is a failed or non-2xx call to the provider.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Transient reports whether the call is worth repeating: no response at all,
// throttling, or a server-side error.
func (e *TransportError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// AuthError is an authentication rejection (401/403 or failed login).
type AuthError struct {
	Op         string
	StatusCode int
	Msg        string
}

func (e *AuthError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: authentication rejected: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: authentication rejected (status %d)", e.Op, e.StatusCode)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// ValidationError is malformed input. Never retried automatically.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ParseError points at the artifact row and column that violated the schema.
// Row 1 is the header line.
type ParseError struct {
	Row    int
	Column string
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	switch {
	case e.Row > 0 && e.Column != "":
		return fmt.Sprintf("row %d, column %q: %s", e.Row, e.Column, e.Msg)
	case e.Row > 0:
		return fmt.Sprintf("row %d: %s", e.Row, e.Msg)
	default:
		return e.Msg
	}
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// StorageError wraps a persistence failure with its classified kind
// (ErrStorageUnavailable, ErrConflict or ErrIntegrity).
type StorageError struct {
	Op   string
	Kind error
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == e.Kind }
