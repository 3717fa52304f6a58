package interop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"syscall"
)

// Kind classifies every failure the gateway can observe.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindDuplicate      Kind = "duplicate_transaction"
	KindUnknownPartner Kind = "unknown_partner"
	KindNotFound       Kind = "not_found"
	KindAuth           Kind = "auth"
	KindTransient      Kind = "transient"
	KindPermanent      Kind = "permanent"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindUnavailable    Kind = "unavailable"
	KindConflict       Kind = "conflict"
)

// Error is the single error type that crosses adapter and engine boundaries.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinel values below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Sentinels for errors.Is checks.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrDuplicate      = &Error{Kind: KindDuplicate}
	ErrUnknownPartner = &Error{Kind: KindUnknownPartner}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrAuth           = &Error{Kind: KindAuth}
	ErrTransient      = &Error{Kind: KindTransient}
	ErrPermanent      = &Error{Kind: KindPermanent}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrCancelled      = &Error{Kind: KindCancelled}
	ErrUnavailable    = &Error{Kind: KindUnavailable}
	ErrConflict       = &Error{Kind: KindConflict}
)

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func Permanent(code, format string, args ...any) *Error {
	return newError(KindPermanent, code, format, args...)
}

func Transient(code, format string, args ...any) *Error {
	return newError(KindTransient, code, format, args...)
}

func Auth(code, format string, args ...any) *Error {
	return newError(KindAuth, code, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, "NOT_FOUND", format, args...)
}

func Unavailable(format string, args ...any) *Error {
	return newError(KindUnavailable, "UNAVAILABLE", format, args...)
}

// Wrap attaches kind and code to an underlying cause.
func Wrap(kind Kind, code string, err error, format string, args ...any) *Error {
	e := newError(kind, code, format, args...)
	e.Err = err
	return e
}

// WithStatus records the protocol status code (HTTP or SMTP) on e.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// KindOf returns the classification of err. Errors that are not *Error are
// classified with Classify.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err).Kind
}

// CodeOf returns the error code carried by err, falling back to a code
// derived from its kind.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		return defaultCode(e.Kind)
	}
	return defaultCode(KindOf(err))
}

func defaultCode(k Kind) string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindAuth:
		return "AUTH_ERROR"
	case KindTransient:
		return "TRANSIENT_FAILURE"
	case KindPermanent:
		return "PERMANENT_FAILURE"
	case KindTimeout:
		return "TIMEOUT"
	case KindCancelled:
		return "CANCELLED"
	case KindUnavailable:
		return "UNAVAILABLE"
	case KindNotFound, KindUnknownPartner:
		return "UNKNOWN_PARTNER"
	}
	return "ERROR"
}

// Classify translates a raw transport error into the taxonomy. Adapters call
// it at their boundary so callers never see raw transport failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, "TIMEOUT", err, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, "CANCELLED", err, "cancelled")
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return ClassifySMTP(tpErr.Code, tpErr.Msg)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, "NETWORK_TIMEOUT", err, "network timeout: %v", err)
		}
		return Wrap(KindTransient, "NETWORK_ERROR", err, "network error: %v", err)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Wrap(KindTransient, "CONNECTION_RESET", err, "connection error: %v", err)
	}
	return Wrap(KindPermanent, "UNCLASSIFIED", err, "%v", err)
}
