package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies a dispatch failure so the transport can map it to a
// response and the client knows whether to re-poll or fix its input.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindUnauthorized
	KindUpstream
)

// Error is the taxonomy error for all coordinator operations. Validation
// errors may carry per-field detail.
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the Kind from any error chain; unknown errors are treated
// as internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

func validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func fieldErrors(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Msg: "invalid request", Fields: fields}
}

func conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func unauthorizedf(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

func upstream(msg string, cause error) *Error {
	return &Error{Kind: KindUpstream, Msg: msg, cause: cause}
}
