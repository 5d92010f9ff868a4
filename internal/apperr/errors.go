package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindPreconditionFailed
	KindUnavailable
)

// Error is the typed error every component returns across package
// boundaries. The HTTP layer maps it exactly once.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind and Code so sentinel comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusUnprocessableEntity
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func InvalidInput(code, message string) *Error {
	return newError(KindInvalidInput, code, message)
}

func Unauthenticated(code, message string) *Error {
	return newError(KindUnauthenticated, code, message)
}

func Forbidden(code, message string) *Error {
	return newError(KindForbidden, code, message)
}

func NotFound(code, message string) *Error {
	return newError(KindNotFound, code, message)
}

func Conflict(code, message string) *Error {
	return newError(KindConflict, code, message)
}

func PreconditionFailed(code, message string) *Error {
	return newError(KindPreconditionFailed, code, message)
}

func Unavailable(code, message string) *Error {
	return newError(KindUnavailable, code, message)
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: message, Err: err}
}

// Domain sentinels shared by the trading surface.
var (
	ErrInsufficientMargin = PreconditionFailed("insufficient_margin", "free margin is not enough for this position")
	ErrInvalidLeverage    = PreconditionFailed("invalid_leverage", "leverage outside the allowed range")
	ErrPriceUnavailable   = Unavailable("price_unavailable", "no fresh price for symbol")
	ErrChallengeTerminal  = PreconditionFailed("challenge_terminal", "challenge is failed or completed")
	ErrInvalidTpSl        = PreconditionFailed("invalid_tp_sl", "take profit or stop loss on the wrong side of entry")
	ErrSymbolUnknown      = InvalidInput("symbol_unknown", "symbol is not tracked")
)

// From returns err as *Error, wrapping unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("unexpected error", err)
}
