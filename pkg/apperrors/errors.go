package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies domain errors so the API layer can map them to
// responses without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotAuthorized
	KindNotFound
	KindStateConflict
	KindInsufficientBalance
	KindInsufficientPayment
	KindExpired
	KindDuplicateProject
	KindFraudFlag
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotAuthorized:
		return "not_authorized"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInsufficientPayment:
		return "insufficient_payment"
	case KindExpired:
		return "expired"
	case KindDuplicateProject:
		return "duplicate_project"
	case KindFraudFlag:
		return "fraud_flag"
	default:
		return "unknown_error"
	}
}

// Error is a domain error with a classification kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two taxonomy errors by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// WithCause attaches an underlying error for %w-style unwrapping.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

func NotAuthorized(format string, args ...interface{}) *Error {
	return newf(KindNotAuthorized, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func StateConflict(format string, args ...interface{}) *Error {
	return newf(KindStateConflict, format, args...)
}

func InsufficientBalance(format string, args ...interface{}) *Error {
	return newf(KindInsufficientBalance, format, args...)
}

func InsufficientPayment(format string, args ...interface{}) *Error {
	return newf(KindInsufficientPayment, format, args...)
}

func Expired(format string, args ...interface{}) *Error {
	return newf(KindExpired, format, args...)
}

func DuplicateProject(format string, args ...interface{}) *Error {
	return newf(KindDuplicateProject, format, args...)
}

func FraudFlag(format string, args ...interface{}) *Error {
	return newf(KindFraudFlag, format, args...)
}

// KindOf extracts the taxonomy kind from an error chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// HTTPStatus maps a domain error to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotAuthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	case KindInsufficientBalance, KindInsufficientPayment:
		return http.StatusPaymentRequired
	case KindExpired:
		return http.StatusGone
	case KindDuplicateProject:
		return http.StatusConflict
	case KindFraudFlag:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
