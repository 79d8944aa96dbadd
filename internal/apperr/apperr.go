package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by who can fix them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUpstream
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindAuth:
		return "auth"
	default:
		return "internal"
	}
}

const (
	CodeMissingField      = "MissingField"
	CodeInvalidInput      = "InvalidInput"
	CodeProductNotFound   = "ProductNotFound"
	CodeProductInactive   = "ProductInactive"
	CodeInsufficientStock = "InsufficientStock"
	CodeOrderNotFound     = "OrderNotFound"
	CodeOrderAlreadyPaid  = "OrderAlreadyPaid"
	CodeOrderTerminal     = "OrderTerminal"
	CodeIllegalTransition = "IllegalTransition"
	CodeUnknownGateway    = "UnknownGateway"
	CodeUpstreamGateway   = "UpstreamGatewayError"
	CodeGatewayAuth       = "GatewayAuthError"
	CodeInvalidSignature  = "InvalidSignature"
	CodeUnauthorized      = "Unauthorized"
	CodeInternal          = "Internal"
)

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

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, fmt.Sprintf(format, args...))
}

func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, fmt.Sprintf(format, args...))
}

func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, fmt.Sprintf(format, args...))
}

func Upstream(msg string, err error) *Error {
	return Wrap(KindUpstream, CodeUpstreamGateway, msg, err)
}

func GatewayAuth(msg string, err error) *Error {
	return Wrap(KindAuth, CodeGatewayAuth, msg, err)
}

func Internal(msg string, err error) *Error {
	return Wrap(KindInternal, CodeInternal, msg, err)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

func Is(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
