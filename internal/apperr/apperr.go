// Package apperr defines the error taxonomy shared by the linking, presence
// and rendezvous packages. The HTTP and UDP layers render these errors; the
// protocol code only creates and wraps them.
package apperr

import "errors"

// Kind classifies an error for rendering.
type Kind string

const (
	KindValidation Kind = "validation"
	KindSecurity   Kind = "security"
	KindGeneric    Kind = "generic"
	KindProtocol   Kind = "protocol"
)

// Error is a classified error. Code is stable and safe to send to clients.
type Error struct {
	Kind    Kind
	Code    string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same code, so protocol sentinels
// still match after being wrapped or copied.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

const (
	CodeValidation = "VALIDATION"
	CodeSecurity   = "SECURITY"
	CodeGeneric    = "GENERIC"
)

// Protocol errors of the rendezvous component.
var (
	ErrInvalidOrExpiredPin = &Error{Kind: KindProtocol, Code: "INVALID_PIN", Message: "invalid or expired pin"}
	// ErrLocalNetworkConflict signals the client to retry over the local fallback.
	ErrLocalNetworkConflict   = &Error{Kind: KindProtocol, Code: "LOCAL_NETWORK", Message: "peers share a public address"}
	ErrNoMatchingLocalNetwork = &Error{Kind: KindProtocol, Code: "NO_MATCHING_NETWORK", Message: "no matching local network"}
	ErrPinOwnershipMismatch   = &Error{Kind: KindSecurity, Code: "PIN_OWNERSHIP", Message: "pin does not belong to this peer"}
)

// Validation reports bad or missing caller input for a field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Field: field, Message: message}
}

// Security reports a failed signature, ownership or credential check.
func Security(message string) *Error {
	return &Error{Kind: KindSecurity, Code: CodeSecurity, Message: message}
}

// Generic reports an infrastructure failure.
func Generic(message string, err error) *Error {
	return &Error{Kind: KindGeneric, Code: CodeGeneric, Message: message, Err: err}
}

// As extracts the classified error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindGeneric for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindGeneric
}
