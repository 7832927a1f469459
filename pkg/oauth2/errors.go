package oauth2

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure independently of the OAuth2 error code sent on the wire.
type Kind int

const (
	KindInvalidRequest Kind = iota
	KindPKCE
	KindUnknownEntity
	KindExpired
	KindSignature
	KindAlgorithm
	KindContent
	KindCertificate
	KindMismatch
	KindProtocolViolation
	KindUnavailable
	KindAlternativeAuth
	KindServer
)

var kindNames = map[Kind]string{
	KindInvalidRequest:    "invalid_request",
	KindPKCE:              "pkce",
	KindUnknownEntity:     "unknown_entity",
	KindExpired:           "expired",
	KindSignature:         "signature",
	KindAlgorithm:         "algorithm",
	KindContent:           "content",
	KindCertificate:       "certificate",
	KindMismatch:          "mismatch",
	KindProtocolViolation: "protocol_violation",
	KindUnavailable:       "unavailable",
	KindAlternativeAuth:   "alternative_auth",
	KindServer:            "server",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// OAuth2 error codes, RFC 6749 section 5.2
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

type Error struct {
	Kind        Kind   `json:"-"`
	HttpStatus  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Err         error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an error of the given kind. Code and HTTP status default
// to the values associated with the kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:        kind,
		HttpStatus:  kind.httpStatus(),
		Code:        kind.code(),
		Description: fmt.Sprintf(format, args...),
	}
}

// WrapError creates an error of the given kind keeping err as the cause.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	e := NewError(kind, format, args...)
	e.Err = err
	return e
}

// WithCode overrides the wire error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// AsError extracts an *Error from the chain of err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

func (k Kind) code() string {
	switch k {
	case KindInvalidRequest, KindContent, KindAlgorithm:
		return ErrorCodeInvalidRequest
	case KindPKCE, KindExpired, KindMismatch, KindProtocolViolation:
		return ErrorCodeInvalidGrant
	case KindUnknownEntity:
		return ErrorCodeInvalidClient
	case KindSignature, KindCertificate, KindAlternativeAuth:
		return ErrorCodeAccessDenied
	case KindUnavailable:
		return ErrorCodeTemporarilyUnavailable
	default:
		return ErrorCodeServerError
	}
}

func (k Kind) httpStatus() int {
	switch k {
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindServer:
		return http.StatusInternalServerError
	case KindSignature, KindCertificate, KindAlternativeAuth:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
