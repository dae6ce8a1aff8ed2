package cortex

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrCortex matches every error produced by this package:
//
//	if errors.Is(err, cortex.ErrCortex) { ... }
var ErrCortex = errors.New("cortex data lake error")

// ErrorKind classifies a generic *Error.
type ErrorKind string

const (
	KindGeneric     ErrorKind = "generic"
	KindInvalidJSON ErrorKind = "invalid-json"
	KindProtocol    ErrorKind = "protocol-violation"
)

// Error is the generic library error. Protocol violations (an unexpected job
// state) and responses that are not valid JSON are reported with this type.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrCortex }

// newError creates an *Error with a formatted message.
func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ConfigErrorKind tells why a configuration or call argument was rejected.
type ConfigErrorKind string

const (
	UnexpectedArgument ConfigErrorKind = "unexpected-argument"
	MissingArgument    ConfigErrorKind = "missing-required-argument"
	InvalidArgument    ConfigErrorKind = "invalid-argument"
)

// ConfigurationError reports unexpected, missing or malformed arguments
// given to a constructor or to Request.
type ConfigurationError struct {
	Kind   ConfigErrorKind
	Keys   []string
	Reason string
}

func (e *ConfigurationError) Error() string {
	keys := strings.Join(e.Keys, ", ")
	switch e.Kind {
	case UnexpectedArgument:
		return "unexpected argument: " + keys
	case MissingArgument:
		return "missing required argument: " + keys
	default:
		if e.Reason != "" {
			return fmt.Sprintf("invalid argument %s: %s", keys, e.Reason)
		}
		return "invalid argument: " + keys
	}
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrCortex }

func unexpectedArgument(keys ...string) *ConfigurationError {
	return &ConfigurationError{Kind: UnexpectedArgument, Keys: keys}
}

func missingArgument(name string) *ConfigurationError {
	return &ConfigurationError{Kind: MissingArgument, Keys: []string{name}}
}

func invalidArgument(key, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Kind: InvalidArgument, Keys: []string{key}, Reason: fmt.Sprintf(format, args...)}
}

// TransportError wraps a failure to complete an HTTP exchange: connection
// refused, TLS failure, timeout or a malformed response.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrCortex }

// HTTPError is returned for 4xx/5xx responses when status enforcement is on,
// and for any foreign error surfacing from Request.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
	Err        error
}

func (e *HTTPError) Error() string {
	if e.StatusCode == 0 {
		if e.Err != nil {
			return e.Err.Error()
		}
		return "http error"
	}
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if len(e.Body) > 0 {
		return fmt.Sprintf("http %s: %s", status, strings.TrimSpace(string(e.Body)))
	}
	return "http " + status
}

func (e *HTTPError) Unwrap() error { return e.Err }

func (e *HTTPError) Is(target error) bool { return target == ErrCortex }

// PartialCredentialsError is returned by credentials that hold neither an
// access token nor a way to refresh one.
type PartialCredentialsError struct {
	Missing string
}

func (e *PartialCredentialsError) Error() string {
	return "partial credentials: missing " + e.Missing
}

func (e *PartialCredentialsError) Is(target error) bool { return target == ErrCortex }
