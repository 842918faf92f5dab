package devtools

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedMessage    = errors.New("malformed message")
	ErrStreamRead          = errors.New("stream read failed")
	ErrAlreadyReading      = errors.New("stream reader already used")
	ErrScopedStateConflict = errors.New("scoped state conflict")
	ErrNotSetUp            = errors.New("monitoring not set up")
	ErrTimeout             = errors.New("timed out waiting for a message")
	ErrUnexpectedResponse  = errors.New("unexpected response")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrDiscovery           = errors.New("devtools discovery failed")
	ErrInvalidMethod       = errors.New("invalid method")
	ErrUnknownListener     = errors.New("unknown listener")
	ErrInvalidState        = errors.New("invalid connection state")
)

// ConnectionError is a session failure of a given kind.
type ConnectionError struct {
	Kind error
	Msg  string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *ConnectionError) Unwrap() error { return e.Kind }

func connError(kind error, format string, args ...any) error {
	return &ConnectionError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ProtocolError is the error object of a response.
type ProtocolError struct {
	Method  string `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Data != "" {
		msg += " (" + e.Data + ")"
	}
	if e.Method != "" {
		return fmt.Sprintf("devtools %s failed: %s (code %d)", e.Method, msg, e.Code)
	}
	return fmt.Sprintf("devtools request failed: %s (code %d)", msg, e.Code)
}

// DiscoveryError reports a /json endpoint that answered with a non-200
// status.
type DiscoveryError struct {
	StatusCode int
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("%s: cannot connect to DevTools, response code %d", ErrDiscovery, e.StatusCode)
}

func (e *DiscoveryError) Unwrap() error { return ErrDiscovery }
