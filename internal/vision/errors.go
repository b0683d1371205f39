package vision

import (
	"fmt"
)

// Kind classifies a failed analysis.
type Kind string

const (
	KindNetworkUnavailable   Kind = "network_unavailable"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindRemoteRequestFailed  Kind = "remote_request_failed"
	KindTransport            Kind = "transport"
	KindDecode               Kind = "decode"
)

// Error is returned by Client.Analyze for every failure.
//
// StatusCode and Message are set for HTTP failures. Err carries the
// underlying cause (dial error, JSON error, context error) when there is one.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

// Sentinels for errors.Is. A target with a StatusCode also matches on it:
//
//	errors.Is(err, &vision.Error{Kind: vision.KindRemoteRequestFailed, StatusCode: 500})
var (
	ErrNetworkUnavailable   = &Error{Kind: KindNetworkUnavailable}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrRemoteRequestFailed  = &Error{Kind: KindRemoteRequestFailed}
	ErrTransport            = &Error{Kind: KindTransport}
	ErrDecode               = &Error{Kind: KindDecode}
)

func (e *Error) Error() string {
	msg := "vision: " + string(e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, and of the same StatusCode
// when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.StatusCode == 0 || t.StatusCode == e.StatusCode
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindRemoteRequestFailed || e.Kind == KindTransport
}
