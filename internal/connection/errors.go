package connection

import (
	"errors"
	"fmt"
)

// ConnectionErrorKind why connect failed.
type ConnectionErrorKind string

const (
	ConnectTimeout   ConnectionErrorKind = "Timeout"
	ConnectAuth      ConnectionErrorKind = "Auth"
	ConnectTransport ConnectionErrorKind = "Transport"
)

// PublishErrorKind why publish failed.
type PublishErrorKind string

const (
	PublishNotConnected      PublishErrorKind = "NotConnected"
	PublishTransportRejected PublishErrorKind = "TransportRejected"
)

// Sentinels for errors.Is against ConnectionError/PublishError.
var (
	ErrTimeout           = errors.New("connection timed out")
	ErrAuth              = errors.New("broker rejected credentials")
	ErrTransport         = errors.New("transport failure")
	ErrNotConnected      = errors.New("device not connected")
	ErrTransportRejected = errors.New("transport rejected publish")

	// ErrNoToken no valid bearer token could be obtained; connect was not attempted.
	ErrNoToken = errors.New("no valid token available")

	errInboundFull = errors.New("inbound buffer full, message dropped")
)

// ConnectionError is returned by Connect.
type ConnectionError struct {
	Kind     ConnectionErrorKind
	DeviceID string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect %s: %s: %v", e.DeviceID, e.Kind, e.Err)
	}
	return fmt.Sprintf("connect %s: %s", e.DeviceID, e.Kind)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error kind.
func (e *ConnectionError) Is(target error) bool {
	switch e.Kind {
	case ConnectTimeout:
		return target == ErrTimeout
	case ConnectAuth:
		return target == ErrAuth
	case ConnectTransport:
		return target == ErrTransport
	}
	return false
}

// PublishError is returned by Publish. AuthFailure marks a rejection caused by
// expired or revoked credentials, which needs a new token rather than a retry.
type PublishError struct {
	Kind        PublishErrorKind
	DeviceID    string
	Topic       string
	AuthFailure bool
	Err         error
}

func (e *PublishError) Error() string {
	msg := fmt.Sprintf("publish %s: %s", e.DeviceID, e.Kind)
	if e.Topic != "" {
		msg += " (" + e.Topic + ")"
	}
	if e.AuthFailure {
		msg += " [auth]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PublishError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error kind.
func (e *PublishError) Is(target error) bool {
	switch e.Kind {
	case PublishNotConnected:
		return target == ErrNotConnected
	case PublishTransportRejected:
		return target == ErrTransportRejected
	}
	return false
}

// NeedsReauth reports whether err means the user must sign in again.
func NeedsReauth(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrNoToken) {
		return true
	}
	var pe *PublishError
	return errors.As(err, &pe) && pe.AuthFailure
}

// UserMessage turns a connect/publish error into an actionable message.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case NeedsReauth(err):
		return "Your session has expired or was refused. Please sign in again."
	case errors.Is(err, ErrTimeout):
		return "The player did not answer in time. Check your network connection and try again."
	case errors.Is(err, ErrNotConnected):
		return "The player is not connected. Connect to it first."
	case errors.Is(err, ErrTransportRejected), errors.Is(err, ErrTransport):
		return "Could not reach the player service. Check your network connection and try again."
	}
	return "Unexpected error: " + err.Error()
}
