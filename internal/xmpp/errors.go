package xmpp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

var (
	// ErrNotConnected is returned when there is no live stream
	ErrNotConnected = errors.New("not connected")
	// ErrNotAuthenticated is returned when the stream has not been authenticated yet
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrInterrupted is returned when a blocking call was aborted by teardown
	ErrInterrupted = errors.New("interrupted")
)

// AuthError is returned by Authenticate
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// BadCredentials reports whether the server rejected the credentials, as
// opposed to the negotiation failing for another reason
func (e *AuthError) BadCredentials() bool {
	msg := strings.ToLower(e.Err.Error())
	for _, cond := range []string{"not-authorized", "credentials-expired", "account-disabled"} {
		if strings.Contains(msg, cond) {
			return true
		}
	}
	return false
}

// IsBadCredentials reports whether err is an authentication rejection
func IsBadCredentials(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.BadCredentials()
}

// IsTransient reports whether err is a transport-level failure that the
// reconnection logic is expected to recover from
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrInterrupted) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
