package mail

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a message or mailbox the caller named does not
// exist on the server.
var ErrNotFound = errors.New("mail: not found")

// AuthError indicates the mail server rejected the supplied credentials.
type AuthError struct {
	Server  string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Server, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ConnectError indicates the mail server could not be reached at all:
// refused connection, timeout, DNS failure. Distinguished from protocol
// errors so the HTTP layer can answer 503 instead of 502.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectError reports whether err (or any error in its chain) is a
// ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}
