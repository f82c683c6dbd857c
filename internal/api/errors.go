package api

import (
	"errors"
	"net/http"

	"github.com/tidemail/tidemail/internal/auth"
	"github.com/tidemail/tidemail/internal/mail"
	"github.com/tidemail/tidemail/internal/store"
)

// Error categories returned in the "error" field of failure responses.
// Stable machine-readable strings; the message alongside them is for
// humans and carries no contract.
const (
	categoryValidation      = "validation_error"
	categoryAuthentication  = "authentication_error"
	categoryInvalidToken    = "invalid_token"
	categorySessionExpired  = "session_expired"
	categoryPasswordChanged = "password_changed"
	categoryNotFound        = "not_found"
	categoryRateLimit       = "rate_limit_exceeded"
	categoryMailServer      = "mail_server_error"
	categoryUnreachable     = "mail_server_unreachable"
	categoryInternal        = "internal_error"
)

// httpError carries a status code and category alongside the underlying
// error.
type httpError struct {
	status   int
	category string
	message  string
}

func (e *httpError) Error() string { return e.message }

func validationError(message string) *httpError {
	return &httpError{status: http.StatusBadRequest, category: categoryValidation, message: message}
}

func notFoundError(message string) *httpError {
	return &httpError{status: http.StatusNotFound, category: categoryNotFound, message: message}
}

// classify maps an error from the service layer onto a status code,
// category, and user-facing message.
func classify(err error) *httpError {
	var he *httpError
	if errors.As(err, &he) {
		return he
	}

	switch {
	case errors.Is(err, auth.ErrAuthentication):
		return &httpError{http.StatusUnauthorized, categoryAuthentication, "invalid email or password"}
	case errors.Is(err, auth.ErrInvalidToken):
		return &httpError{http.StatusUnauthorized, categoryInvalidToken, "invalid or malformed token"}
	case errors.Is(err, auth.ErrSessionNotFound):
		return &httpError{http.StatusUnauthorized, categoryInvalidToken, "session not found"}
	case errors.Is(err, auth.ErrSessionExpired):
		return &httpError{http.StatusUnauthorized, categorySessionExpired, "session expired"}
	case errors.Is(err, auth.ErrPasswordChanged):
		return &httpError{http.StatusUnauthorized, categoryPasswordChanged, "password changed, log in again"}
	case mail.IsAuthError(err):
		return &httpError{http.StatusUnauthorized, categoryAuthentication, "mail server rejected credentials"}
	case mail.IsConnectError(err):
		return &httpError{http.StatusServiceUnavailable, categoryUnreachable, "mail server unreachable"}
	case errors.Is(err, mail.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return &httpError{http.StatusNotFound, categoryNotFound, "not found"}
	default:
		return &httpError{http.StatusInternalServerError, categoryInternal, err.Error()}
	}
}

// classifyMail is classify for errors coming back from a mail-server
// operation: anything not otherwise recognized is a protocol failure on
// the remote server, not an internal fault.
func classifyMail(err error) *httpError {
	he := classify(err)
	if he.status == http.StatusInternalServerError {
		return &httpError{http.StatusBadGateway, categoryMailServer, "mail server operation failed"}
	}
	return he
}
