package auth

import "errors"

// The validation failures below are all surfaced to HTTP callers as the
// same unauthenticated response; the distinct values exist for logging
// and tests.
var (
	// ErrInvalidToken means the bearer token failed signature or
	// structural verification, or is past its embedded expiry.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrSessionNotFound means the token verified but no matching
	// session record exists: it was revoked or never issued here.
	ErrSessionNotFound = errors.New("auth: session not found")

	// ErrSessionExpired means the session record is past its expiry.
	ErrSessionExpired = errors.New("auth: session expired")

	// ErrPasswordChanged means the session was minted under an older
	// password epoch; the user changed their password elsewhere.
	ErrPasswordChanged = errors.New("auth: password changed")

	// ErrAuthentication means the mail server rejected the credentials
	// at login time.
	ErrAuthentication = errors.New("auth: mail server rejected credentials")
)
