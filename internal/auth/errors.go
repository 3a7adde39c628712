package auth

import "errors"

var (
	// ErrInvalidCredentials is returned when a login attempt does not
	// match the configured operator account.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrLoginDisabled is returned when no operator password hash is
	// configured.
	ErrLoginDisabled = errors.New("auth: login disabled, no operator configured")

	// ErrTokenInvalid covers every way an access token can fail
	// validation: bad signature, expiry, malformed claims.
	ErrTokenInvalid = errors.New("auth: invalid token")
)
