package auth

import (
	"crypto/subtle"
	"fmt"
)

// Operator is the single account allowed to log in, taken from the
// security section of the configuration.
type Operator struct {
	Username     string
	PasswordHash string // argon2id PHC string; empty disables login
}

// Authenticate checks a login attempt against the configured account.
// The password verify runs before the username comparison so a wrong
// username costs the same time as a wrong password.
func (o Operator) Authenticate(username, password string) error {
	if o.PasswordHash == "" {
		return ErrLoginDisabled
	}

	ok, err := VerifyPassword(password, o.PasswordHash)
	if err != nil {
		return fmt.Errorf("verifying password: %w", err)
	}
	if !ok || subtle.ConstantTimeCompare([]byte(username), []byte(o.Username)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
