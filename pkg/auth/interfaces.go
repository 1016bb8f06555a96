// Package auth authenticates the console operator and issues API tokens.
package auth

import "errors"

// Errors returned by authenticators
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Authenticator verifies operator credentials and bearer tokens
type Authenticator interface {
	// Authenticate checks a username and password and returns the operator name
	Authenticate(username, password string) (string, error)

	// GenerateToken issues a bearer token for the operator
	GenerateToken(username string) (string, error)

	// ValidateToken checks a bearer token and returns the operator name
	ValidateToken(token string) (string, error)
}
