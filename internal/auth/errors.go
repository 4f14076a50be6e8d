package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")

	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrTokenRevoked     = errors.New("auth: token revoked")
	ErrInsufficientRole = errors.New("auth: insufficient role")

	errMissingSecret = errors.New("auth: signing secret is not configured")
)
