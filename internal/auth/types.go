package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is one of the fixed institutional roles.
type Role string

const (
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// ParseRole normalises s and rejects unknown roles.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleStudent, RoleParent, RoleTeacher, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Privileged reports whether the role may see private content and the admin
// content surface.
func (r Role) Privileged() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// User is an account created on first external login.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	ExternalID  string    `json:"external_id,omitempty"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RevocationEntry marks a token id as no longer honoured. ExpiresAt is the
// token's own expiry; after it the entry carries no information.
type RevocationEntry struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExternalIdentity is what an identity provider vouches for after a
// successful exchange.
type ExternalIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}
