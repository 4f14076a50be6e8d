package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Service handles user accounts on top of the token service.
type Service struct {
	users  UserStore
	tokens *TokenService
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithServiceClock overrides the service clock.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now == nil {
			return errors.New("auth: clock must not be nil")
		}
		s.now = now
		return nil
	}
}

func NewService(users UserStore, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if users == nil || tokens == nil {
		return nil, errors.New("auth: user store and token service are required")
	}
	s := &Service{users: users, tokens: tokens, now: time.Now}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Tokens exposes the underlying token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// LoginResult is returned by Login.
type LoginResult struct {
	User    *User
	Token   Token
	Created bool
}

// Login resolves an external identity to a user and issues a token. Lookup
// order is external id, then email (linking the external id); otherwise a
// new student account is created.
func (s *Service) Login(ctx context.Context, ext ExternalIdentity) (LoginResult, error) {
	email, err := normalizeEmail(ext.Email)
	if err != nil {
		return LoginResult{}, err
	}
	if strings.TrimSpace(ext.Subject) == "" {
		return LoginResult{}, fmt.Errorf("%w: external subject is required", ErrInvalidInput)
	}
	if !ext.EmailVerified {
		return LoginResult{}, fmt.Errorf("%w: email %s is not verified", ErrInvalidInput, email)
	}

	user, created, err := s.resolve(ctx, ext, email)
	if errors.Is(err, ErrAlreadyExists) {
		// concurrent first login for the same identity; the other one won
		user, created, err = s.resolve(ctx, ext, email)
	}
	if err != nil {
		return LoginResult{}, err
	}
	tok, err := s.tokens.Issue(*user)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: user, Token: tok, Created: created}, nil
}

func (s *Service) resolve(ctx context.Context, ext ExternalIdentity, email string) (*User, bool, error) {
	user, err := s.users.FindByExternalID(ctx, ext.Subject)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("auth: find by external id: %w", err)
	}

	user, err = s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if user.ExternalID != "" && user.ExternalID != ext.Subject {
			return nil, false, fmt.Errorf("%w: email already linked to another identity", ErrAlreadyExists)
		}
		if err := s.users.LinkExternalID(ctx, user.ID, ext.Subject); err != nil {
			return nil, false, fmt.Errorf("auth: link identity: %w", err)
		}
		user.ExternalID = ext.Subject
		return user, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("auth: find by email: %w", err)
	}

	name := strings.TrimSpace(ext.Name)
	if name == "" {
		name = email
	}
	user = &User{
		Email:       email,
		Role:        RoleStudent,
		ExternalID:  ext.Subject,
		DisplayName: name,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// User returns a user by id.
func (s *Service) User(ctx context.Context, id string) (*User, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	return s.users.Find(ctx, id)
}

// SetRole changes a user's role. Existing tokens keep their old role until
// they expire or are revoked.
func (s *Service) SetRole(ctx context.Context, userID string, role Role) (*User, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	if err := s.users.UpdateRole(ctx, userID, role); err != nil {
		return nil, err
	}
	return s.users.Find(ctx, userID)
}

// EnsureAdmin creates an admin account for email unless one exists. Only
// used to seed development environments.
func (s *Service) EnsureAdmin(ctx context.Context, email string) (*User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err == nil {
		if user.Role != RoleAdmin {
			return s.SetRole(ctx, user.ID, RoleAdmin)
		}
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	user = &User{Email: email, Role: RoleAdmin, DisplayName: "Administrator", CreatedAt: s.now().UTC()}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email %q", ErrInvalidInput, email)
	}
	return email, nil
}
