package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"llacademy.ng/internal/obs"
)

const (
	defaultIssuer   = "llacademy-cms"
	defaultTokenTTL = 7 * 24 * time.Hour

	// Signing domains. Keys for different purposes are derived separately so
	// a token minted for one can never verify as the other.
	DomainAuth    = "auth-token"
	DomainPreview = "content-preview"
)

// DeriveKey expands the server secret into a 32-byte key bound to domain.
func DeriveKey(secret []byte, domain string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errMissingSecret
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte("llacademy/"+domain))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("auth: derive %s key: %w", domain, err)
	}
	return key, nil
}

// Claims is the signed claim set carried by a bearer token.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c *Claims) UserID() string { return c.Subject }

// TokenID returns the jti used for revocation.
func (c *Claims) TokenID() string { return c.ID }

// Token is an issued bearer token.
type Token struct {
	Raw       string
	ID        string
	UserID    string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenService issues, verifies and revokes bearer tokens. Issuance is
// stateless; verification does one lookup in the revocation store.
type TokenService struct {
	key           []byte
	issuer        string
	ttl           time.Duration
	lookupTimeout time.Duration
	now           func() time.Time
	revocations   RevocationStore
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("auth: issuer must not be empty")
		}
		s.issuer = issuer
		return nil
	}
}

func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl <= 0 {
			return errors.New("auth: token ttl must be positive")
		}
		s.ttl = ttl
		return nil
	}
}

// WithLookupTimeout bounds the revocation lookup done by Verify.
func WithLookupTimeout(d time.Duration) TokenOption {
	return func(s *TokenService) error {
		s.lookupTimeout = d
		return nil
	}
}

func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if now == nil {
			return errors.New("auth: clock must not be nil")
		}
		s.now = now
		return nil
	}
}

// NewTokenService derives the auth signing key from secret.
func NewTokenService(secret []byte, revocations RevocationStore, opts ...TokenOption) (*TokenService, error) {
	if revocations == nil {
		return nil, errors.New("auth: revocation store is required")
	}
	key, err := DeriveKey(secret, DomainAuth)
	if err != nil {
		return nil, err
	}
	s := &TokenService{
		key:           key,
		issuer:        defaultIssuer,
		ttl:           defaultTokenTTL,
		lookupTimeout: 2 * time.Second,
		now:           time.Now,
		revocations:   revocations,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TTL returns the lifetime of issued tokens.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs a fresh token for user. The token id is a random UUID.
func (s *TokenService) Issue(user User) (Token, error) {
	if strings.TrimSpace(user.ID) == "" {
		return Token{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if _, err := ParseRole(string(user.Role)); err != nil {
		return Token{}, err
	}
	now := s.now().UTC().Truncate(time.Second)
	claims := Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	obs.TokensIssued.Inc()
	return Token{
		Raw:       signed,
		ID:        claims.ID,
		UserID:    user.ID,
		Role:      user.Role,
		IssuedAt:  now,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks the signature, then expiry, then revocation, in that order.
// Any malformed input yields ErrInvalidToken.
func (s *TokenService) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parse(raw)
	if err != nil {
		obs.TokenVerifications.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		obs.TokenVerifications.WithLabelValues("expired").Inc()
		return nil, ErrTokenExpired
	}
	lookupCtx, cancel := s.lookupContext(ctx)
	defer cancel()
	revoked, err := s.revocations.Contains(lookupCtx, claims.ID)
	if err != nil {
		obs.TokenVerifications.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("auth: revocation lookup: %w", err)
	}
	if revoked {
		obs.TokenVerifications.WithLabelValues("revoked").Inc()
		return nil, ErrTokenRevoked
	}
	obs.TokenVerifications.WithLabelValues("ok").Inc()
	return claims, nil
}

// Revoke records tokenID as revoked until expiresAt. Revoking twice is a
// no-op success.
func (s *TokenService) Revoke(ctx context.Context, tokenID, userID string, expiresAt time.Time) error {
	if strings.TrimSpace(tokenID) == "" {
		return fmt.Errorf("%w: token id is required", ErrInvalidInput)
	}
	lookupCtx, cancel := s.lookupContext(ctx)
	defer cancel()
	err := s.revocations.Insert(lookupCtx, RevocationEntry{
		TokenID:   tokenID,
		UserID:    userID,
		RevokedAt: s.now().UTC(),
		ExpiresAt: expiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("auth: revoke: %w", err)
	}
	obs.TokensRevoked.Inc()
	return nil
}

// RevokeToken revokes a raw token presented at logout. An already expired
// token needs no entry and is accepted silently.
func (s *TokenService) RevokeToken(ctx context.Context, raw string) error {
	claims, err := s.parse(raw)
	if err != nil {
		return err
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		return nil
	}
	return s.Revoke(ctx, claims.ID, claims.Subject, claims.ExpiresAt.Time)
}

// PurgeExpired drops revocation entries whose token has expired.
func (s *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.revocations.PurgeExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("auth: purge revocations: %w", err)
	}
	obs.RevocationsPurged.Add(float64(n))
	return n, nil
}

// Require returns ErrInsufficientRole unless claims carry one of roles.
func Require(claims *Claims, roles ...Role) error {
	if claims == nil {
		return ErrInvalidToken
	}
	for _, r := range roles {
		if claims.Role == r {
			return nil
		}
	}
	return ErrInsufficientRole
}

func (s *TokenService) parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := s.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenService) validateClaims(claims *Claims) error {
	if claims.Issuer != s.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return errors.New("subject or id missing")
	}
	if _, err := ParseRole(string(claims.Role)); err != nil {
		return err
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(s.now().Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func (s *TokenService) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.lookupTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.lookupTimeout)
}
