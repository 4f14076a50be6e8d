package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	previewAudience   = "content-preview"
	defaultPreviewTTL = time.Hour
	maxPreviewTTL     = 24 * time.Hour
)

var errPreviewDisabled = errors.New("content: preview tokens are not configured")

type previewClaims struct {
	Slug string `json:"slug"`
	jwt.RegisteredClaims
}

// PreviewToken grants time-boxed read access to one post.
type PreviewToken struct {
	Token     string    `json:"token"`
	Slug      string    `json:"slug"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssuePreviewToken signs a reviewer link for slug. A zero ttl means one
// hour; ttls above a day are rejected.
func (s *Store) IssuePreviewToken(ctx context.Context, slug string, ttl time.Duration) (PreviewToken, error) {
	if len(s.previewKey) == 0 {
		return PreviewToken{}, errPreviewDisabled
	}
	if ttl == 0 {
		ttl = defaultPreviewTTL
	}
	if ttl < 0 || ttl > maxPreviewTTL {
		return PreviewToken{}, fmt.Errorf("%w: preview ttl must be within (0, %s]", ErrInvalidInput, maxPreviewTTL)
	}
	if _, err := s.load(ctx, slug); err != nil {
		return PreviewToken{}, err
	}
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	claims := previewClaims{
		Slug: slug,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{previewAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.previewKey)
	if err != nil {
		return PreviewToken{}, fmt.Errorf("content: sign preview token: %w", err)
	}
	return PreviewToken{Token: signed, Slug: slug, ExpiresAt: exp}, nil
}

// VerifyPreviewToken returns the slug a preview token grants. Tampered,
// foreign or expired tokens fail closed.
func (s *Store) VerifyPreviewToken(token string) (string, error) {
	if len(s.previewKey) == 0 {
		return "", errPreviewDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidPreview
	}
	parsed, err := jwt.ParseWithClaims(token, &previewClaims{}, func(t *jwt.Token) (any, error) {
		return s.previewKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return "", ErrInvalidPreview
	}
	claims, ok := parsed.Claims.(*previewClaims)
	if !ok || !parsed.Valid || claims.ExpiresAt == nil || !validSlug(claims.Slug) {
		return "", ErrInvalidPreview
	}
	aud, err := claims.GetAudience()
	if err != nil || len(aud) != 1 || aud[0] != previewAudience {
		return "", ErrInvalidPreview
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		return "", ErrPreviewExpired
	}
	return claims.Slug, nil
}

// ReadPreview returns the post a valid preview token points at, whatever its
// visibility.
func (s *Store) ReadPreview(ctx context.Context, token string) (*Post, error) {
	slug, err := s.VerifyPreviewToken(token)
	if err != nil {
		return nil, err
	}
	post, err := s.load(ctx, slug)
	if err != nil {
		return nil, err
	}
	return &post, nil
}
