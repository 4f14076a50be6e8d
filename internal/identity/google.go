package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/obs"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
	googleJWKSURL  = "https://www.googleapis.com/oauth2/v3/certs"
)

var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Endpoint overrides, used by tests.
	AuthURL  string
	TokenURL string
	JWKSURL  string

	HTTPClient      *http.Client
	RefreshInterval time.Duration
	Leeway          time.Duration
}

// Google implements the OAuth authorization-code flow against Google and
// verifies the returned ID token against Google's published keys.
type Google struct {
	cfg  GoogleConfig
	keys keyfunc.Keyfunc
	now  func() time.Time
}

func (c *GoogleConfig) defaults() {
	if c.AuthURL == "" {
		c.AuthURL = googleAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = googleTokenURL
	}
	if c.JWKSURL == "" {
		c.JWKSURL = googleJWKSURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Hour
	}
	if c.Leeway <= 0 {
		c.Leeway = 30 * time.Second
	}
}

// NewGoogle builds the provider with a background-refreshed JWKS cache.
// Startup does not fail if Google is unreachable; keys are fetched lazily.
func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURI == "" {
		return nil, ErrProviderOffline
	}
	cfg.defaults()
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    cfg.HTTPClient,
		Ctx:                       ctx,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			obs.Warn("google jwks refresh failed", map[string]any{"error": err, "url": cfg.JWKSURL})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("identity: jwks storage: %w", err)
	}
	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("identity: keyfunc: %w", err)
	}
	return &Google{cfg: cfg, keys: k, now: time.Now}, nil
}

// NewGoogleWithKeyfunc uses the given key source instead of Google's JWKS.
func NewGoogleWithKeyfunc(cfg GoogleConfig, kf keyfunc.Keyfunc) *Google {
	cfg.defaults()
	return &Google{cfg: cfg, keys: kf, now: time.Now}
}

func (g *Google) Name() string { return "google" }

func (g *Google) AuthorizeURL(state string) string {
	q := url.Values{
		"client_id":     {g.cfg.ClientID},
		"redirect_uri":  {g.cfg.RedirectURI},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"state":         {state},
		"access_type":   {"online"},
		"prompt":        {"select_account"},
	}
	return g.cfg.AuthURL + "?" + q.Encode()
}

type tokenResponse struct {
	IDToken          string `json:"id_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchange trades an authorization code for a verified identity.
func (g *Google) Exchange(ctx context.Context, code string) (auth.ExternalIdentity, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return auth.ExternalIdentity{}, ErrInvalidCode
	}
	form := url.Values{
		"code":          {code},
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
		"redirect_uri":  {g.cfg.RedirectURI},
		"grant_type":    {"authorization_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return auth.ExternalIdentity{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return auth.ExternalIdentity{}, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return auth.ExternalIdentity{}, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	var tr tokenResponse
	_ = json.Unmarshal(body, &tr)
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest && tr.Error == "invalid_grant" {
			return auth.ExternalIdentity{}, fmt.Errorf("%w: %s", ErrInvalidCode, tr.ErrorDescription)
		}
		return auth.ExternalIdentity{}, fmt.Errorf("%w: status %d %s", ErrExchangeFailed, resp.StatusCode, tr.Error)
	}
	if tr.IDToken == "" {
		return auth.ExternalIdentity{}, fmt.Errorf("%w: response has no id_token", ErrExchangeFailed)
	}
	return g.VerifyIDToken(tr.IDToken)
}

type googleClaims struct {
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
	Name          string   `json:"name"`
	jwt.RegisteredClaims
}

// flexBool accepts both true and "true"; Google has used both.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	*b = flexBool(strings.EqualFold(s, "true"))
	return nil
}

// VerifyIDToken checks signature (RS256, Google keys), issuer, audience and
// expiry, and returns the identity it vouches for.
func (g *Google) VerifyIDToken(raw string) (auth.ExternalIdentity, error) {
	claims := &googleClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, g.keys.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(g.cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(g.cfg.Leeway),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return auth.ExternalIdentity{}, fmt.Errorf("%w: %w", ErrInvalidIDToken, err)
	}
	if !validIssuer(claims.Issuer) {
		return auth.ExternalIdentity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidIDToken, claims.Issuer)
	}
	if claims.Subject == "" || claims.Email == "" {
		return auth.ExternalIdentity{}, fmt.Errorf("%w: missing subject or email", ErrInvalidIDToken)
	}
	return auth.ExternalIdentity{
		Provider:      "google",
		Subject:       "google:" + claims.Subject,
		Email:         claims.Email,
		EmailVerified: bool(claims.EmailVerified),
		Name:          claims.Name,
	}, nil
}

func validIssuer(iss string) bool {
	for _, want := range googleIssuers {
		if iss == want {
			return true
		}
	}
	return false
}

var _ Provider = (*Google)(nil)
var _ Provider = Static{}
