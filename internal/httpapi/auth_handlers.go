package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/identity"
	"llacademy.ng/internal/obs"
)

const (
	stateCookie = "oauth_state"
	stateTTL    = 10 * time.Minute
)

type loginRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	User      *auth.User `json:"user"`
	ExpiresAt time.Time  `json:"expires_at"`
	Created   bool       `json:"created"`
}

func (a *API) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	if a.Identity == nil {
		writeError(w, r, http.StatusServiceUnavailable, "login is not configured")
		return
	}
	state, err := identity.GenerateState()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not generate state")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/api/auth",
		Domain:   a.CookieDomain,
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"url":      a.Identity.AuthorizeURL(state),
		"state":    state,
		"provider": a.Identity.Name(),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.Identity == nil {
		writeError(w, r, http.StatusServiceUnavailable, "login is not configured")
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}
	c, err := r.Cookie(stateCookie)
	if err != nil || req.State == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(req.State)) != 1 {
		securityEvent(r, "login.state_mismatch", map[string]any{"provider": a.Identity.Name()})
		writeError(w, r, http.StatusBadRequest, "invalid state")
		return
	}

	ext, err := a.Identity.Exchange(r.Context(), req.Code)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCode), errors.Is(err, identity.ErrInvalidIDToken):
			writeError(w, r, http.StatusUnauthorized, "login rejected")
		case errors.Is(err, identity.ErrProviderOffline):
			writeError(w, r, http.StatusServiceUnavailable, "login is not configured")
		default:
			obs.Error("identity exchange failed", map[string]any{"provider": a.Identity.Name(), "error": err.Error()})
			writeError(w, r, http.StatusBadGateway, "identity provider unavailable")
		}
		return
	}

	res, err := a.Auth.Login(r.Context(), ext)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidInput) {
			writeError(w, r, http.StatusForbidden, err.Error())
			return
		}
		obs.Error("login failed", map[string]any{"error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	if err := a.Audit.Append(r.Context(), res.User.ID, "auth.login", map[string]any{
		"provider": a.Identity.Name(),
		"created":  res.Created,
	}, a.now()); err != nil {
		obs.Warn("activity append failed", map[string]any{"user_id": res.User.ID, "action": "auth.login", "error": err.Error()})
	}

	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/api/auth", Domain: a.CookieDomain, MaxAge: -1})
	http.SetCookie(w, a.sessionCookie(res.Token.Raw, res.Token.ExpiresAt))
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token.Raw,
		User:      res.User,
		ExpiresAt: res.Token.ExpiresAt,
		Created:   res.Created,
	})
}

// handleLogout revokes the presented token. Logging out twice, or with a
// token that no longer verifies, still clears the cookie.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw != "" {
		if err := a.Auth.Tokens().RevokeToken(r.Context(), raw); err != nil && !isTokenError(err) {
			obs.Error("logout revoke failed", map[string]any{"error": err.Error()})
			writeError(w, r, http.StatusServiceUnavailable, "logout failed")
			return
		}
	}
	expired := a.sessionCookie("", time.Time{})
	expired.MaxAge = -1
	http.SetCookie(w, expired)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	u, err := a.Auth.User(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "could not load user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) sessionCookie(value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		Domain:   a.CookieDomain,
		HttpOnly: true,
		Secure:   a.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if !expires.IsZero() {
		c.Expires = expires
	}
	return c
}

func isTokenError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenExpired) || errors.Is(err, auth.ErrTokenRevoked)
}
