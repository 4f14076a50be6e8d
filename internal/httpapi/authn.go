package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"llacademy.ng/internal/audit"
	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/obs"
)

const sessionCookie = "session"

// bearerToken reads the token from Authorization or the session cookie.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// authenticated verifies the caller's token and records the request in the
// caller's activity log once the handler has answered.
func (a *API) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := a.Auth.Tokens().Verify(r.Context(), raw)
		if err != nil {
			if !a.logVerifyFailure(r, err) {
				writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
				return
			}
			writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := auth.ContextWithToken(auth.ContextWithClaims(r.Context(), claims), raw)
		r = r.WithContext(ctx)
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		a.recordActivity(r, claims.UserID(), sw.code)
	})
}

// optionalAuth attaches claims when a valid token is present and otherwise
// serves the request anonymously. A rejected token is still logged.
func (a *API) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := bearerToken(r); raw != "" {
			claims, err := a.Auth.Tokens().Verify(r.Context(), raw)
			if err != nil {
				a.logVerifyFailure(r, err)
			} else {
				r = r.WithContext(auth.ContextWithClaims(r.Context(), claims))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// logVerifyFailure records why a presented token was rejected. It reports
// false when the failure is internal rather than a bad token.
func (a *API) logVerifyFailure(r *http.Request, err error) bool {
	fields := map[string]any{"path": r.URL.Path}
	switch {
	case errors.Is(err, auth.ErrTokenRevoked):
		securityEvent(r, "token.revoked_presented", fields)
	case errors.Is(err, auth.ErrTokenExpired):
		securityEvent(r, "token.expired_presented", fields)
	case errors.Is(err, auth.ErrInvalidToken):
		fields["error"] = err.Error()
		securityEvent(r, "token.invalid", fields)
	default:
		// хранилище отзывов недоступно
		obs.Error("token verification failed", map[string]any{
			"path":       r.URL.Path,
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		return false
	}
	return true
}

func securityEvent(r *http.Request, event string, fields map[string]any) {
	if err := audit.LogEvent(r.Context(), event, fields); err != nil {
		obs.Warn("security event not logged", map[string]any{
			"event":      event,
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
	}
}

// requireRole returns middleware that admits only the listed roles.
func (a *API) requireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.authenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := auth.ClaimsFromContext(r.Context())
			if err := auth.Require(claims, roles...); err != nil {
				securityEvent(r, "role.denied", map[string]any{
					"path": r.URL.Path,
					"role": string(auth.RoleFromContext(r.Context())),
				})
				writeError(w, r, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func (a *API) recordActivity(r *http.Request, userID string, status int) {
	action := r.Pattern
	if action == "" {
		action = r.Method + " " + r.URL.Path
	}
	detail := map[string]any{"path": r.URL.Path, "status": status}
	ctx := context.WithoutCancel(r.Context())
	if err := a.Audit.Append(ctx, userID, action, detail, a.now()); err != nil {
		obs.Warn("activity append failed", map[string]any{
			"user_id":    userID,
			"action":     action,
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
	}
}
