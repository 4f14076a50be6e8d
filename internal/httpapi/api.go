package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llacademy.ng/internal/audit"
	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/backup"
	"llacademy.ng/internal/content"
	"llacademy.ng/internal/identity"
	"llacademy.ng/internal/obs"
	"llacademy.ng/internal/stream"
)

const (
	serviceName     = "llacademy-cms"
	maxRequestBytes = 2 << 20
)

// Pinger is anything readiness can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe — простая проверка готовности (БД и KV).
type ReadyProbe struct {
	DB *sql.DB
	KV Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.KV != nil {
		return rp.KV.Ping(ctx)
	}
	return nil
}

// Deps are the services the HTTP layer routes to. Backup may be nil when
// backups are disabled.
type Deps struct {
	Auth     *auth.Service
	Identity identity.Provider
	Content  *content.Store
	Audit    *audit.Log
	Backup   *backup.Coordinator
	Events   *stream.Stream
	Probe    ReadyProbe
	Version  string

	CookieDomain   string
	SecureCookies  bool
	AllowedOrigins []string
	RateBurst      int
	RatePerSecond  float64
}

// API — HTTP слой CMS.
type API struct {
	Deps
	mux *http.ServeMux
	now func() time.Time
}

func New(d Deps) (*API, error) {
	if d.Auth == nil || d.Content == nil || d.Audit == nil {
		return nil, errors.New("httpapi: auth, content and audit services are required")
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 20
	}
	if d.RatePerSecond <= 0 {
		d.RatePerSecond = 10
	}
	a := &API{Deps: d, mux: http.NewServeMux(), now: time.Now}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	m := a.mux

	// health/ready/metrics
	m.HandleFunc("GET /healthz", a.Healthz)
	m.HandleFunc("GET /readyz", a.Ready)
	m.Handle("GET /metrics", obs.Handler())

	// auth
	m.HandleFunc("GET /api/auth/google/url", a.handleAuthURL)
	m.HandleFunc("POST /api/auth/google", a.handleLogin)
	m.HandleFunc("POST /api/auth/logout", a.handleLogout)
	m.Handle("GET /api/users/me", a.authenticated(http.HandlerFunc(a.handleMe)))

	// public content
	m.HandleFunc("GET /api/blog/index", a.handleBlogIndex)
	m.Handle("GET /api/blog/post/{slug}", a.optionalAuth(http.HandlerFunc(a.handleBlogPost)))
	m.HandleFunc("GET /api/blog/preview/{slug}", a.handleBlogPreview)

	// privileged content
	staff := a.requireRole(auth.RoleTeacher, auth.RoleAdmin)
	m.Handle("GET /api/admin/posts", staff(http.HandlerFunc(a.handleAdminListPosts)))
	m.Handle("POST /api/admin/posts", staff(http.HandlerFunc(a.handleCreatePost)))
	m.Handle("GET /api/admin/posts/{slug}", staff(http.HandlerFunc(a.handleAdminGetPost)))
	m.Handle("PUT /api/admin/posts/{slug}", staff(http.HandlerFunc(a.handleUpdatePost)))
	m.Handle("DELETE /api/admin/posts/{slug}", staff(http.HandlerFunc(a.handleDeletePost)))
	m.Handle("POST /api/admin/posts/{slug}/preview", staff(http.HandlerFunc(a.handleIssuePreview)))
	m.Handle("POST /api/admin/content/reconcile", staff(http.HandlerFunc(a.handleReconcile)))

	// admin
	admin := a.requireRole(auth.RoleAdmin)
	m.Handle("GET /api/admin/users/{id}", admin(http.HandlerFunc(a.handleGetUser)))
	m.Handle("PUT /api/admin/users/{id}/role", admin(http.HandlerFunc(a.handleSetRole)))
	m.Handle("GET /api/admin/audit/logs/{user_id}", admin(http.HandlerFunc(a.handleAuditLogs)))
	m.Handle("POST /api/admin/audit/cleanup", admin(http.HandlerFunc(a.handleAuditCleanup)))
	m.Handle("POST /api/admin/backup", admin(http.HandlerFunc(a.handleRunBackup)))
	m.Handle("GET /api/admin/backup", admin(http.HandlerFunc(a.handleListBackups)))
	m.Handle("POST /api/admin/backup/restore", admin(http.HandlerFunc(a.handleRestore)))
	m.Handle("GET /api/admin/events", admin(http.HandlerFunc(a.Stream)))

	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, maxRequestBytes)
	h = RateLimit(h, a.RateBurst, a.RatePerSecond)
	h = CORS(h, a.AllowedOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- health ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Probe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

func parsePositiveInt(raw, name string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New(name + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}
