package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"llacademy.ng/internal/audit"
	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/backup"
	"llacademy.ng/internal/blob"
	"llacademy.ng/internal/content"
	"llacademy.ng/internal/identity"
	"llacademy.ng/internal/kv"
	"llacademy.ng/internal/obs"
	"llacademy.ng/internal/stream"
)

var testSecret = []byte("httpapi-test-secret-0123456789abcdef")

type memorySnapshot struct {
	mu       sync.Mutex
	data     []byte
	restored []byte
}

func (m *memorySnapshot) Snapshot(_ context.Context, w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := w.Write(m.data)
	return err
}

func (m *memorySnapshot) Restore(_ context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.restored = data
	m.mu.Unlock()
	return nil
}

type testEnv struct {
	t      *testing.T
	api    *API
	h      http.Handler
	authn  *auth.Service
	shards *audit.MemoryShards
	snap   *memorySnapshot
}

func newTestEnv(t *testing.T, withBackup bool) *testEnv {
	t.Helper()
	tokens, err := auth.NewTokenService(testSecret, auth.NewMemoryRevocations())
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	authn, err := auth.NewService(auth.NewMemoryUsers(), tokens)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	previewKey, _ := auth.DeriveKey(testSecret, auth.DomainPreview)
	posts, err := content.New(kv.NewMemory(), content.WithPreviewKey(previewKey))
	if err != nil {
		t.Fatalf("content.New: %v", err)
	}
	archive, err := blob.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("blob.NewDir: %v", err)
	}
	shards := audit.NewMemoryShards()
	activity, err := audit.New(shards, archive)
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	env := &testEnv{t: t, authn: authn, shards: shards, snap: &memorySnapshot{data: []byte(`{"format":1}`)}}
	d := Deps{
		Auth:          authn,
		Identity:      identity.Static{},
		Content:       posts,
		Audit:         activity,
		Events:        stream.New(),
		Version:       "test",
		RateBurst:     1000,
		RatePerSecond: 1000,
	}
	if withBackup {
		remote, _ := blob.NewDir(t.TempDir())
		d.Backup, err = backup.New(env.snap, remote, backup.NewMemoryRecords())
		if err != nil {
			t.Fatalf("backup.New: %v", err)
		}
	}
	env.api, err = New(d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.h = env.api.Handler()
	return env
}

func (e *testEnv) do(method, path string, body any, token string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func cookieNamed(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// login runs the state + exchange flow with the static provider.
func (e *testEnv) login(email string) loginResponse {
	e.t.Helper()
	rr := e.do(http.MethodGet, "/api/auth/google/url", nil, "")
	if rr.Code != http.StatusOK {
		e.t.Fatalf("auth url: %d %s", rr.Code, rr.Body.String())
	}
	state := cookieNamed(rr, stateCookie)
	if state == nil {
		e.t.Fatalf("state cookie missing")
	}
	rr = e.do(http.MethodPost, "/api/auth/google", map[string]string{"code": email, "state": state.Value}, "", state)
	if rr.Code != http.StatusOK {
		e.t.Fatalf("login %s: %d %s", email, rr.Code, rr.Body.String())
	}
	return decodeBody[loginResponse](e.t, rr)
}

func (e *testEnv) loginAs(email string, role auth.Role) loginResponse {
	e.t.Helper()
	first := e.login(email)
	if first.User.Role == role {
		return first
	}
	if _, err := e.authn.SetRole(context.Background(), first.User.ID, role); err != nil {
		e.t.Fatalf("SetRole: %v", err)
	}
	return e.login(email)
}

func TestHealthzAndReady(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(http.MethodGet, "/healthz", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	body := decodeBody[map[string]any](t, rr)
	if body["service"] != serviceName || body["version"] != "test" {
		t.Fatalf("unexpected body %v", body)
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
	if rr := env.do(http.MethodGet, "/readyz", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/nope", nil, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route: %d", rr.Code)
	}
}

func TestLoginRejectsStateMismatch(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(http.MethodGet, "/api/auth/google/url", nil, "")
	state := cookieNamed(rr, stateCookie)
	if state == nil {
		t.Fatalf("state cookie missing")
	}
	rr = env.do(http.MethodPost, "/api/auth/google", map[string]string{"code": "a@example.org", "state": "forged"}, "", state)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	rr = env.do(http.MethodPost, "/api/auth/google", map[string]string{"code": "a@example.org", "state": state.Value}, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing cookie: expected 400, got %d", rr.Code)
	}
	rr = env.do(http.MethodPost, "/api/auth/google", map[string]string{"code": "not-an-email", "state": state.Value}, "", state)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad code: expected 401, got %d", rr.Code)
	}
}

func TestLoginMeLogout(t *testing.T) {
	env := newTestEnv(t, false)
	res := env.login("Student@Example.org")
	if res.Token == "" || res.User.Role != auth.RoleStudent || !res.Created {
		t.Fatalf("unexpected login %+v", res)
	}

	rr := env.do(http.MethodGet, "/api/users/me", nil, res.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: %d %s", rr.Code, rr.Body.String())
	}
	if me := decodeBody[auth.User](t, rr); me.Email != "student@example.org" {
		t.Fatalf("unexpected user %+v", me)
	}

	session := &http.Cookie{Name: sessionCookie, Value: res.Token}
	if rr := env.do(http.MethodGet, "/api/users/me", nil, "", session); rr.Code != http.StatusOK {
		t.Fatalf("me via cookie: %d", rr.Code)
	}

	rr = env.do(http.MethodPost, "/api/auth/logout", nil, res.Token)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", rr.Code)
	}
	if c := cookieNamed(rr, sessionCookie); c == nil || c.MaxAge >= 0 {
		t.Fatalf("expected session cookie to be cleared, got %+v", c)
	}
	if rr := env.do(http.MethodGet, "/api/users/me", nil, res.Token); rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token: expected 401, got %d", rr.Code)
	}
	// second logout with the same token is harmless
	if rr := env.do(http.MethodPost, "/api/auth/logout", nil, res.Token); rr.Code != http.StatusNoContent {
		t.Fatalf("second logout: %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/users/me", nil, "garbage"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", rr.Code)
	}
}

func TestRoleGates(t *testing.T) {
	env := newTestEnv(t, false)
	student := env.login("s@example.org")
	teacher := env.loginAs("t@example.org", auth.RoleTeacher)

	in := content.PostInput{Title: "Gate", Body: "<p>x</p>", Visibility: content.VisibilityPublic}
	if rr := env.do(http.MethodPost, "/api/admin/posts", in, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/admin/posts", in, student.Token); rr.Code != http.StatusForbidden {
		t.Fatalf("student: expected 403, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/admin/posts", in, teacher.Token); rr.Code != http.StatusCreated {
		t.Fatalf("teacher: expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := env.do(http.MethodGet, "/api/admin/users/"+student.User.ID, nil, teacher.Token); rr.Code != http.StatusForbidden {
		t.Fatalf("teacher on admin route: expected 403, got %d", rr.Code)
	}
}

func TestContentLifecycle(t *testing.T) {
	env := newTestEnv(t, false)
	admin := env.loginAs("admin@example.org", auth.RoleAdmin)
	student := env.login("s@example.org")

	pub := content.PostInput{Title: "Open Day 2024", Summary: "s", Body: "<p>hi</p>", Tags: []string{"events"}, Visibility: content.VisibilityPublic}
	priv := content.PostInput{Title: "Staff Notes", Body: "<p>secret</p>", Visibility: content.VisibilityPrivate}
	for _, in := range []content.PostInput{pub, priv} {
		if rr := env.do(http.MethodPost, "/api/admin/posts", in, admin.Token); rr.Code != http.StatusCreated {
			t.Fatalf("create %q: %d %s", in.Title, rr.Code, rr.Body.String())
		}
	}
	if rr := env.do(http.MethodPost, "/api/admin/posts", pub, admin.Token); rr.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/admin/posts", content.PostInput{Title: "x", Visibility: "public"}, admin.Token); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid input: expected 400, got %d", rr.Code)
	}

	rr := env.do(http.MethodGet, "/api/blog/index", nil, "")
	page := decodeBody[content.Page](t, rr)
	if page.Total != 1 || page.Items[0].Slug != "open-day-2024" {
		t.Fatalf("public index leaked or missed entries: %+v", page)
	}
	rr = env.do(http.MethodGet, "/api/admin/posts?visibility=private", nil, admin.Token)
	if page := decodeBody[content.Page](t, rr); page.Total != 1 || page.Items[0].Slug != "staff-notes" {
		t.Fatalf("admin private listing: %+v", page)
	}
	if rr := env.do(http.MethodGet, "/api/blog/index?page=0", nil, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("page=0: expected 400, got %d", rr.Code)
	}

	if rr := env.do(http.MethodGet, "/api/blog/post/staff-notes", nil, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("anonymous private read: expected 404, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/blog/post/staff-notes", nil, student.Token); rr.Code != http.StatusNotFound {
		t.Fatalf("student private read: expected 404, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/blog/post/staff-notes", nil, admin.Token); rr.Code != http.StatusOK {
		t.Fatalf("admin private read: expected 200, got %d", rr.Code)
	}

	upd := priv
	upd.Summary = "updated"
	rr = env.do(http.MethodPut, "/api/admin/posts/staff-notes", upd, admin.Token)
	if rr.Code != http.StatusOK || decodeBody[content.Post](t, rr).Summary != "updated" {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(http.MethodPost, "/api/admin/posts/staff-notes/preview", map[string]int{"ttl_seconds": 600}, admin.Token)
	if rr.Code != http.StatusCreated {
		t.Fatalf("issue preview: %d %s", rr.Code, rr.Body.String())
	}
	preview := decodeBody[content.PreviewToken](t, rr)
	rr = env.do(http.MethodGet, "/api/blog/preview/staff-notes?token="+preview.Token, nil, "")
	if rr.Code != http.StatusOK || rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("preview read: %d %q", rr.Code, rr.Header().Get("Cache-Control"))
	}
	if rr := env.do(http.MethodGet, "/api/blog/preview/open-day-2024?token="+preview.Token, nil, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("preview for other slug: expected 401, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/blog/preview/staff-notes?token="+admin.Token, nil, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("auth token as preview: expected 401, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/admin/posts/staff-notes/preview", map[string]int{"ttl_seconds": 90000}, admin.Token); rr.Code != http.StatusBadRequest {
		t.Fatalf("long preview ttl: expected 400, got %d", rr.Code)
	}

	if rr := env.do(http.MethodDelete, "/api/admin/posts/staff-notes", nil, admin.Token); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/admin/posts/staff-notes", nil, admin.Token); rr.Code != http.StatusNotFound {
		t.Fatalf("deleted post: expected 404, got %d", rr.Code)
	}

	rr = env.do(http.MethodPost, "/api/admin/content/reconcile", nil, admin.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("reconcile: %d", rr.Code)
	}
	if body := decodeBody[map[string]any](t, rr); body["repaired"] != false {
		t.Fatalf("consistent store should need no repair: %v", body)
	}
}

func TestActivityIsRecordedPerRequest(t *testing.T) {
	env := newTestEnv(t, false)
	admin := env.loginAs("admin@example.org", auth.RoleAdmin)
	if rr := env.do(http.MethodGet, "/api/users/me", nil, admin.Token); rr.Code != http.StatusOK {
		t.Fatalf("me: %d", rr.Code)
	}

	rr := env.do(http.MethodGet, "/api/admin/audit/logs/"+admin.User.ID, nil, admin.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("audit logs: %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, rr)
	seen := map[string]bool{}
	for _, e := range body.Entries {
		for _, act := range e.Actions {
			seen[act.Name] = true
		}
	}
	if !seen["auth.login"] || !seen["GET /api/users/me"] {
		t.Fatalf("expected login and me actions, got %v", seen)
	}

	if rr := env.do(http.MethodGet, "/api/admin/audit/logs/"+admin.User.ID+"?from=yesterday", nil, admin.Token); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad from: expected 400, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/admin/audit/logs/"+admin.User.ID+"?from=0001-01-01", nil, admin.Token); rr.Code != http.StatusBadRequest {
		t.Fatalf("unbounded range: expected 400, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/admin/audit/cleanup", map[string]string{"shard": "2024-13"}, admin.Token); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad shard: expected 400, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/admin/audit/cleanup", nil, admin.Token); rr.Code != http.StatusOK {
		t.Fatalf("cleanup all: %d %s", rr.Code, rr.Body.String())
	}
}

func TestSetRole(t *testing.T) {
	env := newTestEnv(t, false)
	admin := env.loginAs("admin@example.org", auth.RoleAdmin)
	student := env.login("s@example.org")

	path := "/api/admin/users/" + student.User.ID + "/role"
	if rr := env.do(http.MethodPut, path, map[string]string{"role": "wizard"}, admin.Token); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown role: expected 400, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPut, "/api/admin/users/missing/role", map[string]string{"role": "teacher"}, admin.Token); rr.Code != http.StatusNotFound {
		t.Fatalf("missing user: expected 404, got %d", rr.Code)
	}
	rr := env.do(http.MethodPut, path, map[string]string{"role": "teacher"}, admin.Token)
	if rr.Code != http.StatusOK || decodeBody[auth.User](t, rr).Role != auth.RoleTeacher {
		t.Fatalf("set role: %d %s", rr.Code, rr.Body.String())
	}
	if relogin := env.login("s@example.org"); relogin.User.Role != auth.RoleTeacher {
		t.Fatalf("new token should carry the new role, got %s", relogin.User.Role)
	}
}

func TestBackupEndpoints(t *testing.T) {
	env := newTestEnv(t, true)
	admin := env.loginAs("admin@example.org", auth.RoleAdmin)

	rr := env.do(http.MethodPost, "/api/admin/backup", nil, admin.Token)
	if rr.Code != http.StatusCreated {
		t.Fatalf("run backup: %d %s", rr.Code, rr.Body.String())
	}
	rec := decodeBody[backup.Record](t, rr)
	if rec.Status != backup.StatusSucceeded || !strings.HasPrefix(rec.Location, "backups/cms_backup_") {
		t.Fatalf("unexpected record %+v", rec)
	}

	rr = env.do(http.MethodGet, "/api/admin/backup", nil, admin.Token)
	list := decodeBody[struct {
		Items []backup.Record `json:"items"`
	}](t, rr)
	if len(list.Items) != 1 || list.Items[0].ID != rec.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	if rr := env.do(http.MethodPost, "/api/admin/backup/restore", map[string]string{"backup_id": rec.ID, "confirm": "yes"}, admin.Token); rr.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed restore: expected 400, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/admin/backup/restore", map[string]string{"backup_id": "nope", "confirm": "nope"}, admin.Token); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown backup: expected 404, got %d", rr.Code)
	}
	rr = env.do(http.MethodPost, "/api/admin/backup/restore", map[string]string{"backup_id": rec.ID, "confirm": rec.ID}, admin.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("restore: %d %s", rr.Code, rr.Body.String())
	}
	if string(env.snap.restored) != `{"format":1}` {
		t.Fatalf("snapshot not restored: %q", env.snap.restored)
	}
}

func TestBackupDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	admin := env.loginAs("admin@example.org", auth.RoleAdmin)
	if rr := env.do(http.MethodPost, "/api/admin/backup", nil, admin.Token); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestNewRequiresCoreServices(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("expected error without services")
	}
}

// securityEvents returns the event names of the security lines in buf.
func securityEvents(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", line)
		}
		if entry["type"] == "security" {
			out = append(out, entry["event"].(string))
		}
	}
	buf.Reset()
	return out
}

func TestRejectedTokensAreLogged(t *testing.T) {
	env := newTestEnv(t, false)
	res := env.login("pupil@llacademy.ng")
	if rr := env.do(http.MethodPost, "/api/auth/logout", nil, res.Token); rr.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", rr.Code)
	}

	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	// optional auth serves anonymously but still records the rejection
	if rr := env.do(http.MethodGet, "/api/blog/post/missing", nil, res.Token); rr.Code != http.StatusNotFound {
		t.Fatalf("public read with revoked token: expected 404, got %d", rr.Code)
	}
	if got := securityEvents(t, &buf); len(got) != 1 || got[0] != "token.revoked_presented" {
		t.Fatalf("expected token.revoked_presented, got %v", got)
	}

	if rr := env.do(http.MethodGet, "/api/blog/post/missing", nil, "not-a-token"); rr.Code != http.StatusNotFound {
		t.Fatalf("public read with garbage token: expected 404, got %d", rr.Code)
	}
	if got := securityEvents(t, &buf); len(got) != 1 || got[0] != "token.invalid" {
		t.Fatalf("expected token.invalid, got %v", got)
	}

	if rr := env.do(http.MethodGet, "/api/users/me", nil, "not-a-token"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("me with garbage token: expected 401, got %d", rr.Code)
	}
	if got := securityEvents(t, &buf); len(got) != 1 || got[0] != "token.invalid" {
		t.Fatalf("expected token.invalid, got %v", got)
	}
}

func TestSecurityEventFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req = req.WithContext(audit.WithRequestID(req.Context(), "rid-7"))
	securityEvent(req, " ", nil)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "warn" || entry["msg"] != "security event not logged" || entry["error"] == nil {
		t.Fatalf("unexpected entry %v", entry)
	}
}
