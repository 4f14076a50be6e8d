package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/api/blog/index?page=2":             "/api/blog/index",
		"/api/blog/post/welcome":             "/api/blog/post/:slug",
		"/api/blog/post/welcome/extra":       "/api/blog/post/welcome/extra",
		"/api/blog/preview/draft":            "/api/blog/preview/:slug",
		"/api/admin/posts":                   "/api/admin/posts",
		"/api/admin/posts/welcome":           "/api/admin/posts/:slug",
		"/api/admin/posts/welcome/preview":   "/api/admin/posts/:slug/preview",
		"/api/admin/users/01HX/role":         "/api/admin/users/:id/role",
		"/api/admin/users/01HX":              "/api/admin/users/:id",
		"/api/admin/audit/logs/u1?from=2024": "/api/admin/audit/logs/:user_id",
		"/api/admin/audit/cleanup":           "/api/admin/audit/cleanup",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLevelLoggingWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	Warn("index repaired", map[string]any{"added": 2, "err": errors.New("boom")})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "index repaired" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
	if entry["err"] != "boom" {
		t.Fatalf("expected error to be stringified, got %#v", entry["err"])
	}
	if entry["ts"] == nil {
		t.Fatalf("expected timestamp")
	}
}
