package blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeGraph emulates the subset of Microsoft Graph the store uses.
type fakeGraph struct {
	mu          sync.Mutex
	files       map[string][]byte
	tokenCalls  int
	sessionHits int
}

func (f *fakeGraph) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_secret") != "secret" {
			http.Error(w, "bad grant", http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.tokenCalls++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/upload/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/upload/")
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.files[name] = append(f.files[name], body...)
		f.sessionHits++
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	const drive = "/v1.0/sites/site/drives/drive/root:/"
	mux.HandleFunc("/v1.0/sites/site/drives/drive/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, drive)
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodPut && strings.HasSuffix(rest, ":/content"):
			body, _ := io.ReadAll(r.Body)
			f.files[strings.TrimSuffix(rest, ":/content")] = body
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && strings.HasSuffix(rest, ":/createUploadSession"):
			name := strings.TrimSuffix(rest, ":/createUploadSession")
			f.files[name] = nil
			_ = json.NewEncoder(w).Encode(map[string]string{"uploadUrl": "http://" + r.Host + "/upload/" + name})
		case r.Method == http.MethodGet && strings.HasSuffix(rest, ":/content"):
			data, ok := f.files[strings.TrimSuffix(rest, ":/content")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(data)
		case r.Method == http.MethodGet && strings.HasSuffix(rest, ":/children"):
			folder := strings.TrimSuffix(rest, ":/children") + "/"
			var items []map[string]any
			for name, data := range f.files {
				if strings.HasPrefix(name, folder) && !strings.Contains(strings.TrimPrefix(name, folder), "/") {
					items = append(items, map[string]any{
						"name":                 strings.TrimPrefix(name, folder),
						"size":                 len(data),
						"lastModifiedDateTime": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
					})
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"value": items})
		case r.Method == http.MethodDelete:
			if _, ok := f.files[rest]; !ok {
				http.NotFound(w, r)
				return
			}
			delete(f.files, rest)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.Error(w, "unexpected", http.StatusBadRequest)
		}
	})
	return mux
}

func newTestGraph(t *testing.T) (*Graph, *fakeGraph) {
	t.Helper()
	fake := &fakeGraph{files: map[string][]byte{}}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	g, err := NewGraph(GraphOptions{
		TenantID:     "tenant",
		ClientID:     "client",
		ClientSecret: "secret",
		SiteID:       "site",
		DriveID:      "drive",
		AuthorityURL: srv.URL,
		GraphURL:     srv.URL + "/v1.0",
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	return g, fake
}

func TestGraphStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestGraph(t)

	if err := g.Put(ctx, "backups/cms_backup_20240101_020000.json.gz", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := fake.files["cms_backups/backups/cms_backup_20240101_020000.json.gz"]; !ok {
		t.Fatalf("object not stored under folder: %v", fake.files)
	}
	got, err := g.Get(ctx, "backups/cms_backup_20240101_020000.json.gz")
	if err != nil || string(got) != "payload" {
		t.Fatalf("get: %q %v", got, err)
	}
	objects, err := g.List(ctx, "backups/cms_backup_")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 1 || objects[0].Name != "backups/cms_backup_20240101_020000.json.gz" || objects[0].Size != 7 {
		t.Fatalf("unexpected listing %+v", objects)
	}
	if err := g.Delete(ctx, "backups/cms_backup_20240101_020000.json.gz"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := g.Delete(ctx, "backups/cms_backup_20240101_020000.json.gz"); err != nil {
		t.Fatalf("delete missing should succeed: %v", err)
	}
	if _, err := g.Get(ctx, "backups/cms_backup_20240101_020000.json.gz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if fake.tokenCalls != 1 {
		t.Fatalf("expected cached access token, got %d token calls", fake.tokenCalls)
	}
}

func TestGraphLargeUploadUsesSession(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestGraph(t)
	payload := []byte(strings.Repeat("x", simpleUploadLimit+10))
	if err := g.Put(ctx, "backups/big.gz", payload); err != nil {
		t.Fatalf("put: %v", err)
	}
	if fake.sessionHits < 2 {
		t.Fatalf("expected chunked upload, got %d chunks", fake.sessionHits)
	}
	if len(fake.files["cms_backups/backups/big.gz"]) != len(payload) {
		t.Fatalf("uploaded %d bytes, want %d", len(fake.files["cms_backups/backups/big.gz"]), len(payload))
	}
}

func TestNewGraphRequiresCredentials(t *testing.T) {
	if _, err := NewGraph(GraphOptions{TenantID: "t"}); err == nil {
		t.Fatalf("expected incomplete configuration error")
	}
}
