package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultAuthority = "https://login.microsoftonline.com"
	defaultGraphURL  = "https://graph.microsoft.com/v1.0"
	graphScope       = "https://graph.microsoft.com/.default"

	// Graph accepts simple PUT uploads up to 4 MiB; larger objects go through
	// an upload session in chunks that are multiples of 320 KiB.
	simpleUploadLimit = 4 << 20
	uploadChunkSize   = 320 * 1024 * 8
)

// GraphOptions configures a SharePoint document library store.
type GraphOptions struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	SiteID       string
	DriveID      string
	// Folder is the library folder every object name is relative to.
	Folder string

	AuthorityURL string
	GraphURL     string
	HTTPClient   *http.Client
}

// Graph stores objects in a SharePoint document library through Microsoft
// Graph, authenticating with the client-credentials grant.
type Graph struct {
	opts   GraphOptions
	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
	now         func() time.Time
}

func NewGraph(opts GraphOptions) (*Graph, error) {
	if opts.TenantID == "" || opts.ClientID == "" || opts.ClientSecret == "" || opts.SiteID == "" || opts.DriveID == "" {
		return nil, errors.New("blob: incomplete sharepoint configuration")
	}
	if opts.AuthorityURL == "" {
		opts.AuthorityURL = defaultAuthority
	}
	if opts.GraphURL == "" {
		opts.GraphURL = defaultGraphURL
	}
	if opts.Folder == "" {
		opts.Folder = "cms_backups"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Graph{opts: opts, client: client, now: time.Now}, nil
}

type graphError struct {
	Status int
	Body   string
}

func (e *graphError) Error() string {
	return fmt.Sprintf("blob: graph status %d: %s", e.Status, e.Body)
}

func (g *Graph) token(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.accessToken != "" && g.now().Before(g.tokenExpiry) {
		return g.accessToken, nil
	}
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {g.opts.ClientID},
		"client_secret": {g.opts.ClientSecret},
		"scope":         {graphScope},
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(g.opts.AuthorityURL, "/"), url.PathEscape(g.opts.TenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob: graph token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readGraphError(resp)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("blob: graph token decode: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("blob: graph token missing access_token")
	}
	g.accessToken = body.AccessToken
	// refresh a minute early
	g.tokenExpiry = g.now().Add(time.Duration(body.ExpiresIn)*time.Second - time.Minute)
	return g.accessToken, nil
}

func (g *Graph) itemPath(name string) string {
	full := path.Join(g.opts.Folder, name)
	parts := strings.Split(full, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (g *Graph) driveURL() string {
	return fmt.Sprintf("%s/sites/%s/drives/%s", strings.TrimRight(g.opts.GraphURL, "/"),
		url.PathEscape(g.opts.SiteID), url.PathEscape(g.opts.DriveID))
}

func (g *Graph) do(ctx context.Context, method, endpoint string, body io.Reader, header http.Header) (*http.Response, error) {
	tok, err := g.token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return g.client.Do(req)
}

func (g *Graph) Put(ctx context.Context, name string, data []byte) error {
	if len(data) > simpleUploadLimit {
		return g.putSession(ctx, name, data)
	}
	endpoint := fmt.Sprintf("%s/root:/%s:/content", g.driveURL(), g.itemPath(name))
	resp, err := g.do(ctx, http.MethodPut, endpoint, bytes.NewReader(data), http.Header{
		"Content-Type": {"application/octet-stream"},
	})
	if err != nil {
		return fmt.Errorf("blob: graph put %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return readGraphError(resp)
	}
	return nil
}

func (g *Graph) putSession(ctx context.Context, name string, data []byte) error {
	endpoint := fmt.Sprintf("%s/root:/%s:/createUploadSession", g.driveURL(), g.itemPath(name))
	payload := strings.NewReader(`{"item":{"@microsoft.graph.conflictBehavior":"replace"}}`)
	resp, err := g.do(ctx, http.MethodPost, endpoint, payload, http.Header{"Content-Type": {"application/json"}})
	if err != nil {
		return fmt.Errorf("blob: graph upload session %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readGraphError(resp)
	}
	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil || session.UploadURL == "" {
		return fmt.Errorf("blob: graph upload session %s: missing uploadUrl", name)
	}
	total := len(data)
	for start := 0; start < total; start += uploadChunkSize {
		end := min(start+uploadChunkSize, total)
		// the pre-authenticated upload URL must not carry the bearer token
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, bytes.NewReader(data[start:end]))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, total))
		chunkResp, err := g.client.Do(req)
		if err != nil {
			return fmt.Errorf("blob: graph upload chunk %s: %w", name, err)
		}
		ok := chunkResp.StatusCode == http.StatusAccepted || chunkResp.StatusCode == http.StatusOK || chunkResp.StatusCode == http.StatusCreated
		if !ok {
			err := readGraphError(chunkResp)
			chunkResp.Body.Close()
			return err
		}
		chunkResp.Body.Close()
	}
	return nil
}

func (g *Graph) Get(ctx context.Context, name string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/root:/%s:/content", g.driveURL(), g.itemPath(name))
	resp, err := g.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: graph get %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readGraphError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: graph read %s: %w", name, err)
	}
	return data, nil
}

type driveItem struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModifiedDateTime"`
	Folder       *struct{} `json:"folder,omitempty"`
}

func (g *Graph) List(ctx context.Context, prefix string) ([]Object, error) {
	folder, namePrefix := "", prefix
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		folder, namePrefix = prefix[:i], prefix[i+1:]
	}
	endpoint := fmt.Sprintf("%s/root:/%s:/children", g.driveURL(), g.itemPath(folder))
	var out []Object
	for endpoint != "" {
		resp, err := g.do(ctx, http.MethodGet, endpoint, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("blob: graph list %s: %w", prefix, err)
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, nil
		}
		if resp.StatusCode != http.StatusOK {
			err := readGraphError(resp)
			resp.Body.Close()
			return nil, err
		}
		var page struct {
			Value    []driveItem `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("blob: graph list decode: %w", err)
		}
		for _, item := range page.Value {
			if item.Folder != nil || !strings.HasPrefix(item.Name, namePrefix) {
				continue
			}
			name := item.Name
			if folder != "" {
				name = folder + "/" + item.Name
			}
			out = append(out, Object{Name: name, Size: item.Size, ModTime: item.LastModified.UTC()})
		}
		endpoint = page.NextLink
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (g *Graph) Delete(ctx context.Context, name string) error {
	endpoint := fmt.Sprintf("%s/root:/%s", g.driveURL(), g.itemPath(name))
	resp, err := g.do(ctx, http.MethodDelete, endpoint, nil, nil)
	if err != nil {
		return fmt.Errorf("blob: graph delete %s: %w", name, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return readGraphError(resp)
	}
}

func readGraphError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &graphError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
