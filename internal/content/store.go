// Package content manages blog posts in a key-value medium without
// multi-key transactions.
//
// Every post lives under blog:post:{slug}; a single ordered index under
// blog:index lists them newest first. Publish and Delete are two sequential
// writes (post, then index). A failure between them leaves the index out of
// step with the posts until Reconcile rebuilds it from the posts, which are
// authoritative.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/ids"
	"llacademy.ng/internal/kv"
	"llacademy.ng/internal/obs"
	"llacademy.ng/internal/retry"
)

const (
	postKeyPrefix = "blog:post:"
	indexKey      = "blog:index"

	defaultPageSize = 10
	maxPageSize     = 100
)

func postKey(slug string) string { return postKeyPrefix + slug }

// Store is the content store. Construct one per process and pass it to
// callers; it holds no global state.
type Store struct {
	kv         kv.Store
	cache      *expirable.LRU[string, Post]
	previewKey []byte
	now        func() time.Time
	timeout    time.Duration
	retry      retry.Policy
	onRepair   func(ReconcileResult)

	// serialises index read-modify-write within this process
	indexMu sync.Mutex
	// serialises writes to one slug within this process
	slugs slugLocks

	// cacheMu guards the fence between post writes and cache fills: a fetch
	// caches only if no write started or finished while it was reading.
	cacheMu    sync.Mutex
	cacheEpoch uint64
	writing    int
}

type slugLocks struct {
	mu    sync.Mutex
	locks map[string]*slugLock
}

type slugLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the caller holds slug and returns the release func.
func (l *slugLocks) lock(slug string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*slugLock)
	}
	sl := l.locks[slug]
	if sl == nil {
		sl = &slugLock{}
		l.locks[slug] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, slug)
		}
		l.mu.Unlock()
	}
}

// Option configures Store behavior.
type Option func(*Store) error

// WithCache keeps up to size decoded posts for ttl. Other instances' writes
// become visible after at most ttl.
func WithCache(size int, ttl time.Duration) Option {
	return func(s *Store) error {
		if size <= 0 {
			return nil
		}
		s.cache = expirable.NewLRU[string, Post](size, nil, ttl)
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) error {
		if now == nil {
			return errors.New("content: clock must not be nil")
		}
		s.now = now
		return nil
	}
}

// WithTimeout bounds every individual store call.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) error {
		if d <= 0 {
			return errors.New("content: timeout must be positive")
		}
		s.timeout = d
		return nil
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) error {
		s.retry = p
		return nil
	}
}

// WithPreviewKey enables preview tokens signed with key.
func WithPreviewKey(key []byte) Option {
	return func(s *Store) error {
		if len(key) < 32 {
			return errors.New("content: preview key must be at least 32 bytes")
		}
		s.previewKey = key
		return nil
	}
}

// WithRepairHook is called after Reconcile changed the index.
func WithRepairHook(fn func(ReconcileResult)) Option {
	return func(s *Store) error {
		s.onRepair = fn
		return nil
	}
}

func New(store kv.Store, opts ...Option) (*Store, error) {
	if store == nil {
		return nil, errors.New("content: kv store is required")
	}
	s := &Store{
		kv:      store,
		now:     time.Now,
		timeout: 5 * time.Second,
		retry:   retry.Default,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Create validates input, derives the slug from the title and publishes a
// new post. The existence check and the write hold the slug, so of two
// concurrent creates with the same title exactly one fails with ErrConflict.
func (s *Store) Create(ctx context.Context, in PostInput, authorID string) (*Post, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	slug := Slugify(in.Title)
	if !validSlug(slug) {
		return nil, fmt.Errorf("%w: title must contain letters or digits", ErrInvalidInput)
	}
	unlock := s.slugs.lock(slug)
	defer unlock()
	if _, err := s.get(ctx, postKey(slug)); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrConflict, slug)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := s.now().UTC()
	post := Post{
		ID:             ids.NewAt(now),
		Slug:           slug,
		Title:          strings.TrimSpace(in.Title),
		Summary:        in.Summary,
		Body:           in.Body,
		AuthorID:       authorID,
		Tags:           in.Tags,
		PublishedAt:    now,
		UpdatedAt:      now,
		Visibility:     in.Visibility,
		CoverImageURL:  in.CoverImageURL,
		AttachmentURLs: in.AttachmentURLs,
		ExtraMetadata:  in.ExtraMetadata,
	}
	if err := s.publish(ctx, post); err != nil {
		return nil, err
	}
	return &post, nil
}

// Update replaces the editable fields of an existing post. The slug, id,
// author and publication date never change.
func (s *Store) Update(ctx context.Context, slug string, in PostInput) (*Post, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if !validSlug(slug) {
		return nil, ErrNotFound
	}
	unlock := s.slugs.lock(slug)
	defer unlock()
	post, err := s.fetch(ctx, slug)
	if err != nil {
		return nil, err
	}
	post.Title = strings.TrimSpace(in.Title)
	post.Summary = in.Summary
	post.Body = in.Body
	post.Tags = in.Tags
	post.Visibility = in.Visibility
	post.CoverImageURL = in.CoverImageURL
	post.AttachmentURLs = in.AttachmentURLs
	post.ExtraMetadata = in.ExtraMetadata
	post.UpdatedAt = s.now().UTC()
	if err := s.publish(ctx, post); err != nil {
		return nil, err
	}
	return &post, nil
}

// Publish writes the post object, then inserts or replaces its index entry.
// If the second write fails the post is stored but unindexed until the next
// Reconcile.
func (s *Store) Publish(ctx context.Context, post Post) error {
	if !validSlug(post.Slug) {
		return fmt.Errorf("%w: invalid slug %q", ErrInvalidInput, post.Slug)
	}
	unlock := s.slugs.lock(post.Slug)
	defer unlock()
	return s.publish(ctx, post)
}

// publish expects the caller to hold post.Slug.
func (s *Store) publish(ctx context.Context, post Post) error {
	if post.PublishedAt.IsZero() {
		post.PublishedAt = s.now().UTC()
	}
	data, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("content: encode post: %w", err)
	}
	s.beginWrite(post.Slug)
	err = s.put(ctx, postKey(post.Slug), data)
	s.endWrite(post.Slug)
	if err != nil {
		return err
	}
	entry := post.Entry()
	return s.mutateIndex(ctx, func(entries []IndexEntry) []IndexEntry {
		entries = removeSlug(entries, post.Slug)
		return append(entries, entry)
	})
}

// Delete removes the post object, then its index entry. Deleting a slug
// that exists in neither place returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, slug string) error {
	if !validSlug(slug) {
		return ErrNotFound
	}
	unlock := s.slugs.lock(slug)
	defer unlock()
	_, getErr := s.get(ctx, postKey(slug))
	if getErr != nil && !errors.Is(getErr, ErrNotFound) {
		return getErr
	}
	if errors.Is(getErr, ErrNotFound) {
		entries, err := s.readIndex(ctx)
		if err != nil && !errors.Is(err, ErrInconsistentIndex) {
			return err
		}
		if !containsSlug(entries, slug) {
			return ErrNotFound
		}
	}
	s.beginWrite(slug)
	err := s.del(ctx, postKey(slug))
	s.endWrite(slug)
	if err != nil {
		return err
	}
	return s.mutateIndex(ctx, func(entries []IndexEntry) []IndexEntry {
		return removeSlug(entries, slug)
	})
}

// Read returns the post for slug. Private posts are reported as not found
// unless role is privileged, so their existence is not revealed.
func (s *Store) Read(ctx context.Context, slug string, role auth.Role) (*Post, error) {
	post, err := s.load(ctx, slug)
	if err != nil {
		return nil, err
	}
	if post.Visibility != VisibilityPublic && !role.Privileged() {
		return nil, ErrNotFound
	}
	return &post, nil
}

// ListQuery selects a page of the index. Page is 1-based.
type ListQuery struct {
	Page       int
	PageSize   int
	Tag        string
	Visibility Visibility // empty lists every visibility
}

// Page is one page of index entries.
type Page struct {
	Items    []IndexEntry `json:"items"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Total    int          `json:"total"`
}

// ListIndex pages through the index without reading any post object. An
// unreadable index is rebuilt from the posts before the page is served.
func (s *Store) ListIndex(ctx context.Context, q ListQuery) (Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	entries, err := s.readIndex(ctx)
	if errors.Is(err, ErrInconsistentIndex) {
		entries, err = s.heal(ctx)
	}
	if err != nil {
		return Page{}, err
	}
	tag := strings.TrimSpace(q.Tag)
	filtered := entries[:0]
	for _, e := range entries {
		if q.Visibility != "" && e.Visibility != q.Visibility {
			continue
		}
		if tag != "" && !hasTag(e.Tags, tag) {
			continue
		}
		filtered = append(filtered, e)
	}
	page := Page{Page: q.Page, PageSize: q.PageSize, Total: len(filtered), Items: []IndexEntry{}}
	start := (q.Page - 1) * q.PageSize
	if start < len(filtered) {
		end := min(start+q.PageSize, len(filtered))
		page.Items = filtered[start:end]
	}
	return page, nil
}

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Posts       int      `json:"posts"`
	IndexBefore int      `json:"index_before"`
	Added       []string `json:"added"`
	Removed     []string `json:"removed"`
	Updated     []string `json:"updated"`
	Skipped     []string `json:"skipped,omitempty"`
}

// Repaired reports whether the index had to change.
func (r ReconcileResult) Repaired() bool {
	return len(r.Added)+len(r.Removed)+len(r.Updated) > 0
}

// Reconcile rebuilds the index from the stored posts. It is idempotent and
// never modifies a post object.
func (s *Store) Reconcile(ctx context.Context) (ReconcileResult, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	res, err := s.reconcileLocked(ctx)
	if err != nil {
		obs.IndexReconciliations.WithLabelValues("error").Inc()
		return res, err
	}
	s.report(res)
	return res, nil
}

func (s *Store) report(res ReconcileResult) {
	if res.Repaired() {
		obs.IndexReconciliations.WithLabelValues("repaired").Inc()
		obs.Warn("content index repaired", map[string]any{
			"error":   ErrInconsistentIndex.Error(),
			"added":   res.Added,
			"removed": res.Removed,
			"updated": res.Updated,
		})
		if s.onRepair != nil {
			s.onRepair(res)
		}
	} else {
		obs.IndexReconciliations.WithLabelValues("clean").Inc()
	}
}

// heal rebuilds an unreadable index unless another caller already did.
func (s *Store) heal(ctx context.Context) ([]IndexEntry, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	entries, err := s.readIndex(ctx)
	if errors.Is(err, ErrInconsistentIndex) {
		return s.healLocked(ctx, err)
	}
	return entries, err
}

func (s *Store) healLocked(ctx context.Context, cause error) ([]IndexEntry, error) {
	obs.Warn("content index unreadable, rebuilding", map[string]any{"error": cause.Error()})
	res, err := s.reconcileLocked(ctx)
	if err != nil {
		obs.IndexReconciliations.WithLabelValues("error").Inc()
		return nil, err
	}
	s.report(res)
	return s.readIndex(ctx)
}

func (s *Store) reconcileLocked(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	keys, err := s.keys(ctx, postKeyPrefix)
	if err != nil {
		return res, err
	}
	rebuilt := make([]IndexEntry, 0, len(keys))
	for _, key := range keys {
		slug := strings.TrimPrefix(key, postKeyPrefix)
		if !validSlug(slug) {
			res.Skipped = append(res.Skipped, slug)
			continue
		}
		post, err := s.fetch(ctx, slug)
		if errors.Is(err, ErrNotFound) {
			// deleted while scanning
			continue
		}
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				res.Skipped = append(res.Skipped, slug)
				continue
			}
			return res, err
		}
		rebuilt = append(rebuilt, post.Entry())
	}
	sortEntries(rebuilt)
	res.Posts = len(rebuilt)

	current, err := s.readIndex(ctx)
	if err != nil && !errors.Is(err, ErrInconsistentIndex) {
		return res, err
	}
	indexCorrupt := err != nil
	res.IndexBefore = len(current)

	old := make(map[string]IndexEntry, len(current))
	for _, e := range current {
		old[e.Slug] = e
	}
	fresh := make(map[string]struct{}, len(rebuilt))
	for _, e := range rebuilt {
		fresh[e.Slug] = struct{}{}
		prev, ok := old[e.Slug]
		switch {
		case !ok:
			res.Added = append(res.Added, e.Slug)
		case !prev.equal(e):
			res.Updated = append(res.Updated, e.Slug)
		}
	}
	for _, e := range current {
		if _, ok := fresh[e.Slug]; !ok {
			res.Removed = append(res.Removed, e.Slug)
		}
	}
	if !res.Repaired() && !indexCorrupt && sameOrder(current, rebuilt) {
		return res, nil
	}
	if err := s.writeIndex(ctx, rebuilt); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Store) mutateIndex(ctx context.Context, fn func([]IndexEntry) []IndexEntry) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	entries, err := s.readIndex(ctx)
	if errors.Is(err, ErrInconsistentIndex) {
		entries, err = s.healLocked(ctx, err)
	}
	if err != nil {
		return err
	}
	entries = fn(entries)
	sortEntries(entries)
	return s.writeIndex(ctx, entries)
}

func (s *Store) readIndex(ctx context.Context) ([]IndexEntry, error) {
	data, err := s.get(ctx, indexKey)
	if errors.Is(err, ErrNotFound) {
		return []IndexEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode index: %v", ErrInconsistentIndex, err)
	}
	if entries == nil {
		entries = []IndexEntry{}
	}
	return entries, nil
}

func (s *Store) writeIndex(ctx context.Context, entries []IndexEntry) error {
	if entries == nil {
		entries = []IndexEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("content: encode index: %w", err)
	}
	return s.put(ctx, indexKey, data)
}

func (s *Store) load(ctx context.Context, slug string) (Post, error) {
	if !validSlug(slug) {
		return Post{}, ErrNotFound
	}
	if s.cache != nil {
		if post, ok := s.cache.Get(slug); ok {
			obs.ContentCache.WithLabelValues("hit").Inc()
			return post.clone(), nil
		}
		obs.ContentCache.WithLabelValues("miss").Inc()
	}
	return s.fetch(ctx, slug)
}

// fetch reads the post from the store, bypassing the cache, and caches it
// unless a write overlapped the read.
func (s *Store) fetch(ctx context.Context, slug string) (Post, error) {
	var epoch uint64
	if s.cache != nil {
		s.cacheMu.Lock()
		epoch = s.cacheEpoch
		s.cacheMu.Unlock()
	}
	data, err := s.get(ctx, postKey(slug))
	if err != nil {
		return Post{}, err
	}
	var post Post
	if err := json.Unmarshal(data, &post); err != nil {
		return Post{}, fmt.Errorf("content: decode post %q: %w", slug, err)
	}
	if s.cache != nil {
		s.cacheMu.Lock()
		if s.writing == 0 && s.cacheEpoch == epoch {
			s.cache.Add(slug, post.clone())
		}
		s.cacheMu.Unlock()
	}
	return post, nil
}

func (s *Store) beginWrite(slug string) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	s.writing++
	s.cacheEpoch++
	s.cache.Remove(slug)
	s.cacheMu.Unlock()
}

func (s *Store) endWrite(slug string) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	s.cache.Remove(slug)
	s.cacheEpoch++
	s.writing--
	s.cacheMu.Unlock()
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("content: get %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("content: list %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	err := retry.Do(ctx, s.retry, func(ctx context.Context, _ int) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.kv.Put(ctx, key, data)
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrWriteFailed, key, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, key string) error {
	err := retry.Do(ctx, s.retry, func(ctx context.Context, _ int) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.kv.Delete(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrWriteFailed, key, err)
	}
	return nil
}

// sortEntries orders newest first; ties break on slug for a stable index.
func sortEntries(entries []IndexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		return a.Slug < b.Slug
	})
}

func removeSlug(entries []IndexEntry, slug string) []IndexEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Slug != slug {
			out = append(out, e)
		}
	}
	return out
}

func containsSlug(entries []IndexEntry, slug string) bool {
	for _, e := range entries {
		if e.Slug == slug {
			return true
		}
	}
	return false
}

func sameOrder(a, b []IndexEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Slug != b[i].Slug {
			return false
		}
	}
	return true
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
