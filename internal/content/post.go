package content

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

var (
	ErrNotFound     = errors.New("content: not found")
	ErrConflict     = errors.New("content: slug already exists")
	ErrInvalidInput = errors.New("content: invalid input")
	// ErrWriteFailed is returned after a store write exhausted its retries.
	// Partial effects are left for Reconcile.
	ErrWriteFailed = errors.New("content: write failed")
	// ErrInconsistentIndex marks an index that disagrees with the posts. It is
	// repaired by Reconcile and never shown to readers.
	ErrInconsistentIndex = errors.New("content: inconsistent index")
	ErrInvalidPreview    = errors.New("content: invalid preview token")
	ErrPreviewExpired    = errors.New("content: preview token expired")
)

const (
	maxTitleLen = 200
	maxBodyLen  = 1_000_000
	maxTags     = 10
	maxTagLen   = 50
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Post is the authoritative content object stored under blog:post:{slug}.
type Post struct {
	ID             string         `json:"id"`
	Slug           string         `json:"slug"`
	Title          string         `json:"title"`
	Summary        string         `json:"summary"`
	Body           string         `json:"body_html"`
	AuthorID       string         `json:"author_id"`
	Tags           []string       `json:"tags"`
	PublishedAt    time.Time      `json:"date_published"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Visibility     Visibility     `json:"visibility"`
	CoverImageURL  string         `json:"cover_image,omitempty"`
	AttachmentURLs []string       `json:"attachments,omitempty"`
	ExtraMetadata  map[string]any `json:"meta,omitempty"`
}

// IndexEntry is the listing projection of a Post.
type IndexEntry struct {
	Slug          string     `json:"slug"`
	Title         string     `json:"title"`
	Summary       string     `json:"summary"`
	CoverImageURL string     `json:"cover_image,omitempty"`
	PublishedAt   time.Time  `json:"date_published"`
	Tags          []string   `json:"tags"`
	Visibility    Visibility `json:"visibility"`
}

// Entry projects p onto its index entry.
func (p Post) Entry() IndexEntry {
	return IndexEntry{
		Slug:          p.Slug,
		Title:         p.Title,
		Summary:       p.Summary,
		CoverImageURL: p.CoverImageURL,
		PublishedAt:   p.PublishedAt,
		Tags:          slices.Clone(p.Tags),
		Visibility:    p.Visibility,
	}
}

func (e IndexEntry) equal(o IndexEntry) bool {
	return e.Slug == o.Slug && e.Title == o.Title && e.Summary == o.Summary &&
		e.CoverImageURL == o.CoverImageURL && e.PublishedAt.Equal(o.PublishedAt) &&
		e.Visibility == o.Visibility && slices.Equal(e.Tags, o.Tags)
}

func (p Post) clone() Post {
	p.Tags = slices.Clone(p.Tags)
	p.AttachmentURLs = slices.Clone(p.AttachmentURLs)
	if p.ExtraMetadata != nil {
		meta := make(map[string]any, len(p.ExtraMetadata))
		for k, v := range p.ExtraMetadata {
			meta[k] = v
		}
		p.ExtraMetadata = meta
	}
	return p
}

// PostInput carries the editable fields of a post.
type PostInput struct {
	Title          string         `json:"title"`
	Summary        string         `json:"summary"`
	Body           string         `json:"body_html"`
	Tags           []string       `json:"tags"`
	Visibility     Visibility     `json:"visibility"`
	CoverImageURL  string         `json:"cover_image,omitempty"`
	AttachmentURLs []string       `json:"attachments,omitempty"`
	ExtraMetadata  map[string]any `json:"meta,omitempty"`
}

// Validate checks field limits. Tags are trimmed in place.
func (in *PostInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLen {
		return fmt.Errorf("%w: title cannot exceed %d characters", ErrInvalidInput, maxTitleLen)
	}
	if strings.TrimSpace(in.Body) == "" {
		return fmt.Errorf("%w: content cannot be empty", ErrInvalidInput)
	}
	if len(in.Body) > maxBodyLen {
		return fmt.Errorf("%w: content cannot exceed 1MB", ErrInvalidInput)
	}
	switch in.Visibility {
	case VisibilityPublic, VisibilityPrivate:
	default:
		return fmt.Errorf("%w: visibility must be 'public' or 'private'", ErrInvalidInput)
	}
	if len(in.Tags) > maxTags {
		return fmt.Errorf("%w: cannot have more than %d tags", ErrInvalidInput, maxTags)
	}
	for i, tag := range in.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return fmt.Errorf("%w: tags cannot be empty", ErrInvalidInput)
		}
		if utf8.RuneCountInString(tag) > maxTagLen {
			return fmt.Errorf("%w: tag cannot exceed %d characters", ErrInvalidInput, maxTagLen)
		}
		in.Tags[i] = tag
	}
	return nil
}

// Slugify lowercases title and replaces every rune that is not a letter,
// digit or '-' with '-', trimming leading and trailing dashes.
func Slugify(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func validSlug(slug string) bool {
	return slug != "" && slug == Slugify(slug)
}
