package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/content"
	"llacademy.ng/internal/obs"
)

const maxPreviewTTL = 24 * time.Hour

func listQuery(r *http.Request) (content.ListQuery, error) {
	q := r.URL.Query()
	page, err := parsePositiveInt(q.Get("page"), "page", 1, 1, 1_000_000)
	if err != nil {
		return content.ListQuery{}, err
	}
	size, err := parsePositiveInt(q.Get("page_size"), "page_size", 10, 1, 100)
	if err != nil {
		return content.ListQuery{}, err
	}
	return content.ListQuery{Page: page, PageSize: size, Tag: q.Get("tag")}, nil
}

// handleBlogIndex serves public index entries only, whoever asks.
func (a *API) handleBlogIndex(w http.ResponseWriter, r *http.Request) {
	lq, err := listQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	lq.Visibility = content.VisibilityPublic
	page, err := a.Content.ListIndex(r.Context(), lq)
	if err != nil {
		a.handleContentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleBlogPost(w http.ResponseWriter, r *http.Request) {
	post, err := a.Content.Read(r.Context(), r.PathValue("slug"), auth.RoleFromContext(r.Context()))
	if err != nil {
		a.handleContentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (a *API) handleBlogPreview(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "preview token is required")
		return
	}
	post, err := a.Content.ReadPreview(r.Context(), token)
	if err != nil {
		a.handleContentError(w, r, err)
		return
	}
	if post.Slug != r.PathValue("slug") {
		writeError(w, r, http.StatusUnauthorized, "preview token does not match post")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, post)
}

func (a *API) handleAdminListPosts(w http.ResponseWriter, r *http.Request) {
	lq, err := listQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	switch vis := content.Visibility(r.URL.Query().Get("visibility")); vis {
	case "", content.VisibilityPublic, content.VisibilityPrivate:
		lq.Visibility = vis
	default:
		writeError(w, r, http.StatusBadRequest, "visibility must be 'public' or 'private'")
		return
	}
	page, err := a.Content.ListIndex(r.Context(), lq)
	if err != nil {
		a.handleContentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var in content.PostInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	authorID, _ := auth.UserIDFromContext(r.Context())
	post, err := a.Content.Create(r.Context(), in, authorID)
	if err != nil {
		a.handleContentError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/posts/"+post.Slug)
	writeJSON(w, http.StatusCreated, post)
}

func (a *API) handleAdminGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := a.Content.Read(r.Context(), r.PathValue("slug"), auth.RoleFromContext(r.Context()))
	if err != nil {
		a.handleContentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (a *API) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	var in content.PostInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	post, err := a.Content.Update(r.Context(), r.PathValue("slug"), in)
	if err != nil {
		a.handleContentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (a *API) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if err := a.Content.Delete(r.Context(), r.PathValue("slug")); err != nil {
		a.handleContentError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type previewRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (a *API) handleIssuePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl < 0 || ttl > maxPreviewTTL {
		writeError(w, r, http.StatusBadRequest, "ttl_seconds must be between 0 and 86400")
		return
	}
	tok, err := a.Content.IssuePreviewToken(r.Context(), r.PathValue("slug"), ttl)
	if err != nil {
		a.handleContentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := a.Content.Reconcile(r.Context())
	if err != nil {
		a.handleContentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"repaired": res.Repaired(),
		"result":   res,
	})
}

func (a *API) handleContentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, content.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "post not found")
	case errors.Is(err, content.ErrConflict):
		writeError(w, r, http.StatusConflict, "a post with this slug already exists")
	case errors.Is(err, content.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, content.ErrInvalidPreview), errors.Is(err, content.ErrPreviewExpired):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired preview token")
	case errors.Is(err, content.ErrWriteFailed):
		obs.Error("content write failed", map[string]any{"path": r.URL.Path, "error": err.Error()})
		writeError(w, r, http.StatusServiceUnavailable, "content store unavailable, retry later")
	case errors.Is(err, content.ErrInconsistentIndex):
		obs.Error("content index unreadable", map[string]any{"path": r.URL.Path, "error": err.Error()})
		writeError(w, r, http.StatusServiceUnavailable, "content index is being repaired, retry later")
	default:
		obs.Error("content request failed", map[string]any{"path": r.URL.Path, "error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
