package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"llacademy.ng/internal/audit"
	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/backup"
	"llacademy.ng/internal/obs"
)

const defaultAuditWindow = 30 * 24 * time.Hour

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.Auth.User(r.Context(), r.PathValue("id"))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (a *API) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	targetID := r.PathValue("id")
	before, err := a.Auth.User(r.Context(), targetID)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	u, err := a.Auth.SetRole(r.Context(), targetID, role)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	securityEvent(r, "role.changed", map[string]any{
		"target_user": u.ID,
		"from":        string(before.Role),
		"to":          string(u.Role),
	})
	if err := a.Audit.Append(r.Context(), u.ID, "role.changed", map[string]any{
		"from":     string(before.Role),
		"to":       string(u.Role),
		"actor_id": actor,
	}, a.now()); err != nil {
		obs.Warn("activity append failed", map[string]any{"user_id": u.ID, "action": "role.changed", "error": err.Error()})
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		obs.Error("user request failed", map[string]any{"path": r.URL.Path, "error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// parseDate accepts YYYY-MM-DD or RFC3339.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := a.now().UTC()
	from := to.Add(-defaultAuditWindow)
	if v := q.Get("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be YYYY-MM-DD or RFC3339")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be YYYY-MM-DD or RFC3339")
			return
		}
		to = t
	}
	if to.Before(from) {
		writeError(w, r, http.StatusBadRequest, "to must not be before from")
		return
	}
	userID := r.PathValue("user_id")
	entries, err := a.Audit.EntriesForUser(r.Context(), userID, from, to)
	if errors.Is(err, audit.ErrRangeTooLarge) {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("range must span at most %d months", audit.MaxQueryMonths))
		return
	}
	if err != nil {
		obs.Error("audit query failed", map[string]any{"user_id": userID, "error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "could not read activity")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"from":    audit.DateOf(from),
		"to":      audit.DateOf(to),
		"entries": entries,
	})
}

type cleanupRequest struct {
	Shard string `json:"shard"`
}

// handleAuditCleanup archives one shard, or every shard past retention when
// no shard is named.
func (a *API) handleAuditCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var (
		results []audit.CleanupResult
		err     error
	)
	if shard := strings.TrimSpace(req.Shard); shard != "" {
		var res audit.CleanupResult
		res, err = a.Audit.CleanupShard(r.Context(), shard)
		if err == nil {
			results = append(results, res)
		}
	} else {
		results, err = a.Audit.CleanupExpired(r.Context())
	}
	if err != nil {
		switch {
		case errors.Is(err, audit.ErrInvalidShard):
			writeError(w, r, http.StatusBadRequest, "shard must be YYYY-MM")
		case errors.Is(err, audit.ErrShardNotEligible):
			writeError(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, audit.ErrArchiveVerification):
			writeError(w, r, http.StatusBadGateway, "archive verification failed, shard kept")
		default:
			writeError(w, r, http.StatusInternalServerError, "cleanup failed")
		}
		return
	}
	if results == nil {
		results = []audit.CleanupResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": results})
}

func (a *API) backupEnabled(w http.ResponseWriter, r *http.Request) bool {
	if a.Backup == nil {
		writeError(w, r, http.StatusServiceUnavailable, "backups are not configured")
		return false
	}
	return true
}

func (a *API) handleRunBackup(w http.ResponseWriter, r *http.Request) {
	if !a.backupEnabled(w, r) {
		return
	}
	rec, err := a.Backup.RunBackup(r.Context(), a.now())
	if err != nil {
		a.handleBackupError(w, r, err, rec)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if !a.backupEnabled(w, r) {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), "limit", 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	records, err := a.Backup.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not list backups")
		return
	}
	if records == nil {
		records = []backup.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

type restoreRequest struct {
	BackupID string `json:"backup_id"`
	Confirm  string `json:"confirm"`
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	if !a.backupEnabled(w, r) {
		return
	}
	var req restoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	securityEvent(r, "backup.restore_requested", map[string]any{
		"backup_id": req.BackupID,
		"confirmed": req.BackupID != "" && req.Confirm == req.BackupID,
	})
	rec, err := a.Backup.Restore(r.Context(), req.BackupID, req.Confirm)
	if err != nil {
		a.handleBackupError(w, r, err, rec)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleBackupError(w http.ResponseWriter, r *http.Request, err error, rec backup.Record) {
	fields := map[string]any{"record_id": rec.ID, "error": err.Error()}
	switch {
	case errors.Is(err, backup.ErrConfirmationRequired):
		writeError(w, r, http.StatusBadRequest, "confirm must repeat backup_id")
	case errors.Is(err, backup.ErrRecordNotFound):
		writeError(w, r, http.StatusNotFound, "backup not found")
	case errors.Is(err, backup.ErrInProgress), errors.Is(err, backup.ErrNotRestorable):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, backup.ErrChecksumMismatch):
		writeError(w, r, http.StatusUnprocessableEntity, "backup checksum mismatch, restore aborted")
	case errors.Is(err, backup.ErrTransferFailed):
		obs.Error("backup transfer failed", fields)
		writeError(w, r, http.StatusBadGateway, "remote storage unavailable")
	default:
		obs.Error("backup request failed", fields)
		writeError(w, r, http.StatusInternalServerError, "backup failed")
	}
}
