package handlers

import (
	"encoding/json"
	"net/http"

	"meetup-server/middleware"
	"meetup-server/services"
	"meetup-server/utils/errors"
)

// BackupHandler exposes the snapshot ring to moderators.
type BackupHandler struct {
	backupService *services.BackupService
	userService   *services.UserService
}

func NewBackupHandler(backupService *services.BackupService, userService *services.UserService) *BackupHandler {
	return &BackupHandler{backupService: backupService, userService: userService}
}

func (h *BackupHandler) requireModerator(w http.ResponseWriter, r *http.Request) bool {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok || !h.userService.IsModerator(r.Context(), userID) {
		middleware.WriteError(w, errors.ErrUnauthorized)
		return false
	}
	return true
}

func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.requireModerator(w, r) {
		return
	}
	snapshots := h.backupService.ListBackups(r.Context())
	summaries := make([]map[string]any, 0, len(snapshots))
	for _, s := range snapshots {
		summaries = append(summaries, map[string]any{
			"timestamp": s.Timestamp,
			"version":   s.Version,
			"users":     len(s.Users),
			"requests":  len(s.FriendRequests),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.requireModerator(w, r) {
		return
	}
	snapshot, err := h.backupService.Backup(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"timestamp": snapshot.Timestamp,
		"users":     len(snapshot.Users),
		"requests":  len(snapshot.FriendRequests),
	})
}

// Restore replaces the live directory from a snapshot: the one matching the
// given timestamp, or the most recent when no timestamp is sent.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	if !h.requireModerator(w, r) {
		return
	}
	var input struct {
		Timestamp int64 `json:"timestamp"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&input)
	}

	var (
		snapshot services.Snapshot
		err      error
	)
	if input.Timestamp > 0 {
		snapshot, err = h.backupService.RestoreAt(r.Context(), input.Timestamp)
	} else {
		snapshot, err = h.backupService.RestoreLatest(r.Context())
	}
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"restored":  true,
		"timestamp": snapshot.Timestamp,
		"users":     len(snapshot.Users),
	})
}
