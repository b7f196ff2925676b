package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/atinyakov/bicicletario/internal/backup"
	"github.com/go-chi/chi/v5"
)

// BackupService defines the backup operations required by BackupHandler.
type BackupService interface {
	CreateFullBackup(ctx context.Context) (*backup.Result, error)
	ListBackups(ctx context.Context) ([]backup.Info, error)
	GetBackupContent(ctx context.Context, filename string) (json.RawMessage, error)
	SaveBackupFile(ctx context.Context, body []byte, filename string) (string, error)
	DeleteBackup(ctx context.Context, filename string) error
	Restore(ctx context.Context, doc *backup.Document) backup.RestoreResult
	RestoreFromFile(ctx context.Context, filename string) (backup.RestoreResult, error)
	GetSettings(ctx context.Context) (backup.Settings, error)
	SaveSettings(ctx context.Context, s backup.Settings) error
}

// BackupHandler serves backup files, restores and the automatic backup
// settings.
type BackupHandler struct {
	Backups BackupService
}

func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Backups.ListBackups(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []backup.Info{}
	}
	respondOK(w, map[string]any{"backups": list})
}

func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	res, err := h.Backups.CreateFullBackup(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Download returns the stored document as an attachment.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	raw, err := h.Backups.GetBackupContent(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Backups.DeleteBackup(r.Context(), chi.URLParam(r, "filename")); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, nil)
}

// RestoreFile restores the stored backup {filename}.
func (h *BackupHandler) RestoreFile(w http.ResponseWriter, r *http.Request) {
	res, err := h.Backups.RestoreFromFile(r.Context(), chi.URLParam(r, "filename"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Upload stores the backup document in the body under ?filename=, or a
// generated name.
func (h *BackupHandler) Upload(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	name, err := h.Backups.SaveBackupFile(r.Context(), body, r.URL.Query().Get("filename"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"filename": name})
}

// Restore restores the backup document sent in the body.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := backup.Decode(body)
	if err != nil {
		respondError(w, err)
		return
	}
	res := h.Backups.Restore(r.Context(), doc)
	if doc.Data == nil {
		respondJSON(w, http.StatusBadRequest, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *BackupHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Backups.GetSettings(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"settings": s})
}

// SaveSettings merges the fields in the body over the stored settings.
func (h *BackupHandler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Backups.GetSettings(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if err := decodeJSON(r, &s); err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Backups.SaveSettings(r.Context(), s); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"settings": s})
}
