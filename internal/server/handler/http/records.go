package http

import (
	"context"
	"net/http"

	"github.com/atinyakov/bicicletario/internal/middleware"
	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/go-chi/chi/v5"
)

// RecordStore defines the record, audit and category operations required
// by RecordHandler.
type RecordStore interface {
	SaveRecord(ctx context.Context, r *models.Record) error
	GetAllRecords(ctx context.Context) ([]models.Record, error)
	DeleteRecord(ctx context.Context, id string) error
	LogAudit(ctx context.Context, actor, action string, detail *string) error
	GetAuditLogs(ctx context.Context, limit int) ([]models.AuditEntry, error)
	SaveCategories(ctx context.Context, categories map[string]string) error
	GetAllCategories(ctx context.Context) (map[string]string, error)
}

// RecordHandler serves parking records, the audit log and categories.
type RecordHandler struct {
	Store RecordStore
}

func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.GetAllRecords(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if records == nil {
		records = []models.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

// Save creates or updates a record. When the body names no author the
// authenticated user is recorded.
func (h *RecordHandler) Save(w http.ResponseWriter, r *http.Request) {
	var rec models.Record
	if err := decodeJSON(r, &rec); err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if rec.CreatedBy == "" {
		rec.CreatedBy = middleware.GetUsernameFromContext(r.Context())
	}
	if err := h.Store.SaveRecord(r.Context(), &rec); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"registro": rec})
}

func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteRecord(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, nil)
}

// AuditRequest is the body of POST /api/audit.
type AuditRequest struct {
	Actor  string  `json:"usuario"`
	Action string  `json:"acao"`
	Detail *string `json:"detalhes"`
}

// Audit returns the newest audit entries, limited by ?limit=.
func (h *RecordHandler) Audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.GetAuditLogs(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		respondError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// LogAudit appends an entry. The authenticated user, when present, takes
// precedence over the actor in the body.
func (h *RecordHandler) LogAudit(w http.ResponseWriter, r *http.Request) {
	var req AuditRequest
	if err := decodeJSON(r, &req); err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if u := middleware.GetUsernameFromContext(r.Context()); u != "" {
		req.Actor = u
	}
	if err := h.Store.LogAudit(r.Context(), req.Actor, req.Action, req.Detail); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, nil)
}

func (h *RecordHandler) Categories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.Store.GetAllCategories(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if categories == nil {
		categories = map[string]string{}
	}
	respondJSON(w, http.StatusOK, categories)
}

// SaveCategories replaces the category map.
func (h *RecordHandler) SaveCategories(w http.ResponseWriter, r *http.Request) {
	var categories map[string]string
	if err := decodeJSON(r, &categories); err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Store.SaveCategories(r.Context(), categories); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, nil)
}
