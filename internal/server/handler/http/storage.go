package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/atinyakov/bicicletario/internal/middleware"
	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// StorageStore defines the store operations behind the storage and admin
// endpoints.
type StorageStore interface {
	StorageStats(ctx context.Context) models.StorageStats
	PendingSyncs(ctx context.Context) ([]models.PendingSyncOp, error)
	MarkSyncComplete(ctx context.Context, id int64) error
	ClearClients(ctx context.Context) models.ClearResult
	ClearRecords(ctx context.Context) models.ClearResult
	ClearBicycles(ctx context.Context) models.ClearResult
	ClearCategories(ctx context.Context) models.ClearResult
	LogAudit(ctx context.Context, actor, action string, detail *string) error
}

// ModeService reads and switches the authoritative backend.
type ModeService interface {
	Mode(ctx context.Context) models.StorageMode
	SetMode(ctx context.Context, mode models.StorageMode) error
	DatabaseAvailable() bool
	DatabaseType() string
}

// MigrationService copies data between the backends.
type MigrationService interface {
	MigrateToDatabase(ctx context.Context) (service.MigrationResult, error)
	MigrateToFiles(ctx context.Context) (service.MigrationResult, error)
}

// AsyncMigrator runs a migration as a background job.
type AsyncMigrator interface {
	MigrateAsync(jobType string, migrate func(ctx context.Context) (service.MigrationResult, error)) (string, error)
}

// StorageHandler serves health, storage mode, migrations, the pending sync
// queue and bulk wipes.
type StorageHandler struct {
	Store    StorageStore
	Mode     ModeService
	Migrator MigrationService
	Jobs     AsyncMigrator
	Version  string
	Log      *zap.Logger
}

// Health reports liveness with the active storage mode.
func (h *StorageHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"storage_mode":       h.Mode.Mode(r.Context()),
		"database_type":      h.Mode.DatabaseType(),
		"database_available": h.Mode.DatabaseAvailable(),
		"version":            h.Version,
	})
}

func (h *StorageHandler) GetMode(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"storage_mode":       h.Mode.Mode(r.Context()),
		"database_available": h.Mode.DatabaseAvailable(),
	})
}

// ModeRequest is the body of POST /api/storage-mode. Either key is
// accepted.
type ModeRequest struct {
	StorageMode models.StorageMode `json:"storage_mode"`
	Mode        models.StorageMode `json:"mode"`
}

func (h *StorageHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := req.StorageMode
	if mode == "" {
		mode = req.Mode
	}
	if err := h.Mode.SetMode(r.Context(), mode); err != nil {
		respondError(w, err)
		return
	}
	h.audit(r, "alterar_modo_armazenamento", string(mode))
	respondOK(w, map[string]any{"storage_mode": mode})
}

func (h *StorageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Store.StorageStats(r.Context()))
}

// Migrate copies data in the {direction} given by the URL, "to-sqlite" or
// "to-json". With ?async=true the migration runs as a job and its id is
// returned with 202.
func (h *StorageHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	var (
		jobType string
		migrate func(context.Context) (service.MigrationResult, error)
	)
	switch chi.URLParam(r, "direction") {
	case "to-sqlite", "to-db":
		jobType, migrate = service.JobMigrateToDatabase, h.Migrator.MigrateToDatabase
	case "to-json", "to-files":
		jobType, migrate = service.JobMigrateToFiles, h.Migrator.MigrateToFiles
	default:
		respondMessage(w, http.StatusBadRequest, "unknown migration direction")
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		id, err := h.Jobs.MigrateAsync(jobType, migrate)
		if err != nil {
			respondJSON(w, statusFor(err), map[string]any{"success": false, "error": err.Error(), "jobId": id})
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": id})
		return
	}

	res, err := migrate(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	h.audit(r, "migracao", res.Direction)
	respondJSON(w, http.StatusOK, res)
}

// SyncStatus lists the unconsumed pending sync operations.
func (h *StorageHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ops, err := h.Store.PendingSyncs(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if ops == nil {
		ops = []models.PendingSyncOp{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"pending": len(ops), "operations": ops})
}

func (h *StorageHandler) CompleteSync(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid sync id")
		return
	}
	if err := h.Store.MarkSyncComplete(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, nil)
}

// Clear wipes the entity set named by {target}.
func (h *StorageHandler) Clear(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	var wipe func(context.Context) models.ClearResult
	switch target {
	case "clients", "clientes":
		wipe = h.Store.ClearClients
	case "registros":
		wipe = h.Store.ClearRecords
	case "bicicletas":
		wipe = h.Store.ClearBicycles
	case "categorias":
		wipe = h.Store.ClearCategories
	default:
		respondMessage(w, http.StatusBadRequest, "unknown target")
		return
	}

	res := wipe(r.Context())
	if !res.Success {
		respondJSON(w, http.StatusInternalServerError, res)
		return
	}
	h.audit(r, "limpar_"+target, fmt.Sprintf("%d removido(s)", res.Deleted))
	respondJSON(w, http.StatusOK, res)
}

func (h *StorageHandler) audit(r *http.Request, action, detail string) {
	actor := middleware.GetUsernameFromContext(r.Context())
	if actor == "" {
		actor = "sistema"
	}
	if err := h.Store.LogAudit(r.Context(), actor, action, &detail); err != nil && h.Log != nil {
		h.Log.Warn("failed to write audit entry", zap.String("action", action), zap.Error(err))
	}
}
