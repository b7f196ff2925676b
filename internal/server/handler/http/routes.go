package http

import (
	"net/http"

	"github.com/atinyakov/bicicletario/internal/middleware"
	"github.com/atinyakov/bicicletario/internal/models"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Auth    *AuthHandler
	Clients *ClientHandler
	Records *RecordHandler
	Storage *StorageHandler
	Jobs    *JobHandler
	Backups *BackupHandler
}

// NewRouter constructs and returns an HTTP handler that serves the parking
// API under /api.
//
// Middleware chain (applied in order):
//  1. RequestID and Recoverer
//  2. WithRequestLogging(logger)
//  3. AllowContentType("application/json") for requests with a body
//
// Reads and day-to-day writes are public, as the desk application calls
// them directly. Imports, backups and sync acknowledgement need a bearer
// token; storage administration, restores, user management and bulk wipes
// additionally need the admin or owner role.
func NewRouter(h Handlers, tokens middleware.TokenValidator, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(chiMiddleware.AllowContentType("application/json"))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Storage.Health)
		r.Post("/login", h.Auth.Login)

		r.Get("/clients", h.Clients.List)
		r.Post("/client", h.Clients.Save)
		r.Get("/client/{key}", h.Clients.GetByCPF)
		r.Delete("/client/{key}", h.Clients.Delete)
		r.Get("/client/{key}/bicicletas", h.Clients.Bicycles)
		r.Post("/bicicleta", h.Clients.SaveBicycle)
		r.Get("/bicicletas", h.Clients.AllBicycles)

		r.Get("/registros", h.Records.List)
		r.Post("/registro", h.Records.Save)
		r.Delete("/registro/{id}", h.Records.Delete)
		r.Get("/audit", h.Records.Audit)
		r.Post("/audit", h.Records.LogAudit)
		r.Get("/categorias", h.Records.Categories)
		r.Post("/categorias", h.Records.SaveCategories)

		r.Get("/storage-mode", h.Storage.GetMode)
		r.Get("/storage-stats", h.Storage.Stats)
		r.Get("/sync/status", h.Storage.SyncStatus)

		r.Get("/changes", h.Jobs.Changes)
		r.Post("/changes/since", h.Jobs.ChangesSince)
		r.Get("/jobs", h.Jobs.List)
		r.Get("/jobs/active", h.Jobs.Active)
		r.Get("/jobs/{id}", h.Jobs.Get)

		// Authenticated operators
		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(tokens))

			r.Post("/sync/{id}/complete", h.Storage.CompleteSync)

			r.Post("/import/clients", h.Jobs.ImportClients)
			r.Post("/import/registros", h.Jobs.ImportRecords)
			r.Post("/import/backup", h.Jobs.ImportBackup)

			r.Get("/backups", h.Backups.List)
			r.Post("/backups", h.Backups.Create)
			r.Post("/backups/upload", h.Backups.Upload)
			r.Get("/backups/{filename}", h.Backups.Download)
			r.Get("/backup-settings", h.Backups.GetSettings)

			// Administrators
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(models.RoleAdmin, models.RoleOwner))

				r.Get("/usuarios", h.Auth.ListUsers)
				r.Post("/usuario", h.Auth.CreateUser)

				r.Post("/storage-mode", h.Storage.SetMode)
				r.Post("/migrate/{direction}", h.Storage.Migrate)

				r.Delete("/backups/{filename}", h.Backups.Delete)
				r.Post("/backups/{filename}/restore", h.Backups.RestoreFile)
				r.Post("/restore", h.Backups.Restore)
				r.Put("/backup-settings", h.Backups.SaveSettings)

				r.Delete("/admin/{target}", h.Storage.Clear)
			})
		})
	})

	return r
}
