// Package service holds the bicycle parking's business logic: the store
// facade that routes every call to the active backend, the storage mode
// selector, migrations, change notifications, background imports and
// login.
package service

import (
	"context"
	"errors"

	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	"go.uber.org/zap"
)

// Backend is the CRUD contract implemented by both the SQL repository and
// the file tree.
type Backend interface {
	SaveClient(ctx context.Context, c *models.Client) error
	GetClient(ctx context.Context, id string) (*models.Client, error)
	GetClientByCPF(ctx context.Context, cpf string) (*models.Client, error)
	GetAllClients(ctx context.Context) ([]models.Client, error)
	DeleteClient(ctx context.Context, id string) error

	SaveBicycle(ctx context.Context, b *models.Bicycle) error
	GetBicyclesForClient(ctx context.Context, clientID string) ([]models.Bicycle, error)
	GetAllBicycles(ctx context.Context) ([]models.Bicycle, error)

	SaveRecord(ctx context.Context, r *models.Record) error
	GetAllRecords(ctx context.Context) ([]models.Record, error)
	DeleteRecord(ctx context.Context, id string) error

	LogAudit(ctx context.Context, actor, action string, detail *string) error
	GetAuditLogs(ctx context.Context, limit int) ([]models.AuditEntry, error)

	SaveCategories(ctx context.Context, categories map[string]string) error
	GetAllCategories(ctx context.Context) (map[string]string, error)

	SaveUser(ctx context.Context, u *models.User) error
	GetAllUsers(ctx context.Context) ([]models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	ClearClients(ctx context.Context) (int, error)
	ClearRecords(ctx context.Context) (int, error)
	ClearBicycles(ctx context.Context) (int, error)
	ClearCategories(ctx context.Context) (int, error)

	Counts(ctx context.Context) (models.Counts, error)
}

// PendingQueue is the replication trail kept by the SQL backend.
type PendingQueue interface {
	AddPendingSync(ctx context.Context, entityType string, op models.SyncOperation, payload any) error
	GetPendingSyncs(ctx context.Context) ([]models.PendingSyncOp, error)
	MarkSyncComplete(ctx context.Context, id int64) error
}

// Pending sync entity types.
const (
	SyncClient  = "cliente"
	SyncBicycle = "bicicleta"
	SyncRecord  = "registro"
)

// Store routes every operation to the backend selected by the mode
// selector, logs failures, notifies changes after successful writes and
// appends to the pending sync queue in database mode.
type Store struct {
	files   Backend
	db      Backend
	queue   PendingQueue
	mode    *ModeSelector
	changes *ChangeNotifier
	log     *zap.Logger
}

// NewStore wires the facade. db and queue are nil when the SQL backend is
// unavailable.
func NewStore(files, db Backend, queue PendingQueue, mode *ModeSelector, changes *ChangeNotifier, log *zap.Logger) *Store {
	return &Store{
		files:   files,
		db:      db,
		queue:   queue,
		mode:    mode,
		changes: changes,
		log:     log,
	}
}

// Mode returns the storage mode selector.
func (s *Store) Mode() *ModeSelector {
	return s.mode
}

// Changes returns the change notifier.
func (s *Store) Changes() *ChangeNotifier {
	return s.changes
}

func (s *Store) backend(ctx context.Context) (Backend, models.StorageMode) {
	mode := s.mode.Mode(ctx)
	if mode == models.ModeDatabase && s.db != nil {
		return s.db, mode
	}
	return s.files, models.ModeFiles
}

// fail logs err at a level matching its kind and returns it unchanged.
func (s *Store) fail(op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrValidation) {
		s.log.Debug(op+" rejected", zap.Error(err))
	} else {
		s.log.Error(op+" failed", zap.Error(err))
	}
	return err
}

func (s *Store) enqueue(ctx context.Context, mode models.StorageMode, entityType string, op models.SyncOperation, payload any) {
	if mode != models.ModeDatabase || s.queue == nil {
		return
	}
	if err := s.queue.AddPendingSync(ctx, entityType, op, payload); err != nil {
		s.log.Warn("failed to queue pending sync",
			zap.String("type", entityType), zap.String("op", string(op)), zap.Error(err))
	}
}

func (s *Store) notify(types ...string) {
	for _, t := range types {
		s.changes.Notify(t)
	}
}

func idPayload(id string) map[string]string {
	return map[string]string{"id": id}
}

func (s *Store) SaveClient(ctx context.Context, c *models.Client) error {
	b, mode := s.backend(ctx)
	if err := b.SaveClient(ctx, c); err != nil {
		return s.fail("save client", err)
	}
	s.enqueue(ctx, mode, SyncClient, models.SyncSave, c)
	s.notify(ChangeClients)
	if len(c.Bicycles) > 0 {
		s.notify(ChangeBicycles)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*models.Client, error) {
	b, _ := s.backend(ctx)
	c, err := b.GetClient(ctx, id)
	if err != nil {
		return nil, s.fail("get client", err)
	}
	return c, nil
}

func (s *Store) GetClientByCPF(ctx context.Context, cpf string) (*models.Client, error) {
	b, _ := s.backend(ctx)
	c, err := b.GetClientByCPF(ctx, cpf)
	if err != nil {
		return nil, s.fail("get client by cpf", err)
	}
	return c, nil
}

func (s *Store) GetAllClients(ctx context.Context) ([]models.Client, error) {
	b, _ := s.backend(ctx)
	clients, err := b.GetAllClients(ctx)
	if err != nil {
		return nil, s.fail("list clients", err)
	}
	return clients, nil
}

func (s *Store) DeleteClient(ctx context.Context, id string) error {
	b, mode := s.backend(ctx)
	if err := b.DeleteClient(ctx, id); err != nil {
		return s.fail("delete client", err)
	}
	s.enqueue(ctx, mode, SyncClient, models.SyncDelete, idPayload(id))
	s.notify(ChangeClients, ChangeBicycles)
	return nil
}

func (s *Store) SaveBicycle(ctx context.Context, bike *models.Bicycle) error {
	b, mode := s.backend(ctx)
	if err := b.SaveBicycle(ctx, bike); err != nil {
		return s.fail("save bicycle", err)
	}
	s.enqueue(ctx, mode, SyncBicycle, models.SyncSave, bike)
	s.notify(ChangeBicycles, ChangeClients)
	return nil
}

func (s *Store) GetBicyclesForClient(ctx context.Context, clientID string) ([]models.Bicycle, error) {
	b, _ := s.backend(ctx)
	bikes, err := b.GetBicyclesForClient(ctx, clientID)
	if err != nil {
		return nil, s.fail("list client bicycles", err)
	}
	return bikes, nil
}

func (s *Store) GetAllBicycles(ctx context.Context) ([]models.Bicycle, error) {
	b, _ := s.backend(ctx)
	bikes, err := b.GetAllBicycles(ctx)
	if err != nil {
		return nil, s.fail("list bicycles", err)
	}
	return bikes, nil
}

func (s *Store) SaveRecord(ctx context.Context, r *models.Record) error {
	b, mode := s.backend(ctx)
	if err := b.SaveRecord(ctx, r); err != nil {
		return s.fail("save record", err)
	}
	s.enqueue(ctx, mode, SyncRecord, models.SyncSave, r)
	s.notify(ChangeRecords)
	return nil
}

func (s *Store) GetAllRecords(ctx context.Context) ([]models.Record, error) {
	b, _ := s.backend(ctx)
	records, err := b.GetAllRecords(ctx)
	if err != nil {
		return nil, s.fail("list records", err)
	}
	return records, nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	b, mode := s.backend(ctx)
	if err := b.DeleteRecord(ctx, id); err != nil {
		return s.fail("delete record", err)
	}
	s.enqueue(ctx, mode, SyncRecord, models.SyncDelete, idPayload(id))
	s.notify(ChangeRecords)
	return nil
}

func (s *Store) LogAudit(ctx context.Context, actor, action string, detail *string) error {
	b, _ := s.backend(ctx)
	if err := b.LogAudit(ctx, actor, action, detail); err != nil {
		return s.fail("log audit", err)
	}
	return nil
}

// GetAuditLogs returns the newest entries first. A non-positive limit uses
// repository.DefaultAuditLimit.
func (s *Store) GetAuditLogs(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = repository.DefaultAuditLimit
	}
	b, _ := s.backend(ctx)
	entries, err := b.GetAuditLogs(ctx, limit)
	if err != nil {
		return nil, s.fail("list audit logs", err)
	}
	return entries, nil
}

func (s *Store) SaveCategories(ctx context.Context, categories map[string]string) error {
	b, _ := s.backend(ctx)
	if err := b.SaveCategories(ctx, categories); err != nil {
		return s.fail("save categories", err)
	}
	s.notify(ChangeCategories)
	return nil
}

func (s *Store) GetAllCategories(ctx context.Context) (map[string]string, error) {
	b, _ := s.backend(ctx)
	categories, err := b.GetAllCategories(ctx)
	if err != nil {
		return nil, s.fail("list categories", err)
	}
	return categories, nil
}

func (s *Store) SaveUser(ctx context.Context, u *models.User) error {
	b, _ := s.backend(ctx)
	if err := b.SaveUser(ctx, u); err != nil {
		return s.fail("save user", err)
	}
	s.notify(ChangeUsers)
	return nil
}

func (s *Store) GetAllUsers(ctx context.Context) ([]models.User, error) {
	b, _ := s.backend(ctx)
	users, err := b.GetAllUsers(ctx)
	if err != nil {
		return nil, s.fail("list users", err)
	}
	return users, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	b, _ := s.backend(ctx)
	u, err := b.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, s.fail("get user", err)
	}
	return u, nil
}

func (s *Store) clear(op string, fn func() (int, error), types ...string) models.ClearResult {
	n, err := fn()
	if err != nil {
		s.fail(op, err)
		return models.ClearResult{Error: err.Error()}
	}
	s.notify(types...)
	s.log.Info(op, zap.Int("deleted", n))
	return models.ClearResult{Success: true, Deleted: n}
}

// ClearClients removes every client together with its bicycles.
func (s *Store) ClearClients(ctx context.Context) models.ClearResult {
	b, _ := s.backend(ctx)
	return s.clear("clear clients", func() (int, error) { return b.ClearClients(ctx) }, ChangeClients, ChangeBicycles)
}

func (s *Store) ClearRecords(ctx context.Context) models.ClearResult {
	b, _ := s.backend(ctx)
	return s.clear("clear records", func() (int, error) { return b.ClearRecords(ctx) }, ChangeRecords)
}

func (s *Store) ClearBicycles(ctx context.Context) models.ClearResult {
	b, _ := s.backend(ctx)
	return s.clear("clear bicycles", func() (int, error) { return b.ClearBicycles(ctx) }, ChangeBicycles, ChangeClients)
}

func (s *Store) ClearCategories(ctx context.Context) models.ClearResult {
	b, _ := s.backend(ctx)
	return s.clear("clear categories", func() (int, error) { return b.ClearCategories(ctx) }, ChangeCategories)
}

// GetConfig reads from the configuration backend of the mode selector.
func (s *Store) GetConfig(ctx context.Context, key, def string) (string, error) {
	v, err := s.mode.Config().GetConfig(ctx, key, def)
	if err != nil {
		return def, s.fail("get config", err)
	}
	return v, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	if err := s.mode.Config().SetConfig(ctx, key, value); err != nil {
		return s.fail("set config", err)
	}
	return nil
}

// PendingSyncs returns the unconsumed queue entries, oldest first.
func (s *Store) PendingSyncs(ctx context.Context) ([]models.PendingSyncOp, error) {
	if s.queue == nil {
		return nil, repository.ErrBackendUnavailable
	}
	ops, err := s.queue.GetPendingSyncs(ctx)
	if err != nil {
		return nil, s.fail("list pending syncs", err)
	}
	return ops, nil
}

// MarkSyncComplete flags one queue entry as consumed.
func (s *Store) MarkSyncComplete(ctx context.Context, id int64) error {
	if s.queue == nil {
		return repository.ErrBackendUnavailable
	}
	if err := s.queue.MarkSyncComplete(ctx, id); err != nil {
		return s.fail("mark sync complete", err)
	}
	return nil
}

// StorageStats counts both backends and reports the migration state.
func (s *Store) StorageStats(ctx context.Context) models.StorageStats {
	stats := models.StorageStats{
		Mode:              s.mode.Mode(ctx),
		DatabaseType:      s.mode.DatabaseType(),
		DatabaseAvailable: s.db != nil && s.mode.DatabaseAvailable(),
	}

	if stats.DatabaseAvailable {
		if c, err := s.db.Counts(ctx); err != nil {
			s.fail("count database", err)
		} else {
			stats.Database = &c
		}
	}
	if c, err := s.files.Counts(ctx); err != nil {
		s.fail("count files", err)
	} else {
		stats.Files = &c
	}

	cfg := s.mode.Config()
	stats.MigrationStatus, _ = cfg.GetConfig(ctx, KeyMigrationStatus, "idle")
	stats.LastMigrationDate, _ = cfg.GetConfig(ctx, KeyLastMigrationDate, "")
	if stats.MigrationStatus == "" {
		stats.MigrationStatus = "idle"
	}
	return stats
}
