package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atinyakov/bicicletario/internal/jobs"
	"github.com/atinyakov/bicicletario/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job types started by the importer and the async migration endpoints.
const (
	JobImportClients      = "import_clients"
	JobImportRecords      = "import_registros"
	JobImportSystemBackup = "import_system_backup"
	JobMigrateToDatabase  = "migrate_to_sqlite"
	JobMigrateToFiles     = "migrate_to_json"
)

var (
	// ErrQueueFull is returned when no worker can accept another task.
	ErrQueueFull = errors.New("import queue is full")
	// ErrStopped fails jobs still queued when the workers shut down.
	ErrStopped = errors.New("importer stopped before the job started")
)

// ImportStore persists imported entities, respecting the storage mode.
type ImportStore interface {
	SaveClient(ctx context.Context, c *models.Client) error
	SaveRecord(ctx context.Context, r *models.Record) error
	SaveUser(ctx context.Context, u *models.User) error
	SaveCategories(ctx context.Context, categories map[string]string) error
}

// SystemData is the payload of a full system import. Clients are read from
// either the "clientes" or the "clients" key.
type SystemData struct {
	Clients    []models.Client   `json:"clientes"`
	Records    []models.Record   `json:"registros"`
	Users      []models.User     `json:"usuarios"`
	Categories map[string]string `json:"categorias"`
}

func (d *SystemData) UnmarshalJSON(data []byte) error {
	type plain SystemData
	var aux struct {
		plain
		Alias []models.Client `json:"clients"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = SystemData(aux.plain)
	if d.Clients == nil {
		d.Clients = aux.Alias
	}
	return nil
}

// Total is the number of progress steps an import of d takes.
func (d SystemData) Total() int {
	n := len(d.Clients) + len(d.Records) + len(d.Users)
	if len(d.Categories) > 0 {
		n++
	}
	return n
}

// stepFunc reports items done so far.
type stepFunc func(current int, message string)

type task struct {
	jobID   string
	run     func(ctx context.Context, step stepFunc) (any, string, error)
	changes []string
}

// Importer runs bulk imports on a fixed pool of workers fed by a bounded
// queue. Submitting returns the job id at once.
type Importer struct {
	store   ImportStore
	tracker *jobs.Tracker
	changes *ChangeNotifier
	tasks   chan task
	workers int
	log     *zap.Logger
}

// NewImporter creates the pool. Run must be called to start the workers.
func NewImporter(store ImportStore, tracker *jobs.Tracker, changes *ChangeNotifier, workers, queue int, log *zap.Logger) *Importer {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	return &Importer{
		store:   store,
		tracker: tracker,
		changes: changes,
		tasks:   make(chan task, queue),
		workers: workers,
		log:     log,
	}
}

// Tracker returns the job table the importer reports to.
func (im *Importer) Tracker() *jobs.Tracker {
	return im.tracker
}

// Run starts the workers and blocks until ctx is done and every started
// task has finished. Tasks still queued at that point are failed.
func (im *Importer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < im.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case t := <-im.tasks:
					if gctx.Err() != nil {
						im.abandon(t)
						return nil
					}
					im.execute(gctx, t)
				}
			}
		})
	}
	err := g.Wait()
	im.drain()
	return err
}

// drain fails every queued task without running it.
func (im *Importer) drain() {
	for {
		select {
		case t := <-im.tasks:
			im.abandon(t)
		default:
			return
		}
	}
}

func (im *Importer) abandon(t task) {
	if err := im.tracker.Fail(t.jobID, ErrStopped.Error()); err != nil {
		im.log.Warn("failed to mark queued job failed", zap.String("job", t.jobID), zap.Error(err))
		return
	}
	im.log.Warn("queued job dropped on shutdown", zap.String("job", t.jobID))
}

// execute runs t to completion. Started tasks are not cancelled.
func (im *Importer) execute(ctx context.Context, t task) {
	ctx = context.WithoutCancel(ctx)
	log := im.log.With(zap.String("job", t.jobID))

	if err := im.tracker.Start(t.jobID, "Processando..."); err != nil {
		log.Warn("job could not be started", zap.Error(err))
		return
	}
	result, message, err := t.run(ctx, func(current int, message string) {
		if err := im.tracker.UpdateProgress(t.jobID, current, message); err != nil {
			log.Warn("failed to update job progress", zap.Error(err))
		}
	})
	if err != nil {
		log.Error("import failed", zap.Error(err))
		if ferr := im.tracker.Fail(t.jobID, err.Error()); ferr != nil {
			log.Warn("failed to mark job failed", zap.Error(ferr))
		}
		return
	}
	for _, c := range t.changes {
		im.changes.Notify(c)
	}
	if err := im.tracker.Complete(t.jobID, result, message); err != nil {
		log.Warn("failed to mark job completed", zap.Error(err))
	}
	log.Info("import completed", zap.String("message", message))
}

// Submit creates a job of jobType and queues run for a worker. When the
// queue is full the job is failed at once and ErrQueueFull is returned
// together with its id.
func (im *Importer) Submit(jobType string, total int, metadata map[string]any, changes []string,
	run func(ctx context.Context, step stepFunc) (any, string, error)) (string, error) {
	id := im.tracker.Create(jobType, total, metadata)
	select {
	case im.tasks <- task{jobID: id, run: run, changes: changes}:
		return id, nil
	default:
		_ = im.tracker.Fail(id, ErrQueueFull.Error())
		im.log.Warn("import rejected", zap.String("job", id), zap.String("type", jobType))
		return id, ErrQueueFull
	}
}

// ImportClients saves every client, with its bicycles, in the background.
func (im *Importer) ImportClients(clients []models.Client) (string, error) {
	n := len(clients)
	return im.Submit(JobImportClients, n, nil, []string{ChangeClients, ChangeBicycles},
		func(ctx context.Context, step stepFunc) (any, string, error) {
			for i := range clients {
				c := clients[i]
				if err := im.store.SaveClient(ctx, &c); err != nil {
					return nil, "", fmt.Errorf("cliente %s: %w", c.CPF, err)
				}
				step(i+1, fmt.Sprintf("Salvando cliente %d de %d...", i+1, n))
			}
			return map[string]int{"imported": n}, fmt.Sprintf("%d cliente(s) importado(s) com sucesso!", n), nil
		})
}

// ImportRecords saves every record in the background.
func (im *Importer) ImportRecords(records []models.Record) (string, error) {
	n := len(records)
	return im.Submit(JobImportRecords, n, nil, []string{ChangeRecords},
		func(ctx context.Context, step stepFunc) (any, string, error) {
			for i := range records {
				r := records[i]
				if err := im.store.SaveRecord(ctx, &r); err != nil {
					return nil, "", fmt.Errorf("registro %s: %w", r.ID, err)
				}
				step(i+1, fmt.Sprintf("Salvando registro %d de %d...", i+1, n))
			}
			return map[string]int{"imported": n}, fmt.Sprintf("%d registro(s) importado(s) com sucesso!", n), nil
		})
}

// ImportSystemBackup saves clients, records, users and categories in that
// order in the background.
func (im *Importer) ImportSystemBackup(data SystemData) (string, error) {
	metadata := map[string]any{
		"clients_count":   len(data.Clients),
		"registros_count": len(data.Records),
		"usuarios_count":  len(data.Users),
		"has_categorias":  len(data.Categories) > 0,
	}
	changes := []string{ChangeClients, ChangeBicycles, ChangeRecords, ChangeUsers}
	if len(data.Categories) > 0 {
		changes = append(changes, ChangeCategories)
	}

	return im.Submit(JobImportSystemBackup, data.Total(), metadata, changes,
		func(ctx context.Context, step stepFunc) (any, string, error) {
			current := 0
			for i := range data.Clients {
				c := data.Clients[i]
				if err := im.store.SaveClient(ctx, &c); err != nil {
					return nil, "", fmt.Errorf("cliente %s: %w", c.CPF, err)
				}
				current++
				step(current, fmt.Sprintf("Salvando cliente %d de %d...", i+1, len(data.Clients)))
			}
			for i := range data.Records {
				r := data.Records[i]
				if err := im.store.SaveRecord(ctx, &r); err != nil {
					return nil, "", fmt.Errorf("registro %s: %w", r.ID, err)
				}
				current++
				step(current, fmt.Sprintf("Salvando registro %d de %d...", i+1, len(data.Records)))
			}
			for i := range data.Users {
				u := data.Users[i]
				if err := im.store.SaveUser(ctx, &u); err != nil {
					return nil, "", fmt.Errorf("usuario %s: %w", u.Username, err)
				}
				current++
				step(current, fmt.Sprintf("Salvando usuário %d de %d...", i+1, len(data.Users)))
			}
			if len(data.Categories) > 0 {
				if err := im.store.SaveCategories(ctx, data.Categories); err != nil {
					return nil, "", fmt.Errorf("categorias: %w", err)
				}
				current++
				step(current, "Salvando categorias...")
			}

			result := map[string]int{
				"clients_imported":    len(data.Clients),
				"registros_imported":  len(data.Records),
				"usuarios_imported":   len(data.Users),
				"categorias_imported": len(data.Categories),
			}
			msg := fmt.Sprintf("Backup importado: %d clientes, %d registros, %d usuários!",
				len(data.Clients), len(data.Records), len(data.Users))
			return result, msg, nil
		})
}

// MigrateAsync runs a migration as a tracked job. Every migrated item
// refreshes the job message, which keeps long migrations out of the stale
// sweep.
func (im *Importer) MigrateAsync(jobType string, migrate func(ctx context.Context) (MigrationResult, error)) (string, error) {
	return im.Submit(jobType, 1, nil, []string{ChangeClients, ChangeBicycles, ChangeRecords},
		func(ctx context.Context, step stepFunc) (any, string, error) {
			ctx = WithMigrationProgress(ctx, func(message string) { step(0, message) })
			res, err := migrate(ctx)
			if err != nil {
				return nil, "", err
			}
			step(1, "Migração concluída")
			if !res.Success {
				return res, fmt.Sprintf("Migração concluída com %d erro(s)", len(res.Errors)), nil
			}
			return res, "Migração concluída com sucesso!", nil
		})
}
