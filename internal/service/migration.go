package service

import (
	"context"
	"fmt"
	"time"

	"github.com/atinyakov/bicicletario/internal/backup"
	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	"go.uber.org/zap"
)

// Migration directions as stored under last_migration_direction.
const (
	DirectionToDatabase = "json_to_sqlite"
	DirectionToFiles    = "sqlite_to_json"
)

// Migration states as stored under migration_status.
const (
	MigrationRunning             = "running"
	MigrationCompleted           = "completed"
	MigrationCompletedWithErrors = "completed_with_errors"
	MigrationFailed              = "failed"
)

// FileTree is the raw surface of the JSON file backend used by migrations.
type FileTree interface {
	ClientFiles(ctx context.Context) ([]string, error)
	LoadClientFile(ctx context.Context, name string) (*models.Client, error)
	RecordFiles(ctx context.Context) ([]string, error)
	LoadRecordFile(ctx context.Context, name string) (*models.Record, error)
	SaveClient(ctx context.Context, c *models.Client) error
	SaveRecord(ctx context.Context, r *models.Record) error
}

// Database is the part of the SQL backend used by migrations.
type Database interface {
	SaveClient(ctx context.Context, c *models.Client) error
	SaveRecord(ctx context.Context, r *models.Record) error
	GetAllClients(ctx context.Context) ([]models.Client, error)
	GetAllRecords(ctx context.Context) ([]models.Record, error)
}

// Snapshotter takes the safety backup before a migration.
type Snapshotter interface {
	CreateFullBackup(ctx context.Context) (*backup.Result, error)
}

// MigrationCounts reports migrated entities per type.
type MigrationCounts struct {
	Clients  int `json:"clientes"`
	Bicycles int `json:"bicicletas"`
	Records  int `json:"registros"`
}

// MigrationResult is successful only when Errors is empty.
type MigrationResult struct {
	Success    bool            `json:"success"`
	Direction  string          `json:"direction"`
	Migrated   MigrationCounts `json:"migrated"`
	Errors     []string        `json:"errors"`
	BackupFile string          `json:"backupFile,omitempty"`
}

type progressKey struct{}

// WithMigrationProgress returns a context under which a migration calls
// report after every migrated client and record.
func WithMigrationProgress(ctx context.Context, report func(message string)) context.Context {
	return context.WithValue(ctx, progressKey{}, report)
}

func reportProgress(ctx context.Context, format string, args ...any) {
	if report, ok := ctx.Value(progressKey{}).(func(string)); ok && report != nil {
		report(fmt.Sprintf(format, args...))
	}
}

// Migrator copies clients, their bicycles and records between the file
// tree and the SQL backend. A failing file is reported and skipped.
type Migrator struct {
	files   FileTree
	db      Database
	backups Snapshotter
	config  ConfigStore
	log     *zap.Logger
	now     func() time.Time
}

// NewMigrator wires a migrator. db is nil when the SQL backend is
// unavailable.
func NewMigrator(files FileTree, db Database, backups Snapshotter, config ConfigStore, log *zap.Logger) *Migrator {
	return &Migrator{
		files:   files,
		db:      db,
		backups: backups,
		config:  config,
		log:     log,
		now:     time.Now,
	}
}

// MigrateToDatabase copies the file tree into the SQL backend.
func (m *Migrator) MigrateToDatabase(ctx context.Context) (MigrationResult, error) {
	if m.db == nil {
		return MigrationResult{Direction: DirectionToDatabase, Errors: []string{}}, repository.ErrBackendUnavailable
	}
	return m.run(ctx, DirectionToDatabase, m.filesToDatabase), nil
}

// MigrateToFiles copies the SQL backend into the file tree.
func (m *Migrator) MigrateToFiles(ctx context.Context) (MigrationResult, error) {
	if m.db == nil {
		return MigrationResult{Direction: DirectionToFiles, Errors: []string{}}, repository.ErrBackendUnavailable
	}
	return m.run(ctx, DirectionToFiles, m.databaseToFiles), nil
}

// run executes step to completion. Cancelling ctx does not stop it, so the
// stored migration status always reaches a final state.
func (m *Migrator) run(ctx context.Context, direction string, step func(context.Context, *MigrationResult) error) MigrationResult {
	ctx = context.WithoutCancel(ctx)
	res := MigrationResult{Direction: direction, Errors: []string{}}
	log := m.log.With(zap.String("direction", direction))
	log.Info("migration started")
	m.setConfig(ctx, KeyMigrationStatus, MigrationRunning)

	snap, err := m.backups.CreateFullBackup(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Backup: %v", err))
		m.setConfig(ctx, KeyMigrationStatus, MigrationFailed)
		log.Error("migration aborted, backup failed", zap.Error(err))
		return res
	}
	res.BackupFile = snap.Filename

	if err := step(ctx, &res); err != nil {
		res.Errors = append(res.Errors, err.Error())
		m.setConfig(ctx, KeyMigrationStatus, MigrationFailed)
		log.Error("migration failed", zap.Error(err))
		return res
	}

	res.Success = len(res.Errors) == 0
	status := MigrationCompleted
	if !res.Success {
		status = MigrationCompletedWithErrors
	}
	m.setConfig(ctx, KeyMigrationStatus, status)
	m.setConfig(ctx, KeyLastMigrationDate, models.At(m.now()).String())
	m.setConfig(ctx, KeyLastMigrationDirection, direction)

	log.Info("migration finished",
		zap.String("status", status),
		zap.Int("clients", res.Migrated.Clients),
		zap.Int("bicycles", res.Migrated.Bicycles),
		zap.Int("records", res.Migrated.Records),
		zap.Int("errors", len(res.Errors)))
	return res
}

func (m *Migrator) setConfig(ctx context.Context, key, value string) {
	if err := m.config.SetConfig(ctx, key, value); err != nil {
		m.log.Warn("failed to store migration state", zap.String("key", key), zap.Error(err))
	}
}

func (m *Migrator) filesToDatabase(ctx context.Context, res *MigrationResult) error {
	names, err := m.files.ClientFiles(ctx)
	if err != nil {
		return fmt.Errorf("list client files: %w", err)
	}
	for i, name := range names {
		reportProgress(ctx, "Migrando cliente %d de %d...", i+1, len(names))
		c, err := m.files.LoadClientFile(ctx, name)
		if err == nil {
			err = m.db.SaveClient(ctx, c)
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Cliente %s: %v", name, err))
			continue
		}
		res.Migrated.Clients++
		res.Migrated.Bicycles += len(c.Bicycles)
	}

	names, err = m.files.RecordFiles(ctx)
	if err != nil {
		return fmt.Errorf("list record files: %w", err)
	}
	for i, name := range names {
		reportProgress(ctx, "Migrando registro %d de %d...", i+1, len(names))
		r, err := m.files.LoadRecordFile(ctx, name)
		if err == nil {
			err = m.db.SaveRecord(ctx, r)
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Registro %s: %v", name, err))
			continue
		}
		res.Migrated.Records++
	}
	return nil
}

func (m *Migrator) databaseToFiles(ctx context.Context, res *MigrationResult) error {
	clients, err := m.db.GetAllClients(ctx)
	if err != nil {
		return fmt.Errorf("read clients: %w", err)
	}
	for i := range clients {
		c := clients[i]
		reportProgress(ctx, "Migrando cliente %d de %d...", i+1, len(clients))
		if err := m.files.SaveClient(ctx, &c); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Cliente %s: %v", c.CPF, err))
			continue
		}
		res.Migrated.Clients++
		res.Migrated.Bicycles += len(c.Bicycles)
	}

	records, err := m.db.GetAllRecords(ctx)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	for i := range records {
		r := records[i]
		reportProgress(ctx, "Migrando registro %d de %d...", i+1, len(records))
		if err := m.files.SaveRecord(ctx, &r); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Registro %s: %v", r.ID, err))
			continue
		}
		res.Migrated.Records++
	}
	return nil
}
