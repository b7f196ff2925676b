package service

import (
	"context"
	"fmt"

	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	"go.uber.org/zap"
)

// Configuration keys shared by the storage services.
const (
	KeyStorageMode            = "storage_mode"
	KeyMigrationStatus        = "migration_status"
	KeyLastMigrationDate      = "last_migration_date"
	KeyLastMigrationDirection = "last_migration_direction"
)

// ConfigStore is a key/value configuration backend.
type ConfigStore interface {
	GetConfig(ctx context.Context, key, def string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// ModeSelector decides, on every call, which backend is authoritative.
type ModeSelector struct {
	config      ConfigStore
	dbAvailable bool
	forceDB     bool
	dbType      string
	log         *zap.Logger
}

// NewModeSelector builds a selector. dbType is reported in stats and is
// "sqlite" or "postgresql"; forceDB pins database mode when dbAvailable.
func NewModeSelector(config ConfigStore, dbAvailable, forceDB bool, dbType string, log *zap.Logger) *ModeSelector {
	return &ModeSelector{
		config:      config,
		dbAvailable: dbAvailable,
		forceDB:     forceDB,
		dbType:      dbType,
		log:         log,
	}
}

// Mode returns the current storage mode. It falls back to the file tree
// when the database is unavailable and to database mode when nothing valid
// is stored.
func (m *ModeSelector) Mode(ctx context.Context) models.StorageMode {
	if !m.dbAvailable {
		return models.ModeFiles
	}
	if m.forceDB {
		return models.ModeDatabase
	}
	v, err := m.config.GetConfig(ctx, KeyStorageMode, string(models.ModeDatabase))
	if err != nil {
		m.log.Warn("failed to read storage mode", zap.Error(err))
		return models.ModeDatabase
	}
	mode := models.StorageMode(v)
	if !mode.Valid() {
		m.log.Warn("ignoring invalid stored storage mode", zap.String("mode", v))
		return models.ModeDatabase
	}
	return mode
}

// SetMode stores mode after validating it.
func (m *ModeSelector) SetMode(ctx context.Context, mode models.StorageMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: storage mode must be %q or %q", repository.ErrValidation, models.ModeDatabase, models.ModeFiles)
	}
	if mode == models.ModeDatabase && !m.dbAvailable {
		return fmt.Errorf("set storage mode: %w", repository.ErrBackendUnavailable)
	}
	if m.forceDB && mode != models.ModeDatabase {
		return fmt.Errorf("%w: storage mode is pinned to %q by DATABASE_URL", repository.ErrValidation, models.ModeDatabase)
	}
	if err := m.config.SetConfig(ctx, KeyStorageMode, string(mode)); err != nil {
		return fmt.Errorf("set storage mode: %w", err)
	}
	m.log.Info("storage mode changed", zap.String("mode", string(mode)))
	return nil
}

// DatabaseAvailable reports whether the SQL backend was opened.
func (m *ModeSelector) DatabaseAvailable() bool {
	return m.dbAvailable
}

// DatabaseType returns "sqlite" or "postgresql".
func (m *ModeSelector) DatabaseType() string {
	return m.dbType
}

// Config returns the configuration backend the selector reads from.
func (m *ModeSelector) Config() ConfigStore {
	return m.config
}
