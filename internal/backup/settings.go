package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	"go.uber.org/zap"
)

// SettingsKey is the configuration key holding the backup settings.
const SettingsKey = "backup_settings"

const (
	IntervalDaily   = "daily"
	IntervalWeekly  = "weekly"
	IntervalMonthly = "monthly"
)

var intervalDays = map[string]int{
	IntervalDaily:   1,
	IntervalWeekly:  7,
	IntervalMonthly: 30,
}

const errMissingData = `invalid backup structure: "data" field not found`

// Settings controls automatic backups and retention.
type Settings struct {
	Enabled    bool             `json:"enabled"`
	Interval   string           `json:"interval"`
	MaxBackups int              `json:"maxBackups"`
	LastBackup models.Timestamp `json:"lastBackup"`
}

// DefaultSettings is used until settings are first saved.
func DefaultSettings() Settings {
	return Settings{Enabled: false, Interval: IntervalDaily, MaxBackups: 10}
}

// GetSettings returns the stored settings merged over the defaults.
func (e *Engine) GetSettings(ctx context.Context) (Settings, error) {
	s := DefaultSettings()
	raw, err := e.config.GetConfig(ctx, SettingsKey, "")
	if err != nil {
		return s, err
	}
	if raw == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		e.log.Warn("ignoring malformed backup settings", zap.Error(err))
		return DefaultSettings(), nil
	}
	return s, nil
}

// SaveSettings validates and stores s.
func (e *Engine) SaveSettings(ctx context.Context, s Settings) error {
	if _, ok := intervalDays[s.Interval]; !ok {
		return fmt.Errorf("%w: interval must be daily, weekly or monthly", repository.ErrValidation)
	}
	if s.MaxBackups < 1 {
		return fmt.Errorf("%w: maxBackups must be at least 1", repository.ErrValidation)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode backup settings: %w", err)
	}
	return e.config.SetConfig(ctx, SettingsKey, string(raw))
}

// CheckAutomaticBackup creates a backup when automatic backups are enabled
// and the interval since the last one has elapsed. The returned bool
// reports whether a backup was attempted.
func (e *Engine) CheckAutomaticBackup(ctx context.Context) (*Result, bool, error) {
	s, err := e.GetSettings(ctx)
	if err != nil {
		return nil, false, err
	}
	if !s.Enabled {
		return nil, false, nil
	}

	now := e.now()
	days, ok := intervalDays[s.Interval]
	if !ok {
		days = 1
	}
	if !s.LastBackup.IsZero() && now.Sub(s.LastBackup.Time) < time.Duration(days)*24*time.Hour {
		return nil, false, nil
	}

	res, err := e.CreateFullBackup(ctx)
	if err != nil {
		return nil, true, err
	}
	s.LastBackup = models.At(now)
	if err := e.SaveSettings(ctx, s); err != nil {
		return res, true, fmt.Errorf("update backup settings: %w", err)
	}
	e.log.Info("automatic backup created", zap.String("file", res.Filename))
	return res, true, nil
}
