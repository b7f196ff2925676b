// Package backup writes full-system snapshots of the parking to JSON
// documents, restores them, and applies the retention and automatic backup
// settings.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	"go.uber.org/zap"
)

const (
	// FormatVersion is written into every document.
	FormatVersion = "1.0"
	// SystemName identifies documents produced by this system.
	SystemName = "bicicletario"

	nameLayout = "20060102_150405"
	namePrefix = "backup_"
)

// Document is the self-describing backup format.
type Document struct {
	Version   string           `json:"version"`
	CreatedAt models.Timestamp `json:"createdAt"`
	System    string           `json:"system"`
	Data      *Data            `json:"data"`
	Stats     models.Counts    `json:"stats"`
}

// Data holds every restorable entity.
type Data struct {
	Clients    []models.Client   `json:"clientes"`
	Records    []models.Record   `json:"registros"`
	Categories map[string]string `json:"categorias"`
	Users      []models.User     `json:"usuarios"`
}

// Result describes a written backup.
type Result struct {
	Success   bool             `json:"success"`
	Filename  string           `json:"filename"`
	Filepath  string           `json:"filepath"`
	Size      int64            `json:"size"`
	CreatedAt models.Timestamp `json:"createdAt"`
	Stats     models.Counts    `json:"stats"`
}

// Info describes a backup file on disk.
type Info struct {
	Filename      string           `json:"filename"`
	Size          int64            `json:"size"`
	SizeFormatted string           `json:"sizeFormatted"`
	CreatedAt     models.Timestamp `json:"createdAt"`
	Type          string           `json:"type"`
}

// RestoreCounts reports how many entities of each type were restored.
type RestoreCounts struct {
	Categories int `json:"categorias"`
	Clients    int `json:"clientes"`
	Records    int `json:"registros"`
	Users      int `json:"usuarios"`
}

// RestoreResult is successful only when Errors is empty.
type RestoreResult struct {
	Success  bool          `json:"success"`
	Restored RestoreCounts `json:"restored"`
	Errors   []string      `json:"errors"`
}

// Source is the record store the engine snapshots and restores into.
type Source interface {
	GetAllClients(ctx context.Context) ([]models.Client, error)
	GetAllRecords(ctx context.Context) ([]models.Record, error)
	GetAllCategories(ctx context.Context) (map[string]string, error)
	GetAllUsers(ctx context.Context) ([]models.User, error)
	SaveCategories(ctx context.Context, categories map[string]string) error
	SaveClient(ctx context.Context, c *models.Client) error
	SaveRecord(ctx context.Context, r *models.Record) error
	SaveUser(ctx context.Context, u *models.User) error
}

// ConfigStore persists the backup settings.
type ConfigStore interface {
	GetConfig(ctx context.Context, key, def string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Mirror receives a copy of every backup written.
type Mirror interface {
	Upload(ctx context.Context, name string, body []byte) error
	Delete(ctx context.Context, name string) error
}

// Engine creates, lists, restores and prunes backups in one directory.
type Engine struct {
	dir    string
	source Source
	config ConfigStore
	mirror Mirror
	log    *zap.Logger
	now    func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMirror copies every new backup to m.
func WithMirror(m Mirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates dir if needed.
func NewEngine(dir string, source Source, config ConfigStore, log *zap.Logger, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	e := &Engine{dir: dir, source: source, config: config, log: log, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Dir returns the backup directory.
func (e *Engine) Dir() string {
	return e.dir
}

// Snapshot collects every restorable entity into a document without
// writing it.
func (e *Engine) Snapshot(ctx context.Context) (*Document, error) {
	clients, err := e.source.GetAllClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot clients: %w", err)
	}
	records, err := e.source.GetAllRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot records: %w", err)
	}
	categories, err := e.source.GetAllCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot categories: %w", err)
	}
	users, err := e.source.GetAllUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot users: %w", err)
	}

	stats := models.Counts{
		Clients:    len(clients),
		Records:    len(records),
		Categories: len(categories),
		Users:      len(users),
	}
	for _, c := range clients {
		stats.Bicycles += len(c.Bicycles)
	}

	return &Document{
		Version:   FormatVersion,
		CreatedAt: models.At(e.now()),
		System:    SystemName,
		Data:      &Data{Clients: clients, Records: records, Categories: categories, Users: users},
		Stats:     stats,
	}, nil
}

// CreateFullBackup writes a snapshot to backup_YYYYMMDD_HHMMSS.json,
// applies retention and mirrors the file when a mirror is configured.
func (e *Engine) CreateFullBackup(ctx context.Context) (*Result, error) {
	doc, err := e.Snapshot(ctx)
	if err != nil {
		e.log.Error("failed to snapshot for backup", zap.Error(err))
		return nil, err
	}

	body, err := encode(doc)
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}

	name := e.uniqueName(namePrefix + doc.CreatedAt.Format(nameLayout))
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		e.log.Error("failed to write backup", zap.String("file", name), zap.Error(err))
		return nil, fmt.Errorf("write backup: %w", err)
	}
	e.log.Info("backup created", zap.String("file", name), zap.Int("size", len(body)))

	e.cleanup(ctx)

	if e.mirror != nil {
		if err := e.mirror.Upload(ctx, name, body); err != nil {
			e.log.Warn("failed to mirror backup", zap.String("file", name), zap.Error(err))
		}
	}

	return &Result{
		Success:   true,
		Filename:  name,
		Filepath:  path,
		Size:      int64(len(body)),
		CreatedAt: doc.CreatedAt,
		Stats:     doc.Stats,
	}, nil
}

// uniqueName appends a counter when base.json already exists.
func (e *Engine) uniqueName(base string) string {
	name := base + ".json"
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(e.dir, name)); errors.Is(err, fs.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s_%d.json", base, i)
	}
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var stampPattern = regexp.MustCompile(`(\d{8}_\d{6})(?:_(\d+))?\.json$`)

// ListBackups returns the backup_*.json files of the backup directory,
// newest first. The creation time comes from the file name when it carries
// a timestamp and from the modification time otherwise. Backups of the same
// second are ordered by the counter uniqueName appended.
func (e *Engine) ListBackups(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	backups := []Info{}
	seq := map[string]int{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		created := fi.ModTime()
		seq[name] = 1
		if m := stampPattern.FindStringSubmatch(name); m != nil {
			if t, err := time.ParseInLocation(nameLayout, m[1], time.UTC); err == nil {
				created = t
			}
			if n, err := strconv.Atoi(m[2]); err == nil {
				seq[name] = n
			}
		}
		backups = append(backups, Info{
			Filename:      name,
			Size:          fi.Size(),
			SizeFormatted: FormatSize(fi.Size()),
			CreatedAt:     models.At(created),
			Type:          "json",
		})
	}

	sort.SliceStable(backups, func(i, j int) bool {
		a, b := backups[i], backups[j]
		if !a.CreatedAt.Equal(b.CreatedAt.Time) {
			return a.CreatedAt.After(b.CreatedAt.Time)
		}
		if seq[a.Filename] != seq[b.Filename] {
			return seq[a.Filename] > seq[b.Filename]
		}
		return a.Filename > b.Filename
	})
	return backups, nil
}

// FormatSize renders n bytes as "N B", "x.y KB" or "x.y MB".
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

// checkFilename rejects anything that is not a plain file name.
func checkFilename(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: invalid backup filename %q", repository.ErrValidation, name)
	}
	return nil
}

// GetBackupContent returns the stored document as written.
func (e *Engine) GetBackupContent(ctx context.Context, filename string) (json.RawMessage, error) {
	if err := checkFilename(filename); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(e.dir, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	return data, nil
}

// SaveBackupFile stores an externally supplied document. It must be a JSON
// object with a data key. An empty filename gets a generated one; supplied
// names get the backup_ prefix and the .json suffix when they lack them, so
// uploads are listed like any other backup.
func (e *Engine) SaveBackupFile(ctx context.Context, body []byte, filename string) (string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return "", fmt.Errorf("%w: backup is not a JSON object: %v", repository.ErrValidation, err)
	}
	if _, ok := top["data"]; !ok {
		return "", fmt.Errorf("%w: %s", repository.ErrValidation, errMissingData)
	}

	if filename == "" {
		filename = e.uniqueName(namePrefix + "uploaded_" + e.now().UTC().Format(nameLayout))
	} else {
		if !strings.HasPrefix(filename, namePrefix) {
			filename = namePrefix + filename
		}
		if !strings.HasSuffix(strings.ToLower(filename), ".json") {
			filename += ".json"
		}
	}
	if err := checkFilename(filename); err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(e.dir, filename), body, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	e.log.Info("backup uploaded", zap.String("file", filename), zap.Int("size", len(body)))
	return filename, nil
}

// DeleteBackup removes one backup file.
func (e *Engine) DeleteBackup(ctx context.Context, filename string) error {
	if err := checkFilename(filename); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(e.dir, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return repository.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	if e.mirror != nil {
		if err := e.mirror.Delete(ctx, filename); err != nil {
			e.log.Warn("failed to delete mirrored backup", zap.String("file", filename), zap.Error(err))
		}
	}
	return nil
}

// cleanup deletes every backup beyond the configured maximum, oldest first.
func (e *Engine) cleanup(ctx context.Context) {
	settings, err := e.GetSettings(ctx)
	if err != nil {
		e.log.Error("failed to read backup settings", zap.Error(err))
		return
	}
	if settings.MaxBackups <= 0 {
		return
	}
	backups, err := e.ListBackups(ctx)
	if err != nil {
		e.log.Error("failed to list backups", zap.Error(err))
		return
	}
	if len(backups) <= settings.MaxBackups {
		return
	}
	for _, b := range backups[settings.MaxBackups:] {
		if err := e.DeleteBackup(ctx, b.Filename); err != nil {
			e.log.Error("failed to delete old backup", zap.String("file", b.Filename), zap.Error(err))
			continue
		}
		e.log.Info("old backup removed", zap.String("file", b.Filename))
	}
}
