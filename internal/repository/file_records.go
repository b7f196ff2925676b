package repository

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atinyakov/bicicletario/internal/models"
	"go.uber.org/zap"
)

// recordPath places a record under the year/month/day of its entry time.
func (r *FileRepository) recordPath(rec *models.Record) string {
	t := rec.EntryAt.UTC()
	return r.path(recordsDir,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		rec.ID+".json")
}

func (r *FileRepository) findRecordFiles(id string) ([]string, error) {
	return filepath.Glob(r.path(recordsDir, "*", "*", "*", id+".json"))
}

// SaveRecord upserts rec. A record whose entry date changed is moved to its
// new day directory.
func (r *FileRepository) SaveRecord(ctx context.Context, rec *models.Record) error {
	if err := prepareRecord(rec, models.Now()); err != nil {
		return err
	}
	if err := checkName("registro", rec.ID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.recordPath(rec)
	matches, err := r.findRecordFiles(rec.ID)
	if err != nil {
		return fmt.Errorf("SaveRecord: %w", err)
	}
	for _, m := range matches {
		var old models.Record
		if err := readJSON(m, &old); err == nil && !old.CreatedAt.IsZero() {
			rec.CreatedAt = old.CreatedAt
		}
	}
	if err := writeJSON(target, rec); err != nil {
		return fmt.Errorf("SaveRecord: %w", err)
	}
	for _, m := range matches {
		if m == target {
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("SaveRecord: %w", err)
		}
	}
	return nil
}

func (r *FileRepository) recordFileNames() ([]string, error) {
	base := r.path(recordsDir)
	var names []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(names)
	return names, err
}

// GetAllRecords returns every record joined with its client's name and tax
// id, newest entry first. Unreadable files are logged and skipped.
func (r *FileRepository) GetAllRecords(ctx context.Context) ([]models.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names, err := r.recordFileNames()
	if err != nil {
		return nil, fmt.Errorf("GetAllRecords: %w", err)
	}
	clients, err := r.loadClients()
	if err != nil {
		return nil, fmt.Errorf("GetAllRecords: %w", err)
	}
	byID := make(map[string]models.Client, len(clients))
	for _, c := range clients {
		byID[c.client.ID] = c.client
	}

	records := make([]models.Record, 0, len(names))
	for _, name := range names {
		var rec models.Record
		if err := readJSON(r.path(recordsDir, filepath.FromSlash(name)), &rec); err != nil {
			r.log.Warn("skipping unreadable record file", zap.String("file", name), zap.Error(err))
			continue
		}
		if c, ok := byID[rec.ClientID]; ok {
			rec.ClientName, rec.ClientCPF = c.Name, c.CPF
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].EntryAt.Equal(records[j].EntryAt.Time) {
			return records[i].EntryAt.After(records[j].EntryAt.Time)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// DeleteRecord removes the record. Returns ErrNotFound when id is absent.
func (r *FileRepository) DeleteRecord(ctx context.Context, id string) error {
	if checkName("registro", id) != nil {
		return ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	matches, err := r.findRecordFiles(id)
	if err != nil {
		return fmt.Errorf("DeleteRecord: %w", err)
	}
	if len(matches) == 0 {
		return ErrNotFound
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return fmt.Errorf("DeleteRecord: %w", err)
		}
	}
	return nil
}

// RecordFiles lists record documents as slash-separated paths relative to
// the records directory.
func (r *FileRepository) RecordFiles(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recordFileNames()
}

// LoadRecordFile decodes one record document.
func (r *FileRepository) LoadRecordFile(ctx context.Context, name string) (*models.Record, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, invalid("registro: invalid path " + name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var rec models.Record
	if err := readJSON(r.path(recordsDir, clean), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LogAudit appends one line to the audit log.
func (r *FileRepository) LogAudit(ctx context.Context, actor, action string, detail *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nextAuditID == 0 {
		entries, err := r.readAudit()
		if err != nil {
			return fmt.Errorf("LogAudit: %w", err)
		}
		r.nextAuditID = 1
		for _, e := range entries {
			if e.ID >= r.nextAuditID {
				r.nextAuditID = e.ID + 1
			}
		}
	}

	entry := models.AuditEntry{ID: r.nextAuditID, Actor: actor, Action: action, Detail: detail, Timestamp: models.Now()}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("LogAudit: %w", err)
	}
	f, err := os.OpenFile(r.path(auditFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("LogAudit: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("LogAudit: %w", err)
	}
	r.nextAuditID++
	return nil
}

func (r *FileRepository) readAudit() ([]models.AuditEntry, error) {
	f, err := os.Open(r.path(auditFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []models.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e models.AuditEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			r.log.Warn("skipping malformed audit line", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// GetAuditLogs returns at most limit entries, newest first.
func (r *FileRepository) GetAuditLogs(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := r.readAudit()
	if err != nil {
		return nil, fmt.Errorf("GetAuditLogs: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp.Time) {
			return entries[i].Timestamp.After(entries[j].Timestamp.Time)
		}
		return entries[i].ID > entries[j].ID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return entries, nil
}

// SaveCategories replaces the category document.
func (r *FileRepository) SaveCategories(ctx context.Context, categories map[string]string) error {
	if categories == nil {
		categories = map[string]string{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := writeJSON(r.path(categoriesFile), categories); err != nil {
		return fmt.Errorf("SaveCategories: %w", err)
	}
	return nil
}

// GetAllCategories returns the name to emoji map.
func (r *FileRepository) GetAllCategories(ctx context.Context) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readCategories()
}

func (r *FileRepository) readCategories() (map[string]string, error) {
	categories := map[string]string{}
	err := readJSON(r.path(categoriesFile), &categories)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("GetAllCategories: %w", err)
	}
	return categories, nil
}

func (r *FileRepository) readUsers() ([]models.User, error) {
	var users []models.User
	err := readJSON(r.path(usersFile), &users)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return users, nil
}

// SaveUser upserts u by id. Usernames are unique.
func (r *FileRepository) SaveUser(ctx context.Context, u *models.User) error {
	if err := prepareUser(u, models.Now()); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	users, err := r.readUsers()
	if err != nil {
		return fmt.Errorf("SaveUser: %w", err)
	}
	replaced := false
	for i := range users {
		switch {
		case users[i].ID == u.ID:
			u.CreatedAt = users[i].CreatedAt
			users[i] = *u
			replaced = true
		case users[i].Username == u.Username:
			return invalid("usuario: username " + u.Username + " already exists")
		}
	}
	if !replaced {
		users = append(users, *u)
	}
	if err := writeJSON(r.path(usersFile), users); err != nil {
		return fmt.Errorf("SaveUser: %w", err)
	}
	return nil
}

// GetAllUsers returns every user ordered by username.
func (r *FileRepository) GetAllUsers(ctx context.Context) ([]models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users, err := r.readUsers()
	if err != nil {
		return nil, fmt.Errorf("GetAllUsers: %w", err)
	}
	if users == nil {
		users = []models.User{}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// GetUserByUsername returns ErrNotFound when no user has that username.
func (r *FileRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users, err := r.readUsers()
	if err != nil {
		return nil, fmt.Errorf("GetUserByUsername: %w", err)
	}
	for i := range users {
		if users[i].Username == username {
			return &users[i], nil
		}
	}
	return nil, ErrNotFound
}

type configEntry struct {
	Value     string           `json:"valor"`
	UpdatedAt models.Timestamp `json:"atualizadoEm"`
}

func (r *FileRepository) readConfig() (map[string]configEntry, error) {
	cfg := map[string]configEntry{}
	err := readJSON(r.path(configFile), &cfg)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return cfg, nil
}

// GetConfig returns the stored value for key, or def when the key is unset.
func (r *FileRepository) GetConfig(ctx context.Context, key, def string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, err := r.readConfig()
	if err != nil {
		return def, fmt.Errorf("GetConfig: %w", err)
	}
	if e, ok := cfg[key]; ok {
		return e.Value, nil
	}
	return def, nil
}

// SetConfig stores value under key.
func (r *FileRepository) SetConfig(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.readConfig()
	if err != nil {
		return fmt.Errorf("SetConfig: %w", err)
	}
	cfg[key] = configEntry{Value: value, UpdatedAt: models.Now()}
	if err := writeJSON(r.path(configFile), cfg); err != nil {
		return fmt.Errorf("SetConfig: %w", err)
	}
	return nil
}

// ClearClients removes every client document and bicycle file.
func (r *FileRepository) ClearClients(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names, err := r.clientFileNames()
	if err != nil {
		return 0, fmt.Errorf("clear clientes: %w", err)
	}
	for _, dir := range []string{clientsDir, bicyclesDir} {
		if err := resetDir(r.path(dir)); err != nil {
			return 0, fmt.Errorf("clear clientes: %w", err)
		}
	}
	return len(names), nil
}

// ClearRecords removes every record document.
func (r *FileRepository) ClearRecords(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names, err := r.recordFileNames()
	if err != nil {
		return 0, fmt.Errorf("clear registros: %w", err)
	}
	if err := resetDir(r.path(recordsDir)); err != nil {
		return 0, fmt.Errorf("clear registros: %w", err)
	}
	return len(names), nil
}

// ClearBicycles removes every bicycle file and strips bicycles still
// embedded in client documents.
func (r *FileRepository) ClearBicycles(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients, err := r.allClients()
	if err != nil {
		return 0, fmt.Errorf("clear bicicletas: %w", err)
	}
	n := 0
	for _, c := range clients {
		n += len(c.Bicycles)
	}
	files, err := r.loadClients()
	if err != nil {
		return 0, fmt.Errorf("clear bicicletas: %w", err)
	}
	for _, f := range files {
		if len(f.client.Bicycles) == 0 {
			continue
		}
		stripped := f.client
		stripped.Bicycles = nil
		if err := writeJSON(f.path, stripped); err != nil {
			return 0, fmt.Errorf("clear bicicletas: %w", err)
		}
	}
	if err := resetDir(r.path(bicyclesDir)); err != nil {
		return 0, fmt.Errorf("clear bicicletas: %w", err)
	}
	return n, nil
}

// ClearCategories empties the category document.
func (r *FileRepository) ClearCategories(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	categories, err := r.readCategories()
	if err != nil {
		return 0, err
	}
	if err := writeJSON(r.path(categoriesFile), map[string]string{}); err != nil {
		return 0, fmt.Errorf("clear categorias: %w", err)
	}
	return len(categories), nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// Counts returns the number of stored entities per type.
func (r *FileRepository) Counts(ctx context.Context) (models.Counts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c models.Counts
	clients, err := r.allClients()
	if err != nil {
		return c, err
	}
	c.Clients = len(clients)
	for _, cl := range clients {
		c.Bicycles += len(cl.Bicycles)
	}
	records, err := r.recordFileNames()
	if err != nil {
		return c, fmt.Errorf("Counts: %w", err)
	}
	c.Records = len(records)
	categories, err := r.readCategories()
	if err != nil {
		return c, err
	}
	c.Categories = len(categories)
	users, err := r.readUsers()
	if err != nil {
		return c, fmt.Errorf("Counts: %w", err)
	}
	c.Users = len(users)
	return c, nil
}
