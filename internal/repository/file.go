package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/atinyakov/bicicletario/internal/models"
	"go.uber.org/zap"
)

const (
	clientsDir     = "clientes"
	bicyclesDir    = "bicicletas"
	recordsDir     = "registros"
	categoriesFile = "categorias.json"
	usersFile      = "usuarios.json"
	auditFile      = "auditoria.jsonl"
	configFile     = "configuracoes.json"
)

// FileRepository implements the record store as a tree of JSON documents:
//
//	clientes/<cpf>.json
//	bicicletas/<client id>/<bicycle id>.json
//	registros/YYYY/MM/DD/<record id>.json
//	categorias.json, usuarios.json, auditoria.jsonl, configuracoes.json
//
// All access goes through one lock; the tree is not meant to be shared with
// other processes.
type FileRepository struct {
	root string
	log  *zap.Logger

	mu          sync.RWMutex
	nextAuditID int64
}

// NewFileRepository creates the directory layout under root.
func NewFileRepository(root string, log *zap.Logger) (*FileRepository, error) {
	for _, dir := range []string{clientsDir, bicyclesDir, recordsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &FileRepository{root: root, log: log}, nil
}

// Root returns the directory holding the tree.
func (r *FileRepository) Root() string {
	return r.root
}

func (r *FileRepository) path(parts ...string) string {
	return filepath.Join(append([]string{r.root}, parts...)...)
}

// checkName rejects identities that cannot be used as a file name.
func checkName(kind, id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\*?[`) {
		return invalid(kind + ": invalid id " + id)
	}
	return nil
}

// writeJSON replaces path atomically with the indented encoding of v.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// clientFile is a stored client together with the file it lives in.
type clientFile struct {
	path   string
	client models.Client
}

// loadClients reads every client file. Files that fail to decode are
// logged and skipped.
func (r *FileRepository) loadClients() ([]clientFile, error) {
	names, err := r.clientFileNames()
	if err != nil {
		return nil, err
	}
	out := make([]clientFile, 0, len(names))
	for _, name := range names {
		p := r.path(clientsDir, name)
		var c models.Client
		if err := readJSON(p, &c); err != nil {
			r.log.Warn("skipping unreadable client file", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, clientFile{path: p, client: c})
	}
	return out, nil
}

func (r *FileRepository) clientFileNames() ([]string, error) {
	entries, err := os.ReadDir(r.path(clientsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *FileRepository) findClient(match func(models.Client) bool) (*clientFile, error) {
	clients, err := r.loadClients()
	if err != nil {
		return nil, err
	}
	for i := range clients {
		if match(clients[i].client) {
			return &clients[i], nil
		}
	}
	return nil, ErrNotFound
}

func (r *FileRepository) clientFileName(c *models.Client) string {
	if name := SanitizeCPF(c.CPF); name != "" {
		return name + ".json"
	}
	return c.ID + ".json"
}

// SaveClient upserts c. The client document never carries bicycles; each
// embedded bicycle is written to its own file.
func (r *FileRepository) SaveClient(ctx context.Context, c *models.Client) error {
	if err := prepareClient(c, models.Now()); err != nil {
		return err
	}
	if err := checkName("cliente", c.ID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	clients, err := r.loadClients()
	if err != nil {
		return fmt.Errorf("SaveClient: %w", err)
	}
	var existing *clientFile
	for i := range clients {
		switch {
		case clients[i].client.ID == c.ID:
			existing = &clients[i]
		case filepath.Base(clients[i].path) == r.clientFileName(c):
			return invalid("cliente: cpf " + c.CPF + " already registered")
		}
	}

	target := r.path(clientsDir, r.clientFileName(c))
	if existing != nil {
		c.CreatedAt = existing.client.CreatedAt
		c.RegisteredAt = existing.client.RegisteredAt
		// Older documents embed bicycles; give them their own files first.
		for i := range existing.client.Bicycles {
			b := existing.client.Bicycles[i]
			b.ClientID = c.ID
			if err := r.writeBicycleIfMissing(&b); err != nil {
				return fmt.Errorf("SaveClient: %w", err)
			}
		}
	}

	stored := *c
	stored.Bicycles = nil
	if err := writeJSON(target, stored); err != nil {
		return fmt.Errorf("SaveClient: %w", err)
	}
	if existing != nil && existing.path != target {
		if err := os.Remove(existing.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("SaveClient: %w", err)
		}
	}

	for i := range c.Bicycles {
		if err := r.writeBicycle(&c.Bicycles[i]); err != nil {
			return fmt.Errorf("SaveClient: %w", err)
		}
	}
	return nil
}

// GetClient returns the client merged with its bicycles.
func (r *FileRepository) GetClient(ctx context.Context, id string) (*models.Client, error) {
	return r.getClient(func(c models.Client) bool { return c.ID == id })
}

// GetClientByCPF returns the client merged with its bicycles.
func (r *FileRepository) GetClientByCPF(ctx context.Context, cpf string) (*models.Client, error) {
	return r.getClient(func(c models.Client) bool { return c.CPF == cpf })
}

func (r *FileRepository) getClient(match func(models.Client) bool) (*models.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found, err := r.findClient(match)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetClient: %w", err)
	}
	c := found.client
	if c.Bicycles, err = r.mergeBicycles(c.ID, c.Bicycles); err != nil {
		return nil, fmt.Errorf("GetClient: %w", err)
	}
	return &c, nil
}

// GetAllClients returns every client ordered by name.
func (r *FileRepository) GetAllClients(ctx context.Context) ([]models.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allClients()
}

func (r *FileRepository) allClients() ([]models.Client, error) {
	files, err := r.loadClients()
	if err != nil {
		return nil, fmt.Errorf("GetAllClients: %w", err)
	}
	clients := make([]models.Client, 0, len(files))
	for _, f := range files {
		c := f.client
		if c.Bicycles, err = r.mergeBicycles(c.ID, c.Bicycles); err != nil {
			return nil, fmt.Errorf("GetAllClients: %w", err)
		}
		clients = append(clients, c)
	}
	sort.SliceStable(clients, func(i, j int) bool {
		if clients[i].Name != clients[j].Name {
			return clients[i].Name < clients[j].Name
		}
		return clients[i].ID < clients[j].ID
	})
	return clients, nil
}

// DeleteClient removes the client document and the client's bicycle files.
func (r *FileRepository) DeleteClient(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found, err := r.findClient(func(c models.Client) bool { return c.ID == id })
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("DeleteClient: %w", err)
	}
	if err := os.Remove(found.path); err != nil {
		return fmt.Errorf("DeleteClient: %w", err)
	}
	if err := checkName("cliente", id); err == nil {
		if err := os.RemoveAll(r.path(bicyclesDir, id)); err != nil {
			return fmt.Errorf("DeleteClient: %w", err)
		}
	}
	return nil
}

// SaveBicycle upserts b. The owning client must exist.
func (r *FileRepository) SaveBicycle(ctx context.Context, b *models.Bicycle) error {
	if err := prepareBicycle(b, models.Now()); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.findClient(func(c models.Client) bool { return c.ID == b.ClientID }); err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalid("bicicleta: cliente " + b.ClientID + " does not exist")
		}
		return fmt.Errorf("SaveBicycle: %w", err)
	}
	if err := r.writeBicycle(b); err != nil {
		return fmt.Errorf("SaveBicycle: %w", err)
	}
	return nil
}

func (r *FileRepository) bicyclePath(b *models.Bicycle) string {
	return r.path(bicyclesDir, b.ClientID, b.ID+".json")
}

// writeBicycle stores b, keeping the creation time of an existing file and
// moving it when the owner changed.
func (r *FileRepository) writeBicycle(b *models.Bicycle) error {
	if err := checkName("bicicleta", b.ID); err != nil {
		return err
	}
	if err := checkName("cliente", b.ClientID); err != nil {
		return err
	}
	matches, err := filepath.Glob(r.path(bicyclesDir, "*", b.ID+".json"))
	if err != nil {
		return err
	}
	target := r.bicyclePath(b)
	for _, m := range matches {
		var old models.Bicycle
		if err := readJSON(m, &old); err == nil && !old.CreatedAt.IsZero() {
			b.CreatedAt = old.CreatedAt
		}
		if m != target {
			if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	return writeJSON(target, b)
}

func (r *FileRepository) writeBicycleIfMissing(b *models.Bicycle) error {
	if err := prepareBicycle(b, models.Now()); err != nil {
		return err
	}
	if err := checkName("bicicleta", b.ID); err != nil {
		return err
	}
	matches, err := filepath.Glob(r.path(bicyclesDir, "*", b.ID+".json"))
	if err != nil || len(matches) > 0 {
		return err
	}
	return writeJSON(r.bicyclePath(b), b)
}

// mergeBicycles returns the bicycle files of clientID plus any bicycles
// still embedded in an older client document. Files win on id clashes.
func (r *FileRepository) mergeBicycles(clientID string, embedded []models.Bicycle) ([]models.Bicycle, error) {
	byID := map[string]models.Bicycle{}
	for _, b := range embedded {
		b.ClientID = clientID
		b.Normalize()
		byID[b.ID] = b
	}

	if checkName("cliente", clientID) == nil {
		entries, err := os.ReadDir(r.path(bicyclesDir, clientID))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			var b models.Bicycle
			if err := readJSON(r.path(bicyclesDir, clientID, e.Name()), &b); err != nil {
				r.log.Warn("skipping unreadable bicycle file", zap.String("file", e.Name()), zap.Error(err))
				continue
			}
			byID[b.ID] = b
		}
	}

	bikes := make([]models.Bicycle, 0, len(byID))
	for _, b := range byID {
		bikes = append(bikes, b)
	}
	sortBicycles(bikes)
	return bikes, nil
}

func sortBicycles(bikes []models.Bicycle) {
	sort.Slice(bikes, func(i, j int) bool {
		if bikes[i].Description != bikes[j].Description {
			return bikes[i].Description < bikes[j].Description
		}
		return bikes[i].ID < bikes[j].ID
	})
}

// GetBicyclesForClient returns the client's bicycles ordered by description.
func (r *FileRepository) GetBicyclesForClient(ctx context.Context, clientID string) ([]models.Bicycle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var embedded []models.Bicycle
	found, err := r.findClient(func(c models.Client) bool { return c.ID == clientID })
	switch {
	case err == nil:
		embedded = found.client.Bicycles
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("GetBicyclesForClient: %w", err)
	}
	bikes, err := r.mergeBicycles(clientID, embedded)
	if err != nil {
		return nil, fmt.Errorf("GetBicyclesForClient: %w", err)
	}
	return bikes, nil
}

// GetAllBicycles returns every bicycle ordered by description.
func (r *FileRepository) GetAllBicycles(ctx context.Context) ([]models.Bicycle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients, err := r.allClients()
	if err != nil {
		return nil, err
	}
	bikes := []models.Bicycle{}
	for _, c := range clients {
		bikes = append(bikes, c.Bicycles...)
	}
	sortBicycles(bikes)
	return bikes, nil
}

// ClientFiles lists the client documents by file name.
func (r *FileRepository) ClientFiles(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clientFileNames()
}

// LoadClientFile decodes one client document and merges its bicycles.
func (r *FileRepository) LoadClientFile(ctx context.Context, name string) (*models.Client, error) {
	if err := checkName("arquivo", name); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var c models.Client
	if err := readJSON(r.path(clientsDir, name), &c); err != nil {
		return nil, err
	}
	bikes, err := r.mergeBicycles(c.ID, c.Bicycles)
	if err != nil {
		return nil, err
	}
	c.Bicycles = bikes
	return &c, nil
}
