package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atinyakov/bicicletario/internal/auth"
	"github.com/atinyakov/bicicletario/internal/backup"
	"github.com/atinyakov/bicicletario/internal/jobs"
	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	handler "github.com/atinyakov/bicicletario/internal/server/handler/http"
	"github.com/atinyakov/bicicletario/internal/service"
	"go.uber.org/zap"
)

var errNotFound = repository.ErrNotFound

// fakeStore stands in for the store facade. Unset funcs return zero values.
type fakeStore struct {
	SaveClientFunc       func(ctx context.Context, c *models.Client) error
	GetClientByCPFFunc   func(ctx context.Context, cpf string) (*models.Client, error)
	GetAllClientsFunc    func(ctx context.Context) ([]models.Client, error)
	DeleteClientFunc     func(ctx context.Context, id string) error
	SaveBicycleFunc      func(ctx context.Context, b *models.Bicycle) error
	GetBicyclesFunc      func(ctx context.Context, clientID string) ([]models.Bicycle, error)
	SaveRecordFunc       func(ctx context.Context, r *models.Record) error
	DeleteRecordFunc     func(ctx context.Context, id string) error
	GetAuditLogsFunc     func(ctx context.Context, limit int) ([]models.AuditEntry, error)
	SaveCategoriesFunc   func(ctx context.Context, categories map[string]string) error
	PendingSyncsFunc     func(ctx context.Context) ([]models.PendingSyncOp, error)
	MarkSyncCompleteFunc func(ctx context.Context, id int64) error
	ClearFunc            func(target string) models.ClearResult

	audits []models.AuditEntry
}

func (f *fakeStore) SaveClient(ctx context.Context, c *models.Client) error {
	if f.SaveClientFunc == nil {
		return nil
	}
	return f.SaveClientFunc(ctx, c)
}

func (f *fakeStore) GetClientByCPF(ctx context.Context, cpf string) (*models.Client, error) {
	return f.GetClientByCPFFunc(ctx, cpf)
}

func (f *fakeStore) GetAllClients(ctx context.Context) ([]models.Client, error) {
	if f.GetAllClientsFunc == nil {
		return nil, nil
	}
	return f.GetAllClientsFunc(ctx)
}

func (f *fakeStore) DeleteClient(ctx context.Context, id string) error {
	if f.DeleteClientFunc == nil {
		return nil
	}
	return f.DeleteClientFunc(ctx, id)
}

func (f *fakeStore) SaveBicycle(ctx context.Context, b *models.Bicycle) error {
	if f.SaveBicycleFunc == nil {
		return nil
	}
	return f.SaveBicycleFunc(ctx, b)
}

func (f *fakeStore) GetBicyclesForClient(ctx context.Context, clientID string) ([]models.Bicycle, error) {
	if f.GetBicyclesFunc == nil {
		return nil, nil
	}
	return f.GetBicyclesFunc(ctx, clientID)
}

func (f *fakeStore) GetAllBicycles(ctx context.Context) ([]models.Bicycle, error) {
	return nil, nil
}

func (f *fakeStore) SaveRecord(ctx context.Context, r *models.Record) error {
	if f.SaveRecordFunc == nil {
		return nil
	}
	return f.SaveRecordFunc(ctx, r)
}

func (f *fakeStore) GetAllRecords(ctx context.Context) ([]models.Record, error) {
	return nil, nil
}

func (f *fakeStore) DeleteRecord(ctx context.Context, id string) error {
	if f.DeleteRecordFunc == nil {
		return nil
	}
	return f.DeleteRecordFunc(ctx, id)
}

func (f *fakeStore) LogAudit(ctx context.Context, actor, action string, detail *string) error {
	f.audits = append(f.audits, models.AuditEntry{Actor: actor, Action: action, Detail: detail})
	return nil
}

func (f *fakeStore) GetAuditLogs(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	return f.GetAuditLogsFunc(ctx, limit)
}

func (f *fakeStore) SaveCategories(ctx context.Context, categories map[string]string) error {
	if f.SaveCategoriesFunc == nil {
		return nil
	}
	return f.SaveCategoriesFunc(ctx, categories)
}

func (f *fakeStore) GetAllCategories(ctx context.Context) (map[string]string, error) {
	return nil, nil
}

func (f *fakeStore) GetAllUsers(ctx context.Context) ([]models.User, error) {
	return []models.User{{Username: "admin", PasswordHash: "$2a$secret", Role: models.RoleAdmin}}, nil
}

func (f *fakeStore) StorageStats(ctx context.Context) models.StorageStats {
	return models.StorageStats{Mode: models.ModeFiles, MigrationStatus: "idle"}
}

func (f *fakeStore) PendingSyncs(ctx context.Context) ([]models.PendingSyncOp, error) {
	if f.PendingSyncsFunc == nil {
		return nil, nil
	}
	return f.PendingSyncsFunc(ctx)
}

func (f *fakeStore) MarkSyncComplete(ctx context.Context, id int64) error {
	if f.MarkSyncCompleteFunc == nil {
		return nil
	}
	return f.MarkSyncCompleteFunc(ctx, id)
}

func (f *fakeStore) clear(target string) models.ClearResult {
	if f.ClearFunc == nil {
		return models.ClearResult{Success: true}
	}
	return f.ClearFunc(target)
}

func (f *fakeStore) ClearClients(ctx context.Context) models.ClearResult { return f.clear("clients") }

func (f *fakeStore) ClearRecords(ctx context.Context) models.ClearResult { return f.clear("registros") }

func (f *fakeStore) ClearBicycles(ctx context.Context) models.ClearResult {
	return f.clear("bicicletas")
}

func (f *fakeStore) ClearCategories(ctx context.Context) models.ClearResult {
	return f.clear("categorias")
}

type fakeMode struct {
	mode    models.StorageMode
	SetFunc func(ctx context.Context, mode models.StorageMode) error
}

func (f *fakeMode) Mode(ctx context.Context) models.StorageMode { return f.mode }

func (f *fakeMode) SetMode(ctx context.Context, mode models.StorageMode) error {
	if f.SetFunc != nil {
		if err := f.SetFunc(ctx, mode); err != nil {
			return err
		}
	}
	f.mode = mode
	return nil
}

func (f *fakeMode) DatabaseAvailable() bool { return true }

func (f *fakeMode) DatabaseType() string { return "sqlite" }

type fakeMigrator struct {
	calls []string
	err   error
}

func (f *fakeMigrator) MigrateToDatabase(ctx context.Context) (service.MigrationResult, error) {
	f.calls = append(f.calls, service.DirectionToDatabase)
	return service.MigrationResult{Success: f.err == nil, Direction: service.DirectionToDatabase}, f.err
}

func (f *fakeMigrator) MigrateToFiles(ctx context.Context) (service.MigrationResult, error) {
	f.calls = append(f.calls, service.DirectionToFiles)
	return service.MigrationResult{Success: f.err == nil, Direction: service.DirectionToFiles}, f.err
}

// fakeJobs implements the job reader, the importer and the async migrator.
type fakeJobs struct {
	jobs      map[string]jobs.Job
	submitted []string
	clients   []models.Client
	records   []models.Record
	system    service.SystemData
	err       error
}

func (f *fakeJobs) submit(jobType string) (string, error) {
	f.submitted = append(f.submitted, jobType)
	return "job-1", f.err
}

func (f *fakeJobs) Get(id string) (jobs.Job, bool) {
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeJobs) Active() []jobs.Job { return nil }

func (f *fakeJobs) Recent(limit int) []jobs.Job {
	out := []jobs.Job{}
	for _, j := range f.jobs {
		if len(out) == limit {
			break
		}
		out = append(out, j)
	}
	return out
}

func (f *fakeJobs) ImportClients(clients []models.Client) (string, error) {
	f.clients = clients
	return f.submit(service.JobImportClients)
}

func (f *fakeJobs) ImportRecords(records []models.Record) (string, error) {
	f.records = records
	return f.submit(service.JobImportRecords)
}

func (f *fakeJobs) ImportSystemBackup(data service.SystemData) (string, error) {
	f.system = data
	return f.submit(service.JobImportSystemBackup)
}

func (f *fakeJobs) MigrateAsync(jobType string, migrate func(ctx context.Context) (service.MigrationResult, error)) (string, error) {
	return f.submit(jobType)
}

type fakeAuth struct {
	LoginFunc func(ctx context.Context, username, password string) (*service.LoginResult, error)
	created   []string
	passwords []string
}

func (f *fakeAuth) Login(ctx context.Context, username, password string) (*service.LoginResult, error) {
	return f.LoginFunc(ctx, username, password)
}

func (f *fakeAuth) CreateUser(ctx context.Context, u *models.User, password string) error {
	f.created = append(f.created, u.Username)
	f.passwords = append(f.passwords, password)
	u.PasswordHash = "hashed"
	return nil
}

type fakeBackups struct {
	restored *backup.Document
	saved    []byte
	settings backup.Settings
	files    map[string]string
}

func (f *fakeBackups) CreateFullBackup(ctx context.Context) (*backup.Result, error) {
	return &backup.Result{Success: true, Filename: "backup_20240101_120000.json"}, nil
}

func (f *fakeBackups) ListBackups(ctx context.Context) ([]backup.Info, error) {
	return nil, nil
}

func (f *fakeBackups) GetBackupContent(ctx context.Context, filename string) (json.RawMessage, error) {
	content, ok := f.files[filename]
	if !ok {
		return nil, errNotFound
	}
	return json.RawMessage(content), nil
}

func (f *fakeBackups) SaveBackupFile(ctx context.Context, body []byte, filename string) (string, error) {
	f.saved = body
	if filename == "" {
		filename = "backup_uploaded.json"
	}
	return filename, nil
}

func (f *fakeBackups) DeleteBackup(ctx context.Context, filename string) error {
	if _, ok := f.files[filename]; !ok {
		return errNotFound
	}
	delete(f.files, filename)
	return nil
}

func (f *fakeBackups) Restore(ctx context.Context, doc *backup.Document) backup.RestoreResult {
	f.restored = doc
	if doc.Data == nil {
		return backup.RestoreResult{Errors: []string{"missing data"}}
	}
	return backup.RestoreResult{Success: true, Errors: []string{}}
}

func (f *fakeBackups) RestoreFromFile(ctx context.Context, filename string) (backup.RestoreResult, error) {
	if _, ok := f.files[filename]; !ok {
		return backup.RestoreResult{}, errNotFound
	}
	return backup.RestoreResult{Success: true, Errors: []string{}}, nil
}

func (f *fakeBackups) GetSettings(ctx context.Context) (backup.Settings, error) {
	return f.settings, nil
}

func (f *fakeBackups) SaveSettings(ctx context.Context, s backup.Settings) error {
	f.settings = s
	return nil
}

type fakeCounters struct {
	seen map[string]int64
}

func (f *fakeCounters) Changes() map[string]int64 {
	return map[string]int64{service.ChangeClients: 3}
}

func (f *fakeCounters) ChangesSince(previous map[string]int64) map[string]bool {
	f.seen = previous
	return map[string]bool{service.ChangeClients: previous[service.ChangeClients] != 3}
}

// fakeTokens accepts "admin-token" and "staff-token".
type fakeTokens struct{}

func (fakeTokens) Validate(token string) (auth.Claims, error) {
	switch token {
	case "admin-token":
		return auth.Claims{Username: "boss", Role: models.RoleAdmin}, nil
	case "staff-token":
		return auth.Claims{Username: "joao", Role: models.RoleEmployee}, nil
	}
	return auth.Claims{}, errors.New("bad token")
}

// testAPI bundles the fakes behind a router.
type testAPI struct {
	store    *fakeStore
	mode     *fakeMode
	migrator *fakeMigrator
	jobs     *fakeJobs
	auth     *fakeAuth
	backups  *fakeBackups
	counters *fakeCounters
	router   http.Handler
}

func newTestAPI() *testAPI {
	api := &testAPI{
		store:    &fakeStore{},
		mode:     &fakeMode{mode: models.ModeDatabase},
		migrator: &fakeMigrator{},
		jobs:     &fakeJobs{jobs: map[string]jobs.Job{}},
		auth:     &fakeAuth{},
		backups:  &fakeBackups{files: map[string]string{}},
		counters: &fakeCounters{},
	}
	api.router = handler.NewRouter(handler.Handlers{
		Auth:    &handler.AuthHandler{AuthService: api.auth, Users: api.store},
		Clients: &handler.ClientHandler{Store: api.store},
		Records: &handler.RecordHandler{Store: api.store},
		Storage: &handler.StorageHandler{
			Store:    api.store,
			Mode:     api.mode,
			Migrator: api.migrator,
			Jobs:     api.jobs,
			Version:  "test",
			Log:      zap.NewNop(),
		},
		Jobs:    &handler.JobHandler{Jobs: api.jobs, Importer: api.jobs, Counters: api.counters},
		Backups: &handler.BackupHandler{Backups: api.backups},
	}, fakeTokens{}, zap.NewNop())
	return api
}

// do sends a request through the router. body is encoded as JSON unless it
// is already a string.
func (api *testAPI) do(t *testing.T, method, target string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not a JSON object: %v (%s)", err, rec.Body.String())
	}
	return out
}
