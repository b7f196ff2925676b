package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/atinyakov/bicicletario/internal/db"
	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// backend is the contract shared by SQLRepository and FileRepository.
type backend interface {
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
	GetConfig(ctx context.Context, key, def string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	Counts(ctx context.Context) (models.Counts, error)
}

var (
	_ backend = (*SQLRepository)(nil)
	_ backend = (*FileRepository)(nil)
)

func newSQLite(t *testing.T) backend {
	t.Helper()
	conn, err := db.InitSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSQLRepository(conn, DialectSQLite)
}

func newFileTree(t *testing.T) backend {
	t.Helper()
	repo, err := NewFileRepository(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return repo
}

func TestBackends(t *testing.T) {
	for name, open := range map[string]func(*testing.T) backend{
		"sqlite": newSQLite,
		"files":  newFileTree,
	} {
		t.Run(name, func(t *testing.T) {
			t.Run("client with bicycle", func(t *testing.T) { testClientWithBicycle(t, open(t)) })
			t.Run("save client twice", func(t *testing.T) { testSaveClientIdempotent(t, open(t)) })
			t.Run("embedded bicycles", func(t *testing.T) { testEmbeddedBicycles(t, open(t)) })
			t.Run("bicycle needs client", func(t *testing.T) { testBicycleNeedsClient(t, open(t)) })
			t.Run("delete client", func(t *testing.T) { testDeleteClient(t, open(t)) })
			t.Run("records", func(t *testing.T) { testRecords(t, open(t)) })
			t.Run("record validation", func(t *testing.T) { testRecordValidation(t, open(t)) })
			t.Run("audit", func(t *testing.T) { testAudit(t, open(t)) })
			t.Run("categories", func(t *testing.T) { testCategories(t, open(t)) })
			t.Run("users", func(t *testing.T) { testUsers(t, open(t)) })
			t.Run("config", func(t *testing.T) { testConfig(t, open(t)) })
			t.Run("clear", func(t *testing.T) { testClear(t, open(t)) })
		})
	}
}

func testClientWithBicycle(t *testing.T, repo backend) {
	ctx := context.Background()

	c := &models.Client{CPF: "11122233344", Name: "Ana", Active: true}
	require.NoError(t, repo.SaveClient(ctx, c))
	require.NotEmpty(t, c.ID)

	all, err := repo.GetAllClients(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Ana", all[0].Name)
	assert.NotNil(t, all[0].Bicycles)
	assert.Empty(t, all[0].Bicycles)

	require.NoError(t, repo.SaveBicycle(ctx, &models.Bicycle{ID: "b1", ClientID: c.ID, Description: "Caloi", Active: true}))

	bikes, err := repo.GetBicyclesForClient(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, bikes, 1)
	assert.Equal(t, "Caloi", bikes[0].Description)

	got, err := repo.GetClient(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Bicycles, 1)
	assert.Equal(t, "b1", got.Bicycles[0].ID)

	byCPF, err := repo.GetClientByCPF(ctx, "11122233344")
	require.NoError(t, err)
	assert.Equal(t, c.ID, byCPF.ID)

	_, err = repo.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testSaveClientIdempotent(t *testing.T, repo backend) {
	ctx := context.Background()

	c := &models.Client{ID: "c1", CPF: "123", Name: "Bruno"}
	require.NoError(t, repo.SaveClient(ctx, c))
	first, err := repo.GetClient(ctx, "c1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	again := &models.Client{ID: "c1", CPF: "123", Name: "Bruno"}
	require.NoError(t, repo.SaveClient(ctx, again))

	all, err := repo.GetAllClients(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].UpdatedAt.After(first.UpdatedAt.Time))
	assert.True(t, all[0].CreatedAt.Equal(first.CreatedAt.Time))

	dup := &models.Client{ID: "c2", CPF: "123", Name: "Outro"}
	assert.Error(t, repo.SaveClient(ctx, dup))
}

func testEmbeddedBicycles(t *testing.T, repo backend) {
	ctx := context.Background()

	var c models.Client
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "c1", "cpf": "999", "nome": "Carla",
		"bicicletas": [
			{"id": "b2", "marca": "Sense", "modelo": "Impact"},
			{"id": "b1", "descricao": "Antiga"}
		]
	}`), &c))
	require.NoError(t, repo.SaveClient(ctx, &c))

	bikes, err := repo.GetAllBicycles(ctx)
	require.NoError(t, err)
	require.Len(t, bikes, 2)
	assert.Equal(t, "Antiga", bikes[0].Description)
	assert.Equal(t, "Sense Impact", bikes[1].Description)
	assert.Equal(t, "c1", bikes[1].ClientID)

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Clients)
	assert.Equal(t, 2, counts.Bicycles)
}

func testBicycleNeedsClient(t *testing.T, repo backend) {
	err := repo.SaveBicycle(context.Background(), &models.Bicycle{ID: "b1", ClientID: "ghost"})
	assert.ErrorIs(t, err, ErrValidation)
}

func testDeleteClient(t *testing.T, repo backend) {
	ctx := context.Background()

	c := &models.Client{ID: "c1", CPF: "1", Name: "Davi", Bicycles: []models.Bicycle{{ID: "b1", Description: "x"}}}
	require.NoError(t, repo.SaveClient(ctx, c))
	require.NoError(t, repo.DeleteClient(ctx, "c1"))

	bikes, err := repo.GetAllBicycles(ctx)
	require.NoError(t, err)
	assert.Empty(t, bikes)

	assert.ErrorIs(t, repo.DeleteClient(ctx, "c1"), ErrNotFound)
}

func testRecords(t *testing.T, repo backend) {
	ctx := context.Background()
	require.NoError(t, repo.SaveClient(ctx, &models.Client{ID: "c1", CPF: "111.222.333-44", Name: "Ana"}))

	var aliased models.Record
	require.NoError(t, json.Unmarshal([]byte(
		`{"id":"r1","clientId":"c1","bikeId":"b1","dataHoraEntrada":"2024-01-01T10:00:00"}`), &aliased))
	require.NoError(t, repo.SaveRecord(ctx, &aliased))

	later := &models.Record{ID: "r2", ClientID: "c9", BicycleID: "b9",
		EntryAt: models.At(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC))}
	require.NoError(t, repo.SaveRecord(ctx, later))

	records, err := repo.GetAllRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r2", records[0].ID)
	assert.Equal(t, "r1", records[1].ID)
	assert.Equal(t, "c1", records[1].ClientID)
	assert.Equal(t, "b1", records[1].BicycleID)
	assert.Equal(t, "Ana", records[1].ClientName)
	assert.Equal(t, "111.222.333-44", records[1].ClientCPF)
	assert.True(t, records[1].EntryAt.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	assert.True(t, records[1].ExitAt.IsZero())
	assert.Empty(t, records[0].ClientName)

	// Checkout and a changed entry day update the same record.
	aliased.EntryAt = models.At(time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC))
	aliased.ExitAt = models.At(time.Date(2024, 1, 3, 18, 0, 0, 0, time.UTC))
	require.NoError(t, repo.SaveRecord(ctx, &aliased))
	records, err = repo.GetAllRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.False(t, records[1].ExitAt.IsZero())

	require.NoError(t, repo.DeleteRecord(ctx, "r1"))
	assert.ErrorIs(t, repo.DeleteRecord(ctx, "r1"), ErrNotFound)
	assert.ErrorIs(t, repo.DeleteRecord(ctx, "never"), ErrNotFound)
}

func testRecordValidation(t *testing.T, repo backend) {
	ctx := context.Background()
	entry := models.At(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	cases := []models.Record{
		{ID: "r1", BicycleID: "b1", EntryAt: entry},
		{ID: "r1", ClientID: "c1", EntryAt: entry},
		{ID: "r1", ClientID: "c1", BicycleID: "b1"},
		{ID: "r1", ClientID: "c1", BicycleID: "b1", EntryAt: entry, ExitAt: models.At(entry.Add(-time.Hour))},
	}
	for _, rec := range cases {
		assert.ErrorIs(t, repo.SaveRecord(ctx, &rec), ErrValidation)
	}
	records, err := repo.GetAllRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testAudit(t *testing.T, repo backend) {
	ctx := context.Background()
	detail := "cpf 123"
	require.NoError(t, repo.LogAudit(ctx, "admin", "login", nil))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, repo.LogAudit(ctx, "admin", "cadastro", &detail))

	entries, err := repo.GetAuditLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cadastro", entries[0].Action)
	require.NotNil(t, entries[0].Detail)
	assert.Equal(t, detail, *entries[0].Detail)
	assert.Nil(t, entries[1].Detail)
	assert.Greater(t, entries[0].ID, entries[1].ID)

	entries, err = repo.GetAuditLogs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testCategories(t *testing.T, repo backend) {
	ctx := context.Background()
	require.NoError(t, repo.SaveCategories(ctx, map[string]string{"vip": "star", "mensal": "cal"}))
	require.NoError(t, repo.SaveCategories(ctx, map[string]string{"avulso": "bike"}))

	got, err := repo.GetAllCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"avulso": "bike"}, got)
}

func testUsers(t *testing.T, repo backend) {
	ctx := context.Background()
	u := &models.User{Username: "zeca", PasswordHash: "h1", Name: "Zeca", Active: true,
		Permissions: json.RawMessage(`{"backup":true}`)}
	require.NoError(t, repo.SaveUser(ctx, u))
	require.NoError(t, repo.SaveUser(ctx, &models.User{Username: "ana", PasswordHash: "h2", Role: models.RoleAdmin}))

	users, err := repo.GetAllUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "ana", users[0].Username)
	assert.Equal(t, models.RoleEmployee, users[1].Role)
	assert.JSONEq(t, `{"backup":true}`, string(users[1].Permissions))

	got, err := repo.GetUserByUsername(ctx, "zeca")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "h1", got.PasswordHash)

	_, err = repo.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repo.SaveUser(ctx, &models.User{Username: "x"}), ErrValidation)
}

func testConfig(t *testing.T, repo backend) {
	ctx := context.Background()
	v, err := repo.GetConfig(ctx, "storage_mode", "sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", v)

	require.NoError(t, repo.SetConfig(ctx, "storage_mode", "json"))
	require.NoError(t, repo.SetConfig(ctx, "storage_mode", "sqlite"))
	v, err = repo.GetConfig(ctx, "storage_mode", "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", v)
}

func testClear(t *testing.T, repo backend) {
	ctx := context.Background()
	require.NoError(t, repo.SaveClient(ctx, &models.Client{ID: "c1", CPF: "1", Name: "A",
		Bicycles: []models.Bicycle{{ID: "b1"}, {ID: "b2"}}}))
	require.NoError(t, repo.SaveClient(ctx, &models.Client{ID: "c2", CPF: "2", Name: "B"}))
	require.NoError(t, repo.SaveRecord(ctx, &models.Record{ID: "r1", ClientID: "c1", BicycleID: "b1", EntryAt: models.Now()}))
	require.NoError(t, repo.SaveCategories(ctx, map[string]string{"a": "1"}))

	n, err := repo.ClearBicycles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.ClearRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.ClearCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.ClearClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Counts{}, counts)
}
