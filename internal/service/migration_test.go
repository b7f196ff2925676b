package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/atinyakov/bicicletario/internal/backup"
	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSnapshotter struct {
	CreateFunc func(ctx context.Context) (*backup.Result, error)
	calls      int
}

func (f *fakeSnapshotter) CreateFullBackup(ctx context.Context) (*backup.Result, error) {
	f.calls++
	if f.CreateFunc == nil {
		return &backup.Result{Success: true, Filename: "backup_20240101_000000.json"}, nil
	}
	return f.CreateFunc(ctx)
}

func seedFiles(t *testing.T, files *repository.FileRepository) {
	t.Helper()
	ctx := context.Background()
	ana := &models.Client{CPF: "111.222.333-44", Name: "Ana", Bicycles: []models.Bicycle{
		{Brand: "Caloi", Model: "Elite"}, {Brand: "Sense"},
	}}
	require.NoError(t, files.SaveClient(ctx, ana))
	bia := &models.Client{CPF: "555", Name: "Bia"}
	require.NoError(t, files.SaveClient(ctx, bia))
	require.NoError(t, files.SaveRecord(ctx, &models.Record{
		ClientID: ana.ID, BicycleID: ana.Bicycles[0].ID, EntryAt: ts(t, "2024-01-01T10:00:00"),
	}))
	require.NoError(t, files.SaveRecord(ctx, &models.Record{
		ClientID: bia.ID, BicycleID: "b-x", EntryAt: ts(t, "2024-02-03T08:30:00"), ExitAt: ts(t, "2024-02-03T18:00:00"),
	}))
}

type clientSummary struct {
	CPF, Name string
	Bikes     int
}

func summarize(t *testing.T, clients []models.Client) []clientSummary {
	t.Helper()
	out := make([]clientSummary, 0, len(clients))
	for _, c := range clients {
		out = append(out, clientSummary{c.CPF, c.Name, len(c.Bicycles)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPF < out[j].CPF })
	return out
}

func TestMigrate_RoundTrip(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	seedFiles(t, env.files)
	snap := &fakeSnapshotter{}

	m := NewMigrator(env.files, env.sql, snap, env.sql, zap.NewNop())
	res, err := m.MigrateToDatabase(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Errors)
	assert.Equal(t, MigrationCounts{Clients: 2, Bicycles: 2, Records: 2}, res.Migrated)
	assert.Equal(t, DirectionToDatabase, res.Direction)
	assert.Equal(t, 1, snap.calls)

	status, _ := env.sql.GetConfig(ctx, KeyMigrationStatus, "")
	assert.Equal(t, MigrationCompleted, status)
	dir, _ := env.sql.GetConfig(ctx, KeyLastMigrationDirection, "")
	assert.Equal(t, DirectionToDatabase, dir)
	date, _ := env.sql.GetConfig(ctx, KeyLastMigrationDate, "")
	assert.NotEmpty(t, date)

	again, err := m.MigrateToDatabase(ctx)
	require.NoError(t, err)
	assert.True(t, again.Success, "migration is idempotent: %v", again.Errors)
	counts, err := env.sql.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Clients)
	assert.Equal(t, 2, counts.Records)

	fresh, err := repository.NewFileRepository(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	back := NewMigrator(fresh, env.sql, snap, env.sql, zap.NewNop())
	res, err = back.MigrateToFiles(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Errors)
	assert.Equal(t, DirectionToFiles, res.Direction)

	original, err := env.files.GetAllClients(ctx)
	require.NoError(t, err)
	restored, err := fresh.GetAllClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, summarize(t, original), summarize(t, restored))

	names, err := fresh.RecordFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.FileExists(t, filepath.Join(fresh.Root(), "clientes", "11122233344.json"))
}

func TestMigrate_CorruptClientFile(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	seedFiles(t, env.files)
	require.NoError(t, os.WriteFile(filepath.Join(env.files.Root(), "clientes", "bad.json"), []byte("{nope"), 0o644))

	m := NewMigrator(env.files, env.sql, &fakeSnapshotter{}, env.sql, zap.NewNop())
	res, err := m.MigrateToDatabase(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Cliente bad.json")
	assert.Equal(t, 2, res.Migrated.Clients)
	assert.Equal(t, 2, res.Migrated.Records)

	status, _ := env.sql.GetConfig(ctx, KeyMigrationStatus, "")
	assert.Equal(t, MigrationCompletedWithErrors, status)
}

func TestMigrate_BackupFailureAborts(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	seedFiles(t, env.files)
	snap := &fakeSnapshotter{CreateFunc: func(context.Context) (*backup.Result, error) {
		return nil, errors.New("disk full")
	}}

	m := NewMigrator(env.files, env.sql, snap, env.sql, zap.NewNop())
	res, err := m.MigrateToDatabase(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors[0], "disk full")

	status, _ := env.sql.GetConfig(ctx, KeyMigrationStatus, "")
	assert.Equal(t, MigrationFailed, status)
	counts, err := env.sql.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Clients)
}

func TestMigrate_DatabaseUnavailable(t *testing.T) {
	env := newEnv(t, false)
	m := NewMigrator(env.files, nil, &fakeSnapshotter{}, env.files, zap.NewNop())

	_, err := m.MigrateToDatabase(context.Background())
	assert.ErrorIs(t, err, repository.ErrBackendUnavailable)
	_, err = m.MigrateToFiles(context.Background())
	assert.ErrorIs(t, err, repository.ErrBackendUnavailable)
}

func TestMigrate_WithRealBackup(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	seedFiles(t, env.files)
	require.NoError(t, env.mode.SetMode(ctx, models.ModeFiles))

	engine, err := backup.NewEngine(t.TempDir(), env.store, env.sql, zap.NewNop())
	require.NoError(t, err)
	m := NewMigrator(env.files, env.sql, engine, env.sql, zap.NewNop())

	res, err := m.MigrateToDatabase(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, res.Errors)
	require.NotEmpty(t, res.BackupFile)

	raw, err := engine.GetBackupContent(ctx, res.BackupFile)
	require.NoError(t, err)
	doc, err := backup.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Stats.Clients, "the safety backup holds the pre-migration file tree")
}

func TestMigrate_RunsToCompletionWhenCallerGoesAway(t *testing.T) {
	env := newEnv(t, true)
	seedFiles(t, env.files)

	ctx, cancel := context.WithCancel(context.Background())
	snap := &fakeSnapshotter{CreateFunc: func(context.Context) (*backup.Result, error) {
		cancel()
		return &backup.Result{Success: true, Filename: "backup_20240101_000000.json"}, nil
	}}

	m := NewMigrator(env.files, env.sql, snap, env.sql, zap.NewNop())
	res, err := m.MigrateToDatabase(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Errors)
	assert.Equal(t, MigrationCounts{Clients: 2, Bicycles: 2, Records: 2}, res.Migrated)

	bg := context.Background()
	status, _ := env.sql.GetConfig(bg, KeyMigrationStatus, "")
	assert.Equal(t, MigrationCompleted, status)
	dir, _ := env.sql.GetConfig(bg, KeyLastMigrationDirection, "")
	assert.Equal(t, DirectionToDatabase, dir)
	date, _ := env.sql.GetConfig(bg, KeyLastMigrationDate, "")
	assert.NotEmpty(t, date)
}

func TestMigrate_ReportsEveryItem(t *testing.T) {
	env := newEnv(t, true)
	seedFiles(t, env.files)

	var messages []string
	ctx := WithMigrationProgress(context.Background(), func(msg string) {
		messages = append(messages, msg)
	})
	m := NewMigrator(env.files, env.sql, &fakeSnapshotter{}, env.sql, zap.NewNop())
	_, err := m.MigrateToDatabase(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Migrando cliente 1 de 2...",
		"Migrando cliente 2 de 2...",
		"Migrando registro 1 de 2...",
		"Migrando registro 2 de 2...",
	}, messages)
}
