package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoutesByMode(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()

	require.NoError(t, env.store.SaveClient(ctx, &models.Client{CPF: "11122233344", Name: "Ana"}))
	inDB, err := env.sql.GetAllClients(ctx)
	require.NoError(t, err)
	assert.Len(t, inDB, 1)
	inFiles, err := env.files.GetAllClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, inFiles)

	require.NoError(t, env.mode.SetMode(ctx, models.ModeFiles))
	clients, err := env.store.GetAllClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, clients, "the mode is read on every call")

	require.NoError(t, env.store.SaveClient(ctx, &models.Client{CPF: "999", Name: "Bia"}))
	inFiles, err = env.files.GetAllClients(ctx)
	require.NoError(t, err)
	assert.Len(t, inFiles, 1)
}

func TestStore_ClientWithoutBicycles(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	c := &models.Client{CPF: "11122233344", Name: "Ana"}
	require.NoError(t, env.store.SaveClient(ctx, c))

	clients, err := env.store.GetAllClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	raw, err := json.Marshal(clients[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"bicicletas":[]`)

	require.NoError(t, env.store.SaveBicycle(ctx, &models.Bicycle{ID: "b1", ClientID: c.ID, Description: "Caloi"}))
	bikes, err := env.store.GetBicyclesForClient(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, bikes, 1)
	got, err := env.store.GetClient(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Bicycles, 1)
	assert.Equal(t, "b1", got.Bicycles[0].ID)
}

func TestStore_PendingSyncInDatabaseMode(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()

	c := &models.Client{CPF: "1", Name: "Ana"}
	require.NoError(t, env.store.SaveClient(ctx, c))
	require.NoError(t, env.store.SaveRecord(ctx, &models.Record{
		ID: "r1", ClientID: c.ID, BicycleID: "b1", EntryAt: ts(t, "2024-01-01T10:00:00"),
	}))
	require.NoError(t, env.store.DeleteRecord(ctx, "r1"))
	assert.ErrorIs(t, env.store.DeleteRecord(ctx, "r1"), repository.ErrNotFound)

	ops, err := env.store.PendingSyncs(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, SyncClient, ops[0].EntityType)
	assert.Equal(t, models.SyncSave, ops[0].Operation)
	assert.Equal(t, SyncRecord, ops[2].EntityType)
	assert.Equal(t, models.SyncDelete, ops[2].Operation)
	assert.JSONEq(t, `{"id":"r1"}`, string(ops[2].Payload))

	require.NoError(t, env.mode.SetMode(ctx, models.ModeFiles))
	require.NoError(t, env.store.SaveClient(ctx, &models.Client{CPF: "2"}))
	ops, err = env.store.PendingSyncs(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 3, "file mode does not queue")

	require.NoError(t, env.store.MarkSyncComplete(ctx, ops[0].ID))
	ops, err = env.store.PendingSyncs(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
	assert.ErrorIs(t, env.store.MarkSyncComplete(ctx, 999), repository.ErrNotFound)
}

func TestStore_Notifications(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	before := env.changes.Changes()

	err := env.store.SaveBicycle(ctx, &models.Bicycle{ClientID: "missing"})
	assert.ErrorIs(t, err, repository.ErrValidation)
	assert.Equal(t, before, env.changes.Changes(), "failed writes do not notify")

	c := &models.Client{CPF: "1"}
	require.NoError(t, env.store.SaveClient(ctx, c))
	require.NoError(t, env.store.SaveBicycle(ctx, &models.Bicycle{ClientID: c.ID}))
	require.NoError(t, env.store.SaveCategories(ctx, map[string]string{"vip": "*"}))

	since := env.changes.ChangesSince(before)
	assert.True(t, since[ChangeClients])
	assert.True(t, since[ChangeBicycles])
	assert.True(t, since[ChangeCategories])
	assert.False(t, since[ChangeRecords])
	assert.False(t, since[ChangeUsers])
}

func TestStore_Clear(t *testing.T) {
	env := newEnv(t, false)
	ctx := context.Background()
	for _, cpf := range []string{"1", "2"} {
		require.NoError(t, env.store.SaveClient(ctx, &models.Client{CPF: cpf}))
	}

	res := env.store.ClearClients(ctx)
	assert.Equal(t, models.ClearResult{Success: true, Deleted: 2}, res)
	res = env.store.ClearRecords(ctx)
	assert.True(t, res.Success)
	assert.Zero(t, res.Deleted)
}

func TestStore_FilesOnly(t *testing.T) {
	env := newEnv(t, false)
	ctx := context.Background()

	require.NoError(t, env.store.SaveClient(ctx, &models.Client{CPF: "1"}))
	_, err := env.store.PendingSyncs(ctx)
	assert.ErrorIs(t, err, repository.ErrBackendUnavailable)

	stats := env.store.StorageStats(ctx)
	assert.Equal(t, models.ModeFiles, stats.Mode)
	assert.False(t, stats.DatabaseAvailable)
	assert.Nil(t, stats.Database)
	require.NotNil(t, stats.Files)
	assert.Equal(t, 1, stats.Files.Clients)
	assert.Equal(t, "idle", stats.MigrationStatus)
}

func TestStore_StorageStats(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	require.NoError(t, env.store.SaveClient(ctx, &models.Client{CPF: "1", Bicycles: []models.Bicycle{{Brand: "Caloi"}}}))
	require.NoError(t, env.store.SetConfig(ctx, KeyMigrationStatus, MigrationCompleted))

	stats := env.store.StorageStats(ctx)
	assert.True(t, stats.DatabaseAvailable)
	assert.Equal(t, "sqlite", stats.DatabaseType)
	require.NotNil(t, stats.Database)
	assert.Equal(t, models.Counts{Clients: 1, Bicycles: 1}, *stats.Database)
	assert.Equal(t, models.Counts{}, *stats.Files)
	assert.Equal(t, MigrationCompleted, stats.MigrationStatus)
}

func TestStore_AuditDefaultLimit(t *testing.T) {
	env := newEnv(t, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.LogAudit(ctx, "admin", "login", nil))
	}
	entries, err := env.store.GetAuditLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Greater(t, entries[0].ID, entries[2].ID)
}
