package service

import (
	"context"
	"testing"

	"github.com/atinyakov/bicicletario/internal/db"
	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	files   *repository.FileRepository
	sql     *repository.SQLRepository
	mode    *ModeSelector
	changes *ChangeNotifier
	store   *Store
}

// newEnv wires a store over a temp file tree and, when withDB is set, an
// in-memory SQLite database.
func newEnv(t *testing.T, withDB bool) *testEnv {
	t.Helper()
	log := zap.NewNop()
	files, err := repository.NewFileRepository(t.TempDir(), log)
	require.NoError(t, err)

	env := &testEnv{files: files, changes: NewChangeNotifier()}
	if !withDB {
		env.mode = NewModeSelector(files, false, false, "sqlite", log)
		env.store = NewStore(files, nil, nil, env.mode, env.changes, log)
		return env
	}

	conn, err := db.InitSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	env.sql = repository.NewSQLRepository(conn, repository.DialectSQLite)
	env.mode = NewModeSelector(env.sql, true, false, "sqlite", log)
	env.store = NewStore(files, env.sql, env.sql, env.mode, env.changes, log)
	return env
}

func ts(t *testing.T, s string) models.Timestamp {
	t.Helper()
	v, err := models.ParseTimestamp(s)
	require.NoError(t, err)
	return v
}
