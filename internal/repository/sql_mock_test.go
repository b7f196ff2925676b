package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atinyakov/bicicletario/internal/models"
)

func setupMock(t *testing.T) (*SQLRepository, sqlmock.Sqlmock, func()) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewSQLRepository(conn, DialectPostgres)
	cleanup := func() {
		conn.Close()
	}
	return repo, mock, cleanup
}

func TestRebind(t *testing.T) {
	got := DialectPostgres.rebind(`SELECT a FROM t WHERE b = ? AND c = ?`)
	want := `SELECT a FROM t WHERE b = $1 AND c = $2`
	if got != want {
		t.Errorf("rebind = %q; want %q", got, want)
	}
	if s := DialectSQLite.rebind(`x = ?`); s != `x = ?` {
		t.Errorf("sqlite rebind changed query: %q", s)
	}
}

func TestGetConfig_Postgres(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT valor FROM configuracoes WHERE chave = $1`)).
		WithArgs("storage_mode").
		WillReturnRows(sqlmock.NewRows([]string{"valor"}).AddRow("json"))

	v, err := repo.GetConfig(context.Background(), "storage_mode", "sqlite")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "json" {
		t.Errorf("GetConfig = %q; want %q", v, "json")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetConfig_Error(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT valor FROM configuracoes`)).
		WillReturnError(errors.New("conn reset"))

	v, err := repo.GetConfig(context.Background(), "storage_mode", "sqlite")
	if err == nil || !regexp.MustCompile(`GetConfig`).MatchString(err.Error()) {
		t.Errorf("expected GetConfig error, got %v", err)
	}
	if v != "sqlite" {
		t.Errorf("GetConfig = %q; want default", v)
	}
}

func TestDeleteRecord_NotFound(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM registros WHERE id = $1`)).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.DeleteRecord(context.Background(), "r1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRecord err = %v; want ErrNotFound", err)
	}
}

func TestSaveCategories_RollbackOnInsertError(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM categorias`)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO categorias (nome, emoji) VALUES ($1, $2)`)).
		WithArgs("vip", "star").
		WillReturnError(errors.New("insert fail"))
	mock.ExpectRollback()

	err := repo.SaveCategories(context.Background(), map[string]string{"vip": "star"})
	if err == nil || !regexp.MustCompile(`SaveCategories`).MatchString(err.Error()) {
		t.Errorf("expected SaveCategories error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAddPendingSync_Postgres(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sincronizacao_pendente (tipo, operacao, dados, timestamp, sincronizado)`)).
		WithArgs("cliente", "save", `{"id":"c1"}`, sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.AddPendingSync(context.Background(), "cliente", models.SyncSave, map[string]string{"id": "c1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetPendingSyncs_ScanError(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"id", "tipo", "operacao", "dados", "timestamp", "sincronizado"}).
		AddRow("not-a-number", "cliente", "save", "{}", "2024-01-01T00:00:00Z", false)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM sincronizacao_pendente WHERE sincronizado = $1 ORDER BY id`)).
		WithArgs(false).
		WillReturnRows(rows)

	_, err := repo.GetPendingSyncs(context.Background())
	if err == nil || !regexp.MustCompile(`scan`).MatchString(err.Error()) {
		t.Errorf("expected scan error, got %v", err)
	}
}
