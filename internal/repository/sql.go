// Package repository provides the two storage backends of the parking: a
// relational one over database/sql (SQLite or PostgreSQL) and a JSON file
// tree. Both satisfy the same CRUD contract.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atinyakov/bicicletario/internal/db"
	"github.com/atinyakov/bicicletario/internal/models"
)

// SQLRepository implements the record store against a relational database.
type SQLRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB      *sql.DB
	dialect Dialect
}

// NewSQLRepository creates a SQLRepository. db must already carry the
// schema (see db.InitSQLite and db.InitPostgres).
func NewSQLRepository(db *sql.DB, dialect Dialect) *SQLRepository {
	return &SQLRepository{DB: db, dialect: dialect}
}

// Dialect reports the SQL flavour of the underlying database.
func (r *SQLRepository) Dialect() Dialect {
	return r.dialect
}

func (r *SQLRepository) q(query string) string {
	return r.dialect.rebind(query)
}

type scanner interface {
	Scan(dest ...any) error
}

const clientColumns = `id, cpf, nome, telefone, categoria, comentarios, ativo, data_cadastro, criado_em, atualizado_em`

const bicycleColumns = `id, cliente_id, descricao, marca, modelo, cor, aro, ativa, criada_em, atualizada_em`

func scanClient(s scanner) (models.Client, error) {
	var c models.Client
	err := s.Scan(&c.ID, &c.CPF, &c.Name, &c.Phone, &c.Category, &c.Comments,
		&c.Active, &c.RegisteredAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanBicycle(s scanner) (models.Bicycle, error) {
	var b models.Bicycle
	err := s.Scan(&b.ID, &b.ClientID, &b.Description, &b.Brand, &b.Model, &b.Color,
		&b.WheelSize, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// SaveClient upserts c by id together with every embedded bicycle, inside a
// single transaction. Generated fields (id, timestamps) are written back to c.
//
//	ctx: context for cancellation and deadlines
//	c:   client to store; c.Bicycles are stored as their own rows
//
// Returns an ErrValidation error when c has no tax id.
func (r *SQLRepository) SaveClient(ctx context.Context, c *models.Client) error {
	if err := prepareClient(c, models.Now()); err != nil {
		return err
	}

	return db.WithTx(ctx, r.DB, func(ctx context.Context, tx db.DBTX) error {
		_, err := tx.ExecContext(ctx, r.q(`
			INSERT INTO clientes (`+clientColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				cpf = excluded.cpf,
				nome = excluded.nome,
				telefone = excluded.telefone,
				categoria = excluded.categoria,
				comentarios = excluded.comentarios,
				ativo = excluded.ativo,
				atualizado_em = excluded.atualizado_em
		`), c.ID, c.CPF, c.Name, c.Phone, c.Category, c.Comments, c.Active,
			c.RegisteredAt, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("SaveClient: %w", err)
		}
		for i := range c.Bicycles {
			if err := r.upsertBicycle(ctx, tx, &c.Bicycles[i]); err != nil {
				return fmt.Errorf("SaveClient: %w", err)
			}
		}
		return nil
	})
}

// GetClient returns the client with the given id merged with its bicycles.
func (r *SQLRepository) GetClient(ctx context.Context, id string) (*models.Client, error) {
	return r.getClientBy(ctx, "id", id)
}

// GetClientByCPF returns the client with the given tax id merged with its bicycles.
func (r *SQLRepository) GetClientByCPF(ctx context.Context, cpf string) (*models.Client, error) {
	return r.getClientBy(ctx, "cpf", cpf)
}

func (r *SQLRepository) getClientBy(ctx context.Context, column, value string) (*models.Client, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+clientColumns+` FROM clientes WHERE `+column+` = ?`), value)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetClient: %w", err)
	}

	c.Bicycles, err = r.GetBicyclesForClient(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetAllClients returns every client ordered by name, each merged with its
// bicycles ordered by description.
func (r *SQLRepository) GetAllClients(ctx context.Context) ([]models.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+clientColumns+` FROM clientes ORDER BY nome, id`)
	if err != nil {
		return nil, fmt.Errorf("GetAllClients: %w", err)
	}
	clients := []models.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan: %w", err)
		}
		clients = append(clients, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("GetAllClients: %w", err)
	}

	bikes, err := r.GetAllBicycles(ctx)
	if err != nil {
		return nil, err
	}
	byClient := make(map[string][]models.Bicycle, len(clients))
	for _, b := range bikes {
		byClient[b.ClientID] = append(byClient[b.ClientID], b)
	}
	for i := range clients {
		clients[i].Bicycles = byClient[clients[i].ID]
		if clients[i].Bicycles == nil {
			clients[i].Bicycles = []models.Bicycle{}
		}
	}
	return clients, nil
}

// DeleteClient removes the client; its bicycles go with it through the
// cascading foreign key.
func (r *SQLRepository) DeleteClient(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM clientes WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("DeleteClient: %w", err)
	}
	return affected(res, "DeleteClient")
}

// SaveBicycle upserts b by id. The owning client must exist.
func (r *SQLRepository) SaveBicycle(ctx context.Context, b *models.Bicycle) error {
	if err := prepareBicycle(b, models.Now()); err != nil {
		return err
	}
	return db.WithTx(ctx, r.DB, func(ctx context.Context, tx db.DBTX) error {
		if err := r.upsertBicycle(ctx, tx, b); err != nil {
			return fmt.Errorf("SaveBicycle: %w", err)
		}
		return nil
	})
}

func (r *SQLRepository) upsertBicycle(ctx context.Context, tx db.DBTX, b *models.Bicycle) error {
	var one int
	err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM clientes WHERE id = ?`), b.ClientID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return invalid("bicicleta: cliente " + b.ClientID + " does not exist")
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, r.q(`
		INSERT INTO bicicletas (`+bicycleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cliente_id = excluded.cliente_id,
			descricao = excluded.descricao,
			marca = excluded.marca,
			modelo = excluded.modelo,
			cor = excluded.cor,
			aro = excluded.aro,
			ativa = excluded.ativa,
			atualizada_em = excluded.atualizada_em
	`), b.ID, b.ClientID, b.Description, b.Brand, b.Model, b.Color, b.WheelSize,
		b.Active, b.CreatedAt, b.UpdatedAt)
	return err
}

// GetBicyclesForClient returns the client's bicycles ordered by description.
func (r *SQLRepository) GetBicyclesForClient(ctx context.Context, clientID string) ([]models.Bicycle, error) {
	return r.queryBicycles(ctx, `SELECT `+bicycleColumns+` FROM bicicletas WHERE cliente_id = ? ORDER BY descricao, id`, clientID)
}

// GetAllBicycles returns every bicycle ordered by description.
func (r *SQLRepository) GetAllBicycles(ctx context.Context) ([]models.Bicycle, error) {
	return r.queryBicycles(ctx, `SELECT `+bicycleColumns+` FROM bicicletas ORDER BY descricao, id`)
}

func (r *SQLRepository) queryBicycles(ctx context.Context, query string, args ...any) ([]models.Bicycle, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("GetBicycles: %w", err)
	}
	defer rows.Close()

	bikes := []models.Bicycle{}
	for rows.Next() {
		b, err := scanBicycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		bikes = append(bikes, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetBicycles: %w", err)
	}
	return bikes, nil
}

// SaveRecord upserts rec by id.
func (r *SQLRepository) SaveRecord(ctx context.Context, rec *models.Record) error {
	if err := prepareRecord(rec, models.Now()); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, r.q(`
		INSERT INTO registros (id, cliente_id, bicicleta_id, data_hora_entrada, data_hora_saida,
			pernoite, acesso_removido, registro_original_id, criado_por, criado_em, atualizado_em)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cliente_id = excluded.cliente_id,
			bicicleta_id = excluded.bicicleta_id,
			data_hora_entrada = excluded.data_hora_entrada,
			data_hora_saida = excluded.data_hora_saida,
			pernoite = excluded.pernoite,
			acesso_removido = excluded.acesso_removido,
			registro_original_id = excluded.registro_original_id,
			criado_por = excluded.criado_por,
			atualizado_em = excluded.atualizado_em
	`), rec.ID, rec.ClientID, rec.BicycleID, rec.EntryAt, rec.ExitAt, rec.Overnight,
		rec.AccessRevoked, nullString(rec.OriginalRecordID), rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("SaveRecord: %w", err)
	}
	return nil
}

// GetAllRecords returns every record joined with its client's name and tax
// id, newest entry first.
func (r *SQLRepository) GetAllRecords(ctx context.Context) ([]models.Record, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT r.id, r.cliente_id, r.bicicleta_id, r.data_hora_entrada, r.data_hora_saida,
			r.pernoite, r.acesso_removido, r.registro_original_id, r.criado_por, r.criado_em,
			r.atualizado_em, COALESCE(c.nome, ''), COALESCE(c.cpf, '')
		FROM registros r
		LEFT JOIN clientes c ON c.id = r.cliente_id
		ORDER BY r.data_hora_entrada DESC, r.id
	`)
	if err != nil {
		return nil, fmt.Errorf("GetAllRecords: %w", err)
	}
	defer rows.Close()

	records := []models.Record{}
	for rows.Next() {
		var (
			rec      models.Record
			original sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.BicycleID, &rec.EntryAt, &rec.ExitAt,
			&rec.Overnight, &rec.AccessRevoked, &original, &rec.CreatedBy, &rec.CreatedAt,
			&rec.UpdatedAt, &rec.ClientName, &rec.ClientCPF); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec.OriginalRecordID = original.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetAllRecords: %w", err)
	}
	return records, nil
}

// DeleteRecord removes the record. Returns ErrNotFound when id is absent.
func (r *SQLRepository) DeleteRecord(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM registros WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("DeleteRecord: %w", err)
	}
	return affected(res, "DeleteRecord")
}

// LogAudit appends an audit entry stamped with the current time.
func (r *SQLRepository) LogAudit(ctx context.Context, actor, action string, detail *string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`
		INSERT INTO auditoria (usuario, acao, detalhes, timestamp) VALUES (?, ?, ?, ?)
	`), actor, action, detail, models.Now())
	if err != nil {
		return fmt.Errorf("LogAudit: %w", err)
	}
	return nil
}

// GetAuditLogs returns at most limit entries, newest first.
func (r *SQLRepository) GetAuditLogs(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`
		SELECT id, usuario, acao, detalhes, timestamp FROM auditoria
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("GetAuditLogs: %w", err)
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var (
			e      models.AuditEntry
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if detail.Valid {
			e.Detail = &detail.String
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetAuditLogs: %w", err)
	}
	return entries, nil
}

// SaveCategories replaces the whole category set in one transaction.
func (r *SQLRepository) SaveCategories(ctx context.Context, categories map[string]string) error {
	return db.WithTx(ctx, r.DB, func(ctx context.Context, tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM categorias`); err != nil {
			return fmt.Errorf("SaveCategories: %w", err)
		}
		for name, emoji := range categories {
			if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO categorias (nome, emoji) VALUES (?, ?)`), name, emoji); err != nil {
				return fmt.Errorf("SaveCategories: %w", err)
			}
		}
		return nil
	})
}

// GetAllCategories returns the name to emoji map.
func (r *SQLRepository) GetAllCategories(ctx context.Context) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT nome, emoji FROM categorias`)
	if err != nil {
		return nil, fmt.Errorf("GetAllCategories: %w", err)
	}
	defer rows.Close()

	categories := map[string]string{}
	for rows.Next() {
		var name, emoji string
		if err := rows.Scan(&name, &emoji); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		categories[name] = emoji
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetAllCategories: %w", err)
	}
	return categories, nil
}

const userColumns = `id, username, password_hash, nome, tipo, ativo, permissoes, criado_em, atualizado_em`

func scanUser(s scanner) (models.User, error) {
	var (
		u     models.User
		perms sql.NullString
	)
	err := s.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Name, &u.Role, &u.Active,
		&perms, &u.CreatedAt, &u.UpdatedAt)
	if perms.Valid && perms.String != "" {
		u.Permissions = json.RawMessage(perms.String)
	}
	return u, err
}

// SaveUser upserts u by id.
func (r *SQLRepository) SaveUser(ctx context.Context, u *models.User) error {
	if err := prepareUser(u, models.Now()); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, r.q(`
		INSERT INTO usuarios (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			password_hash = excluded.password_hash,
			nome = excluded.nome,
			tipo = excluded.tipo,
			ativo = excluded.ativo,
			permissoes = excluded.permissoes,
			atualizado_em = excluded.atualizado_em
	`), u.ID, u.Username, u.PasswordHash, u.Name, string(u.Role), u.Active,
		nullString(string(u.Permissions)), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("SaveUser: %w", err)
	}
	return nil
}

// GetAllUsers returns every user ordered by username.
func (r *SQLRepository) GetAllUsers(ctx context.Context) ([]models.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM usuarios ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("GetAllUsers: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetAllUsers: %w", err)
	}
	return users, nil
}

// GetUserByUsername returns ErrNotFound when no user has that username.
func (r *SQLRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, r.q(`SELECT `+userColumns+` FROM usuarios WHERE username = ?`), username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetUserByUsername: %w", err)
	}
	return &u, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func affected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
