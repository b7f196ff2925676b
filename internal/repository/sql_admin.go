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

// DefaultAuditLimit is used when GetAuditLogs is called without a limit.
const DefaultAuditLimit = 100

// GetConfig returns the stored value for key, or def when the key is unset.
func (r *SQLRepository) GetConfig(ctx context.Context, key, def string) (string, error) {
	var value string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT valor FROM configuracoes WHERE chave = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("GetConfig: %w", err)
	}
	return value, nil
}

// SetConfig stores value under key.
func (r *SQLRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`
		INSERT INTO configuracoes (chave, valor, atualizado_em) VALUES (?, ?, ?)
		ON CONFLICT (chave) DO UPDATE SET valor = excluded.valor, atualizado_em = excluded.atualizado_em
	`), key, value, models.Now())
	if err != nil {
		return fmt.Errorf("SetConfig: %w", err)
	}
	return nil
}

// AddPendingSync appends an unconsumed entry to the replication queue.
//
//	ctx:        context for cancellation and deadlines
//	entityType: "cliente", "bicicleta" or "registro"
//	op:         models.SyncSave or models.SyncDelete
//	payload:    any JSON-serializable value describing the change
func (r *SQLRepository) AddPendingSync(ctx context.Context, entityType string, op models.SyncOperation, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("AddPendingSync: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, r.q(`
		INSERT INTO sincronizacao_pendente (tipo, operacao, dados, timestamp, sincronizado)
		VALUES (?, ?, ?, ?, ?)
	`), entityType, string(op), string(data), models.Now(), false)
	if err != nil {
		return fmt.Errorf("AddPendingSync: %w", err)
	}
	return nil
}

// GetPendingSyncs returns unconsumed entries, oldest first.
func (r *SQLRepository) GetPendingSyncs(ctx context.Context) ([]models.PendingSyncOp, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`
		SELECT id, tipo, operacao, dados, timestamp, sincronizado
		FROM sincronizacao_pendente WHERE sincronizado = ? ORDER BY id
	`), false)
	if err != nil {
		return nil, fmt.Errorf("GetPendingSyncs: %w", err)
	}
	defer rows.Close()

	ops := []models.PendingSyncOp{}
	for rows.Next() {
		var (
			op      models.PendingSyncOp
			payload string
		)
		if err := rows.Scan(&op.ID, &op.EntityType, &op.Operation, &payload, &op.Timestamp, &op.Consumed); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		op.Payload = json.RawMessage(payload)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetPendingSyncs: %w", err)
	}
	return ops, nil
}

// MarkSyncComplete flags the entry as consumed. Returns ErrNotFound when id
// is absent.
func (r *SQLRepository) MarkSyncComplete(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE sincronizacao_pendente SET sincronizado = ? WHERE id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("MarkSyncComplete: %w", err)
	}
	return affected(res, "MarkSyncComplete")
}

// ClearClients deletes every client and bicycle and returns the number of
// clients removed.
func (r *SQLRepository) ClearClients(ctx context.Context) (int, error) {
	return r.clear(ctx, "clientes", "bicicletas", "clientes")
}

// ClearRecords deletes every record.
func (r *SQLRepository) ClearRecords(ctx context.Context) (int, error) {
	return r.clear(ctx, "registros", "registros")
}

// ClearBicycles deletes every bicycle.
func (r *SQLRepository) ClearBicycles(ctx context.Context) (int, error) {
	return r.clear(ctx, "bicicletas", "bicicletas")
}

// ClearCategories deletes every category.
func (r *SQLRepository) ClearCategories(ctx context.Context) (int, error) {
	return r.clear(ctx, "categorias", "categorias")
}

// clear counts rows of counted and then empties tables in order.
func (r *SQLRepository) clear(ctx context.Context, counted string, tables ...string) (int, error) {
	var n int
	err := db.WithTx(ctx, r.DB, func(ctx context.Context, tx db.DBTX) error {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+counted).Scan(&n); err != nil {
			return err
		}
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", counted, err)
	}
	return n, nil
}

// Counts returns the number of stored entities per type.
func (r *SQLRepository) Counts(ctx context.Context) (models.Counts, error) {
	var c models.Counts
	for _, t := range []struct {
		table string
		dst   *int
	}{
		{"clientes", &c.Clients},
		{"bicicletas", &c.Bicycles},
		{"registros", &c.Records},
		{"categorias", &c.Categories},
		{"usuarios", &c.Users},
	} {
		if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.table).Scan(t.dst); err != nil {
			return c, fmt.Errorf("Counts: %w", err)
		}
	}
	return c, nil
}
