package backup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atinyakov/bicicletario/internal/repository"
	"go.uber.org/zap"
)

// Restore writes every entity of doc into the source in the order
// categories, clients, records, users. A failure on one entity is recorded
// and the rest continue. A restore is never cut short by cancelling ctx.
func (e *Engine) Restore(ctx context.Context, doc *Document) RestoreResult {
	ctx = context.WithoutCancel(ctx)
	res := RestoreResult{Errors: []string{}}
	if doc == nil || doc.Data == nil {
		res.Errors = append(res.Errors, errMissingData)
		return res
	}
	data := doc.Data

	if data.Categories != nil {
		if err := e.source.SaveCategories(ctx, data.Categories); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Categorias: %v", err))
		} else {
			res.Restored.Categories = len(data.Categories)
		}
	}

	for i := range data.Clients {
		c := data.Clients[i]
		if err := e.source.SaveClient(ctx, &c); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Cliente %s: %v", c.CPF, err))
			continue
		}
		res.Restored.Clients++
	}

	for i := range data.Records {
		r := data.Records[i]
		if err := e.source.SaveRecord(ctx, &r); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Registro %s: %v", r.ID, err))
			continue
		}
		res.Restored.Records++
	}

	for i := range data.Users {
		u := data.Users[i]
		if err := e.source.SaveUser(ctx, &u); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Usuario %s: %v", u.Username, err))
			continue
		}
		res.Restored.Users++
	}

	res.Success = len(res.Errors) == 0
	e.log.Info("backup restored",
		zap.Int("clients", res.Restored.Clients),
		zap.Int("records", res.Restored.Records),
		zap.Int("users", res.Restored.Users),
		zap.Int("errors", len(res.Errors)))
	return res
}

// RestoreFromFile decodes a stored backup and restores it.
func (e *Engine) RestoreFromFile(ctx context.Context, filename string) (RestoreResult, error) {
	raw, err := e.GetBackupContent(ctx, filename)
	if err != nil {
		return RestoreResult{Errors: []string{}}, err
	}
	doc, err := Decode(raw)
	if err != nil {
		return RestoreResult{Errors: []string{}}, err
	}
	return e.Restore(ctx, doc), nil
}

// Decode parses a backup document.
func Decode(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed backup: %v", repository.ErrValidation, err)
	}
	return &doc, nil
}
