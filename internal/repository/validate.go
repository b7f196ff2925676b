package repository

import (
	"regexp"
	"strings"

	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/google/uuid"
)

// prepareClient validates c and fills generated fields. Embedded bicycles
// are re-parented to c.
func prepareClient(c *models.Client, now models.Timestamp) error {
	c.CPF = strings.TrimSpace(c.CPF)
	if c.CPF == "" {
		return invalid("cliente: cpf is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = now
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	for i := range c.Bicycles {
		c.Bicycles[i].ClientID = c.ID
		if err := prepareBicycle(&c.Bicycles[i], now); err != nil {
			return err
		}
	}
	return nil
}

func prepareBicycle(b *models.Bicycle, now models.Timestamp) error {
	if b.ClientID == "" {
		return invalid("bicicleta: clienteId is required")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Normalize()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	return nil
}

func prepareRecord(r *models.Record, now models.Timestamp) error {
	switch {
	case r.ClientID == "":
		return invalid("registro: clienteId is required")
	case r.BicycleID == "":
		return invalid("registro: bicicletaId is required")
	case r.EntryAt.IsZero():
		return invalid("registro: dataHoraEntrada is required")
	case !r.ExitAt.IsZero() && r.ExitAt.Before(r.EntryAt.Time):
		return invalid("registro: dataHoraSaida precedes dataHoraEntrada")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.ClientName, r.ClientCPF = "", ""
	return nil
}

func prepareUser(u *models.User, now models.Timestamp) error {
	u.Username = strings.TrimSpace(u.Username)
	switch {
	case u.Username == "":
		return invalid("usuario: username is required")
	case u.PasswordHash == "":
		return invalid("usuario: password_hash is required")
	}
	if u.Role == "" {
		u.Role = models.RoleEmployee
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return nil
}

var unsafeFileChars = regexp.MustCompile(`[^0-9A-Za-z]`)

// SanitizeCPF returns the file-safe form of a tax id: ASCII letters and
// digits only.
func SanitizeCPF(cpf string) string {
	return unsafeFileChars.ReplaceAllString(cpf, "")
}
