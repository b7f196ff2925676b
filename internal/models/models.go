// Package models defines the core data structures of the bicycle parking:
// clients, their bicycles, check-in/out records, users, categories, audit
// entries and pending sync operations.
package models

import "encoding/json"

// Client is a registered bicycle owner.
type Client struct {
	// ID is the unique identifier for the client.
	ID string `json:"id"`
	// CPF is the client's tax id, unique across clients.
	CPF string `json:"cpf"`
	// Name is the display name.
	Name string `json:"nome"`
	// Phone is a free-form phone number.
	Phone string `json:"telefone"`
	// Category is a label from the category map.
	Category string `json:"categoria"`
	// Comments holds operator notes.
	Comments string `json:"comentarios"`
	// Active is false for clients whose access was disabled.
	Active bool `json:"ativo"`
	// RegisteredAt is the registration date shown to operators.
	RegisteredAt Timestamp `json:"dataCadastro"`
	CreatedAt    Timestamp `json:"criadoEm"`
	UpdatedAt    Timestamp `json:"atualizadoEm"`
	// Bicycles is populated on read and accepted on save. It is never part
	// of the client's own stored representation.
	Bicycles []Bicycle `json:"bicicletas"`
}

// Bicycle belongs to exactly one client.
type Bicycle struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clienteId"`
	Description string    `json:"descricao"`
	Brand       string    `json:"marca"`
	Model       string    `json:"modelo"`
	Color       string    `json:"cor"`
	WheelSize   string    `json:"aro"`
	Active      bool      `json:"ativa"`
	CreatedAt   Timestamp `json:"criadaEm"`
	UpdatedAt   Timestamp `json:"atualizadaEm"`
}

// Record is a single check-in/check-out event.
type Record struct {
	// ID is the unique identifier for the record.
	ID string `json:"id"`
	// ClientID references the client that checked in.
	ClientID string `json:"clienteId"`
	// BicycleID references the parked bicycle.
	BicycleID string `json:"bicicletaId"`
	// EntryAt is required.
	EntryAt Timestamp `json:"dataHoraEntrada"`
	// ExitAt is zero while the bicycle is still parked.
	ExitAt Timestamp `json:"dataHoraSaida"`
	// Overnight marks a stay past closing time.
	Overnight bool `json:"pernoite"`
	// AccessRevoked marks a record closed by an operator instead of a checkout.
	AccessRevoked bool `json:"acessoRemovido"`
	// OriginalRecordID points to the record this one corrects.
	OriginalRecordID string    `json:"registroOriginalId,omitempty"`
	CreatedBy        string    `json:"criadoPor,omitempty"`
	CreatedAt        Timestamp `json:"criadoEm"`
	UpdatedAt        Timestamp `json:"atualizadoEm"`

	// ClientName and ClientCPF are filled on read for reporting.
	ClientName string `json:"clienteNome,omitempty"`
	ClientCPF  string `json:"clienteCpf,omitempty"`
}

// Role is the access level of a user.
type Role string

const (
	// RoleAdmin may administer storage, backups and users.
	RoleAdmin Role = "admin"
	// RoleOwner is the parking owner.
	RoleOwner Role = "dono"
	// RoleEmployee is the default role.
	RoleEmployee Role = "funcionario"
)

// User is an operator account.
type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"password_hash,omitempty"`
	Name         string          `json:"nome"`
	Role         Role            `json:"tipo"`
	Active       bool            `json:"ativo"`
	Permissions  json.RawMessage `json:"permissoes,omitempty"`
	CreatedAt    Timestamp       `json:"criadoEm"`
	UpdatedAt    Timestamp       `json:"atualizadoEm"`
}

// AuditEntry is an append-only log line.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"usuario"`
	Action    string    `json:"acao"`
	Detail    *string   `json:"detalhes"`
	Timestamp Timestamp `json:"timestamp"`
}

// PendingSyncOp is a mutation queued for an external replication consumer.
type PendingSyncOp struct {
	ID         int64           `json:"id"`
	EntityType string          `json:"tipo"`
	Operation  SyncOperation   `json:"operacao"`
	Payload    json.RawMessage `json:"dados"`
	Timestamp  Timestamp       `json:"timestamp"`
	Consumed   bool            `json:"sincronizado"`
}

// SyncOperation is the kind of queued mutation.
type SyncOperation string

const (
	SyncSave   SyncOperation = "save"
	SyncDelete SyncOperation = "delete"
)

// StorageMode selects the authoritative backend.
type StorageMode string

const (
	// ModeDatabase stores everything in the relational database.
	ModeDatabase StorageMode = "sqlite"
	// ModeFiles stores everything in the JSON file tree.
	ModeFiles StorageMode = "json"
)

// Valid reports whether m is one of the known modes.
func (m StorageMode) Valid() bool {
	return m == ModeDatabase || m == ModeFiles
}

// Counts holds the number of stored entities per type.
type Counts struct {
	Clients    int `json:"clientes"`
	Bicycles   int `json:"bicicletas"`
	Records    int `json:"registros"`
	Categories int `json:"categorias"`
	Users      int `json:"usuarios"`
}

// StorageStats describes both backends for the storage status endpoint.
type StorageStats struct {
	Mode              StorageMode `json:"storage_mode"`
	DatabaseType      string      `json:"database_type"`
	DatabaseAvailable bool        `json:"database_available"`
	Database          *Counts     `json:"sqlite,omitempty"`
	Files             *Counts     `json:"json,omitempty"`
	LastMigrationDate string      `json:"last_migration_date,omitempty"`
	MigrationStatus   string      `json:"migration_status"`
}

// ClearResult reports a bulk wipe.
type ClearResult struct {
	Success bool   `json:"success"`
	Deleted int    `json:"deleted"`
	Error   string `json:"error,omitempty"`
}
