package api

import (
	"encoding/json"
	"time"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// FieldDefinition describes one column of a table. Type is a codec type
// name (int64, string, ...); ref fields also name the target table and its
// key type.
type FieldDefinition struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	RefTable string `json:"ref_table,omitempty"`
	RefType  string `json:"ref_type,omitempty"`
}

// TableDefinition is the body of POST /tables and the schema part of a
// table description.
type TableDefinition struct {
	Name   string            `json:"name"`
	Key    string            `json:"key"`
	Fields []FieldDefinition `json:"fields"`
}

// TableInfo describes a table and its current size.
type TableInfo struct {
	TableDefinition
	Rows  int   `json:"rows"`
	Bytes int64 `json:"bytes"`
}

// Operation is one staged change in a transaction request. Rows are
// relaxed Extended JSON objects keyed by field name.
type Operation struct {
	Op    string          `json:"op"` // insert, upsert, update or delete
	Table string          `json:"table"`
	Key   string          `json:"key,omitempty"`
	Row   json.RawMessage `json:"row,omitempty"`
}

// TransactionRequest is the body of POST /transactions. All operations
// commit together or not at all.
type TransactionRequest struct {
	Operations []Operation `json:"operations"`
}

// TransactionResult reports a committed transaction.
type TransactionResult struct {
	ID         string `json:"id"`
	Operations int    `json:"operations"`
}

// ScanResult is one page of rows.
type ScanResult struct {
	Rows      []json.RawMessage `json:"rows"`
	Truncated bool              `json:"truncated"`
}

// ImportResult reports a committed import.
type ImportResult struct {
	Table string `json:"table"`
	Rows  int    `json:"rows"`
}

// CreateKeyRequest is the body of POST /keys.
type CreateKeyRequest struct {
	Description string `json:"description"`
	TTL         string `json:"ttl,omitempty"` // Go duration, empty for no expiry
}

// APIKey is a stored API key. Token is only ever returned on creation.
type APIKey struct {
	ID          string     `json:"id"`
	Token       string     `json:"token,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// ServerConfig holds configuration for the API server
type ServerConfig struct {
	Bind   string
	Port   int
	APIKey string // admin key; also the only key allowed to manage keys
}
