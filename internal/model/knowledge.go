package model

import (
	"encoding/json"
	"time"
)

// Preference is an approved knowledge entry keyed by (category, key).
// The pair is unique among active entries, enforced by the store schema.
type Preference struct {
	ID         string          `json:"id"`
	Category   string          `json:"category"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Source     string          `json:"source,omitempty"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Fact is a canonical-memory entry: a free-text statement grouped under
// a category. Its natural key for reconciliation is (category, content).
type Fact struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SyncBackup is an append-only pre-image of a row taken before a
// conflict-resolved update. It is never mutated and is the only
// rollback mechanism; recovery is manual replay of a backup row.
type SyncBackup struct {
	ID        string          `json:"id"`
	TableName string          `json:"table_name"`
	RecordID  string          `json:"record_id"`
	Snapshot  json.RawMessage `json:"backup_data"`
	CreatedAt time.Time       `json:"created_at"`
}
