// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import "time"

// SyncTable registers one local table for synchronization.
type SyncTable struct {
	TableName         string // table name (e.g. "reminders")
	SyncKeyColumnName string // primary key column (empty defaults to "id")

	// ParentKeyColumnName designates the foreign key that determines remote
	// record-tree nesting. Empty means the first declared foreign key
	// referencing a synchronized table.
	ParentKeyColumnName string
}

// ColumnMapping declares a bidirectional shadow between an old and a new
// column during a schema transition window. Mappings are evaluated inside
// the same transaction as the write that touched the row; for writes of
// remote origin only the missing side is filled in.
type ColumnMapping struct {
	Table     string
	OldColumn string
	NewColumn string
}

// Config holds configuration for the SQLite sync engine.
type Config struct {
	Tables []SyncTable

	// UnsyncedTables are explicitly local-only: never exported, never
	// touched by account wipes or zone-deletion cascades.
	UnsyncedTables []string

	DefaultZoneName string // zone for rows created outside any shared zone

	UploadLimit   int // pending rows per outbound pass
	DownloadLimit int // records per inbound fetch page

	BackoffMin time.Duration
	BackoffMax time.Duration

	// AtomicByZone submits each per-zone batch as a single all-or-nothing
	// remote operation. Without it, batches may be split and partial
	// failures retried independently per record.
	AtomicByZone bool

	// InlineAssetLimit is the largest BLOB field exported inline; larger
	// payloads are stored out of line through the asset collaborator.
	InlineAssetLimit int

	ColumnMappings []ColumnMapping
}

// DefaultConfig returns a configuration for the given tables with the
// limits and backoff the engine ships with.
func DefaultConfig(tables []SyncTable) *Config {
	return &Config{
		Tables:           tables,
		DefaultZoneName:  "zone",
		UploadLimit:      200,
		DownloadLimit:    400,
		BackoffMin:       1 * time.Second,
		BackoffMax:       60 * time.Second,
		AtomicByZone:     true,
		InlineAssetLimit: 1 << 20,
	}
}

// syncKeyColumn resolves the primary key column for a registration.
func (t SyncTable) syncKeyColumn(info *TableInfo) string {
	if t.SyncKeyColumnName != "" {
		return t.SyncKeyColumnName
	}
	if info != nil && info.PrimaryKey != nil {
		return info.PrimaryKey.Name
	}
	return "id"
}
