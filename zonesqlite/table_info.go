// Package zonesqlite implements the go-zonesync synchronization engine over
// a SQLite local store: schema validation, trigger-based change capture,
// per-row sync metadata, outbound change production, inbound change
// application with field-level conflict resolution, and zone/share
// bookkeeping.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo holds information about a table column.
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
	DefaultValue *string
}

// IsBlob returns true if this column should be treated as BLOB data.
func (c *ColumnInfo) IsBlob() bool {
	return strings.Contains(strings.ToLower(c.DeclaredType), "blob")
}

func lower(s string) string {
	return strings.ToLower(s)
}

// ForeignKeyInfo describes one foreign key column of a table.
type ForeignKeyInfo struct {
	FromColumn string
	RefTable   string
	RefColumn  string // empty when the FK references the parent's primary key implicitly
	OnUpdate   string
	OnDelete   string
	NotNull    bool
}

// actionAllowed reports whether an ON DELETE action is on the engine's
// allow-list. NO ACTION and RESTRICT cannot be mirrored on the remote side
// and are rejected at validation.
func actionAllowed(action string) bool {
	switch strings.ToUpper(action) {
	case "CASCADE", "SET NULL", "SET DEFAULT":
		return true
	default:
		return false
	}
}

// updateActionAllowed reports whether an ON UPDATE action is acceptable.
// SQLite reports NO ACTION for every foreign key that omits an ON UPDATE
// clause, and sync keys are immutable, so NO ACTION is fine here; only an
// explicit RESTRICT is rejected.
func updateActionAllowed(action string) bool {
	return strings.ToUpper(action) != "RESTRICT"
}

// TableInfo holds the introspection snapshot of one table: columns,
// primary key, foreign keys, unique indexes beyond the primary key, and
// permanent triggers. Recomputed at engine start and after any detected
// schema change.
type TableInfo struct {
	Table            string
	Columns          []ColumnInfo
	PrimaryKey       *ColumnInfo
	ForeignKeys      []ForeignKeyInfo
	UniqueIndexes    []string
	Triggers         []string
	ColumnNamesLower []string
}

// Column returns the column with the given name (case-insensitive), or nil.
func (t *TableInfo) Column(name string) *ColumnInfo {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// tableInfoProvider caches introspection snapshots per table. The cache is
// engine-owned, not global, so two engines over different databases never
// see each other's snapshots.
type tableInfoProvider struct {
	mu    sync.RWMutex
	cache map[string]*TableInfo
}

func newTableInfoProvider() *tableInfoProvider {
	return &tableInfoProvider{cache: make(map[string]*TableInfo)}
}

func (p *tableInfoProvider) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]*TableInfo)
}

// Get retrieves table information, using the cache when available.
func (p *tableInfoProvider) Get(q queryer, tableName string) (*TableInfo, error) {
	key := strings.ToLower(tableName)

	p.mu.RLock()
	if info, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return info, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.cache[key]; ok {
		return info, nil
	}

	info, err := introspectTable(q, key)
	if err != nil {
		return nil, err
	}
	p.cache[key] = info
	return info, nil
}

func introspectTable(q queryer, table string) (*TableInfo, error) {
	info := &TableInfo{Table: table}

	rows, err := q.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, declaredType string
		var notNull, pk int
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}

		var defaultVal *string
		if defaultValue.Valid {
			defaultVal = &defaultValue.String
		}
		col := ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			IsPrimaryKey: pk == 1,
			NotNull:      notNull == 1,
			DefaultValue: defaultVal,
		}
		info.Columns = append(info.Columns, col)
		info.ColumnNamesLower = append(info.ColumnNamesLower, strings.ToLower(name))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	for i := range info.Columns {
		if info.Columns[i].IsPrimaryKey {
			info.PrimaryKey = &info.Columns[i]
			break
		}
	}

	if info.ForeignKeys, err = introspectForeignKeys(q, table, info); err != nil {
		return nil, err
	}
	if info.UniqueIndexes, err = introspectUniqueIndexes(q, table); err != nil {
		return nil, err
	}
	if info.Triggers, err = introspectTriggers(q, table); err != nil {
		return nil, err
	}
	return info, nil
}

func introspectForeignKeys(q queryer, table string, info *TableInfo) ([]ForeignKeyInfo, error) {
	rows, err := q.Query(fmt.Sprintf("PRAGMA foreign_key_list(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to get foreign keys for %s: %w", table, err)
	}
	defer rows.Close()

	var fks []ForeignKeyInfo
	for rows.Next() {
		var id, seq int
		var refTable, from string
		var to sql.NullString
		var onUpdate, onDelete, match string

		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}

		fk := ForeignKeyInfo{
			FromColumn: from,
			RefTable:   strings.ToLower(refTable),
			OnUpdate:   strings.ToUpper(onUpdate),
			OnDelete:   strings.ToUpper(onDelete),
		}
		if to.Valid {
			fk.RefColumn = to.String
		}
		if col := info.Column(from); col != nil {
			fk.NotNull = col.NotNull
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// introspectUniqueIndexes returns the names of unique indexes that do not
// back the primary key.
func introspectUniqueIndexes(q queryer, table string) ([]string, error) {
	rows, err := q.Query(fmt.Sprintf("PRAGMA index_list(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to get index list for %s: %w", table, err)
	}
	defer rows.Close()

	var unique []string
	for rows.Next() {
		var seq int
		var name, origin string
		var isUnique, partial int

		if err := rows.Scan(&seq, &name, &isUnique, &origin, &partial); err != nil {
			return nil, fmt.Errorf("failed to scan index info: %w", err)
		}
		if isUnique == 1 && origin != "pk" {
			unique = append(unique, name)
		}
	}
	return unique, rows.Err()
}

// introspectTriggers lists permanent triggers on the table. Temporary
// triggers live in sqlite_temp_master and are deliberately not reported;
// they are sync-internal.
func introspectTriggers(q queryer, table string) ([]string, error) {
	rows, err := q.Query(
		`SELECT name FROM sqlite_master WHERE type = 'trigger' AND tbl_name = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers for %s: %w", table, err)
	}
	defer rows.Close()

	var triggers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan trigger name: %w", err)
		}
		triggers = append(triggers, name)
	}
	return triggers, rows.Err()
}
