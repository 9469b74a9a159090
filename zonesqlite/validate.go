// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mobiletoly/go-zonesync/zonesync"
)

// validatedTable pairs a registration with its introspection snapshot and
// resolved key columns.
type validatedTable struct {
	reg     SyncTable
	info    *TableInfo
	name    string // lowercase table name
	pkCol   string
	parent  *ForeignKeyInfo // hierarchical parent FK, nil for root tables
	declIdx int
}

// validateSchema inspects the live schema for every registered table and
// fails fast on the first violation, in table-declaration order. Violations
// surface as *zonesync.SchemaError.
func validateSchema(db *sql.DB, cfg *Config, provider *tableInfoProvider, logger *slog.Logger) ([]*validatedTable, error) {
	synced := make(map[string]bool, len(cfg.Tables))
	for _, reg := range cfg.Tables {
		synced[strings.ToLower(reg.TableName)] = true
	}

	unsynced := make(map[string]bool, len(cfg.UnsyncedTables))
	for _, name := range cfg.UnsyncedTables {
		name = strings.ToLower(name)
		if synced[name] {
			return nil, fmt.Errorf("table %s is both registered for sync and listed in UnsyncedTables", name)
		}
		unsynced[name] = true
	}
	if err := validateUnsyncedTables(db, unsynced, synced, provider); err != nil {
		return nil, err
	}

	tables := make([]*validatedTable, 0, len(cfg.Tables))
	for i, reg := range cfg.Tables {
		if char, ok := firstInvalidIdentifierChar(reg.TableName); ok {
			return nil, zonesync.NewInvalidTableName(char)
		}

		name := strings.ToLower(reg.TableName)
		info, err := provider.Get(db, name)
		if err != nil {
			return nil, fmt.Errorf("failed to introspect table %s: %w", reg.TableName, err)
		}

		for _, fk := range info.ForeignKeys {
			if !actionAllowed(fk.OnDelete) || !updateActionAllowed(fk.OnUpdate) {
				return nil, zonesync.NewInvalidForeignKeyAction(name, fk.FromColumn)
			}
			if !synced[fk.RefTable] {
				return nil, zonesync.NewInvalidForeignKey(name, fk.FromColumn, fk.RefTable)
			}
		}

		if len(info.UniqueIndexes) > 0 {
			return nil, zonesync.NewUniquenessConstraint()
		}

		for _, trigger := range info.Triggers {
			if strings.HasPrefix(trigger, triggerPrefix) {
				continue // engine-owned
			}
			logger.Warn("Permanent trigger on synchronized table; it will also fire for remote-origin writes",
				"table", name, "trigger", trigger)
		}

		vt := &validatedTable{
			reg:     reg,
			info:    info,
			name:    name,
			pkCol:   reg.syncKeyColumn(info),
			declIdx: i,
		}
		vt.parent = resolveParentKey(vt, synced)
		tables = append(tables, vt)
	}

	if hasCycle(tables) {
		return nil, zonesync.NewCycleDetected()
	}
	return tables, nil
}

// validateUnsyncedTables checks that no explicitly local-only table
// cascades off a synchronized one: account wipes and zone deletions delete
// synchronized rows, and a CASCADE foreign key would carry the deletion
// into the table the caller asked the engine to leave alone. Tables that
// do not exist yet are skipped.
func validateUnsyncedTables(db *sql.DB, unsynced, synced map[string]bool, provider *tableInfoProvider) error {
	for name := range unsynced {
		info, err := provider.Get(db, name)
		if err != nil {
			continue
		}
		for _, fk := range info.ForeignKeys {
			if synced[fk.RefTable] && strings.ToUpper(fk.OnDelete) == "CASCADE" {
				return fmt.Errorf("unsynced table %s cascades deletes from synchronized table %s; use SET NULL or remove the foreign key",
					name, fk.RefTable)
			}
		}
	}
	return nil
}

// firstInvalidIdentifierChar finds the first character outside the
// identifier allow-set (ASCII letters, digits, underscore).
func firstInvalidIdentifierChar(name string) (rune, bool) {
	for _, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_'
		if !valid {
			return r, true
		}
	}
	return 0, false
}

// resolveParentKey picks the hierarchical-parent foreign key: the explicit
// registration when present, otherwise the first declared FK referencing a
// synchronized table.
func resolveParentKey(vt *validatedTable, synced map[string]bool) *ForeignKeyInfo {
	if vt.reg.ParentKeyColumnName != "" {
		for i := range vt.info.ForeignKeys {
			if strings.EqualFold(vt.info.ForeignKeys[i].FromColumn, vt.reg.ParentKeyColumnName) {
				return &vt.info.ForeignKeys[i]
			}
		}
		return nil
	}
	for i := range vt.info.ForeignKeys {
		if synced[vt.info.ForeignKeys[i].RefTable] {
			return &vt.info.ForeignKeys[i]
		}
	}
	return nil
}

// hasCycle detects cycles in the synchronized-table dependency graph,
// including self-references.
func hasCycle(tables []*validatedTable) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	adjacent := make(map[string][]string, len(tables))
	for _, vt := range tables {
		for _, fk := range vt.info.ForeignKeys {
			adjacent[vt.name] = append(adjacent[vt.name], fk.RefTable)
		}
	}

	state := make(map[string]int, len(tables))
	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			return true
		case done:
			return false
		}
		state[node] = visiting
		for _, next := range adjacent[node] {
			if visit(next) {
				return true
			}
		}
		state[node] = done
		return false
	}

	for _, vt := range tables {
		if visit(vt.name) {
			return true
		}
	}
	return false
}
