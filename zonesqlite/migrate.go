// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"context"
	"fmt"
	"strings"
)

type ctxKey int

const applyModeCtxKey ctxKey = iota

// withApplyMode marks a context as belonging to a remote-apply
// transaction. Code on the apply path uses this to interpret incoming
// field names through the configured column mappings.
func withApplyMode(ctx context.Context) context.Context {
	return context.WithValue(ctx, applyModeCtxKey, true)
}

// applyModeOn reports whether the context belongs to a remote-apply
// transaction.
func applyModeOn(ctx context.Context) bool {
	on, _ := ctx.Value(applyModeCtxKey).(bool)
	return on
}

// columnMapper resolves renamed columns declaratively. After a local
// schema migration renames a column, records written by older clients
// still carry the old field name; the mapper translates both directions
// so causal timestamps and server snapshots survive the rename.
type columnMapper struct {
	// table -> old name -> new name, all lower-cased
	forward map[string]map[string]string
	// table -> new name -> old name
	reverse map[string]map[string]string
}

func newColumnMapper(mappings []ColumnMapping) (*columnMapper, error) {
	m := &columnMapper{
		forward: map[string]map[string]string{},
		reverse: map[string]map[string]string{},
	}
	for _, cm := range mappings {
		table := strings.ToLower(cm.Table)
		oldCol := strings.ToLower(cm.OldColumn)
		newCol := strings.ToLower(cm.NewColumn)
		if table == "" || oldCol == "" || newCol == "" {
			return nil, fmt.Errorf("column mapping must name table, old column and new column: %+v", cm)
		}
		if oldCol == newCol {
			return nil, fmt.Errorf("column mapping for %s maps %q to itself", table, oldCol)
		}
		if m.forward[table] == nil {
			m.forward[table] = map[string]string{}
			m.reverse[table] = map[string]string{}
		}
		if prev, ok := m.forward[table][oldCol]; ok && prev != newCol {
			return nil, fmt.Errorf("conflicting column mappings for %s.%s: %q and %q", table, oldCol, prev, newCol)
		}
		m.forward[table][oldCol] = newCol
		m.reverse[table][newCol] = oldCol
	}
	// Reject chains (a->b plus b->c): each rename must map directly from
	// the name remote records actually carry.
	for table, renames := range m.forward {
		for oldCol, newCol := range renames {
			if _, chained := renames[newCol]; chained {
				return nil, fmt.Errorf("chained column mappings for %s: %q -> %q -> %q", table, oldCol, newCol, renames[newCol])
			}
		}
	}
	return m, nil
}

// LocalName maps an incoming record field to the current local column
// name. Fields that were never renamed pass through unchanged.
func (m *columnMapper) LocalName(table, field string) string {
	if renames, ok := m.forward[strings.ToLower(table)]; ok {
		if newCol, ok := renames[strings.ToLower(field)]; ok {
			return newCol
		}
	}
	return field
}

// OldName returns the pre-rename name of a current column, if one exists.
func (m *columnMapper) OldName(table, field string) (string, bool) {
	if renames, ok := m.reverse[strings.ToLower(table)]; ok {
		if oldCol, ok := renames[strings.ToLower(field)]; ok {
			return oldCol, true
		}
	}
	return "", false
}

// MigrateFieldTimes moves causal timestamps stored under pre-rename field
// names to the current names. A timestamp already present under the new
// name wins; it reflects a modification made after the rename.
func (m *columnMapper) MigrateFieldTimes(table string, times map[string]int64) {
	renames, ok := m.forward[strings.ToLower(table)]
	if !ok {
		return
	}
	for oldCol, newCol := range renames {
		ts, ok := times[oldCol]
		if !ok {
			continue
		}
		if existing, ok := times[newCol]; !ok || ts > existing {
			times[newCol] = ts
		}
		delete(times, oldCol)
	}
}
