// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"context"
	"testing"
)

func TestColumnMapperTranslatesBothDirections(t *testing.T) {
	m, err := newColumnMapper([]ColumnMapping{
		{Table: "reminders", OldColumn: "done", NewColumn: "is_completed"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := m.LocalName("reminders", "done"); got != "is_completed" {
		t.Errorf("LocalName(done) = %q", got)
	}
	if got := m.LocalName("reminders", "title"); got != "title" {
		t.Errorf("unmapped field changed: %q", got)
	}
	if got := m.LocalName("lists", "done"); got != "done" {
		t.Errorf("mapping leaked into other table: %q", got)
	}

	old, ok := m.OldName("reminders", "is_completed")
	if !ok || old != "done" {
		t.Errorf("OldName(is_completed) = %q, %t", old, ok)
	}
	if _, ok := m.OldName("reminders", "title"); ok {
		t.Error("OldName reported a rename for an unmapped column")
	}
}

func TestColumnMapperCaseInsensitive(t *testing.T) {
	m, err := newColumnMapper([]ColumnMapping{
		{Table: "Reminders", OldColumn: "Done", NewColumn: "Is_Completed"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := m.LocalName("reminders", "DONE"); got != "is_completed" {
		t.Errorf("LocalName(DONE) = %q", got)
	}
}

func TestColumnMapperRejectsBadConfigurations(t *testing.T) {
	tests := []struct {
		name     string
		mappings []ColumnMapping
	}{
		{"missing table", []ColumnMapping{{OldColumn: "a", NewColumn: "b"}}},
		{"self mapping", []ColumnMapping{{Table: "t", OldColumn: "a", NewColumn: "a"}}},
		{"conflicting targets", []ColumnMapping{
			{Table: "t", OldColumn: "a", NewColumn: "b"},
			{Table: "t", OldColumn: "a", NewColumn: "c"},
		}},
		{"chained renames", []ColumnMapping{
			{Table: "t", OldColumn: "a", NewColumn: "b"},
			{Table: "t", OldColumn: "b", NewColumn: "c"},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := newColumnMapper(tc.mappings); err == nil {
				t.Errorf("newColumnMapper(%+v) accepted invalid config", tc.mappings)
			}
		})
	}
}

func TestMigrateFieldTimes(t *testing.T) {
	m, err := newColumnMapper([]ColumnMapping{
		{Table: "reminders", OldColumn: "done", NewColumn: "is_completed"},
	})
	if err != nil {
		t.Fatal(err)
	}

	times := map[string]int64{"done": 10, "title": 5}
	m.MigrateFieldTimes("reminders", times)
	if times["is_completed"] != 10 {
		t.Errorf("timestamp not migrated: %v", times)
	}
	if _, ok := times["done"]; ok {
		t.Errorf("old key survived: %v", times)
	}
	if times["title"] != 5 {
		t.Errorf("unrelated timestamp touched: %v", times)
	}

	// A post-rename modification under the new name must not be rolled
	// back by an older timestamp under the old name.
	times = map[string]int64{"done": 10, "is_completed": 20}
	m.MigrateFieldTimes("reminders", times)
	if times["is_completed"] != 20 {
		t.Errorf("newer timestamp overwritten: %v", times)
	}
}

func TestApplyModeContext(t *testing.T) {
	ctx := context.Background()
	if applyModeOn(ctx) {
		t.Error("plain context reports apply mode")
	}
	if !applyModeOn(withApplyMode(ctx)) {
		t.Error("marked context does not report apply mode")
	}
}
