// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-zonesync/zonesync"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	// A second pooled connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustExec(t *testing.T, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

func validateTables(t *testing.T, db *sql.DB, tables ...SyncTable) ([]*validatedTable, error) {
	t.Helper()
	cfg := DefaultConfig(tables)
	return validateSchema(db, cfg, newTableInfoProvider(), discardLogger())
}

func requireSchemaError(t *testing.T, err error, reason zonesync.SchemaErrorReason, description string) {
	t.Helper()
	var schemaErr *zonesync.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected *zonesync.SchemaError, got %v", err)
	}
	if schemaErr.Reason != reason {
		t.Errorf("reason = %q, want %q", schemaErr.Reason, reason)
	}
	if schemaErr.DebugDescription != description {
		t.Errorf("debugDescription = %q, want %q", schemaErr.DebugDescription, description)
	}
}

func TestValidateRejectsInvalidTableName(t *testing.T) {
	db := openTestDB(t)
	_, err := validateTables(t, db, SyncTable{TableName: "remind:ers"})
	requireSchemaError(t, err, zonesync.ReasonInvalidTableName,
		"Table name contains invalid character ':'")
}

func TestValidateRejectsUnsupportedForeignKeyAction(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE lists (id TEXT PRIMARY KEY)`,
		`CREATE TABLE reminders (
			id TEXT PRIMARY KEY,
			list_id TEXT REFERENCES lists(id) ON DELETE RESTRICT
		)`,
	)
	_, err := validateTables(t, db,
		SyncTable{TableName: "lists"}, SyncTable{TableName: "reminders"})
	requireSchemaError(t, err, zonesync.ReasonInvalidForeignKeyAction,
		`Foreign key "reminders"."list_id" action not supported. Must be 'CASCADE', 'SET DEFAULT' or 'SET NULL'.`)
}

func TestValidateAcceptsDefaultUpdateAction(t *testing.T) {
	db := openTestDB(t)
	// SQLite reports NO ACTION for a foreign key with no ON UPDATE clause,
	// the shape nearly every schema declares.
	mustExec(t, db,
		`CREATE TABLE lists (id TEXT PRIMARY KEY)`,
		`CREATE TABLE reminders (
			id TEXT PRIMARY KEY,
			list_id TEXT REFERENCES lists(id) ON DELETE CASCADE
		)`,
	)
	if _, err := validateTables(t, db,
		SyncTable{TableName: "lists"}, SyncTable{TableName: "reminders"}); err != nil {
		t.Fatalf("default update action should validate: %v", err)
	}
}

func TestValidateRejectsUpdateRestrict(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE lists (id TEXT PRIMARY KEY)`,
		`CREATE TABLE reminders (
			id TEXT PRIMARY KEY,
			list_id TEXT REFERENCES lists(id) ON DELETE CASCADE ON UPDATE RESTRICT
		)`,
	)
	_, err := validateTables(t, db,
		SyncTable{TableName: "lists"}, SyncTable{TableName: "reminders"})
	requireSchemaError(t, err, zonesync.ReasonInvalidForeignKeyAction,
		`Foreign key "reminders"."list_id" action not supported. Must be 'CASCADE', 'SET DEFAULT' or 'SET NULL'.`)
}

func TestValidateRejectsForeignKeyToUnsyncedTable(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE lists (id TEXT PRIMARY KEY)`,
		`CREATE TABLE reminders (
			id TEXT PRIMARY KEY,
			list_id TEXT REFERENCES lists(id) ON DELETE CASCADE
		)`,
	)
	// Only "reminders" is registered; its FK target is not.
	_, err := validateTables(t, db, SyncTable{TableName: "reminders"})
	requireSchemaError(t, err, zonesync.ReasonInvalidForeignKey,
		`Foreign key "reminders"."list_id" references table "lists" that is not synchronized. Update initialization to synchronize "lists".`)
}

func TestValidateRejectsUnsyncedTableCascadingFromSynced(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE lists (id TEXT PRIMARY KEY)`,
		`CREATE TABLE drafts (
			id TEXT PRIMARY KEY,
			list_id TEXT REFERENCES lists(id) ON DELETE CASCADE
		)`,
	)
	cfg := DefaultConfig([]SyncTable{{TableName: "lists"}})
	// A table that does not exist yet is fine; the cascade off a
	// synchronized table is not, an account wipe would empty it.
	cfg.UnsyncedTables = []string{"drafts", "not_created_yet"}
	_, err := validateSchema(db, cfg, newTableInfoProvider(), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "drafts") {
		t.Fatalf("err = %v, want cascade rejection for drafts", err)
	}
}

func TestValidateRejectsTableListedBothWays(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE lists (id TEXT PRIMARY KEY)`)
	cfg := DefaultConfig([]SyncTable{{TableName: "lists"}})
	cfg.UnsyncedTables = []string{"lists"}
	_, err := validateSchema(db, cfg, newTableInfoProvider(), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "UnsyncedTables") {
		t.Fatalf("err = %v, want rejection of table listed both ways", err)
	}
}

func TestValidateRejectsUniquenessConstraint(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE tags (id TEXT PRIMARY KEY, title TEXT NOT NULL UNIQUE)`,
	)
	_, err := validateTables(t, db, SyncTable{TableName: "tags"})
	requireSchemaError(t, err, zonesync.ReasonUniquenessConstraint,
		"Uniqueness constraints are not supported for synchronized tables.")
}

func TestValidateRejectsSelfReferenceCycle(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE employees (
			id TEXT PRIMARY KEY,
			manager_id TEXT REFERENCES employees(id) ON DELETE SET NULL
		)`,
	)
	_, err := validateTables(t, db, SyncTable{TableName: "employees"})
	requireSchemaError(t, err, zonesync.ReasonCycleDetected,
		"Cycles are not currently permitted in schemas, e.g. a table that references itself.")
}

func TestValidateRejectsMutualCycle(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE a (id TEXT PRIMARY KEY, b_id TEXT REFERENCES b(id) ON DELETE CASCADE)`,
		`CREATE TABLE b (id TEXT PRIMARY KEY, a_id TEXT REFERENCES a(id) ON DELETE CASCADE)`,
	)
	_, err := validateTables(t, db, SyncTable{TableName: "a"}, SyncTable{TableName: "b"})
	var schemaErr *zonesync.SchemaError
	if !errors.As(err, &schemaErr) || schemaErr.Reason != zonesync.ReasonCycleDetected {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateResolvesParentKey(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE lists (id TEXT PRIMARY KEY)`,
		`CREATE TABLE reminders (
			id TEXT PRIMARY KEY,
			title TEXT,
			list_id TEXT REFERENCES lists(id) ON DELETE CASCADE
		)`,
	)
	tables, err := validateTables(t, db,
		SyncTable{TableName: "lists"}, SyncTable{TableName: "reminders"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	var reminders *validatedTable
	for _, vt := range tables {
		if vt.name == "reminders" {
			reminders = vt
		}
	}
	if reminders == nil {
		t.Fatal("reminders not in validated set")
	}
	if reminders.parent == nil {
		t.Fatal("parent key not resolved")
	}
	if reminders.parent.FromColumn != "list_id" || reminders.parent.RefTable != "lists" {
		t.Errorf("parent = %q -> %q, want list_id -> lists",
			reminders.parent.FromColumn, reminders.parent.RefTable)
	}
	if reminders.pkCol != "id" {
		t.Errorf("pkCol = %q, want id", reminders.pkCol)
	}
}

func TestValidateExplicitParentKeyOverride(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE folders (id TEXT PRIMARY KEY)`,
		`CREATE TABLE docs (
			id TEXT PRIMARY KEY,
			folder_id TEXT REFERENCES folders(id) ON DELETE CASCADE,
			template_id TEXT REFERENCES folders(id) ON DELETE SET NULL
		)`,
	)
	tables, err := validateTables(t, db,
		SyncTable{TableName: "folders"},
		SyncTable{TableName: "docs", ParentKeyColumnName: "template_id"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	docs := tables[1]
	if docs.parent == nil || docs.parent.FromColumn != "template_id" {
		t.Fatalf("explicit parent key not honored: %+v", docs.parent)
	}
}

func TestValidateIgnoresEngineTriggers(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`,
		`CREATE TRIGGER zonesync_notes_probe AFTER INSERT ON notes BEGIN SELECT 1; END`,
	)
	if _, err := validateTables(t, db, SyncTable{TableName: "notes"}); err != nil {
		t.Fatalf("engine-prefixed trigger should not fail validation: %v", err)
	}
}
