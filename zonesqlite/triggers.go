// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"text/template"
)

// triggerPrefix marks every trigger the engine owns. Schema validation
// treats triggers with this prefix as engine infrastructure and warns
// about any other permanent trigger on a synchronized table.
const triggerPrefix = "zonesync_"

// permissionDeniedMarker appears in the RAISE(ABORT) message of guard
// triggers; Engine.Write looks for it to surface a typed error.
const permissionDeniedMarker = "zonesync: write permission denied"

// nowMilliExpr is the current wall clock in millisecond precision,
// usable inside trigger bodies.
const nowMilliExpr = "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)"

// triggerData feeds the trigger templates for one table.
type triggerData struct {
	TableName    string
	PKExprNew    string
	PKExprOld    string
	NowMilli     string
	ParentColumn string
	ParentTable  string
	ParentPKNew  string
}

// Capture triggers record local mutations while sync is attached. They
// fire only outside remote-apply transactions (apply_mode = 0) and do two
// things: keep the metadata tombstone/modification state current, and
// coalesce the change into the pending queue. Per-field change detection
// happens later, when the pending row is flushed, by diffing the live row
// against the last observed server snapshot.

const insertTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS zonesync_{{.TableName}}_ai
AFTER INSERT ON {{.TableName}}
WHEN COALESCE((SELECT apply_mode FROM _zonesync_state WHERE id = 1), 0) = 0
BEGIN
	INSERT INTO _zonesync_meta (record_type, record_pk, record_name)
	VALUES ('{{.TableName}}', {{.PKExprNew}}, {{.PKExprNew}} || ':{{.TableName}}')
	ON CONFLICT (record_type, record_pk) DO UPDATE SET is_deleted = 0;

	UPDATE _zonesync_meta
	SET user_modification_time = MAX(user_modification_time + 1, {{.NowMilli}})
	WHERE record_type = '{{.TableName}}' AND record_pk = {{.PKExprNew}};

	INSERT INTO _zonesync_pending (record_type, record_pk, op, change_seq)
	VALUES ('{{.TableName}}', {{.PKExprNew}}, 'SAVE',
		(SELECT next_seq FROM _zonesync_state WHERE id = 1))
	ON CONFLICT (record_type, record_pk) DO UPDATE SET
		op = 'SAVE',
		change_seq = excluded.change_seq,
		queued_at = strftime('%Y-%m-%dT%H:%M:%fZ','now');

	UPDATE _zonesync_state SET next_seq = next_seq + 1 WHERE id = 1;
END`

const updateTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS zonesync_{{.TableName}}_au
AFTER UPDATE ON {{.TableName}}
WHEN COALESCE((SELECT apply_mode FROM _zonesync_state WHERE id = 1), 0) = 0
BEGIN
	INSERT INTO _zonesync_meta (record_type, record_pk, record_name)
	VALUES ('{{.TableName}}', {{.PKExprNew}}, {{.PKExprNew}} || ':{{.TableName}}')
	ON CONFLICT (record_type, record_pk) DO UPDATE SET is_deleted = 0;

	UPDATE _zonesync_meta
	SET user_modification_time = MAX(user_modification_time + 1, {{.NowMilli}})
	WHERE record_type = '{{.TableName}}' AND record_pk = {{.PKExprNew}};

	INSERT INTO _zonesync_pending (record_type, record_pk, op, change_seq)
	VALUES ('{{.TableName}}', {{.PKExprNew}}, 'SAVE',
		(SELECT next_seq FROM _zonesync_state WHERE id = 1))
	ON CONFLICT (record_type, record_pk) DO UPDATE SET
		op = 'SAVE',
		change_seq = excluded.change_seq,
		queued_at = strftime('%Y-%m-%dT%H:%M:%fZ','now');

	UPDATE _zonesync_state SET next_seq = next_seq + 1 WHERE id = 1;
END`

const deleteTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS zonesync_{{.TableName}}_ad
AFTER DELETE ON {{.TableName}}
WHEN COALESCE((SELECT apply_mode FROM _zonesync_state WHERE id = 1), 0) = 0
BEGIN
	-- Row that never reached the server: deleting it locally is a net
	-- no-op, cancel the queued save and drop the metadata.
	DELETE FROM _zonesync_pending
	WHERE record_type = '{{.TableName}}' AND record_pk = {{.PKExprOld}}
	  AND EXISTS (
		SELECT 1 FROM _zonesync_meta
		WHERE record_type = '{{.TableName}}' AND record_pk = {{.PKExprOld}}
		  AND has_last_known_server_record = 0
	  );
	DELETE FROM _zonesync_meta
	WHERE record_type = '{{.TableName}}' AND record_pk = {{.PKExprOld}}
	  AND has_last_known_server_record = 0;

	-- Otherwise keep a tombstone and queue the delete for export.
	UPDATE _zonesync_meta
	SET is_deleted = 1,
	    user_modification_time = MAX(user_modification_time + 1, {{.NowMilli}})
	WHERE record_type = '{{.TableName}}' AND record_pk = {{.PKExprOld}};

	INSERT INTO _zonesync_pending (record_type, record_pk, op, change_seq)
	SELECT '{{.TableName}}', {{.PKExprOld}}, 'DELETE',
		(SELECT next_seq FROM _zonesync_state WHERE id = 1)
	WHERE EXISTS (
		SELECT 1 FROM _zonesync_meta
		WHERE record_type = '{{.TableName}}' AND record_pk = {{.PKExprOld}}
	)
	ON CONFLICT (record_type, record_pk) DO UPDATE SET
		op = 'DELETE',
		change_seq = excluded.change_seq,
		queued_at = strftime('%Y-%m-%dT%H:%M:%fZ','now');

	UPDATE _zonesync_state SET next_seq = next_seq + 1
	WHERE id = 1 AND EXISTS (
		SELECT 1 FROM _zonesync_pending
		WHERE record_type = '{{.TableName}}' AND record_pk = {{.PKExprOld}}
	);
END`

// Guard triggers reject local writes to rows in read-only shared zones
// synchronously, before the statement takes effect. Updates and deletes
// resolve the zone through the row's own metadata; inserts can only be
// checked through the parent reference, since the new row has no metadata
// yet. A write that slips past the guards (e.g. a permission revoked
// remotely but not yet fetched) is still rejected by the server on the
// next save and rolled back then.

const guardUpdateTemplate = `CREATE TRIGGER IF NOT EXISTS zonesync_{{.TableName}}_bu
BEFORE UPDATE ON {{.TableName}}
WHEN COALESCE((SELECT apply_mode FROM _zonesync_state WHERE id = 1), 0) = 0
  AND EXISTS (
	SELECT 1 FROM _zonesync_meta m
	JOIN _zonesync_zones z ON z.zone_name = m.zone_name AND z.owner_name = m.owner_name
	WHERE m.record_type = '{{.TableName}}' AND m.record_pk = {{.PKExprOld}}
	  AND z.permission = 'readOnly'
  )
BEGIN
	SELECT RAISE(ABORT, 'zonesync: write permission denied');
END`

const guardDeleteTemplate = `CREATE TRIGGER IF NOT EXISTS zonesync_{{.TableName}}_bd
BEFORE DELETE ON {{.TableName}}
WHEN COALESCE((SELECT apply_mode FROM _zonesync_state WHERE id = 1), 0) = 0
  AND EXISTS (
	SELECT 1 FROM _zonesync_meta m
	JOIN _zonesync_zones z ON z.zone_name = m.zone_name AND z.owner_name = m.owner_name
	WHERE m.record_type = '{{.TableName}}' AND m.record_pk = {{.PKExprOld}}
	  AND z.permission = 'readOnly'
  )
BEGIN
	SELECT RAISE(ABORT, 'zonesync: write permission denied');
END`

const guardInsertTemplate = `CREATE TRIGGER IF NOT EXISTS zonesync_{{.TableName}}_bi
BEFORE INSERT ON {{.TableName}}
WHEN COALESCE((SELECT apply_mode FROM _zonesync_state WHERE id = 1), 0) = 0
  AND NEW.{{.ParentColumn}} IS NOT NULL
  AND EXISTS (
	SELECT 1 FROM _zonesync_meta m
	JOIN _zonesync_zones z ON z.zone_name = m.zone_name AND z.owner_name = m.owner_name
	WHERE m.record_type = '{{.ParentTable}}' AND m.record_pk = {{.ParentPKNew}}
	  AND z.permission = 'readOnly'
  )
BEGIN
	SELECT RAISE(ABORT, 'zonesync: write permission denied');
END`

// createTriggersForTable installs the capture and guard triggers for one
// validated table. Triggers are permanent so writes are observed on every
// pooled connection, not just the one that installed them.
func createTriggersForTable(ctx context.Context, db *sql.DB, vt *validatedTable) error {
	data := triggerData{
		TableName: vt.name,
		NowMilli:  nowMilliExpr,
		PKExprNew: pkExpr(vt.info, vt.pkCol, "NEW"),
		PKExprOld: pkExpr(vt.info, vt.pkCol, "OLD"),
	}

	templates := []struct {
		name string
		body string
	}{
		{"insert", insertTriggerTemplate},
		{"update", updateTriggerTemplate},
		{"delete", deleteTriggerTemplate},
		{"guard_update", guardUpdateTemplate},
		{"guard_delete", guardDeleteTemplate},
	}
	if vt.parent != nil {
		data.ParentColumn = vt.parent.FromColumn
		data.ParentTable = vt.parent.RefTable
		data.ParentPKNew = pkExpr(vt.info, vt.parent.FromColumn, "NEW")
		templates = append(templates, struct {
			name string
			body string
		}{"guard_insert", guardInsertTemplate})
	}

	for _, tmpl := range templates {
		t, err := template.New(tmpl.name).Parse(tmpl.body)
		if err != nil {
			return fmt.Errorf("failed to parse %s trigger template for table %s: %w", tmpl.name, vt.name, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return fmt.Errorf("failed to render %s trigger for table %s: %w", tmpl.name, vt.name, err)
		}
		if _, err := db.ExecContext(ctx, buf.String()); err != nil {
			return fmt.Errorf("failed to create %s trigger for table %s: %w", tmpl.name, vt.name, err)
		}
	}
	return nil
}

// dropTriggersForTable removes every engine-owned trigger from a table.
func dropTriggersForTable(ctx context.Context, db *sql.DB, table string) error {
	for _, suffix := range []string{"ai", "au", "ad", "bi", "bu", "bd"} {
		name := fmt.Sprintf("%s%s_%s", triggerPrefix, table, suffix)
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s", name)); err != nil {
			return fmt.Errorf("failed to drop trigger %s: %w", name, err)
		}
	}
	return nil
}

// pkExpr builds the primary-key expression used inside trigger bodies.
// BLOB keys are hex-encoded so they compare as text against metadata.
func pkExpr(info *TableInfo, pkCol, rowRef string) string {
	if col := info.Column(pkCol); col != nil && col.IsBlob() {
		return fmt.Sprintf("lower(hex(%s.%s))", rowRef, pkCol)
	}
	return fmt.Sprintf("%s.%s", rowRef, pkCol)
}

// isPermissionDenied reports whether an error came from a guard trigger.
func isPermissionDenied(err error) bool {
	return err != nil && strings.Contains(err.Error(), permissionDeniedMarker)
}

// setApplyMode flips the trigger-suppression flag. It must only be called
// inside the transaction that applies remote changes, so local writes on
// other connections keep firing triggers.
func setApplyMode(ctx context.Context, q dbtx, on bool) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO _zonesync_state (id, apply_mode) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET apply_mode = excluded.apply_mode
	`, boolInt(on))
	if err != nil {
		return fmt.Errorf("failed to set apply_mode=%t: %w", on, err)
	}
	return nil
}
