// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/mobiletoly/go-zonesync/zonesync"
)

// ProcessRemoteChanges fetches and applies remote changes for one scope,
// page by page, advancing the stored change token after each page. It
// returns the number of records and deletions applied.
func (e *Engine) ProcessRemoteChanges(ctx context.Context, scope zonesync.Scope) (int, error) {
	total := 0
	for {
		token, err := e.meta.ChangeToken(ctx, e.db, scope)
		if err != nil {
			return total, err
		}
		batch, err := e.remote.FetchChanges(ctx, scope, token, e.cfg.DownloadLimit)
		if err != nil {
			return total, fmt.Errorf("failed to fetch changes for scope %s: %w", scope, err)
		}

		n, err := e.applyBatch(ctx, scope, batch)
		total += n
		if err != nil {
			return total, err
		}
		if !batch.HasMore {
			return total, nil
		}
	}
}

// applyBatch applies one page of remote changes in a single transaction:
// either the whole page lands together with its new change token, or none
// of it does and the page is re-fetched later. Capture triggers are
// suppressed for the duration and foreign key checks are deferred to
// commit, so records can arrive in any order the topological sort below
// doesn't already fix.
func (e *Engine) applyBatch(ctx context.Context, scope zonesync.Scope, batch *zonesync.ChangeBatch) (int, error) {
	ctx = withApplyMode(ctx)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return 0, fmt.Errorf("failed to defer foreign keys: %w", err)
	}
	if err := setApplyMode(ctx, tx, true); err != nil {
		return 0, err
	}

	applied, err := e.applyBatchLocked(ctx, tx, scope, batch)
	if offErr := setApplyMode(ctx, tx, false); err == nil {
		err = offErr
	}
	if err != nil {
		return 0, err
	}

	if err := e.meta.SetChangeToken(ctx, tx, scope, batch.NextToken); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit apply transaction: %w", err)
	}
	return applied, nil
}

func (e *Engine) applyBatchLocked(ctx context.Context, tx *sql.Tx, scope zonesync.Scope, batch *zonesync.ChangeBatch) (int, error) {
	applied := 0

	for i := range batch.ChangedShares {
		if err := e.applyShareChange(ctx, tx, scope, &batch.ChangedShares[i]); err != nil {
			return applied, err
		}
	}

	for _, zone := range batch.DeletedZones {
		n, err := e.applyZoneDeletion(ctx, tx, zone)
		applied += n
		if err != nil {
			return applied, err
		}
	}

	// Changed records parent tables first; remote deletions child tables
	// first. Records of unregistered tables sort last.
	changes := append([]*zonesync.Record(nil), batch.Changes...)
	sort.SliceStable(changes, func(i, j int) bool {
		return e.recordRank(changes[i]) < e.recordRank(changes[j])
	})
	deletions := append([]zonesync.RecordDeletion(nil), batch.Deletions...)
	sort.SliceStable(deletions, func(i, j int) bool {
		return e.deletionRank(deletions[i]) > e.deletionRank(deletions[j])
	})

	for _, rec := range changes {
		n, err := e.applyRecord(ctx, tx, scope, rec)
		applied += n
		if err != nil {
			return applied, err
		}
	}
	for _, del := range deletions {
		n, err := e.applyDeletion(ctx, tx, del)
		applied += n
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// applyRecord reconciles one incoming server record with the local row.
func (e *Engine) applyRecord(ctx context.Context, tx *sql.Tx, scope zonesync.Scope, server *zonesync.Record) (int, error) {
	e.observeRecord(server)

	pk, table, err := zonesync.ParseRecordName(server.RecordID.RecordName)
	if err != nil {
		e.logger.Warn("Skipping record with unparseable name",
			"record", server.RecordID.String(), "error", err)
		return 0, nil
	}
	if err := e.ensureZoneKnown(ctx, tx, scope, server.RecordID.ZoneID); err != nil {
		return 0, err
	}

	vt := e.tables[lower(table)]
	if vt == nil {
		// Table not in the local schema (older app version, or a table
		// added remotely first). Track the server state in metadata so a
		// later schema upgrade can hydrate the row without data loss.
		return 1, e.trackRecordMetadata(ctx, tx, pk, table, server)
	}

	parentOK, err := e.ensureParentRow(ctx, tx, server)
	if err != nil {
		return 0, err
	}
	if !parentOK {
		// The parent row is gone locally and there is no snapshot to
		// restore it from. Writing the child now would fail the foreign key
		// check at commit and lose the whole page, so track the server
		// state in metadata only; the row materializes once the parent
		// record arrives.
		e.logger.Warn("Parent row missing locally; tracking record without materializing it",
			"record", server.RecordID.String())
		return 1, e.trackRecordMetadata(ctx, tx, pk, table, server)
	}

	m, err := e.meta.Get(ctx, tx, lower(table), pk)
	if err != nil {
		return 0, err
	}

	// First sight of this record: adopt the server state wholesale.
	if m == nil {
		if err := e.writeServerRecord(ctx, tx, vt, pk, server.Fields); err != nil {
			return 0, err
		}
		m = &SyncMetadata{
			RecordType: vt.name,
			RecordPK:   pk,
			FieldTimes: map[string]int64{},
			AllFields:  map[string]zonesync.FieldValue{},
		}
		return 1, e.acceptServerState(ctx, tx, m, server)
	}
	e.mapper.MigrateFieldTimes(vt.name, m.FieldTimes)

	// Local tombstone vs incoming save: the newer event wins. A
	// resurrected row drops its queued delete; an older save loses to the
	// tombstone and the delete stays queued for export.
	if m.IsDeleted {
		if server.RowTime() > m.UserModificationTime {
			if err := e.writeServerRecord(ctx, tx, vt, pk, server.Fields); err != nil {
				return 0, err
			}
			if err := e.meta.DeletePending(ctx, tx, vt.name, pk); err != nil {
				return 0, err
			}
			return 1, e.acceptServerState(ctx, tx, m, server)
		}
		return 0, nil
	}

	localFields, exists, err := readRow(ctx, tx, vt, pk)
	if err != nil {
		return 0, err
	}
	if !exists {
		if err := e.writeServerRecord(ctx, tx, vt, pk, server.Fields); err != nil {
			return 0, err
		}
		return 1, e.acceptServerState(ctx, tx, m, server)
	}
	stampLocalChanges(localFields, m)

	// Normalize incoming field names through the column mappings so both
	// sides of the merge speak the current local schema.
	serverFields := make(map[string]zonesync.FieldValue, len(server.Fields))
	serverTimes := make(map[string]int64, len(server.FieldTimes))
	for name, fv := range server.Fields {
		serverFields[lower(e.mapper.LocalName(vt.name, name))] = fv
	}
	for name, ts := range server.FieldTimes {
		serverTimes[lower(e.mapper.LocalName(vt.name, name))] = ts
	}

	merged := mergeFields(localFields, m.FieldTimes, serverFields, serverTimes)
	if err := e.writeServerRecord(ctx, tx, vt, pk, merged.Fields); err != nil {
		return 0, err
	}
	if err := e.acceptServerState(ctx, tx, m, server); err != nil {
		return 0, err
	}
	if len(merged.LocalWon) > 0 {
		for _, name := range merged.LocalWon {
			m.FieldTimes[name] = merged.Times[name]
		}
		if err := e.meta.Put(ctx, tx, m); err != nil {
			return 0, err
		}
		if err := e.meta.Enqueue(ctx, tx, vt.name, pk, opSave); err != nil {
			return 0, err
		}
		e.logger.Debug("Merged remote record; local fields won and will re-export",
			"record", server.RecordID.String(), "fields", merged.LocalWon)
	}
	return 1, nil
}

// writeServerRecord materializes a field set into the live table,
// resolving assets and column renames first.
func (e *Engine) writeServerRecord(ctx context.Context, tx *sql.Tx, vt *validatedTable, pk string, fields map[string]zonesync.FieldValue) error {
	local := make(map[string]zonesync.FieldValue, len(fields))
	for name, fv := range fields {
		local[lower(e.mapper.LocalName(vt.name, name))] = fv
	}
	if err := resolveAssets(ctx, e.assets, local); err != nil {
		return err
	}
	return upsertRow(ctx, tx, vt, pk, local)
}

// ensureParentRow makes sure the parent row a server record references
// exists locally before the child row is written. A parent deleted locally
// while another device kept adding children is restored from its last
// known server snapshot and its queued delete is dropped; the server kept
// the record, the child's arrival proves it. It reports false when the
// parent is missing and cannot be restored.
func (e *Engine) ensureParentRow(ctx context.Context, tx *sql.Tx, server *zonesync.Record) (bool, error) {
	if server.Parent == nil {
		return true, nil
	}
	ppk, ptable, err := zonesync.ParseRecordName(server.Parent.RecordName)
	if err != nil {
		return true, nil
	}
	pvt := e.tables[lower(ptable)]
	if pvt == nil {
		return true, nil
	}
	_, exists, err := readRow(ctx, tx, pvt, ppk)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	pm, err := e.meta.Get(ctx, tx, lower(ptable), ppk)
	if err != nil {
		return false, err
	}
	if pm == nil || !pm.HasLastKnownServerRecord || pm.LastKnownServerRecord == nil {
		return false, nil
	}
	if err := e.writeServerRecord(ctx, tx, pvt, ppk, pm.LastKnownServerRecord.Fields); err != nil {
		return false, err
	}
	if err := e.meta.DeletePending(ctx, tx, pvt.name, ppk); err != nil {
		return false, err
	}
	pm.IsDeleted = false
	if err := e.meta.Put(ctx, tx, pm); err != nil {
		return false, err
	}
	e.logger.Info("Restored locally deleted parent still referenced by the server",
		"record", pm.RecordName)
	return true, nil
}

// trackRecordMetadata stores the server state of a record without touching
// the live tables: the table is not in the local schema yet, or the row
// cannot be materialized without breaking a foreign key.
func (e *Engine) trackRecordMetadata(ctx context.Context, tx *sql.Tx, pk, table string, server *zonesync.Record) error {
	m, err := e.meta.Get(ctx, tx, lower(table), pk)
	if err != nil {
		return err
	}
	if m == nil {
		m = &SyncMetadata{
			RecordType: lower(table),
			RecordPK:   pk,
			FieldTimes: map[string]int64{},
			AllFields:  map[string]zonesync.FieldValue{},
		}
	}
	return e.acceptServerState(ctx, tx, m, server)
}

// applyDeletion removes one remotely deleted record locally. Child rows
// follow the table's own foreign key actions, mirroring what the schema
// declares for local deletes.
func (e *Engine) applyDeletion(ctx context.Context, tx *sql.Tx, del zonesync.RecordDeletion) (int, error) {
	pk, table, err := zonesync.ParseRecordName(del.RecordID.RecordName)
	if err != nil {
		e.logger.Warn("Skipping deletion with unparseable name",
			"record", del.RecordID.String(), "error", err)
		return 0, nil
	}

	if vt := e.tables[lower(table)]; vt != nil {
		if err := deleteRow(ctx, tx, vt, pk); err != nil {
			return 0, err
		}
	}
	if err := e.meta.ReconcileTombstone(ctx, tx, lower(table), pk); err != nil {
		return 0, err
	}
	return 1, nil
}

// applyZoneDeletion cascades a remote zone deletion: every tracked row of
// the zone disappears locally together with its metadata and queued
// changes. Tables outside the sync set are untouched.
func (e *Engine) applyZoneDeletion(ctx context.Context, tx *sql.Tx, zone zonesync.ZoneID) (int, error) {
	e.logger.Info("Applying remote zone deletion", "zone", zone.String())

	keys, err := e.meta.ListZoneRecords(ctx, tx, zone)
	if err != nil {
		return 0, err
	}
	// Children before parents.
	sort.SliceStable(keys, func(i, j int) bool {
		return e.tableRank(keys[i].Table) > e.tableRank(keys[j].Table)
	})

	applied := 0
	for _, key := range keys {
		if vt := e.tables[key.Table]; vt != nil {
			if err := deleteRow(ctx, tx, vt, key.PK); err != nil {
				return applied, err
			}
		}
		if err := e.meta.ReconcileTombstone(ctx, tx, key.Table, key.PK); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, e.zones.Delete(ctx, tx, zone)
}

// applyShareChange updates the locally cached share grant and the zone
// permission the guard triggers enforce.
func (e *Engine) applyShareChange(ctx context.Context, tx *sql.Tx, scope zonesync.Scope, share *zonesync.Share) error {
	zone := share.RootRecordID.ZoneID
	zs, err := e.zones.Get(ctx, tx, zone)
	if err != nil {
		return err
	}
	if zs == nil {
		zs = &zoneState{Zone: zone, Scope: scope}
	}
	zs.Share = share
	zs.Permission = share.CurrentUserPermission
	if zs.Permission == "" {
		zs.Permission = zonesync.PermissionReadWrite
	}
	e.logger.Info("Share changed", "zone", zone.String(), "permission", string(zs.Permission))
	return e.zones.Upsert(ctx, tx, zs)
}

// ensureZoneKnown registers a zone the first time a record from it
// arrives.
func (e *Engine) ensureZoneKnown(ctx context.Context, tx dbtx, scope zonesync.Scope, zone zonesync.ZoneID) error {
	zs, err := e.zones.Get(ctx, tx, zone)
	if err != nil {
		return err
	}
	if zs != nil {
		return nil
	}
	return e.zones.Upsert(ctx, tx, &zoneState{
		Zone:       zone,
		Scope:      scope,
		Permission: zonesync.PermissionReadWrite,
	})
}

func (e *Engine) tableRank(table string) int {
	if r, ok := e.rank[table]; ok {
		return r
	}
	return len(e.rank) // unknown tables last
}

func (e *Engine) recordRank(rec *zonesync.Record) int {
	_, table, err := zonesync.ParseRecordName(rec.RecordID.RecordName)
	if err != nil {
		return len(e.rank) + 1
	}
	return e.tableRank(lower(table))
}

func (e *Engine) deletionRank(del zonesync.RecordDeletion) int {
	_, table, err := zonesync.ParseRecordName(del.RecordID.RecordName)
	if err != nil {
		return -1
	}
	return e.tableRank(lower(table))
}
