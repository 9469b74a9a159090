// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/mobiletoly/go-zonesync/zonesync"
)

// outboundOp is one pending change staged for export, with everything the
// result handler needs to settle it.
type outboundOp struct {
	pending pendingChange
	vt      *validatedTable
	meta    *SyncMetadata
	zone    zonesync.ZoneID
	record  *zonesync.Record // nil for deletes
	delete  bool
}

// FlushPending exports queued local changes to the remote store, batching
// per zone with saves parent-first and deletes child-first. It loops until
// the queue drains or a pass makes no progress (e.g. everything left is
// waiting on a parent that cannot be saved). Returns the number of
// operations the server applied.
func (e *Engine) FlushPending(ctx context.Context) (int, error) {
	total := 0
	for {
		applied, remaining, err := e.flushOnce(ctx)
		total += applied
		if err != nil {
			return total, err
		}
		if !remaining {
			return total, nil
		}
		if applied == 0 {
			e.logger.Warn("Pending changes could not make progress this pass; will retry later")
			return total, nil
		}
	}
}

func (e *Engine) flushOnce(ctx context.Context) (int, bool, error) {
	ops, err := e.collectOutbound(ctx)
	if err != nil {
		return 0, false, err
	}
	if len(ops) == 0 {
		return 0, false, nil
	}

	// Group per zone, preserving queue order inside each group.
	zoneOrder := make([]zonesync.ZoneID, 0, 4)
	byZone := map[zonesync.ZoneID][]*outboundOp{}
	for _, op := range ops {
		if _, ok := byZone[op.zone]; !ok {
			zoneOrder = append(zoneOrder, op.zone)
		}
		byZone[op.zone] = append(byZone[op.zone], op)
	}

	applied := 0
	for _, zone := range zoneOrder {
		n, err := e.flushZone(ctx, zone, byZone[zone])
		applied += n
		if err != nil {
			return applied, true, err
		}
	}

	remaining, err := e.hasPending(ctx)
	if err != nil {
		return applied, false, err
	}
	return applied, remaining, nil
}

// collectOutbound drains up to UploadLimit pending entries and stages
// them: zone resolution, per-field timestamp assignment, asset
// externalization. Metadata side effects (assigned zones, stamped field
// times) are committed before anything goes on the wire, so a retry after
// a transport failure re-exports identical records.
func (e *Engine) collectOutbound(ctx context.Context) ([]*outboundOp, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin outbound transaction: %w", err)
	}
	defer tx.Rollback()

	pending, err := e.meta.ListPending(ctx, tx, e.cfg.UploadLimit)
	if err != nil {
		return nil, err
	}

	var ops []*outboundOp
	for _, p := range pending {
		vt := e.tables[p.Table]
		if vt == nil {
			e.logger.Warn("Dropping pending change for unregistered table", "table", p.Table)
			if err := e.meta.DeletePending(ctx, tx, p.Table, p.PK); err != nil {
				return nil, err
			}
			continue
		}

		m, err := e.meta.Get(ctx, tx, p.Table, p.PK)
		if err != nil {
			return nil, err
		}
		if m == nil {
			if p.Op == opDelete {
				// Tombstone already reconciled elsewhere.
				if err := e.meta.DeletePending(ctx, tx, p.Table, p.PK); err != nil {
					return nil, err
				}
				continue
			}
			if m, err = e.meta.Upsert(ctx, tx, p.Table, p.PK, zonesync.ZoneID{}); err != nil {
				return nil, err
			}
		}
		e.mapper.MigrateFieldTimes(p.Table, m.FieldTimes)

		op := &outboundOp{pending: p, vt: vt, meta: m}

		if p.Op == opDelete || m.IsDeleted {
			op.delete = true
			if !m.HasLastKnownServerRecord {
				// Never reached the server; nothing to delete remotely.
				if err := e.meta.ReconcileTombstone(ctx, tx, p.Table, p.PK); err != nil {
					return nil, err
				}
				continue
			}
			op.zone = m.Zone()
			ops = append(ops, op)
			continue
		}

		fields, exists, err := readRow(ctx, tx, vt, p.PK)
		if err != nil {
			return nil, err
		}
		if !exists {
			// Row vanished without the delete trigger seeing it (e.g. a
			// cascade inside an apply transaction re-queued later).
			if !m.HasLastKnownServerRecord {
				if err := e.meta.ReconcileTombstone(ctx, tx, p.Table, p.PK); err != nil {
					return nil, err
				}
				continue
			}
			op.delete = true
			op.zone = m.Zone()
			ops = append(ops, op)
			continue
		}

		zone, err := e.resolveZone(ctx, tx, vt, m, fields)
		if err != nil {
			return nil, err
		}
		op.zone = zone

		stampLocalChanges(fields, m)
		e.clock.Observe(m.UserModificationTime)

		if err := externalizeAssets(ctx, e.assets, fields, e.cfg.InlineAssetLimit); err != nil {
			return nil, err
		}

		record, err := e.buildRecord(vt, m, fields)
		if err != nil {
			return nil, err
		}
		op.record = record

		if err := e.meta.Put(ctx, tx, m); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outbound staging: %w", err)
	}
	return ops, nil
}

// resolveZone determines which zone a row exports into: the zone already
// recorded for it, else the parent's zone (shared rows inherit it), else
// the configured private default. The assignment is persisted on first
// resolution and never changes afterwards.
func (e *Engine) resolveZone(ctx context.Context, q dbtx, vt *validatedTable, m *SyncMetadata, fields map[string]zonesync.FieldValue) (zonesync.ZoneID, error) {
	if m.ZoneName != "" {
		return m.Zone(), nil
	}

	if vt.parent != nil {
		if pk := fieldPKString(fields[lower(vt.parent.FromColumn)]); pk != "" {
			parentMeta, err := e.meta.Get(ctx, q, vt.parent.RefTable, pk)
			if err != nil {
				return zonesync.ZoneID{}, err
			}
			if parentMeta != nil && parentMeta.ZoneName != "" {
				m.ZoneName = parentMeta.ZoneName
				m.OwnerName = parentMeta.OwnerName
				m.ParentRecordType = vt.parent.RefTable
				m.ParentRecordPK = pk
				m.ParentRecordName = parentMeta.RecordName
				m.Share = parentMeta.Share
				m.IsShared = parentMeta.IsShared
				return m.Zone(), nil
			}
		}
	}

	zone := e.defaultZone()
	m.ZoneName = zone.ZoneName
	m.OwnerName = zone.OwnerName
	return zone, nil
}

// buildRecord assembles the wire record for a local row.
func (e *Engine) buildRecord(vt *validatedTable, m *SyncMetadata, fields map[string]zonesync.FieldValue) (*zonesync.Record, error) {
	zone := m.Zone()
	rec := &zonesync.Record{
		RecordID:   zonesync.RecordID{RecordName: m.RecordName, ZoneID: zone},
		RecordType: vt.name,
		Fields:     fields,
		FieldTimes: make(map[string]int64, len(fields)),
	}
	for name := range fields {
		rec.FieldTimes[name] = m.FieldTimes[name]
	}

	if vt.parent != nil {
		if pk := fieldPKString(fields[lower(vt.parent.FromColumn)]); pk != "" {
			parentID := zonesync.RecordIDFor(pk, vt.parent.RefTable, zone)
			rec.Parent = &parentID
		}
	}
	if m.Share != "" {
		shareID := zonesync.RecordID{RecordName: m.Share, ZoneID: zone}
		rec.Share = &shareID
	}
	return rec, nil
}

// flushZone submits one zone's operations and settles the results.
func (e *Engine) flushZone(ctx context.Context, zone zonesync.ZoneID, ops []*outboundOp) (int, error) {
	batch := &zonesync.SaveBatch{Zone: zone, Atomic: e.cfg.AtomicByZone}

	var saves, deletes []*outboundOp
	for _, op := range ops {
		if op.delete {
			deletes = append(deletes, op)
		} else {
			saves = append(saves, op)
		}
	}
	// Saves go parent tables first; deletes children first. Queue order
	// breaks ties so writes land in the order the user made them.
	sort.SliceStable(saves, func(i, j int) bool {
		ri, rj := e.rank[saves[i].vt.name], e.rank[saves[j].vt.name]
		if ri != rj {
			return ri < rj
		}
		return saves[i].pending.ChangeSeq < saves[j].pending.ChangeSeq
	})
	sort.SliceStable(deletes, func(i, j int) bool {
		ri, rj := e.rank[deletes[i].vt.name], e.rank[deletes[j].vt.name]
		if ri != rj {
			return ri > rj
		}
		return deletes[i].pending.ChangeSeq < deletes[j].pending.ChangeSeq
	})

	for _, op := range saves {
		batch.Saves = append(batch.Saves, op.record)
	}
	for _, op := range deletes {
		batch.Deletes = append(batch.Deletes, zonesync.RecordID{RecordName: op.meta.RecordName, ZoneID: zone})
	}

	result, err := e.remote.SaveBatch(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to save batch for zone %s: %w", zone, err)
	}
	if len(result.SaveResults) != len(saves) || len(result.DeleteResults) != len(deletes) {
		return 0, fmt.Errorf("remote store returned %d/%d results for %d/%d operations in zone %s",
			len(result.SaveResults), len(result.DeleteResults), len(saves), len(deletes), zone)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin settle transaction: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for i, op := range saves {
		n, err := e.settleSave(ctx, tx, op, result.SaveResults[i])
		if err != nil {
			return applied, err
		}
		applied += n
	}
	for i, op := range deletes {
		n, err := e.settleDelete(ctx, tx, op, result.DeleteResults[i])
		if err != nil {
			return applied, err
		}
		applied += n
	}

	if err := tx.Commit(); err != nil {
		return applied, fmt.Errorf("failed to commit settle transaction: %w", err)
	}
	return applied, nil
}

// refreshMeta reloads the staged metadata inside the settle transaction.
// A local write that landed while the batch was in flight bumped the row
// clock after staging; settling against the stale snapshot would write the
// old clock back and the follow-up export of that write would carry a
// timestamp the server has already seen.
func (e *Engine) refreshMeta(ctx context.Context, tx dbtx, op *outboundOp) error {
	m, err := e.meta.Get(ctx, tx, op.pending.Table, op.pending.PK)
	if err != nil {
		return err
	}
	if m != nil {
		op.meta = m
	}
	return nil
}

// settleSave applies the server's verdict for one exported save.
func (e *Engine) settleSave(ctx context.Context, tx dbtx, op *outboundOp, res zonesync.SaveResult) (int, error) {
	if err := e.refreshMeta(ctx, tx, op); err != nil {
		return 0, err
	}
	m := op.meta
	switch res.Status {
	case zonesync.SaveApplied:
		server := res.ServerRecord
		if server == nil {
			server = op.record
		}
		e.observeRecord(server)
		if err := e.acceptServerState(ctx, tx, m, server); err != nil {
			return 0, err
		}
		if err := e.meta.DeletePendingIfSeq(ctx, tx, op.pending.Table, op.pending.PK, op.pending.ChangeSeq); err != nil {
			return 0, err
		}
		return 1, nil

	case zonesync.SaveConflict, zonesync.SaveStaleVersion:
		if res.ServerRecord == nil {
			return 0, fmt.Errorf("conflict result for %s carried no server record", op.record.RecordID)
		}
		return e.settleConflict(ctx, tx, op, res.ServerRecord)

	case zonesync.SavePermissionDenied:
		e.logger.Warn("Save rejected for lack of write permission; reverting local row",
			"record", op.record.RecordID.String())
		if err := e.markZoneReadOnly(ctx, tx, op.zone); err != nil {
			return 0, err
		}
		if err := e.revertToServerState(ctx, tx, op.vt, m); err != nil {
			return 0, err
		}
		return 0, e.meta.DeletePending(ctx, tx, op.pending.Table, op.pending.PK)

	case zonesync.SaveParentMissing:
		// Parent not on the server yet; it is queued ahead of us (batches
		// are parent-first) or still behind the upload limit. Retry later.
		e.logger.Debug("Save deferred until parent record exists",
			"record", op.record.RecordID.String())
		return 0, nil

	case zonesync.SaveUnknownZone:
		e.logger.Info("Creating zone on first save", "zone", op.zone.String())
		if err := e.remote.SaveZone(ctx, op.zone); err != nil {
			return 0, fmt.Errorf("failed to create zone %s: %w", op.zone, err)
		}
		return 0, nil // re-sent next pass

	default:
		e.logger.Warn("Unexpected save result; leaving change pending",
			"record", op.record.RecordID.String(), "status", res.Status, "message", res.Message)
		return 0, nil
	}
}

// settleConflict merges the server record into the local row field by
// field. Fields the local side wins stay queued for re-export; the rest
// adopt the server value, so both sides converge without losing either
// side's newer writes.
func (e *Engine) settleConflict(ctx context.Context, tx dbtx, op *outboundOp, server *zonesync.Record) (int, error) {
	e.observeRecord(server)
	m := op.meta

	// Merge against the live row rather than the staged record: a local
	// write that landed while the batch was in flight is part of the local
	// side of the conflict now and its bumped row clock attributes it.
	localFields := op.record.Fields
	if fields, exists, err := readRow(ctx, tx, op.vt, op.pending.PK); err != nil {
		return 0, err
	} else if exists {
		stampLocalChanges(fields, m)
		localFields = fields
	}

	merged := mergeFields(localFields, m.FieldTimes, server.Fields, server.FieldTimes)

	local := make(map[string]zonesync.FieldValue, len(merged.Fields))
	for name, fv := range merged.Fields {
		local[lower(e.mapper.LocalName(op.vt.name, name))] = fv
	}
	if err := resolveAssets(ctx, e.assets, local); err != nil {
		return 0, err
	}
	if err := setApplyMode(ctx, tx, true); err != nil {
		return 0, err
	}
	err := upsertRow(ctx, tx, op.vt, op.pending.PK, local)
	if offErr := setApplyMode(ctx, tx, false); err == nil {
		err = offErr
	}
	if err != nil {
		return 0, err
	}

	// The last known server state after a conflict is the server record
	// itself; locally winning fields remain a delta against it.
	if err := e.acceptServerState(ctx, tx, m, server); err != nil {
		return 0, err
	}
	for _, name := range merged.LocalWon {
		m.FieldTimes[name] = merged.Times[name]
	}
	if err := e.meta.Put(ctx, tx, m); err != nil {
		return 0, err
	}

	if len(merged.LocalWon) > 0 {
		e.logger.Info("Conflict resolved with local fields winning; re-exporting",
			"record", op.record.RecordID.String(), "fields", merged.LocalWon)
		return 0, nil // pending entry stays
	}
	return 1, e.meta.DeletePendingIfSeq(ctx, tx, op.pending.Table, op.pending.PK, op.pending.ChangeSeq)
}

// settleDelete applies the server's verdict for one exported delete.
func (e *Engine) settleDelete(ctx context.Context, tx dbtx, op *outboundOp, res zonesync.SaveResult) (int, error) {
	switch res.Status {
	case zonesync.SaveApplied, zonesync.SaveUnknownRecord, zonesync.SaveUnknownZone:
		// Gone, or was never there. Either way the tombstone is settled.
		if err := e.meta.ReconcileTombstone(ctx, tx, op.pending.Table, op.pending.PK); err != nil {
			return 0, err
		}
		return 1, nil

	case zonesync.SaveConflict:
		// The server kept the record because newer remote state still
		// references it (another device added a child). The delete loses:
		// restore the row from the server record; the children arrive with
		// the next change fetch.
		if res.ServerRecord == nil {
			return 0, fmt.Errorf("rejected delete of %s carried no server record", op.meta.RecordName)
		}
		e.logger.Info("Delete rejected by the server; restoring record",
			"record", op.meta.RecordName)
		if err := e.refreshMeta(ctx, tx, op); err != nil {
			return 0, err
		}
		m := op.meta
		if err := e.acceptServerState(ctx, tx, m, res.ServerRecord); err != nil {
			return 0, err
		}
		if err := e.revertToServerState(ctx, tx, op.vt, m); err != nil {
			return 0, err
		}
		return 1, e.meta.DeletePending(ctx, tx, op.pending.Table, op.pending.PK)

	case zonesync.SavePermissionDenied:
		e.logger.Warn("Delete rejected for lack of write permission; restoring local row",
			"record", op.meta.RecordName)
		if err := e.markZoneReadOnly(ctx, tx, op.zone); err != nil {
			return 0, err
		}
		if err := e.revertToServerState(ctx, tx, op.vt, op.meta); err != nil {
			return 0, err
		}
		return 0, e.meta.DeletePending(ctx, tx, op.pending.Table, op.pending.PK)

	default:
		e.logger.Warn("Unexpected delete result; leaving tombstone pending",
			"record", op.meta.RecordName, "status", res.Status, "message", res.Message)
		return 0, nil
	}
}

// acceptServerState records a server record as the row's last known
// server state.
func (e *Engine) acceptServerState(ctx context.Context, tx dbtx, m *SyncMetadata, server *zonesync.Record) error {
	m.LastKnownServerRecord = server.Clone()
	m.AllFields = make(map[string]zonesync.FieldValue, len(server.Fields))
	m.FieldTimes = make(map[string]int64, len(server.FieldTimes))
	for name, fv := range server.Fields {
		m.AllFields[name] = fv
	}
	for name, ts := range server.FieldTimes {
		m.FieldTimes[name] = ts
	}
	m.HasLastKnownServerRecord = true
	m.IsDeleted = false
	m.ZoneName = server.RecordID.ZoneID.ZoneName
	m.OwnerName = server.RecordID.ZoneID.OwnerName
	m.RecordName = server.RecordID.RecordName
	if server.Parent != nil {
		pk, table, err := zonesync.ParseRecordName(server.Parent.RecordName)
		if err == nil {
			m.ParentRecordType = table
			m.ParentRecordPK = pk
			m.ParentRecordName = server.Parent.RecordName
		}
	}
	if server.Share != nil {
		m.Share = server.Share.RecordName
		m.IsShared = true
	}
	return e.meta.Put(ctx, tx, m)
}

// revertToServerState restores the live row to the last known server
// record, discarding rejected local modifications.
func (e *Engine) revertToServerState(ctx context.Context, tx dbtx, vt *validatedTable, m *SyncMetadata) error {
	if !m.HasLastKnownServerRecord || m.LastKnownServerRecord == nil {
		return nil
	}
	local := make(map[string]zonesync.FieldValue, len(m.LastKnownServerRecord.Fields))
	for name, fv := range m.LastKnownServerRecord.Fields {
		local[lower(e.mapper.LocalName(vt.name, name))] = fv
	}
	if err := resolveAssets(ctx, e.assets, local); err != nil {
		return err
	}
	if err := setApplyMode(ctx, tx, true); err != nil {
		return err
	}
	err := upsertRow(ctx, tx, vt, m.RecordPK, local)
	if offErr := setApplyMode(ctx, tx, false); err == nil {
		err = offErr
	}
	if err != nil {
		return err
	}
	m.IsDeleted = false
	return e.meta.Put(ctx, tx, m)
}

// markZoneReadOnly downgrades the locally cached permission so guard
// triggers reject further writes synchronously.
func (e *Engine) markZoneReadOnly(ctx context.Context, tx dbtx, zone zonesync.ZoneID) error {
	zs, err := e.zones.Get(ctx, tx, zone)
	if err != nil {
		return err
	}
	if zs == nil {
		zs = &zoneState{Zone: zone, Scope: zonesync.ScopeShared}
	}
	zs.Permission = zonesync.PermissionReadOnly
	return e.zones.Upsert(ctx, tx, zs)
}

// observeRecord advances the logical clock past every timestamp in a
// record received from the server.
func (e *Engine) observeRecord(rec *zonesync.Record) {
	for _, ts := range rec.FieldTimes {
		e.clock.Observe(ts)
	}
}

func (e *Engine) hasPending(ctx context.Context) (bool, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _zonesync_pending`).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return n > 0, nil
}

// fieldPKString renders a field value as the text primary key used by
// metadata and record names.
func fieldPKString(fv zonesync.FieldValue) string {
	if fv.Bytes != nil {
		return hex.EncodeToString(fv.Bytes)
	}
	switch v := fv.Scalar.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
