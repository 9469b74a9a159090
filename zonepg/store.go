// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package zonepg implements the zonesync.RemoteStore interface on top of
// PostgreSQL. It keeps the authoritative record state per zone, performs
// the server side of field-level last-writer-wins merging, and feeds
// incremental fetch from an append-only change log.
package zonepg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-zonesync/zonesync"
)

// Store is a RemoteStore handle bound to one authenticated user. A
// hosting server creates one per request identity.
type Store struct {
	pool   *pgxpool.Pool
	user   string
	logger *slog.Logger
}

// NewStore creates a store handle acting as user. The schema must have
// been initialized with InitSchema.
func NewStore(pool *pgxpool.Pool, user string, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, user: user, logger: logger}, nil
}

var _ zonesync.RemoteStore = (*Store)(nil)

// AccountStatus reports availability based on connectivity and identity.
func (s *Store) AccountStatus(ctx context.Context) (zonesync.AccountStatus, error) {
	if s.user == "" {
		return zonesync.AccountNoAccount, nil
	}
	if err := s.pool.Ping(ctx); err != nil {
		return zonesync.AccountTemporarilyUnavailable, nil
	}
	return zonesync.AccountAvailable, nil
}

// SaveZone creates a zone if it does not exist.
func (s *Store) SaveZone(ctx context.Context, zone zonesync.ZoneID) error {
	zone = s.qualifyZone(zone)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO zonesync.zones (zone_name, owner_name)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, zone.ZoneName, zone.OwnerName)
	if err != nil {
		return fmt.Errorf("failed to create zone %s: %w", zone, err)
	}
	return nil
}

// DeleteZone deletes a zone with everything in it and logs the deletion
// for every subscribed client.
func (s *Store) DeleteZone(ctx context.Context, zone zonesync.ZoneID) error {
	zone = s.qualifyZone(zone)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM zonesync.zones WHERE zone_name = $1 AND owner_name = $2
		`, zone.ZoneName, zone.OwnerName)
		if err != nil {
			return fmt.Errorf("failed to delete zone %s: %w", zone, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return s.logChange(ctx, tx, zone, "", "", "zone_delete")
	})
}

// ListZones lists zones visible to the user in a scope: owned zones for
// the private scope, participated zones for the shared one.
func (s *Store) ListZones(ctx context.Context, scope zonesync.Scope) ([]zonesync.ZoneID, error) {
	rows, err := s.pool.Query(ctx, s.visibleZonesQuery(scope), s.user)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	defer rows.Close()

	var zones []zonesync.ZoneID
	for rows.Next() {
		var z zonesync.ZoneID
		if err := rows.Scan(&z.ZoneName, &z.OwnerName); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

func (s *Store) visibleZonesQuery(scope zonesync.Scope) string {
	if scope == zonesync.ScopeShared {
		return `
			SELECT DISTINCT z.zone_name, z.owner_name
			FROM zonesync.zones z
			JOIN zonesync.share_participants p
				ON p.zone_name = z.zone_name AND p.owner_name = z.owner_name
			WHERE p.user_id = $1 AND z.owner_name <> $1
			ORDER BY z.zone_name, z.owner_name`
	}
	return `
		SELECT zone_name, owner_name FROM zonesync.zones
		WHERE owner_name = $1
		ORDER BY zone_name, owner_name`
}

// batchAbort aborts an atomic batch; every staged result is replaced by
// the failure status so no client-visible state refers to rolled-back
// writes.
type batchAbort struct{ status string }

func (b *batchAbort) Error() string { return "batch aborted: " + b.status }

// SaveBatch applies one zone's batch. With Atomic set, a hard failure
// (unknown zone, missing parent, no write permission) rolls back the
// whole batch and every result carries the failure status.
func (s *Store) SaveBatch(ctx context.Context, batch *zonesync.SaveBatch) (*zonesync.SaveBatchResult, error) {
	zone := s.qualifyZone(batch.Zone)
	result := &zonesync.SaveBatchResult{
		SaveResults:   make([]zonesync.SaveResult, len(batch.Saves)),
		DeleteResults: make([]zonesync.SaveResult, len(batch.Deletes)),
	}

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM zonesync.zones WHERE zone_name = $1 AND owner_name = $2)
		`, zone.ZoneName, zone.OwnerName).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check zone %s: %w", zone, err)
		}
		if !exists {
			return &batchAbort{status: zonesync.SaveUnknownZone}
		}

		canWrite, err := s.canWrite(ctx, tx, zone)
		if err != nil {
			return err
		}
		if !canWrite {
			return &batchAbort{status: zonesync.SavePermissionDenied}
		}

		for i, rec := range batch.Saves {
			res, err := s.applySave(ctx, tx, zone, rec)
			if err != nil {
				return err
			}
			if batch.Atomic && isHardFailure(res.Status) {
				return &batchAbort{status: res.Status}
			}
			result.SaveResults[i] = res
		}
		for i, id := range batch.Deletes {
			res, err := s.applyDelete(ctx, tx, zone, id)
			if err != nil {
				return err
			}
			result.DeleteResults[i] = res
		}
		return nil
	})
	if err != nil {
		var abort *batchAbort
		if errors.As(err, &abort) {
			for i, rec := range batch.Saves {
				result.SaveResults[i] = zonesync.SaveResult{RecordID: rec.RecordID, Status: abort.status}
			}
			for i, id := range batch.Deletes {
				result.DeleteResults[i] = zonesync.SaveResult{RecordID: id, Status: abort.status}
			}
			return result, nil
		}
		return nil, err
	}
	return result, nil
}

func isHardFailure(status string) bool {
	switch status {
	case zonesync.SaveApplied, zonesync.SaveConflict, zonesync.SaveUnknownRecord:
		return false
	}
	return true
}

// applySave persists one incoming record, merging field by field against
// the stored state. The merge is authoritative: the stored record after
// the call is the converged state, returned to the client either as an
// applied echo or as a conflict carrying the fields the client lost.
func (s *Store) applySave(ctx context.Context, tx pgx.Tx, zone zonesync.ZoneID, rec *zonesync.Record) (zonesync.SaveResult, error) {
	id := zonesync.RecordID{RecordName: rec.RecordID.RecordName, ZoneID: zone}

	if rec.Parent != nil {
		var parentExists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM zonesync.records
				WHERE zone_name = $1 AND owner_name = $2 AND record_name = $3)
		`, zone.ZoneName, zone.OwnerName, rec.Parent.RecordName).Scan(&parentExists)
		if err != nil {
			return zonesync.SaveResult{}, fmt.Errorf("failed to check parent of %s: %w", id, err)
		}
		if !parentExists {
			return zonesync.SaveResult{RecordID: id, Status: zonesync.SaveParentMissing}, nil
		}
	}

	existing, err := s.loadRecordForUpdate(ctx, tx, zone, rec.RecordID.RecordName)
	if err != nil {
		return zonesync.SaveResult{}, err
	}

	stored := rec.Clone()
	stored.RecordID = id
	status := zonesync.SaveApplied

	if existing != nil {
		merged, lost := mergeServerRecord(existing, rec)
		stored = merged
		stored.RecordID = id
		if lost {
			status = zonesync.SaveConflict
		}
	}

	if err := s.putRecord(ctx, tx, zone, stored); err != nil {
		return zonesync.SaveResult{}, err
	}
	if err := s.logChange(ctx, tx, zone, stored.RecordID.RecordName, stored.RecordType, "save"); err != nil {
		return zonesync.SaveResult{}, err
	}
	return zonesync.SaveResult{RecordID: id, Status: status, ServerRecord: stored}, nil
}

func (s *Store) applyDelete(ctx context.Context, tx pgx.Tx, zone zonesync.ZoneID, id zonesync.RecordID) (zonesync.SaveResult, error) {
	// A record another device still hangs children off cannot go: reject
	// the delete and hand back the stored record so the deleting client
	// restores it instead of orphaning the children.
	var hasChildren bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM zonesync.records
			WHERE zone_name = $1 AND owner_name = $2 AND parent_record_name = $3)
	`, zone.ZoneName, zone.OwnerName, id.RecordName).Scan(&hasChildren)
	if err != nil {
		return zonesync.SaveResult{}, fmt.Errorf("failed to check children of %s: %w", id, err)
	}
	if hasChildren {
		stored, err := s.loadRecordForUpdate(ctx, tx, zone, id.RecordName)
		if err != nil {
			return zonesync.SaveResult{}, err
		}
		if stored != nil {
			return zonesync.SaveResult{RecordID: id, Status: zonesync.SaveConflict, ServerRecord: stored}, nil
		}
	}

	var recordType string
	err = tx.QueryRow(ctx, `
		DELETE FROM zonesync.records
		WHERE zone_name = $1 AND owner_name = $2 AND record_name = $3
		RETURNING record_type
	`, zone.ZoneName, zone.OwnerName, id.RecordName).Scan(&recordType)
	if errors.Is(err, pgx.ErrNoRows) {
		return zonesync.SaveResult{RecordID: id, Status: zonesync.SaveUnknownRecord}, nil
	}
	if err != nil {
		return zonesync.SaveResult{}, fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	if err := s.logChange(ctx, tx, zone, id.RecordName, recordType, "delete"); err != nil {
		return zonesync.SaveResult{}, err
	}
	return zonesync.SaveResult{RecordID: id, Status: zonesync.SaveApplied}, nil
}

// mergeServerRecord folds an incoming record into the stored one field by
// field. Returns the merged record and whether any incoming field lost to
// a newer stored value (ties go to the stored state).
func mergeServerRecord(stored, incoming *zonesync.Record) (*zonesync.Record, bool) {
	merged := stored.Clone()
	lost := false

	for name, fv := range incoming.Fields {
		incomingTime := incoming.FieldTimes[name]
		storedTime, known := merged.FieldTimes[name]
		if !known || incomingTime > storedTime {
			merged.Fields[name] = fv
			merged.FieldTimes[name] = incomingTime
		} else if val, ok := merged.Fields[name]; !ok || !val.Equal(fv) {
			lost = true
		}
	}
	if incoming.Parent != nil {
		merged.Parent = incoming.Parent
	}
	if incoming.Share != nil {
		merged.Share = incoming.Share
	}
	return merged, lost
}

func (s *Store) loadRecordForUpdate(ctx context.Context, tx pgx.Tx, zone zonesync.ZoneID, recordName string) (*zonesync.Record, error) {
	row := tx.QueryRow(ctx, `
		SELECT record_type, fields, field_times, parent_record_name, share_record_name
		FROM zonesync.records
		WHERE zone_name = $1 AND owner_name = $2 AND record_name = $3
		FOR UPDATE
	`, zone.ZoneName, zone.OwnerName, recordName)
	rec, err := scanRecord(row, zone, recordName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *Store) loadRecord(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, zone zonesync.ZoneID, recordName string) (*zonesync.Record, error) {
	row := q.QueryRow(ctx, `
		SELECT record_type, fields, field_times, parent_record_name, share_record_name
		FROM zonesync.records
		WHERE zone_name = $1 AND owner_name = $2 AND record_name = $3
	`, zone.ZoneName, zone.OwnerName, recordName)
	rec, err := scanRecord(row, zone, recordName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanRecord(row pgx.Row, zone zonesync.ZoneID, recordName string) (*zonesync.Record, error) {
	var recordType string
	var fieldsJSON, timesJSON []byte
	var parentName, shareName *string

	if err := row.Scan(&recordType, &fieldsJSON, &timesJSON, &parentName, &shareName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record %s: %w", recordName, err)
	}

	rec := &zonesync.Record{
		RecordID:   zonesync.RecordID{RecordName: recordName, ZoneID: zone},
		RecordType: recordType,
	}
	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return nil, fmt.Errorf("corrupt fields for record %s: %w", recordName, err)
	}
	if err := json.Unmarshal(timesJSON, &rec.FieldTimes); err != nil {
		return nil, fmt.Errorf("corrupt field times for record %s: %w", recordName, err)
	}
	if parentName != nil {
		rec.Parent = &zonesync.RecordID{RecordName: *parentName, ZoneID: zone}
	}
	if shareName != nil {
		rec.Share = &zonesync.RecordID{RecordName: *shareName, ZoneID: zone}
	}
	return rec, nil
}

func (s *Store) putRecord(ctx context.Context, tx pgx.Tx, zone zonesync.ZoneID, rec *zonesync.Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields for %s: %w", rec.RecordID, err)
	}
	timesJSON, err := json.Marshal(rec.FieldTimes)
	if err != nil {
		return fmt.Errorf("failed to encode field times for %s: %w", rec.RecordID, err)
	}
	var parentName, shareName *string
	if rec.Parent != nil {
		parentName = &rec.Parent.RecordName
	}
	if rec.Share != nil {
		shareName = &rec.Share.RecordName
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO zonesync.records
			(zone_name, owner_name, record_name, record_type, fields, field_times,
			 parent_record_name, share_record_name, row_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (zone_name, owner_name, record_name) DO UPDATE SET
			record_type = excluded.record_type,
			fields = excluded.fields,
			field_times = excluded.field_times,
			parent_record_name = excluded.parent_record_name,
			share_record_name = excluded.share_record_name,
			row_time = excluded.row_time
	`, zone.ZoneName, zone.OwnerName, rec.RecordID.RecordName, rec.RecordType,
		fieldsJSON, timesJSON, parentName, shareName, rec.RowTime())
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.RecordID, err)
	}
	return nil
}

func (s *Store) logChange(ctx context.Context, tx pgx.Tx, zone zonesync.ZoneID, recordName, recordType, kind string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO zonesync.change_log (zone_name, owner_name, record_name, record_type, kind)
		VALUES ($1, $2, $3, $4, $5)
	`, zone.ZoneName, zone.OwnerName, recordName, recordType, kind)
	if err != nil {
		return fmt.Errorf("failed to log change: %w", err)
	}
	return nil
}

// canWrite checks zone write permission for the bound user: owners always
// can, participants need a readWrite grant.
func (s *Store) canWrite(ctx context.Context, tx pgx.Tx, zone zonesync.ZoneID) (bool, error) {
	if zone.OwnerName == s.user {
		return true, nil
	}
	var permission string
	err := tx.QueryRow(ctx, `
		SELECT permission FROM zonesync.share_participants
		WHERE zone_name = $1 AND owner_name = $2 AND user_id = $3
	`, zone.ZoneName, zone.OwnerName, s.user).Scan(&permission)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check permission for zone %s: %w", zone, err)
	}
	return zonesync.Permission(permission) == zonesync.PermissionReadWrite, nil
}

func (s *Store) qualifyZone(zone zonesync.ZoneID) zonesync.ZoneID {
	if zone.OwnerName == "" {
		zone.OwnerName = s.user
	}
	return zone
}

// changeRow is one change_log entry during fetch assembly.
type changeRow struct {
	seq        int64
	zone       zonesync.ZoneID
	recordName string
	recordType string
	kind       string
}

// FetchChanges pages through the change log for the zones visible in a
// scope. Entries for the same record are collapsed so the page reflects
// the final state within the window; the returned token is the sequence
// number of the last entry consumed.
func (s *Store) FetchChanges(ctx context.Context, scope zonesync.Scope, token string, limit int) (*zonesync.ChangeBatch, error) {
	after := int64(0)
	if token != "" {
		parsed, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid change token %q: %w", token, err)
		}
		after = parsed
	}
	if limit <= 0 {
		limit = 400
	}

	query := fmt.Sprintf(`
		SELECT c.seq, c.zone_name, c.owner_name, c.record_name, c.record_type, c.kind
		FROM zonesync.change_log c
		JOIN (%s) v ON v.zone_name = c.zone_name AND v.owner_name = c.owner_name
		WHERE c.seq > $2
		ORDER BY c.seq
		LIMIT $3
	`, s.visibleZonesQuery(scope))

	rows, err := s.pool.Query(ctx, query, s.user, after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	var entries []changeRow
	for rows.Next() {
		var e changeRow
		if err := rows.Scan(&e.seq, &e.zone.ZoneName, &e.zone.OwnerName, &e.recordName, &e.recordType, &e.kind); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	batch := &zonesync.ChangeBatch{NextToken: token}
	if len(entries) > limit {
		batch.HasMore = true
		entries = entries[:limit]
	}
	if len(entries) == 0 {
		return batch, nil
	}
	batch.NextToken = strconv.FormatInt(entries[len(entries)-1].seq, 10)

	// Collapse to the final event per record within the page.
	final := map[zonesync.RecordID]changeRow{}
	var order []zonesync.RecordID
	for _, e := range entries {
		switch e.kind {
		case "zone_delete":
			batch.DeletedZones = append(batch.DeletedZones, e.zone)
		case "share":
			share, err := s.loadShare(ctx, e.zone, e.recordName)
			if err != nil {
				return nil, err
			}
			if share != nil {
				batch.ChangedShares = append(batch.ChangedShares, *share)
			}
		default:
			id := zonesync.RecordID{RecordName: e.recordName, ZoneID: e.zone}
			if _, seen := final[id]; !seen {
				order = append(order, id)
			}
			final[id] = e
		}
	}

	for _, id := range order {
		e := final[id]
		if e.kind == "delete" {
			batch.Deletions = append(batch.Deletions, zonesync.RecordDeletion{
				RecordID: id, RecordType: e.recordType,
			})
			continue
		}
		rec, err := s.loadRecord(ctx, s.pool, e.zone, e.recordName)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// Saved then deleted after this page's window; the delete
			// entry will arrive with a later page.
			continue
		}
		batch.Changes = append(batch.Changes, rec)
	}
	return batch, nil
}

// CreateShare shares a zone rooted at a record. The owner calls this;
// participants redeem the resulting invite with AcceptShare.
func (s *Store) CreateShare(ctx context.Context, zone zonesync.ZoneID, shareName, rootRecordName string, participants []zonesync.Participant) (*zonesync.Share, error) {
	zone = s.qualifyZone(zone)
	share := &zonesync.Share{
		ShareID:      zonesync.RecordID{RecordName: shareName, ZoneID: zone},
		RootRecordID: zonesync.RecordID{RecordName: rootRecordName, ZoneID: zone},
		Participants: participants,
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO zonesync.shares (share_name, zone_name, owner_name, root_record_name)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (share_name, zone_name, owner_name) DO UPDATE SET
				root_record_name = excluded.root_record_name
		`, shareName, zone.ZoneName, zone.OwnerName, rootRecordName)
		if err != nil {
			return fmt.Errorf("failed to create share %s: %w", shareName, err)
		}
		for _, p := range participants {
			_, err := tx.Exec(ctx, `
				INSERT INTO zonesync.share_participants (share_name, zone_name, owner_name, user_id, permission)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (share_name, zone_name, owner_name, user_id) DO UPDATE SET
					permission = excluded.permission
			`, shareName, zone.ZoneName, zone.OwnerName, p.UserID, string(p.Permission))
			if err != nil {
				return fmt.Errorf("failed to add participant %s: %w", p.UserID, err)
			}
		}
		return s.logChange(ctx, tx, zone, shareName, "", "share")
	})
	if err != nil {
		return nil, err
	}
	return share, nil
}

// AcceptShare adds the bound user as a participant of an existing share.
func (s *Store) AcceptShare(ctx context.Context, invite zonesync.ShareInvite) (*zonesync.AcceptedShare, error) {
	zone := invite.ShareID.ZoneID
	shareName := invite.ShareID.RecordName

	var accepted *zonesync.AcceptedShare
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var rootRecordName string
		err := tx.QueryRow(ctx, `
			SELECT root_record_name FROM zonesync.shares
			WHERE share_name = $1 AND zone_name = $2 AND owner_name = $3
		`, shareName, zone.ZoneName, zone.OwnerName).Scan(&rootRecordName)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("share %s does not exist", invite.ShareID)
		}
		if err != nil {
			return fmt.Errorf("failed to load share %s: %w", invite.ShareID, err)
		}

		var permission string
		err = tx.QueryRow(ctx, `
			SELECT permission FROM zonesync.share_participants
			WHERE share_name = $1 AND zone_name = $2 AND owner_name = $3 AND user_id = $4
		`, shareName, zone.ZoneName, zone.OwnerName, s.user).Scan(&permission)
		if errors.Is(err, pgx.ErrNoRows) {
			permission = string(zonesync.PermissionReadWrite)
			_, err = tx.Exec(ctx, `
				INSERT INTO zonesync.share_participants (share_name, zone_name, owner_name, user_id, permission)
				VALUES ($1, $2, $3, $4, $5)
			`, shareName, zone.ZoneName, zone.OwnerName, s.user, permission)
		}
		if err != nil {
			return fmt.Errorf("failed to join share %s: %w", invite.ShareID, err)
		}

		share, err := s.assembleShare(ctx, tx, zone, shareName, rootRecordName)
		if err != nil {
			return err
		}
		accepted = &zonesync.AcceptedShare{Share: *share, Zone: zone}
		return s.logChange(ctx, tx, zone, shareName, "", "share")
	})
	if err != nil {
		return nil, err
	}
	return accepted, nil
}

func (s *Store) loadShare(ctx context.Context, zone zonesync.ZoneID, shareName string) (*zonesync.Share, error) {
	var share *zonesync.Share
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var rootRecordName string
		err := tx.QueryRow(ctx, `
			SELECT root_record_name FROM zonesync.shares
			WHERE share_name = $1 AND zone_name = $2 AND owner_name = $3
		`, shareName, zone.ZoneName, zone.OwnerName).Scan(&rootRecordName)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // share removed since logged
		}
		if err != nil {
			return fmt.Errorf("failed to load share %s: %w", shareName, err)
		}
		share, err = s.assembleShare(ctx, tx, zone, shareName, rootRecordName)
		return err
	})
	return share, err
}

func (s *Store) assembleShare(ctx context.Context, tx pgx.Tx, zone zonesync.ZoneID, shareName, rootRecordName string) (*zonesync.Share, error) {
	share := &zonesync.Share{
		ShareID:      zonesync.RecordID{RecordName: shareName, ZoneID: zone},
		RootRecordID: zonesync.RecordID{RecordName: rootRecordName, ZoneID: zone},
	}
	rows, err := tx.Query(ctx, `
		SELECT user_id, permission FROM zonesync.share_participants
		WHERE share_name = $1 AND zone_name = $2 AND owner_name = $3
		ORDER BY user_id
	`, shareName, zone.ZoneName, zone.OwnerName)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants of %s: %w", shareName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p zonesync.Participant
		var permission string
		if err := rows.Scan(&p.UserID, &permission); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Permission = zonesync.Permission(permission)
		share.Participants = append(share.Participants, p)
		if p.UserID == s.user {
			share.CurrentUserPermission = p.Permission
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if zone.OwnerName == s.user {
		share.CurrentUserPermission = zonesync.PermissionReadWrite
	}
	return share, nil
}
