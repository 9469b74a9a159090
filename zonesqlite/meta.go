// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-zonesync/zonesync"
)

// dbtx abstracts *sql.DB and *sql.Tx so metadata mutations can run inside
// the same transaction as the row mutation they belong to.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Pending operation kinds.
const (
	opSave   = "SAVE"
	opDelete = "DELETE"
)

// metaSchema is the engine's side-table contract. Other tooling may query
// these tables read-only for diagnostics; the column list is stable.
var metaSchema = []string{
	// Engine state (one row): trigger suppression flag, current owner,
	// monotonic change sequence for pending coalescing.
	`CREATE TABLE IF NOT EXISTS _zonesync_state (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		apply_mode  INTEGER NOT NULL DEFAULT 0,
		owner_name  TEXT NOT NULL DEFAULT '',
		next_seq    INTEGER NOT NULL DEFAULT 1
	)`,

	// Per-scope change tokens for incremental fetch.
	`CREATE TABLE IF NOT EXISTS _zonesync_tokens (
		scope        TEXT PRIMARY KEY,
		change_token TEXT NOT NULL DEFAULT '',
		updated_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,

	// One row per synchronized row that has ever been synchronized: the
	// append-only audit trail conflict resolution works against.
	`CREATE TABLE IF NOT EXISTS _zonesync_meta (
		record_type         TEXT NOT NULL,
		record_pk           TEXT NOT NULL,
		zone_name           TEXT NOT NULL DEFAULT '',
		owner_name          TEXT NOT NULL DEFAULT '',
		record_name         TEXT NOT NULL DEFAULT '',
		parent_record_type  TEXT,
		parent_record_pk    TEXT,
		parent_record_name  TEXT,
		last_known_server_record TEXT,
		last_known_server_record_all_fields TEXT,
		field_times         TEXT NOT NULL DEFAULT '{}',
		share               TEXT,
		is_deleted          INTEGER NOT NULL DEFAULT 0,
		has_last_known_server_record INTEGER NOT NULL DEFAULT 0,
		is_shared           INTEGER NOT NULL DEFAULT 0,
		user_modification_time INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (record_type, record_pk)
	)`,

	// Coalesced pending queue, one row per primary key.
	`CREATE TABLE IF NOT EXISTS _zonesync_pending (
		record_type TEXT NOT NULL,
		record_pk   TEXT NOT NULL,
		op          TEXT NOT NULL CHECK (op IN ('SAVE','DELETE')),
		change_seq  INTEGER NOT NULL DEFAULT 0,
		queued_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		PRIMARY KEY (record_type, record_pk)
	)`,

	// Known zones per scope with the locally cached share grant.
	`CREATE TABLE IF NOT EXISTS _zonesync_zones (
		zone_name  TEXT NOT NULL,
		owner_name TEXT NOT NULL,
		scope      TEXT NOT NULL,
		share      TEXT,
		permission TEXT NOT NULL DEFAULT 'readWrite',
		PRIMARY KEY (zone_name, owner_name)
	)`,
}

// SyncMetadata is the in-memory view of one _zonesync_meta row.
type SyncMetadata struct {
	RecordType string
	RecordPK   string

	ZoneName   string
	OwnerName  string
	RecordName string

	ParentRecordType string
	ParentRecordPK   string
	ParentRecordName string

	// LastKnownServerRecord is the remote record as the client last
	// observed it, restricted to fields present in the current schema.
	LastKnownServerRecord *zonesync.Record

	// AllFields retains every field ever observed from the server,
	// including ones a schema migration has since dropped, so a later
	// save does not clobber server state the local schema no longer
	// models.
	AllFields map[string]zonesync.FieldValue

	FieldTimes map[string]int64
	Share      string

	IsDeleted                bool
	HasLastKnownServerRecord bool
	IsShared                 bool
	UserModificationTime     int64
}

// Zone returns the zone the row belongs to.
func (m *SyncMetadata) Zone() zonesync.ZoneID {
	return zonesync.ZoneID{ZoneName: m.ZoneName, OwnerName: m.OwnerName}
}

// metaStore wraps the side tables. All mutating methods take a dbtx so a
// row update and its metadata update commit or roll back together.
type metaStore struct{}

func initMetaSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range metaSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync side table: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO _zonesync_state (id) VALUES (1)`); err != nil {
		return fmt.Errorf("failed to seed sync state: %w", err)
	}
	// Reset apply_mode in case the process died while a remote batch was
	// being applied; otherwise capture triggers stay suppressed forever.
	if _, err := db.ExecContext(ctx,
		`UPDATE _zonesync_state SET apply_mode = 0 WHERE apply_mode = 1`); err != nil {
		return fmt.Errorf("failed to reset apply_mode: %w", err)
	}
	return nil
}

// Upsert idempotently creates the metadata entry for a row. Calling it
// twice for the same key yields one row.
func (s *metaStore) Upsert(ctx context.Context, q dbtx, table, pk string, zone zonesync.ZoneID) (*SyncMetadata, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO _zonesync_meta (record_type, record_pk, zone_name, owner_name, record_name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (record_type, record_pk) DO NOTHING
	`, table, pk, zone.ZoneName, zone.OwnerName, zonesync.FormatRecordName(pk, table))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert metadata for %s.%s: %w", table, pk, err)
	}
	return s.Get(ctx, q, table, pk)
}

// Get loads one metadata entry, or nil when the row has never been
// tracked.
func (s *metaStore) Get(ctx context.Context, q dbtx, table, pk string) (*SyncMetadata, error) {
	row := q.QueryRowContext(ctx, `
		SELECT record_type, record_pk, zone_name, owner_name, record_name,
		       parent_record_type, parent_record_pk, parent_record_name,
		       last_known_server_record, last_known_server_record_all_fields,
		       field_times, share, is_deleted, has_last_known_server_record,
		       is_shared, user_modification_time
		FROM _zonesync_meta WHERE record_type = ? AND record_pk = ?
	`, table, pk)

	var m SyncMetadata
	var parentType, parentPK, parentName, lastKnown, allFields, share sql.NullString
	var fieldTimes string
	var isDeleted, hasLastKnown, isShared int

	err := row.Scan(&m.RecordType, &m.RecordPK, &m.ZoneName, &m.OwnerName, &m.RecordName,
		&parentType, &parentPK, &parentName, &lastKnown, &allFields,
		&fieldTimes, &share, &isDeleted, &hasLastKnown, &isShared, &m.UserModificationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata for %s.%s: %w", table, pk, err)
	}

	m.ParentRecordType = parentType.String
	m.ParentRecordPK = parentPK.String
	m.ParentRecordName = parentName.String
	m.Share = share.String
	m.IsDeleted = isDeleted == 1
	m.HasLastKnownServerRecord = hasLastKnown == 1
	m.IsShared = isShared == 1

	if err := json.Unmarshal([]byte(fieldTimes), &m.FieldTimes); err != nil {
		return nil, fmt.Errorf("corrupt field_times for %s.%s: %w", table, pk, err)
	}
	if m.FieldTimes == nil {
		m.FieldTimes = map[string]int64{}
	}
	if lastKnown.Valid && lastKnown.String != "" {
		var rec zonesync.Record
		if err := json.Unmarshal([]byte(lastKnown.String), &rec); err != nil {
			return nil, fmt.Errorf("corrupt last_known_server_record for %s.%s: %w", table, pk, err)
		}
		m.LastKnownServerRecord = &rec
	}
	if allFields.Valid && allFields.String != "" {
		if err := json.Unmarshal([]byte(allFields.String), &m.AllFields); err != nil {
			return nil, fmt.Errorf("corrupt all-fields snapshot for %s.%s: %w", table, pk, err)
		}
	}
	if m.AllFields == nil {
		m.AllFields = map[string]zonesync.FieldValue{}
	}
	return &m, nil
}

// Put writes the full metadata row back.
func (s *metaStore) Put(ctx context.Context, q dbtx, m *SyncMetadata) error {
	fieldTimes, err := json.Marshal(m.FieldTimes)
	if err != nil {
		return fmt.Errorf("failed to encode field times: %w", err)
	}
	var lastKnown, allFields any
	if m.LastKnownServerRecord != nil {
		b, err := json.Marshal(m.LastKnownServerRecord)
		if err != nil {
			return fmt.Errorf("failed to encode server record snapshot: %w", err)
		}
		lastKnown = string(b)
	}
	if len(m.AllFields) > 0 {
		b, err := json.Marshal(m.AllFields)
		if err != nil {
			return fmt.Errorf("failed to encode all-fields snapshot: %w", err)
		}
		allFields = string(b)
	}
	nullable := func(v string) any {
		if v == "" {
			return nil
		}
		return v
	}

	_, err = q.ExecContext(ctx, `
		INSERT OR REPLACE INTO _zonesync_meta (
			record_type, record_pk, zone_name, owner_name, record_name,
			parent_record_type, parent_record_pk, parent_record_name,
			last_known_server_record, last_known_server_record_all_fields,
			field_times, share, is_deleted, has_last_known_server_record,
			is_shared, user_modification_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.RecordType, m.RecordPK, m.ZoneName, m.OwnerName, m.RecordName,
		nullable(m.ParentRecordType), nullable(m.ParentRecordPK), nullable(m.ParentRecordName),
		lastKnown, allFields, string(fieldTimes), nullable(m.Share),
		boolInt(m.IsDeleted), boolInt(m.HasLastKnownServerRecord),
		boolInt(m.IsShared), m.UserModificationTime)
	if err != nil {
		return fmt.Errorf("failed to store metadata for %s.%s: %w", m.RecordType, m.RecordPK, err)
	}
	return nil
}

// RecordModification bumps the causal clocks for a local write: each
// changed field's timestamp becomes max(existing, ts) and the row's user
// modification time becomes ts.
func (s *metaStore) RecordModification(ctx context.Context, q dbtx, m *SyncMetadata, changedFields []string, ts int64) error {
	for _, field := range changedFields {
		if existing, ok := m.FieldTimes[field]; !ok || ts > existing {
			m.FieldTimes[field] = ts
		}
	}
	if ts > m.UserModificationTime {
		m.UserModificationTime = ts
	}
	m.IsDeleted = false
	return s.Put(ctx, q, m)
}

// MarkDeleted sets the tombstone flag: a local delete pending export.
func (s *metaStore) MarkDeleted(ctx context.Context, q dbtx, table, pk string, ts int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE _zonesync_meta SET is_deleted = 1, user_modification_time = ?
		WHERE record_type = ? AND record_pk = ?
	`, ts, table, pk)
	if err != nil {
		return fmt.Errorf("failed to mark %s.%s deleted: %w", table, pk, err)
	}
	return nil
}

// ReconcileTombstone removes metadata and pending state once a deletion has
// round-tripped to the remote store (or never needed to).
func (s *metaStore) ReconcileTombstone(ctx context.Context, q dbtx, table, pk string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM _zonesync_meta WHERE record_type = ? AND record_pk = ?`, table, pk); err != nil {
		return fmt.Errorf("failed to reconcile tombstone for %s.%s: %w", table, pk, err)
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM _zonesync_pending WHERE record_type = ? AND record_pk = ?`, table, pk); err != nil {
		return fmt.Errorf("failed to clear pending for %s.%s: %w", table, pk, err)
	}
	return nil
}

// metaKey identifies one tracked row.
type metaKey struct {
	Table string
	PK    string
}

// ListZoneRecords returns every tracked row belonging to a zone.
func (s *metaStore) ListZoneRecords(ctx context.Context, q dbtx, zone zonesync.ZoneID) ([]metaKey, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT record_type, record_pk FROM _zonesync_meta
		WHERE zone_name = ? AND owner_name = ?
	`, zone.ZoneName, zone.OwnerName)
	if err != nil {
		return nil, fmt.Errorf("failed to list zone records: %w", err)
	}
	defer rows.Close()

	var keys []metaKey
	for rows.Next() {
		var k metaKey
		if err := rows.Scan(&k.Table, &k.PK); err != nil {
			return nil, fmt.Errorf("failed to scan zone record: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// pendingChange is one coalesced entry of the pending queue.
type pendingChange struct {
	Table     string
	PK        string
	Op        string
	ChangeSeq int64
}

// Enqueue records a pending local mutation (used by the Go write path; the
// capture triggers enqueue the same way in SQL).
func (s *metaStore) Enqueue(ctx context.Context, q dbtx, table, pk, op string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO _zonesync_pending (record_type, record_pk, op, change_seq)
		VALUES (?, ?, ?, (SELECT next_seq FROM _zonesync_state WHERE id = 1))
		ON CONFLICT (record_type, record_pk) DO UPDATE SET
			op = excluded.op,
			change_seq = excluded.change_seq,
			queued_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, table, pk, op)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s for %s.%s: %w", op, table, pk, err)
	}
	_, err = q.ExecContext(ctx, `UPDATE _zonesync_state SET next_seq = next_seq + 1 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to advance change sequence: %w", err)
	}
	return nil
}

// ListPending returns up to limit pending changes in queue order.
func (s *metaStore) ListPending(ctx context.Context, q dbtx, limit int) ([]pendingChange, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT record_type, record_pk, op, change_seq
		FROM _zonesync_pending
		ORDER BY change_seq
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	var pending []pendingChange
	for rows.Next() {
		var p pendingChange
		if err := rows.Scan(&p.Table, &p.PK, &p.Op, &p.ChangeSeq); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// DeletePending drops one pending entry, typically after the server
// acknowledged it.
func (s *metaStore) DeletePending(ctx context.Context, q dbtx, table, pk string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM _zonesync_pending WHERE record_type = ? AND record_pk = ?`, table, pk)
	if err != nil {
		return fmt.Errorf("failed to delete pending for %s.%s: %w", table, pk, err)
	}
	return nil
}

// DeletePendingIfSeq drops a pending entry only if its change sequence is
// still the one that was flushed. A local write that landed while the
// batch was in flight bumps the sequence, and the newer change must not
// be lost.
func (s *metaStore) DeletePendingIfSeq(ctx context.Context, q dbtx, table, pk string, seq int64) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM _zonesync_pending
		WHERE record_type = ? AND record_pk = ? AND change_seq = ?
	`, table, pk, seq)
	if err != nil {
		return fmt.Errorf("failed to delete pending for %s.%s: %w", table, pk, err)
	}
	return nil
}

// ChangeToken reads the stored incremental-fetch cursor for a scope.
func (s *metaStore) ChangeToken(ctx context.Context, q dbtx, scope zonesync.Scope) (string, error) {
	var token string
	err := q.QueryRowContext(ctx,
		`SELECT change_token FROM _zonesync_tokens WHERE scope = ?`, string(scope)).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load change token for scope %s: %w", scope, err)
	}
	return token, nil
}

// SetChangeToken persists the cursor for a scope.
func (s *metaStore) SetChangeToken(ctx context.Context, q dbtx, scope zonesync.Scope, token string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO _zonesync_tokens (scope, change_token, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT (scope) DO UPDATE SET
			change_token = excluded.change_token,
			updated_at = excluded.updated_at
	`, string(scope), token)
	if err != nil {
		return fmt.Errorf("failed to store change token for scope %s: %w", scope, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
