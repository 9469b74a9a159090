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

// zoneState is one locally known zone: which scope it came from, the
// cached share grant (if any) and the current user's permission in it.
type zoneState struct {
	Zone       zonesync.ZoneID
	Scope      zonesync.Scope
	Share      *zonesync.Share
	Permission zonesync.Permission
}

// CanWrite reports whether local mutations in the zone are allowed.
func (z *zoneState) CanWrite() bool {
	return z.Permission != zonesync.PermissionReadOnly
}

// zoneStore persists zone membership in _zonesync_zones. Guard triggers
// consult the same table in SQL, so every mutation here immediately
// affects which local writes are accepted.
type zoneStore struct{}

func (s *zoneStore) Upsert(ctx context.Context, q dbtx, zs *zoneState) error {
	var share any
	if zs.Share != nil {
		b, err := json.Marshal(zs.Share)
		if err != nil {
			return fmt.Errorf("failed to encode share for zone %s: %w", zs.Zone, err)
		}
		share = string(b)
	}
	perm := zs.Permission
	if perm == "" {
		perm = zonesync.PermissionReadWrite
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO _zonesync_zones (zone_name, owner_name, scope, share, permission)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (zone_name, owner_name) DO UPDATE SET
			scope = excluded.scope,
			share = excluded.share,
			permission = excluded.permission
	`, zs.Zone.ZoneName, zs.Zone.OwnerName, string(zs.Scope), share, string(perm))
	if err != nil {
		return fmt.Errorf("failed to store zone %s: %w", zs.Zone, err)
	}
	return nil
}

func (s *zoneStore) Get(ctx context.Context, q dbtx, zone zonesync.ZoneID) (*zoneState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT zone_name, owner_name, scope, share, permission
		FROM _zonesync_zones WHERE zone_name = ? AND owner_name = ?
	`, zone.ZoneName, zone.OwnerName)
	zs, err := scanZone(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return zs, err
}

func (s *zoneStore) List(ctx context.Context, q dbtx, scope zonesync.Scope) ([]*zoneState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT zone_name, owner_name, scope, share, permission
		FROM _zonesync_zones WHERE scope = ?
		ORDER BY zone_name, owner_name
	`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to list zones for scope %s: %w", scope, err)
	}
	defer rows.Close()

	var zones []*zoneState
	for rows.Next() {
		zs, err := scanZone(rows.Scan)
		if err != nil {
			return nil, err
		}
		zones = append(zones, zs)
	}
	return zones, rows.Err()
}

func (s *zoneStore) Delete(ctx context.Context, q dbtx, zone zonesync.ZoneID) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM _zonesync_zones WHERE zone_name = ? AND owner_name = ?`,
		zone.ZoneName, zone.OwnerName)
	if err != nil {
		return fmt.Errorf("failed to delete zone %s: %w", zone, err)
	}
	return nil
}

func scanZone(scan func(dest ...any) error) (*zoneState, error) {
	var zs zoneState
	var scope, perm string
	var share sql.NullString
	if err := scan(&zs.Zone.ZoneName, &zs.Zone.OwnerName, &scope, &share, &perm); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan zone: %w", err)
	}
	zs.Scope = zonesync.Scope(scope)
	zs.Permission = zonesync.Permission(perm)
	if share.Valid && share.String != "" {
		var sh zonesync.Share
		if err := json.Unmarshal([]byte(share.String), &sh); err != nil {
			return nil, fmt.Errorf("corrupt share for zone %s: %w", zs.Zone, err)
		}
		zs.Share = &sh
	}
	return &zs, nil
}
