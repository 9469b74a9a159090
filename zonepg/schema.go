// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonepg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store schema: zones, the authoritative record state, an append-only
// change log driving incremental fetch, and share grants.
var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS zonesync`,

	`CREATE TABLE IF NOT EXISTS zonesync.zones (
		zone_name  TEXT NOT NULL,
		owner_name TEXT NOT NULL,
		PRIMARY KEY (zone_name, owner_name)
	)`,

	`CREATE TABLE IF NOT EXISTS zonesync.records (
		zone_name          TEXT NOT NULL,
		owner_name         TEXT NOT NULL,
		record_name        TEXT NOT NULL,
		record_type        TEXT NOT NULL,
		fields             JSONB NOT NULL,
		field_times        JSONB NOT NULL,
		parent_record_name TEXT,
		share_record_name  TEXT,
		row_time           BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (zone_name, owner_name, record_name),
		FOREIGN KEY (zone_name, owner_name)
			REFERENCES zonesync.zones (zone_name, owner_name) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS zonesync.change_log (
		seq         BIGSERIAL PRIMARY KEY,
		zone_name   TEXT NOT NULL,
		owner_name  TEXT NOT NULL,
		record_name TEXT NOT NULL DEFAULT '',
		record_type TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL CHECK (kind IN ('save','delete','zone_delete','share'))
	)`,

	`CREATE INDEX IF NOT EXISTS change_log_zone_idx
		ON zonesync.change_log (zone_name, owner_name, seq)`,

	`CREATE TABLE IF NOT EXISTS zonesync.shares (
		share_name       TEXT NOT NULL,
		zone_name        TEXT NOT NULL,
		owner_name       TEXT NOT NULL,
		root_record_name TEXT NOT NULL,
		PRIMARY KEY (share_name, zone_name, owner_name)
	)`,

	`CREATE TABLE IF NOT EXISTS zonesync.share_participants (
		share_name TEXT NOT NULL,
		zone_name  TEXT NOT NULL,
		owner_name TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		permission TEXT NOT NULL DEFAULT 'readWrite',
		PRIMARY KEY (share_name, zone_name, owner_name, user_id),
		FOREIGN KEY (share_name, zone_name, owner_name)
			REFERENCES zonesync.shares (share_name, zone_name, owner_name) ON DELETE CASCADE
	)`,
}

// InitSchema creates the store's tables. Idempotent.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to initialize store schema: %w", err)
			}
		}
		return nil
	})
}
