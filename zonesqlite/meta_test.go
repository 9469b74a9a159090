// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-zonesync/zonesync"
)

func TestInitMetaSchemaIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := initMetaSchema(ctx, db); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := initMetaSchema(ctx, db); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func TestInitMetaSchemaResetsStuckApplyMode(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := initMetaSchema(ctx, db); err != nil {
		t.Fatalf("init: %v", err)
	}
	mustExec(t, db, `UPDATE _zonesync_state SET apply_mode = 1 WHERE id = 1`)

	// Simulates a crash mid-apply: the next init clears the flag so
	// capture triggers fire again.
	if err := initMetaSchema(ctx, db); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	var mode int
	if err := db.QueryRow(`SELECT apply_mode FROM _zonesync_state WHERE id = 1`).Scan(&mode); err != nil {
		t.Fatalf("read apply_mode: %v", err)
	}
	if mode != 0 {
		t.Errorf("apply_mode = %d, want 0 after restart", mode)
	}
}

func TestMetaUpsertIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := initMetaSchema(ctx, db); err != nil {
		t.Fatalf("init: %v", err)
	}
	var store metaStore
	zone := zonesync.ZoneID{ZoneName: "zone", OwnerName: "alice"}

	first, err := store.Upsert(ctx, db, "reminders", "r1", zone)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.RecordName != "r1:reminders" {
		t.Errorf("RecordName = %q, want r1:reminders", first.RecordName)
	}

	// Mutate, then upsert again: the entry must survive unchanged.
	first.UserModificationTime = 42
	if err := store.Put(ctx, db, first); err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := store.Upsert(ctx, db, "reminders", "r1", zone)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.UserModificationTime != 42 {
		t.Errorf("second upsert clobbered existing entry: %+v", second)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM _zonesync_meta`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("meta rows = %d, want 1", count)
	}
}

func TestMetaPutGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := initMetaSchema(ctx, db); err != nil {
		t.Fatalf("init: %v", err)
	}
	var store metaStore
	zone := zonesync.ZoneID{ZoneName: "zone", OwnerName: "alice"}

	server := &zonesync.Record{
		RecordID:   zonesync.RecordIDFor("r1", "reminders", zone),
		RecordType: "reminders",
		Fields: map[string]zonesync.FieldValue{
			"title": zonesync.Scalar("milk"),
			"photo": zonesync.Bytes([]byte{1, 2, 3}),
		},
		FieldTimes: map[string]int64{"title": 10, "photo": 11},
	}
	in := &SyncMetadata{
		RecordType:               "reminders",
		RecordPK:                 "r1",
		ZoneName:                 zone.ZoneName,
		OwnerName:                zone.OwnerName,
		RecordName:               "r1:reminders",
		ParentRecordType:         "lists",
		ParentRecordPK:           "l1",
		ParentRecordName:         "l1:lists",
		LastKnownServerRecord:    server,
		AllFields:                server.Fields,
		FieldTimes:               server.FieldTimes,
		HasLastKnownServerRecord: true,
		UserModificationTime:     12,
	}
	if err := store.Put(ctx, db, in); err != nil {
		t.Fatalf("put: %v", err)
	}

	out, err := store.Get(ctx, db, "reminders", "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out == nil {
		t.Fatal("get returned nil")
	}
	if out.ParentRecordName != "l1:lists" || !out.HasLastKnownServerRecord {
		t.Errorf("round trip lost fields: %+v", out)
	}
	if out.FieldTimes["photo"] != 11 {
		t.Errorf("field times = %v", out.FieldTimes)
	}
	if !out.AllFields["photo"].Equal(zonesync.Bytes([]byte{1, 2, 3})) {
		t.Errorf("all-fields snapshot lost blob: %+v", out.AllFields["photo"])
	}
	if out.LastKnownServerRecord == nil || !out.LastKnownServerRecord.Fields["title"].Equal(zonesync.Scalar("milk")) {
		t.Errorf("server record snapshot mangled: %+v", out.LastKnownServerRecord)
	}
}

func TestMetaGetMissingReturnsNil(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := initMetaSchema(ctx, db); err != nil {
		t.Fatalf("init: %v", err)
	}
	var store metaStore
	m, err := store.Get(ctx, db, "reminders", "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil for untracked row, got %+v", m)
	}
}

func TestPendingQueueCoalesces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := initMetaSchema(ctx, db); err != nil {
		t.Fatalf("init: %v", err)
	}
	var store metaStore

	if err := store.Enqueue(ctx, db, "reminders", "r1", opSave); err != nil {
		t.Fatal(err)
	}
	if err := store.Enqueue(ctx, db, "reminders", "r2", opSave); err != nil {
		t.Fatal(err)
	}
	// Second save for r1 coalesces into the existing entry.
	if err := store.Enqueue(ctx, db, "reminders", "r1", opSave); err != nil {
		t.Fatal(err)
	}

	pending, err := store.ListPending(ctx, db, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d entries, want 2", len(pending))
	}

	if err := store.DeletePendingIfSeq(ctx, db, "reminders", "r2", pending[0].ChangeSeq+999); err != nil {
		t.Fatal(err)
	}
	remaining, err := store.ListPending(ctx, db, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Error("DeletePendingIfSeq with stale sequence must not delete")
	}
}

func TestReenqueueBumpsChangeSeq(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := initMetaSchema(ctx, db); err != nil {
		t.Fatalf("init: %v", err)
	}
	var store metaStore

	if err := store.Enqueue(ctx, db, "reminders", "r1", opSave); err != nil {
		t.Fatal(err)
	}
	pending, err := store.ListPending(ctx, db, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d entries, want 1", len(pending))
	}
	staged := pending[0].ChangeSeq

	// A write that lands while the entry is staged for export coalesces
	// into it; the sequence must advance so settling the export with the
	// staged sequence cannot clear the newer change.
	if err := store.Enqueue(ctx, db, "reminders", "r1", opSave); err != nil {
		t.Fatal(err)
	}
	if err := store.DeletePendingIfSeq(ctx, db, "reminders", "r1", staged); err != nil {
		t.Fatal(err)
	}
	remaining, err := store.ListPending(ctx, db, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatal("coalesced change cleared by the staged sequence")
	}
	if remaining[0].ChangeSeq <= staged {
		t.Errorf("change_seq = %d, want > %d after coalescing", remaining[0].ChangeSeq, staged)
	}
}

func TestChangeTokenRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := initMetaSchema(ctx, db); err != nil {
		t.Fatalf("init: %v", err)
	}
	var store metaStore

	token, err := store.ChangeToken(ctx, db, zonesync.ScopePrivate)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		t.Errorf("initial token = %q, want empty", token)
	}

	if err := store.SetChangeToken(ctx, db, zonesync.ScopePrivate, "cursor-17"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetChangeToken(ctx, db, zonesync.ScopeShared, "cursor-2"); err != nil {
		t.Fatal(err)
	}

	token, err = store.ChangeToken(ctx, db, zonesync.ScopePrivate)
	if err != nil {
		t.Fatal(err)
	}
	if token != "cursor-17" {
		t.Errorf("token = %q, want cursor-17", token)
	}
}
