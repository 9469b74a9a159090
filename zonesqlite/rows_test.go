// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-zonesync/zonesync"
)

func TestReadRowTypes(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE items (
			id TEXT PRIMARY KEY,
			title TEXT,
			qty INTEGER,
			weight REAL,
			photo BLOB
		)`,
		`INSERT INTO items (id, title, qty, weight, photo) VALUES ('i1', 'Milk', 2, 1.5, x'0a0b')`,
	)
	vts, err := validateTables(t, db, SyncTable{TableName: "items"})
	if err != nil {
		t.Fatal(err)
	}
	vt := vts[0]
	ctx := context.Background()

	fields, exists, err := readRow(ctx, db, vt, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("row not found")
	}
	if !fields["title"].Equal(zonesync.Scalar("Milk")) {
		t.Errorf("title = %+v", fields["title"])
	}
	if !fields["qty"].Equal(zonesync.Scalar(int64(2))) {
		t.Errorf("qty = %+v", fields["qty"])
	}
	if !fields["weight"].Equal(zonesync.Scalar(1.5)) {
		t.Errorf("weight = %+v", fields["weight"])
	}
	if !fields["photo"].Equal(zonesync.Bytes([]byte{0x0a, 0x0b})) {
		t.Errorf("photo = %+v", fields["photo"])
	}

	_, exists, err = readRow(ctx, db, vt, "absent")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("missing row reported as existing")
	}
}

func TestUpsertRowInsertsAndUpdates(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE items (id TEXT PRIMARY KEY, title TEXT, qty INTEGER)`)
	vts, err := validateTables(t, db, SyncTable{TableName: "items"})
	if err != nil {
		t.Fatal(err)
	}
	vt := vts[0]
	ctx := context.Background()

	err = upsertRow(ctx, db, vt, "i1", map[string]zonesync.FieldValue{
		"title": zonesync.Scalar("Milk"),
		"qty":   zonesync.Scalar(int64(2)),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Partial update: untouched columns survive.
	err = upsertRow(ctx, db, vt, "i1", map[string]zonesync.FieldValue{
		"qty": zonesync.Scalar(int64(3)),
	})
	if err != nil {
		t.Fatal(err)
	}

	var title string
	var qty int
	if err := db.QueryRow(`SELECT title, qty FROM items WHERE id = 'i1'`).Scan(&title, &qty); err != nil {
		t.Fatal(err)
	}
	if title != "Milk" || qty != 3 {
		t.Errorf("title = %q, qty = %d", title, qty)
	}
}

func TestUpsertRowIgnoresUnknownColumns(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE items (id TEXT PRIMARY KEY, title TEXT)`)
	vts, err := validateTables(t, db, SyncTable{TableName: "items"})
	if err != nil {
		t.Fatal(err)
	}

	// A remote record from a newer schema may carry columns this client
	// does not have yet.
	err = upsertRow(context.Background(), db, vts[0], "i1", map[string]zonesync.FieldValue{
		"title":       zonesync.Scalar("Milk"),
		"new_feature": zonesync.Scalar("ignored"),
	})
	if err != nil {
		t.Fatal(err)
	}
	var title string
	if err := db.QueryRow(`SELECT title FROM items WHERE id = 'i1'`).Scan(&title); err != nil {
		t.Fatal(err)
	}
	if title != "Milk" {
		t.Errorf("title = %q", title)
	}
}

func TestUpsertRowRejectsUnresolvedAsset(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE items (id TEXT PRIMARY KEY, photo BLOB)`)
	vts, err := validateTables(t, db, SyncTable{TableName: "items"})
	if err != nil {
		t.Fatal(err)
	}

	err = upsertRow(context.Background(), db, vts[0], "i1", map[string]zonesync.FieldValue{
		"photo": zonesync.Asset(&zonesync.AssetRef{Hash: "abc", Size: 3}),
	})
	if err == nil {
		t.Error("asset reference written to the live table without resolution")
	}
}

func TestBlobPrimaryKeyRoundTrip(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db,
		`CREATE TABLE items (id BLOB PRIMARY KEY, title TEXT)`,
		`INSERT INTO items (id, title) VALUES (x'0102ff', 'Binary')`,
	)
	vts, err := validateTables(t, db, SyncTable{TableName: "items"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	fields, exists, err := readRow(ctx, db, vts[0], "0102ff")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("blob-keyed row not found via hex key")
	}
	if !fields["title"].Equal(zonesync.Scalar("Binary")) {
		t.Errorf("title = %+v", fields["title"])
	}

	if err := deleteRow(ctx, db, vts[0], "0102ff"); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("row not deleted via hex key")
	}
}

type fakeAssetStore struct {
	blobs map[string][]byte
}

func (f *fakeAssetStore) StoreAsset(ctx context.Context, data []byte) (*zonesync.AssetRef, error) {
	hash := string(rune('a' + len(f.blobs)))
	f.blobs[hash] = data
	return &zonesync.AssetRef{Hash: hash, Size: int64(len(data))}, nil
}

func (f *fakeAssetStore) FetchAsset(ctx context.Context, ref *zonesync.AssetRef) ([]byte, error) {
	data, ok := f.blobs[ref.Hash]
	if !ok {
		return nil, context.Canceled
	}
	return data, nil
}

func TestAssetExternalizationRoundTrip(t *testing.T) {
	store := &fakeAssetStore{blobs: map[string][]byte{}}
	ctx := context.Background()

	big := make([]byte, 100)
	small := []byte{1, 2}
	fields := map[string]zonesync.FieldValue{
		"photo": zonesync.Bytes(big),
		"thumb": zonesync.Bytes(small),
		"title": zonesync.Scalar("Milk"),
	}

	if err := externalizeAssets(ctx, store, fields, 10); err != nil {
		t.Fatal(err)
	}
	if fields["photo"].Asset == nil {
		t.Error("large blob not externalized")
	}
	if fields["thumb"].Bytes == nil {
		t.Error("small blob externalized despite being under the limit")
	}

	if err := resolveAssets(ctx, store, fields); err != nil {
		t.Fatal(err)
	}
	if !fields["photo"].Equal(zonesync.Bytes(big)) {
		t.Errorf("asset round trip lost data: %+v", fields["photo"])
	}
}

func TestResolveAssetsWithoutStoreFails(t *testing.T) {
	fields := map[string]zonesync.FieldValue{
		"photo": zonesync.Asset(&zonesync.AssetRef{Hash: "abc", Size: 3}),
	}
	if err := resolveAssets(context.Background(), nil, fields); err == nil {
		t.Error("asset reference resolved without a store")
	}
}
