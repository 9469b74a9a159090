// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"sort"
	"testing"

	"github.com/mobiletoly/go-zonesync/zonesync"
)

func TestMergeFieldsLastWriterWins(t *testing.T) {
	tests := []struct {
		name         string
		localVal     any
		localTime    int64
		serverVal    any
		serverTime   int64
		wantVal      any
		wantLocalWon bool
	}{
		{"local newer wins", "local", 20, "server", 10, "local", true},
		{"server newer wins", "local", 10, "server", 20, "server", false},
		{"tie goes to server", "local", 15, "server", 15, "server", false},
		{"equal values no re-export", "same", 20, "same", 10, "same", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mergeFields(
				map[string]zonesync.FieldValue{"title": zonesync.Scalar(tt.localVal)},
				map[string]int64{"title": tt.localTime},
				map[string]zonesync.FieldValue{"title": zonesync.Scalar(tt.serverVal)},
				map[string]int64{"title": tt.serverTime},
			)
			if !res.Fields["title"].Equal(zonesync.Scalar(tt.wantVal)) {
				t.Errorf("merged value = %+v, want %v", res.Fields["title"], tt.wantVal)
			}
			if got := len(res.LocalWon) > 0; got != tt.wantLocalWon {
				t.Errorf("LocalWon = %v, want re-export %v", res.LocalWon, tt.wantLocalWon)
			}
		})
	}
}

func TestMergeFieldsDisjointFieldSets(t *testing.T) {
	res := mergeFields(
		map[string]zonesync.FieldValue{
			"title":    zonesync.Scalar("milk"),
			"isFlag":   zonesync.Scalar(true),
			"newLocal": zonesync.Scalar("added here"),
		},
		map[string]int64{"title": 5, "isFlag": 5, "newLocal": 7},
		map[string]zonesync.FieldValue{
			"title":     zonesync.Scalar("eggs"),
			"serverOnly": zonesync.Scalar(99.0),
		},
		map[string]int64{"title": 9, "serverOnly": 9},
	)

	if !res.Fields["title"].Equal(zonesync.Scalar("eggs")) {
		t.Error("server's newer title should win")
	}
	if !res.Fields["serverOnly"].Equal(zonesync.Scalar(99.0)) {
		t.Error("server-only field must be adopted")
	}
	if !res.Fields["newLocal"].Equal(zonesync.Scalar("added here")) {
		t.Error("local-only field must be kept")
	}

	sort.Strings(res.LocalWon)
	want := []string{"isFlag", "newLocal"}
	if len(res.LocalWon) != len(want) {
		t.Fatalf("LocalWon = %v, want %v", res.LocalWon, want)
	}
	for i, name := range want {
		if res.LocalWon[i] != name {
			t.Fatalf("LocalWon = %v, want %v", res.LocalWon, want)
		}
	}
}

func TestMergeFieldsLocalOnlyWithZeroTimeNotReexported(t *testing.T) {
	// A column added locally but never modified (timestamp zero) must not
	// keep the row in the pending queue forever.
	res := mergeFields(
		map[string]zonesync.FieldValue{"fresh": zonesync.Scalar(nil)},
		map[string]int64{},
		map[string]zonesync.FieldValue{},
		map[string]int64{},
	)
	if len(res.LocalWon) != 0 {
		t.Errorf("LocalWon = %v, want empty for unstamped local-only field", res.LocalWon)
	}
}

func TestMergeFieldsIdempotent(t *testing.T) {
	// Merging the merge result against the same server state must be a
	// fixed point: no value changes, nothing else to re-export.
	local := map[string]zonesync.FieldValue{"a": zonesync.Scalar("x"), "b": zonesync.Scalar(1.0)}
	localTimes := map[string]int64{"a": 10, "b": 3}
	server := map[string]zonesync.FieldValue{"a": zonesync.Scalar("y"), "b": zonesync.Scalar(2.0)}
	serverTimes := map[string]int64{"a": 4, "b": 8}

	first := mergeFields(local, localTimes, server, serverTimes)
	second := mergeFields(first.Fields, first.Times, server, serverTimes)

	for name, fv := range first.Fields {
		if !second.Fields[name].Equal(fv) {
			t.Errorf("field %q changed on re-merge: %+v -> %+v", name, fv, second.Fields[name])
		}
	}
}

func TestChangedFields(t *testing.T) {
	current := map[string]zonesync.FieldValue{
		"same":    zonesync.Scalar("v"),
		"changed": zonesync.Scalar("new"),
		"added":   zonesync.Scalar(1.0),
	}
	baseline := map[string]zonesync.FieldValue{
		"same":    zonesync.Scalar("v"),
		"changed": zonesync.Scalar("old"),
		"removed": zonesync.Scalar(true),
	}

	got := changedFields(current, baseline)
	sort.Strings(got)
	want := []string{"added", "changed", "removed"}
	if len(got) != len(want) {
		t.Fatalf("changedFields = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("changedFields = %v, want %v", got, want)
		}
	}
}

func TestStampLocalChanges(t *testing.T) {
	m := &SyncMetadata{
		FieldTimes:           map[string]int64{"title": 5, "done": 5},
		AllFields:            map[string]zonesync.FieldValue{"title": zonesync.Scalar("milk"), "done": zonesync.Scalar(false)},
		UserModificationTime: 12,
	}
	fields := map[string]zonesync.FieldValue{
		"title": zonesync.Scalar("eggs"), // changed
		"done":  zonesync.Scalar(false),  // untouched
	}

	stampLocalChanges(fields, m)

	if m.FieldTimes["title"] != 12 {
		t.Errorf("changed field time = %d, want 12", m.FieldTimes["title"])
	}
	if m.FieldTimes["done"] != 5 {
		t.Errorf("unchanged field time = %d, want 5", m.FieldTimes["done"])
	}
}
