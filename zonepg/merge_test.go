// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonepg

import (
	"testing"

	"github.com/mobiletoly/go-zonesync/zonesync"
)

func record(fields map[string]zonesync.FieldValue, times map[string]int64) *zonesync.Record {
	return &zonesync.Record{
		RecordType: "reminders",
		Fields:     fields,
		FieldTimes: times,
	}
}

func TestMergeServerRecordIncomingWinsNewerFields(t *testing.T) {
	stored := record(
		map[string]zonesync.FieldValue{"title": zonesync.Scalar("old"), "notes": zonesync.Scalar("keep")},
		map[string]int64{"title": 10, "notes": 30},
	)
	incoming := record(
		map[string]zonesync.FieldValue{"title": zonesync.Scalar("new"), "notes": zonesync.Scalar("lose")},
		map[string]int64{"title": 20, "notes": 25},
	)

	merged, lost := mergeServerRecord(stored, incoming)
	if !lost {
		t.Error("losing notes field not reported")
	}
	if !merged.Fields["title"].Equal(zonesync.Scalar("new")) {
		t.Errorf("title = %+v, incoming newer value must win", merged.Fields["title"])
	}
	if !merged.Fields["notes"].Equal(zonesync.Scalar("keep")) {
		t.Errorf("notes = %+v, stored newer value must win", merged.Fields["notes"])
	}
	if merged.FieldTimes["title"] != 20 || merged.FieldTimes["notes"] != 30 {
		t.Errorf("field times = %v", merged.FieldTimes)
	}
}

func TestMergeServerRecordTieGoesToStored(t *testing.T) {
	stored := record(
		map[string]zonesync.FieldValue{"title": zonesync.Scalar("stored")},
		map[string]int64{"title": 10},
	)
	incoming := record(
		map[string]zonesync.FieldValue{"title": zonesync.Scalar("incoming")},
		map[string]int64{"title": 10},
	)

	merged, lost := mergeServerRecord(stored, incoming)
	if !lost {
		t.Error("tie with differing values must report a lost field")
	}
	if !merged.Fields["title"].Equal(zonesync.Scalar("stored")) {
		t.Errorf("title = %+v", merged.Fields["title"])
	}
}

func TestMergeServerRecordEqualValuesNoConflict(t *testing.T) {
	stored := record(
		map[string]zonesync.FieldValue{"title": zonesync.Scalar("same")},
		map[string]int64{"title": 20},
	)
	incoming := record(
		map[string]zonesync.FieldValue{"title": zonesync.Scalar("same")},
		map[string]int64{"title": 10},
	)

	if _, lost := mergeServerRecord(stored, incoming); lost {
		t.Error("identical values must not count as a conflict")
	}
}

func TestMergeServerRecordAdoptsUnknownFields(t *testing.T) {
	stored := record(
		map[string]zonesync.FieldValue{"title": zonesync.Scalar("t")},
		map[string]int64{"title": 10},
	)
	incoming := record(
		map[string]zonesync.FieldValue{"priority": zonesync.Scalar(int64(2))},
		map[string]int64{"priority": 5},
	)

	merged, lost := mergeServerRecord(stored, incoming)
	if lost {
		t.Error("new field reported as lost")
	}
	if !merged.Fields["priority"].Equal(zonesync.Scalar(int64(2))) {
		t.Errorf("priority = %+v", merged.Fields["priority"])
	}
	if !merged.Fields["title"].Equal(zonesync.Scalar("t")) {
		t.Error("stored field dropped")
	}
}

func TestMergeServerRecordAdoptsParentAndShare(t *testing.T) {
	zone := zonesync.ZoneID{ZoneName: "zone", OwnerName: "alice"}
	parent := zonesync.RecordIDFor("l1", "lists", zone)

	stored := record(map[string]zonesync.FieldValue{}, map[string]int64{})
	incoming := record(map[string]zonesync.FieldValue{}, map[string]int64{})
	incoming.Parent = &parent

	merged, _ := mergeServerRecord(stored, incoming)
	if merged.Parent == nil || merged.Parent.RecordName != "l1:lists" {
		t.Errorf("parent = %+v", merged.Parent)
	}
}

func TestIsHardFailure(t *testing.T) {
	soft := []string{zonesync.SaveApplied, zonesync.SaveConflict, zonesync.SaveUnknownRecord}
	for _, status := range soft {
		if isHardFailure(status) {
			t.Errorf("%s treated as hard failure", status)
		}
	}
	hard := []string{zonesync.SaveUnknownZone, zonesync.SavePermissionDenied, zonesync.SaveParentMissing}
	for _, status := range hard {
		if !isHardFailure(status) {
			t.Errorf("%s not treated as hard failure", status)
		}
	}
}
