// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesync

import (
	"encoding/json"
	"testing"
)

func TestFieldValueJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   FieldValue
	}{
		{"string scalar", Scalar("hello")},
		{"nil scalar", Scalar(nil)},
		{"bool scalar", Scalar(true)},
		{"number scalar", Scalar(float64(42))},
		{"inline bytes", Bytes([]byte{0x00, 0x01, 0xFF})},
		{"asset reference", Asset(&AssetRef{Hash: "abc123", Size: 1024})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out FieldValue
			if err := json.Unmarshal(data, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !tt.in.Equal(out) {
				t.Errorf("round trip changed value: in=%+v out=%+v (json %s)", tt.in, out, data)
			}
		})
	}
}

func TestFieldValueEqualNormalizesNumbers(t *testing.T) {
	// An int64 written locally compares equal to the float64 that comes
	// back from a JSON round trip.
	if !Scalar(int64(7)).Equal(Scalar(float64(7))) {
		t.Error("int64(7) should equal float64(7)")
	}
	if Scalar(int64(7)).Equal(Scalar(float64(8))) {
		t.Error("int64(7) should not equal float64(8)")
	}
	if Scalar("7").Equal(Scalar(float64(7))) {
		t.Error("string \"7\" should not equal float64(7)")
	}
}

func TestFieldValueEqualMixedRepresentations(t *testing.T) {
	if Bytes([]byte("x")).Equal(Scalar("x")) {
		t.Error("bytes and scalar must not compare equal")
	}
	if !Asset(&AssetRef{Hash: "h1"}).Equal(Asset(&AssetRef{Hash: "h1", Size: 9})) {
		t.Error("assets compare by hash")
	}
	if Asset(&AssetRef{Hash: "h1"}).Equal(Asset(&AssetRef{Hash: "h2"})) {
		t.Error("different hashes must not compare equal")
	}
}

func TestRecordRowTime(t *testing.T) {
	rec := &Record{
		FieldTimes: map[string]int64{"a": 10, "b": 30, "c": 20},
	}
	if got := rec.RowTime(); got != 30 {
		t.Errorf("RowTime() = %d, want 30", got)
	}

	empty := &Record{}
	if got := empty.RowTime(); got != 0 {
		t.Errorf("RowTime() of empty record = %d, want 0", got)
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	parent := RecordID{RecordName: "1:lists", ZoneID: ZoneID{ZoneName: "z", OwnerName: "o"}}
	rec := &Record{
		RecordID:   RecordID{RecordName: "2:reminders", ZoneID: parent.ZoneID},
		RecordType: "reminders",
		Fields:     map[string]FieldValue{"title": Scalar("milk")},
		FieldTimes: map[string]int64{"title": 5},
		Parent:     &parent,
	}

	clone := rec.Clone()
	clone.Fields["title"] = Scalar("eggs")
	clone.FieldTimes["title"] = 9
	clone.Parent.RecordName = "changed"

	if !rec.Fields["title"].Equal(Scalar("milk")) {
		t.Error("mutating clone fields changed the original")
	}
	if rec.FieldTimes["title"] != 5 {
		t.Error("mutating clone times changed the original")
	}
	if rec.Parent.RecordName != "1:lists" {
		t.Error("mutating clone parent changed the original")
	}
}
