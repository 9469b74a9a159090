// Package zonesync provides the storage-agnostic core of the go-zonesync
// two-way synchronization engine: the zone/record data model, the record
// identifier codec, the share and permission model, and the collaborator
// interfaces (remote record store, asset store) the engine talks to.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesync

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ZoneID identifies a remote-side partition of records. A zone is owned
// privately by a single user or shared with other participants.
type ZoneID struct {
	ZoneName  string `json:"zone_name"`
	OwnerName string `json:"owner_name"`
}

func (z ZoneID) String() string {
	return z.ZoneName + "/" + z.OwnerName
}

// RecordID addresses a single remote record inside a zone.
type RecordID struct {
	RecordName string `json:"record_name"`
	ZoneID     ZoneID `json:"zone"`
}

func (r RecordID) String() string {
	return r.RecordName + "@" + r.ZoneID.String()
}

// AssetRef points at an out-of-line binary payload addressed by content
// identity. Size is advisory; Hash is the dedupe key.
type AssetRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// FieldValue is a type-erased field value as it travels on the wire and
// through the merge algorithm. Exactly one representation is populated:
// a scalar (nil, bool, string, or a JSON number), inline bytes, or an
// out-of-line asset reference.
type FieldValue struct {
	Scalar any
	Bytes  []byte
	Asset  *AssetRef
}

// taggedValue is the JSON envelope for the non-scalar representations.
type taggedValue struct {
	Bytes *string   `json:"$bytes,omitempty"`
	Asset *AssetRef `json:"$asset,omitempty"`
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.Asset != nil:
		return json.Marshal(taggedValue{Asset: v.Asset})
	case v.Bytes != nil:
		enc := base64.StdEncoding.EncodeToString(v.Bytes)
		return json.Marshal(taggedValue{Bytes: &enc})
	default:
		return json.Marshal(v.Scalar)
	}
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var tagged taggedValue
		if err := json.Unmarshal(trimmed, &tagged); err == nil {
			if tagged.Asset != nil {
				*v = FieldValue{Asset: tagged.Asset}
				return nil
			}
			if tagged.Bytes != nil {
				raw, err := base64.StdEncoding.DecodeString(*tagged.Bytes)
				if err != nil {
					return fmt.Errorf("invalid $bytes payload: %w", err)
				}
				*v = FieldValue{Bytes: raw}
				return nil
			}
		}
	}
	var scalar any
	if err := json.Unmarshal(data, &scalar); err != nil {
		return err
	}
	*v = FieldValue{Scalar: scalar}
	return nil
}

// Equal reports whether two field values carry the same payload. Numeric
// scalars are compared after normalization so that values surviving a JSON
// round trip (int64 -> float64) still compare equal.
func (v FieldValue) Equal(other FieldValue) bool {
	switch {
	case v.Asset != nil || other.Asset != nil:
		return v.Asset != nil && other.Asset != nil && v.Asset.Hash == other.Asset.Hash
	case v.Bytes != nil || other.Bytes != nil:
		return bytes.Equal(v.Bytes, other.Bytes)
	default:
		a, aNum := normalizeNumber(v.Scalar)
		b, bNum := normalizeNumber(other.Scalar)
		if aNum && bNum {
			return a == b
		}
		if aNum != bNum {
			return false
		}
		return v.Scalar == other.Scalar
	}
}

func normalizeNumber(val any) (float64, bool) {
	switch n := val.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Bytes returns the inline byte payload, if any.
func Bytes(b []byte) FieldValue { return FieldValue{Bytes: b} }

// Scalar wraps a plain scalar value.
func Scalar(v any) FieldValue { return FieldValue{Scalar: v} }

// Asset wraps an out-of-line asset reference.
func Asset(ref *AssetRef) FieldValue { return FieldValue{Asset: ref} }

// Record is the unit of synchronization: a typed bag of field values with
// per-field causal timestamps. Field timestamps are Lamport-style logical
// clock values; the row timestamp is their maximum.
type Record struct {
	RecordID   RecordID              `json:"record_id"`
	RecordType string                `json:"record_type"`
	Fields     map[string]FieldValue `json:"fields"`
	FieldTimes map[string]int64      `json:"field_times"`
	Parent     *RecordID             `json:"parent,omitempty"`
	Share      *RecordID             `json:"share,omitempty"`
}

// RowTime returns the maximum field timestamp, the causal timestamp of the
// record as a whole.
func (r *Record) RowTime() int64 {
	var max int64
	for _, ts := range r.FieldTimes {
		if ts > max {
			max = ts
		}
	}
	return max
}

// Clone returns a deep copy; the merge algorithm mutates records in place
// and callers sometimes need to retain the unmerged server snapshot.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		RecordID:   r.RecordID,
		RecordType: r.RecordType,
		Fields:     make(map[string]FieldValue, len(r.Fields)),
		FieldTimes: make(map[string]int64, len(r.FieldTimes)),
	}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	for k, ts := range r.FieldTimes {
		out.FieldTimes[k] = ts
	}
	if r.Parent != nil {
		p := *r.Parent
		out.Parent = &p
	}
	if r.Share != nil {
		s := *r.Share
		out.Share = &s
	}
	return out
}
