// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"github.com/mobiletoly/go-zonesync/zonesync"
)

// mergeResult is the outcome of reconciling a local row with a server
// record.
type mergeResult struct {
	// Fields is the merged field set to persist locally and treat as the
	// new last known server state.
	Fields map[string]zonesync.FieldValue

	// Times carries the winning causal timestamp per field.
	Times map[string]int64

	// LocalWon lists fields where the local value beat the server's; a
	// non-empty list means the row must be re-exported.
	LocalWon []string
}

// mergeFields reconciles two versions of a record field by field using
// last-writer-wins on causal timestamps. A tie goes to the server: both
// sides then converge on the value the server already holds, without
// another round trip.
func mergeFields(
	localFields map[string]zonesync.FieldValue, localTimes map[string]int64,
	serverFields map[string]zonesync.FieldValue, serverTimes map[string]int64,
) mergeResult {
	res := mergeResult{
		Fields: make(map[string]zonesync.FieldValue, len(serverFields)),
		Times:  make(map[string]int64, len(serverTimes)),
	}

	seen := make(map[string]bool, len(localFields)+len(serverFields))
	consider := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true

		localVal, hasLocal := localFields[name]
		serverVal, hasServer := serverFields[name]
		localTime := localTimes[name]
		serverTime := serverTimes[name]

		switch {
		case hasLocal && hasServer:
			if localTime > serverTime {
				res.Fields[name] = localVal
				res.Times[name] = localTime
				if !localVal.Equal(serverVal) {
					res.LocalWon = append(res.LocalWon, name)
				}
			} else {
				res.Fields[name] = serverVal
				res.Times[name] = serverTime
			}
		case hasServer:
			res.Fields[name] = serverVal
			res.Times[name] = serverTime
		case hasLocal:
			// Field the server has never seen (e.g. local schema is ahead).
			res.Fields[name] = localVal
			res.Times[name] = localTime
			if localTime > 0 {
				res.LocalWon = append(res.LocalWon, name)
			}
		}
	}

	for name := range serverFields {
		consider(name)
	}
	for name := range localFields {
		consider(name)
	}
	return res
}

// stampLocalChanges assigns the row's modification time to every field
// that differs from the last observed server state. Capture triggers only
// bump the row clock; the per-field attribution happens here, lazily,
// right before the timestamps are compared or exported.
func stampLocalChanges(fields map[string]zonesync.FieldValue, m *SyncMetadata) {
	for _, field := range changedFields(fields, m.AllFields) {
		if _, ok := fields[field]; !ok {
			continue // field no longer in local schema
		}
		if m.UserModificationTime > m.FieldTimes[field] {
			m.FieldTimes[field] = m.UserModificationTime
		}
	}
}

// changedFields reports the fields whose values differ between the live
// row and a baseline snapshot, plus fields present only on one side.
func changedFields(current, baseline map[string]zonesync.FieldValue) []string {
	var changed []string
	for name, val := range current {
		base, ok := baseline[name]
		if !ok || !val.Equal(base) {
			changed = append(changed, name)
		}
	}
	for name := range baseline {
		if _, ok := current[name]; !ok {
			changed = append(changed, name)
		}
	}
	return changed
}
