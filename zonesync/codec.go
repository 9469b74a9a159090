// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesync

import (
	"fmt"
	"strings"
)

// Record name codec: a remote record name encodes the local primary key and
// table name as "<pk>:<table>". Table names never contain ':' (the schema
// validator rejects them), so the last colon is always the separator even
// when the primary key itself contains colons.

// FormatRecordName builds the remote record name for a local row.
func FormatRecordName(primaryKey, table string) string {
	return primaryKey + ":" + table
}

// ParseRecordName splits a remote record name back into primary key and
// table name.
func ParseRecordName(recordName string) (primaryKey, table string, err error) {
	idx := strings.LastIndex(recordName, ":")
	if idx <= 0 || idx == len(recordName)-1 {
		return "", "", fmt.Errorf("malformed record name %q", recordName)
	}
	return recordName[:idx], recordName[idx+1:], nil
}

// RecordIDFor builds the fully qualified remote identifier for a local row
// in the given zone.
func RecordIDFor(primaryKey, table string, zone ZoneID) RecordID {
	return RecordID{
		RecordName: FormatRecordName(primaryKey, table),
		ZoneID:     zone,
	}
}
