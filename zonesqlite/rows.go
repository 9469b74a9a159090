// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mobiletoly/go-zonesync/zonesync"
)

// pkArg converts the text primary key stored in metadata back into the
// driver value for the live table. BLOB keys were hex-encoded by the
// capture triggers.
func pkArg(vt *validatedTable, pk string) (any, error) {
	if col := vt.info.Column(vt.pkCol); col != nil && col.IsBlob() {
		raw, err := hex.DecodeString(pk)
		if err != nil {
			return nil, fmt.Errorf("invalid hex primary key %q for table %s: %w", pk, vt.name, err)
		}
		return raw, nil
	}
	return pk, nil
}

// readRow loads one live row as a field map keyed by lower-cased column
// name. The second return is false when the row does not exist.
func readRow(ctx context.Context, q dbtx, vt *validatedTable, pk string) (map[string]zonesync.FieldValue, bool, error) {
	cols := make([]string, len(vt.info.Columns))
	for i, c := range vt.info.Columns {
		cols[i] = c.Name
	}
	arg, err := pkArg(vt, pk)
	if err != nil {
		return nil, false, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(cols, ", "), vt.name, vt.pkCol)
	row := q.QueryRowContext(ctx, query, arg)

	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = new(any)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s.%s: %w", vt.name, pk, err)
	}

	fields := make(map[string]zonesync.FieldValue, len(cols))
	for i, c := range vt.info.Columns {
		v := *(dest[i].(*any))
		name := strings.ToLower(c.Name)
		switch val := v.(type) {
		case []byte:
			if c.IsBlob() {
				// Copy: the driver may reuse the buffer.
				b := make([]byte, len(val))
				copy(b, val)
				fields[name] = zonesync.Bytes(b)
			} else {
				fields[name] = zonesync.Scalar(string(val))
			}
		default:
			fields[name] = zonesync.Scalar(v)
		}
	}
	return fields, true, nil
}

// upsertRow writes a field map into the live table, inserting the row if
// it does not exist and otherwise updating only the given columns.
// Fields that do not match a current schema column are ignored; they stay
// tracked in the metadata all-fields snapshot instead. Asset references
// must be resolved to bytes before calling.
func upsertRow(ctx context.Context, q dbtx, vt *validatedTable, pk string, fields map[string]zonesync.FieldValue) error {
	pkVal, err := pkArg(vt, pk)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if strings.EqualFold(name, vt.pkCol) {
			continue
		}
		if vt.info.Column(name) == nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	cols := []string{vt.pkCol}
	args := []any{pkVal}
	var sets []string
	for _, name := range names {
		fv := fields[name]
		if fv.Asset != nil {
			return fmt.Errorf("unresolved asset reference in %s.%s field %q", vt.name, pk, name)
		}
		arg := any(fv.Scalar)
		if fv.Bytes != nil {
			arg = fv.Bytes
		}
		cols = append(cols, name)
		args = append(args, arg)
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", name, name))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", vt.name, strings.Join(cols, ", "), placeholders)
	if len(sets) > 0 {
		query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", vt.pkCol, strings.Join(sets, ", "))
	} else {
		query += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", vt.pkCol)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %s.%s: %w", vt.name, pk, err)
	}
	return nil
}

// deleteRow removes one live row.
func deleteRow(ctx context.Context, q dbtx, vt *validatedTable, pk string) error {
	arg, err := pkArg(vt, pk)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", vt.name, vt.pkCol)
	if _, err := q.ExecContext(ctx, query, arg); err != nil {
		return fmt.Errorf("failed to delete %s.%s: %w", vt.name, pk, err)
	}
	return nil
}
