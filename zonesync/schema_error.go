// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesync

import "fmt"

// SchemaErrorReason is the machine-distinguishable category of a schema
// validation failure.
type SchemaErrorReason string

const (
	ReasonInvalidTableName        SchemaErrorReason = "invalidTableName"
	ReasonInvalidForeignKeyAction SchemaErrorReason = "invalidForeignKeyAction"
	ReasonInvalidForeignKey       SchemaErrorReason = "invalidForeignKey"
	ReasonUniquenessConstraint    SchemaErrorReason = "uniquenessConstraint"
	ReasonCycleDetected           SchemaErrorReason = "cycleDetected"
)

// SchemaError is raised when the local schema cannot be synchronized. It is
// fatal and surfaced before any sync activity begins.
type SchemaError struct {
	Reason           SchemaErrorReason
	DebugDescription string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation failed (%s): %s", e.Reason, e.DebugDescription)
}

// NewInvalidTableName reports a table name containing a character outside
// the identifier allow-set.
func NewInvalidTableName(char rune) *SchemaError {
	return &SchemaError{
		Reason:           ReasonInvalidTableName,
		DebugDescription: fmt.Sprintf("Table name contains invalid character '%c'", char),
	}
}

// NewInvalidForeignKeyAction reports a foreign key whose delete/update
// action is outside the {CASCADE, SET NULL, SET DEFAULT} allow-list.
func NewInvalidForeignKeyAction(table, column string) *SchemaError {
	return &SchemaError{
		Reason: ReasonInvalidForeignKeyAction,
		DebugDescription: fmt.Sprintf(
			"Foreign key %q.%q action not supported. Must be 'CASCADE', 'SET DEFAULT' or 'SET NULL'.",
			table, column),
	}
}

// NewInvalidForeignKey reports a foreign key referencing a table that is
// not itself synchronized.
func NewInvalidForeignKey(table, column, other string) *SchemaError {
	return &SchemaError{
		Reason: ReasonInvalidForeignKey,
		DebugDescription: fmt.Sprintf(
			"Foreign key %q.%q references table %q that is not synchronized. Update initialization to synchronize %q.",
			table, column, other, other),
	}
}

// NewUniquenessConstraint reports a uniqueness constraint beyond the
// primary key; the remote store has no analogous constraint and the two
// sides would silently diverge.
func NewUniquenessConstraint() *SchemaError {
	return &SchemaError{
		Reason:           ReasonUniquenessConstraint,
		DebugDescription: "Uniqueness constraints are not supported for synchronized tables.",
	}
}

// NewCycleDetected reports a cycle in the synchronized-table dependency
// graph.
func NewCycleDetected() *SchemaError {
	return &SchemaError{
		Reason:           ReasonCycleDetected,
		DebugDescription: "Cycles are not currently permitted in schemas, e.g. a table that references itself.",
	}
}
