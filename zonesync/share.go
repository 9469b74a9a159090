// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesync

import "fmt"

// Permission is the access level a share grants a participant.
type Permission string

const (
	PermissionReadOnly  Permission = "readOnly"
	PermissionReadWrite Permission = "readWrite"
)

// Participant is a user a share has been extended to.
type Participant struct {
	UserID     string     `json:"user_id"`
	Permission Permission `json:"permission"`
}

// Share is the grant attached to a shared zone: the root record the
// hierarchy is rooted at plus the per-participant permissions.
type Share struct {
	ShareID      RecordID      `json:"share_id"`
	RootRecordID RecordID      `json:"root_record_id"`
	Participants []Participant `json:"participants,omitempty"`

	// CurrentUserPermission is the grant the local user holds, as last
	// known from the remote store. It may lag the server's authoritative
	// state; the next outbound save is the tie-breaker.
	CurrentUserPermission Permission `json:"current_user_permission"`
}

// ShareInvite is what a participant redeems to accept a share.
type ShareInvite struct {
	ShareID    RecordID `json:"share_id"`
	RootRecord *Record  `json:"root_record,omitempty"`
}

// AcceptedShare is the remote store's answer to a share acceptance: the
// share metadata plus the zone the shared hierarchy lives in.
type AcceptedShare struct {
	Share Share  `json:"share"`
	Zone  ZoneID `json:"zone"`
}

// PermissionError rejects a local write into a zone whose current known
// share grant does not permit writing. Distinguishable from generic store
// errors via errors.As.
type PermissionError struct {
	Zone  ZoneID
	Table string
	PK    string
}

func (e *PermissionError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("write permission denied for %s.%s in zone %s", e.Table, e.PK, e.Zone)
	}
	return fmt.Sprintf("write permission denied for zone %s", e.Zone)
}
