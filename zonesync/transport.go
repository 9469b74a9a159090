// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesync

import "context"

// Scope partitions sync activity between the user's own zones and zones
// shared with them. Each scope carries its own change token and its own
// pending-change queue.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeShared  Scope = "shared"
)

// AccountStatus mirrors the remote store's view of the signed-in account.
type AccountStatus int

const (
	AccountCouldNotDetermine AccountStatus = iota
	AccountAvailable
	AccountNoAccount
	AccountRestricted
	AccountTemporarilyUnavailable
)

func (s AccountStatus) String() string {
	switch s {
	case AccountAvailable:
		return "available"
	case AccountNoAccount:
		return "noAccount"
	case AccountRestricted:
		return "restricted"
	case AccountTemporarilyUnavailable:
		return "temporarilyUnavailable"
	default:
		return "couldNotDetermine"
	}
}

// SaveBatch is one zone's worth of outbound operations. Saves are ordered
// parent-first and deletes child-first by the producer; when Atomic is set
// the remote store must apply the whole batch or none of it.
type SaveBatch struct {
	Zone    ZoneID     `json:"zone"`
	Atomic  bool       `json:"atomic"`
	Saves   []*Record  `json:"saves,omitempty"`
	Deletes []RecordID `json:"deletes,omitempty"`
}

// Save result statuses. Applied operations echo the server's merged record;
// everything else names the reason the operation was not applied.
const (
	SaveApplied          = "applied"
	SaveConflict         = "conflict"
	SavePermissionDenied = "permission_denied"
	SaveParentMissing    = "parent_missing"
	SaveUnknownZone      = "unknown_zone"
	SaveUnknownRecord    = "unknown_record"
	SaveStaleVersion     = "stale_version"
)

// SaveResult reports the outcome of a single save or delete operation.
type SaveResult struct {
	RecordID     RecordID `json:"record_id"`
	Status       string   `json:"status"`
	ServerRecord *Record  `json:"server_record,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// SaveBatchResult pairs results with the operations of a SaveBatch, in
// submission order (saves first, then deletes).
type SaveBatchResult struct {
	SaveResults   []SaveResult `json:"save_results"`
	DeleteResults []SaveResult `json:"delete_results"`
}

// ChangeBatch is one page of incremental changes for a scope, delivered
// against an opaque change token.
type ChangeBatch struct {
	Changes       []*Record        `json:"changes,omitempty"`
	Deletions     []RecordDeletion `json:"deletions,omitempty"`
	DeletedZones  []ZoneID         `json:"deleted_zones,omitempty"`
	ChangedShares []Share          `json:"changed_shares,omitempty"`
	NextToken     string           `json:"next_token"`
	HasMore       bool             `json:"has_more"`
}

// RecordDeletion is a remote-side tombstone.
type RecordDeletion struct {
	RecordID   RecordID `json:"record_id"`
	RecordType string   `json:"record_type"`
}

// RemoteStore is the remote transport collaborator: CRUD on records
// addressed by (recordName, zone, owner), CRUD on zones, change-token based
// incremental fetch, share acceptance, and account status. All calls are
// expected to be cancellable via ctx.
type RemoteStore interface {
	AccountStatus(ctx context.Context) (AccountStatus, error)

	SaveZone(ctx context.Context, zone ZoneID) error
	DeleteZone(ctx context.Context, zone ZoneID) error
	ListZones(ctx context.Context, scope Scope) ([]ZoneID, error)

	// SaveBatch applies one per-zone batch of saves and deletes.
	SaveBatch(ctx context.Context, batch *SaveBatch) (*SaveBatchResult, error)

	// FetchChanges returns changes after the given token. An empty token
	// requests everything from the beginning of the scope's history.
	FetchChanges(ctx context.Context, scope Scope, token string, limit int) (*ChangeBatch, error)

	// AcceptShare redeems a share invite and returns the accepted share
	// together with the zone the shared hierarchy lives in.
	AcceptShare(ctx context.Context, invite ShareInvite) (*AcceptedShare, error)
}

// AssetStore stores and fetches large binary payloads addressed by content
// identity.
type AssetStore interface {
	StoreAsset(ctx context.Context, data []byte) (*AssetRef, error)
	FetchAsset(ctx context.Context, ref *AssetRef) ([]byte, error)
}
