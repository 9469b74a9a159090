// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package zonesqlite synchronizes local SQLite tables with a remote
// zone/record store. Local writes are captured by triggers into a pending
// queue and exported in dependency order; remote changes are fetched with
// change tokens and merged field by field using last-writer-wins causal
// timestamps. See the zonesync package for the data model and the
// collaborator interfaces.
package zonesqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-zonesync/zonesync"
)

// Engine lifecycle states.
const (
	stateStopped int32 = iota
	stateStarting
	stateRunning
	stateStopping
)

// Delegate hooks into engine account events. Optional; without one the
// engine performs its default handling (local wipe on account change).
type Delegate interface {
	// ShouldWipeOnAccountChange is consulted before the engine wipes
	// synchronized data on an account switch. Returning false keeps the
	// local rows, which are then re-exported under the new account.
	ShouldWipeOnAccountChange(previous, current string) bool

	// AccountChanged fires after the switch completes.
	AccountChanged(previous, current string)
}

// Engine drives two-way synchronization for one SQLite database.
type Engine struct {
	db     *sql.DB
	cfg    *Config
	remote zonesync.RemoteStore
	assets zonesync.AssetStore
	clock  *zonesync.LogicalClock
	logger *slog.Logger
	mapper *columnMapper

	meta     metaStore
	zones    zoneStore
	provider *tableInfoProvider
	delegate Delegate

	// populated by Start after validation
	tables map[string]*validatedTable
	order  []*validatedTable
	rank   map[string]int
	owner  string

	state          atomic.Int32
	uploadPaused   atomic.Int32
	downloadPaused atomic.Int32

	mu           sync.Mutex
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	uploadSignal chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithAssetStore enables out-of-line storage for large blob fields.
func WithAssetStore(store zonesync.AssetStore) Option {
	return func(e *Engine) { e.assets = store }
}

// WithDelegate registers an account-event observer.
func WithDelegate(d Delegate) Option {
	return func(e *Engine) { e.delegate = d }
}

// NewEngine creates an engine for db backed by the given remote store.
// Nothing touches the database until Start.
func NewEngine(db *sql.DB, remote zonesync.RemoteStore, cfg *Config, opts ...Option) (*Engine, error) {
	if db == nil || remote == nil {
		return nil, fmt.Errorf("db and remote store are required")
	}
	if cfg == nil || len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("config must register at least one table")
	}
	mapper, err := newColumnMapper(cfg.ColumnMappings)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		db:           db,
		cfg:          cfg,
		remote:       remote,
		clock:        zonesync.NewLogicalClock(),
		logger:       slog.Default(),
		mapper:       mapper,
		provider:     newTableInfoProvider(),
		uploadSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start attaches synchronization: verifies the account, validates the
// schema, installs capture triggers and launches the background loops.
// Start fails without side effects on the first schema violation.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(stateStopped, stateStarting) {
		return fmt.Errorf("engine already started")
	}
	if err := e.start(ctx); err != nil {
		e.state.Store(stateStopped)
		return err
	}
	e.state.Store(stateRunning)
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	status, err := e.remote.AccountStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to determine account status: %w", err)
	}
	if status != zonesync.AccountAvailable {
		e.logger.Warn("Account not available; sync disabled until next start",
			"status", status.String())
		return zonesync.ErrNotAuthenticated
	}

	// SQLite ships with foreign key enforcement off; the schemas this
	// engine synchronizes rely on it.
	if _, err := e.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := initMetaSchema(ctx, e.db); err != nil {
		return err
	}

	tables, err := validateSchema(e.db, e.cfg, e.provider, e.logger)
	if err != nil {
		return err
	}
	order, rank, err := topologicalOrder(tables)
	if err != nil {
		return err
	}
	e.order = order
	e.rank = rank
	e.tables = make(map[string]*validatedTable, len(tables))
	for _, vt := range tables {
		e.tables[vt.name] = vt
	}

	if err := e.loadOwner(ctx); err != nil {
		return err
	}
	for _, vt := range e.order {
		if err := createTriggersForTable(ctx, e.db, vt); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.uploaderLoop(loopCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.downloaderLoop(loopCtx)
	}()

	e.logger.Info("Sync engine started",
		"tables", len(e.order), "owner", e.owner, "defaultZone", e.cfg.DefaultZoneName)
	return nil
}

// Stop halts the background loops. Triggers stay installed so local
// writes keep queueing while stopped.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(stateRunning, stateStopping) {
		return nil
	}
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.state.Store(stateStopped)
		return ctx.Err()
	}
	e.state.Store(stateStopped)
	e.logger.Info("Sync engine stopped")
	return nil
}

// TearDown stops the engine and removes everything it installed: capture
// and guard triggers and the side tables. User tables are untouched.
func (e *Engine) TearDown(ctx context.Context) error {
	if err := e.Stop(ctx); err != nil {
		return err
	}
	for name := range e.tables {
		if err := dropTriggersForTable(ctx, e.db, name); err != nil {
			return err
		}
	}
	for _, table := range []string{"_zonesync_pending", "_zonesync_meta", "_zonesync_zones", "_zonesync_tokens", "_zonesync_state"} {
		if _, err := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return nil
}

// Running reports whether the background loops are active.
func (e *Engine) Running() bool {
	return e.state.Load() == stateRunning
}

// PauseUploads suspends outbound flushing deterministically.
func (e *Engine) PauseUploads() { e.uploadPaused.Store(1) }

// ResumeUploads re-enables outbound flushing.
func (e *Engine) ResumeUploads() { e.uploadPaused.Store(0) }

// PauseDownloads suspends remote change processing.
func (e *Engine) PauseDownloads() { e.downloadPaused.Store(1) }

// ResumeDownloads re-enables remote change processing.
func (e *Engine) ResumeDownloads() { e.downloadPaused.Store(0) }

// TablesByOrder returns the synchronized table names in the dependency
// order saves are exported in. Useful for diagnostics and seeding.
func (e *Engine) TablesByOrder() []string {
	names := make([]string, len(e.order))
	for i, vt := range e.order {
		names[i] = vt.name
	}
	return names
}

// DefaultZone is the private zone rows are created in when nothing links
// them into a shared hierarchy.
func (e *Engine) defaultZone() zonesync.ZoneID {
	return zonesync.ZoneID{ZoneName: e.cfg.DefaultZoneName, OwnerName: e.owner}
}

// Write runs fn inside a transaction with sync semantics attached:
// capture triggers queue the changes, configured column mappings shadow
// renamed columns for rows the transaction touched, and writes into
// read-only shared zones roll the whole transaction back with a
// *zonesync.PermissionError.
func (e *Engine) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write transaction: %w", err)
	}
	defer tx.Rollback()

	var watermark int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq FROM _zonesync_state WHERE id = 1`).Scan(&watermark); err != nil {
		return fmt.Errorf("failed to read change watermark: %w", err)
	}

	if err := fn(tx); err != nil {
		if isPermissionDenied(err) {
			return &zonesync.PermissionError{}
		}
		return err
	}

	if err := e.applyColumnMappings(ctx, tx, watermark); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if isPermissionDenied(err) {
			return &zonesync.PermissionError{}
		}
		return fmt.Errorf("failed to commit write transaction: %w", err)
	}
	e.signalUpload()
	return nil
}

// applyColumnMappings shadows renamed columns for every row the current
// transaction touched, identified through the change-sequence watermark.
// Whichever side of a mapping the writer modified is copied to the other,
// so readers on either schema vintage observe the write.
func (e *Engine) applyColumnMappings(ctx context.Context, tx *sql.Tx, watermark int64) error {
	if len(e.cfg.ColumnMappings) == 0 {
		return nil
	}

	touched, err := e.pendingSince(ctx, tx, watermark)
	if err != nil {
		return err
	}
	for _, p := range touched {
		if p.Op != opSave {
			continue
		}
		vt := e.tables[p.Table]
		if vt == nil {
			continue
		}
		pairs := e.mapper.forward[vt.name]
		if len(pairs) == 0 {
			continue
		}

		fields, exists, err := readRow(ctx, tx, vt, p.PK)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		m, err := e.meta.Get(ctx, tx, p.Table, p.PK)
		if err != nil {
			return err
		}
		baseline := map[string]zonesync.FieldValue{}
		if m != nil {
			baseline = m.AllFields
		}

		updates := map[string]zonesync.FieldValue{}
		for oldCol, newCol := range pairs {
			if vt.info.Column(oldCol) == nil || vt.info.Column(newCol) == nil {
				continue
			}
			oldChanged := !fields[oldCol].Equal(baseline[oldCol])
			newChanged := !fields[newCol].Equal(baseline[newCol])
			switch {
			case oldChanged && !newChanged:
				updates[newCol] = fields[oldCol]
			case newChanged && !oldChanged:
				updates[oldCol] = fields[newCol]
			}
		}
		if len(updates) == 0 {
			continue
		}
		if err := upsertRow(ctx, tx, vt, p.PK, updates); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pendingSince(ctx context.Context, q dbtx, watermark int64) ([]pendingChange, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT record_type, record_pk, op, change_seq
		FROM _zonesync_pending WHERE change_seq >= ?
		ORDER BY change_seq
	`, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes since watermark: %w", err)
	}
	defer rows.Close()

	var pending []pendingChange
	for rows.Next() {
		var p pendingChange
		if err := rows.Scan(&p.Table, &p.PK, &p.Op, &p.ChangeSeq); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// SyncNow performs one full synchronization cycle synchronously: flush
// pending local changes, then process remote changes for both scopes.
func (e *Engine) SyncNow(ctx context.Context) error {
	if _, err := e.FlushPending(ctx); err != nil {
		return err
	}
	for _, scope := range []zonesync.Scope{zonesync.ScopePrivate, zonesync.ScopeShared} {
		if _, err := e.ProcessRemoteChanges(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

// Hydrate discards the stored change tokens and replays the full remote
// history, then flushes anything local the replay re-queued. Used after
// restoring a database file or recovering from a desync.
func (e *Engine) Hydrate(ctx context.Context) error {
	for _, scope := range []zonesync.Scope{zonesync.ScopePrivate, zonesync.ScopeShared} {
		if err := e.meta.SetChangeToken(ctx, e.db, scope, ""); err != nil {
			return err
		}
		if _, err := e.ProcessRemoteChanges(ctx, scope); err != nil {
			return err
		}
	}
	_, err := e.FlushPending(ctx)
	return err
}

// AcceptShare redeems a share invite, registers the shared zone locally
// and pulls the shared hierarchy.
func (e *Engine) AcceptShare(ctx context.Context, invite zonesync.ShareInvite) (*zonesync.AcceptedShare, error) {
	accepted, err := e.remote.AcceptShare(ctx, invite)
	if err != nil {
		return nil, fmt.Errorf("failed to accept share %s: %w", invite.ShareID, err)
	}

	perm := accepted.Share.CurrentUserPermission
	if perm == "" {
		perm = zonesync.PermissionReadWrite
	}
	err = e.zones.Upsert(ctx, e.db, &zoneState{
		Zone:       accepted.Zone,
		Scope:      zonesync.ScopeShared,
		Share:      &accepted.Share,
		Permission: perm,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.ProcessRemoteChanges(ctx, zonesync.ScopeShared); err != nil {
		return nil, err
	}
	return accepted, nil
}

// DeleteZone deletes a zone remotely and cascades the deletion locally.
func (e *Engine) DeleteZone(ctx context.Context, zone zonesync.ZoneID) error {
	if err := e.remote.DeleteZone(ctx, zone); err != nil {
		return fmt.Errorf("failed to delete zone %s remotely: %w", zone, err)
	}

	ctx = withApplyMode(ctx)
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin zone deletion transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to defer foreign keys: %w", err)
	}
	if err := setApplyMode(ctx, tx, true); err != nil {
		return err
	}
	_, err = e.applyZoneDeletion(ctx, tx, zone)
	if offErr := setApplyMode(ctx, tx, false); err == nil {
		err = offErr
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SetAccount switches the signed-in account. Changing accounts wipes all
// synchronized rows and sync state (tables listed in UnsyncedTables and
// any table outside the sync set are preserved); a Delegate may keep the
// rows, in which case only the sync state is cleared. Signing in to an
// account over existing local data re-exports everything.
func (e *Engine) SetAccount(ctx context.Context, owner string) error {
	previous := e.owner
	if previous == owner {
		return nil
	}
	e.logger.Info("Account changed", "previous", previous, "current", owner)

	if previous != "" {
		keepRows := false
		if e.delegate != nil && !e.delegate.ShouldWipeOnAccountChange(previous, owner) {
			e.logger.Info("Delegate kept local rows across account change")
			keepRows = true
		}
		if err := e.wipeLocalData(ctx, keepRows); err != nil {
			return err
		}
	}

	e.owner = owner
	if _, err := e.db.ExecContext(ctx, `
		INSERT INTO _zonesync_state (id, owner_name) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET owner_name = excluded.owner_name
	`, owner); err != nil {
		return fmt.Errorf("failed to persist owner: %w", err)
	}

	if owner != "" {
		if err := e.reexportAll(ctx); err != nil {
			return err
		}
		e.signalUpload()
	}
	if e.delegate != nil {
		e.delegate.AccountChanged(previous, owner)
	}
	return nil
}

// wipeLocalData removes every synchronized row and all sync state,
// leaving unsynchronized tables intact. With keepRows the live rows
// survive and only the sync state is cleared, turning the previous
// account's data into local data.
func (e *Engine) wipeLocalData(ctx context.Context, keepRows bool) error {
	ctx = withApplyMode(ctx)
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin wipe transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to defer foreign keys: %w", err)
	}
	if err := setApplyMode(ctx, tx, true); err != nil {
		return err
	}
	if !keepRows {
		// Children first.
		for i := len(e.order) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+e.order[i].name); err != nil {
				return fmt.Errorf("failed to wipe table %s: %w", e.order[i].name, err)
			}
		}
	}
	for _, table := range []string{"_zonesync_meta", "_zonesync_pending", "_zonesync_zones", "_zonesync_tokens"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := setApplyMode(ctx, tx, false); err != nil {
		return err
	}
	return tx.Commit()
}

// reexportAll queues every row of every synchronized table for export,
// used when an account signs in over pre-existing local data.
func (e *Engine) reexportAll(ctx context.Context) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin re-export transaction: %w", err)
	}
	defer tx.Rollback()

	now := e.clock.Now()
	for _, vt := range e.order {
		query := fmt.Sprintf("SELECT %s FROM %s", pkExpr(vt.info, vt.pkCol, vt.name), vt.name)
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to scan table %s for re-export: %w", vt.name, err)
		}
		var pks []string
		for rows.Next() {
			var pk string
			if err := rows.Scan(&pk); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan key from %s: %w", vt.name, err)
			}
			pks = append(pks, pk)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, pk := range pks {
			m, err := e.meta.Upsert(ctx, tx, vt.name, pk, zonesync.ZoneID{})
			if err != nil {
				return err
			}
			m.UserModificationTime = now
			if err := e.meta.Put(ctx, tx, m); err != nil {
				return err
			}
			if err := e.meta.Enqueue(ctx, tx, vt.name, pk, opSave); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (e *Engine) loadOwner(ctx context.Context) error {
	var owner string
	err := e.db.QueryRowContext(ctx,
		`SELECT owner_name FROM _zonesync_state WHERE id = 1`).Scan(&owner)
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	e.owner = owner
	return nil
}

func (e *Engine) signalUpload() {
	select {
	case e.uploadSignal <- struct{}{}:
	default:
	}
}

// uploaderLoop flushes pending changes when signalled or periodically,
// with exponential backoff on failure.
func (e *Engine) uploaderLoop(ctx context.Context) {
	backoff := e.cfg.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.uploadSignal:
		case <-time.After(backoff):
		}
		if e.uploadPaused.Load() == 1 {
			continue
		}

		if _, err := e.FlushPending(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			level := slog.LevelWarn
			if zonesync.IsRetryable(err) {
				level = slog.LevelDebug
			}
			e.logger.Log(ctx, level, "Upload pass failed; backing off",
				"error", err, "backoff", backoff.String())
			if !sleepWithContext(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > e.cfg.BackoffMax {
				backoff = e.cfg.BackoffMax
			}
		} else {
			backoff = e.cfg.BackoffMin
		}
	}
}

// downloaderLoop polls the remote store for changes in both scopes.
func (e *Engine) downloaderLoop(ctx context.Context) {
	backoff := e.cfg.BackoffMin
	for {
		if !sleepWithContext(ctx, backoff) {
			return
		}
		if e.downloadPaused.Load() == 1 {
			continue
		}

		var failed bool
		for _, scope := range []zonesync.Scope{zonesync.ScopePrivate, zonesync.ScopeShared} {
			if _, err := e.ProcessRemoteChanges(ctx, scope); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("Download pass failed; backing off",
					"scope", string(scope), "error", err, "backoff", backoff.String())
				failed = true
				break
			}
		}
		if failed {
			backoff *= 2
			if backoff > e.cfg.BackoffMax {
				backoff = e.cfg.BackoffMax
			}
		} else {
			backoff = e.cfg.BackoffMin
		}
	}
}

// sleepWithContext waits for d or until ctx is done; returns false when
// cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
