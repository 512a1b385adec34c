// Package engine orchestrates the client sync cycle: it batches mutations
// from the durable log, pushes them to the server, reconciles per-mutation
// outcomes, applies the server's delta to local storage and advances the
// checkpoint.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/objectql/sync/internal/client/connectivity"
	"github.com/objectql/sync/internal/client/mutlog"
	"github.com/objectql/sync/internal/client/resolver"
	"github.com/objectql/sync/internal/client/storage"
	"github.com/objectql/sync/internal/client/transport"
	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/logging"
	"github.com/objectql/sync/internal/syncwire"
	"github.com/sethvargo/go-retry"
)

// State is the engine's position in the sync cycle.
type State string

const (
	StateIdle             State = "idle"
	StateBatching         State = "batching"
	StatePushing          State = "pushing"
	StateAwaitingResponse State = "awaiting_response"
	StateApplyingDelta    State = "applying_delta"
	StateResolving        State = "resolving"
	StateError            State = "error"
)

// Config holds the injected knobs of one engine instance. All retry and
// backoff behavior is configuration, not constants, so tests can run with
// tiny values.
type Config struct {
	ClientID       string
	BatchSize      int
	SyncInterval   time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
}

// Callbacks notify the application of outcomes that need a decision outside
// the engine's authority. All fields are optional.
type Callbacks struct {
	// OnRejected fires when the server permanently rejected a mutation.
	// The entry is already removed from the log; resubmitting a corrected
	// mutation is the application's call.
	OnRejected func(mutationID, reason string)

	// OnConflict fires for conflicts parked by the manual strategy.
	OnConflict func(c *resolver.Conflict)

	// OnSyncFailure fires when transient retries are exhausted. Entries
	// stay queued for the next cycle.
	OnSyncFailure func(err error)

	// OnReset fires when the server demanded a full resync.
	OnReset func()
}

// Engine runs sync cycles for one client replica. A single cycle is in
// flight at any time; overlapping triggers coalesce into one follow-up run.
type Engine struct {
	cfg       Config
	log       mutlog.Logger
	state     mutlog.StateStore
	store     storage.Driver
	pusher    transport.Pusher
	resolver  *resolver.Resolver
	monitor   *connectivity.Monitor
	logger    logging.Logger
	callbacks Callbacks

	kick chan struct{}

	mu        sync.Mutex
	st        State
	syncing   bool
	syncAgain bool
}

// New wires an engine. monitor may be nil, in which case the engine assumes
// it is always online (useful for tests and request-driven hosts).
func New(cfg Config, log mutlog.Logger, state mutlog.StateStore, store storage.Driver,
	pusher transport.Pusher, res *resolver.Resolver, monitor *connectivity.Monitor,
	logger logging.Logger, callbacks Callbacks) *Engine {
	return &Engine{
		cfg:       cfg,
		log:       log,
		state:     state,
		store:     store,
		pusher:    pusher,
		resolver:  res,
		monitor:   monitor,
		logger:    logger.With("client_id", cfg.ClientID),
		callbacks: callbacks,
		kick:      make(chan struct{}, 1),
		st:        StateIdle,
	}
}

// State returns the engine's current position in the cycle.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.st = s
	e.mu.Unlock()
}

// Record appends a local mutation to the durable log: it assigns the
// idempotency key and timestamp, derives the base version, and applies the
// write to local storage. The change reaches the server on the next sync
// cycle.
//
// The base is the record's last known server version plus the number of
// already-queued mutations for the same record, so a chain of offline edits
// pushes with consecutive bases and applies cleanly in one batch.
func (e *Engine) Record(ctx context.Context, objectName, recordID string, op syncwire.Operation, payload map[string]any) error {
	cur, err := e.store.CurrentVersion(ctx, objectName, recordID)
	if err != nil {
		return err
	}
	queued, err := e.log.PendingForRecord(ctx, objectName, recordID)
	if err != nil {
		return err
	}
	base := cur + int64(queued)

	m := &syncwire.Mutation{
		ID:              uuid.NewString(),
		ObjectName:      objectName,
		RecordID:        recordID,
		Op:              op,
		Payload:         payload,
		BaseVersion:     base,
		ClientTimestamp: time.Now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := e.log.Append(ctx, m); err != nil {
		return err
	}

	// Local state keeps the server-known version; it advances only when
	// the server acknowledges the mutation or ships a delta.
	return e.applyLocal(ctx, objectName, recordID, op, payload, cur)
}

// Run triggers sync cycles until ctx is cancelled: on the configured
// interval, on reconnect, and on explicit kicks from SyncNow/ResolveManual.
func (e *Engine) Run(ctx context.Context) {
	if err := e.Recover(ctx); err != nil {
		e.logger.Error(ctx, "conflict recovery failed", "error", err.Error())
	}

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	var transitions <-chan struct{}
	if e.monitor != nil {
		transitions = e.monitor.Transitions()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-transitions:
		case <-e.kick:
		}

		if err := e.SyncNow(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error(ctx, "sync cycle failed", "error", err.Error())
		}
	}
}

// SyncNow runs a full sync cycle, or schedules one if a cycle is already in
// flight. Returns common.ErrSyncInProgress only when a follow-up cycle is
// already scheduled too.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.mu.Lock()
	if e.syncing {
		if e.syncAgain {
			e.mu.Unlock()
			return common.ErrSyncInProgress
		}
		e.syncAgain = true
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	for {
		err := e.cycle(ctx)

		e.mu.Lock()
		again := e.syncAgain
		e.syncAgain = false
		e.mu.Unlock()

		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

// kickLater schedules a sync without blocking.
func (e *Engine) kickLater() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) cycle(ctx context.Context) error {
	if e.monitor != nil && !e.monitor.Online() {
		e.logger.Debug(ctx, "offline, skipping sync cycle")
		return nil
	}

	e.setState(StateBatching)
	defer e.setState(StateIdle)

	batch, err := e.log.Drain(ctx, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("drain failed: %w", err)
	}

	checkpoint, err := e.state.LoadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint load failed: %w", err)
	}

	req := &syncwire.PushRequest{
		ClientID:   e.cfg.ClientID,
		Checkpoint: checkpoint,
		Mutations:  batch,
	}

	e.logger.Info(ctx, "pushing batch", "size", len(batch), "has_checkpoint", checkpoint != "")
	e.setState(StatePushing)

	resp, err := e.push(ctx, req)
	if err != nil {
		e.setState(StateError)
		if e.callbacks.OnSyncFailure != nil {
			e.callbacks.OnSyncFailure(err)
		}
		return err
	}

	if resp.Reset {
		e.logger.Warn(ctx, "server demanded full resync, dropping checkpoint")
		if err := e.state.StoreCheckpoint(ctx, ""); err != nil {
			return err
		}
		if e.callbacks.OnReset != nil {
			e.callbacks.OnReset()
		}
		e.mu.Lock()
		e.syncAgain = true
		e.mu.Unlock()
		return nil
	}

	return e.reconcile(ctx, batch, resp)
}

// push is the only suspension point that blocks on network I/O. Transient
// failures retry with exponential backoff up to MaxRetries; cancellation
// leaves all batched entries unacknowledged.
func (e *Engine) push(ctx context.Context, req *syncwire.PushRequest) (*syncwire.PushResponse, error) {
	var resp *syncwire.PushResponse

	backoff := retry.WithMaxRetries(uint64(e.cfg.MaxRetries), retry.NewExponential(e.cfg.BackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		e.setState(StateAwaitingResponse)

		pushCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()

		var err error
		resp, err = e.pusher.Push(pushCtx, req)
		if err != nil && transport.IsTransient(err) {
			e.logger.Warn(ctx, "push failed, will retry", "error", err.Error())
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (e *Engine) reconcile(ctx context.Context, batch []syncwire.Mutation, resp *syncwire.PushResponse) error {
	byID := make(map[string]syncwire.Mutation, len(batch))
	for _, m := range batch {
		byID[m.ID] = m
	}

	var (
		ackIDs     []string
		resolved   []*resolver.Outcome
		manual     []*resolver.Conflict
		superseded = make(map[string]struct{})
	)

	for _, res := range resp.Results {
		m, ok := byID[res.MutationID]
		if !ok {
			e.logger.Warn(ctx, "result for unknown mutation", "mutation_id", res.MutationID)
			continue
		}

		switch res.Status {
		case syncwire.StatusApplied:
			ackIDs = append(ackIDs, m.ID)
			if err := e.applyLocal(ctx, m.ObjectName, m.RecordID, m.Op, m.Payload, res.NewVersion); err != nil {
				return err
			}

		case syncwire.StatusRejected:
			ackIDs = append(ackIDs, m.ID)
			e.logger.Warn(ctx, "mutation rejected", "mutation_id", m.ID, "reason", res.Reason)
			if e.callbacks.OnRejected != nil {
				e.callbacks.OnRejected(m.ID, res.Reason)
			}

		case syncwire.StatusConflict:
			// The entry is parked durably before the resolver sees it, so
			// a crash mid-resolution replays the conflict on the next
			// start instead of losing it.
			if err := e.log.MarkConflicted(ctx, m.ID, &mutlog.ConflictState{
				ServerRecord:     res.ServerRecord,
				ServerVersion:    res.ServerVersion,
				ServerModifiedAt: res.ServerModifiedAt,
			}); err != nil {
				return fmt.Errorf("failed to park conflict: %w", err)
			}
			c := &resolver.Conflict{
				ObjectName:       m.ObjectName,
				RecordID:         m.RecordID,
				ClientMutation:   m,
				ServerRecord:     res.ServerRecord,
				ServerVersion:    res.ServerVersion,
				ServerModifiedAt: res.ServerModifiedAt,
			}
			out := e.resolver.Resolve(ctx, c)
			if out.Manual {
				manual = append(manual, c)
				continue
			}
			resolved = append(resolved, out)
			if out.Requeue {
				superseded[recordKey(m.ObjectName, m.RecordID)] = struct{}{}
			}
		}
	}

	if err := e.log.Acknowledge(ctx, ackIDs); err != nil {
		return fmt.Errorf("acknowledge failed: %w", err)
	}

	e.setState(StateApplyingDelta)
	for _, rec := range resp.Delta {
		if rec.OriginClientID == e.cfg.ClientID {
			continue
		}
		if e.resolver.HasPending(rec.ObjectName, rec.RecordID) {
			e.logger.Debug(ctx, "delta record held back by pending conflict",
				"object", rec.ObjectName, "record_id", rec.RecordID)
			continue
		}
		if _, ok := superseded[recordKey(rec.ObjectName, rec.RecordID)]; ok {
			continue
		}
		if err := e.applyDeltaRecord(ctx, rec); err != nil {
			return err
		}
	}

	// The checkpoint advances only after the delta is fully applied, so a
	// crash before this point recomputes the same delta.
	if err := e.state.StoreCheckpoint(ctx, resp.Checkpoint); err != nil {
		return fmt.Errorf("checkpoint store failed: %w", err)
	}

	e.setState(StateResolving)
	var requeues int
	for _, out := range resolved {
		if err := e.finishResolution(ctx, out); err != nil {
			return err
		}
		if out.Requeue {
			requeues++
		}
	}
	if requeues > 0 {
		e.mu.Lock()
		e.syncAgain = true
		e.mu.Unlock()
	}

	for _, c := range manual {
		if e.callbacks.OnConflict != nil {
			e.callbacks.OnConflict(c)
		}
	}

	e.logger.Info(ctx, "sync cycle complete",
		"acked", len(ackIDs),
		"delta", len(resp.Delta),
		"requeued", requeues,
		"manual", len(manual),
	)
	return nil
}

func (e *Engine) applyDeltaRecord(ctx context.Context, rec syncwire.ChangeRecord) error {
	if rec.Op == syncwire.OpDelete {
		return e.store.Delete(ctx, rec.ObjectName, rec.RecordID, rec.Version)
	}
	return e.store.Put(ctx, &storage.Record{
		ObjectName: rec.ObjectName,
		RecordID:   rec.RecordID,
		Data:       rec.Data,
		Version:    rec.Version,
	})
}

// applyLocal writes one of our own mutations into local storage at the given
// version, overlaying partial updates onto the current record.
func (e *Engine) applyLocal(ctx context.Context, objectName, recordID string, op syncwire.Operation, payload map[string]any, version int64) error {
	switch op {
	case syncwire.OpDelete:
		return e.store.Delete(ctx, objectName, recordID, version)
	case syncwire.OpCreate:
		return e.store.Put(ctx, &storage.Record{
			ObjectName: objectName, RecordID: recordID, Data: payload, Version: version,
		})
	default:
		data := map[string]any{}
		if cur, err := e.store.Get(ctx, objectName, recordID); err == nil && !cur.Deleted {
			for k, v := range cur.Data {
				data[k] = v
			}
		}
		for k, v := range payload {
			data[k] = v
		}
		return e.store.Put(ctx, &storage.Record{
			ObjectName: objectName, RecordID: recordID, Data: data, Version: version,
		})
	}
}

// finishResolution settles a parked conflict. A requeued resolution swaps
// the original log entry for a fresh mutation in one step; accepting the
// server side applies its record locally and drops the entry.
func (e *Engine) finishResolution(ctx context.Context, out *resolver.Outcome) error {
	if !out.Requeue {
		if out.Resolution != nil {
			// Server side won; take its record locally.
			if err := e.store.Put(ctx, &storage.Record{
				ObjectName: out.TargetObject, RecordID: out.TargetRecord,
				Data: out.Resolution, Version: out.BaseVersion,
			}); err != nil {
				return err
			}
		}
		return e.log.Resolve(ctx, out.SupersededID, nil)
	}

	m := &syncwire.Mutation{
		ID:              uuid.NewString(),
		ObjectName:      out.TargetObject,
		RecordID:        out.TargetRecord,
		BaseVersion:     out.BaseVersion,
		ClientTimestamp: time.Now().UTC(),
	}
	if out.Delete {
		m.Op = syncwire.OpDelete
	} else {
		m.Op = syncwire.OpUpdate
		m.Payload = out.Resolution
	}
	if err := e.log.Resolve(ctx, out.SupersededID, m); err != nil {
		return fmt.Errorf("failed to queue resolution: %w", err)
	}
	return e.applyLocal(ctx, m.ObjectName, m.RecordID, m.Op, m.Payload, out.BaseVersion)
}

// Recover reloads conflicts that were parked in the durable log when the
// process last stopped. Manual ones are re-parked in the resolver and
// reported through OnConflict; automatic ones resolve immediately and a
// sync is scheduled for any requeued resolution. Run calls this before the
// first cycle.
func (e *Engine) Recover(ctx context.Context) error {
	parked, err := e.log.Conflicted(ctx)
	if err != nil {
		return fmt.Errorf("failed to load parked conflicts: %w", err)
	}

	var requeues int
	for _, p := range parked {
		c := &resolver.Conflict{
			ObjectName:       p.Mutation.ObjectName,
			RecordID:         p.Mutation.RecordID,
			ClientMutation:   p.Mutation,
			ServerRecord:     p.State.ServerRecord,
			ServerVersion:    p.State.ServerVersion,
			ServerModifiedAt: p.State.ServerModifiedAt,
		}
		out := e.resolver.Resolve(ctx, c)
		if out.Manual {
			if e.callbacks.OnConflict != nil {
				e.callbacks.OnConflict(c)
			}
			continue
		}
		if err := e.finishResolution(ctx, out); err != nil {
			return err
		}
		if out.Requeue {
			requeues++
		}
	}
	if requeues > 0 {
		e.kickLater()
	}
	return nil
}

// ResolveManual supplies the resolution for a parked conflict. Nil data
// deletes the record. If the resolution differs from the server state it is
// queued as a new mutation and a sync is scheduled.
func (e *Engine) ResolveManual(ctx context.Context, objectName, recordID string, data map[string]any) error {
	out, err := e.resolver.Supply(objectName, recordID, data)
	if err != nil {
		return err
	}
	if err := e.finishResolution(ctx, out); err != nil {
		return err
	}
	if out.Requeue {
		e.kickLater()
	}
	return nil
}

func recordKey(objectName, recordID string) string {
	return objectName + "/" + recordID
}
