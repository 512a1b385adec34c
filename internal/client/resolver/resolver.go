// Package resolver decides the outcome of sync conflicts: mutations whose
// base version no longer matches the server's current version. Three
// strategies exist and are dispatched explicitly by tag.
package resolver

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/logging"
	"github.com/objectql/sync/internal/syncwire"
)

// Strategy selects the conflict resolution behavior.
type Strategy string

const (
	// StrategyLastWriteWins compares timestamps at whole-record
	// granularity; the later side's full record wins, server on ties.
	StrategyLastWriteWins Strategy = "last_write_wins"

	// StrategyCRDT merges per field as an LWW register: for every field
	// present on either side, the (value, timestamp) pair with the
	// greater timestamp wins. Merging in either order yields the same
	// result.
	StrategyCRDT Strategy = "crdt"

	// StrategyManual parks the conflict until the application supplies a
	// resolution via Supply.
	StrategyManual Strategy = "manual"
)

// Conflict is one rejected-by-version mutation together with the server's
// current authoritative state.
type Conflict struct {
	ObjectName       string
	RecordID         string
	ClientMutation   syncwire.Mutation
	ServerRecord     map[string]any
	ServerVersion    int64
	ServerModifiedAt time.Time
}

// Outcome is the resolver's decision for one conflict.
type Outcome struct {
	Strategy Strategy

	// TargetObject and TargetRecord identify the record the outcome
	// applies to, carried over from the conflict.
	TargetObject string
	TargetRecord string

	// SupersededID is the id of the conflicted mutation this outcome
	// settles. The engine removes that log entry when it applies the
	// outcome.
	SupersededID string

	// Resolution is the chosen record data. Nil with Delete set means
	// the record should be removed.
	Resolution map[string]any
	Delete     bool

	// Requeue is set when the resolution differs from the server's
	// current record, so the engine must push it as a new mutation with
	// BaseVersion as its base.
	Requeue     bool
	BaseVersion int64

	// Manual marks a parked conflict awaiting Supply. Until then the
	// affected record is excluded from delta application.
	Manual bool
}

// Resolver holds the configured strategy and the pending-resolution set for
// manual conflicts, keyed by object/record.
type Resolver struct {
	strategy Strategy
	logger   logging.Logger

	mu      sync.Mutex
	pending map[string]*Conflict
}

func New(strategy Strategy, logger logging.Logger) *Resolver {
	return &Resolver{
		strategy: strategy,
		logger:   logger,
		pending:  make(map[string]*Conflict),
	}
}

func key(objectName, recordID string) string {
	return objectName + "/" + recordID
}

// Resolve dispatches the conflict to the configured strategy.
func (r *Resolver) Resolve(ctx context.Context, c *Conflict) *Outcome {
	r.logger.Info(ctx, "resolving conflict",
		"object", c.ObjectName,
		"record_id", c.RecordID,
		"strategy", string(r.strategy),
		"server_version", c.ServerVersion,
	)

	var out *Outcome
	switch r.strategy {
	case StrategyCRDT:
		out = r.resolveCRDT(c)
	case StrategyManual:
		out = r.park(ctx, c)
	default:
		out = r.resolveLastWriteWins(c)
	}
	out.TargetObject = c.ObjectName
	out.TargetRecord = c.RecordID
	out.SupersededID = c.ClientMutation.ID
	return out
}

// clientCandidate reconstructs the record the client intended: the server
// record overlaid with the mutation's changed fields (update), the payload
// itself (create), or a tombstone (delete).
func clientCandidate(c *Conflict) (map[string]any, bool) {
	switch c.ClientMutation.Op {
	case syncwire.OpDelete:
		return nil, true
	case syncwire.OpCreate:
		return c.ClientMutation.Payload, false
	default:
		merged := make(map[string]any, len(c.ServerRecord)+len(c.ClientMutation.Payload))
		for k, v := range c.ServerRecord {
			merged[k] = v
		}
		for k, v := range c.ClientMutation.Payload {
			merged[k] = v
		}
		return merged, false
	}
}

func (r *Resolver) resolveLastWriteWins(c *Conflict) *Outcome {
	out := &Outcome{Strategy: StrategyLastWriteWins, BaseVersion: c.ServerVersion}

	// Equal timestamps fall to the server: it is the tie-break authority.
	if c.ClientMutation.ClientTimestamp.After(c.ServerModifiedAt) {
		out.Resolution, out.Delete = clientCandidate(c)
		out.Requeue = true
		return out
	}

	out.Resolution = c.ServerRecord
	return out
}

func (r *Resolver) resolveCRDT(c *Conflict) *Outcome {
	out := &Outcome{Strategy: StrategyCRDT, BaseVersion: c.ServerVersion}

	clientFields, deleted := clientCandidate(c)
	if deleted {
		// A delete carries no fields to merge; fall back to whole-record
		// comparison so the tombstone still competes by timestamp.
		return &Outcome{
			Strategy:    StrategyCRDT,
			BaseVersion: c.ServerVersion,
			Resolution:  r.resolveLastWriteWins(c).Resolution,
			Delete:      c.ClientMutation.ClientTimestamp.After(c.ServerModifiedAt),
			Requeue:     c.ClientMutation.ClientTimestamp.After(c.ServerModifiedAt),
		}
	}

	out.Resolution = MergeFields(
		clientFields, c.ClientMutation.ClientTimestamp,
		c.ServerRecord, c.ServerModifiedAt,
	)
	out.Requeue = !reflect.DeepEqual(out.Resolution, c.ServerRecord)
	return out
}

// MergeFields merges two field sets as per-field LWW registers. For every
// field present in either side, the pair with the greater timestamp wins.
// Equal timestamps break on the values themselves so that merging the same
// two inputs in either order produces the same result.
func MergeFields(a map[string]any, aTime time.Time, b map[string]any, bTime time.Time) map[string]any {
	merged := make(map[string]any, len(a)+len(b))

	for k, v := range a {
		merged[k] = v
	}
	for k, bv := range b {
		av, inA := a[k]
		switch {
		case !inA:
			merged[k] = bv
		case bTime.After(aTime):
			merged[k] = bv
		case aTime.After(bTime):
			// keep av
		case greaterValue(bv, av):
			merged[k] = bv
		}
	}
	return merged
}

// greaterValue is the deterministic tie-break for equal-timestamp registers:
// the lexicographically greater JSON encoding wins.
func greaterValue(x, y any) bool {
	return fmt.Sprintf("%#v", x) > fmt.Sprintf("%#v", y)
}

func (r *Resolver) park(ctx context.Context, c *Conflict) *Outcome {
	r.mu.Lock()
	r.pending[key(c.ObjectName, c.RecordID)] = c
	r.mu.Unlock()

	r.logger.Warn(ctx, "conflict parked for manual resolution",
		"object", c.ObjectName, "record_id", c.RecordID)

	return &Outcome{Strategy: StrategyManual, Manual: true, BaseVersion: c.ServerVersion}
}

// HasPending reports whether the record has an unresolved manual conflict
// and must be excluded from delta application.
func (r *Resolver) HasPending(objectName, recordID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key(objectName, recordID)]
	return ok
}

// PendingCount reports how many conflicts await manual resolution.
func (r *Resolver) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Pending returns a snapshot of the parked conflicts.
func (r *Resolver) Pending() []*Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conflict, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	return out
}

// Supply provides the manual resolution for a parked conflict. Passing nil
// data means the record should be deleted. Returns common.ErrNotFound when
// no conflict is pending for the record.
func (r *Resolver) Supply(objectName, recordID string, data map[string]any) (*Outcome, error) {
	r.mu.Lock()
	c, ok := r.pending[key(objectName, recordID)]
	if ok {
		delete(r.pending, key(objectName, recordID))
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no pending conflict for %s/%s: %w", objectName, recordID, common.ErrNotFound)
	}

	out := &Outcome{
		Strategy:     StrategyManual,
		TargetObject: objectName,
		TargetRecord: recordID,
		SupersededID: c.ClientMutation.ID,
		Resolution:   data,
		Delete:       data == nil,
		BaseVersion:  c.ServerVersion,
	}
	out.Requeue = out.Delete || !reflect.DeepEqual(data, c.ServerRecord)
	return out, nil
}
