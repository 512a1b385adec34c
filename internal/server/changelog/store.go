// Package changelog is the server's authoritative record store and ordered
// change log. Every committed mutation appends one log entry with a global
// sequence number; client checkpoints are positions in that sequence.
package changelog

import (
	"context"
	"time"

	"github.com/objectql/sync/internal/syncwire"
)

// Record is the server's current state of one object record. Deleted records
// stay as tombstones so version history survives a delete.
type Record struct {
	ObjectName     string
	RecordID       string
	Data           map[string]any
	Version        int64
	Deleted        bool
	OriginClientID string
	UpdatedAt      time.Time
}

// Change is one committed change log entry.
type Change struct {
	Seq int64
	syncwire.ChangeRecord
}

// Store is the server-side persistence contract. Implementations must make
// ApplyMutation atomic and must assign strictly increasing sequence numbers
// across all clients.
type Store interface {
	// ApplyMutation commits one mutation: it returns the stored outcome if
	// the mutation id was seen before, otherwise validates, checks the base
	// version against the record's current version, and either applies the
	// change (appending to the log) or reports a conflict with the server's
	// current state. Conflicts are not stored; a retried mutation is
	// re-evaluated against the state at retry time.
	ApplyMutation(ctx context.Context, clientID string, m *syncwire.Mutation) (*syncwire.MutationResult, error)

	// ChangesSince returns log entries with sequence numbers greater than
	// since, in ascending order.
	ChangesSince(ctx context.Context, since int64) ([]Change, error)

	// GetRecord returns the current state of a record, including tombstones.
	// Returns common.ErrNotFound for records never seen.
	GetRecord(ctx context.Context, objectName, recordID string) (*Record, error)

	// HighestSubmitted returns the highest checkpoint sequence the client
	// has ever presented, 0 for unknown clients.
	HighestSubmitted(ctx context.Context, clientID string) (int64, error)

	// SetHighestSubmitted raises the client's high-water mark. Lower values
	// are ignored.
	SetHighestSubmitted(ctx context.Context, clientID string, seq int64) error
}
