// Package mutlog implements the durable client-side mutation log: every
// tracked local write is appended here in commit order and stays until the
// server acknowledges it.
package mutlog

import (
	"context"
	"time"

	"github.com/objectql/sync/internal/syncwire"
)

// ConflictState is the server snapshot stored alongside a parked entry so
// conflict resolution can restart after a crash.
type ConflictState struct {
	ServerRecord     map[string]any
	ServerVersion    int64
	ServerModifiedAt time.Time
}

// ConflictedMutation pairs a parked entry with its server snapshot.
type ConflictedMutation struct {
	Mutation syncwire.Mutation
	State    ConflictState
}

// Logger records local mutations durably, in commit order, and exposes them
// for batch sync without losing entries on crash.
type Logger interface {
	// Append persists a mutation and assigns it the next per-client
	// sequence number. Returns common.ErrDuplicateKey if the mutation id
	// is already present.
	Append(ctx context.Context, m *syncwire.Mutation) error

	// Drain returns up to max unacknowledged mutations in ascending
	// sequence order. Entries are not removed; parked conflicts are
	// excluded.
	Drain(ctx context.Context, max int) ([]syncwire.Mutation, error)

	// Acknowledge permanently removes entries with the given ids.
	// Unknown ids are a no-op, so acknowledging twice is safe.
	Acknowledge(ctx context.Context, ids []string) error

	// MarkConflicted parks an entry: the row stays in the log with the
	// server snapshot attached and disappears from Drain until Resolve
	// settles it. The conflict survives a process restart.
	MarkConflicted(ctx context.Context, id string, state *ConflictState) error

	// Conflicted returns the parked entries in ascending sequence order.
	Conflicted(ctx context.Context) ([]ConflictedMutation, error)

	// Resolve removes a parked entry and, when replacement is non-nil,
	// appends the replacement atomically with the removal, so a crash
	// never loses a conflict between the two.
	Resolve(ctx context.Context, id string, replacement *syncwire.Mutation) error

	// Pending reports the number of unacknowledged entries.
	Pending(ctx context.Context) (int, error)

	// PendingForRecord reports the number of unacknowledged entries
	// targeting one record. Base versions of new mutations must account
	// for queued-but-unpushed changes to the same record.
	PendingForRecord(ctx context.Context, objectName, recordID string) (int, error)
}

// StateStore persists per-client sync state (the current checkpoint) across
// process restarts.
type StateStore interface {
	// LoadCheckpoint returns the stored checkpoint token, or "" when the
	// client has never completed a sync.
	LoadCheckpoint(ctx context.Context) (string, error)

	// StoreCheckpoint replaces the checkpoint. Callers must only invoke
	// this after a delta has been fully applied.
	StoreCheckpoint(ctx context.Context, token string) error
}
