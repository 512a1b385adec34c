// Package syncwire defines the versioned JSON wire protocol spoken over
// POST /api/sync, shared by the client engine and the server handler.
package syncwire

import (
	"errors"
	"fmt"
	"time"
)

// Operation is the kind of change a mutation applies to a record.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Mutation is one locally-committed write, not yet acknowledged by the
// server. ID is the client-generated idempotency key and is stable across
// retries; BaseVersion is the server version the client believed was current
// (0 for records the client has never seen).
type Mutation struct {
	ID              string         `json:"id"`
	ObjectName      string         `json:"objectName"`
	RecordID        string         `json:"recordId"`
	Op              Operation      `json:"operation"`
	Payload         map[string]any `json:"payload,omitempty"`
	BaseVersion     int64          `json:"baseVersion"`
	ClientTimestamp time.Time      `json:"clientTimestamp"`
	Sequence        int64          `json:"sequence"`
}

// Validate reports whether the mutation is well-formed. A malformed mutation
// is rejected individually; it never fails the whole push.
func (m *Mutation) Validate() error {
	if m.ID == "" {
		return errors.New("mutation id is required")
	}
	if m.ObjectName == "" || m.RecordID == "" {
		return errors.New("objectName and recordId are required")
	}
	switch m.Op {
	case OpCreate, OpUpdate:
		if m.Payload == nil {
			return fmt.Errorf("%s requires a payload", m.Op)
		}
	case OpDelete:
		if m.Payload != nil {
			return errors.New("delete must not carry a payload")
		}
	default:
		return fmt.Errorf("unknown operation %q", m.Op)
	}
	if m.BaseVersion < 0 {
		return errors.New("baseVersion must not be negative")
	}
	return nil
}

// PushRequest is the client half of one sync exchange. Checkpoint is opaque
// to the client and empty on first sync.
type PushRequest struct {
	ClientID   string     `json:"clientId"`
	Checkpoint string     `json:"checkpoint,omitempty"`
	Mutations  []Mutation `json:"mutations"`
}

// Validate checks the request envelope. Envelope errors fail the whole push.
func (r *PushRequest) Validate() error {
	if r.ClientID == "" {
		return errors.New("clientId is required")
	}
	return nil
}

// MutationStatus is the per-mutation outcome of a push.
type MutationStatus string

const (
	StatusApplied  MutationStatus = "applied"
	StatusConflict MutationStatus = "conflict"
	StatusRejected MutationStatus = "rejected"
)

// MutationResult reports the outcome for a single pushed mutation. For
// conflicts the current authoritative record is attached so the client can
// resolve without another round trip.
type MutationResult struct {
	MutationID       string         `json:"mutationId"`
	Status           MutationStatus `json:"status"`
	NewVersion       int64          `json:"newVersion,omitempty"`
	ServerRecord     map[string]any `json:"serverRecord,omitempty"`
	ServerVersion    int64          `json:"serverVersion,omitempty"`
	ServerModifiedAt time.Time      `json:"serverModifiedAt,omitempty"`
	Reason           string         `json:"reason,omitempty"`
}

// ChangeRecord is one durably committed server-side change, as shipped in a
// delta. Version is server-assigned and strictly increasing per record.
type ChangeRecord struct {
	ObjectName     string         `json:"objectName"`
	RecordID       string         `json:"recordId"`
	Op             Operation      `json:"operation"`
	Data           map[string]any `json:"data,omitempty"`
	Version        int64          `json:"version"`
	OriginClientID string         `json:"originClientId"`
	CommittedAt    time.Time      `json:"committedAt"`
}

// PushResponse is the server half of one sync exchange. Reset instructs the
// client to discard its checkpoint and perform a full resync; it is set when
// the server detects checkpoint regression.
type PushResponse struct {
	Results    []MutationResult `json:"results"`
	Delta      []ChangeRecord   `json:"delta"`
	Checkpoint string           `json:"checkpoint"`
	Reset      bool             `json:"reset,omitempty"`
}

// ErrorResponse is the envelope for protocol-level failures.
type ErrorResponse struct {
	Error string `json:"error"`
}
