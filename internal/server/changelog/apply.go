package changelog

import (
	"time"

	"github.com/objectql/sync/internal/syncwire"
)

// evaluateMutation decides the outcome of one non-duplicate mutation against
// the record's current state (cur is nil for records never seen). It returns
// the result and, for applied mutations, the record's new state. The caller
// persists both atomically.
func evaluateMutation(m *syncwire.Mutation, cur *Record, clientID string, now time.Time) (*syncwire.MutationResult, *Record) {
	res := &syncwire.MutationResult{MutationID: m.ID}

	if cur == nil {
		if m.Op != syncwire.OpCreate {
			res.Status = syncwire.StatusRejected
			res.Reason = "record not found"
			return res, nil
		}
		return applied(res, m, 1, clientID, now)
	}

	if m.BaseVersion != cur.Version {
		return conflict(res, cur), nil
	}

	if cur.Deleted {
		// The base matches a tombstone: only a create can revive it.
		if m.Op != syncwire.OpCreate {
			res.Status = syncwire.StatusRejected
			res.Reason = "record deleted"
			return res, nil
		}
		return applied(res, m, cur.Version+1, clientID, now)
	}

	if m.Op == syncwire.OpCreate {
		return conflict(res, cur), nil
	}

	next := applyPayload(m, cur)
	return appliedRecord(res, m, next, cur.Version+1, clientID, now)
}

func conflict(res *syncwire.MutationResult, cur *Record) *syncwire.MutationResult {
	res.Status = syncwire.StatusConflict
	res.ServerVersion = cur.Version
	res.ServerModifiedAt = cur.UpdatedAt
	if !cur.Deleted {
		res.ServerRecord = cur.Data
	}
	return res
}

func applied(res *syncwire.MutationResult, m *syncwire.Mutation, version int64, clientID string, now time.Time) (*syncwire.MutationResult, *Record) {
	return appliedRecord(res, m, copyData(m.Payload), version, clientID, now)
}

func appliedRecord(res *syncwire.MutationResult, m *syncwire.Mutation, data map[string]any, version int64, clientID string, now time.Time) (*syncwire.MutationResult, *Record) {
	res.Status = syncwire.StatusApplied
	res.NewVersion = version

	rec := &Record{
		ObjectName:     m.ObjectName,
		RecordID:       m.RecordID,
		Version:        version,
		OriginClientID: clientID,
		UpdatedAt:      now,
	}
	if m.Op == syncwire.OpDelete {
		rec.Deleted = true
	} else {
		rec.Data = data
	}
	return res, rec
}

// applyPayload overlays an update's changed fields onto the current data.
// Creates replace the data wholesale.
func applyPayload(m *syncwire.Mutation, cur *Record) map[string]any {
	if m.Op == syncwire.OpCreate {
		return copyData(m.Payload)
	}
	next := make(map[string]any, len(cur.Data)+len(m.Payload))
	for k, v := range cur.Data {
		next[k] = v
	}
	for k, v := range m.Payload {
		next[k] = v
	}
	return next
}

func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
