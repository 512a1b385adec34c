package changelog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/server/pipeline"
	"github.com/objectql/sync/internal/syncwire"
)

// MemStore is an in-memory Store for tests and single-process deployments.
type MemStore struct {
	applier pipeline.Applier

	mu          sync.Mutex
	records     map[string]*Record
	log         []Change
	outcomes    map[string]*syncwire.MutationResult
	checkpoints map[string]int64
	now         func() time.Time
}

func NewMemStore(applier pipeline.Applier) *MemStore {
	return &MemStore{
		applier:     applier,
		records:     make(map[string]*Record),
		outcomes:    make(map[string]*syncwire.MutationResult),
		checkpoints: make(map[string]int64),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func recordKey(objectName, recordID string) string {
	return objectName + "/" + recordID
}

func (s *MemStore) ApplyMutation(ctx context.Context, clientID string, m *syncwire.Mutation) (*syncwire.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.outcomes[m.ID]; ok {
		cp := *prior
		return &cp, nil
	}

	if err := s.applier.Validate(ctx, m); err != nil {
		res := &syncwire.MutationResult{
			MutationID: m.ID,
			Status:     syncwire.StatusRejected,
			Reason:     err.Error(),
		}
		s.outcomes[m.ID] = res
		return res, nil
	}

	now := s.now()
	res, next := evaluateMutation(m, s.records[recordKey(m.ObjectName, m.RecordID)], clientID, now)

	switch res.Status {
	case syncwire.StatusApplied:
		s.records[recordKey(m.ObjectName, m.RecordID)] = next
		s.log = append(s.log, Change{
			Seq: int64(len(s.log)) + 1,
			ChangeRecord: syncwire.ChangeRecord{
				ObjectName:     m.ObjectName,
				RecordID:       m.RecordID,
				Op:             m.Op,
				Data:           next.Data,
				Version:        next.Version,
				OriginClientID: clientID,
				CommittedAt:    now,
			},
		})
		s.outcomes[m.ID] = res
	case syncwire.StatusRejected:
		s.outcomes[m.ID] = res
	}

	cp := *res
	return &cp, nil
}

func (s *MemStore) ChangesSince(ctx context.Context, since int64) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Change
	for _, c := range s.log {
		if c.Seq > since {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) GetRecord(ctx context.Context, objectName, recordID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey(objectName, recordID)]
	if !ok {
		return nil, fmt.Errorf("record %s/%s: %w", objectName, recordID, common.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemStore) HighestSubmitted(ctx context.Context, clientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[clientID], nil
}

func (s *MemStore) SetHighestSubmitted(ctx context.Context, clientID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.checkpoints[clientID] {
		s.checkpoints[clientID] = seq
	}
	return nil
}
