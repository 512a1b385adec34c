package resolver

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/logging"
	"github.com/objectql/sync/internal/syncwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	earlier = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later   = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
)

func newResolver(s Strategy) *Resolver {
	return New(s, logging.NewJSON(io.Discard))
}

func updateConflict(clientTS, serverTS time.Time) *Conflict {
	return &Conflict{
		ObjectName: "tasks",
		RecordID:   "r2",
		ClientMutation: syncwire.Mutation{
			ID:              "m1",
			ObjectName:      "tasks",
			RecordID:        "r2",
			Op:              syncwire.OpUpdate,
			Payload:         map[string]any{"title": "client title"},
			BaseVersion:     5,
			ClientTimestamp: clientTS,
		},
		ServerRecord:     map[string]any{"title": "server title", "owner": "bob"},
		ServerVersion:    6,
		ServerModifiedAt: serverTS,
	}
}

func TestLWW_ClientNewerWins(t *testing.T) {
	r := newResolver(StrategyLastWriteWins)

	out := r.Resolve(context.Background(), updateConflict(later, earlier))

	require.True(t, out.Requeue, "winning client change must be requeued")
	assert.Equal(t, int64(6), out.BaseVersion)
	assert.Equal(t, "client title", out.Resolution["title"])
	assert.Equal(t, "bob", out.Resolution["owner"], "update overlays the server record")
}

func TestLWW_ServerNewerWins(t *testing.T) {
	r := newResolver(StrategyLastWriteWins)

	out := r.Resolve(context.Background(), updateConflict(earlier, later))

	assert.False(t, out.Requeue)
	assert.Equal(t, "server title", out.Resolution["title"])
}

func TestLWW_TieGoesToServer(t *testing.T) {
	r := newResolver(StrategyLastWriteWins)

	out := r.Resolve(context.Background(), updateConflict(later, later))

	assert.False(t, out.Requeue, "server is the tie-break authority")
	assert.Equal(t, "server title", out.Resolution["title"])
}

func TestLWW_DeleteWinsWhenNewer(t *testing.T) {
	r := newResolver(StrategyLastWriteWins)
	c := updateConflict(later, earlier)
	c.ClientMutation.Op = syncwire.OpDelete
	c.ClientMutation.Payload = nil

	out := r.Resolve(context.Background(), c)

	assert.True(t, out.Delete)
	assert.True(t, out.Requeue)
	assert.Nil(t, out.Resolution)
}

func TestCRDT_FieldwiseMerge(t *testing.T) {
	r := newResolver(StrategyCRDT)
	c := updateConflict(later, earlier)
	c.ClientMutation.Payload = map[string]any{"title": "client title"}
	c.ServerRecord = map[string]any{"title": "server title", "owner": "bob"}

	out := r.Resolve(context.Background(), c)

	require.True(t, out.Requeue)
	assert.Equal(t, "client title", out.Resolution["title"], "newer client field wins")
	assert.Equal(t, "bob", out.Resolution["owner"], "untouched server field survives")
}

func TestCRDT_NoRequeueWhenServerAlreadyCurrent(t *testing.T) {
	r := newResolver(StrategyCRDT)
	c := updateConflict(earlier, later)

	out := r.Resolve(context.Background(), c)

	assert.False(t, out.Requeue, "merge equal to server state needs no push")
	assert.Equal(t, c.ServerRecord, out.Resolution)
}

func TestMergeFields_Commutative(t *testing.T) {
	a := map[string]any{"x": 1, "y": "a", "shared": "from-a"}
	b := map[string]any{"y": "b", "z": true, "shared": "from-b"}

	cases := []struct {
		name         string
		aTime, bTime time.Time
	}{
		{"a newer", later, earlier},
		{"b newer", earlier, later},
		{"equal timestamps", later, later},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ab := MergeFields(a, tc.aTime, b, tc.bTime)
			ba := MergeFields(b, tc.bTime, a, tc.aTime)
			assert.Equal(t, ab, ba, "merge(A,B) must equal merge(B,A)")
		})
	}
}

func TestMergeFields_UnionOfFields(t *testing.T) {
	got := MergeFields(
		map[string]any{"only_a": 1}, earlier,
		map[string]any{"only_b": 2}, later,
	)
	assert.Equal(t, map[string]any{"only_a": 1, "only_b": 2}, got)
}

func TestManual_ParksAndExcludes(t *testing.T) {
	r := newResolver(StrategyManual)
	c := updateConflict(later, earlier)

	out := r.Resolve(context.Background(), c)

	require.True(t, out.Manual)
	assert.True(t, r.HasPending("tasks", "r2"))
	assert.Equal(t, 1, r.PendingCount())
	assert.False(t, r.HasPending("tasks", "other"), "other records are not blocked")
}

func TestManual_SupplyResolves(t *testing.T) {
	r := newResolver(StrategyManual)
	c := updateConflict(later, earlier)
	r.Resolve(context.Background(), c)

	out, err := r.Supply("tasks", "r2", map[string]any{"title": "merged by hand"})
	require.NoError(t, err)

	assert.True(t, out.Requeue)
	assert.Equal(t, int64(6), out.BaseVersion)
	assert.False(t, r.HasPending("tasks", "r2"))
}

func TestManual_SupplyServerValueNeedsNoRequeue(t *testing.T) {
	r := newResolver(StrategyManual)
	c := updateConflict(later, earlier)
	r.Resolve(context.Background(), c)

	out, err := r.Supply("tasks", "r2", c.ServerRecord)
	require.NoError(t, err)
	assert.False(t, out.Requeue, "accepting the server state needs no push")
}

func TestManual_SupplyUnknownRecord(t *testing.T) {
	r := newResolver(StrategyManual)

	_, err := r.Supply("tasks", "nope", nil)
	require.ErrorIs(t, err, common.ErrNotFound)
}
