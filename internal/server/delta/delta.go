// Package delta computes the set of committed changes a client has not yet
// seen, based on its checkpoint position in the change log.
package delta

import (
	"context"
	"fmt"

	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/server/changelog"
	"github.com/objectql/sync/internal/syncwire"
)

// Position decodes a client's submitted checkpoint and detects regression:
// a checkpoint strictly below the highest one the client has ever submitted
// means divergent state, reported as common.ErrCheckpointRegression, which
// demands a full resync. Malformed tokens are treated the same way. A
// resubmission of the last checkpoint, as after a client crash, is not a
// regression, and neither is an empty checkpoint: that is the client
// explicitly asking for a full resync from position zero, which is always
// safe to serve.
func Position(ctx context.Context, store changelog.Store, clientID, checkpoint string) (int64, error) {
	if checkpoint == "" {
		return 0, nil
	}

	since, err := syncwire.DecodeCheckpoint(checkpoint)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrCheckpointRegression, err)
	}

	highest, err := store.HighestSubmitted(ctx, clientID)
	if err != nil {
		return 0, err
	}
	if since < highest {
		return 0, fmt.Errorf("%w: submitted %d below high-water mark %d",
			common.ErrCheckpointRegression, since, highest)
	}
	return since, nil
}

// Compute scans the change log after since and returns the changes not
// originated by the requesting client, plus the checkpoint token covering
// everything scanned. Changes the client itself pushed advance the
// checkpoint but are excluded from the delta. Computing the same position
// twice yields the same result.
func Compute(ctx context.Context, store changelog.Store, clientID string, since int64) ([]syncwire.ChangeRecord, string, error) {
	changes, err := store.ChangesSince(ctx, since)
	if err != nil {
		return nil, "", err
	}

	maxSeq := since
	var out []syncwire.ChangeRecord
	for _, c := range changes {
		if c.Seq > maxSeq {
			maxSeq = c.Seq
		}
		if c.OriginClientID == clientID {
			continue
		}
		out = append(out, c.ChangeRecord)
	}

	return out, syncwire.EncodeCheckpoint(maxSeq), nil
}
