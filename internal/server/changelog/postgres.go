package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/dbx"
	"github.com/objectql/sync/internal/server/pipeline"
	"github.com/objectql/sync/internal/syncwire"
)

// PostgresStore implements Store over PostgreSQL. Concurrent mutations of
// the same record serialize on a per-record advisory lock held for the
// transaction, so version checks are race-free across server instances
// sharing one database, and change-log appends additionally serialize on a
// global lock so seq order matches commit visibility order.
type PostgresStore struct {
	db      *sql.DB
	applier pipeline.Applier
}

func NewPostgresStore(db *sql.DB, applier pipeline.Applier) *PostgresStore {
	return &PostgresStore{db: db, applier: applier}
}

func (s *PostgresStore) ApplyMutation(ctx context.Context, clientID string, m *syncwire.Mutation) (*syncwire.MutationResult, error) {
	var res *syncwire.MutationResult

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		// The record lock comes before the dedup lookup. A retry of a
		// mutation still in flight blocks here until the original commits,
		// then replays the stored outcome instead of re-evaluating against
		// the post-commit record.
		_, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`,
			m.ObjectName, m.RecordID)
		if err != nil {
			return fmt.Errorf("failed to lock record: %w", err)
		}

		prior, err := lookupOutcome(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		if prior != nil {
			res = prior
			return nil
		}

		if verr := s.applier.Validate(ctx, m); verr != nil {
			res = &syncwire.MutationResult{
				MutationID: m.ID,
				Status:     syncwire.StatusRejected,
				Reason:     verr.Error(),
			}
			return storeOutcome(ctx, tx, clientID, res)
		}

		cur, err := loadRecord(ctx, tx, m.ObjectName, m.RecordID)
		if err != nil {
			return err
		}

		var next *Record
		res, next = evaluateMutation(m, cur, clientID, time.Now().UTC())

		switch res.Status {
		case syncwire.StatusApplied:
			if err := upsertRecord(ctx, tx, next); err != nil {
				return err
			}
			if err := appendChange(ctx, tx, m.Op, next); err != nil {
				return err
			}
			return storeOutcome(ctx, tx, clientID, res)
		case syncwire.StatusRejected:
			return storeOutcome(ctx, tx, clientID, res)
		default:
			// Conflicts are recomputed on retry, nothing to store.
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func lookupOutcome(ctx context.Context, tx dbx.DBTX, mutationID string) (*syncwire.MutationResult, error) {
	var (
		status     string
		newVersion int64
		reason     string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT status, new_version, reason FROM applied_mutations WHERE mutation_id = $1
	`, mutationID).Scan(&status, &newVersion, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up mutation: %w", err)
	}
	return &syncwire.MutationResult{
		MutationID: mutationID,
		Status:     syncwire.MutationStatus(status),
		NewVersion: newVersion,
		Reason:     reason,
	}, nil
}

func storeOutcome(ctx context.Context, tx dbx.DBTX, clientID string, res *syncwire.MutationResult) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO applied_mutations (mutation_id, client_id, status, new_version, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, res.MutationID, clientID, string(res.Status), res.NewVersion, res.Reason)
	if err != nil {
		return fmt.Errorf("failed to store mutation outcome: %w", err)
	}
	return nil
}

func loadRecord(ctx context.Context, tx dbx.DBTX, objectName, recordID string) (*Record, error) {
	rec := &Record{ObjectName: objectName, RecordID: recordID}
	var data []byte

	err := tx.QueryRowContext(ctx, `
		SELECT data, version, deleted, origin_client_id, updated_at
		FROM records WHERE object_name = $1 AND record_id = $2
	`, objectName, recordID).Scan(&data, &rec.Version, &rec.Deleted, &rec.OriginClientID, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return nil, fmt.Errorf("failed to decode record data: %w", err)
		}
	}
	return rec, nil
}

func upsertRecord(ctx context.Context, tx dbx.DBTX, rec *Record) error {
	data, err := encodeData(rec.Data)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (object_name, record_id, data, version, deleted, origin_client_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (object_name, record_id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			deleted = excluded.deleted,
			origin_client_id = excluded.origin_client_id,
			updated_at = excluded.updated_at
	`, rec.ObjectName, rec.RecordID, data, rec.Version, rec.Deleted, rec.OriginClientID, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// appendChange consumes the next change_log seq. All appenders serialize on
// one advisory lock held until commit, so rows become visible in seq order:
// a ChangesSince scan never observes a seq while a lower one is still
// uncommitted, and a checkpoint covering the scan skips nothing.
func appendChange(ctx context.Context, tx dbx.DBTX, op syncwire.Operation, rec *Record) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('change_log'))`)
	if err != nil {
		return fmt.Errorf("failed to lock change log: %w", err)
	}

	data, err := encodeData(rec.Data)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO change_log (object_name, record_id, op, data, version, origin_client_id, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ObjectName, rec.RecordID, string(op), data, rec.Version, rec.OriginClientID, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}
	return nil
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record data: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ChangesSince(ctx context.Context, since int64) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, object_name, record_id, op, data, version, origin_client_id, committed_at
		FROM change_log WHERE seq > $1 ORDER BY seq ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c    Change
			op   string
			data []byte
		)
		if err := rows.Scan(&c.Seq, &c.ObjectName, &c.RecordID, &op, &data, &c.Version, &c.OriginClientID, &c.CommittedAt); err != nil {
			return nil, err
		}
		c.Op = syncwire.Operation(op)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &c.Data); err != nil {
				return nil, fmt.Errorf("failed to decode change %d: %w", c.Seq, err)
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, objectName, recordID string) (*Record, error) {
	rec, err := loadRecord(ctx, s.db, objectName, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s/%s: %w", objectName, recordID, common.ErrNotFound)
	}
	return rec, nil
}

func (s *PostgresStore) HighestSubmitted(ctx context.Context, clientID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_seq FROM client_checkpoints WHERE client_id = $1
	`, clientID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load client checkpoint: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) SetHighestSubmitted(ctx context.Context, clientID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_checkpoints (client_id, checkpoint_seq, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (client_id) DO UPDATE SET
			checkpoint_seq = GREATEST(client_checkpoints.checkpoint_seq, excluded.checkpoint_seq),
			updated_at = excluded.updated_at
	`, clientID, seq)
	if err != nil {
		return fmt.Errorf("failed to store client checkpoint: %w", err)
	}
	return nil
}
