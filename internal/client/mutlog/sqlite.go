package mutlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/dbx"
	"github.com/objectql/sync/internal/syncwire"
)

// SQLiteLogger implements Logger and StateStore over the client SQLite
// database. Writes are serialized with a mutex so an Append never interleaves
// with a concurrent Drain mid-transaction.
type SQLiteLogger struct {
	db       *sql.DB
	clientID string
	writeMu  sync.Mutex
}

// NewSQLiteLogger returns a logger bound to the given database and client
// identity. The sync_state row for the client is created lazily.
func NewSQLiteLogger(db *sql.DB, clientID string) *SQLiteLogger {
	return &SQLiteLogger{db: db, clientID: clientID}
}

func (l *SQLiteLogger) ensureState(ctx context.Context, tx dbx.DBTX) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (client_id, checkpoint, next_seq, updated_at)
		VALUES (?, '', 1, ?)
		ON CONFLICT(client_id) DO NOTHING
	`, l.clientID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to init sync state: %w", err)
	}
	return nil
}

// Append persists the mutation and assigns the next sequence number
// atomically with the insert.
func (l *SQLiteLogger) Append(ctx context.Context, m *syncwire.Mutation) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	return dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return l.appendTx(ctx, tx, m)
	})
}

func (l *SQLiteLogger) appendTx(ctx context.Context, tx dbx.DBTX, m *syncwire.Mutation) error {
	if err := l.ensureState(ctx, tx); err != nil {
		return err
	}

	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_log WHERE id = ?`, m.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check mutation id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("mutation %s: %w", m.ID, common.ErrDuplicateKey)
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE sync_state SET next_seq = next_seq + 1
		WHERE client_id = ?
		RETURNING next_seq - 1
	`, l.clientID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to assign sequence: %w", err)
	}
	m.Sequence = seq

	var payload any
	if m.Payload != nil {
		b, err := json.Marshal(m.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = string(b)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mutation_log (id, object_name, record_id, op, payload, base_version, client_ts, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ObjectName, m.RecordID, string(m.Op), payload, m.BaseVersion,
		m.ClientTimestamp.UTC().Format(time.RFC3339Nano), seq)
	if err != nil {
		return fmt.Errorf("failed to append mutation: %w", err)
	}
	return nil
}

// Drain returns up to max unacknowledged mutations in ascending sequence
// order without removing them. Parked conflicts are excluded.
func (l *SQLiteLogger) Drain(ctx context.Context, max int) ([]syncwire.Mutation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, object_name, record_id, op, payload, base_version, client_ts, seq
		FROM mutation_log WHERE status = 'pending' ORDER BY seq ASC LIMIT ?
	`, max)
	if err != nil {
		return nil, fmt.Errorf("failed to drain mutations: %w", err)
	}
	defer rows.Close()

	var result []syncwire.Mutation
	for rows.Next() {
		var (
			m       syncwire.Mutation
			op      string
			payload sql.NullString
			ts      string
		)
		if err := rows.Scan(&m.ID, &m.ObjectName, &m.RecordID, &op, &payload, &m.BaseVersion, &ts, &m.Sequence); err != nil {
			return nil, err
		}
		m.Op = syncwire.Operation(op)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload for %s: %w", m.ID, err)
			}
		}
		m.ClientTimestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp for %s: %w", m.ID, err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Acknowledge removes the given mutations from the log. Ids that are not
// present are ignored.
func (l *SQLiteLogger) Acknowledge(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	return dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM mutation_log WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to acknowledge %s: %w", id, err)
			}
		}
		return nil
	})
}

// MarkConflicted parks an entry with the server snapshot from its conflict
// result. The row keeps its place in the log until Resolve settles it.
func (l *SQLiteLogger) MarkConflicted(ctx context.Context, id string, state *ConflictState) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var serverData any
	if state.ServerRecord != nil {
		b, err := json.Marshal(state.ServerRecord)
		if err != nil {
			return fmt.Errorf("failed to encode server record: %w", err)
		}
		serverData = string(b)
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE mutation_log
		SET status = 'conflicted', server_data = ?, server_version = ?, server_ts = ?
		WHERE id = ?
	`, serverData, state.ServerVersion, state.ServerModifiedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to park conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("mutation %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// Conflicted returns the parked entries with their server snapshots.
func (l *SQLiteLogger) Conflicted(ctx context.Context) ([]ConflictedMutation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, object_name, record_id, op, payload, base_version, client_ts, seq,
		       server_data, server_version, server_ts
		FROM mutation_log WHERE status = 'conflicted' ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflicts: %w", err)
	}
	defer rows.Close()

	var result []ConflictedMutation
	for rows.Next() {
		var (
			c          ConflictedMutation
			op         string
			payload    sql.NullString
			ts         string
			serverData sql.NullString
			serverTS   sql.NullString
		)
		err := rows.Scan(&c.Mutation.ID, &c.Mutation.ObjectName, &c.Mutation.RecordID, &op,
			&payload, &c.Mutation.BaseVersion, &ts, &c.Mutation.Sequence,
			&serverData, &c.State.ServerVersion, &serverTS)
		if err != nil {
			return nil, err
		}
		c.Mutation.Op = syncwire.Operation(op)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &c.Mutation.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload for %s: %w", c.Mutation.ID, err)
			}
		}
		c.Mutation.ClientTimestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp for %s: %w", c.Mutation.ID, err)
		}
		if serverData.Valid {
			if err := json.Unmarshal([]byte(serverData.String), &c.State.ServerRecord); err != nil {
				return nil, fmt.Errorf("failed to decode server record for %s: %w", c.Mutation.ID, err)
			}
		}
		if serverTS.Valid {
			c.State.ServerModifiedAt, err = time.Parse(time.RFC3339Nano, serverTS.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse server timestamp for %s: %w", c.Mutation.ID, err)
			}
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Resolve removes a parked entry and appends its replacement, if any, in
// the same transaction.
func (l *SQLiteLogger) Resolve(ctx context.Context, id string, replacement *syncwire.Mutation) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	return dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mutation_log WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove conflicted entry %s: %w", id, err)
		}
		if replacement == nil {
			return nil
		}
		return l.appendTx(ctx, tx, replacement)
	})
}

// Pending reports the number of unacknowledged entries.
func (l *SQLiteLogger) Pending(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

// PendingForRecord reports the number of unacknowledged entries for one
// record.
func (l *SQLiteLogger) PendingForRecord(ctx context.Context, objectName, recordID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mutation_log WHERE object_name = ? AND record_id = ?
	`, objectName, recordID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations for record: %w", err)
	}
	return n, nil
}

// LoadCheckpoint returns the stored checkpoint token for this client.
func (l *SQLiteLogger) LoadCheckpoint(ctx context.Context) (string, error) {
	var token string
	err := l.db.QueryRowContext(ctx, `SELECT checkpoint FROM sync_state WHERE client_id = ?`, l.clientID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return token, nil
}

// StoreCheckpoint replaces the checkpoint for this client.
func (l *SQLiteLogger) StoreCheckpoint(ctx context.Context, token string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sync_state (client_id, checkpoint, next_seq, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(client_id) DO UPDATE SET checkpoint = excluded.checkpoint, updated_at = excluded.updated_at
	`, l.clientID, token, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}
