package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/dbx"
)

// SQLiteStore implements Driver using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteStore struct {
	db dbx.DBTX
}

// NewSQLiteStore returns a new SQLiteStore bound to the given DBTX.
func NewSQLiteStore(db dbx.DBTX) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, objectName, recordID string) (*Record, error) {
	query := `SELECT data, version, deleted FROM records WHERE object_name = ? AND record_id = ?`
	row := s.db.QueryRowContext(ctx, query, objectName, recordID)

	var (
		data    sql.NullString
		deleted int
	)
	rec := &Record{ObjectName: objectName, RecordID: recordID}
	err := row.Scan(&data, &rec.Version, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	rec.Deleted = deleted == 1
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &rec.Data); err != nil {
			return nil, fmt.Errorf("failed to decode record data: %w", err)
		}
	}
	return rec, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	var data any
	if rec.Data != nil {
		b, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("failed to encode record data: %w", err)
		}
		data = string(b)
	}

	query := `
		INSERT INTO records (object_name, record_id, data, version, deleted, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(object_name, record_id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			deleted = 0,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ObjectName, rec.RecordID, data, rec.Version, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, objectName, recordID string, version int64) error {
	query := `
		INSERT INTO records (object_name, record_id, data, version, deleted, updated_at)
		VALUES (?, ?, NULL, ?, 1, ?)
		ON CONFLICT(object_name, record_id) DO UPDATE SET
			data = NULL,
			version = excluded.version,
			deleted = 1,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		objectName, recordID, version, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CurrentVersion(ctx context.Context, objectName, recordID string) (int64, error) {
	var version int64
	query := `SELECT version FROM records WHERE object_name = ? AND record_id = ?`
	err := s.db.QueryRowContext(ctx, query, objectName, recordID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get record version: %w", err)
	}
	return version, nil
}
