package storage

import "context"

// Record is one locally-held record with its last known server version.
type Record struct {
	ObjectName string
	RecordID   string
	Data       map[string]any
	Version    int64
	Deleted    bool
}

// Driver is the storage boundary the sync core depends on. Implementations
// may be backed by any local store as long as they honor these contracts.
type Driver interface {
	// Get returns the record, or common.ErrNotFound. Tombstoned records
	// are returned with Deleted set.
	Get(ctx context.Context, objectName, recordID string) (*Record, error)

	// Put upserts a record at the given version.
	Put(ctx context.Context, rec *Record) error

	// Delete tombstones a record at the given version. Unknown records
	// are tombstoned too, so deletes arriving in a delta before the
	// create are not lost.
	Delete(ctx context.Context, objectName, recordID string, version int64) error

	// CurrentVersion returns the locally-known server version, 0 for
	// unseen records.
	CurrentVersion(ctx context.Context, objectName, recordID string) (int64, error)
}
