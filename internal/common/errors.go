// Package common defines shared constants and sentinel errors used across
// client and server layers of the sync subsystem. Callers should use
// errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")

	// Protocol-level errors (fail the whole request, never a single mutation).
	ErrProtocolVersion      = errors.New("unsupported sync protocol version")
	ErrCheckpointRegression = errors.New("checkpoint regression")
	ErrUnauthorized         = errors.New("unauthorized")

	// Engine flow control.
	ErrSyncInProgress = errors.New("sync already in progress")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
)
