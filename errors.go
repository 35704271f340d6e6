package tviz

import (
	"errors"

	"github.com/kon-rad/tviz/internal/db"
)

var (
	// ErrClosed is returned by log calls made after Close.
	ErrClosed = errors.New("tviz: logger closed")
	// ErrInvalidRollout rejects a LogRollouts call before anything is written.
	ErrInvalidRollout = errors.New("tviz: invalid rollout")
	// ErrNotFound is returned by Store lookups that match nothing.
	ErrNotFound = db.ErrNotFound
)

type (
	// SchemaMigrationError is returned when opening a store whose schema
	// cannot be brought up to date.
	SchemaMigrationError = db.SchemaMigrationError
	// StorageError is returned when the storage engine rejects a read or a
	// write. A call that returned it persisted nothing.
	StorageError = db.StorageError
)
