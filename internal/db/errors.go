package db

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SchemaMigrationError reports a column migration that failed for a reason
// other than the column already existing.
type SchemaMigrationError struct {
	Table  string
	Column string
	Err    error
}

func (e *SchemaMigrationError) Error() string {
	return fmt.Sprintf("migrate %s column %s: %v", e.Table, e.Column, e.Err)
}

func (e *SchemaMigrationError) Unwrap() error {
	return e.Err
}

// StorageError wraps a failure reported by the storage engine. Nothing that
// returned a StorageError was persisted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
