// Package storage holds the record store errors shared by every backend.
package storage

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	// ErrDeleted reports a write against a soft-deleted record.
	ErrDeleted = errors.New("record deleted")
)
