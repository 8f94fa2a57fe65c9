// ABOUTME: Error types for the mapping store
// ABOUTME: StorageError wraps backend failures so callers can match ErrStorage

package mapping

import (
	"errors"
	"fmt"
)

// ErrStorage matches any backend read or write failure
var ErrStorage = errors.New("mapping storage failure")

// StorageError records which store operation failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("mapping store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStorage) match.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
