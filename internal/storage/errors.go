package storage

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionFailed  = errors.New("storage: connection failed")
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
	ErrWriterClosed      = errors.New("storage: writer closed")
	ErrBufferFull        = errors.New("storage: pending buffer full")
)

// StorageError records which archive table and operation failed.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	switch {
	case e.Table != "" && e.Retries > 0:
		return fmt.Sprintf("storage.%s(%s) after %d retries: %v", e.Op, e.Table, e.Retries, e.Err)
	case e.Table != "":
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	default:
		return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
	}
}

func (e *StorageError) Unwrap() error { return e.Err }

// WrapConnectionError marks err as ErrConnectionFailed.
func WrapConnectionError(op string, err error) error {
	return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
}

// WrapInsertError marks err as ErrBatchInsertFailed for table.
func WrapInsertError(table string, err error, retries int) error {
	return &StorageError{
		Op:      "Insert",
		Table:   table,
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, err),
		Retries: retries,
	}
}
