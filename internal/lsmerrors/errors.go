// Package lsmerrors defines the error taxonomy shared by every layer of
// the storage engine, so callers can use errors.Is/errors.As instead of
// matching on strings.
package lsmerrors

import (
	"errors"
	"strconv"
)

var (
	// ErrNotFound is returned by Get when no live record exists for a key,
	// or the highest-sequence record for that key is a tombstone. It is an
	// expected outcome, not a failure.
	ErrNotFound = errors.New("lsmer: key not found")

	// ErrCorruption marks a checksum mismatch, a bad footer magic, or an
	// unexpected EOF in the middle of a record.
	ErrCorruption = errors.New("lsmer: corruption detected")

	// ErrCapacityExceeded is returned by a strict-insert memtable Put when
	// the resulting size would exceed the configured capacity.
	ErrCapacityExceeded = errors.New("lsmer: memtable capacity exceeded")

	// ErrInvalidArgument marks an empty key, or a key/value exceeding the
	// size limits in the data model.
	ErrInvalidArgument = errors.New("lsmer: invalid argument")

	// ErrBusy is returned when an operation is attempted while Close is
	// already in progress.
	ErrBusy = errors.New("lsmer: engine is closing")

	// ErrClosedEngine is returned by any operation issued after Close has
	// completed.
	ErrClosedEngine = errors.New("lsmer: engine is closed")

	// ErrDegraded marks that the engine has transitioned to read-only mode
	// after a fatal fsync failure.
	ErrDegraded = errors.New("lsmer: engine is in read-only degraded mode")
)

// IOError wraps an underlying filesystem error with the path and
// operation that failed, without discarding the original error for
// errors.Is/errors.As.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return "lsmer: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError builds an *IOError, or returns nil if err is nil.
func NewIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// CorruptionError identifies the file and byte offset of a corrupt
// checksum, footer, or record, so an operator can locate it.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return "lsmer: corruption in " + e.Path + " at offset " +
		strconv.FormatInt(e.Offset, 10) + ": " + e.Reason
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }
