package core

import (
	"errors"
	"fmt"
)

// OutOfOrderCommitError is returned when a commit does not follow the last
// committed batch by exactly one.
type OutOfOrderCommitError struct {
	Coordinate    Coordinate
	LastCommitted BatchID
	Attempted     BatchID
}

func (e *OutOfOrderCommitError) Error() string {
	return fmt.Sprintf("out of order commit on %s: last committed %s, attempted %d (expected %d)",
		e.Coordinate, e.LastCommitted, e.Attempted, e.LastCommitted+1)
}

// ConcurrentWriteError is returned when a second writer touches an instance
// while a commit is in flight.
type ConcurrentWriteError struct {
	Coordinate Coordinate
	Op         string
}

func (e *ConcurrentWriteError) Error() string {
	return fmt.Sprintf("concurrent write on %s during %s: instance has a single writer", e.Coordinate, e.Op)
}

// BatchNotAvailableError reports a request for a batch outside the queryable range.
type BatchNotAvailableError struct {
	Coordinate Coordinate
	Requested  BatchID
	MinBatchID BatchID
	MaxBatchID BatchID
	Reason     string
}

func (e *BatchNotAvailableError) Error() string {
	msg := fmt.Sprintf("batch %s not available for %s: queryable range [%s, %s]",
		e.Requested, e.Coordinate, e.MinBatchID, e.MaxBatchID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// InvalidCoordinateError reports a bad combination of operator, store name and join side.
type InvalidCoordinateError struct {
	OperatorID int64
	StoreName  string
	JoinSide   JoinSide
	Message    string
}

func (e *InvalidCoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate (op=%d store=%q side=%s): %s", e.OperatorID, e.StoreName, e.JoinSide, e.Message)
}

// CorruptCheckpointError reports a missing, unreadable or invalid delta or snapshot.
type CorruptCheckpointError struct {
	Coordinate Coordinate
	BatchID    BatchID
	Path       string
	Err        error
}

func (e *CorruptCheckpointError) Error() string {
	return fmt.Sprintf("corrupt checkpoint for %s at batch %s (%s): %v", e.Coordinate, e.BatchID, e.Path, e.Err)
}

func (e *CorruptCheckpointError) Unwrap() error { return e.Err }

// InstanceClosedError reports use of a closed instance.
type InstanceClosedError struct {
	Coordinate Coordinate
	Op         string
}

func (e *InstanceClosedError) Error() string {
	return fmt.Sprintf("%s on closed instance %s", e.Op, e.Coordinate)
}

func IsOutOfOrderCommit(err error) bool {
	var target *OutOfOrderCommitError
	return errors.As(err, &target)
}

func IsConcurrentWrite(err error) bool {
	var target *ConcurrentWriteError
	return errors.As(err, &target)
}

func IsBatchNotAvailable(err error) bool {
	var target *BatchNotAvailableError
	return errors.As(err, &target)
}

func IsInvalidCoordinate(err error) bool {
	var target *InvalidCoordinateError
	return errors.As(err, &target)
}

func IsCorruptCheckpoint(err error) bool {
	var target *CorruptCheckpointError
	return errors.As(err, &target)
}

// IsInstanceClosed checks if an error (or any error in its chain) is an InstanceClosedError.
func IsInstanceClosed(err error) bool {
	var target *InstanceClosedError
	return errors.As(err, &target)
}
