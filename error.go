package dynatx

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// ConditionalCheckFailed is the local mapping of the backing store's
	// conditional write failure. The protocol's retry loops key off of it.
	ConditionalCheckFailed
	// TransactionNotFound means the transaction record has been deleted or never existed.
	TransactionNotFound
	// TransactionCommitted means the attempted operation lost to a commit that already happened.
	TransactionCommitted
	// TransactionRolledBack means the attempted operation lost to a rollback that already happened.
	TransactionRolledBack
	// UnknownCompleted means the record vanished between observation and action; the caller
	// cannot tell whether it committed or rolled back.
	UnknownCompleted
	// ItemNotLocked means lock acquisition failed because another transaction owns the item.
	// UserData carries a LockInfo.
	ItemNotLocked
	// DuplicateRequest means two mutating requests targeted the same (table, key) in one transaction.
	DuplicateRequest
	// InvalidRequest is a request validation failure.
	InvalidRequest
	// ItemSizeExceeded means the transaction record would exceed the store's maximum
	// item size after adding the request.
	ItemSizeExceeded
	// BackingStoreFailure is a non-conditional failure from the underlying store, passed through.
	BackingStoreFailure
	// AssertionFailure is an internal invariant violation. Not recoverable; indicates a bug.
	AssertionFailure
)

// dynatx custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.UserData != nil {
		return fmt.Sprintf("error code: %d, user data: %v, details: %v", e.Code, e.UserData, e.Err)
	}
	return fmt.Sprintf("error code: %d, details: %v", e.Code, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// LockInfo identifies the lock owner blocking an acquisition. Carried as
// UserData on ItemNotLocked errors so contention resolution can find the
// other transaction.
type LockInfo struct {
	OwnerID string
	Table   string
	Key     Item
}

// CodeOf extracts the ErrorCode from err, or Unknown if err is not a dynatx Error.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// IsTransactionCompleted reports whether err signifies the transaction reached a
// terminal state, regardless of which one.
func IsTransactionCompleted(err error) bool {
	switch CodeOf(err) {
	case TransactionCommitted, TransactionRolledBack, UnknownCompleted:
		return true
	}
	return false
}
