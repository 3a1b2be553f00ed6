package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityMissing marks a batch without its identity column.
	ErrIdentityMissing = errors.New("identity column missing")

	// ErrStoreUnavailable marks store calls that failed or timed out.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// IdentityMissingError reports a batch that cannot be deduplicated because
// its identity column is absent.
type IdentityMissingError struct {
	Table  string
	Column string
}

func (e *IdentityMissingError) Error() string {
	return fmt.Sprintf("%s: batch has no %q column", e.Table, e.Column)
}

func (e *IdentityMissingError) Unwrap() error { return ErrIdentityMissing }

// StoreUnavailableError wraps a failed store call.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }
