package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateAsset is returned by open when an active position already
	// exists for the asset. Caller bug; never retried.
	ErrDuplicateAsset = errors.New("position already exists for asset")

	// ErrPositionNotFound is returned by reduce/close on an unknown asset.
	ErrPositionNotFound = errors.New("position not found")

	// ErrVenueUnavailable marks a venue that could not be reached. Degraded
	// data for reconciliation, fatal for order placement.
	ErrVenueUnavailable = errors.New("venue unavailable")

	// ErrNotFound is the generic missing-row sentinel used by stores.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized marks a venue auth failure (bad key or signature).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited marks a venue 429. Back off before retrying.
	ErrRateLimited = errors.New("rate limited")
)

// PersistenceError wraps a store transaction failure. The transaction has
// been rolled back; the triggering operation observed no partial writes and
// may be retried by the caller.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
