package queue

import "errors"

var (
	// ErrDuplicateKey is returned when an item already exists for the same
	// (external key, platform, account) triple. Nothing is written.
	ErrDuplicateKey = errors.New("queue item already exists for key, platform and account")

	// ErrClaimConflict means the caller no longer owns the claimed item: the
	// claim token changed or the item left the uploading state. Callers treat
	// the item as unavailable.
	ErrClaimConflict = errors.New("queue item claim no longer held")

	// ErrNotFound is returned when an item id does not exist.
	ErrNotFound = errors.New("queue item not found")
)
