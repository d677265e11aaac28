package migration

import "errors"

var (
	// ErrConflictingMigrationInProgress means this node is already the
	// donor of a migration for a different range. Not retryable until
	// the in-flight migration resolves.
	ErrConflictingMigrationInProgress = errors.New("a migration for a different range is in progress on this node")

	// ErrMigrationAborted is the terminal error of a cleanly aborted
	// migration; the donor retains ownership and no placement changed.
	ErrMigrationAborted = errors.New("migration aborted")

	// ErrWriteSuspended is returned to writes landing in a range whose
	// migration is inside the critical section. Retryable: the window is
	// bounded by CriticalSectionTimeout.
	ErrWriteSuspended = errors.New("writes to this range are briefly suspended for migration")

	// ErrReadSuspended is returned to reads landing in a range whose
	// migration is waiting on the authoritative commit write. The window
	// is a single store round trip.
	ErrReadSuspended = errors.New("reads of this range are briefly suspended for migration commit")

	// ErrManualInterventionRequired means a non-idempotent step failed
	// partway and automatic retry is unsafe.
	ErrManualInterventionRequired = errors.New("migration requires manual intervention")
)
