package migration

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/databases"
)

type (
	// MigrationHandle is a shared completion handle. Joining callers of
	// the same in-flight migration receive the same handle and resolve
	// to the same outcome.
	MigrationHandle struct {
		MigrationId uuid.UUID
		Collection  string
		Range       databases.KeyRange

		doneChan chan struct{}
		doneOnce sync.Once
		outcome  Outcome
		err      error
	}

	// activeRegistry is this node's in-process view of its one in-flight
	// donor migration. It only short-circuits duplicate begin calls; the
	// cross-node safety mechanism is the distributed lock, not this map.
	activeRegistry struct {
		mu     sync.Mutex
		active *MigrationHandle
	}
)

func newHandle(migrationId uuid.UUID, collection string, rng databases.KeyRange) *MigrationHandle {
	return &MigrationHandle{
		MigrationId: migrationId,
		Collection:  collection,
		Range:       rng,
		doneChan:    make(chan struct{}),
	}
}

// Await blocks until the migration resolves. On a clean abort the error
// wraps ErrMigrationAborted with the reason.
func (h *MigrationHandle) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-h.doneChan:
		return h.outcome, h.err
	}
}

func (h *MigrationHandle) resolve(outcome Outcome, err error) {
	h.doneOnce.Do(func() {
		h.outcome = outcome
		h.err = err
		close(h.doneChan)
	})
}

func newActiveRegistry() *activeRegistry {
	return &activeRegistry{}
}

// register claims the node's migration slot. A second begin for the
// same collection and range joins the in-flight handle; a different
// range fails with ErrConflictingMigrationInProgress.
func (r *activeRegistry) register(handle *MigrationHandle) (*MigrationHandle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		if r.active.Collection == handle.Collection && r.active.Range == handle.Range {
			return r.active, true, nil
		}
		return nil, false, ErrConflictingMigrationInProgress
	}
	r.active = handle
	return handle, false, nil
}

func (r *activeRegistry) deregister(handle *MigrationHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == handle {
		r.active = nil
	}
}

func (r *activeRegistry) current() *MigrationHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
