package distlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/engine/clock"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/log/tag"
)

// ErrLockBusy means the resource is held by a live owner. Callers retry
// with backoff; the lock manager itself never retries.
var ErrLockBusy = errors.New("lock is held by another owner")

type (
	// LockManager is the majority-write lease lock over the authority
	// store. The lease is advisory: a partitioned holder can be silently
	// overtaken once its ping goes stale, so every mutation protected by
	// a lock must still be CAS-validated against the owner token.
	LockManager struct {
		logger     log.Logger
		store      databases.PlacementStore
		timeSource clock.TimeSource

		ownerId         string
		pingInterval    time.Duration
		stalenessWindow time.Duration
		dbTimeout       time.Duration
	}

	// LockHandle represents one acquisition. OwnerId is the token that
	// protected mutations must carry as their CAS precondition.
	LockHandle struct {
		ResourceName string
		OwnerId      string

		manager         *LockManager
		closeChan       chan struct{}
		closeOnce       sync.Once
		invalidatedChan chan struct{}
		invalidatedOnce sync.Once
	}
)

func NewLockManager(
	cfg *config.Config, logger log.Logger,
	store databases.PlacementStore, timeSource clock.TimeSource,
) *LockManager {
	return &LockManager{
		logger:          logger,
		store:           store,
		timeSource:      timeSource,
		ownerId:         cfg.Core.NodeId,
		pingInterval:    cfg.Core.DistLockConfig.PingInterval,
		stalenessWindow: cfg.Core.DistLockConfig.LeaseStalenessWindow,
		dbTimeout:       cfg.Core.DatabaseAPITimeout,
	}
}

// Acquire takes the lock on resourceName or fails with ErrLockBusy.
// On success a background ping loop keeps the lease alive until Release.
func (m *LockManager) Acquire(ctx context.Context, resourceName string, reason string) (*LockHandle, error) {
	now := m.timeSource.Now()

	// The owner token is unique per acquisition so two operations on the
	// same node still exclude each other, and so a restarted process can
	// never be confused with its earlier incarnation
	ownerId := m.ownerId + ":" + uuid.NewString()

	// Establish the owner's liveness before holding anything
	if err := m.store.UpsertLockPing(ctx, ownerId, now); err != nil {
		return nil, err
	}

	lock := &databases.LockDoc{
		ResourceName: resourceName,
		OwnerId:      ownerId,
		Reason:       reason,
		AcquiredAt:   now,
	}

	insertErr := m.store.InsertLock(ctx, lock)
	if insertErr == nil {
		return m.newHandle(resourceName, ownerId), nil
	}
	if !insertErr.ConditionFail {
		return nil, insertErr
	}

	// A document exists; overtake only if the holder's ping is stale
	existing, getErr := m.store.GetLock(ctx, resourceName)
	if getErr != nil {
		if getErr.NotExists {
			// Racing release; let the caller retry
			return nil, ErrLockBusy
		}
		return nil, getErr
	}

	if !m.isHolderStale(ctx, existing) {
		return nil, ErrLockBusy
	}

	overtakeErr := m.store.OvertakeLock(ctx, lock, existing.OwnerId)
	if overtakeErr != nil {
		if overtakeErr.ConditionFail {
			// Someone else overtook first
			return nil, ErrLockBusy
		}
		return nil, overtakeErr
	}

	m.logger.Warn("Overtook stale lock",
		tag.Resource(resourceName), tag.OwnerId(existing.OwnerId))
	// The stale holder's ping is dead weight now that its lock is gone
	m.deleteLockPing(ctx, existing.OwnerId)
	return m.newHandle(resourceName, ownerId), nil
}

// Release gives the lock up. A ConditionFail here means the lock was
// already overtaken, which is not an error for the releasing side.
func (m *LockManager) Release(ctx context.Context, handle *LockHandle) error {
	handle.closeOnce.Do(func() { close(handle.closeChan) })

	// Owner tokens are unique per acquisition, so the ping document has
	// no further use once the lock is gone
	defer m.deleteLockPing(ctx, handle.OwnerId)

	releaseErr := m.store.ReleaseLock(ctx, handle.ResourceName, handle.OwnerId)
	if releaseErr != nil {
		if releaseErr.ConditionFail || releaseErr.NotExists {
			m.logger.Warn("Lock was overtaken before release", tag.Resource(handle.ResourceName))
			return nil
		}
		return releaseErr
	}
	return nil
}

func (m *LockManager) deleteLockPing(ctx context.Context, ownerId string) {
	if dbErr := m.store.DeleteLockPing(ctx, ownerId); dbErr != nil && !dbErr.NotExists {
		m.logger.Error("Failed to delete lock ping", tag.OwnerId(ownerId), tag.Error(dbErr))
	}
}

func (m *LockManager) isHolderStale(ctx context.Context, lock *databases.LockDoc) bool {
	staleBefore := m.timeSource.Now().Add(-m.stalenessWindow)

	ping, err := m.store.GetLockPing(ctx, lock.OwnerId)
	if err != nil {
		if err.NotExists {
			// Holder never pinged; judge staleness from acquisition time
			return lock.AcquiredAt.Before(staleBefore)
		}
		return false
	}
	return ping.LastPingAt.Before(staleBefore)
}

func (m *LockManager) newHandle(resourceName string, ownerId string) *LockHandle {
	handle := &LockHandle{
		ResourceName:    resourceName,
		OwnerId:         ownerId,
		manager:         m,
		closeChan:       make(chan struct{}),
		invalidatedChan: make(chan struct{}),
	}
	go handle.pingLoop()
	return handle
}

// InvalidatedChan is closed when the ping loop discovers the lock was
// overtaken. Best-effort only: the authoritative protection is the CAS
// on every write, not this signal.
func (h *LockHandle) InvalidatedChan() <-chan struct{} {
	return h.invalidatedChan
}

func (h *LockHandle) pingLoop() {
	m := h.manager
	for {
		select {
		case <-h.closeChan:
			return
		case <-time.After(m.pingInterval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.dbTimeout)
		pingErr := m.store.UpsertLockPing(ctx, h.OwnerId, m.timeSource.Now())
		if pingErr != nil {
			m.logger.Error("Failed to ping lock", tag.Resource(h.ResourceName), tag.Error(pingErr))
			cancel()
			continue
		}

		// Detect overtake optimistically on our own schedule
		lock, getErr := m.store.GetLock(ctx, h.ResourceName)
		cancel()
		if getErr != nil {
			if getErr.NotExists {
				h.invalidate()
				return
			}
			continue
		}
		if lock.OwnerId != h.OwnerId {
			m.logger.Warn("Lock ownership lost to another owner",
				tag.Resource(h.ResourceName), tag.OwnerId(lock.OwnerId))
			h.invalidate()
			return
		}
	}
}

func (h *LockHandle) invalidate() {
	h.invalidatedOnce.Do(func() { close(h.invalidatedChan) })
}
