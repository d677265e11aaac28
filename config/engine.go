package config

import "time"

type CoreConfig struct {
	// NodeId is the stable identity of this node in the cluster.
	// It is recorded as the donor/recipient of migrations and as the
	// owner of distributed locks. Must be unique across the cluster.
	NodeId string

	// ListenAddress is the host:port the inter-node HTTP service binds to
	ListenAddress string

	// Peers maps node ids to their HTTP base addresses, e.g.
	// "node-b": "http://10.0.0.2:8801"
	Peers map[string]string

	// DatabaseAPITimeout is the timeout for the authority store API calls
	// Default is 10 seconds
	DatabaseAPITimeout time.Duration

	// DistLockConfig is the config for the distributed lock manager
	DistLockConfig DistLockConfig

	// RoutingConfig is the config for the versioning protocol
	RoutingConfig RoutingConfig

	// MigrationConfig is the config for the migration coordinator
	MigrationConfig MigrationConfig

	// RangeDeleterConfig is the config for the orphan cleanup executor
	// Note that the executor is a single-worker instance per node
	RangeDeleterConfig RangeDeleterConfig
}

// DistLockConfig is the config for the distributed lock manager
type DistLockConfig struct {
	// PingInterval is how often a held lock refreshes its ping document
	// Default is 30 seconds
	PingInterval time.Duration
	// LeaseStalenessWindow is how old a holder's last ping must be before
	// a competing acquire may overtake the lock
	// Default is 15 minutes
	LeaseStalenessWindow time.Duration
}

// RoutingConfig is the config for the versioning protocol
type RoutingConfig struct {
	// MaxStaleRetries is the max number of stale/refresh/retry cycles for a
	// single operation before it fails with StaleConfigRetriesExhausted
	// Default is 10
	MaxStaleRetries int
	// RetryInitialInterval is the initial backoff between stale retries
	// Default is 50 milliseconds
	RetryInitialInterval time.Duration
	// RetryMaxInterval is the backoff cap between stale retries
	// Default is 2 seconds
	RetryMaxInterval time.Duration
}

// MigrationConfig is the config for the migration coordinator
type MigrationConfig struct {
	// CloneBatchLimit is the max number of documents the recipient pulls
	// from the donor per clone-batch request
	// Default is 500
	CloneBatchLimit int
	// ModTransferBatchLimit is the max number of buffered mutations the
	// recipient pulls per mod-transfer request
	// Default is 500
	ModTransferBatchLimit int
	// MaxPendingModsForSteady is the recipient lag, in buffered mutations,
	// under which the donor considers the recipient caught up and may
	// enter the critical section
	// Default is 16
	MaxPendingModsForSteady int
	// SteadyStatePollInterval is how often the donor polls the recipient
	// while waiting for it to catch up
	// Default is 1 second
	SteadyStatePollInterval time.Duration
	// SteadyStateTimeout aborts the migration if the recipient has not
	// caught up within this duration
	// Default is 5 minutes
	SteadyStateTimeout time.Duration
	// CriticalSectionTimeout bounds the write-suspension window; it is
	// deliberately short because availability is sacrificed inside it
	// Default is 30 seconds
	CriticalSectionTimeout time.Duration
	// LockRetryInitialInterval is the initial backoff between attempts to
	// acquire the per-collection migration lock when another migration
	// holds it
	// Default is 1 second
	LockRetryInitialInterval time.Duration
	// LockRetryMaxInterval is the backoff cap between lock attempts
	// Default is 10 seconds
	LockRetryMaxInterval time.Duration
	// LockRetryLimit is the max number of lock attempts before
	// BeginMigration gives up with ErrLockBusy
	// Default is 5
	LockRetryLimit int
}

// RangeDeleterConfig is the config for the orphan cleanup executor
type RangeDeleterConfig struct {
	// OrphanCleanupDelay is the grace period after the last pinned read
	// drains before a ready task starts deleting, to let secondary reads
	// that do not participate in pinning drain naturally
	// Default is 15 minutes
	OrphanCleanupDelay time.Duration
	// DeletionBatchLimit is the max number of documents deleted per batch
	// Default is 1000
	DeletionBatchLimit int
	// InterBatchDelay is the pause between deletion batches, bounding the
	// deletion rate to cap I/O amplification
	// Default is 100 milliseconds
	InterBatchDelay time.Duration
	// TaskPollInterval is how often the executor looks for ready tasks
	// Default is 10 seconds
	TaskPollInterval time.Duration
}

func (c *CoreConfig) applyDefaults() {
	if c.DatabaseAPITimeout == 0 {
		c.DatabaseAPITimeout = 10 * time.Second
	}
	if c.DistLockConfig.PingInterval == 0 {
		c.DistLockConfig.PingInterval = 30 * time.Second
	}
	if c.DistLockConfig.LeaseStalenessWindow == 0 {
		c.DistLockConfig.LeaseStalenessWindow = 15 * time.Minute
	}
	if c.RoutingConfig.MaxStaleRetries == 0 {
		c.RoutingConfig.MaxStaleRetries = 10
	}
	if c.RoutingConfig.RetryInitialInterval == 0 {
		c.RoutingConfig.RetryInitialInterval = 50 * time.Millisecond
	}
	if c.RoutingConfig.RetryMaxInterval == 0 {
		c.RoutingConfig.RetryMaxInterval = 2 * time.Second
	}
	if c.MigrationConfig.CloneBatchLimit == 0 {
		c.MigrationConfig.CloneBatchLimit = 500
	}
	if c.MigrationConfig.ModTransferBatchLimit == 0 {
		c.MigrationConfig.ModTransferBatchLimit = 500
	}
	if c.MigrationConfig.MaxPendingModsForSteady == 0 {
		c.MigrationConfig.MaxPendingModsForSteady = 16
	}
	if c.MigrationConfig.SteadyStatePollInterval == 0 {
		c.MigrationConfig.SteadyStatePollInterval = time.Second
	}
	if c.MigrationConfig.SteadyStateTimeout == 0 {
		c.MigrationConfig.SteadyStateTimeout = 5 * time.Minute
	}
	if c.MigrationConfig.CriticalSectionTimeout == 0 {
		c.MigrationConfig.CriticalSectionTimeout = 30 * time.Second
	}
	if c.MigrationConfig.LockRetryInitialInterval == 0 {
		c.MigrationConfig.LockRetryInitialInterval = time.Second
	}
	if c.MigrationConfig.LockRetryMaxInterval == 0 {
		c.MigrationConfig.LockRetryMaxInterval = 10 * time.Second
	}
	if c.MigrationConfig.LockRetryLimit == 0 {
		c.MigrationConfig.LockRetryLimit = 5
	}
	if c.RangeDeleterConfig.OrphanCleanupDelay == 0 {
		c.RangeDeleterConfig.OrphanCleanupDelay = 15 * time.Minute
	}
	if c.RangeDeleterConfig.DeletionBatchLimit == 0 {
		c.RangeDeleterConfig.DeletionBatchLimit = 1000
	}
	if c.RangeDeleterConfig.InterBatchDelay == 0 {
		c.RangeDeleterConfig.InterBatchDelay = 100 * time.Millisecond
	}
	if c.RangeDeleterConfig.TaskPollInterval == 0 {
		c.RangeDeleterConfig.TaskPollInterval = 10 * time.Second
	}
}
