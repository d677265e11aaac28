package routing

import (
	"context"
	"errors"
	"time"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/engine/backoff"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/log/tag"
	"github.com/placekeeper-io/placekeeper/placement"
)

// ErrStaleConfigRetriesExhausted is returned when an operation keeps
// observing stale versions after the configured number of refresh
// cycles, usually a sign of rapid concurrent placement churn.
var ErrStaleConfigRetriesExhausted = errors.New("stale config retries exhausted")

type (
	// VersionedOp performs one attempt of a routed operation, attaching
	// the given version token to the outgoing request and returning the
	// responder's validation verdict.
	VersionedOp func(ctx context.Context, version placement.ChunkVersion) (*ValidationResult, error)

	// Executor is the sender side of the versioning protocol: it attaches
	// the cached version to each attempt and, on a stale verdict,
	// refreshes whichever side's knowledge the verdict proves old before
	// retrying, up to a bounded number of cycles.
	Executor struct {
		logger     log.Logger
		router     *Router
		maxRetries int
		retryDelay backoff.RetryPolicy
	}
)

func NewExecutor(cfg config.RoutingConfig, logger log.Logger, router *Router) *Executor {
	return &Executor{
		logger:     logger,
		router:     router,
		maxRetries: cfg.MaxStaleRetries,
		retryDelay: backoff.NewExponentialRetryPolicy(
			cfg.RetryInitialInterval, cfg.RetryMaxInterval, 0),
	}
}

// RunWithVersionRetry executes op against targetNodeId until the
// responder accepts the attached version, a non-version error occurs,
// or the stale-retry bound is hit.
func (e *Executor) RunWithVersionRetry(
	ctx context.Context, collection string, targetNodeId string, op VersionedOp,
) error {
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		version, err := e.router.CachedShardVersion(ctx, collection, targetNodeId)
		if err != nil {
			return err
		}

		result, err := op(ctx, version)
		if err != nil {
			return err
		}
		if result.Code == Accepted {
			return nil
		}

		e.logger.Debug("Routed operation rejected as stale, refreshing",
			tag.Collection(collection),
			tag.Shard(targetNodeId),
			tag.Attempt(attempt+1),
			tag.Version(result.ResponderVersion))

		// the responder already refreshed itself if it was the old side;
		// refresh our cache only when our token is provably the old one
		switch version.Compare(result.ResponderVersion) {
		case placement.Older, placement.Incomparable:
			e.router.Invalidate(collection)
			if _, err := e.router.RefreshPlacement(ctx, collection); err != nil {
				return err
			}
		}

		if attempt < e.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.retryDelay.NextDelay(attempt + 1)):
			}
		}
	}
	return ErrStaleConfigRetriesExhausted
}
