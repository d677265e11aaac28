package routing

import (
	"context"

	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/log/tag"
	"github.com/placekeeper-io/placekeeper/placement"
)

type (
	ValidationCode string

	// ValidationResult is the responder's verdict on a version token
	// attached to an incoming request. On a stale verdict it carries the
	// responder's own version so the sender can tell which side must
	// refresh.
	ValidationResult struct {
		Code               ValidationCode            `json:"code"`
		ResponderVersion   placement.ChunkVersion    `json:"responderVersion,omitempty"`
		ResponderDbVersion placement.DatabaseVersion `json:"responderDbVersion,omitempty"`
	}

	// VersionGate validates version tokens on the receiving side of
	// routed requests against this node's own view of the placement.
	VersionGate struct {
		logger log.Logger
		router *Router
		nodeId string
	}
)

const (
	Accepted             ValidationCode = "accepted"
	StaleShardVersion    ValidationCode = "staleShardVersion"
	StaleDatabaseVersion ValidationCode = "staleDatabaseVersion"
)

func NewVersionGate(logger log.Logger, router *Router, nodeId string) *VersionGate {
	return &VersionGate{
		logger: logger,
		router: router,
		nodeId: nodeId,
	}
}

// ValidateShardVersion checks the sender's view of this node's version
// for the collection. If the responder's own view is the older one it is
// refreshed here, so the sender can retry the same request unchanged.
func (g *VersionGate) ValidateShardVersion(
	ctx context.Context, collection string, sender placement.ChunkVersion,
) (*ValidationResult, error) {
	if sender.IsIgnored() {
		return &ValidationResult{Code: Accepted}, nil
	}

	own, err := g.router.CachedShardVersion(ctx, collection, g.nodeId)
	if err != nil {
		return nil, err
	}

	switch sender.Compare(own) {
	case placement.Equal:
		return &ValidationResult{Code: Accepted}, nil
	case placement.Newer:
		// the responder is behind the sender; refresh and re-check so a
		// single round trip is enough when the authority agrees
		own, err = g.refreshOwnVersion(ctx, collection, sender)
		if err != nil {
			return nil, err
		}
		if sender.Compare(own) == placement.Equal {
			return &ValidationResult{Code: Accepted}, nil
		}
	case placement.Incomparable:
		// an epoch mismatch means the sender is stale unless the sender
		// carries the epoch the authority moved to; refresh to find out
		own, err = g.refreshOwnVersion(ctx, collection, sender)
		if err != nil {
			return nil, err
		}
		if sender.Compare(own) == placement.Equal {
			return &ValidationResult{Code: Accepted}, nil
		}
	}

	g.logger.Debug("Rejected stale shard version",
		tag.Collection(collection),
		tag.Value(sender.String()),
		tag.Version(own))
	return &ValidationResult{
		Code:             StaleShardVersion,
		ResponderVersion: own,
	}, nil
}

// ValidateDatabaseVersion checks the sender's database version token.
func (g *VersionGate) ValidateDatabaseVersion(
	ctx context.Context, database string, sender placement.DatabaseVersion,
) (*ValidationResult, error) {
	rec, err := g.router.GetCachedDatabase(ctx, database)
	if err != nil {
		return nil, err
	}
	if sender.Compare(rec.Version) == placement.Equal {
		return &ValidationResult{Code: Accepted}, nil
	}

	g.router.InvalidateDatabase(database)
	rec, err = g.router.RefreshDatabase(ctx, database)
	if err != nil {
		return nil, err
	}
	if sender.Compare(rec.Version) == placement.Equal {
		return &ValidationResult{Code: Accepted}, nil
	}
	return &ValidationResult{
		Code:               StaleDatabaseVersion,
		ResponderDbVersion: rec.Version,
	}, nil
}

func (g *VersionGate) refreshOwnVersion(
	ctx context.Context, collection string, sender placement.ChunkVersion,
) (placement.ChunkVersion, error) {
	g.router.Invalidate(collection)
	p, err := g.router.RefreshPlacement(ctx, collection)
	if err != nil {
		return placement.ChunkVersion{}, err
	}
	own := p.ShardVersion(g.nodeId)
	g.logger.Debug("Refreshed own shard version on mismatch",
		tag.Collection(collection),
		tag.Value(sender.String()),
		tag.Version(own))
	return own, nil
}
