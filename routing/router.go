package routing

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/log/tag"
	"github.com/placekeeper-io/placekeeper/placement"
)

type (
	// Router is the routing-table cache over the authority store. Placement
	// knowledge is lazy: it is only refreshed when a version mismatch on
	// normal traffic proves it stale, never pushed.
	Router struct {
		logger log.Logger
		store  databases.PlacementStore

		mu              sync.RWMutex
		collectionCache map[string]*databases.CollectionPlacement
		databaseCache   map[string]*databases.DatabaseRecord

		// refreshes for the same resource are coalesced so concurrent
		// staleness detections trigger a single authority read
		group singleflight.Group
	}
)

func NewRouter(logger log.Logger, store databases.PlacementStore) *Router {
	return &Router{
		logger:          logger,
		store:           store,
		collectionCache: make(map[string]*databases.CollectionPlacement),
		databaseCache:   make(map[string]*databases.DatabaseRecord),
	}
}

// GetCachedPlacement returns the cached placement for the collection,
// loading it from the authority on first use.
func (r *Router) GetCachedPlacement(ctx context.Context, collection string) (*databases.CollectionPlacement, error) {
	r.mu.RLock()
	p, ok := r.collectionCache[collection]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	return r.RefreshPlacement(ctx, collection)
}

// RefreshPlacement reads the authoritative placement and replaces the
// cached entry. Concurrent calls for the same collection share one read.
func (r *Router) RefreshPlacement(ctx context.Context, collection string) (*databases.CollectionPlacement, error) {
	result, err, _ := r.group.Do("collection:"+collection, func() (interface{}, error) {
		p, dbErr := r.store.GetCollectionPlacement(ctx, collection)
		if dbErr != nil {
			return nil, dbErr
		}
		r.mu.Lock()
		r.collectionCache[collection] = p
		r.mu.Unlock()
		r.logger.Debug("Refreshed collection placement",
			tag.Collection(collection), tag.Version(p.CollectionVersion()))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*databases.CollectionPlacement), nil
}

// Invalidate drops the cached entry; the next read reloads lazily.
func (r *Router) Invalidate(collection string) {
	r.mu.Lock()
	delete(r.collectionCache, collection)
	r.mu.Unlock()
}

// CachedShardVersion derives the version the cache believes nodeId holds
// for the collection.
func (r *Router) CachedShardVersion(ctx context.Context, collection string, nodeId string) (placement.ChunkVersion, error) {
	p, err := r.GetCachedPlacement(ctx, collection)
	if err != nil {
		return placement.ChunkVersion{}, err
	}
	return p.ShardVersion(nodeId), nil
}

// GetCachedDatabase returns the cached database record, loading it from
// the authority on first use.
func (r *Router) GetCachedDatabase(ctx context.Context, name string) (*databases.DatabaseRecord, error) {
	r.mu.RLock()
	rec, ok := r.databaseCache[name]
	r.mu.RUnlock()
	if ok {
		return rec, nil
	}
	return r.RefreshDatabase(ctx, name)
}

// RefreshDatabase reads the authoritative database record, coalescing
// concurrent refreshes of the same database.
func (r *Router) RefreshDatabase(ctx context.Context, name string) (*databases.DatabaseRecord, error) {
	result, err, _ := r.group.Do("database:"+name, func() (interface{}, error) {
		rec, dbErr := r.store.GetDatabaseRecord(ctx, name)
		if dbErr != nil {
			return nil, dbErr
		}
		r.mu.Lock()
		r.databaseCache[name] = rec
		r.mu.Unlock()
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*databases.DatabaseRecord), nil
}

// InvalidateDatabase drops the cached database record.
func (r *Router) InvalidateDatabase(name string) {
	r.mu.Lock()
	delete(r.databaseCache, name)
	r.mu.Unlock()
}
