package rangedeleter

import (
	"context"
	"sync"

	"github.com/placekeeper-io/placekeeper/placement"
)

type (
	// PinTracker reference-counts in-flight reads against the placement
	// version they used. Deletion of a superseded range waits only for
	// readers pinned at the exact version the range was owned under;
	// reads admitted after the ownership change pin a different version
	// and never hold cleanup back.
	PinTracker struct {
		mu      sync.Mutex
		pins    map[pinKey]int
		changed chan struct{}
	}

	pinKey struct {
		collection string
		version    placement.ChunkVersion
	}

	// Pin is one read's hold on a placement version. Release exactly once.
	Pin struct {
		tracker *PinTracker
		key     pinKey
		once    sync.Once
	}
)

func NewPinTracker() *PinTracker {
	return &PinTracker{
		pins:    make(map[pinKey]int),
		changed: make(chan struct{}),
	}
}

// Pin records that a read is using the given placement version.
func (t *PinTracker) Pin(collection string, version placement.ChunkVersion) *Pin {
	key := pinKey{collection: collection, version: version}
	t.mu.Lock()
	t.pins[key]++
	t.mu.Unlock()
	return &Pin{tracker: t, key: key}
}

func (p *Pin) Release() {
	p.once.Do(func() {
		t := p.tracker
		t.mu.Lock()
		t.pins[p.key]--
		if t.pins[p.key] <= 0 {
			delete(t.pins, p.key)
		}
		// wake every waiter; each re-evaluates its own predicate
		close(t.changed)
		t.changed = make(chan struct{})
		t.mu.Unlock()
	})
}

// WaitForDrain blocks until no pin on the collection sits at the
// superseded version. Pins at any other version belong to reads that
// cannot observe the superseded placement and are ignored.
func (t *PinTracker) WaitForDrain(ctx context.Context, collection string, superseded placement.ChunkVersion) error {
	for {
		t.mu.Lock()
		drained := true
		for key, count := range t.pins {
			if key.collection != collection || count <= 0 {
				continue
			}
			if key.version.Compare(superseded) == placement.Equal {
				drained = false
				break
			}
		}
		changed := t.changed
		t.mu.Unlock()

		if drained {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// PinCountAt reports pins on the collection at exactly the given
// version; used by status reporting and tests.
func (t *PinTracker) PinCountAt(collection string, version placement.ChunkVersion) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for key, count := range t.pins {
		if key.collection == collection && key.version.Compare(version) == placement.Equal {
			total += count
		}
	}
	return total
}
