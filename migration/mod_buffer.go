package migration

import (
	"sync"

	"github.com/placekeeper-io/placekeeper/databases"
)

// modBuffer accumulates donor-side mutations to a migrating range from
// the moment cloning begins. Drain preserves append order so the
// recipient's per-key last-write-wins application stays correct.
type modBuffer struct {
	mu   sync.Mutex
	mods []*databases.Mod
}

func newModBuffer() *modBuffer {
	return &modBuffer{}
}

func (b *modBuffer) Append(mod *databases.Mod) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mods = append(b.mods, mod)
}

// Drain removes and returns up to limit mods in append order.
func (b *modBuffer) Drain(limit int) []*databases.Mod {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.mods)
	if limit > 0 && n > limit {
		n = limit
	}
	out := b.mods[:n:n]
	b.mods = b.mods[n:]
	return out
}

func (b *modBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mods)
}
