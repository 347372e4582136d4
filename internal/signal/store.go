package signal

import (
	"sort"
	"sync"
)

// Archiver persists emitted signals outside the process.
type Archiver interface {
	ArchiveSignal(s Signal) error
}

// Store is the append-only in-memory journal of emitted signals, bounded
// per asset.
type Store struct {
	perAsset int

	mu      sync.RWMutex
	byAsset map[string][]Signal
	total   uint64
}

// NewStore creates a Store keeping at most perAsset signals per asset.
func NewStore(perAsset int) *Store {
	if perAsset <= 0 {
		perAsset = 1000
	}
	return &Store{perAsset: perAsset, byAsset: make(map[string][]Signal)}
}

// Append adds s to the journal, evicting the oldest signal of the asset
// once the per-asset bound is reached.
func (st *Store) Append(s Signal) {
	st.mu.Lock()
	defer st.mu.Unlock()

	list := append(st.byAsset[s.AssetID], s)
	if len(list) > st.perAsset {
		list = list[len(list)-st.perAsset:]
	}
	st.byAsset[s.AssetID] = list
	st.total++
}

// ForAsset returns the journaled signals of assetID in emission order.
func (st *Store) ForAsset(assetID string) []Signal {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]Signal(nil), st.byAsset[assetID]...)
}

// All returns every journaled signal ordered by observation time.
func (st *Store) All() []Signal {
	st.mu.RLock()
	var out []Signal
	for _, list := range st.byAsset {
		out = append(out, list...)
	}
	st.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

// Total returns the number of signals ever appended.
func (st *Store) Total() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.total
}
