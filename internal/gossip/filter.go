package gossip

import (
	"hash/maphash"
	"sync"
)

// seenFilter is a stable Bloom filter (Deng & Rafiei, "Approximately
// Detecting Duplicates for Streaming Data using Stable Bloom Filters"):
// unlike a classic Bloom filter it never needs to be cleared, because every
// insertion also decays a small number of existing cells (here in cursor
// order rather than at random; see filterDecay), so the
// false-positive rate converges to a steady state instead of climbing to 1
// as the stream runs forever. Parameters (10M cells, k=3, ~0.001 FPR, max
// cell value 3) match the expectation that duplicates arrive in quick
// succession and then trail off from late-arriving peers.
type seenFilter struct {
	mu       sync.Mutex
	cells    []uint8
	seeds    [3]maphash.Seed
	decayPos uint64
}

const (
	filterCells   = 10_000_000
	filterK       = 3
	filterMaxCell = 3
	// filterDecay is how many cells decay per insertion. Deterministic
	// cursor-order decay stands in for the paper's random eviction; both
	// converge the false-positive rate to the same steady state.
	filterDecay = 10
)

func newSeenFilter() *seenFilter {
	f := &seenFilter{cells: make([]uint8, filterCells)}
	for i := range f.seeds {
		f.seeds[i] = maphash.MakeSeed()
	}
	return f
}

func (f *seenFilter) indices(key string) [filterK]uint64 {
	var idx [filterK]uint64
	for i, seed := range f.seeds {
		var h maphash.Hash
		h.SetSeed(seed)
		_, _ = h.WriteString(key)
		idx[i] = h.Sum64() % filterCells
	}
	return idx
}

// seenOrMark reports whether key was already present, and unconditionally
// performs the filter's insert-and-evict step (an SBF "query" is defined as
// an insert followed by a membership test against the pre-insert state).
func (f *seenFilter) seenOrMark(key string) bool {
	idx := f.indices(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	present := true
	for _, i := range idx {
		if f.cells[i] == 0 {
			present = false
			break
		}
	}

	for n := 0; n < filterDecay; n++ {
		i := f.decayPos % filterCells
		if f.cells[i] > 0 {
			f.cells[i]--
		}
		f.decayPos++
	}
	for _, i := range idx {
		f.cells[i] = filterMaxCell
	}

	return present
}
