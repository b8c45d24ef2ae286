package citation

import "sort"

// MasterIndex maps process-wide global reference IDs to their entries.
// It is built exactly once per research run, after all source workers have
// joined, and is read-only afterwards, so concurrent reads need no locking.
type MasterIndex struct {
	entries map[int]ReferenceEntry
}

func newMasterIndex() *MasterIndex {
	return &MasterIndex{entries: make(map[int]ReferenceEntry)}
}

func (ix *MasterIndex) add(id int, e ReferenceEntry) {
	ix.entries[id] = e
}

// Resolve returns the entry for a global reference ID. A nil index resolves
// nothing, which is the case for direct answers that skipped retrieval.
func (ix *MasterIndex) Resolve(id int) (ReferenceEntry, bool) {
	if ix == nil {
		return ReferenceEntry{}, false
	}
	e, ok := ix.entries[id]
	return e, ok
}

// Len returns the number of global entries.
func (ix *MasterIndex) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.entries)
}

// IDs returns all global IDs in ascending order.
func (ix *MasterIndex) IDs() []int {
	if ix == nil {
		return nil
	}
	ids := make([]int, 0, len(ix.entries))
	for id := range ix.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Entries returns the entries in ascending global-ID order, for persistence.
func (ix *MasterIndex) Entries() []ReferenceEntry {
	ids := ix.IDs()
	out := make([]ReferenceEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, ix.entries[id])
	}
	return out
}
