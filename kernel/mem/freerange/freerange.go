// Package freerange implements the size-to-offset free-range index shared by
// the virtual-memory manager (over virtual addresses) and the on-device pool
// table (over a device body). Two independent instances exist at runtime,
// one per owner; this package only provides the data structure.
package freerange

import "sort"

// Range describes a half-open byte interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes spanned by the range.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

// Index is a mapping from size to a representative free starting offset over
// a 1-D address space. Reservation is first-fit: entries are scanned in
// slice order and the first range that can satisfy the request (after
// alignment padding) is chosen. Callers needing mutual exclusion must
// provide their own guard; Index itself is not safe for concurrent use.
type Index struct {
	free []Range
}

// New creates an Index seeded with the given free ranges. Zero-length ranges
// are dropped; the remaining ranges are sorted and coalesced.
func New(initial ...Range) *Index {
	idx := &Index{}
	for _, r := range initial {
		if r.Len() > 0 {
			idx.free = append(idx.free, r)
		}
	}
	idx.coalesce()
	return idx
}

// alignUp rounds addr up to the nearest multiple of alignment, which must be
// a power of two.
func alignUp(addr, alignment uint64) uint64 {
	return (addr + alignment - 1) &^ (alignment - 1)
}

// Reserve scans the free ranges in order and removes the first one that can
// satisfy needed bytes aligned to the given power-of-two alignment. Any head
// padding introduced by alignment and any tail remainder are reinserted as
// separate free ranges. It returns the reserved range and true on success,
// or the zero Range and false if no range is large enough.
func (idx *Index) Reserve(needed, alignment uint64) (Range, bool) {
	if needed == 0 || alignment == 0 {
		return Range{}, false
	}

	for i, r := range idx.free {
		alignedStart := alignUp(r.Start, alignment)
		padding := alignedStart - r.Start
		if needed+padding > r.Len() {
			continue
		}

		reserved := Range{Start: alignedStart, End: alignedStart + needed}

		// Remove the consumed range and splice in whatever remains on
		// either side of it.
		idx.free = append(idx.free[:i:i], idx.free[i+1:]...)
		if padding > 0 {
			idx.free = append(idx.free, Range{Start: r.Start, End: alignedStart})
		}
		if tailStart := reserved.End; tailStart < r.End {
			idx.free = append(idx.free, Range{Start: tailStart, End: r.End})
		}

		return reserved, true
	}

	return Range{}, false
}

// Release returns a previously reserved range to the index. It fails (and
// leaves the index unmodified) if the range's start already lies within a
// currently free range. On success the range is inserted and the whole
// index is re-coalesced so adjacent free ranges merge into one.
func (idx *Index) Release(r Range) bool {
	if r.Len() == 0 {
		return false
	}

	for _, f := range idx.free {
		if r.Start >= f.Start && r.Start < f.End {
			return false
		}
	}

	idx.free = append(idx.free, r)
	idx.coalesce()
	return true
}

// Ranges returns the current free ranges sorted by start address.
func (idx *Index) Ranges() []Range {
	out := make([]Range, len(idx.free))
	copy(out, idx.free)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// coalesce sorts the free list by start address and merges any pair of
// ranges where the prior range's end equals the next range's start.
func (idx *Index) coalesce() {
	if len(idx.free) < 2 {
		return
	}

	sort.Slice(idx.free, func(i, j int) bool { return idx.free[i].Start < idx.free[j].Start })

	merged := idx.free[:1]
	for _, r := range idx.free[1:] {
		last := &merged[len(merged)-1]
		if last.End == r.Start {
			last.End = r.End
			continue
		}
		merged = append(merged, r)
	}
	idx.free = merged
}
