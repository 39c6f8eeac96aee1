package vmm

import (
	"github.com/achilleasa/nvpmem/kernel/mem"
	"github.com/achilleasa/nvpmem/kernel/mem/freerange"
)

// recursiveSlot is the PML4 index reserved for the self-referencing mapping
// that pdtVirtualAddr and tempMappingAddr exploit (see pdt.go). It must be
// skipped while enumerating mapped regions: descending into it would walk
// the page table's own backing pages, not a real mapping.
const recursiveSlot = (1 << 9) - 1

// leafBytesForLevel returns the span of a present, non-huge-page-flagged
// leaf encountered at the bottom page table level, and the span of a
// huge-page leaf encountered at a shallower level.
func leafBytesForLevel(level uint8) uint64 {
	switch level {
	case pageLevels - 2:
		return uint64(Page2M.Bytes())
	case pageLevels - 3:
		return uint64(Page1G.Bytes())
	default:
		return uint64(mem.PageSize)
	}
}

// mappedRegions walks the active page table from the PML4 down, merging
// adjacent present leaf spans, and returns them sorted by start address.
// This is the concrete algorithm behind the VMM's "usable regions are the
// complement of what's mapped at boot" construction rule.
func mappedRegions() []freerange.Range {
	var leaves []freerange.Range

	var walkLevel func(tableAddr uintptr, level uint8, vaPrefix uintptr)
	walkLevel = func(tableAddr uintptr, level uint8, vaPrefix uintptr) {
		entryCount := uintptr(1) << pageLevelBits[level]
		for idx := uintptr(0); idx < entryCount; idx++ {
			if level == 0 && idx == recursiveSlot {
				continue
			}

			entryAddr := tableAddr + (idx << mem.PointerShift)
			pte := (*pageTableEntry)(ptePtrFn(entryAddr))
			if !pte.HasFlags(FlagPresent) {
				continue
			}

			va := vaPrefix | (idx << pageLevelShifts[level])

			if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
				span := leafBytesForLevel(level)
				leaves = append(leaves, freerange.Range{Start: uint64(va), End: uint64(va) + span})
				continue
			}

			walkLevel(entryAddr<<pageLevelBits[level], level+1, va)
		}
	}

	walkLevel(pdtVirtualAddr, 0, 0)

	return coalesceSorted(leaves)
}

// coalesceSorted sorts ranges by start and merges adjacent ones, matching
// freerange.Index's own coalescing rule.
func coalesceSorted(ranges []freerange.Range) []freerange.Range {
	idx := freerange.New(ranges...)
	return idx.Ranges()
}

// usableAddressSpaceStart and usableAddressSpaceEnd bound the flat virtual
// address range this VMM manages: the first 10 pages are reserved for
// bootstrap identity mappings, and 2^48 is the full 48-bit address width
// this spec treats as a single flat space (ignoring the canonical-address
// sign-extension split, which this core does not model).
const (
	usableAddressSpaceStart = 10 * uint64(mem.PageSize)
	usableAddressSpaceEnd   = uint64(1) << 48
)

// UsableRegionsFromMapped computes the initial free-range index for a fresh
// VMM: the complement, within [usableAddressSpaceStart, usableAddressSpaceEnd),
// of whatever is already mapped in the currently active page table.
func UsableRegionsFromMapped() []freerange.Range {
	mapped := mappedRegions()

	var usable []freerange.Range
	cursor := usableAddressSpaceStart
	for _, m := range mapped {
		if m.End <= cursor {
			continue
		}
		if m.Start > cursor {
			usable = append(usable, freerange.Range{Start: cursor, End: m.Start})
		}
		if m.End > cursor {
			cursor = m.End
		}
		if cursor >= usableAddressSpaceEnd {
			return usable
		}
	}

	if cursor < usableAddressSpaceEnd {
		usable = append(usable, freerange.Range{Start: cursor, End: usableAddressSpaceEnd})
	}

	return usable
}
