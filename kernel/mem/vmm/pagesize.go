package vmm

import "github.com/achilleasa/nvpmem/kernel/mem"

// PageSize is the small capability tag that lets Map/Unmap/Allocate dispatch
// across the three granularities the MMU supports, instead of growing a
// generic type hierarchy per size (see the "Polymorphism across page sizes"
// design note).
type PageSize uint8

const (
	// Page4K selects a regular 4KiB leaf mapping at the bottom page table level.
	Page4K PageSize = iota
	// Page2M selects a 2MiB huge-page mapping, installed one level above Page4K.
	Page2M
	// Page1G selects a 1GiB huge-page mapping, installed two levels above Page4K.
	Page1G
)

// Bytes returns the number of bytes a single page of this size covers.
func (s PageSize) Bytes() mem.Size {
	switch s {
	case Page2M:
		return 512 * mem.PageSize
	case Page1G:
		return 512 * 512 * mem.PageSize
	default:
		return mem.PageSize
	}
}

// level returns the zero-based page table level (0 == PML4) at which the
// leaf entry for this page size is installed.
func (s PageSize) level() uint8 {
	switch s {
	case Page2M:
		return pageLevels - 2
	case Page1G:
		return pageLevels - 3
	default:
		return pageLevels - 1
	}
}

// leafFlags returns the page-table-entry flags this size requires on its
// leaf entry, beyond FlagPresent and the caller-supplied protection flags.
func (s PageSize) leafFlags() PageTableEntryFlag {
	if s == Page4K {
		return 0
	}
	return FlagHugePage
}

// String names the page size, used by diagnostic logging during device
// enumeration and VMM tracing.
func (s PageSize) String() string {
	switch s {
	case Page2M:
		return "2M"
	case Page1G:
		return "1G"
	default:
		return "4K"
	}
}
