// Package pmm contains the physical-frame abstraction that the VMM maps
// virtual pages to. Frame allocation itself is delegated to an external
// allocator supplied to the VMM; this package only describes the unit of
// physical memory the allocator hands back.
package pmm

import (
	"math"

	"github.com/achilleasa/nvpmem/kernel/mem"
)

// Frame describes a physical memory page index (always at PageSize
// granularity, regardless of the virtual mapping's page size).
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down to the containing page if the address is not
// page-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
