// Package allocator provides the bootstrap physical-frame allocator that the
// kernel hands to the VMM so it can materialize intermediate page-table
// frames while mapping NVDIMM devices and pool bodies. Unlike the teacher's
// bitmap allocator, which discovers available RAM by walking the
// bootloader's multiboot memory map, this kernel has no multiboot stage: the
// caller supplies a single scratch region up front (see kmain), and frames
// are handed out from it in order. Allocations cannot be freed, matching the
// teacher's own early allocator note that reclaiming frames is left to a
// later, more advanced allocator this kernel does not need.
package allocator

import (
	"github.com/achilleasa/nvpmem/kernel"
	"github.com/achilleasa/nvpmem/kernel/kfmt/early"
	"github.com/achilleasa/nvpmem/kernel/mem"
	"github.com/achilleasa/nvpmem/kernel/mem/pmm"
)

var errOutOfMemory = &kernel.Error{Module: "pmm_alloc", Message: "scratch frame region exhausted"}

// Bump is a linear, never-frees physical-frame allocator over a single
// contiguous region. A single process-wide instance is initialized once via
// Init and its AllocFrame method is passed to vmm.New as the VMM's
// FrameAllocatorFn.
type Bump struct {
	startFrame pmm.Frame
	frameCount uint64
	allocated  uint64
}

// Default is the process-wide scratch allocator kmain initializes and wires
// into the VMM.
var Default Bump

// Init records the frame range covered by [base, base+size) as available for
// allocation. base must be page-aligned; size is rounded down to a whole
// number of pages.
func (b *Bump) Init(base uintptr, size mem.Size) {
	b.startFrame = pmm.FrameFromAddress(base)
	b.frameCount = uint64(size) >> mem.PageShift
	b.allocated = 0

	early.Printf("[pmm_alloc] scratch region: 0x%10x - 0x%10x, %d pages\n", base, base+uintptr(size), b.frameCount)
}

// AllocFrame reserves and returns the next unused frame in the region. It
// never reuses a previously returned frame.
func (b *Bump) AllocFrame() (pmm.Frame, *kernel.Error) {
	if b.allocated >= b.frameCount {
		return pmm.InvalidFrame, errOutOfMemory
	}

	frame := b.startFrame + pmm.Frame(b.allocated)
	b.allocated++
	return frame, nil
}
