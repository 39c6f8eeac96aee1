// Package vmm implements the virtual-memory manager: it owns the active
// four-level page table, reserves and releases virtual address ranges
// through a free-range index, and installs 4KiB/2MiB/1GiB mappings on
// request. Physical-frame allocation for intermediate page tables is
// delegated to an externally supplied allocator; the VMM never frees
// intermediate tables (see the design note on that known limitation).
package vmm

import (
	"github.com/achilleasa/nvpmem/kernel"
	"github.com/achilleasa/nvpmem/kernel/mem"
	"github.com/achilleasa/nvpmem/kernel/mem/freerange"
	"github.com/achilleasa/nvpmem/kernel/mem/pmm"
	"github.com/achilleasa/nvpmem/kernel/sync"
)

var (
	errOutOfVirtualSpace  = &kernel.Error{Module: "vmm", Message: "virtual address space exhausted"}
	errMisalignedPhysAddr = &kernel.Error{Module: "vmm", Message: "physical start address is not aligned to the requested page size"}
)

// framesPerPage reports how many PageSize-sized physical frames a single
// page of the given size covers.
func framesPerPage(size PageSize) uint64 {
	return uint64(size.Bytes() / mem.PageSize)
}

// PageRange describes a contiguous, page-size-tagged span of virtual memory
// returned by Allocate and consumed by Deallocate.
type PageRange struct {
	Start uintptr
	Size  PageSize
	Pages uint64
}

// End returns the address one past the last byte covered by this range.
func (r PageRange) End() uintptr {
	return r.Start + uintptr(r.Pages)*uintptr(r.Size.Bytes())
}

// VMM owns one page directory table and the free-range index over the
// virtual addresses it has not yet mapped. A single instance is meant to be
// shared process-wide behind a Guard; all public methods acquire it so that
// no caller can observe a partially-applied mapping.
type VMM struct {
	guard      sync.Guard
	pdt        PageDirectoryTable
	frameAlloc FrameAllocatorFn
	freeVirt   *freerange.Index
}

// New constructs a VMM over the given (already-initialized) page directory
// table and frame allocator. usable is the free-range index derived from the
// boot-time page table by walking it and subtracting the already-mapped
// spans from the full virtual address space (see the mappedRegions helper in
// usable.go).
func New(pdt PageDirectoryTable, frameAlloc FrameAllocatorFn, usable []freerange.Range) *VMM {
	return &VMM{
		pdt:        pdt,
		frameAlloc: frameAlloc,
		freeVirt:   freerange.New(usable...),
	}
}

// Allocate reserves pageCount pages of the given size and maps each one, in
// order, to successive physical frames starting at physStart. It fails if
// the virtual address space is exhausted or if physStart is misaligned for
// size.
func (v *VMM) Allocate(size PageSize, physStart uintptr, pageCount uint64) (PageRange, *kernel.Error) {
	v.guard.Lock()
	defer v.guard.Unlock()

	pageBytes := uint64(size.Bytes())
	if physStart%uintptr(pageBytes) != 0 {
		return PageRange{}, errMisalignedPhysAddr
	}

	reserved, ok := v.freeVirt.Reserve(pageCount*pageBytes, pageBytes)
	if !ok {
		return PageRange{}, errOutOfVirtualSpace
	}

	framesPerPg := framesPerPage(size)
	baseFrame := pmm.FrameFromAddress(physStart)

	for i := uint64(0); i < pageCount; i++ {
		page := PageFromAddress(reserved.Start + i*pageBytes)
		frame := baseFrame + pmm.Frame(i*framesPerPg)
		if err := v.pdt.Map(page, frame, size, FlagPresent|FlagRW, v.frameAlloc); err != nil {
			// Unwind any pages already mapped before returning the
			// virtual range to the free index.
			for j := uint64(0); j < i; j++ {
				_ = v.pdt.Unmap(PageFromAddress(reserved.Start+j*pageBytes), size)
			}
			v.freeVirt.Release(reserved)
			return PageRange{}, err
		}
	}

	return PageRange{Start: reserved.Start, Size: size, Pages: pageCount}, nil
}

// Deallocate releases the virtual range backing r and unmaps each of its
// pages. It returns false (leaving state unchanged) if the range is not
// fully present in the allocated set, mirroring the free-range index's
// release semantics.
func (v *VMM) Deallocate(r PageRange) bool {
	v.guard.Lock()
	defer v.guard.Unlock()

	pageBytes := uint64(r.Size.Bytes())
	if !v.freeVirt.Release(freerange.Range{Start: r.Start, End: r.Start + r.Pages*pageBytes}) {
		return false
	}

	for i := uint64(0); i < r.Pages; i++ {
		_ = v.pdt.Unmap(PageFromAddress(r.Start+i*pageBytes), r.Size)
	}

	return true
}

// UsableRegions returns the current free virtual ranges sorted by start.
func (v *VMM) UsableRegions() []freerange.Range {
	v.guard.Lock()
	defer v.guard.Unlock()

	return v.freeVirt.Ranges()
}
