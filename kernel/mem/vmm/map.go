package vmm

import (
	"unsafe"

	"github.com/achilleasa/nvpmem/kernel"
	"github.com/achilleasa/nvpmem/kernel/mem"
	"github.com/achilleasa/nvpmem/kernel/mem/pmm"
)

var (
	// nextAddrFn is used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = flushTLBEntry

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// Map establishes a mapping between a virtual page and a physical memory frame
// of the given size using the currently active page directory table. Calls to
// Map will use the supplied physical frame allocator to initialize missing
// page tables at each paging level above the leaf level for size.
func Map(page Page, frame pmm.Frame, size PageSize, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	leafLevel := size.level()

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// At the leaf level for the requested size we install the frame
		// and flag it as present (plus FlagHugePage for 2M/1G mappings),
		// then flush its TLB entry and stop the walk.
		if pteLevel == leafLevel {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | size.leafFlags() | flags)
			flushTLBEntryFn(page.Address())
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it, map it, and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			newTableFrame, err = allocFn()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next pte entry becomes available but we need to
			// make sure that the new page is properly cleared
			nextTableAddr := (uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1])
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address overwriting any previous mapping. The temporary
// mapping mechanism is primarily used by the kernel to access and initialize
// inactive page tables.
func MapTemporary(frame pmm.Frame, allocFn FrameAllocatorFn) (Page, *kernel.Error) {
	if err := Map(PageFromAddress(tempMappingAddr), frame, Page4K, FlagRW, allocFn); err != nil {
		return 0, err
	}

	return PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via a call to Map or MapTemporary.
func Unmap(page Page, size PageSize) *kernel.Error {
	var err *kernel.Error

	leafLevel := size.level()

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the leaf level for this size all we need to do is
		// to set the page as non-present, flush its TLB entry and stop the walk
		if pteLevel == leafLevel {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return false
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}
