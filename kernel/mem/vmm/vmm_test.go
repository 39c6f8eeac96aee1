package vmm

import (
	"testing"

	"github.com/achilleasa/nvpmem/kernel"
	"github.com/achilleasa/nvpmem/kernel/mem/freerange"
	"github.com/achilleasa/nvpmem/kernel/mem/pmm"
)

func newTestVMM(t *testing.T, usable ...freerange.Range) (*VMM, *[]struct {
	page  Page
	frame pmm.Frame
	size  PageSize
}, *[]struct {
	page Page
	size PageSize
}) {
	t.Helper()

	var (
		pdtFrame = pmm.Frame(1)
		pdt      = PageDirectoryTable{pdtFrame: pdtFrame}
		mapCalls []struct {
			page  Page
			frame pmm.Frame
			size  PageSize
		}
		unmapCalls []struct {
			page Page
			size PageSize
		}
	)

	origActivePDT, origMap, origUnmap := activePDTFn, mapFn, unmapFn
	t.Cleanup(func() {
		activePDTFn = origActivePDT
		mapFn = origMap
		unmapFn = origUnmap
	})

	activePDTFn = func() uintptr { return pdtFrame.Address() }
	mapFn = func(page Page, frame pmm.Frame, size PageSize, _ PageTableEntryFlag, _ FrameAllocatorFn) *kernel.Error {
		mapCalls = append(mapCalls, struct {
			page  Page
			frame pmm.Frame
			size  PageSize
		}{page, frame, size})
		return nil
	}
	unmapFn = func(page Page, size PageSize) *kernel.Error {
		unmapCalls = append(unmapCalls, struct {
			page Page
			size PageSize
		}{page, size})
		return nil
	}

	return New(pdt, nil, usable), &mapCalls, &unmapCalls
}

func TestVMMAllocate(t *testing.T) {
	v, mapCalls, _ := newTestVMM(t, freerange.Range{Start: 0x1000, End: 0x5000})

	r, err := v.Allocate(Page4K, 0x2000, 2)
	if err != nil {
		t.Fatal(err)
	}

	if r.Start != 0x1000 || r.Size != Page4K || r.Pages != 2 {
		t.Fatalf("unexpected page range: %+v", r)
	}
	if exp := uintptr(0x1000 + 2*uintptr(Page4K.Bytes())); r.End() != exp {
		t.Fatalf("expected End() to be %x; got %x", exp, r.End())
	}

	if len(*mapCalls) != 2 {
		t.Fatalf("expected Map to be called 2 times; got %d", len(*mapCalls))
	}
	if (*mapCalls)[0].frame != pmm.FrameFromAddress(0x2000) {
		t.Fatalf("unexpected frame for first page: %+v", (*mapCalls)[0])
	}
	if (*mapCalls)[1].frame != pmm.FrameFromAddress(0x2000)+pmm.Frame(1) {
		t.Fatalf("unexpected frame for second page: %+v", (*mapCalls)[1])
	}

	remaining := v.UsableRegions()
	if len(remaining) != 1 || remaining[0] != (freerange.Range{Start: 0x3000, End: 0x5000}) {
		t.Fatalf("unexpected remaining free ranges: %+v", remaining)
	}
}

func TestVMMAllocateMisalignedPhysAddr(t *testing.T) {
	v, _, _ := newTestVMM(t, freerange.Range{Start: 0x1000, End: 0x5000})

	if _, err := v.Allocate(Page4K, 0x2001, 1); err != errMisalignedPhysAddr {
		t.Fatalf("expected errMisalignedPhysAddr; got %v", err)
	}
}

func TestVMMAllocateOutOfVirtualSpace(t *testing.T) {
	v, _, _ := newTestVMM(t, freerange.Range{Start: 0x1000, End: 0x2000})

	if _, err := v.Allocate(Page4K, 0x4000, 2); err != errOutOfVirtualSpace {
		t.Fatalf("expected errOutOfVirtualSpace; got %v", err)
	}
}

func TestVMMAllocateUnwindsOnMapError(t *testing.T) {
	v, mapCalls, unmapCalls := newTestVMM(t, freerange.Range{Start: 0x1000, End: 0x5000})

	expErr := &kernel.Error{Module: "test", Message: "map failed"}
	callCount := 0
	mapFn = func(page Page, frame pmm.Frame, size PageSize, _ PageTableEntryFlag, _ FrameAllocatorFn) *kernel.Error {
		callCount++
		*mapCalls = append(*mapCalls, struct {
			page  Page
			frame pmm.Frame
			size  PageSize
		}{page, frame, size})
		if callCount == 2 {
			return expErr
		}
		return nil
	}

	if _, err := v.Allocate(Page4K, 0x2000, 3); err != expErr {
		t.Fatalf("expected %v; got %v", expErr, err)
	}

	if len(*unmapCalls) != 1 {
		t.Fatalf("expected the first successfully mapped page to be unwound; got %d unmap calls", len(*unmapCalls))
	}

	// The whole reservation should have been returned to the free index.
	remaining := v.UsableRegions()
	if len(remaining) != 1 || remaining[0] != (freerange.Range{Start: 0x1000, End: 0x5000}) {
		t.Fatalf("expected the reservation to be fully released; got %+v", remaining)
	}
}

func TestVMMDeallocate(t *testing.T) {
	v, _, unmapCalls := newTestVMM(t, freerange.Range{Start: 0x1000, End: 0x5000})

	r, err := v.Allocate(Page4K, 0x2000, 2)
	if err != nil {
		t.Fatal(err)
	}

	if !v.Deallocate(r) {
		t.Fatal("expected deallocate to succeed")
	}

	if len(*unmapCalls) != 2 {
		t.Fatalf("expected Unmap to be called 2 times; got %d", len(*unmapCalls))
	}

	remaining := v.UsableRegions()
	if len(remaining) != 1 || remaining[0] != (freerange.Range{Start: 0x1000, End: 0x5000}) {
		t.Fatalf("expected the full range to be free again; got %+v", remaining)
	}
}

func TestVMMDeallocateRejectsUnknownRange(t *testing.T) {
	v, _, _ := newTestVMM(t, freerange.Range{Start: 0x1000, End: 0x5000})

	if v.Deallocate(PageRange{Start: 0x9000, Size: Page4K, Pages: 1}) {
		t.Fatal("expected deallocate of a never-reserved range to fail")
	}
}
