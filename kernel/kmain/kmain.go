// Package kmain wires the discovered NVDIMM devices into a live persistent
// memory manager: parse the firmware NFIT table, derive one Device per
// NVDIMM, stand up a VMM over the currently active page table, and hand both
// to pmem.Manager.Init. Boot-loader handoff, framebuffer output, keyboard
// input, interrupt setup and the async task executor are all out of scope
// for this core, matching the teacher's own kmain boundary minus the pieces
// this kernel does not need.
package kmain

import (
	"io"
	"reflect"
	"unsafe"

	"github.com/achilleasa/nvpmem/device/acpi/nfit"
	"github.com/achilleasa/nvpmem/device/nvdimm"
	"github.com/achilleasa/nvpmem/kernel"
	"github.com/achilleasa/nvpmem/kernel/abi"
	"github.com/achilleasa/nvpmem/kernel/kfmt/early"
	"github.com/achilleasa/nvpmem/kernel/mem"
	"github.com/achilleasa/nvpmem/kernel/mem/pmem"
	"github.com/achilleasa/nvpmem/kernel/mem/pmm/allocator"
	"github.com/achilleasa/nvpmem/kernel/mem/vmm"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// scratchPages sizes the bump allocator's backing region: enough physical
// frames to materialize the intermediate page-table levels needed while
// mapping each managed device's header page and every pool body it hands
// out. This core never frees intermediate tables (see the VMM's package
// doc), so the region is sized generously rather than reclaimed.
const scratchPages = 256

// scratchRAM backs the bootstrap frame allocator. This kernel has no
// multiboot memory map to discover general RAM from (an explicit Non-goal),
// so the range the VMM draws intermediate page-table frames from is this
// fixed region instead of firmware-reported memory.
var scratchRAM [scratchPages * mem.PageSize]byte

// Manager and Shim are left accessible to whatever higher-level code this
// kernel eventually hosts; Kmain's job ends at standing them up.
var (
	Manager *pmem.Manager
	Shim    *abi.Shim
)

// tableBytes overlays a byte slice of length n on top of the firmware-
// supplied NFIT table starting at ptr.
func tableBytes(ptr uintptr, n uint32) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: ptr,
		Len:  int(n),
		Cap:  int(n),
	}))
}

// Kmain is the entry point invoked once the kernel has a stack and the Go
// type system is usable. logSink, if non-nil, is installed as kfmt/early's
// output before anything is logged; nfitTablePtr/nfitTableLen locate the
// firmware NFIT table body in memory, exactly as multibootInfoPtr located
// the multiboot payload for the teacher's own Kmain.
//
// Kmain is not expected to return.
//
//go:noinline
func Kmain(logSink io.Writer, nfitTablePtr uintptr, nfitTableLen uint32) {
	if logSink != nil {
		early.SetOutput(logSink)
	}

	body := tableBytes(nfitTablePtr, nfitTableLen)
	devices := nvdimm.Devices(body)

	early.Printf("[kmain] discovered %d NVDIMM device(s)\n", len(devices))
	for _, dev := range devices {
		early.Printf(
			"[kmain]   handle=0x%4x phys_id=%4d base=0x%10x size=%10d flush_hints=%d\n",
			dev.Handle, dev.PhysicalID, dev.PhysAddr, dev.Size, len(dev.FlushHints),
		)
	}

	for _, e := range nfit.Entries(body) {
		if spa, ok := e.SpaRange(); ok {
			early.Printf("[kmain]   %s\n", spa.String())
		} else if region, ok := e.RegionMapping(); ok {
			early.Printf("[kmain]   %s\n", region.String())
		}
	}

	allocator.Default.Init(uintptr(unsafe.Pointer(&scratchRAM[0])), mem.Size(len(scratchRAM)))

	var pdt vmm.PageDirectoryTable
	var err *kernel.Error
	if err = pdt.Init(vmm.ActivePDTFrame(), allocator.Default.AllocFrame); err != nil {
		kernel.Panic(err)
	}

	v := vmm.New(pdt, allocator.Default.AllocFrame, vmm.UsableRegionsFromMapped())

	Manager = pmem.New(v)
	if err = Manager.Init(devices); err != nil {
		kernel.Panic(err)
	}

	Shim = abi.New(Manager)

	early.Printf("[kmain] persistent memory manager ready\n")

	kernel.Panic(errKmainReturned)
}
