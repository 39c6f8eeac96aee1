package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// DisableInterruptsSaveFlags disables interrupt handling and returns the
// previous value of the flags register so it can later be restored by
// RestoreFlags. Used by kernel/sync.Guard to realize a spinlock with
// interrupts masked for the duration of the critical section.
func DisableInterruptsSaveFlags() uintptr

// RestoreFlags restores the flags register (and with it, the interrupt
// enable bit) to the value previously returned by DisableInterruptsSaveFlags.
func RestoreFlags(flags uintptr)

// PersistRange flushes every cache line covering [addr, addr+length) to the
// persistence domain and then issues a store fence, realizing the durability
// barrier the pool table's recovery and mutation operations depend on.
func PersistRange(addr uintptr, length uintptr)
