package sync

import "github.com/achilleasa/nvpmem/kernel/cpu"

var (
	// disableInterruptsSaveFlagsFn and restoreFlagsFn are mocked by tests
	// and automatically inlined by the compiler.
	disableInterruptsSaveFlagsFn = cpu.DisableInterruptsSaveFlags
	restoreFlagsFn               = cpu.RestoreFlags
)

// Guard is a spinlock with interrupts masked for the duration of the critical
// section it protects. The VMM and PMM each hold exactly one Guard around
// their process-wide state, matching the single-CPU concurrency model: no
// operation behind a Guard yields or suspends while holding it.
type Guard struct {
	lock  Spinlock
	flags uintptr
}

// Lock masks interrupts and then acquires the underlying spinlock. The two
// steps happen in this order so that an interrupt cannot fire while this CPU
// is busy-waiting for the lock.
func (g *Guard) Lock() {
	flags := disableInterruptsSaveFlagsFn()
	g.lock.Acquire()
	g.flags = flags
}

// Unlock releases the spinlock and restores the interrupt state captured by
// the matching Lock call.
func (g *Guard) Unlock() {
	flags := g.flags
	g.lock.Release()
	restoreFlagsFn(flags)
}
