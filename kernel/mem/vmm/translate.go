package vmm

import "github.com/achilleasa/nvpmem/kernel"

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Huge-page mappings are resolved
// just as transparently as regular 4KiB ones.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, level, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address within the leaf's span.
	physAddr := pte.Frame().Address() + (virtAddr & ((1 << pageLevelShifts[level]) - 1))

	return physAddr, nil
}
