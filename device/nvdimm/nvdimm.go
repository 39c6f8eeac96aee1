// Package nvdimm derives one summary per physical NVDIMM device from the raw
// NFIT entries, joining each NVDIMM Region Mapping entry to the System
// Physical Address range it references and to any Flush Hint Address entries
// for the same device handle.
package nvdimm

import (
	"sort"

	"github.com/achilleasa/nvpmem/device/acpi/nfit"
)

// Device describes one NVDIMM as enumerated from the NFIT: its firmware
// handle, the system physical address range it occupies, and (if the
// firmware publishes them) the physical addresses that trigger a durability
// flush when written. Built once at boot from Devices and never mutated
// afterwards.
type Device struct {
	Handle     uint32
	PhysicalID uint16
	PhysAddr   uintptr
	Size       uint64
	FlushHints []uintptr
}

// Devices walks every entry in an NFIT table body and returns one Device per
// distinct NFIT device handle referenced by a Region Mapping entry, sorted
// by ascending physical address. A Region Mapping entry whose SPA Range
// Structure Index does not resolve to a SpaRangeEntry in the same table
// yields no usable address range, so that device is omitted from the
// result entirely.
func Devices(nfitBody []byte) []Device {
	entries := nfit.Entries(nfitBody)

	spaByIndex := make(map[uint16]*nfit.SpaRangeEntry)
	for _, e := range entries {
		spa, ok := e.SpaRange()
		if !ok {
			continue
		}
		if _, exists := spaByIndex[spa.Index]; !exists {
			spaByIndex[spa.Index] = spa
		}
	}

	type partial struct {
		dev      Device
		hasRange bool
	}
	byHandle := make(map[uint32]*partial)
	order := make([]uint32, 0)

	get := func(handle uint32) *partial {
		p, ok := byHandle[handle]
		if !ok {
			p = &partial{dev: Device{Handle: handle}}
			byHandle[handle] = p
			order = append(order, handle)
		}
		return p
	}

	for _, e := range entries {
		if region, ok := e.RegionMapping(); ok {
			p := get(region.DeviceHandle)
			p.dev.PhysicalID = region.PhysicalID

			if spa, found := spaByIndex[region.SpaRangeIndex]; found {
				p.dev.PhysAddr = uintptr(spa.RangeBase)
				p.dev.Size = spa.RangeLength
				p.hasRange = true
			}
			continue
		}

		if hint, ok := e.FlushHintAddress(); ok {
			p := get(hint.DeviceHandle)
			p.dev.FlushHints = hint.Addresses()
		}
	}

	devices := make([]Device, 0, len(order))
	for _, handle := range order {
		p := byHandle[handle]
		if !p.hasRange {
			continue
		}
		devices = append(devices, p.dev)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].PhysAddr < devices[j].PhysAddr })
	return devices
}
