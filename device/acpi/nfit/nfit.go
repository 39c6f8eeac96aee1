// Package nfit parses the ACPI NVDIMM Firmware Interface Table (NFIT, ACPI
// 6.5 ch.5): a firmware-provided inventory of NVDIMMs, the system physical
// address ranges they occupy, and the control/flush machinery attached to
// each device. The table is a header followed by a sequence of
// variable-length, type-tagged entries; this package only walks that
// sequence and exposes each entry's fields. Deriving one summary per NVDIMM
// device from the entries is device/nvdimm's job, not this package's.
package nfit

import "unsafe"

// EntryType identifies the structure that follows an entry header. Only
// types 0-7 are defined by ACPI 6.5; anything else is a reserved type that
// the iterator skips.
type EntryType uint16

// The NFIT structure types recognized by this package.
const (
	EntryTypeSpaRange EntryType = iota
	EntryTypeRegionMapping
	EntryTypeInterleave
	EntryTypeSmbiosManagementInfo
	EntryTypeControlRegion
	EntryTypeBlockDataWindowRegion
	EntryTypeFlushHintAddress
	EntryTypePlatformCapabilities

	entryTypeCount
)

// entryHeader begins every NFIT entry: a type tag and the entry's total
// length in bytes, including this header. The iterator advances by Length
// regardless of whether it recognizes Type.
type entryHeader struct {
	Type   uint16
	Length uint16
}

// GUID is a 16-byte globally unique identifier as laid out in ACPI tables.
// Comparisons against the well-known region-type GUIDs below are bitwise
// exact; no byte-swapping is performed beyond what the wire format already
// specifies.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// Region-type GUIDs used to classify a SpaRangeEntry's AddressRangeTypeGUID.
var (
	PersistentMemoryRegionGUID = GUID{0x66f0d379, 0xb4f3, 0x4074, [8]byte{0xac, 0x43, 0x0d, 0x33, 0x18, 0xb7, 0x8c, 0xdb}}
	ControlRegionGUID          = GUID{0x92f701f6, 0x13b4, 0x405d, [8]byte{0x91, 0x0b, 0x29, 0x93, 0x67, 0xe8, 0x23, 0x4c}}
	BlockDataWindowRegionGUID  = GUID{0x91af0530, 0x5d86, 0x470e, [8]byte{0xa6, 0xb0, 0x0a, 0x2d, 0xb9, 0x40, 0x82, 0x49}}
)

// SpaRangeEntry (NFIT structure type 0) describes a system physical address
// range occupied by one or more NVDIMMs.
type SpaRangeEntry struct {
	header               entryHeader
	Index                uint16
	Flags                uint16
	reserved             uint32
	ProximityDomain      uint32
	AddressRangeTypeGUID GUID
	RangeBase            uint64
	RangeLength          uint64
	MemMappingAttrs      uint64
	SpaLocationCookie    uint64
}

// SPA range flag bits.
const (
	SpaRangeAddOnlineOnly        uint16 = 1 << 0
	SpaRangeProximityValid       uint16 = 1 << 1
	SpaRangeLocationCookieValid  uint16 = 1 << 2
)

// String formats the range's index, base/length and set flag names,
// mirroring the verbose field-by-field Debug formatting the NFIT parser this
// package is grounded on produces for boot-trace logging.
func (e *SpaRangeEntry) String() string {
	buf := append([]byte(nil), "spa-range{index="...)
	buf = appendUint(buf, uint64(e.Index))
	buf = append(buf, " base=0x"...)
	buf = appendHex(buf, e.RangeBase)
	buf = append(buf, " length=0x"...)
	buf = appendHex(buf, e.RangeLength)
	buf = append(buf, " flags="...)
	buf = appendFlagNames(buf, e.Flags, []flagName{
		{SpaRangeAddOnlineOnly, "ADD_ONLINE_ONLY"},
		{SpaRangeProximityValid, "PROXIMITY_VALID"},
		{SpaRangeLocationCookieValid, "LOCATION_COOKIE_VALID"},
	})
	buf = append(buf, '}')
	return string(buf)
}

// NvdimmRegionMappingEntry (NFIT structure type 1) maps an NVDIMM region to
// the SPA range entry (by index) that describes its address range, if any.
type NvdimmRegionMappingEntry struct {
	header                   entryHeader
	DeviceHandle             uint32
	PhysicalID               uint16
	RegionID                 uint16
	SpaRangeIndex            uint16
	ControlRegionIndex       uint16
	RegionSize               uint64
	RegionOffset             uint64
	PhysAddrRegionBase       uint64
	InterleaveIndex          uint16
	InterleaveWays           uint16
	StateFlags               uint16
	reserved                 uint16
}

// NVDIMM state flag bits.
const (
	MemSaveFailed     uint16 = 1 << 0
	MemRestoreFailed  uint16 = 1 << 1
	MemFlushFailed    uint16 = 1 << 2
	MemNotArmed       uint16 = 1 << 3
	MemHealthObserved uint16 = 1 << 4
	MemHealthEnabled  uint16 = 1 << 5
	MemMapFailed      uint16 = 1 << 6
)

// String formats the region's device/physical/region identifiers, the SPA
// range it references, and its set state-flag names, mirroring the verbose
// field-by-field Debug formatting the NFIT parser this package is grounded
// on produces for boot-trace logging.
func (e *NvdimmRegionMappingEntry) String() string {
	buf := append([]byte(nil), "region-mapping{handle=0x"...)
	buf = appendHex(buf, uint64(e.DeviceHandle))
	buf = append(buf, " physical_id="...)
	buf = appendUint(buf, uint64(e.PhysicalID))
	buf = append(buf, " spa_range_index="...)
	buf = appendUint(buf, uint64(e.SpaRangeIndex))
	buf = append(buf, " region_size=0x"...)
	buf = appendHex(buf, e.RegionSize)
	buf = append(buf, " region_offset=0x"...)
	buf = appendHex(buf, e.RegionOffset)
	buf = append(buf, " state_flags="...)
	buf = appendFlagNames(buf, e.StateFlags, []flagName{
		{MemSaveFailed, "SAVE_FAILED"},
		{MemRestoreFailed, "RESTORE_FAILED"},
		{MemFlushFailed, "FLUSH_FAILED"},
		{MemNotArmed, "NOT_ARMED"},
		{MemHealthObserved, "HEALTH_OBSERVED"},
		{MemHealthEnabled, "HEALTH_ENABLED"},
		{MemMapFailed, "MAP_FAILED"},
	})
	buf = append(buf, '}')
	return string(buf)
}

// InterleaveEntry (NFIT structure type 2) describes an interleave pattern
// shared by multiple NVDIMMs in the same set. This spec's single-device
// pool-table layer never needs to resolve interleaving; the entry is kept so
// iteration over a real firmware table doesn't stumble on it.
type InterleaveEntry struct {
	header               entryHeader
	Index                uint16
	reserved             uint16
	NumLinesDescribed    uint32
	LineSize             uint32
	// LineOffset follows as NumLinesDescribed consecutive uint32 values.
}

// SmbiosManagementInfoEntry (NFIT structure type 3) links an NVDIMM to its
// SMBIOS Type 17 Memory Device record; this spec has no use for SMBIOS data
// beyond recognizing and skipping the entry during iteration.
type SmbiosManagementInfoEntry struct {
	header   entryHeader
	reserved uint32
}

// flagName pairs a single flag bit with the name it should print as in the
// String() formatters below.
type flagName struct {
	bit  uint16
	name string
}

// appendFlagNames appends the pipe-joined names of every set bit in flags to
// buf, or "NONE" if no recognized bit is set.
func appendFlagNames(buf []byte, flags uint16, names []flagName) []byte {
	first := true
	for _, fn := range names {
		if flags&fn.bit == 0 {
			continue
		}
		if !first {
			buf = append(buf, '|')
		}
		buf = append(buf, fn.name...)
		first = false
	}
	if first {
		buf = append(buf, "NONE"...)
	}
	return buf
}

// appendUint appends the decimal representation of v to buf.
func appendUint(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}

// appendHex appends the lowercase hexadecimal representation of v (no
// leading zeros, "0" for zero) to buf.
func appendHex(buf []byte, v uint64) []byte {
	const hex = "0123456789abcdef"
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [16]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = hex[v&0xf]
		v >>= 4
	}
	return append(buf, tmp[i:]...)
}

// NvdimmControlRegionEntry (NFIT structure type 4) describes the vendor,
// device and serial identifiers for one NVDIMM's control region, plus its
// block-window command/status register layout.
type NvdimmControlRegionEntry struct {
	header                    entryHeader
	Index                     uint16
	VendorID                  uint16
	DeviceID                  uint16
	RevisionID                uint16
	SubsystemVendorID         uint16
	SubsystemDeviceID         uint16
	SubsystemRevisionID       uint16
	ValidFields               uint8
	ManufacturingLocation     uint8
	ManufacturingDate         uint16
	reserved1                 uint16
	SerialNumber              [4]byte
	RegionFormatInterfaceCode uint16
	NumBlockControlWindows    uint16
	BlockControlWindowSize    uint64
	CommandRegisterOffset     uint64
	CommandRegisterSize       uint64
	StatusRegisterOffset      uint64
	StatusRegisterSize        uint64
	ControlRegionFlags        uint16
	reserved2                 [6]byte
}

// String formats the control region's vendor/manufacturing-location/date/
// serial fields into a dash-delimited identifier, mirroring the diagnostic
// Display impl the NFIT parser this package is grounded on produces for
// boot-trace logging. When the manufacturing-location/date fields are not
// marked valid (ValidFields bit 0 unset), those fields are omitted.
func (e *NvdimmControlRegionEntry) String() string {
	const hex = "0123456789abcdef"
	put2 := func(b []byte, v uint8) {
		b[0] = hex[v>>4]
		b[1] = hex[v&0xf]
	}

	if e.ValidFields&1 == 1 {
		buf := make([]byte, 0, 19)
		var tmp [2]byte
		put2(tmp[:], uint8(e.VendorID))
		buf = append(buf, tmp[:]...)
		put2(tmp[:], uint8(e.VendorID>>8))
		buf = append(buf, tmp[:]...)
		buf = append(buf, '-')
		put2(tmp[:], e.ManufacturingLocation)
		buf = append(buf, tmp[:]...)
		buf = append(buf, '-')
		put2(tmp[:], uint8(e.ManufacturingDate))
		buf = append(buf, tmp[:]...)
		put2(tmp[:], uint8(e.ManufacturingDate>>8))
		buf = append(buf, tmp[:]...)
		buf = append(buf, '-')
		for _, b := range e.SerialNumber {
			put2(tmp[:], b)
			buf = append(buf, tmp[:]...)
		}
		return string(buf)
	}

	buf := make([]byte, 0, 10)
	var tmp [2]byte
	put2(tmp[:], uint8(e.VendorID))
	buf = append(buf, tmp[:]...)
	put2(tmp[:], uint8(e.VendorID>>8))
	buf = append(buf, tmp[:]...)
	buf = append(buf, '-')
	for _, b := range e.SerialNumber {
		put2(tmp[:], b)
		buf = append(buf, tmp[:]...)
	}
	return string(buf)
}

// NvdimmBlockDataWindowRegionEntry (NFIT structure type 5) describes the
// block-mode aperture for NVDIMMs that expose one; this spec's byte-
// addressable pool model has no use for block windows, but the entry is kept
// so the iterator recognizes and skips it without misreading its length.
type NvdimmBlockDataWindowRegionEntry struct {
	header                     entryHeader
	ControlRegionIndex         uint16
	NumBlockDataWindows        uint16
	WindowStartOffset          uint64
	WindowSize                 uint64
	BlockAccessibleMemCapacity uint64
	BlockAccessibleMemStart    uint64
}

// FlushHintAddressEntry (NFIT structure type 6) lists the physical addresses
// that, when written, trigger a durability flush on the NVDIMM identified by
// DeviceHandle.
type FlushHintAddressEntry struct {
	header           entryHeader
	DeviceHandle     uint32
	NumAddresses     uint16
	reserved         [3]uint16
	// Addresses follows as NumAddresses consecutive uint64 values.
}

// Addresses returns the flush-hint physical addresses carried by this entry.
func (e *FlushHintAddressEntry) Addresses() []uintptr {
	base := uintptr(unsafe.Pointer(e)) + unsafe.Sizeof(*e)
	out := make([]uintptr, e.NumAddresses)
	for i := range out {
		out[i] = uintptr(*(*uint64)(unsafe.Pointer(base + uintptr(i)*8)))
	}
	return out
}

// PlatformCapabilitiesEntry (NFIT structure type 7) reports platform-wide
// persistence guarantees (cache-flush-on-power-loss, memory-controller-
// flush-on-power-loss, hardware mirroring).
type PlatformCapabilitiesEntry struct {
	header            entryHeader
	HighestValidCapBit uint8
	reserved1         [3]byte
	Capabilities      uint32
	reserved2         uint32
}

// Platform capability bits.
const (
	CapabilityCacheFlush    uint32 = 1 << 0
	CapabilityMemFlush      uint32 = 1 << 1
	CapabilityMemMirroring  uint32 = 1 << 2
)

// Entry is a single NFIT entry classified by Type. Exactly one of the
// accessor methods below returns non-nil/true, matching Type.
type Entry struct {
	Type EntryType
	ptr  unsafe.Pointer
}

// SpaRange narrows the entry to *SpaRangeEntry.
func (e Entry) SpaRange() (*SpaRangeEntry, bool) {
	if e.Type != EntryTypeSpaRange {
		return nil, false
	}
	return (*SpaRangeEntry)(e.ptr), true
}

// RegionMapping narrows the entry to *NvdimmRegionMappingEntry.
func (e Entry) RegionMapping() (*NvdimmRegionMappingEntry, bool) {
	if e.Type != EntryTypeRegionMapping {
		return nil, false
	}
	return (*NvdimmRegionMappingEntry)(e.ptr), true
}

// Interleave narrows the entry to *InterleaveEntry.
func (e Entry) Interleave() (*InterleaveEntry, bool) {
	if e.Type != EntryTypeInterleave {
		return nil, false
	}
	return (*InterleaveEntry)(e.ptr), true
}

// ControlRegion narrows the entry to *NvdimmControlRegionEntry.
func (e Entry) ControlRegion() (*NvdimmControlRegionEntry, bool) {
	if e.Type != EntryTypeControlRegion {
		return nil, false
	}
	return (*NvdimmControlRegionEntry)(e.ptr), true
}

// BlockDataWindowRegion narrows the entry to *NvdimmBlockDataWindowRegionEntry.
func (e Entry) BlockDataWindowRegion() (*NvdimmBlockDataWindowRegionEntry, bool) {
	if e.Type != EntryTypeBlockDataWindowRegion {
		return nil, false
	}
	return (*NvdimmBlockDataWindowRegionEntry)(e.ptr), true
}

// FlushHintAddress narrows the entry to *FlushHintAddressEntry.
func (e Entry) FlushHintAddress() (*FlushHintAddressEntry, bool) {
	if e.Type != EntryTypeFlushHintAddress {
		return nil, false
	}
	return (*FlushHintAddressEntry)(e.ptr), true
}

// PlatformCapabilities narrows the entry to *PlatformCapabilitiesEntry.
func (e Entry) PlatformCapabilities() (*PlatformCapabilitiesEntry, bool) {
	if e.Type != EntryTypePlatformCapabilities {
		return nil, false
	}
	return (*PlatformCapabilitiesEntry)(e.ptr), true
}

// Entries walks the body of an NFIT table (the bytes following the table's
// own SDTHeader + the 4-byte reserved field ACPI defines for this table) and
// returns every entry whose type is one of the 8 recognized values. Entries
// with an unrecognized type are skipped, exactly as their length still
// advances the walk. A malformed trailing entry (header claims more bytes
// than remain) stops the walk early rather than reading out of bounds.
func Entries(body []byte) []Entry {
	var entries []Entry

	for len(body) >= 4 {
		header := (*entryHeader)(unsafe.Pointer(&body[0]))
		length := int(header.Length)
		if length < 4 || length > len(body) {
			break
		}

		if EntryType(header.Type) < entryTypeCount {
			entries = append(entries, Entry{
				Type: EntryType(header.Type),
				ptr:  unsafe.Pointer(&body[0]),
			})
		}

		body = body[length:]
	}

	return entries
}
