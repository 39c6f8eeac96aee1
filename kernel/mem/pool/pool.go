// Package pool implements the on-device pool-table layer: a single fixed
// header page at NVDIMM device offset 0 holding a dense, fixed-size array of
// named pool entries, plus a free-range index over the device body computed
// from those entries at recovery. Every mutation of the header page is
// followed by a durability barrier so a crash mid-mutation never leaves a
// pool half-created: an entry is either fully written and persisted, or its
// name is still zeroed from the last successful write.
//
// The header page's layout is fixed at the byte level (2-byte magic followed
// by a dense array of 46-byte entries) and is read and written directly
// against a byte slice rather than through a Go struct overlay: a Go struct
// with a uint64-aligned field would pad {offset, length, name[30]} up to 48
// bytes to satisfy array-element alignment, which would silently desync
// this package from the on-device format. Every access below goes through
// explicit byte offsets instead.
package pool

import (
	"encoding/binary"
	"unsafe"

	"github.com/achilleasa/nvpmem/kernel/cpu"
	"github.com/achilleasa/nvpmem/kernel/mem"
	"github.com/achilleasa/nvpmem/kernel/mem/freerange"
)

// Magic identifies an initialized pool table header page.
const Magic uint16 = 0x9898

// NameLen is the maximum byte length of a pool name.
const NameLen = 30

// entryStride is the on-device byte size of one entry: 8-byte offset +
// 8-byte length + 30-byte name.
const entryStride = 8 + 8 + NameLen

// entryCount is the number of entries that fit in one page after the 2-byte
// magic: floor((PAGE_SIZE - 2) / entryStride). Any remainder is unused
// padding at the end of the page.
const entryCount = int((mem.PageSize - 2) / mem.Size(entryStride))

// Entry is a decoded snapshot of one pool-table slot.
type Entry struct {
	Offset uint64
	Length uint64
	Name   [NameLen]byte
}

// IsEmpty reports whether this slot holds no pool.
func (e Entry) IsEmpty() bool {
	return e.Name[0] == 0
}

// NameString returns the NUL-terminated name as a Go string.
func (e Entry) NameString() string {
	n := 0
	for n < NameLen && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

// RealLen is the entry's logical Length rounded up to the page size: the
// amount of device space actually reserved for it.
func (e Entry) RealLen() mem.Size {
	return mem.AlignUp(mem.Size(e.Length), mem.PageSize)
}

// Frames is the number of page-size frames RealLen spans.
func (e Entry) Frames() uint64 {
	return uint64(e.RealLen() / mem.PageSize)
}

// IndexedEntry pairs a live entry with its slot index, the handle
// Deallocate/Reallocate address it by.
type IndexedEntry struct {
	Index int
	Entry Entry
}

// persistRangeFn is overridden in tests so the durability barrier can be
// observed without touching real hardware cache-flush instructions.
var persistRangeFn = cpu.PersistRange

func persist(addr uintptr, size uintptr) {
	persistRangeFn(addr, size)
}

// Table owns one device's header page plus the free-range index computed
// from its live entries. Table itself is not safe for concurrent use; the
// caller (PMM) is expected to serialize access with its own guard.
type Table struct {
	page       []byte
	pageAddr   uintptr
	deviceSize uint64
	free       *freerange.Index
}

func entryOffset(index int) int { return 2 + index*entryStride }

// readEntry decodes the entry at the given slot index from the raw page.
func (t *Table) readEntry(index int) Entry {
	off := entryOffset(index)
	var e Entry
	e.Offset = binary.LittleEndian.Uint64(t.page[off : off+8])
	e.Length = binary.LittleEndian.Uint64(t.page[off+8 : off+16])
	copy(e.Name[:], t.page[off+16:off+16+NameLen])
	return e
}

// writeEntry encodes e into the slot at index and persists exactly those
// entryStride bytes.
func (t *Table) writeEntry(index int, e Entry) {
	off := entryOffset(index)
	binary.LittleEndian.PutUint64(t.page[off:off+8], e.Offset)
	binary.LittleEndian.PutUint64(t.page[off+8:off+16], e.Length)
	copy(t.page[off+16:off+16+NameLen], e.Name[:])
	persist(t.pageAddr+uintptr(off), entryStride)
}

// New maps the header page already mapped at hdrAddr (PAGE_SIZE bytes,
// device offset 0) into a Table over a device of deviceSize bytes. If the
// page's magic is valid, live entries are read back and the free index is
// built as the complement of their reserved ranges within
// [PAGE_SIZE, deviceSize). Otherwise the page is reinitialized: magic
// written, every entry zeroed, the whole page persisted, and the free index
// seeded with the single range [PAGE_SIZE, deviceSize).
func New(hdrAddr uintptr, deviceSize uint64) *Table {
	page := unsafe.Slice((*byte)(unsafe.Pointer(hdrAddr)), uint64(mem.PageSize))

	t := &Table{page: page, pageAddr: hdrAddr, deviceSize: deviceSize}

	if binary.LittleEndian.Uint16(page[0:2]) == Magic {
		var used []freerange.Range
		for i := 0; i < entryCount; i++ {
			e := t.readEntry(i)
			if e.IsEmpty() {
				continue
			}
			used = append(used, freerange.Range{Start: e.Offset, End: e.Offset + uint64(e.RealLen())})
		}
		t.free = freerange.New(complement(used, uint64(mem.PageSize), deviceSize)...)
		return t
	}

	binary.LittleEndian.PutUint16(page[0:2], Magic)
	for i := 2; i < len(page); i++ {
		page[i] = 0
	}
	persist(hdrAddr, uintptr(mem.PageSize))

	t.free = freerange.New(freerange.Range{Start: uint64(mem.PageSize), End: deviceSize})
	return t
}

// complement returns the gaps between the (not necessarily sorted, disjoint)
// used ranges within [start, end), i.e. the regions a freerange.Index should
// be seeded with at recovery.
func complement(used []freerange.Range, start, end uint64) []freerange.Range {
	sorted := append([]freerange.Range{}, used...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Start > sorted[j].Start; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	var gaps []freerange.Range
	cur := start
	for _, r := range sorted {
		if r.Start > cur {
			gaps = append(gaps, freerange.Range{Start: cur, End: r.Start})
		}
		if r.End > cur {
			cur = r.End
		}
	}
	if cur < end {
		gaps = append(gaps, freerange.Range{Start: cur, End: end})
	}
	return gaps
}

// Allocate reserves max(size, PAGE_SIZE) bytes aligned to PAGE_SIZE for a new
// pool named name, writes it into the first empty slot, and persists that
// slot. It fails without mutating state if name is too long or the entry
// array is already full, or if the free-range index cannot satisfy the
// request.
func (t *Table) Allocate(name string, size uint64) (uint64, bool) {
	if len(name) > NameLen {
		return 0, false
	}

	slot := -1
	for i := 0; i < entryCount; i++ {
		if t.readEntry(i).IsEmpty() {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, false
	}

	needed := size
	if needed < uint64(mem.PageSize) {
		needed = uint64(mem.PageSize)
	}

	reserved, ok := t.free.Reserve(needed, uint64(mem.PageSize))
	if !ok {
		return 0, false
	}

	var e Entry
	copy(e.Name[:], name)
	e.Offset = reserved.Start
	e.Length = size
	t.writeEntry(slot, e)

	return reserved.Start, true
}

// Deallocate releases the entry at index back to the free index and zeroes
// its slot. It returns false (leaving state unchanged) if the slot is
// already empty or index is out of range.
func (t *Table) Deallocate(index int) bool {
	if index < 0 || index >= entryCount {
		return false
	}
	e := t.readEntry(index)
	if e.IsEmpty() {
		return false
	}

	if !t.free.Release(freerange.Range{Start: e.Offset, End: e.Offset + uint64(e.RealLen())}) {
		return false
	}

	t.writeEntry(index, Entry{})
	return true
}

// Reallocate grows the entry at index to cover newSize bytes, moving it to a
// newly reserved range and releasing the old one. It returns false (leaving
// state unchanged) if index is out of range, the slot is empty, the entry's
// current real length already covers newSize (grow-only: shrinking in place
// is not supported), or no free range can satisfy the request.
func (t *Table) Reallocate(index int, newSize uint64) bool {
	if index < 0 || index >= entryCount {
		return false
	}
	e := t.readEntry(index)
	if e.IsEmpty() {
		return false
	}

	needed := newSize
	if needed < uint64(mem.PageSize) {
		needed = uint64(mem.PageSize)
	}
	if uint64(e.RealLen()) >= needed {
		return false
	}

	oldRange := freerange.Range{Start: e.Offset, End: e.Offset + uint64(e.RealLen())}
	reserved, ok := t.free.Reserve(needed, uint64(mem.PageSize))
	if !ok {
		return false
	}
	t.free.Release(oldRange)

	e.Offset = reserved.Start
	e.Length = newSize
	t.writeEntry(index, e)
	return true
}

// Entries returns every live slot paired with its index.
func (t *Table) Entries() []IndexedEntry {
	var out []IndexedEntry
	for i := 0; i < entryCount; i++ {
		e := t.readEntry(i)
		if !e.IsEmpty() {
			out = append(out, IndexedEntry{Index: i, Entry: e})
		}
	}
	return out
}

// FreeRanges returns the table's current free-range index contents, sorted
// by start address. Exposed for diagnostics and tests.
func (t *Table) FreeRanges() []freerange.Range {
	return t.free.Ranges()
}
