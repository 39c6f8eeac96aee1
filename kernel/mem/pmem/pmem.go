// Package pmem implements the persistent memory manager: the single
// process-wide entry point that turns a list of discovered NVDIMM devices
// into named, sized, mappable pools. It owns one pool.Table per device plus
// a cache of the virtual mappings it has handed out, and serializes every
// operation behind one Guard so callers never observe a partially-applied
// create, destroy, or resize.
package pmem

import (
	"github.com/achilleasa/nvpmem/device/nvdimm"
	"github.com/achilleasa/nvpmem/kernel"
	"github.com/achilleasa/nvpmem/kernel/cpu"
	"github.com/achilleasa/nvpmem/kernel/mem"
	"github.com/achilleasa/nvpmem/kernel/mem/pool"
	"github.com/achilleasa/nvpmem/kernel/mem/vmm"
	"github.com/achilleasa/nvpmem/kernel/sync"
)

var errAlreadyInitialized = &kernel.Error{Module: "pmem", Message: "manager is already initialized"}

// persistRangeFn is overridden in tests so the post-copy durability barrier
// can be observed without touching real hardware cache-flush instructions.
var persistRangeFn = cpu.PersistRange

// managedDevice pairs one discovered NVDIMM with the pool table mapped at
// its header page.
type managedDevice struct {
	info  nvdimm.Device
	table *pool.Table
}

// cacheKey identifies one mapped pool body. It is keyed by (device handle,
// offset) rather than offset alone: two devices can legitimately have pools
// at the same device-relative offset, and an offset-only key would collapse
// their mappings onto each other.
type cacheKey struct {
	handle uint32
	offset uint64
}

// virtualMemory is the slice of *vmm.VMM that the manager depends on. It
// exists so tests can substitute a fake mapper without driving the VMM's
// page-table machinery, which requires a live address space to exercise.
type virtualMemory interface {
	Allocate(size vmm.PageSize, physStart uintptr, pageCount uint64) (vmm.PageRange, *kernel.Error)
	Deallocate(r vmm.PageRange) bool
}

// Manager is the persistent memory manager. A single instance is meant to
// be shared process-wide; New returns a Manager with no devices, ready for
// Init.
type Manager struct {
	guard       sync.Guard
	vmm         virtualMemory
	devices     []managedDevice
	mapped      map[cacheKey]vmm.PageRange
	initialized bool
}

// New constructs a Manager that maps pool bodies through v.
func New(v *vmm.VMM) *Manager {
	return newManager(v)
}

func newManager(v virtualMemory) *Manager {
	return &Manager{
		vmm:    v,
		mapped: make(map[cacheKey]vmm.PageRange),
	}
}

// Init maps each discovered device's header page and constructs a pool.Table
// over it, recovering any pools that already existed on the device. It must
// be called at most once; a second call returns errAlreadyInitialized and
// leaves the manager unchanged.
func (m *Manager) Init(devices []nvdimm.Device) *kernel.Error {
	m.guard.Lock()
	defer m.guard.Unlock()

	if m.initialized {
		return errAlreadyInitialized
	}

	managed := make([]managedDevice, 0, len(devices))
	for _, dev := range devices {
		hdr, err := m.vmm.Allocate(vmm.Page4K, dev.PhysAddr, 1)
		if err != nil {
			return err
		}
		managed = append(managed, managedDevice{
			info:  dev,
			table: pool.New(hdr.Start, dev.Size),
		})
	}

	m.devices = managed
	m.initialized = true
	return nil
}

// findEntry returns the device and live entry named name, if any.
func (m *Manager) findEntry(name string) (*managedDevice, pool.IndexedEntry, bool) {
	for i := range m.devices {
		dev := &m.devices[i]
		for _, e := range dev.table.Entries() {
			if e.Entry.NameString() == name {
				return dev, e, true
			}
		}
	}
	return nil, pool.IndexedEntry{}, false
}

// ensureMapped returns the virtual address of entry's body within dev,
// mapping it through the VMM on first use and caching the result by
// (device handle, offset) for subsequent calls.
func (m *Manager) ensureMapped(dev *managedDevice, entry pool.Entry) (uintptr, bool) {
	key := cacheKey{handle: dev.info.Handle, offset: entry.Offset}
	if r, ok := m.mapped[key]; ok {
		return r.Start, true
	}

	r, err := m.vmm.Allocate(vmm.Page4K, dev.info.PhysAddr+uintptr(entry.Offset), entry.Frames())
	if err != nil {
		return 0, false
	}

	m.mapped[key] = r
	return r.Start, true
}

// evict unmaps and drops the cached mapping for (dev, offset), if any.
func (m *Manager) evict(dev *managedDevice, offset uint64) {
	key := cacheKey{handle: dev.info.Handle, offset: offset}
	if r, ok := m.mapped[key]; ok {
		m.vmm.Deallocate(r)
		delete(m.mapped, key)
	}
}

// forgetMapping removes the cached mapping for (dev, offset) without
// unmapping it, returning the removed range. Used by ResizePool, which must
// keep the old virtual range readable until the moved body's contents have
// been copied across.
func (m *Manager) forgetMapping(dev *managedDevice, offset uint64) (vmm.PageRange, bool) {
	key := cacheKey{handle: dev.info.Handle, offset: offset}
	r, ok := m.mapped[key]
	if ok {
		delete(m.mapped, key)
	}
	return r, ok
}

// CreatePool reserves a new pool named name of the given logical size on
// whichever managed device has room for it, maps its body, and returns the
// virtual address and logical length. It fails without side effects if a
// pool named name already exists, or if no device's table can satisfy the
// request.
func (m *Manager) CreatePool(name string, size uint64) (uintptr, uint64, bool) {
	m.guard.Lock()
	defer m.guard.Unlock()

	if _, _, ok := m.findEntry(name); ok {
		return 0, 0, false
	}

	for i := range m.devices {
		if _, ok := m.devices[i].table.Allocate(name, size); ok {
			return m.getPoolLocked(name)
		}
	}

	return 0, 0, false
}

// GetPool returns the virtual address and logical length of the pool named
// name, mapping its body on demand if this is the first lookup. It returns
// false if no pool with that name exists or its body cannot be mapped.
func (m *Manager) GetPool(name string) (uintptr, uint64, bool) {
	m.guard.Lock()
	defer m.guard.Unlock()

	return m.getPoolLocked(name)
}

func (m *Manager) getPoolLocked(name string) (uintptr, uint64, bool) {
	dev, entry, ok := m.findEntry(name)
	if !ok {
		return 0, 0, false
	}

	addr, ok := m.ensureMapped(dev, entry.Entry)
	if !ok {
		return 0, 0, false
	}
	return addr, entry.Entry.Length, true
}

// DestroyPool releases the pool named name back to its device's free-range
// index and unmaps and evicts its cached body mapping, if one existed. It
// returns false if no pool with that name exists.
func (m *Manager) DestroyPool(name string) bool {
	m.guard.Lock()
	defer m.guard.Unlock()

	dev, entry, ok := m.findEntry(name)
	if !ok {
		return false
	}

	if !dev.table.Deallocate(entry.Index) {
		return false
	}

	m.evict(dev, entry.Entry.Offset)
	return true
}

// ResizePool grows the pool named name to at least newSize bytes. If the
// pool's current real (page-rounded) length already covers newSize, no move
// happens and the existing mapping is returned with length
// max(current length, newSize); in that case nothing is zeroed and the
// entry's stored logical length is not updated. Otherwise the entry is relocated within its
// device: the old body is copied into the new one, the grown tail beyond the
// prior logical length is zeroed, a durability barrier covers the new body,
// and only then is the old virtual range unmapped. It fails, leaving all
// state unchanged, if no pool named name exists or the device has no free
// range large enough to hold the grown pool.
func (m *Manager) ResizePool(name string, newSize uint64) (uintptr, uint64, bool) {
	m.guard.Lock()
	defer m.guard.Unlock()

	dev, entry, ok := m.findEntry(name)
	if !ok {
		return 0, 0, false
	}

	oldEntry := entry.Entry
	needed := mem.AlignUp(mem.Size(newSize), mem.PageSize)
	if oldEntry.RealLen() >= needed {
		addr, ok := m.ensureMapped(dev, oldEntry)
		if !ok {
			return 0, 0, false
		}
		length := oldEntry.Length
		if newSize > length {
			length = newSize
		}
		return addr, length, true
	}

	oldAddr, ok := m.ensureMapped(dev, oldEntry)
	if !ok {
		return 0, 0, false
	}

	if !dev.table.Reallocate(entry.Index, newSize) {
		return 0, 0, false
	}

	// Drop the old mapping from the cache, but keep it mapped until the
	// copy below has read from it.
	oldRange, hadOldMapping := m.forgetMapping(dev, oldEntry.Offset)

	var newEntry pool.Entry
	for _, e := range dev.table.Entries() {
		if e.Index == entry.Index {
			newEntry = e.Entry
		}
	}

	newAddr, ok := m.ensureMapped(dev, newEntry)
	if !ok {
		return 0, 0, false
	}

	mem.Memcopy(oldAddr, newAddr, oldEntry.RealLen())
	// Zero the entire newly-reserved tail beyond the prior logical length,
	// not just up to the new logical length: the bytes between the new
	// logical length and the new real length are still part of this
	// pool's reserved device space and must not leak whatever a previous
	// occupant of that range left behind.
	if tail := newEntry.RealLen() - mem.Size(oldEntry.Length); tail > 0 {
		mem.Memset(newAddr+uintptr(oldEntry.Length), 0, tail)
	}
	persistRangeFn(newAddr, uintptr(newEntry.RealLen()))

	if hadOldMapping {
		m.vmm.Deallocate(oldRange)
	}

	return newAddr, newEntry.Length, true
}
