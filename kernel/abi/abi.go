// Package abi implements the thin C-file-API-shaped shim that an embedded
// runtime expects over the persistent memory manager: open/write/close
// handles, remove, truncate, size, map, unmap, and a small fixed getenv
// table. Every operation is a direct translation into one or two PMM calls;
// the shim owns nothing but the open-handle table.
package abi

import (
	"reflect"
	"strings"
	"unsafe"

	"github.com/achilleasa/nvpmem/kernel/sync"
)

// bodySlice overlays a byte slice of length n on top of a mapped pool body
// starting at addr.
func bodySlice(addr uintptr, n uint64) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(n),
		Cap:  int(n),
	}))
}

// poolManager is the slice of *pmem.Manager the shim depends on.
type poolManager interface {
	CreatePool(name string, size uint64) (uintptr, uint64, bool)
	GetPool(name string) (uintptr, uint64, bool)
	DestroyPool(name string) bool
	ResizePool(name string, newSize uint64) (uintptr, uint64, bool)
}

// openFile tracks one outstanding FOpen handle.
type openFile struct {
	name string
	mode string
	pos  uint64
}

// Shim is the C-file-API surface. A single instance is meant to be shared
// process-wide behind Guard, matching the rest of the core's concurrency
// model.
type Shim struct {
	guard      sync.Guard
	manager    poolManager
	files      map[uintptr]*openFile
	nextHandle uintptr
}

// New constructs a Shim backed by manager.
func New(manager poolManager) *Shim {
	return &Shim{
		manager: manager,
		files:   make(map[uintptr]*openFile),
	}
}

// FOpen opens the pool named name. If it does not already exist and mode
// contains 'w' or 'a', a size-0 pool is created on the caller's behalf.
// Returns 0 on failure.
func (s *Shim) FOpen(name, mode string) uintptr {
	s.guard.Lock()
	defer s.guard.Unlock()

	if _, _, ok := s.manager.GetPool(name); !ok {
		if !strings.ContainsAny(mode, "wa") {
			return 0
		}
		if _, _, ok := s.manager.CreatePool(name, 0); !ok {
			return 0
		}
	}

	s.nextHandle++
	handle := s.nextHandle
	s.files[handle] = &openFile{name: name, mode: mode}
	return handle
}

// FWrite writes buf into file's pool body starting at the handle's current
// position and advances that position. It is a no-op returning 0 if the
// handle is unknown or its mode contains none of 'w', 'a' and '+'. Writes
// past the pool's logical length are truncated to what fits.
func (s *Shim) FWrite(buf []byte, file uintptr) int {
	s.guard.Lock()
	defer s.guard.Unlock()

	f, ok := s.files[file]
	if !ok || !strings.ContainsAny(f.mode, "wa+") {
		return 0
	}

	addr, length, ok := s.manager.GetPool(f.name)
	if !ok || f.pos >= length {
		return 0
	}

	n := uint64(len(buf))
	if avail := length - f.pos; n > avail {
		n = avail
	}
	dst := bodySlice(addr+uintptr(f.pos), n)
	copy(dst, buf[:n])

	f.pos += n
	return int(n)
}

// FClose releases the handle. Always returns 0.
func (s *Shim) FClose(file uintptr) int {
	s.guard.Lock()
	defer s.guard.Unlock()

	delete(s.files, file)
	return 0
}

// Remove destroys the pool named name, returning 0 on success and -1 if no
// such pool exists.
func (s *Shim) Remove(name string) int {
	if s.manager.DestroyPool(name) {
		return 0
	}
	return -1
}

// Truncate grows the pool named name to length bytes and returns the new
// length. If the pool does not exist, length is returned unchanged. When the
// underlying ResizePool call relocates the pool, it zeroes and persists the
// grown tail. When the pool's current real (page-rounded) length already
// covers length, nothing is zeroed and the pool's stored logical length is
// left as it was.
func (s *Shim) Truncate(name string, length uint64) uint64 {
	_, newLength, ok := s.manager.ResizePool(name, length)
	if !ok {
		return length
	}
	return newLength
}

// Size returns the pool's logical length, or 0 if it does not exist.
func (s *Shim) Size(name string) uint64 {
	_, length, ok := s.manager.GetPool(name)
	if !ok {
		return 0
	}
	return length
}

// Map returns the pool's mapped virtual address, or 0 if it does not exist.
func (s *Shim) Map(name string) uintptr {
	addr, _, ok := s.manager.GetPool(name)
	if !ok {
		return 0
	}
	return addr
}

// Unmap is a no-op: the PMM owns every mapping it hands out and only
// releases it on DestroyPool. Always returns 0.
func (s *Shim) Unmap(addr uintptr) int {
	return 0
}

// env is the small fixed configuration table the embedded runtime reads at
// startup.
var env = map[string]string{
	"CPUS":   "1",
	"VERIFY": "2",
}

// Getenv looks up name in the fixed configuration table.
func Getenv(name string) (string, bool) {
	v, ok := env[name]
	return v, ok
}
