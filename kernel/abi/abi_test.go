package abi

import (
	"runtime"
	"testing"
	"unsafe"
)

// fakePool is an in-memory stand-in for *pmem.Manager: one flat Go-heap
// buffer per pool body, addressed the same way ensureMapped would address a
// real device mapping.
type fakePool struct {
	bodies map[string][]byte
}

func newFakePool() *fakePool {
	return &fakePool{bodies: make(map[string][]byte)}
}

func (f *fakePool) CreatePool(name string, size uint64) (uintptr, uint64, bool) {
	if _, exists := f.bodies[name]; exists {
		return 0, 0, false
	}
	buf := make([]byte, size)
	f.bodies[name] = buf
	return f.addrOf(name), size, true
}

func (f *fakePool) GetPool(name string) (uintptr, uint64, bool) {
	buf, ok := f.bodies[name]
	if !ok {
		return 0, 0, false
	}
	return f.addrOf(name), uint64(len(buf)), true
}

func (f *fakePool) DestroyPool(name string) bool {
	if _, ok := f.bodies[name]; !ok {
		return false
	}
	delete(f.bodies, name)
	return true
}

func (f *fakePool) ResizePool(name string, newSize uint64) (uintptr, uint64, bool) {
	buf, ok := f.bodies[name]
	if !ok {
		return 0, 0, false
	}
	if uint64(len(buf)) >= newSize {
		return f.addrOf(name), uint64(len(buf)), true
	}
	grown := make([]byte, newSize)
	copy(grown, buf)
	f.bodies[name] = grown
	return f.addrOf(name), newSize, true
}

func (f *fakePool) addrOf(name string) uintptr {
	buf := f.bodies[name]
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func newTestShim(t *testing.T) (*Shim, *fakePool) {
	t.Helper()
	fp := newFakePool()
	t.Cleanup(func() { runtime.KeepAlive(fp) })
	return New(fp), fp
}

func TestFOpenCreatesOnWriteModeMiss(t *testing.T) {
	s, _ := newTestShim(t)

	if h := s.FOpen("a", "r"); h != 0 {
		t.Fatalf("expected open of a missing pool in read mode to fail, got handle %d", h)
	}
	if h := s.FOpen("a", "w"); h == 0 {
		t.Fatalf("expected open in write mode to create the pool")
	}
}

func TestFOpenSucceedsOnExistingPool(t *testing.T) {
	s, fp := newTestShim(t)
	fp.CreatePool("a", 0x100)

	if h := s.FOpen("a", "r"); h == 0 {
		t.Fatalf("expected open of an existing pool in read mode to succeed")
	}
}

func TestFWriteRespectsModeAndPosition(t *testing.T) {
	s, fp := newTestShim(t)
	fp.CreatePool("a", 4)

	ro := s.FOpen("a", "r")
	if n := s.FWrite([]byte{1, 2}, ro); n != 0 {
		t.Fatalf("expected write in read-only mode to be rejected, wrote %d", n)
	}

	wo := s.FOpen("a", "w")
	if n := s.FWrite([]byte{1, 2, 3}, wo); n != 3 {
		t.Fatalf("expected to write all 3 bytes, wrote %d", n)
	}
	if n := s.FWrite([]byte{4, 5, 6}, wo); n != 1 {
		t.Fatalf("expected the second write to be truncated to the 1 remaining byte, wrote %d", n)
	}

	body := fp.bodies["a"]
	if body[0] != 1 || body[1] != 2 || body[2] != 3 || body[3] != 4 {
		t.Fatalf("unexpected body contents after sequential writes: %v", body)
	}
}

func TestFCloseForgetsHandle(t *testing.T) {
	s, fp := newTestShim(t)
	fp.CreatePool("a", 4)

	h := s.FOpen("a", "w")
	if s.FClose(h) != 0 {
		t.Fatalf("expected FClose to return 0")
	}
	if n := s.FWrite([]byte{1}, h); n != 0 {
		t.Fatalf("expected write through a closed handle to be rejected")
	}
}

func TestRemove(t *testing.T) {
	s, fp := newTestShim(t)
	fp.CreatePool("a", 4)

	if s.Remove("a") != 0 {
		t.Fatalf("expected remove of an existing pool to return 0")
	}
	if s.Remove("a") != -1 {
		t.Fatalf("expected a second remove to return -1")
	}
}

func TestTruncateGrowsAndReturnsNewLength(t *testing.T) {
	s, fp := newTestShim(t)
	fp.CreatePool("a", 4)

	if got := s.Truncate("a", 8); got != 8 {
		t.Fatalf("expected truncate to report the grown length, got %d", got)
	}
	if got := s.Size("a"); got != 8 {
		t.Fatalf("expected size to reflect the grown length, got %d", got)
	}
}

func TestTruncateUnknownNameReturnsRequestedLength(t *testing.T) {
	s, _ := newTestShim(t)
	if got := s.Truncate("missing", 8); got != 8 {
		t.Fatalf("expected truncate of an unknown pool to echo back the requested length, got %d", got)
	}
}

func TestSizeUnknownNameIsZero(t *testing.T) {
	s, _ := newTestShim(t)
	if got := s.Size("missing"); got != 0 {
		t.Fatalf("expected size of an unknown pool to be 0, got %d", got)
	}
}

func TestMapReturnsZeroForUnknownName(t *testing.T) {
	s, _ := newTestShim(t)
	if got := s.Map("missing"); got != 0 {
		t.Fatalf("expected map of an unknown pool to return 0, got 0x%x", got)
	}
}

func TestUnmapIsANoOp(t *testing.T) {
	s, _ := newTestShim(t)
	if s.Unmap(0x1234) != 0 {
		t.Fatalf("expected unmap to always return 0")
	}
}

func TestGetenv(t *testing.T) {
	if v, ok := Getenv("CPUS"); !ok || v != "1" {
		t.Fatalf("expected CPUS=1, got %q ok=%v", v, ok)
	}
	if v, ok := Getenv("VERIFY"); !ok || v != "2" {
		t.Fatalf("expected VERIFY=2, got %q ok=%v", v, ok)
	}
	if _, ok := Getenv("UNKNOWN"); ok {
		t.Fatalf("expected an unrecognized name to be absent")
	}
}
