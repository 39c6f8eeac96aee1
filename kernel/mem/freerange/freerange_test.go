package freerange

import "testing"

func TestReserveFirstFit(t *testing.T) {
	idx := New(Range{Start: 0x1000, End: 0x10000})

	r, ok := idx.Reserve(0x1000, 0x1000)
	if !ok {
		t.Fatal("expected reservation to succeed")
	}
	if r != (Range{Start: 0x1000, End: 0x2000}) {
		t.Fatalf("unexpected reserved range: %+v", r)
	}

	remaining := idx.Ranges()
	if len(remaining) != 1 || remaining[0] != (Range{Start: 0x2000, End: 0x10000}) {
		t.Fatalf("unexpected remaining free ranges: %+v", remaining)
	}
}

func TestReserveAlignmentPadding(t *testing.T) {
	idx := New(Range{Start: 0x1001, End: 0x10000})

	r, ok := idx.Reserve(0x1000, 0x1000)
	if !ok {
		t.Fatal("expected reservation to succeed")
	}
	if r.Start != 0x2000 || r.End != 0x3000 {
		t.Fatalf("expected reservation aligned to 0x2000; got %+v", r)
	}

	remaining := idx.Ranges()
	if len(remaining) != 2 {
		t.Fatalf("expected head padding and tail remainder; got %+v", remaining)
	}
	if remaining[0] != (Range{Start: 0x1001, End: 0x2000}) {
		t.Fatalf("unexpected head padding: %+v", remaining[0])
	}
	if remaining[1] != (Range{Start: 0x3000, End: 0x10000}) {
		t.Fatalf("unexpected tail remainder: %+v", remaining[1])
	}
}

func TestReserveOutOfSpace(t *testing.T) {
	idx := New(Range{Start: 0, End: 0x1000})

	if _, ok := idx.Reserve(0x2000, 0x1000); ok {
		t.Fatal("expected reservation to fail when no range is large enough")
	}
}

func TestReleaseCoalesces(t *testing.T) {
	idx := New(Range{Start: 0, End: 0x1000}, Range{Start: 0x3000, End: 0x4000})

	if !idx.Release(Range{Start: 0x1000, End: 0x3000}) {
		t.Fatal("expected release to succeed")
	}

	got := idx.Ranges()
	if len(got) != 1 || got[0] != (Range{Start: 0, End: 0x4000}) {
		t.Fatalf("expected a single coalesced range; got %+v", got)
	}
}

func TestReleaseRejectsAlreadyFree(t *testing.T) {
	idx := New(Range{Start: 0, End: 0x1000})

	if idx.Release(Range{Start: 0x100, End: 0x200}) {
		t.Fatal("expected release of an already-free range to fail")
	}

	got := idx.Ranges()
	if len(got) != 1 || got[0] != (Range{Start: 0, End: 0x1000}) {
		t.Fatalf("expected index to be unmodified; got %+v", got)
	}
}

func TestReserveRejectsZeroSizeOrAlignment(t *testing.T) {
	idx := New(Range{Start: 0, End: 0x1000})

	if _, ok := idx.Reserve(0, 0x1000); ok {
		t.Fatal("expected zero-length reservation to fail")
	}
	if _, ok := idx.Reserve(0x100, 0); ok {
		t.Fatal("expected zero alignment to fail")
	}
}

func TestReserveThenReleaseRoundTrips(t *testing.T) {
	idx := New(Range{Start: 0, End: 0x10000})

	r, ok := idx.Reserve(0x4000, 0x1000)
	if !ok {
		t.Fatal("expected reservation to succeed")
	}
	if !idx.Release(r) {
		t.Fatal("expected release of a reserved range to succeed")
	}

	got := idx.Ranges()
	if len(got) != 1 || got[0] != (Range{Start: 0, End: 0x10000}) {
		t.Fatalf("expected index to return to its original shape; got %+v", got)
	}
}
