package arena

import "testing"

type poolElem struct {
	link  Link
	value int
}

func poolElemLink(e *poolElem) *Link { return &e.link }

func newTestPool(capacity int, debug bool) *Pool[poolElem] {
	return NewPool[poolElem](capacity, poolElemLink, debug)
}

func TestPoolSeizeReleaseRoundTrip(t *testing.T) {
	p := newTestPool(4, true)

	idx1, e1, ok := p.Seize()
	if !ok {
		t.Fatal("expected seize to succeed")
	}
	e1.value = 42

	idx2, _, ok := p.Seize()
	if !ok {
		t.Fatal("expected second seize to succeed")
	}
	if idx1 == idx2 {
		t.Fatal("expected distinct slot indices")
	}

	if got := p.At(idx1).value; got != 42 {
		t.Fatalf("value = %d, want 42", got)
	}

	p.Release(idx1)
	idx3, e3, ok := p.Seize()
	if !ok {
		t.Fatal("expected seize after release to succeed")
	}
	if idx3 != idx1 {
		t.Fatalf("expected released slot %d to be reused, got %d", idx1, idx3)
	}
	if e3.value != 0 {
		t.Fatalf("expected reused slot to be zeroed, got %d", e3.value)
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := newTestPool(2, false)
	if _, _, ok := p.Seize(); !ok {
		t.Fatal("seize 1 should succeed")
	}
	if _, _, ok := p.Seize(); !ok {
		t.Fatal("seize 2 should succeed")
	}
	if _, _, ok := p.Seize(); ok {
		t.Fatal("seize 3 should fail: pool exhausted")
	}
}

func TestPoolDoubleReleasePanicsInDebugMode(t *testing.T) {
	p := newTestPool(2, true)
	idx, _, _ := p.Seize()
	p.Release(idx)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release in debug mode")
		}
	}()
	p.Release(idx)
}

func TestPoolSeizeIDReclaimsSpecificSlot(t *testing.T) {
	p := newTestPool(4, false)

	// Seize all four, then release slot 2 specifically and reclaim it by ID.
	var indices []uint32
	for range 4 {
		idx, _, ok := p.Seize()
		if !ok {
			t.Fatal("unexpected exhaustion")
		}
		indices = append(indices, idx)
	}
	target := indices[2]
	p.Release(target)

	elem, ok := p.SeizeID(target)
	if !ok {
		t.Fatalf("expected SeizeID(%d) to succeed", target)
	}
	if elem == nil {
		t.Fatal("expected non-nil element")
	}

	// Reclaiming the same slot again should fail (it's in use, not free).
	if _, ok := p.SeizeID(target); ok {
		t.Fatal("expected SeizeID to fail on an already-in-use slot")
	}
}

func TestPoolAtOutOfRange(t *testing.T) {
	p := newTestPool(2, false)
	if p.At(RNIL) != nil {
		t.Fatal("expected nil for RNIL")
	}
	if p.At(99) != nil {
		t.Fatal("expected nil for out-of-range index")
	}
}

func TestRoundUpPow2(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 1000: 1024}
	for in, want := range cases {
		if got := roundUpPow2(in); got != want {
			t.Errorf("roundUpPow2(%d) = %d, want %d", in, got, want)
		}
	}
}
