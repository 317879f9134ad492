package arena

import "testing"

type intKey int

func (k intKey) Equal(other intKey) bool { return k == other }
func (k intKey) HashValue() uint32       { return uint32(k) * 2654435761 }

type hashElem struct {
	link Link
	hnode HashLink
	key   intKey
	value string
}

func newTestHash(capacity, buckets int) (*Pool[hashElem], *HashTable[intKey, hashElem]) {
	pool := NewPool[hashElem](capacity, func(e *hashElem) *Link { return &e.link }, false)
	ht := NewHashTable[intKey, hashElem](pool, buckets,
		func(e *hashElem) intKey { return e.key },
		func(e *hashElem) *HashLink { return &e.hnode },
	)
	return pool, ht
}

func TestHashTableAddFind(t *testing.T) {
	pool, ht := newTestHash(16, 4)

	idx, e, _ := pool.Seize()
	e.key = intKey(7)
	e.value = "seven"
	ht.Add(idx)

	idx2, e2, _ := pool.Seize()
	e2.key = intKey(23) // collides with 7 in a 4-bucket table depending on hash, exercising chaining either way
	e2.value = "twenty-three"
	ht.Add(idx2)

	found, ok := ht.Find(intKey(7))
	if !ok || pool.At(found).value != "seven" {
		t.Fatalf("expected to find key 7")
	}
	found2, ok := ht.Find(intKey(23))
	if !ok || pool.At(found2).value != "twenty-three" {
		t.Fatalf("expected to find key 23")
	}
	if _, ok := ht.Find(intKey(999)); ok {
		t.Fatal("expected key 999 to be absent")
	}
	if ht.Count() != 2 {
		t.Fatalf("count = %d, want 2", ht.Count())
	}
}

func TestHashTableRemove(t *testing.T) {
	pool, ht := newTestHash(16, 4)

	idx, e, _ := pool.Seize()
	e.key = intKey(1)
	ht.Add(idx)

	idx2, e2, _ := pool.Seize()
	e2.key = intKey(2)
	ht.Add(idx2)

	ht.Remove(idx)
	pool.Release(idx)

	if _, ok := ht.Find(intKey(1)); ok {
		t.Fatal("expected key 1 to be removed")
	}
	if _, ok := ht.Find(intKey(2)); !ok {
		t.Fatal("expected key 2 to remain")
	}
	if ht.Count() != 1 {
		t.Fatalf("count = %d, want 1", ht.Count())
	}
}

func TestHashTableEachVisitsAll(t *testing.T) {
	pool, ht := newTestHash(16, 4)
	keys := []intKey{1, 2, 3, 4, 5, 6, 7, 8}
	for _, k := range keys {
		idx, e, _ := pool.Seize()
		e.key = k
		ht.Add(idx)
	}

	seen := make(map[intKey]bool)
	ht.Each(func(idx uint32, e *hashElem) {
		seen[e.key] = true
	})
	if len(seen) != len(keys) {
		t.Fatalf("visited %d elements, want %d", len(seen), len(keys))
	}
}

func TestHashTableBucketCountRoundsUpToPow2(t *testing.T) {
	_, ht := newTestHash(8, 5)
	if len(ht.buckets) != 8 {
		t.Fatalf("bucket count = %d, want 8", len(ht.buckets))
	}
}
