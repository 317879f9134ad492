package arena

import "testing"

type listElem struct {
	link  Link
	lnode ListLink
	value int
}

func newTestList(capacity int) (*Pool[listElem], *List[listElem]) {
	pool := NewPool[listElem](capacity, func(e *listElem) *Link { return &e.link }, false)
	list := NewList[listElem](pool, func(e *listElem) *ListLink { return &e.lnode })
	return pool, list
}

func seizeValue(pool *Pool[listElem], v int) uint32 {
	idx, e, _ := pool.Seize()
	e.value = v
	return idx
}

func collect(list *List[listElem], head ListHead) []int {
	var got []int
	list.Each(head, func(idx uint32, e *listElem) { got = append(got, e.value) })
	return got
}

func TestListPushBackOrder(t *testing.T) {
	pool, list := newTestList(4)
	head := EmptyListHead

	head = list.PushBack(head, seizeValue(pool, 1))
	head = list.PushBack(head, seizeValue(pool, 2))
	head = list.PushBack(head, seizeValue(pool, 3))

	got := collect(list, head)
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestListPushFrontOrder(t *testing.T) {
	pool, list := newTestList(4)
	head := EmptyListHead

	head = list.PushFront(head, seizeValue(pool, 1))
	head = list.PushFront(head, seizeValue(pool, 2))
	head = list.PushFront(head, seizeValue(pool, 3))

	got := collect(list, head)
	want := []int{3, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestListPopFrontFIFO(t *testing.T) {
	pool, list := newTestList(4)
	head := EmptyListHead
	head = list.PushBack(head, seizeValue(pool, 1))
	head = list.PushBack(head, seizeValue(pool, 2))

	var idx uint32
	idx, head = list.PopFront(head)
	if pool.At(idx).value != 1 {
		t.Fatalf("expected FIFO order, got %d", pool.At(idx).value)
	}

	idx, head = list.PopFront(head)
	if pool.At(idx).value != 2 {
		t.Fatalf("expected FIFO order, got %d", pool.At(idx).value)
	}

	if !list.Empty(head) {
		t.Fatal("expected list to be empty")
	}
}

func TestListRemoveMiddle(t *testing.T) {
	pool, list := newTestList(4)
	head := EmptyListHead
	i1 := seizeValue(pool, 1)
	i2 := seizeValue(pool, 2)
	i3 := seizeValue(pool, 3)
	head = list.PushBack(head, i1)
	head = list.PushBack(head, i2)
	head = list.PushBack(head, i3)

	head = list.Remove(head, i2)

	got := collect(list, head)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("got %v, want [1 3]", got)
	}
	if head.First != i1 || head.Last != i3 {
		t.Fatalf("head malformed after remove: %+v", head)
	}
}

func TestListRemoveHeadAndTail(t *testing.T) {
	pool, list := newTestList(4)
	head := EmptyListHead
	i1 := seizeValue(pool, 1)
	head = list.PushBack(head, i1)

	head = list.Remove(head, i1)
	if !list.Empty(head) {
		t.Fatal("expected empty list after removing sole element")
	}
	if head.First != RNIL || head.Last != RNIL {
		t.Fatalf("expected RNIL head/tail, got %+v", head)
	}
}
