package sockmux

import "fmt"

// slotChunk is how many slots a table grows by when it is full.
const slotChunk = 8

// handle packs a slot index and the generation it was issued under. A
// handle whose generation no longer matches its slot is stale.
type handle uint64

func makeHandle(index int, gen uint32) handle {
	return handle(uint64(gen)<<32 | uint64(uint32(index)))
}

func (h handle) index() int  { return int(uint32(h)) }
func (h handle) gen() uint32 { return uint32(h >> 32) }

// EndpointID names an endpoint within one Engine.
type EndpointID handle

func (id EndpointID) String() string {
	return fmt.Sprintf("ep%d.%d", handle(id).index(), handle(id).gen())
}

// ClientID names a connection within one endpoint.
type ClientID handle

func (id ClientID) String() string {
	return fmt.Sprintf("cl%d.%d", handle(id).index(), handle(id).gen())
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// slotTable is a growable array of slots. Freed slots are reused before
// the table grows, and each reuse bumps the generation so old handles are
// rejected. It never shrinks.
type slotTable[T any] struct {
	slots []slot[T]
	free  []int
	limit int // zero means unbounded
	live  int
}

func (t *slotTable[T]) add(v T) (handle, error) {
	var i int
	switch {
	case len(t.free) > 0:
		i = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	case t.limit > 0 && len(t.slots) >= t.limit:
		return 0, ErrRegistryFull
	default:
		if len(t.slots) == cap(t.slots) {
			grown := make([]slot[T], len(t.slots), len(t.slots)+slotChunk)
			copy(grown, t.slots)
			t.slots = grown
		}
		t.slots = append(t.slots, slot[T]{})
		i = len(t.slots) - 1
	}

	s := &t.slots[i]
	s.gen++
	s.used = true
	s.val = v
	t.live++
	return makeHandle(i, s.gen), nil
}

func (t *slotTable[T]) get(h handle) (T, bool) {
	var zero T
	i := h.index()
	if i < 0 || i >= len(t.slots) {
		return zero, false
	}
	s := &t.slots[i]
	if !s.used || s.gen != h.gen() {
		return zero, false
	}
	return s.val, true
}

func (t *slotTable[T]) remove(h handle) bool {
	if _, ok := t.get(h); !ok {
		return false
	}
	i := h.index()
	var zero T
	t.slots[i].used = false
	t.slots[i].val = zero
	t.free = append(t.free, i)
	t.live--
	return true
}

// each visits used slots in index order until fn returns false. fn may
// remove the slot it is visiting.
func (t *slotTable[T]) each(fn func(h handle, v T) bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used {
			continue
		}
		if !fn(makeHandle(i, s.gen), s.val) {
			return
		}
	}
}

func (t *slotTable[T]) len() int { return t.live }
