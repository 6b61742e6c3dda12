package hix

import (
	"testing"
)

func TestTable_CapacityRounding(t *testing.T) {
	cases := []struct {
		capacity int
		numCells int
	}{
		{1, 1},
		{cellCapacity, 1},
		{cellCapacity + 1, 2},
		{defaultCapacity, defaultCapacity / cellCapacity},
		{100, 4},
		{1000, 32},
		{1 << 20, 1 << 20 / cellCapacity},
	}
	for _, c := range cases {
		tbl := newTable[int, int](c.capacity, nil)
		if tbl.numCells != c.numCells {
			t.Fatalf("capacity %d: numCells=%d, want %d",
				c.capacity, tbl.numCells, c.numCells)
		}
		if tbl.capacity() < c.capacity {
			t.Fatalf("capacity %d: rounded down to %d", c.capacity, tbl.capacity())
		}
		if tbl.numCells&(tbl.numCells-1) != 0 {
			t.Fatalf("numCells %d is not a power of two", tbl.numCells)
		}
	}
}

func TestTable_CellIndexMasks(t *testing.T) {
	tbl := newTable[int, int](1024, nil)
	for _, hash := range []uint64{0, 1, ^uint64(0), 1 << 63, 0xDEADBEEF} {
		i := tbl.cellIndex(hash)
		if i < 0 || i >= tbl.numCells {
			t.Fatalf("cellIndex(%#x)=%d out of range", hash, i)
		}
	}
}

func TestTable_SampleEntries(t *testing.T) {
	tbl := newTable[int, int](defaultCapacity*4, nil)
	// populate every cell with exactly two entries for an exact estimate
	for i := 0; i < tbl.numCells; i++ {
		g, _ := lockCell(tbl.cellAt(i))
		g.insert(&entry[int, int]{key: i * 2, value: 0, partial: 1})
		g.insert(&entry[int, int]{key: i*2 + 1, value: 0, partial: 2})
		g.unlock()
	}
	want := tbl.numCells * 2
	if got := tbl.sampleEntries(tbl.numCells); got != want {
		t.Fatalf("full sample got %d, want %d", got, want)
	}
	if got := tbl.sampleEntries(tbl.numCells / 2); got != want {
		t.Fatalf("half sample got %d, want %d", got, want)
	}
	if got := tbl.sampleEntries(0); got != want {
		t.Fatalf("clamped sample got %d, want %d", got, want)
	}
}

func TestTable_KillCellMigratesEntries(t *testing.T) {
	h := New[int, int]() // supplies a hash function for the migration
	old := newTable[int, int](defaultCapacity, nil)
	next := newTable[int, int](defaultCapacity*2, old)

	const numEntries = 20
	keys := make([]int, 0, numEntries)
	for i := range numEntries {
		hash, partial := h.hash(&i)
		ci := old.cellIndex(hash)
		if ci != 0 {
			continue
		}
		g, _ := lockCell(old.cellAt(0))
		g.insert(&entry[int, int]{key: i, value: i, partial: partial})
		g.unlock()
		keys = append(keys, i)
	}
	if len(keys) == 0 {
		t.Skip("no key hashed to cell 0")
	}

	src, _ := lockCell(old.cellAt(0))
	next.killCell(src, h.hash)

	if _, ok := lockCell(old.cellAt(0)); ok {
		t.Fatal("source cell not killed")
	}
	for _, k := range keys {
		hash, partial := h.hash(&k)
		c := next.cellAt(next.cellIndex(hash))
		if e := c.find(partial|slotMask, &k); e == nil || e.value != k {
			t.Fatalf("key %d not migrated", k)
		}
	}
}

func TestTable_PartialRehashDrainsOldGeneration(t *testing.T) {
	h := New[int, int]()
	old := newTable[int, int](defaultCapacity*8, nil)
	const numEntries = 300
	for i := range numEntries {
		hash, partial := h.hash(&i)
		g, _ := lockCell(old.cellAt(old.cellIndex(hash)))
		g.insert(&entry[int, int]{key: i, value: i, partial: partial})
		g.unlock()
	}
	next := newTable[int, int](defaultCapacity*16, old)

	var e epochs
	steps := 0
	for next.partialRehash(h.hash, &e) {
		steps++
	}
	if steps == 0 {
		t.Fatal("partialRehash made no progress")
	}
	if next.oldTable() != nil {
		t.Fatal("old generation still attached after full drain")
	}
	for i := range numEntries {
		hash, partial := h.hash(&i)
		c := next.cellAt(next.cellIndex(hash))
		if ent := c.find(partial|slotMask, &i); ent == nil || ent.value != i {
			t.Fatalf("key %d lost during rehash", i)
		}
	}
	// further calls are no-ops
	if next.partialRehash(h.hash, &e) {
		t.Fatal("partialRehash reported progress with no old generation")
	}
}
