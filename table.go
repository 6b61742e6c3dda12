package hix

import (
	"sync/atomic"
	"unsafe"
)

// table is one generation of the cell array. Its shape is immutable; only
// cell contents and the migration bookkeeping mutate. While old is non-nil,
// the previous generation is still being migrated into this one, and at most
// one old generation can be attached at a time.
type table[K comparable, V any] struct {
	cells    unsafeSlice[cell[K, V]]
	numCells int
	old      unsafe.Pointer // *table[K,V]
	// migration bookkeeping: cursor claims chunks of old cells, done counts
	// cells whose migration has been confirmed
	rehashCursor uint32
	rehashDone   uint32
}

// newTable allocates a generation holding at least the given capacity,
// rounded up to a power-of-two cell count. old links the generation being
// replaced, nil for a fresh index.
func newTable[K comparable, V any](capacity int, old *table[K, V]) *table[K, V] {
	numCells := nextPowOf2((capacity + cellCapacity - 1) / cellCapacity)
	t := &table[K, V]{
		cells:    makeUnsafeSlice(make([]cell[K, V], numCells)),
		numCells: numCells,
	}
	t.old = unsafe.Pointer(old)
	return t
}

//go:nosplit
func (t *table[K, V]) capacity() int {
	return t.numCells * cellCapacity
}

//go:nosplit
func (t *table[K, V]) cellAt(i int) *cell[K, V] {
	return t.cells.At(i)
}

// cellIndex derives the cell index from a mixed hash.
//
//go:nosplit
func (t *table[K, V]) cellIndex(hash uint64) int {
	return int(hash) & (t.numCells - 1)
}

//go:nosplit
func (t *table[K, V]) oldTable() *table[K, V] {
	return (*table[K, V])(loadPtr(&t.old))
}

// numSampleSize is the number of cells the reservation path samples when
// deciding whether a resize should be triggered.
//
//go:nosplit
func (t *table[K, V]) numSampleSize() int {
	return min(t.numCells, 16)
}

// sampleEntries sums live entry counts over the first n cells and scales the
// sum to the full table.
func (t *table[K, V]) sampleEntries(n int) int {
	if n <= 0 {
		n = 1
	}
	if n > t.numCells {
		n = t.numCells
	}
	num := 0
	for i := 0; i < n; i++ {
		num += t.cellAt(i).numEntries()
	}
	return num * t.numCells / n
}

// killCell migrates every live entry of the locked old-generation cell into
// this generation and marks the cell killed. The guard is consumed.
//
// Lock ordering is always old cell before current cell, and the current
// generation cannot itself be killed while its old generation is still
// attached, so the destination locks always succeed.
func (t *table[K, V]) killCell(
	src cellGuard[K, V],
	hashFn func(*K) (uint64, uint8),
) {
	for b := src.cellRef(); b != nil; b = (*cell[K, V])(b.next) {
		meta := loadIntFast(&b.meta)
		for marked := meta & metaMask; marked != 0; marked &= marked - 1 {
			j := firstMarkedByteIndex(marked)
			if e := (*entry[K, V])(*b.at(j)); e != nil {
				hash, _ := hashFn(&e.key)
				dst, _ := lockCell(t.cellAt(t.cellIndex(hash)))
				// the key cannot already be present here: writers kill the
				// old cell before inserting into this generation
				dst.insert(e)
				dst.unlock()
			}
		}
	}
	src.kill()
}

// partialRehash advances migration by claiming a bounded chunk of old cells
// and migrating them. It reports whether it changed migration state; the
// claimer of the last chunk detaches the old generation and retires its
// teardown past the epoch grace period.
func (t *table[K, V]) partialRehash(
	hashFn func(*K) (uint64, uint8),
	e *epochs,
) bool {
	old := t.oldTable()
	if old == nil {
		return false
	}
	for {
		cur := atomic.LoadUint32(&t.rehashCursor)
		if int(cur) >= old.numCells {
			// every cell is claimed; in-flight claimers finish the tail
			return false
		}
		chunk := min(rehashChunkSize, old.numCells-int(cur))
		if !atomic.CompareAndSwapUint32(&t.rehashCursor, cur, cur+uint32(chunk)) {
			continue
		}
		for i := int(cur); i < int(cur)+chunk; i++ {
			if src, ok := lockCell(old.cellAt(i)); ok {
				t.killCell(src, hashFn)
			}
		}
		if int(atomic.AddUint32(&t.rehashDone, uint32(chunk))) == old.numCells {
			storePtr(&t.old, nil)
			e.retire(old.release)
		}
		return true
	}
}

// release severs the generation's entry references so the GC can collect
// them even while a stale *table is still held by a long-lived visitor. It
// runs only after the epoch grace period, so no guarded traversal can be
// mid-scan of these cells.
func (t *table[K, V]) release() {
	for i := 0; i < t.numCells; i++ {
		for b := t.cellAt(i); b != nil; b = (*cell[K, V])(loadPtr(&b.next)) {
			for j := 0; j < entriesPerGroup; j++ {
				storePtr(b.at(j), nil)
			}
		}
	}
}
