package hix

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// entry is an immutable key-value pair stored in a cell. The partial hash is
// an 8-bit filter equal to the low byte of the key's full (mixed) hash; it is
// checked before the full key comparison.
type entry[K comparable, V any] struct {
	key     K
	value   V
	partial uint8
}

// cell is one shard of the table and the unit of write-lock granularity. A
// cell is a chain of groups; the root group carries the lock and killed flags
// in the op byte of meta plus the live entry count for the whole chain, while
// overflow groups use meta for tag bytes only.
//
// A killed cell has been fully migrated into the next generation. It refuses
// further locking and presents no entries to lock-free readers.
type cell[K comparable, V any] struct {
	// meta: entry tag bytes plus status flags, must be 64-bit aligned
	_       [0]atomic.Uint64
	meta    uint64
	entries [entriesPerGroup]unsafe.Pointer // *entry[K,V]
	next    unsafe.Pointer                  // *cell[K,V], overflow group
	num     uint32
}

//go:nosplit
func (c *cell[K, V]) at(i int) *unsafe.Pointer {
	return (*unsafe.Pointer)(unsafe.Add(
		unsafe.Pointer(&c.entries),
		uintptr(i)*unsafe.Sizeof(unsafe.Pointer(nil))),
	)
}

// numEntries returns the live entry count of the cell's whole chain. Safe to
// call without the lock; the count is maintained with atomic stores.
//
//go:nosplit
func (c *cell[K, V]) numEntries() int {
	return int(loadInt(&c.num))
}

// find locates an entry by tag byte and full key equality without taking any
// lock. Safe to run concurrently with a writer holding the cell lock: writers
// publish the entry pointer before its tag and nil the pointer before
// clearing the tag, so a tag hit with a nil pointer is simply skipped.
func (c *cell[K, V]) find(tag uint8, key *K) *entry[K, V] {
	h2w := broadcast(tag)
	for b := c; b != nil; b = (*cell[K, V])(loadPtr(&b.next)) {
		meta := loadInt(&b.meta)
		for marked := markZeroBytes(meta ^ h2w); marked != 0; marked &= marked - 1 {
			j := firstMarkedByteIndex(marked)
			if e := (*entry[K, V])(loadPtr(b.at(j))); e != nil && e.key == *key {
				return e
			}
		}
	}
	return nil
}

// cellGuard is an exclusive lock on a cell. The zero value is invalid; only
// lockCell produces usable guards.
type cellGuard[K comparable, V any] struct {
	c *cell[K, V]
}

// lockCell acquires the cell's exclusive lock, spinning with backoff on
// contention. It reports ok=false only when the cell has been killed, which
// tells the caller the containing generation is being migrated away from.
func lockCell[K comparable, V any](c *cell[K, V]) (cellGuard[K, V], bool) {
	var spins int
	for {
		meta := loadInt(&c.meta)
		if meta&killedMask != 0 {
			return cellGuard[K, V]{}, false
		}
		if meta&lockMask == 0 &&
			atomic.CompareAndSwapUint64(&c.meta, meta, meta|lockMask) {
			return cellGuard[K, V]{c: c}, true
		}
		delay(&spins)
	}
}

//go:nosplit
func (g cellGuard[K, V]) cellRef() *cell[K, V] {
	return g.c
}

//go:nosplit
func (g cellGuard[K, V]) unlock() {
	atomic.StoreUint64(&g.c.meta, loadIntFast(&g.c.meta)&^lockMask)
}

// insert adds the entry to the cell. It reports false if an entry with the
// same key already exists; the cell is left unchanged in that case.
func (g cellGuard[K, V]) insert(e *entry[K, V]) bool {
	tag := e.partial | slotMask
	h2w := broadcast(tag)
	root := g.c

	var (
		emptyG   *cell[K, V]
		emptyIdx int
		lastG    *cell[K, V]
	)
	for b := root; b != nil; b = (*cell[K, V])(b.next) {
		meta := loadIntFast(&b.meta)
		for marked := markZeroBytes(meta ^ h2w); marked != 0; marked &= marked - 1 {
			j := firstMarkedByteIndex(marked)
			if cand := (*entry[K, V])(*b.at(j)); cand != nil && cand.key == e.key {
				return false
			}
		}
		if emptyG == nil {
			if empty := (^meta) & metaMask; empty != 0 {
				emptyG = b
				emptyIdx = firstMarkedByteIndex(empty)
			}
		}
		lastG = b
	}

	n := loadIntFast(&root.num)
	if n == math.MaxUint32 {
		panic("hix: cell entry count overflow")
	}
	if emptyG != nil {
		// publish the pointer first, then the tag; lock-free readers check
		// the tag before the pointer so they never observe a
		// partially-initialized entry
		storePtr(emptyG.at(emptyIdx), unsafe.Pointer(e))
		storeInt(&emptyG.meta, setByte(loadIntFast(&emptyG.meta), tag, emptyIdx))
	} else {
		// no empty slot, append an overflow group
		storePtr(&lastG.next, unsafe.Pointer(&cell[K, V]{
			meta:    setByte(metaEmpty, tag, 0),
			entries: [entriesPerGroup]unsafe.Pointer{unsafe.Pointer(e)},
		}))
	}
	storeInt(&root.num, n+1)
	return true
}

// remove deletes the entry matching the partial hash and key. It reports
// whether an entry was removed.
func (g cellGuard[K, V]) remove(partial uint8, key *K) bool {
	tag := partial | slotMask
	h2w := broadcast(tag)
	root := g.c
	for b := root; b != nil; b = (*cell[K, V])(b.next) {
		meta := loadIntFast(&b.meta)
		for marked := markZeroBytes(meta ^ h2w); marked != 0; marked &= marked - 1 {
			j := firstMarkedByteIndex(marked)
			if cand := (*entry[K, V])(*b.at(j)); cand != nil && cand.key == *key {
				// pointer first, tag second; mirrors the insert ordering
				storePtr(b.at(j), nil)
				storeInt(&b.meta, setByte(meta, slotEmpty, j))
				storeInt(&root.num, loadIntFast(&root.num)-1)
				return true
			}
		}
	}
	return false
}

// kill marks the cell as fully migrated and releases the lock in the same
// store. Tag bytes and the entry count are cleared so lock-free readers and
// visitors observe an empty cell; the entry pointers themselves stay in place
// until the generation is retired, keeping readers that already loaded a slot
// valid.
func (g cellGuard[K, V]) kill() {
	root := g.c
	for b := (*cell[K, V])(root.next); b != nil; b = (*cell[K, V])(b.next) {
		storeInt(&b.meta, metaEmpty)
	}
	storeInt(&root.num, 0)
	atomic.StoreUint64(&root.meta, killedMask)
}
