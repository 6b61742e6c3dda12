package hix

import (
	"math/rand/v2"
	"sync/atomic"
	"unsafe"
)

// HashIndex is a scalable concurrent hash index optimized for read-mostly
// workloads.
//
// Core properties:
//   - Lock-free reads; writers lock a single cell at a time
//   - Incremental resizing: a new generation coexists with the old one and
//     entries migrate lazily, piggy-backed on ordinary operations
//   - Sampled load estimation instead of a contended global counter
//   - Epoch-protected traversal of retired generations
//
// Usage recommendations:
//   - Pre-allocate capacity for known workloads: New(WithCapacity(1 << 20))
//
// Notes:
//   - HashIndex must not be copied after first use.
//   - Iteration is weakly consistent: an entry can be visited more than once
//     while a resize is migrating it.
type HashIndex[K comparable, V any] struct {
	_           noCopy
	table       unsafe.Pointer // *table[K,V]
	minCapacity int
	resizing    uint32
	seed        uintptr
	keyHash     HashFunc
	epochs      epochs
}

// New creates an empty HashIndex.
//
// Parameters:
//   - options: configuration options (WithCapacity, WithKeyHasher, ...)
//
// The actual capacity is equal to or greater than the requested one and
// never drops below it.
func New[K comparable, V any](options ...func(*IndexConfig)) *HashIndex[K, V] {
	var cfg IndexConfig
	for _, o := range options {
		o(noEscape(&cfg))
	}

	h := &HashIndex[K, V]{}
	h.keyHash = cfg.keyHash
	if h.keyHash == nil {
		h.keyHash = defaultKeyHasher[K]()
	}
	h.seed = uintptr(rand.Uint64())

	t := newTable[K, V](max(cfg.capacity, defaultCapacity), nil)
	h.minCapacity = t.capacity()
	atomic.StorePointer(&h.table, unsafe.Pointer(t))
	return h
}

// hash returns the key's mixed 64-bit hash and its 8-bit partial hash.
func (h *HashIndex[K, V]) hash(key *K) (uint64, uint8) {
	v := mix64(uint64(h.keyHash(noescape(unsafe.Pointer(key)), h.seed)))
	return v, uint8(v)
}

//go:nosplit
func (h *HashIndex[K, V]) currentTable() *table[K, V] {
	return (*table[K, V])(loadPtr(&h.table))
}

// Insert inserts a key-value pair. It reports false and leaves the index
// unchanged if the key already exists. May trigger a resize as a side
// effect.
func (h *HashIndex[K, V]) Insert(key K, value V) bool {
	g := h.epochs.pin()
	hash, partial := h.hash(&key)
	cg := h.reserve(hash)
	ok := cg.insert(&entry[K, V]{key: key, value: value, partial: partial})
	cg.unlock()
	h.epochs.unpin(g)
	return ok
}

// Remove removes a key-value pair, reporting whether an entry was removed.
// Removal never grows the table; the sampled shrink policy is evaluated only
// when the cell drains empty.
func (h *HashIndex[K, V]) Remove(key K) bool {
	g := h.epochs.pin()
	hash, partial := h.hash(&key)
	cg, _ := h.lock(hash)
	removed := cg.remove(partial, &key)
	empty := cg.cellRef().numEntries() == 0
	cg.unlock()
	if removed && empty {
		t := h.currentTable()
		if t.capacity() > h.minCapacity && t.oldTable() == nil {
			h.resize()
		}
	}
	h.epochs.unpin(g)
	return removed
}

// Read returns the value bound to the key, if any. It acquires no lock: cell
// locks guard mutation, not observation, and the epoch guard keeps every
// generation being read alive for the duration of the call.
func (h *HashIndex[K, V]) Read(key K) (V, bool) {
	var value V
	ok := h.ReadFn(key, func(_ *K, v *V) {
		value = *v
	})
	return value, ok
}

// ReadFn invokes f on the key's entry under the epoch guard, without
// acquiring any lock, and reports whether the key was found. The references
// passed to f must not be retained or mutated.
func (h *HashIndex[K, V]) ReadFn(key K, f func(key *K, value *V)) bool {
	g := h.epochs.pin()
	hash, partial := h.hash(&key)
	e := h.findEntry(hash, partial, &key)
	if e != nil {
		f(&e.key, &e.value)
	}
	h.epochs.unpin(g)
	return e != nil
}

// findEntry checks the current generation first; on a miss with an old
// generation attached it checks the old cell, then rechecks the current cell,
// since a cell killed mid-search publishes its entries to the current
// generation before the kill flag is set. A miss is authoritative only while
// the searched generation is still the current one; if a resize moved the
// table pointer the search restarts on the newer generation.
func (h *HashIndex[K, V]) findEntry(
	hash uint64,
	partial uint8,
	key *K,
) *entry[K, V] {
	tag := partial | slotMask
	for {
		t := h.currentTable()
		c := t.cellAt(t.cellIndex(hash))
		if e := c.find(tag, key); e != nil {
			return e
		}
		if old := t.oldTable(); old != nil {
			oc := old.cellAt(old.cellIndex(hash))
			if loadInt(&oc.meta)&killedMask == 0 {
				if e := oc.find(tag, key); e != nil {
					return e
				}
			}
			if e := c.find(tag, key); e != nil {
				return e
			}
		}
		// a fresh generation is never re-installed, so an unchanged pointer
		// means t was current for the whole search and the miss stands
		if h.currentTable() == t {
			return nil
		}
	}
}

// reserve obtains a locked cell for inserting under the hash, triggering at
// most one sampled resize check when the locked cell has reached its entry
// ceiling.
func (h *HashIndex[K, V]) reserve(hash uint64) cellGuard[K, V] {
	resizeTriggered := false
	for {
		cg, _ := h.lock(hash)
		if !resizeTriggered && cg.cellRef().numEntries() >= cellCapacity {
			cg.unlock()
			resizeTriggered = true
			t := h.currentTable()
			if t.oldTable() == nil {
				// trigger a resize if the estimated load factor exceeds 7/8
				n := t.numSampleSize()
				threshold := n * (cellCapacity / 8) * 7
				num := 0
				for i := 0; i < n; i++ {
					num += t.cellAt(i).numEntries()
					if num > threshold {
						h.resize()
						break
					}
				}
			}
			// the table pointer may have changed; take the lock again
			continue
		}
		return cg
	}
}

// lock returns an exclusively locked cell for the hash in the current
// generation along with its index, first paying a bounded amount of
// migration debt when an old generation is still attached.
func (h *HashIndex[K, V]) lock(hash uint64) (cellGuard[K, V], int) {
	for {
		t := h.currentTable()
		if t.oldTable() != nil {
			if t.partialRehash(h.hash, &h.epochs) {
				// migration state changed under us; reload the table
				continue
			}
			if old := t.oldTable(); old != nil {
				oi := old.cellIndex(hash)
				if src, ok := lockCell(old.cellAt(oi)); ok {
					t.killCell(src, h.hash)
				}
			}
		}
		ci := t.cellIndex(hash)
		if cg, ok := lockCell(t.cellAt(ci)); ok {
			return cg, ci
		}
		// the cell is killed: h.table has been replaced since the load
	}
}

// resize evaluates the grow/shrink policy and, when the capacity must
// change, installs a new generation with the current one attached for
// migration. Guarded by the non-blocking resizing flag; a thread losing the
// flag race returns immediately without side effects.
func (h *HashIndex[K, V]) resize() {
	t := h.currentTable()
	if !atomic.CompareAndSwapUint32(&h.resizing, 0, 1) {
		return
	}
	defer atomic.StoreUint32(&h.resizing, 0)

	// the caller's decision to resize may be stale, and a resize may not
	// start while a previous migration is incomplete
	if h.currentTable() != t || t.oldTable() != nil {
		return
	}

	capacity := t.capacity()
	numSample := min(
		max(t.numCells/8, defaultCapacity/cellCapacity),
		maxSampleCells,
	)
	estimated := t.sampleEntries(numSample)

	newCapacity := capacity
	if estimated >= capacity/8*7 {
		if capacity == maxCapacity {
			// the capacity cannot be increased
			return
		}
		if estimated <= capacity/8*9 {
			// the estimate only marginally exceeds the capacity
			newCapacity = capacity * 2
		} else {
			limit := capacity << maxResizingFactor
			if limit <= 0 || limit > maxCapacity {
				limit = maxCapacity
			}
			newCapacity = min(nextPowOf2(estimated)*2, limit)
		}
	} else if estimated <= capacity/8 {
		newCapacity = max(nextPowOf2(estimated), h.minCapacity)
	}

	if newCapacity != capacity {
		// the release store orders the new generation's construction before
		// any load of the table pointer that observes it
		atomic.StorePointer(&h.table, unsafe.Pointer(newTable(newCapacity, t)))
	}
}

// Retain keeps only the entries satisfying the predicate and removes the
// rest, returning the number of entries kept and removed. Pending migration
// is drained first so a single generation is walked, cell by cell under that
// cell's lock.
func (h *HashIndex[K, V]) Retain(predicate func(key K, value V) bool) (int, int) {
	g := h.epochs.pin()
	defer h.epochs.unpin(g)

	removed := 0
restart:
	t := h.currentTable()
	for t.oldTable() != nil {
		t.partialRehash(h.hash, &h.epochs)
		t = h.currentTable()
	}
	remaining := 0
	for i := 0; i < t.numCells; i++ {
		cg, ok := lockCell(t.cellAt(i))
		if !ok {
			// the generation was replaced mid-walk; entries already removed
			// stay removed, and the walk restarts on the new generation
			goto restart
		}
		root := cg.cellRef()
		for b := root; b != nil; b = (*cell[K, V])(b.next) {
			meta := loadIntFast(&b.meta)
			for marked := meta & metaMask; marked != 0; marked &= marked - 1 {
				j := firstMarkedByteIndex(marked)
				if e := (*entry[K, V])(*b.at(j)); e != nil {
					if predicate(e.key, e.value) {
						remaining++
					} else {
						storePtr(b.at(j), nil)
						meta = setByte(meta, slotEmpty, j)
						storeInt(&b.meta, meta)
						storeInt(&root.num, loadIntFast(&root.num)-1)
						removed++
					}
				}
			}
		}
		cg.unlock()
	}
	return remaining, removed
}

// Clear removes every entry and returns the number removed.
func (h *HashIndex[K, V]) Clear() int {
	_, removed := h.Retain(func(K, V) bool { return false })
	return removed
}

// Len estimates the number of entries using bounded sampling. samplingFn
// maps the table's cell count to the number of cells to sample, trading
// accuracy for cost; sampling every cell yields an exact count in the
// absence of concurrent writers.
func (h *HashIndex[K, V]) Len(samplingFn func(numCells int) int) int {
	g := h.epochs.pin()
	t := h.currentTable()
	n := t.sampleEntries(samplingFn(t.numCells))
	h.epochs.unpin(g)
	return n
}

// Capacity returns the current generation's total slot capacity.
func (h *HashIndex[K, V]) Capacity() int {
	return h.currentTable().capacity()
}

// Hasher returns the configured hash function.
func (h *HashIndex[K, V]) Hasher() HashFunc {
	return h.keyHash
}

// Seed returns the per-index hash seed fed to the hash function.
func (h *HashIndex[K, V]) Seed() uintptr {
	return h.seed
}

// Visitor is a lazy traversal over the index's live entries. Every entry
// present for the whole traversal is visited at least once; an entry may be
// visited more than once when a resize migrates it mid-traversal. A Visitor
// holds an epoch guard; exhaust it or call Close to release the guard.
type Visitor[K comparable, V any] struct {
	h      *HashIndex[K, V]
	g      epochGuard
	tables []*table[K, V] // old generation first, then current
	ti     int
	ci     int
	group  *cell[K, V]
	marked uint64
	closed bool
}

// Iter returns a Visitor positioned before the first entry. Calling Iter
// again starts a fresh traversal.
func (h *HashIndex[K, V]) Iter() *Visitor[K, V] {
	g := h.epochs.pin()
	t := h.currentTable()
	v := &Visitor[K, V]{h: h, g: g, ci: -1}
	if old := t.oldTable(); old != nil {
		v.tables = append(v.tables, old)
	}
	v.tables = append(v.tables, t)
	return v
}

// Next returns the next key-value pair. ok is false once the traversal is
// exhausted, which also releases the epoch guard.
//
// Cells killed by a concurrent resize read as empty, but their entries were
// migrated into a newer generation, so exhausting the snapshot list is not
// the end of the traversal: any generation installed since the last walked
// one is appended and walked too. That keeps entries present for the whole
// traversal visible at least once, at the cost of possible repeat visits.
func (v *Visitor[K, V]) Next() (key K, value V, ok bool) {
	if v.closed {
		return key, value, false
	}
	for {
		for v.marked != 0 {
			j := firstMarkedByteIndex(v.marked)
			v.marked &= v.marked - 1
			if e := (*entry[K, V])(loadPtr(v.group.at(j))); e != nil {
				return e.key, e.value, true
			}
		}
		if v.group != nil {
			v.group = (*cell[K, V])(loadPtr(&v.group.next))
		}
		if v.group == nil {
			v.ci++
			if v.ci >= v.tables[v.ti].numCells {
				v.ti++
				if v.ti >= len(v.tables) {
					last := v.tables[len(v.tables)-1]
					cur := v.h.currentTable()
					if cur == last {
						v.Close()
						return key, value, false
					}
					// resized since the last walked generation; its entries
					// now live in cur, or in cur's still-attached old table
					if old := cur.oldTable(); old != nil && old != last {
						v.tables = append(v.tables, old)
					}
					v.tables = append(v.tables, cur)
				}
				v.ci = 0
			}
			v.group = v.tables[v.ti].cellAt(v.ci)
		}
		v.marked = loadInt(&v.group.meta) & metaMask
	}
}

// Close releases the visitor's epoch guard. It is safe to call more than
// once.
func (v *Visitor[K, V]) Close() {
	if !v.closed {
		v.closed = true
		v.h.epochs.unpin(v.g)
	}
}

// All returns a range-over-func iterator over the live entries with the same
// weak consistency guarantee as Iter.
func (h *HashIndex[K, V]) All() func(yield func(K, V) bool) {
	return func(yield func(K, V) bool) {
		v := h.Iter()
		defer v.Close()
		for k, val, ok := v.Next(); ok; k, val, ok = v.Next() {
			if !yield(k, val) {
				return
			}
		}
	}
}
