package hix

import (
	"sync"
	"sync/atomic"

	"github.com/llxisdsh/pb"
)

// Deferred reclamation for retired table generations.
//
// Readers never lock, so a generation that has been migrated away from can
// still be traversed by goroutines that loaded its pointer earlier. The GC
// keeps that memory alive, but until its teardown runs a retired generation
// still strongly references every entry it ever held. The epoch scheme bounds
// that retention: teardown work for a retired generation runs only after
// every guard that could have loaded it has been released, so a guarded
// traversal never observes entry pointers vanishing mid-scan.
//
// This is the classic three-epoch scheme: a guard pins its participant at the
// current global epoch; the global epoch advances only when every pinned
// participant has caught up with it; work retired during epoch e runs once
// the epoch has advanced twice past it.

type epochs struct {
	_       noCopy
	global  atomic.Uint64
	pending atomic.Int64
	ids     atomic.Uint64
	parts   pb.MapOf[uint64, *participant]
	pool    sync.Pool
	bagMu   ticketLock
	bags    [3][]func()
}

// participant is one slot in the epoch registry. state holds epoch<<1|pinned.
// Participants are pooled and never unregistered; the pool bounds their
// number to the peak concurrency seen by the index.
type participant struct {
	id    uint64
	state atomic.Uint64
}

// epochGuard proves its holder may dereference any generation it loaded
// while pinned.
type epochGuard struct {
	p *participant
}

func (e *epochs) pin() epochGuard {
	p, _ := e.pool.Get().(*participant)
	if p == nil {
		p = &participant{id: e.ids.Add(1)}
		e.parts.Store(p.id, p)
	}
	p.state.Store(e.global.Load()<<1 | 1)
	return epochGuard{p: p}
}

func (e *epochs) unpin(g epochGuard) {
	g.p.state.Store(0)
	e.pool.Put(g.p)
	if e.pending.Load() != 0 {
		e.tryAdvance()
	}
}

// retire schedules fn to run once no guard that was active at the call can
// still be pinned.
func (e *epochs) retire(fn func()) {
	e.bagMu.lock()
	idx := e.global.Load() % 3
	e.bags[idx] = append(e.bags[idx], fn)
	e.bagMu.unlock()
	e.pending.Add(1)
}

// tryAdvance advances the global epoch if every pinned participant has
// observed it, then runs the callbacks that are now two advances old. Losing
// any race here is fine; a later unpin retries.
func (e *epochs) tryAdvance() {
	g := e.global.Load()
	ok := true
	e.parts.Range(func(_ uint64, p *participant) bool {
		s := p.state.Load()
		if s&1 == 1 && s>>1 != g {
			ok = false
			return false
		}
		return true
	})
	if !ok || !e.global.CompareAndSwap(g, g+1) {
		return
	}

	// Callbacks filed under epoch g-1 are past their grace period: the
	// advance just witnessed every pinned participant at epoch g, and any
	// pin from g-1 or earlier has been released.
	e.bagMu.lock()
	idx := (g + 2) % 3 // == (g-1)%3
	fns := e.bags[idx]
	e.bags[idx] = nil
	e.bagMu.unlock()
	for _, fn := range fns {
		fn()
		e.pending.Add(-1)
	}
}

// ticketLock is a fair FIFO spinlock guarding the retire bags. Critical
// sections are a few slice appends at most.
type ticketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

func (m *ticketLock) lock() {
	my := m.next.Add(1) - 1
	var spins int
	for m.serving.Load() != my {
		delay(&spins)
	}
}

func (m *ticketLock) unlock() {
	m.serving.Add(1)
}
