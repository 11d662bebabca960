package qbind

import (
	"container/list"
	"net/netip"
	"sync"
	"time"
)

// StatelessContext is the per-remote-address bookkeeping record for an
// in-flight stateless response (§3 "Stateless Context").
type StatelessContext struct {
	Remote    netip.AddrPort
	CreatedAt time.Time
	Datagram  *Datagram
	Worker    any

	isProcessed bool
	isExpired   bool

	elem *list.Element // position in the FIFO eviction list
}

// StatelessTable is component C: a per-remote-address dedup and TTL-eviction
// table bounding the number of concurrently in-flight stateless operations.
type StatelessTable struct {
	mu         sync.Mutex
	byRemote   map[netip.AddrPort]*StatelessContext
	fifo       *list.List // front = oldest
	expiration time.Duration
	max        int

	metrics *bindingMetrics

	// clock is overridable in tests.
	clock func() time.Time
}

// NewStatelessTable creates an empty table with the given TTL and max
// cardinality (STATELESS_OP_EXPIRATION_MS, MAX_BINDING_STATELESS_OPERATIONS).
func NewStatelessTable(expiration time.Duration, max int) *StatelessTable {
	return &StatelessTable{
		byRemote:   make(map[netip.AddrPort]*StatelessContext),
		fifo:       list.New(),
		expiration: expiration,
		max:        max,
		clock:      time.Now,
	}
}

// evictExpiredLocked walks the FIFO list from the head, evicting every
// entry whose age has passed the expiration, per §4.C admission step 1. The
// caller must hold t.mu.
func (t *StatelessTable) evictExpiredLocked(now time.Time) {
	for e := t.fifo.Front(); e != nil; {
		ctx := e.Value.(*StatelessContext)
		if now.Sub(ctx.CreatedAt) < t.expiration {
			break // FIFO order means nothing after this is expired either
		}
		next := e.Next()
		t.fifo.Remove(e)
		delete(t.byRemote, ctx.Remote)
		ctx.isExpired = true
		e = next
	}
}

// TryAdmit attempts to admit a new stateless operation for remote. It
// evicts expired entries, then rejects if the table is still at capacity or
// a live entry already exists for remote (§4.C Admission).
func (t *StatelessTable) TryAdmit(remote netip.AddrPort, dg *Datagram, worker any) (*StatelessContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	t.evictExpiredLocked(now)

	if len(t.byRemote) >= t.max {
		if t.metrics != nil {
			t.metrics.stateless_admissions_total.reject_max_operations.Inc()
		}
		return nil, errMaxStatelessOperations
	}
	if _, exists := t.byRemote[remote]; exists {
		if t.metrics != nil {
			t.metrics.stateless_admissions_total.reject_duplicate.Inc()
		}
		return nil, errAlreadyInStatelessOperTable
	}

	ctx := &StatelessContext{
		Remote:    remote,
		CreatedAt: now,
		Datagram:  dg,
		Worker:    worker,
	}
	ctx.elem = t.fifo.PushBack(ctx)
	t.byRemote[remote] = ctx

	if t.metrics != nil {
		t.metrics.stateless_admissions_total.accepted.Inc()
	}
	return ctx, nil
}

// Release marks ctx as processed. If the expiration walk already removed
// ctx, nothing else is left to do; otherwise Release removes ctx from the
// table itself, freeing its slot and its remote address at once.
func (t *StatelessTable) Release(ctx *StatelessContext) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx.isProcessed = true
	if ctx.isExpired {
		// already removed from the indexes by the expiration walk; nothing
		// left to free but the context value itself, which the GC handles.
		return
	}
	if ctx.elem != nil {
		t.fifo.Remove(ctx.elem)
		ctx.elem = nil
	}
	delete(t.byRemote, ctx.Remote)
}

// DrainAll unconditionally frees every context in the table, regardless of
// processed/expired state. Only safe once the caller has guaranteed no new
// admissions can arrive (§4.G teardown: "drains the Stateless Operation
// Table unconditionally ... allowed because no new work can arrive").
func (t *StatelessTable) DrainAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fifo.Init()
	for k := range t.byRemote {
		delete(t.byRemote, k)
	}
}

// Len reports the current table size, for tests and metrics.
func (t *StatelessTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byRemote)
}
