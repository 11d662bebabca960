package qbind

import (
	"net/netip"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pg9182/qbind/pkg/quic"
)

// addressOf returns a stable ordering key for a *CIDTable, used only to pick
// a deterministic lock acquisition order in MoveAll.
func addressOf(t *CIDTable) uintptr {
	return uintptr(unsafe.Pointer(t))
}

// InsertResult is the outcome of CIDTable.Insert.
type InsertResult int

const (
	Inserted InsertResult = iota
	Collided
	OutOfMemory
)

// cidPartition is one independently-locked shard of the CID table. Keeping
// partitions small and mutex-protected (rather than one global map) is what
// lets concurrent packet-receive threads avoid contending on lookups for
// unrelated connections (§5 Lock discipline).
type cidPartition struct {
	mu sync.Mutex
	m  map[string]Connection
}

// CIDTable is the component A Connection ID Lookup Table: a partitioned,
// concurrent map from CID bytes to connections, plus a secondary index by
// remote address used only for ICMP-unreachable delivery on exclusive
// bindings.
type CIDTable struct {
	partMu     sync.RWMutex // guards growing parts (maximizePartitioning) and len(parts)
	parts      []*cidPartition
	maximized  bool

	remoteMu sync.RWMutex
	byRemote map[netip.AddrPort]Connection // only populated for exclusive bindings
}

// NewCIDTable creates a table starting at a single partition, per §4.A ("N
// starts at 1").
func NewCIDTable() *CIDTable {
	return &CIDTable{
		parts:    []*cidPartition{{m: make(map[string]Connection)}},
		byRemote: make(map[netip.AddrPort]Connection),
	}
}

// MaximizePartitioning grows the table to runtime.NumCPU() partitions, once,
// the first time the binding gains a listener (§4.A, §4.B: "The first
// successful registration triggers A.maximize_partitioning()"). It returns
// false if partitioning was already maximized.
func (t *CIDTable) MaximizePartitioning() bool {
	t.partMu.Lock()
	defer t.partMu.Unlock()

	if t.maximized {
		return false
	}
	t.maximized = true

	n := runtime.NumCPU()
	if n <= len(t.parts) {
		return true
	}

	old := t.parts
	parts := make([]*cidPartition, n)
	for i := range parts {
		parts[i] = &cidPartition{m: make(map[string]Connection)}
	}

	// Rehash every entry from the old partitions into the new layout. This
	// only happens once, at startup-adjacent time (first listener
	// registration), so an O(n) walk under the write lock is acceptable.
	for _, p := range old {
		p.mu.Lock()
		for k, v := range p.m {
			idx := quic.CID(k).PartitionIndex(n)
			parts[idx].m[k] = v
		}
		p.mu.Unlock()
	}
	t.parts = parts
	return true
}

func (t *CIDTable) partitionFor(cid quic.CID) *cidPartition {
	t.partMu.RLock()
	parts := t.parts
	t.partMu.RUnlock()
	return parts[cid.PartitionIndex(len(parts))]
}

// Insert adds cid -> conn. If cid already maps to a connection, Insert
// leaves the table unchanged and returns Collided with the existing
// connection (§4.A: "Collision on insert returns the already-present
// connection and does not modify state").
func (t *CIDTable) Insert(cid quic.CID, conn Connection) (InsertResult, Connection) {
	p := t.partitionFor(cid)
	key := string(cid)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.m[key]; ok {
		return Collided, existing
	}
	p.m[key] = conn
	return Inserted, nil
}

// Remove deletes cid from the table, if present.
func (t *CIDTable) Remove(cid quic.CID) {
	p := t.partitionFor(cid)
	key := string(cid)

	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
}

// RemoveAll deletes every CID that currently maps to conn. It is O(table
// size) and intended for connection teardown, not the hot receive path.
func (t *CIDTable) RemoveAll(conn Connection) {
	t.partMu.RLock()
	parts := t.parts
	t.partMu.RUnlock()

	for _, p := range parts {
		p.mu.Lock()
		for k, v := range p.m {
			if v == conn {
				delete(p.m, k)
			}
		}
		p.mu.Unlock()
	}

	t.remoteMu.Lock()
	for k, v := range t.byRemote {
		if v == conn {
			delete(t.byRemote, k)
		}
	}
	t.remoteMu.Unlock()
}

// MoveAll moves every CID owned by conn from t to dst, atomically from the
// caller's point of view: both tables' locks are acquired in a fixed
// address-ordered sequence to avoid deadlocking against a concurrent move
// in the opposite direction (§4.A).
func (t *CIDTable) MoveAll(conn Connection, dst *CIDTable) {
	// Lock both partition sets (read locks suffice; we only touch existing
	// per-partition mutexes, and both tables' partition slice can't be
	// swapped concurrently by more than the once-ever maximize step) in a
	// fixed address order, then move entries partition-by-partition.
	if addressOf(dst) < addressOf(t) {
		dst.partMu.RLock()
		t.partMu.RLock()
	} else {
		t.partMu.RLock()
		dst.partMu.RLock()
	}
	srcParts := t.parts
	dstParts := dst.parts
	t.partMu.RUnlock()
	dst.partMu.RUnlock()

	for _, p := range srcParts {
		p.mu.Lock()
		var moved []struct {
			k string
			v Connection
		}
		for k, v := range p.m {
			if v == conn {
				moved = append(moved, struct {
					k string
					v Connection
				}{k, v})
				delete(p.m, k)
			}
		}
		p.mu.Unlock()

		for _, e := range moved {
			idx := quic.CID(e.k).PartitionIndex(len(dstParts))
			dp := dstParts[idx]
			dp.mu.Lock()
			dp.m[e.k] = e.v
			dp.mu.Unlock()
		}
	}

	if addressOf(dst) < addressOf(t) {
		dst.remoteMu.Lock()
		t.remoteMu.Lock()
	} else {
		t.remoteMu.Lock()
		dst.remoteMu.Lock()
	}
	for k, v := range t.byRemote {
		if v == conn {
			dst.byRemote[k] = v
			delete(t.byRemote, k)
		}
	}
	dst.remoteMu.Unlock()
	t.remoteMu.Unlock()
}

// FindByCID looks up the connection for cid. Only the single partition
// derived from the CID's leading byte is locked (§4.A).
func (t *CIDTable) FindByCID(cid quic.CID) (Connection, bool) {
	p := t.partitionFor(cid)
	p.mu.Lock()
	conn, ok := p.m[string(cid)]
	p.mu.Unlock()
	return conn, ok
}

// FindByRemote looks up a connection by remote address, for the
// ICMP/unreachable delivery path on exclusive bindings.
func (t *CIDTable) FindByRemote(addr netip.AddrPort) (Connection, bool) {
	t.remoteMu.RLock()
	conn, ok := t.byRemote[addr]
	t.remoteMu.RUnlock()
	return conn, ok
}

// SetRemote records conn as reachable at addr (exclusive-binding use only).
func (t *CIDTable) SetRemote(addr netip.AddrPort, conn Connection) {
	t.remoteMu.Lock()
	t.byRemote[addr] = conn
	t.remoteMu.Unlock()
}

// Len returns the approximate number of entries across all partitions, for
// metrics/diagnostics only.
func (t *CIDTable) Len() int {
	t.partMu.RLock()
	parts := t.parts
	t.partMu.RUnlock()

	var n int
	for _, p := range parts {
		p.mu.Lock()
		n += len(p.m)
		p.mu.Unlock()
	}
	return n
}
