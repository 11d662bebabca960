package qbind

import (
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestStatelessTableAdmitAndRelease(t *testing.T) {
	tbl := NewStatelessTable(time.Second, 4)
	remote := netip.MustParseAddrPort("203.0.113.1:4433")

	ctx, err := tbl.TryAdmit(remote, nil, nil)
	if err != nil {
		t.Fatalf("TryAdmit error = %v, want nil", err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}

	tbl.Release(ctx)
	if tbl.Len() != 0 {
		t.Fatalf("Len() after Release = %d, want 0", tbl.Len())
	}
}

func TestStatelessTableRejectsDuplicate(t *testing.T) {
	tbl := NewStatelessTable(time.Second, 4)
	remote := netip.MustParseAddrPort("203.0.113.1:4433")

	if _, err := tbl.TryAdmit(remote, nil, nil); err != nil {
		t.Fatalf("first TryAdmit error = %v, want nil", err)
	}
	_, err := tbl.TryAdmit(remote, nil, nil)
	if !errors.Is(err, errAlreadyInStatelessOperTable) {
		t.Fatalf("second TryAdmit for same remote error = %v, want errAlreadyInStatelessOperTable", err)
	}
}

func TestStatelessTableRejectsAtCapacity(t *testing.T) {
	tbl := NewStatelessTable(time.Second, 2)

	a := netip.MustParseAddrPort("203.0.113.1:1")
	b := netip.MustParseAddrPort("203.0.113.2:1")
	c := netip.MustParseAddrPort("203.0.113.3:1")

	if _, err := tbl.TryAdmit(a, nil, nil); err != nil {
		t.Fatalf("admit a: %v", err)
	}
	if _, err := tbl.TryAdmit(b, nil, nil); err != nil {
		t.Fatalf("admit b: %v", err)
	}
	_, err := tbl.TryAdmit(c, nil, nil)
	if !errors.Is(err, errMaxStatelessOperations) {
		t.Fatalf("admit c at capacity error = %v, want errMaxStatelessOperations", err)
	}
}

func TestStatelessTableExpiryFreesSlot(t *testing.T) {
	tbl := NewStatelessTable(time.Millisecond, 1)
	now := time.Now()
	tbl.clock = func() time.Time { return now }

	remote := netip.MustParseAddrPort("203.0.113.1:1")
	if _, err := tbl.TryAdmit(remote, nil, nil); err != nil {
		t.Fatalf("admit: %v", err)
	}

	// Advance the clock past the expiration without calling Release: the
	// next admission attempt should evict the stale entry first.
	tbl.clock = func() time.Time { return now.Add(time.Second) }

	other := netip.MustParseAddrPort("203.0.113.2:1")
	if _, err := tbl.TryAdmit(other, nil, nil); err != nil {
		t.Fatalf("admit after expiry should succeed, got error = %v", err)
	}
}

func TestStatelessTableDrainAll(t *testing.T) {
	tbl := NewStatelessTable(time.Second, 4)
	tbl.TryAdmit(netip.MustParseAddrPort("203.0.113.1:1"), nil, nil)
	tbl.TryAdmit(netip.MustParseAddrPort("203.0.113.2:1"), nil, nil)

	tbl.DrainAll()
	if tbl.Len() != 0 {
		t.Fatalf("Len() after DrainAll = %d, want 0", tbl.Len())
	}

	// A fresh admission after draining must still work normally.
	if _, err := tbl.TryAdmit(netip.MustParseAddrPort("203.0.113.3:1"), nil, nil); err != nil {
		t.Fatalf("admit after drain: %v", err)
	}
}
