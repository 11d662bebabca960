package qbind

import (
	"net/netip"
	"testing"
)

func TestListenerRegistryOrdering(t *testing.T) {
	var maximized bool
	reg := NewListenerRegistry(func() { maximized = true })

	v6 := &Listener{Addr: netip.MustParseAddr("2001:db8::1"), ALPN: "h3"}
	v4 := &Listener{Addr: netip.MustParseAddr("192.0.2.1"), ALPN: "h3"}
	wildcard := &Listener{Wildcard: true, ALPN: "h3"}

	if !reg.Register(wildcard) {
		t.Fatal("registering wildcard should succeed")
	}
	if !maximized {
		t.Fatal("first registration should fire onFirstRegister")
	}
	if !reg.Register(v4) {
		t.Fatal("registering v4 should succeed")
	}
	if !reg.Register(v6) {
		t.Fatal("registering v6 should succeed")
	}

	if reg.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", reg.Len())
	}

	if reg.list[0] != v6 {
		t.Error("v6 listener should sort before v4 and wildcard (family DESC)")
	}
	if reg.list[1] != v4 {
		t.Error("v4 listener should sort before wildcard")
	}
	if reg.list[2] != wildcard {
		t.Error("wildcard listener should sort last")
	}
}

func TestListenerRegistryRejectsDuplicateKey(t *testing.T) {
	reg := NewListenerRegistry(nil)
	l1 := &Listener{Wildcard: true, ALPN: "h3"}
	l2 := &Listener{Wildcard: true, ALPN: "h3"}

	if !reg.Register(l1) {
		t.Fatal("first registration should succeed")
	}
	if reg.Register(l2) {
		t.Fatal("duplicate (family, wildcard, addr, ALPN) key should be rejected")
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}
}

func TestListenerRegistrySelectALPNPreferenceOrder(t *testing.T) {
	reg := NewListenerRegistry(nil)
	h3 := &Listener{Wildcard: true, ALPN: "h3"}
	custom := &Listener{Wildcard: true, ALPN: "custom"}
	reg.Register(h3)
	reg.Register(custom)

	local := netip.MustParseAddr("192.0.2.5")

	got := reg.Select(local, []string{"custom", "h3"})
	if got != custom {
		t.Fatalf("Select preferring custom first = %v, want custom listener", got)
	}
	got.ReleaseRundown()

	got2 := reg.Select(local, []string{"h3", "custom"})
	if got2 != h3 {
		t.Fatalf("Select preferring h3 first = %v, want h3 listener", got2)
	}
	got2.ReleaseRundown()
}

func TestListenerRegistrySelectNoMatch(t *testing.T) {
	reg := NewListenerRegistry(nil)
	reg.Register(&Listener{Wildcard: true, ALPN: "h3"})

	if got := reg.Select(netip.MustParseAddr("192.0.2.5"), []string{"ftp"}); got != nil {
		t.Fatalf("Select with no matching ALPN = %v, want nil", got)
	}
}

func TestListenerRegistrySelectRequiresExactAddress(t *testing.T) {
	reg := NewListenerRegistry(nil)
	l1 := &Listener{Addr: netip.MustParseAddr("2001:db8::1"), ALPN: "h3"}
	l2 := &Listener{Addr: netip.MustParseAddr("2001:db8::2"), ALPN: "h3"}

	if !reg.Register(l1) {
		t.Fatal("registering l1 should succeed")
	}
	if !reg.Register(l2) {
		t.Fatal("registering l2 should succeed")
	}

	// l1 sorts before l2 (lower address bytes), so a family-only match would
	// wrongly hand a lookup for l2's address to l1.
	if reg.list[0] != l1 || reg.list[1] != l2 {
		t.Fatal("test setup assumption violated: expected l1 to sort before l2")
	}

	got := reg.Select(l2.Addr, []string{"h3"})
	if got != l2 {
		t.Fatalf("Select(%v) = %v, want l2 (exact address match, not just family)", l2.Addr, got)
	}
	got.ReleaseRundown()

	gotAny := reg.SelectAny(l2.Addr)
	if gotAny != l2 {
		t.Fatalf("SelectAny(%v) = %v, want l2 (exact address match, not just family)", l2.Addr, gotAny)
	}
	gotAny.ReleaseRundown()
}

func TestListenerRegistryUnregister(t *testing.T) {
	reg := NewListenerRegistry(nil)
	l := &Listener{Wildcard: true, ALPN: "h3"}
	reg.Register(l)

	reg.Unregister(l)
	if reg.Len() != 0 {
		t.Fatalf("Len() after Unregister = %d, want 0", reg.Len())
	}
	if l.AcquireRundown() {
		t.Fatal("AcquireRundown should fail on an unregistered (closed) listener")
	}
}

func TestListenerRegistryHasAny(t *testing.T) {
	reg := NewListenerRegistry(nil)
	if reg.HasAny() {
		t.Fatal("HasAny on empty registry should be false")
	}
	reg.Register(&Listener{Wildcard: true, ALPN: "h3"})
	if !reg.HasAny() {
		t.Fatal("HasAny after registering a listener should be true")
	}
}

func TestListenerRegistrySelectAnyIgnoresALPN(t *testing.T) {
	reg := NewListenerRegistry(nil)
	l := &Listener{Wildcard: true, ALPN: "something-else"}
	reg.Register(l)

	got := reg.SelectAny(netip.MustParseAddr("192.0.2.5"))
	if got != l {
		t.Fatalf("SelectAny = %v, want the only registered listener regardless of ALPN", got)
	}
	got.ReleaseRundown()
}
