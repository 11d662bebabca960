package qbind

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/pg9182/qbind/pkg/quic"
)

// fakeConnection is a minimal Connection used across the demux/binding
// tests: it records every sub-chain it receives.
type fakeConnection struct {
	mu      sync.Mutex
	backup  *BackupOp
	chains  [][]*Datagram
	unreach int
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{backup: NewBackupOp()}
}

func (c *fakeConnection) EnqueueDatagrams(dgs []*Datagram) {
	c.mu.Lock()
	c.chains = append(c.chains, dgs)
	c.mu.Unlock()
}

func (c *fakeConnection) OnUnreachable() {
	c.mu.Lock()
	c.unreach++
	c.mu.Unlock()
}

func (c *fakeConnection) Backup() *BackupOp { return c.backup }

func (c *fakeConnection) chainCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chains)
}

// fakeSender records every payload sent, keyed by nothing in particular:
// tests only check it was called the right number of times.
type fakeSender struct {
	mu   sync.Mutex
	sent []struct {
		dg      *Datagram
		payload []byte
	}
	err error
}

func (s *fakeSender) Send(dg *Datagram, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, struct {
		dg      *Datagram
		payload []byte
	}{dg, payload})
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// inlineWorker never reports overload and runs work synchronously, so
// tests can assert on side effects right after the triggering call returns.
type inlineWorker struct{ overloaded bool }

func (w inlineWorker) Overloaded() bool { return w.overloaded }
func (w inlineWorker) Submit(fn func()) { fn() }

func newTestDemux(t *testing.T, exclusive bool, worker Worker, sender Sender) (*Demultiplexer, *ListenerRegistry, *CIDTable) {
	t.Helper()
	reg := NewListenerRegistry(nil)
	cidTable := NewCIDTable()
	statelessTbl := NewStatelessTable(time.Second, 8)
	pp := NewPreprocessor(exclusive, 8, 8, quic.DefaultSupportedVersions, reg)
	resp := newTestResponder(exclusive)
	set := metrics.NewSet()
	bm := newBindingMetrics(set, cidTable, reg)
	statelessTbl.metrics = bm

	d := NewDemultiplexer(pp, resp, cidTable, statelessTbl, reg, worker, sender, bm)
	return d, reg, cidTable
}

func TestDemuxVersionNegotiationTrigger(t *testing.T) {
	sender := &fakeSender{}
	d, reg, _ := newTestDemux(t, false, inlineWorker{}, sender)
	reg.Register(&Listener{Wildcard: true, ALPN: "h3"})

	raw := buildLongHeader(quic.PacketTypeInitial, 0xdeadbeef, make([]byte, 8), make([]byte, 8), nil)
	dg := &Datagram{Raw: raw, Remote: netip.MustParseAddrPort("203.0.113.1:1111")}

	d.OnReceive([]*Datagram{dg})

	if sender.count() != 1 {
		t.Fatalf("sender.count() = %d, want 1 (a version negotiation datagram)", sender.count())
	}
}

func TestDemuxNoListenerDropsWithoutConnection(t *testing.T) {
	sender := &fakeSender{}
	d, _, cidTable := newTestDemux(t, false, inlineWorker{}, sender)

	raw := buildLongHeader(quic.PacketTypeInitial, quic.DefaultSupportedVersions[0], make([]byte, 8), make([]byte, 8), nil)
	dg := &Datagram{Raw: raw, Remote: netip.MustParseAddrPort("203.0.113.2:2222")}

	d.OnReceive([]*Datagram{dg})

	if cidTable.Len() != 0 {
		t.Fatalf("cidTable.Len() = %d, want 0: no listener means no connection should be created", cidTable.Len())
	}
}

func TestDemuxCreatesConnectionAndRoutesFollowup(t *testing.T) {
	sender := &fakeSender{}
	d, reg, cidTable := newTestDemux(t, false, inlineWorker{}, sender)

	var created *fakeConnection
	reg.Register(&Listener{
		Wildcard: true,
		ALPN:     "h3",
		CreateConnection: func(remote netip.AddrPort, dcid, scid []byte) (Connection, error) {
			created = newFakeConnection()
			return created, nil
		},
	})

	destCID := make([]byte, 8)
	for i := range destCID {
		destCID[i] = byte(i + 1)
	}
	raw := buildLongHeader(quic.PacketTypeInitial, quic.DefaultSupportedVersions[0], destCID, make([]byte, 8), nil)
	local := netip.MustParseAddrPort("198.51.100.1:443")
	dg := &Datagram{Raw: raw, Remote: netip.MustParseAddrPort("203.0.113.3:3333"), Local: local}

	d.OnReceive([]*Datagram{dg})

	if created == nil {
		t.Fatal("expected a connection to have been created")
	}
	if created.chainCount() != 1 {
		t.Fatalf("created connection chainCount() = %d, want 1", created.chainCount())
	}

	conn, ok := cidTable.FindByCID(quic.CID(destCID))
	if !ok || conn != Connection(created) {
		t.Fatal("the new connection should be registered under its Dest-CID")
	}

	// A second datagram on the same CID must route to the existing
	// connection rather than create another one.
	raw2 := buildShortHeaderDatagram(destCID)
	dg2 := &Datagram{Raw: raw2, Remote: dg.Remote, Local: local}
	d.OnReceive([]*Datagram{dg2})

	if created.chainCount() != 2 {
		t.Fatalf("chainCount() after followup datagram = %d, want 2", created.chainCount())
	}
}

func TestDemuxDuplicateStatelessOpDropsSecond(t *testing.T) {
	sender := &fakeSender{}
	// A worker that never actually runs submitted work leaves the
	// stateless-table slot held, so a second VN-triggering datagram for the
	// same remote must be rejected as a duplicate rather than queued twice.
	var held func()
	worker := blockingWorker{submit: func(fn func()) { held = fn }}
	d, reg, _ := newTestDemux(t, false, worker, sender)
	reg.Register(&Listener{Wildcard: true, ALPN: "h3"})

	remote := netip.MustParseAddrPort("203.0.113.4:4444")
	raw := buildLongHeader(quic.PacketTypeInitial, 0xdeadbeef, make([]byte, 8), make([]byte, 8), nil)

	d.OnReceive([]*Datagram{{Raw: raw, Remote: remote}})
	d.OnReceive([]*Datagram{{Raw: raw, Remote: remote}})

	if sender.count() != 0 {
		t.Fatalf("sender.count() = %d, want 0 before the held work runs", sender.count())
	}
	if held == nil {
		t.Fatal("expected the first stateless op's work to have been submitted and held")
	}
	held()
	if sender.count() != 1 {
		t.Fatalf("sender.count() after running the held work = %d, want 1", sender.count())
	}
}

type blockingWorker struct {
	submit func(fn func())
}

func (blockingWorker) Overloaded() bool        { return false }
func (w blockingWorker) Submit(fn func())      { w.submit(fn) }

func TestDemuxHandshakeBeforeDataOrdering(t *testing.T) {
	sender := &fakeSender{}
	d, reg, _ := newTestDemux(t, false, inlineWorker{}, sender)

	var created *fakeConnection
	reg.Register(&Listener{
		Wildcard: true,
		ALPN:     "h3",
		CreateConnection: func(remote netip.AddrPort, dcid, scid []byte) (Connection, error) {
			created = newFakeConnection()
			return created, nil
		},
	})

	destCID := make([]byte, 8)
	for i := range destCID {
		destCID[i] = byte(i + 10)
	}

	dataRaw := buildShortHeaderDatagram(destCID)
	dataDg := &Datagram{Raw: dataRaw, Remote: netip.MustParseAddrPort("203.0.113.5:5555")}

	handshakeRaw := buildLongHeader(quic.PacketTypeInitial, quic.DefaultSupportedVersions[0], destCID, make([]byte, 8), nil)
	handshakeDg := &Datagram{Raw: handshakeRaw, Remote: dataDg.Remote}

	// Data datagram arrives first on the wire, handshake second; delivery
	// must still hand the connection the handshake datagram first.
	d.OnReceive([]*Datagram{dataDg, handshakeDg})

	if created == nil {
		t.Fatal("expected a connection to have been created")
	}
	if created.chainCount() != 1 {
		t.Fatalf("chainCount() = %d, want 1 (a single sub-chain, both datagrams share a Dest-CID)", created.chainCount())
	}
	chain := created.chains[0]
	if len(chain) != 2 {
		t.Fatalf("len(chain) = %d, want 2", len(chain))
	}
	if !chain[0].IsHandshake() {
		t.Fatal("the handshake datagram must be reordered before the data datagram")
	}
}
