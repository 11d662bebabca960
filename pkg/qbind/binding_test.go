package qbind

import (
	"net/netip"
	"testing"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/pg9182/qbind/pkg/quic"
)

// fakeDatapath implements Datapath with an in-memory Sender, for binding
// lifecycle tests that never touch a real socket.
type fakeDatapath struct {
	*fakeSender
	closed bool
}

func (d *fakeDatapath) Close() error {
	d.closed = true
	return nil
}

func testBindingConfig(addr string) Config {
	c := DefaultConfig()
	c.Addr = netip.MustParseAddrPort(addr)
	return c
}

func TestInitializeBindingRejectsMissingDatapath(t *testing.T) {
	c := testBindingConfig("[::]:4433")
	_, err := InitializeBinding(c, false, nil, inlineWorker{}, nil, metrics.NewSet(), zerolog.Nop())
	if err != ErrNoDatapath {
		t.Fatalf("err = %v, want ErrNoDatapath", err)
	}
}

func TestInitializeBindingRejectsExclusiveWithoutRemote(t *testing.T) {
	c := testBindingConfig("[::]:4433")
	dp := &fakeDatapath{fakeSender: &fakeSender{}}
	_, err := InitializeBinding(c, true, dp, inlineWorker{}, nil, metrics.NewSet(), zerolog.Nop())
	if err != ErrExclusiveNeedsPeer {
		t.Fatalf("err = %v, want ErrExclusiveNeedsPeer", err)
	}
}

func TestInitializeBindingSucceeds(t *testing.T) {
	c := testBindingConfig("[::]:4433")
	dp := &fakeDatapath{fakeSender: &fakeSender{}}
	b, err := InitializeBinding(c, false, dp, inlineWorker{}, nil, metrics.NewSet(), zerolog.Nop())
	if err != nil {
		t.Fatalf("InitializeBinding: %v", err)
	}
	if b == nil {
		t.Fatal("expected a non-nil binding")
	}
}

func TestBindingEndToEndConnectionCreation(t *testing.T) {
	c := testBindingConfig("[::]:4433")
	sender := &fakeSender{}
	dp := &fakeDatapath{fakeSender: sender}
	b, err := InitializeBinding(c, false, dp, inlineWorker{}, nil, metrics.NewSet(), zerolog.Nop())
	if err != nil {
		t.Fatalf("InitializeBinding: %v", err)
	}

	var created *fakeConnection
	l := &Listener{
		Wildcard: true,
		ALPN:     "h3",
		CreateConnection: func(remote netip.AddrPort, dcid, scid []byte) (Connection, error) {
			created = newFakeConnection()
			return created, nil
		},
	}
	b.RegisterListener(l)

	destCID := make([]byte, 8)
	for i := range destCID {
		destCID[i] = byte(i + 1)
	}
	raw := buildLongHeader(quic.PacketTypeInitial, quic.DefaultSupportedVersions[0], destCID, make([]byte, 8), nil)
	dg := &Datagram{Raw: raw, Remote: netip.MustParseAddrPort("203.0.113.10:1000")}

	b.OnReceive([]*Datagram{dg})

	if created == nil {
		t.Fatal("expected the binding to have created a connection")
	}

	b.RemoveConnection(created)
	b.UnregisterListener(l)
}

func TestBindingUninitializePanicsOnLiveCID(t *testing.T) {
	c := testBindingConfig("[::]:4433")
	dp := &fakeDatapath{fakeSender: &fakeSender{}}
	b, err := InitializeBinding(c, false, dp, inlineWorker{}, nil, metrics.NewSet(), zerolog.Nop())
	if err != nil {
		t.Fatalf("InitializeBinding: %v", err)
	}

	b.AddSourceCID(quic.CID{1, 2, 3}, newFakeConnection())

	defer func() {
		if recover() == nil {
			t.Fatal("Uninitialize with a live CID entry should panic")
		}
	}()
	b.Uninitialize()
}

func TestBindingUninitializeCleanShutdown(t *testing.T) {
	c := testBindingConfig("[::]:4433")
	dp := &fakeDatapath{fakeSender: &fakeSender{}}
	b, err := InitializeBinding(c, false, dp, inlineWorker{}, nil, metrics.NewSet(), zerolog.Nop())
	if err != nil {
		t.Fatalf("InitializeBinding: %v", err)
	}

	if err := b.Uninitialize(); err != nil {
		t.Fatalf("Uninitialize: %v", err)
	}
	if !dp.closed {
		t.Fatal("Uninitialize should close the datapath")
	}

	if err := b.Uninitialize(); err != ErrBindingClosed {
		t.Fatalf("second Uninitialize err = %v, want ErrBindingClosed", err)
	}
}

func TestBindingOnReceiveNoopAfterClose(t *testing.T) {
	c := testBindingConfig("[::]:4433")
	dp := &fakeDatapath{fakeSender: &fakeSender{}}
	b, err := InitializeBinding(c, false, dp, inlineWorker{}, nil, metrics.NewSet(), zerolog.Nop())
	if err != nil {
		t.Fatalf("InitializeBinding: %v", err)
	}
	b.Uninitialize()

	// Must not panic even though the demux's collaborators are still wired:
	// acquire() should simply refuse to admit the call.
	raw := buildLongHeader(quic.PacketTypeInitial, quic.DefaultSupportedVersions[0], make([]byte, 8), make([]byte, 8), nil)
	b.OnReceive([]*Datagram{{Raw: raw, Remote: netip.MustParseAddrPort("203.0.113.11:1")}})
}
