// Package qdatapath implements the UDP datapath qbind.Binding is demuxing
// on top of: a single bound socket, a receive loop handing datagram chains
// to a binding's OnReceive callback, and a single Send method in place of a
// send-context allocation API.
package qdatapath

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pg9182/qbind/pkg/qbind"
)

// ErrClosed is returned by Send and Serve after Close.
var ErrClosed = errors.New("qdatapath: closed")

// maxDatagramSize bounds the per-read buffer, matching nspkt's Listener (a
// 1500-byte Ethernet MTU-sized read buffer covers any QUIC datagram the
// binding will see on a non-jumbo-frame path).
const maxDatagramSize = 1500

// Receiver is the callback a Datapath delivers datagram chains to. It
// matches qbind.Binding's OnReceive/OnUnreachable signatures so a *Binding
// can be passed directly.
type Receiver interface {
	OnReceive(chain []*qbind.Datagram)
	OnUnreachable(remote netip.AddrPort)
}

// Datapath binds a single UDP socket and implements qbind.Datapath: sending
// stateless responses, and closing the socket down while draining in-flight
// receive up-calls (§4.G teardown).
type Datapath struct {
	// Concurrency is the number of reader goroutines calling
	// ReadFromUDPAddrPort on the shared socket (§5: "the datapath up-calls
	// the receive callback on one or more dispatch-level threads"). Each
	// goroutine processes its datagrams serially; concurrency comes from
	// running several. Defaults to 1 if unset.
	Concurrency int

	mu      sync.Mutex
	conn    *net.UDPConn
	closing bool
	serve   <-chan struct{}

	receiver Receiver

	inflight sync.WaitGroup // in-flight OnReceive calls, drained by Close

	rxDatagrams, txDatagrams atomic.Uint64
	rxBytes, txBytes         atomic.Uint64
	txErrors                 atomic.Uint64
}

// New creates an unbound Datapath delivering received chains to receiver.
func New(receiver Receiver) *Datapath {
	return &Datapath{receiver: receiver}
}

// ListenAndServe binds addr and calls Serve, like nspkt.Listener.
func (d *Datapath) ListenAndServe(addr netip.AddrPort) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}
	return d.Serve(conn)
}

// Serve binds the datapath to conn and reads datagrams until the socket is
// closed, handing each one to the receiver as a single-datagram chain. Real
// recvmmsg-style batching is a datapath optimization this package does not
// implement; one syscall per datagram is the tradeoff made for simplicity.
func (d *Datapath) Serve(conn *net.UDPConn) error {
	serve := make(chan struct{})
	defer close(serve)
	defer conn.Close()

	d.mu.Lock()
	d.conn = conn
	d.closing = false
	d.serve = serve
	d.mu.Unlock()

	n := d.Concurrency
	if n <= 0 {
		n = 1
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = d.readLoop(conn)
		}(i)
	}
	wg.Wait()

	d.mu.Lock()
	closing := d.closing
	d.conn = nil
	d.mu.Unlock()
	if closing {
		return ErrClosed
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// readLoop is one reader goroutine's receive loop; Serve runs d.Concurrency
// of these concurrently against the same socket.
func (d *Datapath) readLoop(conn *net.UDPConn) error {
	for {
		// Allocated fresh every iteration: ownership of dg.Raw passes to the
		// receiver (possibly onward to a connection's queue, which may
		// outlive this call), so the buffer can't be pooled and reused here.
		buf := make([]byte, maxDatagramSize)

		n, remote, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return err
		}
		remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())

		d.rxDatagrams.Add(1)
		d.rxBytes.Add(uint64(n))

		dg := &qbind.Datagram{
			Remote: remote,
			Local:  localAddrPort(conn),
			Raw:    buf[:n],
		}

		d.inflight.Add(1)
		func() {
			defer d.inflight.Done()
			d.receiver.OnReceive([]*qbind.Datagram{dg})
		}()
	}
}

func localAddrPort(conn *net.UDPConn) netip.AddrPort {
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if ap := a.AddrPort(); ap.IsValid() {
			return ap
		}
	}
	return netip.AddrPort{}
}

// Send implements qbind.Sender: it writes payload to dg.Remote on the bound
// socket.
func (d *Datapath) Send(dg *qbind.Datagram, payload []byte) error {
	d.mu.Lock()
	conn := d.conn
	closing := d.closing
	d.mu.Unlock()

	if conn == nil || closing {
		d.txErrors.Add(1)
		return ErrClosed
	}

	n, _, err := conn.WriteMsgUDPAddrPort(payload, nil, dg.Remote)
	if err != nil {
		d.txErrors.Add(1)
		return err
	}
	d.txDatagrams.Add(1)
	d.txBytes.Add(uint64(n))
	return nil
}

// Close implements qbind.Datapath: it closes the socket, waits for Serve to
// return, then waits for every in-flight receiver call to finish (§4.G:
// "blocks until all receive up-calls complete").
func (d *Datapath) Close() error {
	var serve <-chan struct{}

	d.mu.Lock()
	if d.conn != nil {
		d.closing = true
		d.conn.Close()
		serve = d.serve
	}
	d.mu.Unlock()

	if serve != nil {
		<-serve
	}
	d.inflight.Wait()
	return nil
}

// Stats is a snapshot of the datapath's packet counters, for metrics.
type Stats struct {
	RxDatagrams, TxDatagrams uint64
	RxBytes, TxBytes         uint64
	TxErrors                 uint64
}

// Stats returns a snapshot of the datapath's counters.
func (d *Datapath) Stats() Stats {
	return Stats{
		RxDatagrams: d.rxDatagrams.Load(),
		TxDatagrams: d.txDatagrams.Load(),
		RxBytes:     d.rxBytes.Load(),
		TxBytes:     d.txBytes.Load(),
		TxErrors:    d.txErrors.Load(),
	}
}
