package qbind

import (
	"crypto/rand"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/pg9182/qbind/pkg/quic"
)

// Datapath is the external UDP transport collaborator (§6 Send API, §3
// "datapath handle"). A concrete implementation lives outside this package
// (see pkg/qdatapath); Binding only ever calls Send and Close.
type Datapath interface {
	Sender

	// Close tears down the datapath binding. It blocks until every in-flight
	// call into OnReceive has returned (§4.G: "deletes the datapath binding,
	// which blocks until all receive up-calls complete").
	Close() error
}

// Binding is component G: it owns a single UDP socket identity (local
// 2-tuple, optional pinned remote 2-tuple), wires components A through F
// together, and exposes the library-facing API of §6.
type Binding struct {
	Log zerolog.Logger

	exclusive bool
	local     netip.AddrPort
	remote    netip.AddrPort

	resetKey        *quic.ResetKey
	retryKey        *quic.RetryAEAD
	reservedVersion uint32

	registry     *ListenerRegistry
	cidTable     *CIDTable
	statelessTbl *StatelessTable
	preprocessor *Preprocessor
	responder    *Responder
	demux        *Demultiplexer
	metrics      *bindingMetrics

	datapath Datapath

	refcount int32 // atomic; guards teardown races with in-flight OnReceive calls
	closeMu  sync.Mutex
	closed   bool
}

// InitializeBinding implements §4.G initialization: acquires the datapath
// handle, sets up A/B/C, generates a fresh reset-token salt and Retry key,
// and chooses the random reserved VN version.
//
// exclusive must be true iff remote is a pinned 2-tuple (a client-style
// binding); handshakeMemory, if non-nil, reports the connection manager's
// current aggregate handshake memory for the §4.D retry gate.
func InitializeBinding(cfg Config, exclusive bool, datapath Datapath, worker Worker, handshakeMemory func() uint64, metricsSet *metrics.Set, log zerolog.Logger) (*Binding, error) {
	if datapath == nil {
		return nil, ErrNoDatapath
	}
	if exclusive && !cfg.Remote.IsValid() {
		return nil, ErrExclusiveNeedsPeer
	}
	if !cfg.Addr.IsValid() {
		return nil, ErrInvalidListenerAddr
	}

	salt, err := quic.NewRandomSalt()
	if err != nil {
		return nil, fmt.Errorf("qbind: generate reset salt: %w", err)
	}
	resetKey := quic.NewResetKey(salt)

	retryKeyBytes := make([]byte, 32)
	if _, err := rand.Read(retryKeyBytes); err != nil {
		return nil, fmt.Errorf("qbind: generate retry key: %w", err)
	}
	retryKey, err := quic.NewRetryAEAD(retryKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("qbind: init retry aead: %w", err)
	}

	reservedVersion, err := quic.NewReservedVersion()
	if err != nil {
		return nil, fmt.Errorf("qbind: generate reserved version: %w", err)
	}

	cidTable := NewCIDTable()
	registry := NewListenerRegistry(func() { cidTable.MaximizePartitioning() })

	bm := newBindingMetrics(metricsSet, cidTable, registry)

	statelessTbl := NewStatelessTable(cfg.StatelessOpExpiration, cfg.MaxStatelessOperations)
	statelessTbl.metrics = bm

	preprocessor := NewPreprocessor(exclusive, cfg.MinInitialCIDLength, cfg.ServerChosenCIDLength, quic.DefaultSupportedVersions, registry)
	preprocessor.configureRetryGate(cfg.RetryMemoryLimitPercent, handshakeMemory, retryKey)

	responder := NewResponder(exclusive, reservedVersion, quic.DefaultSupportedVersions, cfg.ServerChosenCIDLength, cfg.MinStatelessResetLen, cfg.RecommendedStatelessResetLen, resetKey, retryKey)

	demux := NewDemultiplexer(preprocessor, responder, cidTable, statelessTbl, registry, worker, datapath, bm)
	demux.Log = log

	b := &Binding{
		Log:             log,
		exclusive:       exclusive,
		local:           cfg.Addr,
		remote:          cfg.Remote,
		resetKey:        resetKey,
		retryKey:        retryKey,
		reservedVersion: reservedVersion,
		registry:        registry,
		cidTable:        cidTable,
		statelessTbl:    statelessTbl,
		preprocessor:    preprocessor,
		responder:       responder,
		demux:           demux,
		metrics:         bm,
		datapath:        datapath,
	}
	return b, nil
}

// acquire increments the binding's refcount, returning false if the binding
// is already closing (§5: "library-level refcount guards the binding
// against teardown races with in-flight packets").
func (b *Binding) acquire() bool {
	b.closeMu.Lock()
	closed := b.closed
	if !closed {
		atomic.AddInt32(&b.refcount, 1)
	}
	b.closeMu.Unlock()
	return !closed
}

func (b *Binding) release() {
	atomic.AddInt32(&b.refcount, -1)
}

// OnReceive is the datapath up-call entry point. It is a no-op once the
// binding has started closing.
func (b *Binding) OnReceive(chain []*Datagram) {
	if !b.acquire() {
		return
	}
	defer b.release()
	b.demux.OnReceive(chain)
}

// OnUnreachable handles an ICMP/port-unreachable notification for remote,
// delivering it to the connection found via the secondary remote-address
// index (populated only for exclusive bindings).
func (b *Binding) OnUnreachable(remote netip.AddrPort) {
	if !b.acquire() {
		return
	}
	defer b.release()

	if conn, ok := b.cidTable.FindByRemote(remote); ok {
		conn.OnUnreachable()
	}
}

// RegisterListener adds l to the binding's listener registry.
func (b *Binding) RegisterListener(l *Listener) bool {
	return b.registry.Register(l)
}

// UnregisterListener removes l from the binding's listener registry.
func (b *Binding) UnregisterListener(l *Listener) {
	b.registry.Unregister(l)
}

// AddSourceCID inserts a new Source CID -> connection mapping, for a
// connection announcing an additional CID after the handshake.
func (b *Binding) AddSourceCID(cid quic.CID, conn Connection) bool {
	result, _ := b.cidTable.Insert(cid, conn)
	return result == Inserted
}

// RemoveSourceCID deletes a single CID mapping.
func (b *Binding) RemoveSourceCID(cid quic.CID) {
	b.cidTable.Remove(cid)
}

// RemoveConnection deletes every CID mapping owned by conn, used on
// connection teardown.
func (b *Binding) RemoveConnection(conn Connection) {
	b.cidTable.RemoveAll(conn)
}

// MoveSourceCIDs moves every CID owned by conn from this binding to dst,
// used when a connection migrates between UDP bindings.
func (b *Binding) MoveSourceCIDs(dst *Binding, conn Connection) {
	b.cidTable.MoveAll(conn, dst.cidTable)
}

// Unreachable records conn as the connection at remote in the secondary
// index, so that a later OnUnreachable(remote) is delivered to it; for use
// by exclusive bindings tracking their single pinned peer.
func (b *Binding) Unreachable(remote netip.AddrPort, conn Connection) {
	b.cidTable.SetRemote(remote, conn)
}

// Uninitialize implements §4.G teardown: closes the datapath (blocking
// until up-calls drain), drains the stateless table unconditionally, and
// asserts the binding is quiescent.
func (b *Binding) Uninitialize() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return ErrBindingClosed
	}
	b.closed = true
	b.closeMu.Unlock()

	err := b.datapath.Close()

	b.statelessTbl.DrainAll()

	if n := atomic.LoadInt32(&b.refcount); n != 0 {
		panic(fmt.Sprintf("qbind: binding torn down with refcount %d", n))
	}
	if n := b.cidTable.Len(); n != 0 {
		panic(fmt.Sprintf("qbind: binding torn down with %d live CID entries", n))
	}
	if b.registry.Len() != 0 {
		panic("qbind: binding torn down with listeners still registered")
	}

	return err
}

// WritePrometheus writes this binding's metrics in text exposition format.
func (b *Binding) WritePrometheus(w io.Writer) {
	b.metrics.WritePrometheus(w)
}
