package qbind

import (
	"github.com/rs/zerolog"

	"github.com/pg9182/qbind/pkg/quic"
)

// Worker is the external worker-pool collaborator (§5 Backpressure:
// "worker-overload check"). Submit hands off the stateless-response build
// and send to a worker thread rather than doing it on the receive fast
// path; Overloaded gates both stateless admission and connection creation.
type Worker interface {
	Overloaded() bool
	Submit(fn func())
}

// Sender is the external send-side collaborator (§6 Send API, condensed to
// the one operation the demultiplexer needs: handing a built datagram back
// to the datapath addressed to dg.Remote, from dg.Local).
type Sender interface {
	Send(dg *Datagram, payload []byte) error
}

// Demultiplexer is component F: it runs every received datagram through the
// Preprocessor, groups same-Dest-CID runs into sub-chains, and delivers each
// sub-chain to an existing connection, a stateless response, or a freshly
// created connection.
type Demultiplexer struct {
	Log zerolog.Logger

	preprocessor *Preprocessor
	responder    *Responder
	cidTable     *CIDTable
	statelessTbl *StatelessTable
	registry     *ListenerRegistry
	worker       Worker
	sender       Sender
	metrics      *bindingMetrics

	// ALPN, if set, extracts the client's ALPN preference list from a
	// datagram for listener selection. If nil, SelectAny is used instead
	// (see ListenerRegistry.SelectAny).
	ALPN func(dg *Datagram) []string
}

// NewDemultiplexer assembles a Demultiplexer from its component collaborators.
func NewDemultiplexer(preprocessor *Preprocessor, responder *Responder, cidTable *CIDTable, statelessTbl *StatelessTable, registry *ListenerRegistry, worker Worker, sender Sender, metrics *bindingMetrics) *Demultiplexer {
	return &Demultiplexer{
		preprocessor: preprocessor,
		responder:    responder,
		cidTable:     cidTable,
		statelessTbl: statelessTbl,
		registry:     registry,
		worker:       worker,
		sender:       sender,
		metrics:      metrics,
	}
}

// OnReceive is the datapath callback (§4.F, §6 receive contract). Ownership
// of chain transfers in; every datagram in it is accounted for (delivered,
// dropped, or handed to a worker) before OnReceive returns.
func (d *Demultiplexer) OnReceive(chain []*Datagram) {
	var sub []*Datagram
	for _, dg := range chain {
		outcome, reason := d.preprocessor.Preprocess(dg)
		switch outcome {
		case PPDrop:
			d.drop(dg, reason)
			continue
		case PPEnqueuedVersionNegotiation:
			d.respondVersionNegotiation(dg)
			continue
		}

		if len(sub) > 0 && !sub[0].DestCID().Equal(dg.DestCID()) {
			d.deliver(sub)
			sub = nil
		}
		sub = appendOrdered(sub, dg)
	}
	if len(sub) > 0 {
		d.deliver(sub)
	}
}

// appendOrdered inserts dg into sub keeping every handshake datagram before
// every data datagram (§4.F, §8 invariant 5), preserving arrival order
// within each of the two groups.
func appendOrdered(sub []*Datagram, dg *Datagram) []*Datagram {
	if !dg.IsHandshake() {
		return append(sub, dg)
	}
	i := 0
	for i < len(sub) && sub[i].IsHandshake() {
		i++
	}
	sub = append(sub, nil)
	copy(sub[i+1:], sub[i:])
	sub[i] = dg
	return sub
}

func (d *Demultiplexer) drop(dg *Datagram, reason dropReason) {
	d.metrics.countDrop(reason)
	d.Log.Debug().Str("remote", dg.Remote.String()).Str("reason", string(reason)).Msg("dropping datagram")
}

// deliver implements §4.F's five-step sub-chain delivery.
func (d *Demultiplexer) deliver(sub []*Datagram) {
	head := sub[0]
	dcid := head.DestCID()

	// 1. Existing connection wins outright.
	if conn, ok := d.cidTable.FindByCID(dcid); ok {
		conn.EnqueueDatagrams(sub)
		return
	}

	// 2. No connection, and this burst may not create one: stateless reset.
	if !d.preprocessor.ShouldCreateConnection(head) {
		d.respondStatelessReset(head)
		d.releaseChain(sub, dropNoListener)
		return
	}

	// 3/4. Retry gate.
	if retry, shouldDrop := d.preprocessor.ShouldRetry(head); retry {
		d.respondRetry(head)
		d.releaseChain(sub, "")
		return
	} else if shouldDrop {
		d.releaseChain(sub, dropRetryTokenInvalid)
		return
	}

	// 5. Create a new connection.
	d.createConnection(sub)
}

// releaseChain accounts every datagram in sub as dropped for reason (used
// when a sub-chain is discarded without being handed to a connection). An
// empty reason means the chain was consumed by a successful stateless
// response, not a policy drop, so nothing is counted.
func (d *Demultiplexer) releaseChain(sub []*Datagram, reason dropReason) {
	if reason == "" {
		return
	}
	for _, dg := range sub {
		d.drop(dg, reason)
	}
}

func (d *Demultiplexer) respondVersionNegotiation(dg *Datagram) {
	d.submitStateless(dg, func() {
		payload := d.responder.VersionNegotiation(dg)
		if err := d.sender.Send(dg, payload); err != nil {
			d.Log.Debug().Str("remote", dg.Remote.String()).Err(err).Msg("version negotiation send failed")
			return
		}
		if d.metrics != nil {
			d.metrics.stateless_responses_total.version_negotiation.Inc()
		}
	})
}

func (d *Demultiplexer) respondRetry(dg *Datagram) {
	d.submitStateless(dg, func() {
		payload, err := d.responder.Retry(dg)
		if err != nil {
			d.Log.Debug().Str("remote", dg.Remote.String()).Err(err).Msg("retry build failed")
			return
		}
		if err := d.sender.Send(dg, payload); err != nil {
			d.Log.Debug().Str("remote", dg.Remote.String()).Err(err).Msg("retry send failed")
			return
		}
		if d.metrics != nil {
			d.metrics.stateless_responses_total.retry.Inc()
		}
	})
}

func (d *Demultiplexer) respondStatelessReset(dg *Datagram) {
	d.submitStateless(dg, func() {
		payload, ok, err := d.responder.StatelessReset(dg, randomEntropy)
		if err != nil {
			d.Log.Debug().Str("remote", dg.Remote.String()).Err(err).Msg("stateless reset build failed")
			return
		}
		if !ok {
			return // forbidden by §4.E (exclusive binding or long-header trigger)
		}
		if err := d.sender.Send(dg, payload); err != nil {
			d.Log.Debug().Str("remote", dg.Remote.String()).Err(err).Msg("stateless reset send failed")
			return
		}
		if d.metrics != nil {
			d.metrics.stateless_responses_total.reset.Inc()
		}
	})
}

// submitStateless admits dg into the Stateless Operation Table and, if
// admitted, submits work to the worker pool to build and send the response,
// releasing the table slot when done (§4.C, §5 Backpressure knob 1).
func (d *Demultiplexer) submitStateless(dg *Datagram, work func()) {
	if d.worker != nil && d.worker.Overloaded() {
		d.drop(dg, dropWorkerOverloaded)
		return
	}

	ctx, err := d.statelessTbl.TryAdmit(dg.Remote, dg, d.worker)
	if err != nil {
		reason := dropStatelessMaxReached
		if err == errAlreadyInStatelessOperTable {
			reason = dropStatelessDuplicate
		}
		d.drop(dg, reason)
		return
	}

	run := func() {
		defer d.statelessTbl.Release(ctx)
		work()
	}
	if d.worker != nil {
		d.worker.Submit(run)
	} else {
		run()
	}
}

// createConnection implements §4.F step 5: select a listener, materialize a
// connection, and insert its Source-CID into the CID table. A collision
// means another thread won the race; the existing connection absorbs the
// sub-chain instead, and the losing new connection's backup slot is fired
// (silent shutdown) rather than leaving it half-initialized and unreachable.
// A CreateConnection error drops the sub-chain.
func (d *Demultiplexer) createConnection(sub []*Datagram) {
	head := sub[0]

	if d.worker != nil && d.worker.Overloaded() {
		d.releaseChain(sub, dropWorkerOverloaded)
		return
	}

	var listener *Listener
	if d.ALPN != nil {
		listener = d.registry.Select(head.Local.Addr(), d.ALPN(head))
	} else {
		listener = d.registry.SelectAny(head.Local.Addr())
	}
	if listener == nil {
		d.releaseChain(sub, dropNoListener)
		return
	}
	defer listener.ReleaseRundown()

	conn, err := listener.CreateConnection(head.Remote, head.Header.DestCID, head.Header.SrcCID)
	if err != nil {
		d.releaseChain(sub, dropNoListener)
		return
	}

	result, existing := d.cidTable.Insert(head.DestCID(), conn)
	if result == Collided {
		if d.metrics != nil {
			d.metrics.connections_collided_total.Inc()
		}
		conn.Backup().FireSilentShutdown()
		existing.EnqueueDatagrams(sub)
		return
	}

	if d.metrics != nil {
		d.metrics.connections_created_total.Inc()
	}
	conn.EnqueueDatagrams(sub)
}
