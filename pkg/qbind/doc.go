// Package qbind implements the UDP binding demultiplexer of a QUIC endpoint:
// the component that owns a single UDP socket and classifies every received
// datagram into one of four outcomes — delivery to an existing connection,
// creation of a new connection for a registered listener, a stateless
// response (Version Negotiation, Retry, or Stateless Reset), or a drop.
//
// The per-connection state machine, handshake, stream layer, congestion
// control, and the raw datapath are external collaborators, referenced here
// only through the Connection, Listener.CreateConnection, and Datapath
// interfaces.
package qbind
