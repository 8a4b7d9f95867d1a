// Package p2p implements the connection handler of a peer-to-peer
// networking layer: accepting and originating TCP connections, running a
// nonce-based handshake against a pre-registered session table, and
// multiplexing framed messages for upper-layer extensions once a connection
// is established.
//
// The hard part lives in Manager and Handler: the token allocator, the
// handshake state machine, the inactivity timer that reaps stalled
// handshakes, and the bookkeeping that keeps stream tokens, timer tokens and
// node tokens consistent under concurrent requests from upper layers. The
// byte-level frame codec, the cryptographic primitives behind a Session, the
// session-negotiation subsystem, and the reactor event loop are kept behind
// narrow interfaces so they can be swapped without touching the state
// machine.
package p2p
