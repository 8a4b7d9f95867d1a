package p2p

import (
	"sync"

	"github.com/pkg/errors"
)

// ExtensionCallback is the upper-layer collaborator a Connection dispatches
// decoded frames to (spec §6.3: "client contract"). Negotiation and
// extension frames both flow through it; Sync/Ack never reach it — they are
// consumed by the handshake machinery itself.
type ExtensionCallback interface {
	OnNegotiationRequest(node NodeToken, name string, version uint16)
	OnExtensionMessage(node NodeToken, name string, needEncryption bool, data []byte)
}

// Connection is a handshake-complete, session-bearing peer connection (spec
// §2, component 4: external interface only — the shape below is this
// module's concrete default, grounded on SagerNet-smux's Session: a mutex
// protected outbound queue drained one frame per Send call, rather than
// smux's goroutine-driven sendLoop, because this package's send() is an
// explicit caller-driven pull (see SPEC_FULL.md).
type Connection struct {
	stream Stream
	node   NodeToken

	mu      sync.Mutex
	session Session
	outbox  [][]byte
}

// newConnection wraps stream with session installed, ready to enqueue
// frames. node is set once the owning StreamToken is known.
func newConnection(stream Stream, session Session) *Connection {
	return &Connection{
		stream:  stream,
		session: session,
	}
}

// setNode records the NodeToken this connection is addressed by, numerically
// equal to its owning StreamToken (spec glossary: NodeToken).
func (c *Connection) setNode(node NodeToken) { c.node = node }

// Session returns the installed session.
func (c *Connection) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connection) enqueue(f frame) error {
	encoded, err := f.encode()
	if err != nil {
		return errors.Wrap(err, "p2p: encode frame")
	}
	c.mu.Lock()
	c.outbox = append(c.outbox, encoded)
	c.mu.Unlock()
	return nil
}

// EnqueueSync appends a Sync(nonce) frame, the first outbound frame of a
// client-side handshake.
func (c *Connection) EnqueueSync(nonce Nonce) error {
	return c.enqueue(frame{kind: frameSync, nonce: nonce})
}

// EnqueueAck appends an Ack frame, the first outbound frame after a
// server-side handshake succeeds.
func (c *Connection) EnqueueAck() error {
	return c.enqueue(frame{kind: frameAck})
}

// EnqueueNegotiationRequest appends a protocol negotiation request.
func (c *Connection) EnqueueNegotiationRequest(name string, version uint16) error {
	return c.enqueue(frame{kind: frameNegotiation, name: name, version: version})
}

// EnqueueExtensionMessage appends an extension payload. needEncryption is
// plumbed through for a future encrypted transport to honor; this package
// never encrypts (spec non-goal).
func (c *Connection) EnqueueExtensionMessage(name string, needEncryption bool, data []byte) error {
	return c.enqueue(frame{kind: frameExtension, name: name, needEncryption: needEncryption, payload: data})
}

// Send drains one queued frame to the socket. It reports true if a frame
// was written and more remain queued, false once the outbound queue is
// fully drained — the caller's signal to stop looping.
func (c *Connection) Send() (bool, error) {
	c.mu.Lock()
	if len(c.outbox) == 0 {
		c.mu.Unlock()
		return false, nil
	}
	next := c.outbox[0]
	c.outbox = c.outbox[1:]
	c.mu.Unlock()

	if _, err := c.stream.Write(next); err != nil {
		return false, errors.Wrap(err, "p2p: write frame")
	}

	c.mu.Lock()
	more := len(c.outbox) > 0
	c.mu.Unlock()
	return more, nil
}

// Receive decodes and dispatches at most one already-available frame. It
// reports true if a frame was consumed (the caller loops to drain further),
// false if nothing is currently available.
func (c *Connection) Receive(cb ExtensionCallback) (bool, error) {
	ready, err := c.stream.PollReadable(false)
	if err != nil {
		return false, errors.Wrap(err, "p2p: poll connection readable")
	}
	if !ready {
		return false, nil
	}

	f, err := readFrame(c.stream.Reader())
	if err != nil {
		return false, errors.Wrap(err, "p2p: read frame")
	}

	switch f.kind {
	case frameNegotiation:
		cb.OnNegotiationRequest(c.node, f.name, f.version)
	case frameExtension:
		cb.OnExtensionMessage(c.node, f.name, f.needEncryption, f.payload)
	case frameAck:
		// The handshake's closing frame; nothing to dispatch.
	case frameSync:
		// A second Sync on an established connection is a protocol
		// violation from a peer that shouldn't be sending one anymore.
		return true, errUnexpectedSync
	}
	return true, nil
}
