package p2p

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WaitSyncTimeout is the default handshake deadline armed on every accept
// (spec §6.5: WAIT_SYNC_MS), used when Config.WaitSync is left at zero.
const WaitSyncTimeout = 10 * time.Second

// Reactor is the event loop this package consumes (spec §6.2). The default
// implementation lives in loop.go.
type Reactor interface {
	RegisterStream(token StreamToken)
	UpdateRegistration(token StreamToken)
	DeregisterStream(token StreamToken)
	RegisterTimerOnce(timer TimerToken, after time.Duration)
}

// Message is the tagged union of upper-layer commands delivered on the
// reactor's message channel (spec §6.1). Each concrete type below is one
// variant; Handler.Message type-switches on it.
type Message interface {
	isMessage()
}

// RegisterSession registers a pre-negotiated session for an inbound
// handshake from addr.
type RegisterSession struct {
	Addr    SocketAddr
	Session Session
}

// RequestConnection best-effort registers session for addr and dials out.
type RequestConnection struct {
	Addr    SocketAddr
	Session Session
}

// RequestNegotiation asks the Connection addressed by Node to send a
// protocol negotiation request.
type RequestNegotiation struct {
	Node    NodeToken
	Name    string
	Version uint16
}

// SendExtensionMessage asks the Connection addressed by Node to send an
// extension frame.
type SendExtensionMessage struct {
	Node           NodeToken
	Name           string
	NeedEncryption bool
	Data           []byte
}

func (RegisterSession) isMessage()      {}
func (RequestConnection) isMessage()    {}
func (RequestNegotiation) isMessage()   {}
func (SendExtensionMessage) isMessage() {}

// Handler is the thread-safe reactor-event façade (spec §4.5, component 7):
// it serializes every callback on a single mutex around the Manager and
// owns the read-heavy NodeToken<->SocketAddr directory behind its own
// reader/writer lock (spec §5: "two directory maps... sit behind a
// reader/writer lock").
type Handler struct {
	mu       sync.Mutex
	manager  *Manager
	client   Client
	reactor  Reactor
	cb       ExtensionCallback
	waitSync time.Duration

	dirMu      sync.RWMutex
	nodeToAddr map[NodeToken]SocketAddr
	addrToNode map[SocketAddr]NodeToken
}

// NewHandler wires a Manager, upper-layer Client, extension callback, and
// Reactor together. waitSync is the handshake deadline armed on every
// accept; pass Config.WaitSync (or WaitSyncTimeout for its default). Call
// Initialize once the reactor is ready to receive registrations.
func NewHandler(manager *Manager, client Client, cb ExtensionCallback, reactor Reactor, waitSync time.Duration) *Handler {
	if waitSync <= 0 {
		waitSync = WaitSyncTimeout
	}
	return &Handler{
		manager:    manager,
		client:     client,
		cb:         cb,
		reactor:    reactor,
		waitSync:   waitSync,
		nodeToAddr: make(map[NodeToken]SocketAddr),
		addrToNode: make(map[SocketAddr]NodeToken),
	}
}

// Initialize registers the listening socket under AcceptToken.
func (h *Handler) Initialize() {
	h.reactor.RegisterStream(StreamToken(AcceptToken))
	logrus.Debug("p2p: handler initialized, listener registered")
}

func (h *Handler) insertDirectory(node NodeToken, addr SocketAddr) {
	h.dirMu.Lock()
	h.nodeToAddr[node] = addr
	h.addrToNode[addr] = node
	h.dirMu.Unlock()
}

func (h *Handler) removeDirectory(node NodeToken) {
	h.dirMu.Lock()
	if addr, ok := h.nodeToAddr[node]; ok {
		delete(h.nodeToAddr, node)
		delete(h.addrToNode, addr)
	}
	h.dirMu.Unlock()
}

// AddrOf looks a node's socket address up through the read-only directory
// projection (spec §4, component 8: AddressConverter). Safe for concurrent
// use from any upper-layer goroutine.
func (h *Handler) AddrOf(node NodeToken) (SocketAddr, bool) {
	h.dirMu.RLock()
	defer h.dirMu.RUnlock()
	addr, ok := h.nodeToAddr[node]
	return addr, ok
}

// NodeOf is the inverse projection of AddrOf.
func (h *Handler) NodeOf(addr SocketAddr) (NodeToken, bool) {
	h.dirMu.RLock()
	defer h.dirMu.RUnlock()
	node, ok := h.addrToNode[addr]
	return node, ok
}

// StreamReadable loops Manager.Receive for an established/pending
// connection token until it signals no more to read (spec §4.5 table). The
// AcceptToken case is driven separately by AcceptOne, since listener.Accept
// blocks on the socket itself rather than polling a buffered stream; see
// loopReactor.pollAccept.
func (h *Handler) StreamReadable(token StreamToken) {
	h.mu.Lock()
	for {
		more, err := h.manager.Receive(token, h.cb, h.client)
		if err != nil {
			logrus.WithError(err).WithField("token", token).Warn("p2p: receive failed")
			break
		}
		if !more {
			break
		}
	}
	h.mu.Unlock()

	h.reactor.UpdateRegistration(token)
}

// AcceptOne installs one already-accepted stream (spec §4.5:
// "stream_readable(ACCEPT_TOKEN)... accept() -> reactor-register the new
// stream -> arm timer -> insert into node directory"). The blocking wait
// for the next peer happens in the caller (Manager.AcceptRaw), outside any
// mutex; only the bookkeeping here needs one.
func (h *Handler) AcceptOne(stream Stream, remote SocketAddr) error {
	h.mu.Lock()
	token, timer, err := h.manager.InstallAccepted(stream, remote)
	h.mu.Unlock()
	if err != nil {
		return err
	}

	h.reactor.RegisterStream(token)
	h.reactor.RegisterTimerOnce(timer, h.waitSync)
	h.insertDirectory(NodeToken(token), remote)
	return nil
}

// StreamWritable drains the outbound queue for an established connection;
// unprocessed tokens never have anything to write (spec §4.4: "no-op at
// the Handler level").
func (h *Handler) StreamWritable(token StreamToken) {
	h.mu.Lock()
	if h.manager.IsUnprocessed(token) {
		h.mu.Unlock()
		return
	}

	for {
		more, err := h.manager.Send(token)
		if err != nil {
			logrus.WithError(err).WithField("token", token).Warn("p2p: send failed")
			break
		}
		if !more {
			break
		}
	}
	h.mu.Unlock()

	h.reactor.UpdateRegistration(token)
}

// StreamHup removes the token's directory entries and deregisters it from
// the reactor, which cascades into the matching Manager-side eviction.
func (h *Handler) StreamHup(token StreamToken) {
	h.removeDirectory(NodeToken(token))
	h.reactor.DeregisterStream(token)
}

// Timeout evicts a handshake that never completed (spec §4.4:
// "timer fires -> DESTROYED (silent drop)").
func (h *Handler) Timeout(timer TimerToken) {
	h.mu.Lock()
	token, ok := h.manager.EvictHandshakeTimeout(timer)
	h.mu.Unlock()

	if ok {
		h.removeDirectory(NodeToken(token))
		h.reactor.DeregisterStream(token)
	}
}

// RegisterStream, UpdateStream and DeregisterStream fan reactor-side
// registration changes into the Manager, consulting it to tell a processed
// slot apart from an unprocessed one on teardown (spec §4.5 table, last
// row).
func (h *Handler) RegisterStream(token StreamToken) {
	h.reactor.RegisterStream(token)
}

func (h *Handler) UpdateStream(token StreamToken) {
	h.reactor.UpdateRegistration(token)
}

func (h *Handler) DeregisterStream(token StreamToken) {
	h.mu.Lock()
	if h.manager.IsUnprocessed(token) {
		h.manager.DeregisterUnprocessedConnection(token)
	} else if _, ok := h.manager.ConnectionByNode(token); ok {
		h.manager.DeregisterConnection(token)
	}
	// Otherwise the slot was already reaped (e.g. by the handshake timer).
	h.mu.Unlock()
}

// Message dispatches one upper-layer command (spec §4.5, "message" row and
// its dispatch table).
func (h *Handler) Message(msg Message) error {
	switch m := msg.(type) {
	case RegisterSession:
		h.mu.Lock()
		err := h.manager.RegisterSession(m.Addr, m.Session)
		h.mu.Unlock()
		return err

	case RequestConnection:
		h.mu.Lock()
		if err := h.manager.RegisterSession(m.Addr, m.Session); err != nil {
			// Best-effort: a session already registered for this peer is
			// fine, connect() will consume whichever one is there.
			logrus.WithError(err).WithField("addr", m.Addr).Debug("p2p: RequestConnection session already registered")
		}
		token, err := h.manager.Connect(m.Addr)
		h.mu.Unlock()
		if err != nil {
			return err
		}

		h.reactor.RegisterStream(token)
		h.insertDirectory(NodeToken(token), m.Addr)
		return nil

	case RequestNegotiation:
		h.mu.Lock()
		conn, ok := h.manager.ConnectionByNode(m.Node)
		if !ok {
			h.mu.Unlock()
			return &InvalidNodeError{Token: m.Node}
		}
		err := conn.EnqueueNegotiationRequest(m.Name, m.Version)
		h.mu.Unlock()
		if err != nil {
			return err
		}
		h.reactor.UpdateRegistration(StreamToken(m.Node))
		return nil

	case SendExtensionMessage:
		h.mu.Lock()
		conn, ok := h.manager.ConnectionByNode(m.Node)
		if !ok {
			h.mu.Unlock()
			return &InvalidNodeError{Token: m.Node}
		}
		err := conn.EnqueueExtensionMessage(m.Name, m.NeedEncryption, m.Data)
		h.mu.Unlock()
		if err != nil {
			return err
		}
		h.reactor.UpdateRegistration(StreamToken(m.Node))
		return nil

	default:
		return errUnknownMessage
	}
}
