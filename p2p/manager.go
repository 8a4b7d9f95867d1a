package p2p

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Manager owns the token allocators, the connection and handshake maps, and
// the session registry, and drives the handshake state machine described in
// spec §4.4. It carries no internal lock of its own — Handler (handler.go)
// is the single mutex that serializes every mutating call into it, per the
// "single-mutex Manager" design note.
type Manager struct {
	listener Listener

	tokens                 *TokenGenerator
	unprocessedTokens      map[StreamToken]struct{}
	connections            map[StreamToken]*Connection
	unprocessedConnections map[StreamToken]*UnprocessedConnection

	sessions *sessionRegistry

	waitingSyncTokens *TokenGenerator
	streamToTimer     map[StreamToken]TimerToken
	timerToStream     map[TimerToken]StreamToken
}

// NewManager binds cfg.ListenAddr and returns an empty Manager ready to
// accept and dial connections (spec §4.4: listen), with its token pools
// sized from cfg.MaxConnections/cfg.MaxSyncWaits.
func NewManager(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	ln, err := listen(cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: bind listener")
	}
	return &Manager{
		listener: ln,

		tokens:                 newTokenGenerator(int(FirstStreamToken), int(FirstStreamToken)+cfg.MaxConnections),
		unprocessedTokens:      make(map[StreamToken]struct{}),
		connections:            make(map[StreamToken]*Connection),
		unprocessedConnections: make(map[StreamToken]*UnprocessedConnection),

		sessions: newSessionRegistry(),

		waitingSyncTokens: newTokenGenerator(int(FirstTimerToken), int(FirstTimerToken)+cfg.MaxSyncWaits),
		streamToTimer:     make(map[StreamToken]TimerToken),
		timerToStream:     make(map[TimerToken]StreamToken),
	}, nil
}

// Addr reports the bound listen address.
func (m *Manager) Addr() SocketAddr { return m.listener.Addr() }

// Close shuts the listener down. It does not touch live connections; the
// caller is expected to have already deregistered them via the reactor.
func (m *Manager) Close() error { return m.listener.Close() }

func (m *Manager) registerUnprocessedConnection(stream Stream) (StreamToken, TimerToken, error) {
	rawToken, ok := m.tokens.gen()
	if !ok {
		return 0, 0, ErrTooManyConnections
	}
	token := StreamToken(rawToken)

	rawTimer, ok := m.waitingSyncTokens.gen()
	if !ok {
		restored := m.tokens.restore(rawToken)
		assert(restored, "stream token restore after failed timer allocation")
		return 0, 0, ErrTooManyWaitingSync
	}
	timer := TimerToken(rawTimer)

	assert(!tokenPresent(m.streamToTimer, token), "stream token already has a timer mapping")
	m.streamToTimer[token] = timer
	assert(!timerPresent(m.timerToStream, timer), "timer token already has a stream mapping")
	m.timerToStream[timer] = token

	assert(!connPresent(m.unprocessedConnections, token), "stream token already has an unprocessed connection")
	m.unprocessedConnections[token] = newUnprocessedConnection(stream)
	m.unprocessedTokens[token] = struct{}{}

	metricConnectionsPending.Inc(1)
	return token, timer, nil
}

func (m *Manager) registerConnection(conn *Connection, token StreamToken) {
	assert(!established(m.connections, token), "stream token already has an established connection")
	conn.setNode(token)
	m.connections[token] = conn
	metricConnectionsEstablished.Inc(1)
}

// Accept waits for the next connection on the listener and installs it as
// an UnprocessedConnection. Fails with ErrTooManyConnections or
// ErrTooManyWaitingSync when a token pool is saturated.
//
// Accept blocks on the listener socket itself (net.Listener.Accept has no
// non-blocking variant in the standard library, unlike the per-connection
// Stream.PollReadable this package builds elsewhere) — callers that also
// need to serialize other Manager access around a mutex should use
// AcceptRaw/InstallAccepted instead, so the blocking wait for the next peer
// never holds that mutex; see loopReactor.pollAccept.
func (m *Manager) Accept() (StreamToken, TimerToken, SocketAddr, error) {
	stream, remote, err := m.AcceptRaw()
	if err != nil {
		return 0, 0, SocketAddr{}, err
	}
	token, timer, err := m.InstallAccepted(stream, remote)
	if err != nil {
		return 0, 0, SocketAddr{}, err
	}
	return token, timer, remote, nil
}

// AcceptRaw blocks until the next peer connects (or the listener is
// closed), without touching any Manager state. It never needs to be
// called under the Handler mutex.
func (m *Manager) AcceptRaw() (Stream, SocketAddr, error) {
	stream, err := m.listener.Accept()
	if err != nil {
		metricAcceptFailures.Inc(1)
		return nil, SocketAddr{}, errors.Wrap(err, "p2p: accept connection")
	}
	return stream, stream.RemoteAddr(), nil
}

// InstallAccepted allocates tokens for an already-accepted stream and
// installs it as an UnprocessedConnection. This is the only part of
// accepting a connection that touches Manager state and must run under the
// Handler mutex.
func (m *Manager) InstallAccepted(stream Stream, remote SocketAddr) (StreamToken, TimerToken, error) {
	token, timer, err := m.registerUnprocessedConnection(stream)
	if err != nil {
		stream.Close()
		metricAcceptFailures.Inc(1)
		logrus.WithError(err).WithField("remote", remote).Warn("p2p: dropping accepted connection")
		return 0, 0, err
	}

	logrus.WithFields(logrus.Fields{"token": token, "timer": timer, "remote": remote}).Debug("p2p: accepted connection")
	return token, timer, nil
}

// Connect dials addr using its pre-registered session, enqueues the
// handshake's opening Sync frame, and installs the resulting Connection.
// Fails with ErrUnavailableSession if no session is registered for addr.
func (m *Manager) Connect(addr SocketAddr) (StreamToken, error) {
	session, ok := m.sessions.popByAddr(addr)
	if !ok {
		return 0, ErrUnavailableSession
	}

	stream, err := dialTCP(addr)
	if err != nil {
		return 0, errors.Wrap(err, "p2p: dial connection")
	}

	conn := newConnection(stream, session)
	if err := conn.EnqueueSync(session.Nonce); err != nil {
		stream.Close()
		return 0, err
	}

	rawToken, ok := m.tokens.gen()
	if !ok {
		stream.Close()
		return 0, ErrTooManyConnections
	}
	token := StreamToken(rawToken)
	m.registerConnection(conn, token)

	logrus.WithFields(logrus.Fields{"token": token, "remote": addr}).Debug("p2p: outbound connection established, sync enqueued")
	return token, nil
}

// RegisterSession inserts session under both addr and its nonce. Fails with
// ErrSessionAlreadyRegistered when addr already has a session registered.
func (m *Manager) RegisterSession(addr SocketAddr, session Session) error {
	return m.sessions.register(addr, session)
}

// Receive implements the hot path described in spec §4.4: dispatch to an
// established Connection, advance a pending handshake, or perform the
// UNPROCESSED -> PROCESSED transition. client.OnNodeAdded is invoked
// synchronously, within the caller's held lock, exactly once per completed
// handshake.
func (m *Manager) Receive(token StreamToken, cb ExtensionCallback, client Client) (bool, error) {
	if conn, ok := m.connections[token]; ok {
		return conn.Receive(cb)
	}

	unprocessed, ok := m.unprocessedConnections[token]
	if !ok {
		return false, &InvalidStreamError{Token: token}
	}

	session, complete, err := unprocessed.receive(m.sessions)
	if err != nil {
		return false, err
	}
	if !complete {
		return true, nil
	}

	// Sync parsed: perform the UNPROCESSED -> PROCESSED transition
	// atomically within the caller's held lock.
	evicted, ok := m.removeWaitingSyncByStreamToken(token)
	assert(ok, "unprocessed connection missing at handshake completion")
	assert(evicted == unprocessed, "stream token's unprocessed connection changed mid-receive")

	conn := unprocessed.process(session)
	if err := conn.EnqueueAck(); err != nil {
		return false, err
	}

	registered, ok := m.sessions.removeByNonce(session.Nonce)
	assert(ok, "session vanished between lookup and handshake completion")
	assert(registered.equal(session), "consumed session did not match the one chosen at lookup")

	m.registerConnection(conn, token)
	metricHandshakeSuccesses.Inc(1)

	client.OnNodeAdded(token)
	logrus.WithField("token", token).Debug("p2p: handshake complete, node added")
	return false, nil
}

// Send dispatches to the established Connection's Send.
func (m *Manager) Send(token StreamToken) (bool, error) {
	conn, ok := m.connections[token]
	if !ok {
		return false, &InvalidStreamError{Token: token}
	}
	return conn.Send()
}

// IsUnprocessed reports whether token still belongs to a pending handshake.
func (m *Manager) IsUnprocessed(token StreamToken) bool {
	_, ok := m.unprocessedTokens[token]
	return ok
}

// ConnectionByNode looks an established Connection up by NodeToken (numerically
// the same as StreamToken).
func (m *Manager) ConnectionByNode(node NodeToken) (*Connection, bool) {
	conn, ok := m.connections[node]
	return conn, ok
}

// StreamFor returns the raw Stream behind token, established or pending,
// for the reactor to register polling against.
func (m *Manager) StreamFor(token StreamToken) (Stream, bool) {
	if conn, ok := m.connections[token]; ok {
		return conn.stream, true
	}
	if unprocessed, ok := m.unprocessedConnections[token]; ok {
		return unprocessed.stream, true
	}
	return nil, false
}

// removeWaitingSyncByStreamToken removes both halves of the timer<->stream
// mapping and evicts the UnprocessedConnection, restoring its timer token.
// The stream token stays allocated: handshake completion reuses it for the
// Connection, and the eviction paths restore it themselves.
// Idempotent: a second call on an already-absent token is a no-op.
func (m *Manager) removeWaitingSyncByStreamToken(token StreamToken) (*UnprocessedConnection, bool) {
	timer, ok := m.streamToTimer[token]
	if !ok {
		return nil, false
	}
	delete(m.streamToTimer, token)

	_, ok = m.timerToStream[timer]
	assert(ok, "timer->stream mapping missing its inverse")
	delete(m.timerToStream, timer)

	restored := m.waitingSyncTokens.restore(int(timer))
	assert(restored, "timer token restore failed")

	delete(m.unprocessedTokens, token)

	unprocessed, ok := m.unprocessedConnections[token]
	assert(ok, "unprocessed connection missing for a token with a timer mapping")
	delete(m.unprocessedConnections, token)
	metricConnectionsPending.Dec(1)

	return unprocessed, true
}

// removeWaitingSyncByTimerToken is the dual of removeWaitingSyncByStreamToken,
// keyed from the timer side (the handshake-timeout path). Idempotent.
func (m *Manager) removeWaitingSyncByTimerToken(timer TimerToken) (StreamToken, *UnprocessedConnection, bool) {
	token, ok := m.timerToStream[timer]
	if !ok {
		return 0, nil, false
	}
	unprocessed, ok := m.removeWaitingSyncByStreamToken(token)
	assert(ok, "stream->timer mapping missing its inverse")
	return token, unprocessed, true
}

// EvictHandshakeTimeout is called by the Handler's timeout callback: it
// silently drops the unprocessed connection and frees both tokens.
func (m *Manager) EvictHandshakeTimeout(timer TimerToken) (StreamToken, bool) {
	token, unprocessed, ok := m.removeWaitingSyncByTimerToken(timer)
	if !ok {
		return 0, false
	}
	unprocessed.stream.Close()
	restored := m.tokens.restore(int(token))
	assert(restored, "stream token restore on handshake timeout")
	metricHandshakeTimeouts.Inc(1)
	logrus.WithFields(logrus.Fields{"token": token, "timer": timer}).Debug("p2p: handshake timed out")
	return token, true
}

// DeregisterConnection removes the established connection at token,
// restoring its stream token. It is a programming error to call this for a
// token that isn't established.
func (m *Manager) DeregisterConnection(token StreamToken) {
	_, ok := m.connections[token]
	assert(ok, "deregistering an established connection that isn't registered")
	delete(m.connections, token)
	restored := m.tokens.restore(int(token))
	assert(restored, "stream token restore on connection deregistration")
	metricConnectionsEstablished.Dec(1)
}

// DeregisterUnprocessedConnection removes the pending handshake at token. If
// its timer hasn't fired yet, this also disarms it.
func (m *Manager) DeregisterUnprocessedConnection(token StreamToken) {
	if _, ok := m.removeWaitingSyncByStreamToken(token); ok {
		restored := m.tokens.restore(int(token))
		assert(restored, "stream token restore on unprocessed deregistration")
		return
	}
	// Already reaped by the handshake timer racing this call.
}

func tokenPresent(m map[StreamToken]TimerToken, t StreamToken) bool { _, ok := m[t]; return ok }
func timerPresent(m map[TimerToken]StreamToken, t TimerToken) bool  { _, ok := m[t]; return ok }
func connPresent(m map[StreamToken]*UnprocessedConnection, t StreamToken) bool {
	_, ok := m[t]
	return ok
}
func established(m map[StreamToken]*Connection, t StreamToken) bool { _, ok := m[t]; return ok }
