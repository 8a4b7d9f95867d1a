package p2p

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeListener hands out pipeStream-wrapped loopback connections without a
// real bound TCP port, so Manager tests can drive accept() deterministically.
type fakeListener struct {
	addr    SocketAddr
	pending chan Stream
	closed  chan struct{}
}

func newFakeListener(addr SocketAddr) *fakeListener {
	return &fakeListener{addr: addr, pending: make(chan Stream, 8), closed: make(chan struct{})}
}

// dial simulates a peer connecting in: it creates a loopback pair, queues
// the server half for the next Accept, and returns the client half for the
// test to write/read against.
func (l *fakeListener) dial(t *testing.T, remote SocketAddr) net.Conn {
	t.Helper()
	client, server := loopbackPair(t)
	l.pending <- newPipeStream(server, remote)
	return client
}

func (l *fakeListener) Accept() (Stream, error) {
	select {
	case s := <-l.pending:
		return s, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *fakeListener) Addr() SocketAddr { return l.addr }

func (l *fakeListener) Close() error {
	close(l.closed)
	return nil
}

func newTestManager(ln Listener) *Manager {
	return &Manager{
		listener: ln,

		tokens:                 newTokenGenerator(int(FirstStreamToken), int(lastStreamToken)),
		unprocessedTokens:      make(map[StreamToken]struct{}),
		connections:            make(map[StreamToken]*Connection),
		unprocessedConnections: make(map[StreamToken]*UnprocessedConnection),

		sessions: newSessionRegistry(),

		waitingSyncTokens: newTokenGenerator(int(FirstTimerToken), int(lastTimerToken)),
		streamToTimer:     make(map[StreamToken]TimerToken),
		timerToStream:     make(map[TimerToken]StreamToken),
	}
}

type recordingClient struct {
	added []NodeToken
}

func (c *recordingClient) OnNodeAdded(node NodeToken) { c.added = append(c.added, node) }

func TestManagerAcceptInstallsUnprocessedConnection(t *testing.T) {
	ln := newFakeListener(testAddr(30303))
	m := newTestManager(ln)
	ln.dial(t, testAddr(1))

	token, timer, _, err := m.Accept()
	require.NoError(t, err)
	require.True(t, m.IsUnprocessed(token))
	require.Equal(t, 1, m.tokens.len())
	require.Equal(t, 1, m.waitingSyncTokens.len())

	mapped, ok := m.streamToTimer[token]
	require.True(t, ok)
	require.Equal(t, timer, mapped)
}

// S1: inbound happy path.
func TestManagerInboundHandshakeCompletesAndNotifiesClient(t *testing.T) {
	ln := newFakeListener(testAddr(30303))
	m := newTestManager(ln)
	peerConn := ln.dial(t, testAddr(7))

	nonce := bytes.Repeat([]byte{5}, nonceSize)
	session := Session{Secret: []byte("K"), Nonce: Nonce(nonce)}
	require.NoError(t, m.RegisterSession(testAddr(7), session))

	token, _, _, err := m.Accept()
	require.NoError(t, err)

	encoded, err := frame{kind: frameSync, nonce: Nonce(nonce)}.encode()
	require.NoError(t, err)
	_, err = peerConn.Write(encoded)
	require.NoError(t, err)

	client := &recordingClient{}
	cb := &recordingCallback{}

	more, err := m.Receive(token, cb, client)
	require.NoError(t, err)
	require.False(t, more)

	require.Equal(t, []NodeToken{token}, client.added)
	require.False(t, m.IsUnprocessed(token))

	conn, ok := m.ConnectionByNode(token)
	require.True(t, ok)
	require.True(t, conn.Session().equal(session))

	_, ok = m.sessions.byNonceLookup(Nonce(nonce))
	require.False(t, ok, "S1: registered_sessions no longer contains the consumed nonce")

	// The handshake's Ack should now be queued for transmission.
	moreToSend, err := m.Send(token)
	require.NoError(t, err)
	require.False(t, moreToSend)
}

// S2: handshake timeout.
func TestManagerEvictHandshakeTimeoutFreesTokens(t *testing.T) {
	ln := newFakeListener(testAddr(30303))
	m := newTestManager(ln)
	ln.dial(t, testAddr(1))

	token, timer, _, err := m.Accept()
	require.NoError(t, err)

	evictedToken, ok := m.EvictHandshakeTimeout(timer)
	require.True(t, ok)
	require.Equal(t, token, evictedToken)

	require.False(t, m.IsUnprocessed(token))
	require.Equal(t, 0, m.tokens.len())
	require.Equal(t, 0, m.waitingSyncTokens.len())

	// Idempotent: firing again (e.g. a racing deregister) is a no-op.
	_, ok = m.EvictHandshakeTimeout(timer)
	require.False(t, ok)
}

// S3: outbound path — exercised against a real loopback listener since
// Connect dials out for real.
func TestManagerConnectEnqueuesSyncAndSkipsTimer(t *testing.T) {
	realLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer realLn.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, _ := realLn.Accept()
		acceptedCh <- c
	}()

	tcpLn, err := listen(testAddr(0))
	require.NoError(t, err)
	defer tcpLn.Close()
	m := newTestManager(tcpLn)

	addr := realLn.Addr().(*net.TCPAddr).AddrPort()
	nonce := bytes.Repeat([]byte{3}, nonceSize)
	session := Session{Secret: []byte("K"), Nonce: Nonce(nonce)}
	require.NoError(t, m.RegisterSession(addr, session))

	token, err := m.Connect(addr)
	require.NoError(t, err)
	require.False(t, m.IsUnprocessed(token))
	_, hasTimer := m.streamToTimer[token]
	require.False(t, hasTimer, "S3: outbound tokens start directly in PROCESSED, no timer armed")

	// Connect only enqueues the Sync; flush it so the peer can read it.
	more, err := m.Send(token)
	require.NoError(t, err)
	require.False(t, more)

	server := <-acceptedCh
	defer server.Close()

	f, err := readFrame(bufio.NewReader(server))
	require.NoError(t, err)
	require.Equal(t, frameSync, f.kind)
	require.Equal(t, nonce, []byte(f.nonce))
}

// S4: capacity saturation.
func TestManagerAcceptFailsAtCapacity(t *testing.T) {
	ln := newFakeListener(testAddr(30303))
	m := newTestManager(ln)

	// Each peer completes its handshake, freeing its timer token, so only
	// the stream-token pool limits how many connections fit.
	for i := 0; i < MaxConnections; i++ {
		remote := testAddr(uint16(i + 1))
		nonce := Nonce(bytes.Repeat([]byte{byte(i + 1)}, nonceSize))
		require.NoError(t, m.RegisterSession(remote, Session{Secret: []byte("K"), Nonce: nonce}))
		peer := ln.dial(t, remote)
		token, _, _, err := m.Accept()
		require.NoError(t, err)

		encoded, err := frame{kind: frameSync, nonce: nonce}.encode()
		require.NoError(t, err)
		_, err = peer.Write(encoded)
		require.NoError(t, err)
		for more := true; more; {
			more, err = m.Receive(token, &recordingCallback{}, &recordingClient{})
			require.NoError(t, err)
		}
		require.False(t, m.IsUnprocessed(token))
	}

	ln.dial(t, testAddr(999))
	_, _, _, err := m.Accept()
	require.ErrorIs(t, err, ErrTooManyConnections)
	require.Equal(t, MaxConnections, m.tokens.len())
}

// S5: duplicate session.
func TestManagerRegisterSessionDuplicateFails(t *testing.T) {
	ln := newFakeListener(testAddr(30303))
	m := newTestManager(ln)
	addr := testAddr(7)

	require.NoError(t, m.RegisterSession(addr, sessionFor("k1", "n1")))
	err := m.RegisterSession(addr, sessionFor("k2", "n2"))
	require.ErrorIs(t, err, ErrSessionAlreadyRegistered)
}

// S6: hangup before handshake.
func TestManagerDeregisterUnprocessedBeforeHandshake(t *testing.T) {
	ln := newFakeListener(testAddr(30303))
	m := newTestManager(ln)
	ln.dial(t, testAddr(1))

	token, _, _, err := m.Accept()
	require.NoError(t, err)

	m.DeregisterUnprocessedConnection(token)

	require.False(t, m.IsUnprocessed(token))
	require.Equal(t, 0, m.tokens.len())
	require.Equal(t, 0, m.waitingSyncTokens.len())
	require.Len(t, m.streamToTimer, 0)
	require.Len(t, m.timerToStream, 0)
}
