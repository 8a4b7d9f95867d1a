package p2p

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingCallback struct {
	negotiations []string
	extensions   []string
}

func (r *recordingCallback) OnNegotiationRequest(node NodeToken, name string, version uint16) {
	r.negotiations = append(r.negotiations, name)
}

func (r *recordingCallback) OnExtensionMessage(node NodeToken, name string, needEncryption bool, data []byte) {
	r.extensions = append(r.extensions, name)
}

func newConnPair(t *testing.T) (*Connection, *pipeStream) {
	t.Helper()
	local, remote := loopbackPair(t)
	conn := newConnection(newPipeStream(local, testAddr(1)), sessionFor("k", "n"))
	conn.setNode(StreamToken(1))
	return conn, newPipeStream(remote, testAddr(2))
}

func TestConnectionSendDrainsOutboxInOrder(t *testing.T) {
	conn, peer := newConnPair(t)
	require.NoError(t, conn.EnqueueAck())
	require.NoError(t, conn.EnqueueNegotiationRequest("eth", 66))

	more, err := conn.Send()
	require.NoError(t, err)
	require.True(t, more)

	more, err = conn.Send()
	require.NoError(t, err)
	require.False(t, more)

	first, err := readFrame(peer.Reader())
	require.NoError(t, err)
	require.Equal(t, frameAck, first.kind)

	second, err := readFrame(peer.Reader())
	require.NoError(t, err)
	require.Equal(t, frameNegotiation, second.kind)
}

func TestConnectionSendOnEmptyOutboxIsNoop(t *testing.T) {
	conn, _ := newConnPair(t)
	more, err := conn.Send()
	require.NoError(t, err)
	require.False(t, more)
}

func TestConnectionReceiveDispatchesExtension(t *testing.T) {
	conn, peer := newConnPair(t)
	cb := &recordingCallback{}

	encoded, err := frame{kind: frameExtension, name: "gossip", payload: []byte("hi")}.encode()
	require.NoError(t, err)
	_, err = peer.conn.Write(encoded)
	require.NoError(t, err)

	consumed, err := conn.Receive(cb)
	require.NoError(t, err)
	require.True(t, consumed)
	require.Equal(t, []string{"gossip"}, cb.extensions)
}

func TestConnectionReceiveNothingAvailable(t *testing.T) {
	conn, _ := newConnPair(t)
	cb := &recordingCallback{}

	consumed, err := conn.Receive(cb)
	require.NoError(t, err)
	require.False(t, consumed)
}

func TestConnectionReceiveRejectsSecondSync(t *testing.T) {
	conn, peer := newConnPair(t)
	cb := &recordingCallback{}

	nonce := bytes.Repeat([]byte{1}, nonceSize)
	encoded, err := frame{kind: frameSync, nonce: Nonce(nonce)}.encode()
	require.NoError(t, err)
	_, err = peer.conn.Write(encoded)
	require.NoError(t, err)

	consumed, err := conn.Receive(cb)
	require.True(t, consumed)
	require.ErrorIs(t, err, errUnexpectedSync)
}
