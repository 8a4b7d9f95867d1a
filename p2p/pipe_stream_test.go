package p2p

import (
	"bufio"
	"net"
	"net/netip"
	"time"
)

// pipeStream adapts a net.Conn (one half of a loopbackPair, in every test
// that uses this) to the Stream interface, so Connection/
// UnprocessedConnection/Manager logic can be exercised without a real
// listening socket for the Manager side. Grounded on the connection-fake
// pattern SPEC_FULL.md's Test tooling section calls for.
type pipeStream struct {
	conn   net.Conn
	reader *bufio.Reader
	remote SocketAddr
}

func newPipeStream(conn net.Conn, remote SocketAddr) *pipeStream {
	return &pipeStream{conn: conn, reader: bufio.NewReader(conn), remote: remote}
}

func (s *pipeStream) Reader() *bufio.Reader { return s.reader }

func (s *pipeStream) Write(b []byte) (int, error) {
	return s.conn.Write(b)
}

func (s *pipeStream) PollReadable(block bool) (bool, error) {
	if block {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return false, err
		}
	} else {
		if err := s.conn.SetReadDeadline(time.Now()); err != nil {
			return false, err
		}
	}

	if s.reader.Buffered() > 0 {
		return true, nil
	}
	_, err := s.reader.Peek(1)
	if err == nil {
		return true, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false, nil
	}
	return false, err
}

func (s *pipeStream) RemoteAddr() SocketAddr { return s.remote }

func (s *pipeStream) Close() error { return s.conn.Close() }

func testAddr(port uint16) SocketAddr {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

// loopbackPair opens a real TCP loopback connection. Unlike net.Pipe, the
// kernel buffers writes, so a writer goroutine can complete without a
// concurrently blocked reader — needed anywhere a test writes bytes and
// then calls a non-blocking PollReadable(false) path afterwards.
func loopbackPair(t testingT) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("loopback listen: %v", err)
	}
	defer ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		accepted <- acceptResult{c, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("loopback dial: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatalf("loopback accept: %v", res.err)
	}
	return client, res.conn
}

// testingT is the subset of *testing.T this helper needs, so it can be
// called from table-driven helpers without importing testing into every
// call site's signature.
type testingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}
