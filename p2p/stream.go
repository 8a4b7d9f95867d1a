package p2p

import (
	"bufio"
	"net"
	"time"
)

// Stream is a non-blocking TCP endpoint (spec §2, component 2: external).
// UnprocessedConnection and Connection read and write through it; the
// reactor loop polls it for readability without consuming bytes meant for
// the frame codec.
type Stream interface {
	// Reader returns the buffered reader frames are decoded from. Calling
	// PollReadable and decoding frames must both go through this same
	// reader so a readiness check never steals bytes from the codec.
	Reader() *bufio.Reader
	// Write writes b in full or returns an error; used by Connection.send.
	Write(b []byte) (int, error)
	// PollReadable reports whether at least one byte is available to read
	// without consuming it. With block=true it waits indefinitely for the
	// next byte (the reactor's "wait for this stream to become readable").
	// With block=false it checks once and returns immediately (the
	// Go stand-in for mio's edge-triggered "drain until would-block").
	PollReadable(block bool) (bool, error)
	RemoteAddr() SocketAddr
	Close() error
}

// tcpStream is the default Stream backed by a real TCP socket.
type tcpStream struct {
	conn   *net.TCPConn
	reader *bufio.Reader
	remote SocketAddr
}

func newTCPStream(conn *net.TCPConn, remote SocketAddr) *tcpStream {
	return &tcpStream{
		conn:   conn,
		reader: bufio.NewReader(conn),
		remote: remote,
	}
}

func (s *tcpStream) Reader() *bufio.Reader { return s.reader }

func (s *tcpStream) Write(b []byte) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Time{}); err != nil {
		return 0, err
	}
	return s.conn.Write(b)
}

func (s *tcpStream) PollReadable(block bool) (bool, error) {
	if block {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return false, err
		}
	} else {
		// A deadline already in the past makes the pending/next Read
		// return immediately with a timeout if no byte is queued yet —
		// the standard library's stand-in for a non-blocking poll.
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

func (s *tcpStream) RemoteAddr() SocketAddr { return s.remote }

func (s *tcpStream) Close() error { return s.conn.Close() }

// Listener is the TCP listener abstraction this package consumes (spec §2:
// external).
type Listener interface {
	Accept() (Stream, error)
	Addr() SocketAddr
	Close() error
}

type tcpListener struct {
	ln *net.TCPListener
}

// listen binds a TCP listener at addr.
func listen(addr SocketAddr) (*tcpListener, error) {
	tcpAddr := net.TCPAddrFromAddrPort(addr)
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept() (Stream, error) {
	conn, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	remote := conn.RemoteAddr().(*net.TCPAddr).AddrPort()
	return newTCPStream(conn, remote), nil
}

func (l *tcpListener) Addr() SocketAddr {
	return l.ln.Addr().(*net.TCPAddr).AddrPort()
}

func (l *tcpListener) Close() error { return l.ln.Close() }

// dialTCP opens an outbound connection to addr, blocking until the TCP
// connection is established or the dial fails.
func dialTCP(addr SocketAddr) (Stream, error) {
	conn, err := net.DialTCP("tcp", nil, net.TCPAddrFromAddrPort(addr))
	if err != nil {
		return nil, err
	}
	return newTCPStream(conn, addr), nil
}
