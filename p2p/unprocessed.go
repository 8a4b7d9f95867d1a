package p2p

import "github.com/pkg/errors"

// UnprocessedConnection wraps a Stream that has not yet completed the
// handshake (spec §2, component 3).
type UnprocessedConnection struct {
	stream Stream
}

func newUnprocessedConnection(stream Stream) *UnprocessedConnection {
	return &UnprocessedConnection{stream: stream}
}

// receive consumes available bytes looking for a complete Sync frame. It
// reports (session, true, nil) once a Sync with a nonce present in sessions
// is parsed, (zero, false, nil) if more bytes are still needed, and a
// non-nil error if the stream failed, the frame is malformed, or the nonce
// is not registered.
func (u *UnprocessedConnection) receive(sessions *sessionRegistry) (Session, bool, error) {
	ready, err := u.stream.PollReadable(false)
	if err != nil {
		return Session{}, false, errors.Wrap(err, "p2p: poll unprocessed stream")
	}
	if !ready {
		return Session{}, false, nil
	}

	f, err := readFrame(u.stream.Reader())
	if err != nil {
		return Session{}, false, errors.Wrap(err, "p2p: read handshake frame")
	}
	if f.kind != frameSync {
		return Session{}, false, errors.Errorf("p2p: expected sync frame, got kind %d", f.kind)
	}

	session, ok := sessions.byNonceLookup(f.nonce)
	if !ok {
		return Session{}, false, errors.New("p2p: sync nonce not registered")
	}
	return session, true, nil
}

// process consumes u and returns a fully initialized Connection wrapping
// the same stream with session installed. Must be called exactly once,
// after a successful receive.
func (u *UnprocessedConnection) process(session Session) *Connection {
	return newConnection(u.stream, session)
}
