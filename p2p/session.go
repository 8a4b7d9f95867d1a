package p2p

import (
	"net/netip"
)

// SocketAddr addresses a remote peer. netip.AddrPort is comparable, making
// it usable directly as a map key for both session and directory lookups.
type SocketAddr = netip.AddrPort

// Nonce uniquely identifies a Session. It is the primary key for session
// lookup at handshake time.
type Nonce []byte

func (n Nonce) key() string { return string(n) }

// Session is a secret/nonce pair produced by an out-of-band negotiation
// subsystem; it unlocks exactly one handshake.
type Session struct {
	Secret []byte
	Nonce  Nonce
}

// equal reports whether two sessions carry the same secret and nonce. Used
// to assert that the session consumed by a completed handshake is the one
// that was registered, guarding against a nonce collision upstream.
func (s Session) equal(other Session) bool {
	if len(s.Secret) != len(other.Secret) || s.Nonce.key() != other.Nonce.key() {
		return false
	}
	for i := range s.Secret {
		if s.Secret[i] != other.Secret[i] {
			return false
		}
	}
	return true
}

// sessionRegistry is the two-way lookup from peer address and from nonce to
// a pre-negotiated Session (spec §4: "SessionTable & registered-sessions
// index"). A session registered for inbound use lives in both byNonce and
// byAddr until it is consumed by a completed handshake or popped by an
// outbound connect.
type sessionRegistry struct {
	byNonce map[string]Session
	byAddr  map[SocketAddr]Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byNonce: make(map[string]Session),
		byAddr:  make(map[SocketAddr]Session),
	}
}

// register inserts session under both addr and its nonce. It fails if addr
// already has a session registered (spec: SessionAlreadyRegistered).
func (r *sessionRegistry) register(addr SocketAddr, session Session) error {
	if _, exists := r.byAddr[addr]; exists {
		return ErrSessionAlreadyRegistered
	}
	r.byNonce[session.Nonce.key()] = session
	r.byAddr[addr] = session
	return nil
}

// popByAddr removes and returns the session registered for addr, used by
// connect() which consumes the session to dial out. It only clears the
// address index: registered_sessions (byNonce) stays a superset until an
// inbound handshake actually consumes the nonce, per invariant 4 — an
// outbound connect never completes an inbound Sync, so the leftover nonce
// entry is inert, not reused.
func (r *sessionRegistry) popByAddr(addr SocketAddr) (Session, bool) {
	session, ok := r.byAddr[addr]
	if !ok {
		return Session{}, false
	}
	delete(r.byAddr, addr)
	return session, true
}

// removeByNonce removes and returns the session registered under nonce,
// used at inbound handshake completion. Per invariant 4 a session consumed
// by a completed handshake is removed from both indexes.
func (r *sessionRegistry) removeByNonce(nonce Nonce) (Session, bool) {
	session, ok := r.byNonce[nonce.key()]
	if !ok {
		return Session{}, false
	}
	delete(r.byNonce, nonce.key())
	delete(r.byAddr, r.addrOf(session))
	return session, true
}

// addrOf finds the address a session is registered under. Sessions are few
// at a time (bounded by MaxSyncWaits-sized inbound traffic in practice) so a
// linear scan is acceptable and keeps byAddr a plain map instead of needing
// a second reverse index.
func (r *sessionRegistry) addrOf(session Session) SocketAddr {
	for addr, s := range r.byAddr {
		if s.Nonce.key() == session.Nonce.key() {
			return addr
		}
	}
	return SocketAddr{}
}

// byNonceLookup reports whether nonce has a registered session, without
// removing it. Used by UnprocessedConnection.receive to validate an inbound
// Sync frame before the Manager commits to the handshake transition.
func (r *sessionRegistry) byNonceLookup(nonce Nonce) (Session, bool) {
	session, ok := r.byNonce[nonce.key()]
	return session, ok
}

// contains reports whether addr already has a session registered.
func (r *sessionRegistry) contains(addr SocketAddr) bool {
	_, ok := r.byAddr[addr]
	return ok
}
