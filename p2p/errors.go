package p2p

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel General errors. Capacity and duplicate-registration failures all
// resolve to one of these; callers compare with errors.Is.
var (
	ErrTooManyConnections       = errors.New("p2p: too many connections")
	ErrTooManyWaitingSync       = errors.New("p2p: too many waiting handshakes")
	ErrSessionAlreadyRegistered = errors.New("p2p: session already registered")
	ErrUnavailableSession       = errors.New("p2p: no session registered for address")
	ErrCannotCreateConnection   = errors.New("p2p: cannot create connection")

	errUnexpectedSync = errors.New("p2p: unexpected sync frame on established connection")
	errUnknownMessage = errors.New("p2p: unknown message variant")
)

// InvalidStreamError reports an operation against a StreamToken the Manager
// does not currently own.
type InvalidStreamError struct {
	Token StreamToken
}

func (e *InvalidStreamError) Error() string {
	return fmt.Sprintf("p2p: invalid stream token %d", e.Token)
}

// InvalidNodeError reports an operation against a NodeToken the Handler does
// not currently have a connection for.
type InvalidNodeError struct {
	Token NodeToken
}

func (e *InvalidNodeError) Error() string {
	return fmt.Sprintf("p2p: invalid node token %d", e.Token)
}

// assert panics on a violated internal invariant. Go has no separate
// debug/release build, so unlike the Rust original's debug_assert! this
// always aborts rather than being elided in a "release" build; see
// DESIGN.md.
func assert(cond bool, msg string) {
	if !cond {
		panic("p2p: invariant violated: " + msg)
	}
}
