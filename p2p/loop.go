package p2p

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// eventKind tags what woke the dispatcher for a given token (spec §4.5:
// readable/writable/hup/timer).
type eventKind int

const (
	eventReadable eventKind = iota
	eventWritable
	eventHup
	eventTimeout
)

type loopEvent struct {
	kind  eventKind
	token StreamToken
	timer TimerToken
}

// loopReactor is the default Reactor (SPEC_FULL.md "Supplemented
// components"): one goroutine per registered stream token blocking on
// PollReadable(true), fanning events into a single channel drained by one
// dispatcher goroutine that calls back into the Handler — so every Handler
// callback except AcceptOne, which pollAccept calls from its own goroutine,
// executes on a single logical thread (spec §5), without an epoll syscall
// layer, which has no grounding anywhere in the
// retrieved corpus.
type loopReactor struct {
	manager *Manager
	handler *Handler

	events chan loopEvent

	mu      sync.Mutex
	cancels map[StreamToken]chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// newLoopReactor wires manager and handler together behind a default
// goroutine-based event loop. Call Run to start the dispatcher, then
// handler.Initialize() to register the listener.
func newLoopReactor(manager *Manager) *loopReactor {
	return &loopReactor{
		manager: manager,
		events:  make(chan loopEvent, 64),
		cancels: make(map[StreamToken]chan struct{}),
		stop:    make(chan struct{}),
	}
}

// bind completes construction once the Handler that owns this reactor
// exists (Handler and Reactor are mutually referential by design).
func (l *loopReactor) bind(handler *Handler) { l.handler = handler }

// Run starts the single dispatcher goroutine that every non-accept poller
// feeds. The accept-token poller itself is started by Handler.Initialize
// calling RegisterStream, per spec §4.5's "initialize" callback. It returns
// immediately; call Stop to tear both down.
func (l *loopReactor) Run() {
	l.wg.Add(1)
	go l.dispatch()
}

// Stop halts every poller goroutine and the dispatcher, then waits for them
// to exit.
func (l *loopReactor) Stop() {
	close(l.stop)
	l.wg.Wait()
}

func (l *loopReactor) dispatch() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.events:
			l.handle(ev)
		case <-l.stop:
			return
		}
	}
}

func (l *loopReactor) handle(ev loopEvent) {
	switch ev.kind {
	case eventReadable:
		l.handler.StreamReadable(ev.token)
	case eventWritable:
		l.handler.StreamWritable(ev.token)
	case eventHup:
		l.handler.StreamHup(ev.token)
	case eventTimeout:
		l.handler.Timeout(ev.timer)
	}
}

// RegisterStream starts a poller goroutine for token. AcceptToken gets the
// dedicated pollAccept loop; every other token gets the generic
// PollReadable(true) loop.
func (l *loopReactor) RegisterStream(token StreamToken) {
	cancel := make(chan struct{})

	l.mu.Lock()
	if _, exists := l.cancels[token]; exists {
		l.mu.Unlock()
		return
	}
	l.cancels[token] = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.poll(token, cancel)
}

func (l *loopReactor) poll(token StreamToken, cancel chan struct{}) {
	defer l.wg.Done()

	if TimerToken(token) == AcceptToken {
		l.pollAccept(cancel)
		return
	}

	for {
		select {
		case <-cancel:
			return
		case <-l.stop:
			return
		default:
		}

		stream, ready := l.manager.StreamFor(token)
		if !ready {
			return
		}

		ok, err := stream.PollReadable(true)
		if err != nil {
			select {
			case l.events <- loopEvent{kind: eventHup, token: token}:
			case <-l.stop:
			}
			return
		}
		if ok {
			select {
			case l.events <- loopEvent{kind: eventReadable, token: token}:
			case <-l.stop:
				return
			}
		}

		// Re-poll only after the Handler has had a chance to drain and
		// call UpdateRegistration; a short yield avoids a busy spin when
		// the peer is pushing data faster than the dispatcher drains it.
		select {
		case <-cancel:
			return
		case <-l.stop:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// pollAccept has no peekable byte stream to poll: net.Listener.Accept
// itself blocks until a peer connects, so this goroutine calls it directly
// in a loop and drives Handler.AcceptOne for each new stream, rather than
// going through the event channel and risking the single dispatcher
// goroutine blocking forever inside a blocking Accept call.
func (l *loopReactor) pollAccept(cancel chan struct{}) {
	for {
		select {
		case <-cancel:
			return
		case <-l.stop:
			return
		default:
		}

		stream, remote, err := l.manager.AcceptRaw()
		if err != nil {
			// Listener closed or fatally broken; nothing left to poll.
			return
		}

		if err := l.handler.AcceptOne(stream, remote); err != nil {
			logrus.WithError(err).WithField("remote", remote).Warn("p2p: failed to install accepted stream")
		}
	}
}

// UpdateRegistration is a no-op in this reactor: the poller for token is
// always running once registered, and re-polls on its own short interval
// rather than needing an explicit nudge. It exists to satisfy the Reactor
// contract other implementations rely on (e.g. an epoll-backed one that
// needs interest flags rewritten).
func (l *loopReactor) UpdateRegistration(token StreamToken) {}

// DeregisterStream stops token's poller and tells the Manager to release
// whichever slot (processed or unprocessed) currently owns it.
func (l *loopReactor) DeregisterStream(token StreamToken) {
	l.mu.Lock()
	cancel, ok := l.cancels[token]
	if ok {
		delete(l.cancels, token)
	}
	l.mu.Unlock()
	if ok {
		close(cancel)
	}
	l.handler.DeregisterStream(token)
}

// RegisterTimerOnce arms a single-shot handshake timeout using time.AfterFunc,
// posting a timeout event onto the same channel every other event flows
// through so the Handler callback still runs on the dispatcher goroutine.
func (l *loopReactor) RegisterTimerOnce(timer TimerToken, after time.Duration) {
	time.AfterFunc(after, func() {
		select {
		case l.events <- loopEvent{kind: eventTimeout, timer: timer}:
		case <-l.stop:
		}
	})
	logrus.WithFields(logrus.Fields{"timer": timer, "after": after}).Trace("p2p: handshake timer armed")
}
