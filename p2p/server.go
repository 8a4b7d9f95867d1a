package p2p

// Server binds a Manager to the default goroutine-based Reactor and a
// Handler, and is the package's top-level entry point for a real TCP
// deployment (most tests construct Manager/Handler directly against fakes
// instead). It is not named in the original component list — it is
// the wiring a node binary embedding this package would otherwise have to
// repeat itself.
type Server struct {
	Handler *Handler
	manager *Manager
	reactor *loopReactor
}

// NewServer binds cfg.ListenAddr, builds the Manager/Handler/Reactor triple,
// and starts the event loop. Call Close to shut everything down.
func NewServer(cfg Config, client Client, cb ExtensionCallback) (*Server, error) {
	cfg = cfg.withDefaults()

	manager, err := NewManager(cfg)
	if err != nil {
		return nil, err
	}

	reactor := newLoopReactor(manager)
	handler := NewHandler(manager, client, cb, reactor, cfg.WaitSync)
	reactor.bind(handler)

	handler.Initialize()
	reactor.Run()

	return &Server{Handler: handler, manager: manager, reactor: reactor}, nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() SocketAddr { return s.manager.Addr() }

// Close stops the reactor and the listener. Established connections are not
// individually closed; callers that need a graceful drain should deregister
// them via the Handler first.
func (s *Server) Close() error {
	// Close the listener first: the accept poller stays blocked in Accept
	// until it does, and Stop waits for it.
	err := s.manager.Close()
	s.reactor.Stop()
	return err
}
