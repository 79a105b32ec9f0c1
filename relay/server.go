// Package relay keeps a registry of live peer sessions on top of a
// connection-oriented message transport. Each session runs a paced loop that
// drains inbound messages and retries outbound packets the transport could
// not take yet, so packets reach a peer in the order they were submitted even
// when the transport is temporarily out of resources.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/transport"
)

type (
	// AcceptHandler is called once a peer connection is registered.
	AcceptHandler func(h transport.Handle)

	// ReceiveHandler is called on the connection loop with an owned copy of
	// each inbound message. It must not block.
	ReceiveHandler func(buf []byte, h transport.Handle)

	// DisconnectHandler is called when a registered peer connection ends.
	DisconnectHandler func(h transport.Handle)

	// CloseHandler is called once when the server is disposed.
	CloseHandler func()

	// DropHandler is called when a packet is abandoned after a
	// non-retryable send error.
	DropHandler func(h transport.Handle, p Packet, err error)
)

const closeReasonShutdown = "server shutdown"

// Server accepts peer sessions on one listen socket and runs a Connection
// for each. Handlers should be registered before peers connect.
type Server struct {
	rt       *Runtime
	binding  transport.Binding
	cfg      Config
	logger   logger.Logger
	socket   transport.ListenSocket
	registry *Registry

	accepts    singleflight.Group
	tombstones *cache.Cache
	disposed   atomic.Bool
	pumpDone   chan struct{}

	mu           sync.RWMutex
	onAccept     AcceptHandler
	onReceive    ReceiveHandler
	onDisconnect DisconnectHandler
	onClose      CloseHandler
	onDrop       DropHandler
}

// Listen opens a listen socket on port and starts handling its events.
//
// Parameters:
//   - rt: An initialized Runtime
//   - port: Port to listen on; 0 lets the binding choose
//   - cfg: Server settings; zero fields take their defaults
//
// Returns:
//   - The running Server
//   - ErrRuntimeNotInitialized, or an error wrapping ErrTransportInit when
//     the socket cannot be created
func Listen(rt *Runtime, port int, cfg Config) (*Server, error) {
	if err := rt.ready(); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	log := cfg.Logger.With(logger.Field{Key: "component", Value: "server"}, logger.Field{Key: "name", Value: cfg.Name})

	socket, err := rt.binding.CreateListenSocket(port, cfg.Options)
	if err != nil {
		log.Error("failed to create listen socket", logger.Field{Key: "port", Value: port}, logger.Field{Key: "error", Value: err})
		return nil, fmt.Errorf("%w: listen on port %d: %w", ErrTransportInit, port, err)
	}

	cfg.Logger = log
	s := &Server{
		rt:         rt,
		binding:    rt.binding,
		cfg:        cfg,
		logger:     log,
		socket:     socket,
		registry:   NewRegistry(),
		tombstones: cache.New(cfg.TombstoneTTL, 2*cfg.TombstoneTTL),
		pumpDone:   make(chan struct{}),
	}

	go s.pump()
	log.Info(fmt.Sprintf("%s listen server started", cfg.Name), logger.Field{Key: "addr", Value: socket.Addr()})

	return s, nil
}

func (s *Server) pump() {
	defer close(s.pumpDone)

	for ev := range s.socket.Events() {
		s.HandleStateChange(ev)
	}
}

// OnAccept sets the accept handler. nil clears it.
func (s *Server) OnAccept(fn AcceptHandler) {
	s.mu.Lock()
	s.onAccept = fn
	s.mu.Unlock()
}

// OnReceive sets the receive handler. nil clears it.
func (s *Server) OnReceive(fn ReceiveHandler) {
	s.mu.Lock()
	s.onReceive = fn
	s.mu.Unlock()
}

// OnDisconnect sets the disconnect handler. nil clears it.
func (s *Server) OnDisconnect(fn DisconnectHandler) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

// OnClose sets the close handler. nil clears it.
func (s *Server) OnClose(fn CloseHandler) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// OnDrop sets the drop handler. nil clears it.
func (s *Server) OnDrop(fn DropHandler) {
	s.mu.Lock()
	s.onDrop = fn
	s.mu.Unlock()
}

// Addr returns the listen socket address.
func (s *Server) Addr() string {
	return s.socket.Addr()
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	return s.registry.Len()
}

// Handles returns the handles of the live connections.
func (s *Server) Handles() []transport.Handle {
	return s.registry.Handles()
}

// Connection returns the live connection for h.
func (s *Server) Connection(h transport.Handle) (*Connection, bool) {
	return s.registry.Get(h)
}

// Send broadcasts p to every live connection. Peers that disconnect during
// the broadcast are skipped; other per-peer errors are combined.
func (s *Server) Send(p Packet) error {
	if p.Len() > s.cfg.MaxPacketSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrPacketTooLarge, p.Len(), s.cfg.MaxPacketSize)
	}

	var errs error
	for _, h := range s.registry.Handles() {
		if _, err := s.SendTo(h, p); err != nil && !errors.Is(err, ErrUnknownConnection) {
			errs = multierr.Append(errs, fmt.Errorf("handle %s: %w", h, err))
		}
	}

	return errs
}

// SendTo sends p to the peer h, preserving submission order across transient
// transport exhaustion.
//
// Returns:
//   - true when the packet was sent or queued behind earlier packets
//   - false with a nil error when the packet was queued for retry
//   - false with ErrUnknownConnection, ErrPacketTooLarge or an error
//     wrapping ErrSendFailed otherwise
func (s *Server) SendTo(h transport.Handle, p Packet) (bool, error) {
	c, ok := s.registry.Get(h)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownConnection, h)
	}

	return c.send(p, false)
}

// HandleStateChange applies one transport event. The event pump calls it for
// every event of the listen socket; it is also safe to call concurrently.
func (s *Server) HandleStateChange(ev transport.StateChange) {
	if s.disposed.Load() || s.rt.IsLocalClient(ev.Handle) {
		return
	}

	switch ev.State {
	case transport.StateConnecting:
		s.accept(ev)
	case transport.StateConnected:
		s.register(ev)
	case transport.StateClosedByPeer, transport.StateProblemDetectedLocally:
		s.disconnect(ev)
	default:
		s.logger.Debug("ignoring state change", logger.Field{Key: "handle", Value: ev.Handle}, logger.Field{Key: "state", Value: ev.State.String()})
	}
}

func (s *Server) tombstoned(h transport.Handle) bool {
	_, found := s.tombstones.Get(h.String())
	return found
}

func (s *Server) accept(ev transport.StateChange) {
	h := ev.Handle
	if s.tombstoned(h) {
		s.logger.Debug("ignoring connect for closed handle", logger.Field{Key: "handle", Value: h})
		return
	}

	_, _, _ = s.accepts.Do(h.String(), func() (any, error) {
		if _, ok := s.registry.Get(h); ok {
			return nil, nil
		}

		err := s.binding.AcceptConnection(h)
		switch {
		case err == nil:
			s.logger.Info("accepting connection", logger.Field{Key: "handle", Value: h}, logger.Field{Key: "remote", Value: ev.RemoteDescription})
		case errors.Is(err, transport.ErrInvalidState):
			s.logger.Debug("connection already accepted", logger.Field{Key: "handle", Value: h})
		default:
			s.logger.Warn("failed to accept connection", logger.Field{Key: "handle", Value: h}, logger.Field{Key: "error", Value: err})
			_ = s.binding.CloseConnection(h, "failed to accept")
		}

		return nil, err
	})
}

func (s *Server) register(ev transport.StateChange) {
	h := ev.Handle
	if s.tombstoned(h) {
		_ = s.binding.CloseConnection(h, "closed")
		return
	}

	c := newConnection(h, s.binding, s.cfg, connectionHooks{
		receive: s.dispatchReceive,
		drop:    s.dispatchDrop,
	})
	if !s.registry.Insert(c) {
		s.logger.Warn("duplicate connected event", logger.Field{Key: "handle", Value: h})
		return
	}
	s.cfg.Metrics.opened()

	// Dispose may have drained the registry between the check above and the
	// insert.
	if s.disposed.Load() {
		if removed, ok := s.registry.Remove(h); ok {
			removed.Dispose()
			s.cfg.Metrics.closed()
		}
		_ = s.binding.CloseConnection(h, closeReasonShutdown)
		return
	}

	c.start()

	// Dispose or a disconnect may have already stopped c; its peer must not
	// be announced after that.
	if s.disposed.Load() || !c.Running() {
		return
	}
	s.logger.Info("connection established", logger.Field{Key: "handle", Value: h}, logger.Field{Key: "remote", Value: ev.RemoteDescription})

	s.mu.RLock()
	fn := s.onAccept
	s.mu.RUnlock()
	if fn != nil {
		fn(h)
	}
}

func (s *Server) disconnect(ev transport.StateChange) {
	h := ev.Handle
	s.tombstones.SetDefault(h.String(), struct{}{})

	if c, ok := s.registry.Remove(h); ok {
		s.mu.RLock()
		fn := s.onDisconnect
		s.mu.RUnlock()
		if fn != nil {
			fn(h)
		}

		c.Dispose()
		s.cfg.Metrics.closed()
		s.logger.Info("connection closed", logger.Field{Key: "handle", Value: h}, logger.Field{Key: "state", Value: ev.State.String()}, logger.Field{Key: "reason", Value: ev.Reason})
	} else {
		s.logger.Debug("session closed before connecting", logger.Field{Key: "handle", Value: h}, logger.Field{Key: "reason", Value: ev.Reason})
	}

	if err := s.binding.CloseConnection(h, "closed"); err != nil && !errors.Is(err, transport.ErrNoConnection) {
		s.logger.Warn("failed to close connection", logger.Field{Key: "handle", Value: h}, logger.Field{Key: "error", Value: err})
	}
}

func (s *Server) dispatchReceive(buf []byte, h transport.Handle) {
	s.mu.RLock()
	fn := s.onReceive
	s.mu.RUnlock()
	if fn != nil {
		fn(buf, h)
	}
}

func (s *Server) dispatchDrop(h transport.Handle, p Packet, err error) {
	s.mu.RLock()
	fn := s.onDrop
	s.mu.RUnlock()
	if fn != nil {
		fn(h, p, err)
	}
}

// Dispose stops every connection, closes their sessions and the listen
// socket, then calls the close handler. Later calls return nil. It does not
// wait for connection loops to exit.
func (s *Server) Dispose() error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}

	var errs error
	for _, c := range s.registry.Clear() {
		c.Dispose()
		s.cfg.Metrics.closed()
		if err := s.binding.CloseConnection(c.Handle(), closeReasonShutdown); err != nil && !errors.Is(err, transport.ErrNoConnection) {
			errs = multierr.Append(errs, err)
		}
	}

	if err := s.socket.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		errs = multierr.Append(errs, err)
	}
	s.tombstones.Flush()

	s.mu.RLock()
	fn := s.onClose
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}

	s.logger.Info(fmt.Sprintf("%s listen server stopped", s.cfg.Name))
	return errs
}
