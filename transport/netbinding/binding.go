// Package netbinding implements transport.Binding over stream sockets. A
// listen socket runs an accept loop and reports every accepted stream as a
// Connecting session; AcceptConnection performs the codec handshake, after
// which per-session read and write pumps move whole messages. Each session
// buffers a bounded number of outbound messages and reports
// transport.ErrLimitExceeded once that buffer is full.
package netbinding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-relay/idgenerator"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/safemap"
	"github.com/cyberinferno/go-relay/transport"
)

const closeReasonListenSocket = "listen socket closed"

// Binding is a transport.Binding over net.Conn streams framed by a Codec.
type Binding struct {
	name     string
	codec    Codec
	logger   logger.Logger
	ids      *idgenerator.IdGenerator[transport.Handle]
	sessions *safemap.SafeMap[transport.Handle, *session]
}

// New creates a Binding that frames messages with codec.
//
// Parameters:
//   - name: Used in log entries to tell bindings apart
//   - codec: Framing and handshake for every session
//   - log: Logger for accept and session errors
//
// Returns:
//   - A Binding with no sockets
func New(name string, codec Codec, log logger.Logger) *Binding {
	return &Binding{
		name:     name,
		codec:    codec,
		logger:   log.With(logger.Field{Key: "binding", Value: name}, logger.Field{Key: "codec", Value: codec.Name()}),
		ids:      idgenerator.NewIdGenerator[transport.Handle](0),
		sessions: safemap.NewSafeMap[transport.Handle, *session](),
	}
}

// NewTCP creates a Binding using length-prefixed TCP framing.
func NewTCP(log logger.Logger) *Binding {
	return New("tcp", TCPCodec{}, log)
}

// NewWebSocket creates a Binding carrying messages as WebSocket binary frames.
func NewWebSocket(log logger.Logger) *Binding {
	return New("websocket", WebSocketCodec{}, log)
}

// CreateListenSocket implements transport.Binding.
func (b *Binding) CreateListenSocket(port int, opts transport.Options) (transport.ListenSocket, error) {
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		b.logger.Error("listen failed", logger.Field{Key: "addr", Value: addr}, logger.Field{Key: "error", Value: err})
		return nil, fmt.Errorf("netbinding %s: listen on %s: %w", b.name, addr, err)
	}

	ls := &listenSocket{
		binding:  b,
		listener: ln,
		opts:     opts,
		queue:    transport.NewEventQueue(),
	}
	ls.running.Store(true)

	b.logger.Info("listen socket opened", logger.Field{Key: "addr", Value: ln.Addr().String()})
	go ls.acceptLoop()

	return ls, nil
}

// Connect implements transport.Binding. The dial and handshake run in the
// background; the outcome is reported as Connected or ProblemDetectedLocally.
func (b *Binding) Connect(addr string, opts transport.Options) (transport.ClientSocket, error) {
	queue := transport.NewEventQueue()
	s := newSession(b, b.ids.Id(), queue, true, addr, opts)
	b.sessions.Store(s.handle, s)

	queue.Push(transport.StateChange{
		Handle:            s.handle,
		PreviousState:     transport.StateNone,
		State:             transport.StateConnecting,
		RemoteDescription: addr,
	})

	go func() {
		ctx, cancel := handshakeContext(opts)
		defer cancel()

		mc, err := b.codec.Dial(ctx, addr)
		if err != nil {
			b.logger.Warn("dial failed", logger.Field{Key: "addr", Value: addr}, logger.Field{Key: "error", Value: err})
			s.terminate(transport.StateProblemDetectedLocally, err.Error())
			return
		}

		s.establish(mc)
	}()

	return &clientSocket{handle: s.handle, queue: queue}, nil
}

// AcceptConnection implements transport.Binding. The handshake runs in the
// background and its outcome is reported on the listen socket's events.
func (b *Binding) AcceptConnection(h transport.Handle) error {
	s, ok := b.sessions.Load(h)
	if !ok {
		return fmt.Errorf("netbinding: accept %s: %w", h, transport.ErrNoConnection)
	}

	if s.raw == nil || s.state() != transport.StateConnecting || !s.accepting.CompareAndSwap(false, true) {
		return fmt.Errorf("netbinding: accept %s: %w", h, transport.ErrInvalidState)
	}

	go func() {
		if s.opts.HandshakeTimeout > 0 {
			_ = s.raw.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
		}

		mc, err := b.codec.Accept(s.raw)
		if err != nil {
			b.logger.Warn("handshake failed", logger.Field{Key: "handle", Value: h}, logger.Field{Key: "error", Value: err})
			s.terminate(transport.StateProblemDetectedLocally, err.Error())
			return
		}

		_ = s.raw.SetDeadline(time.Time{})
		s.establish(mc)
	}()

	return nil
}

// CloseConnection implements transport.Binding. Outbound messages still
// buffered for the session are discarded.
func (b *Binding) CloseConnection(h transport.Handle, reason string) error {
	s, ok := b.sessions.LoadAndDelete(h)
	if !ok {
		return fmt.Errorf("netbinding: close %s: %w", h, transport.ErrNoConnection)
	}

	b.logger.Debug("closing session", logger.Field{Key: "handle", Value: h}, logger.Field{Key: "reason", Value: reason})
	return s.close()
}

// ReceiveMessages implements transport.Binding.
func (b *Binding) ReceiveMessages(h transport.Handle, maxCount int) ([]*transport.Message, error) {
	s, ok := b.sessions.Load(h)
	if !ok {
		return nil, transport.ErrNoConnection
	}

	return s.receive(maxCount)
}

// SendMessage implements transport.Binding.
func (b *Binding) SendMessage(h transport.Handle, payload []byte) error {
	s, ok := b.sessions.Load(h)
	if !ok {
		return transport.ErrNoConnection
	}

	return s.send(payload)
}

// SessionCount returns the number of sessions not yet closed with CloseConnection.
func (b *Binding) SessionCount() int {
	return b.sessions.Len()
}

func handshakeContext(opts transport.Options) (context.Context, context.CancelFunc) {
	if opts.HandshakeTimeout > 0 {
		return context.WithTimeout(context.Background(), opts.HandshakeTimeout)
	}
	return context.WithCancel(context.Background())
}

type listenSocket struct {
	binding  *Binding
	listener net.Listener
	opts     transport.Options
	queue    *transport.EventQueue
	running  atomic.Bool
}

func (l *listenSocket) Events() <-chan transport.StateChange {
	return l.queue.Events()
}

func (l *listenSocket) Addr() string {
	return l.listener.Addr().String()
}

// Close stops the accept loop and closes every session it produced,
// including those still waiting for AcceptConnection.
func (l *listenSocket) Close() error {
	if !l.running.CompareAndSwap(true, false) {
		return transport.ErrClosed
	}

	err := l.listener.Close()
	l.queue.Close()

	closed := 0
	l.binding.sessions.Range(func(h transport.Handle, s *session) bool {
		if s.owner == l.queue && l.binding.CloseConnection(h, closeReasonListenSocket) == nil {
			closed++
		}
		return true
	})

	l.binding.logger.Info("listen socket closed", logger.Field{Key: "addr", Value: l.Addr()}, logger.Field{Key: "sessions", Value: closed})
	return err
}

// acceptLoop reports every accepted stream as a Connecting session until the
// socket is closed.
func (l *listenSocket) acceptLoop() {
	for l.running.Load() {
		conn, err := l.listener.Accept()
		if err != nil {
			if !l.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			l.binding.logger.Error("accept error", logger.Field{Key: "error", Value: err})
			continue
		}

		remote := conn.RemoteAddr().String()
		s := newSession(l.binding, l.binding.ids.Id(), l.queue, false, remote, l.opts)
		s.raw = conn
		l.binding.sessions.Store(s.handle, s)

		// Close may have swept the sessions before this one was stored.
		if !l.running.Load() {
			_ = l.binding.CloseConnection(s.handle, closeReasonListenSocket)
			return
		}

		l.queue.Push(transport.StateChange{
			Handle:            s.handle,
			PreviousState:     transport.StateNone,
			State:             transport.StateConnecting,
			RemoteDescription: remote,
		})
	}
}

type clientSocket struct {
	handle transport.Handle
	queue  *transport.EventQueue
}

func (c *clientSocket) Events() <-chan transport.StateChange {
	return c.queue.Events()
}

func (c *clientSocket) Handle() transport.Handle {
	return c.handle
}
