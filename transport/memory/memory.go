// Package memory implements transport.Binding inside one process. Sessions
// are pairs of in-memory mailboxes; every operation of the real bindings is
// modelled, including resource exhaustion when a peer's mailbox is full, so
// the relay can be exercised deterministically without sockets.
package memory

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-relay/idgenerator"
	"github.com/cyberinferno/go-relay/safemap"
	"github.com/cyberinferno/go-relay/transport"
)

const (
	firstEphemeralPort      = 49152
	closeReasonListenSocket = "listen socket closed"
)

// SendHook inspects an outbound message before delivery. A non-nil error is
// returned from SendMessage instead of delivering.
type SendHook func(h transport.Handle, payload []byte) error

// Network is an in-process transport.Binding. The zero value is not usable;
// construct with New.
type Network struct {
	ids       *idgenerator.IdGenerator[transport.Handle]
	sessions  *safemap.SafeMap[transport.Handle, *session]
	inits     atomic.Int32
	nextPort  atomic.Int32
	sendHook  atomic.Pointer[SendHook]
	listeners *safemap.SafeMap[int, *listenSocket]
}

type session struct {
	handle  transport.Handle
	peer    transport.Handle
	remote  string
	owner   *transport.EventQueue
	ownsQ   bool
	inbound bool
	opts    transport.Options

	mu    sync.Mutex
	state transport.State
	inbox [][]byte
}

// New creates an empty Network.
func New() *Network {
	n := &Network{
		ids:       idgenerator.NewIdGenerator[transport.Handle](0),
		sessions:  safemap.NewSafeMap[transport.Handle, *session](),
		listeners: safemap.NewSafeMap[int, *listenSocket](),
	}
	n.nextPort.Store(firstEphemeralPort - 1)
	return n
}

// Init implements transport.Initializer. It only counts calls so callers can
// verify one-time setup.
func (n *Network) Init() error {
	n.inits.Add(1)
	return nil
}

// InitCount returns how many times Init was called.
func (n *Network) InitCount() int {
	return int(n.inits.Load())
}

// SetSendHook installs hook for every subsequent SendMessage. Pass nil to
// remove it.
func (n *Network) SetSendHook(hook SendHook) {
	if hook == nil {
		n.sendHook.Store(nil)
		return
	}
	n.sendHook.Store(&hook)
}

// CreateListenSocket implements transport.Binding. Port 0 picks an unused
// port from the ephemeral range.
func (n *Network) CreateListenSocket(port int, opts transport.Options) (transport.ListenSocket, error) {
	if port < 0 {
		return nil, fmt.Errorf("memory: invalid port %d", port)
	}

	if port == 0 {
		port = int(n.nextPort.Add(1))
	}

	ls := &listenSocket{network: n, port: port, opts: opts, queue: transport.NewEventQueue()}
	if _, loaded := n.listeners.LoadOrStore(port, ls); loaded {
		ls.queue.Close()
		return nil, fmt.Errorf("memory: port %d: %w", port, transport.ErrAddressInUse)
	}

	return ls, nil
}

// Connect implements transport.Binding. addr is a port number, optionally
// prefixed with "memory:" or ":".
func (n *Network) Connect(addr string, opts transport.Options) (transport.ClientSocket, error) {
	port, err := parsePort(addr)
	if err != nil {
		return nil, err
	}

	ls, ok := n.listeners.Load(port)
	if !ok {
		return nil, fmt.Errorf("memory: no listener on port %d: %w", port, transport.ErrNoConnection)
	}

	clientQueue := transport.NewEventQueue()
	client := &session{
		handle: n.ids.Id(),
		owner:  clientQueue,
		ownsQ:  true,
		opts:   opts,
		state:  transport.StateConnecting,
		remote: "memory:" + strconv.Itoa(port),
	}
	server := &session{
		handle:  n.ids.Id(),
		owner:   ls.queue,
		inbound: true,
		opts:    ls.opts,
		state:   transport.StateConnecting,
	}
	client.peer = server.handle
	server.peer = client.handle
	server.remote = "memory#" + client.handle.String()

	n.sessions.Store(client.handle, client)
	n.sessions.Store(server.handle, server)

	clientQueue.Push(transport.StateChange{
		Handle:            client.handle,
		PreviousState:     transport.StateNone,
		State:             transport.StateConnecting,
		RemoteDescription: client.remote,
	})
	ls.queue.Push(transport.StateChange{
		Handle:            server.handle,
		PreviousState:     transport.StateNone,
		State:             transport.StateConnecting,
		RemoteDescription: server.remote,
	})

	// A Close racing with this Connect may have missed the new session.
	if ls.closed.Load() {
		_ = n.CloseConnection(server.handle, closeReasonListenSocket)
	}

	return &clientSocket{handle: client.handle, queue: clientQueue}, nil
}

// AcceptConnection implements transport.Binding.
func (n *Network) AcceptConnection(h transport.Handle) error {
	s, ok := n.sessions.Load(h)
	if !ok {
		return fmt.Errorf("memory: accept %s: %w", h, transport.ErrNoConnection)
	}

	if !s.inbound || !s.transition(transport.StateConnecting, transport.StateConnected) {
		return fmt.Errorf("memory: accept %s: %w", h, transport.ErrInvalidState)
	}

	s.owner.Push(transport.StateChange{
		Handle:            h,
		PreviousState:     transport.StateConnecting,
		State:             transport.StateConnected,
		RemoteDescription: s.remote,
	})

	if peer, ok := n.sessions.Load(s.peer); ok {
		if peer.transition(transport.StateConnecting, transport.StateConnected) {
			peer.owner.Push(transport.StateChange{
				Handle:            peer.handle,
				PreviousState:     transport.StateConnecting,
				State:             transport.StateConnected,
				RemoteDescription: peer.remote,
			})
		}
	}

	return nil
}

// CloseConnection implements transport.Binding. The peer observes
// ClosedByPeer after draining any messages already delivered to it.
func (n *Network) CloseConnection(h transport.Handle, reason string) error {
	s, ok := n.sessions.LoadAndDelete(h)
	if !ok {
		return fmt.Errorf("memory: close %s: %w", h, transport.ErrNoConnection)
	}

	s.mu.Lock()
	s.state = transport.StateNone
	s.inbox = nil
	s.mu.Unlock()

	if s.ownsQ {
		s.owner.Close()
	}

	n.terminatePeer(s.peer, transport.StateClosedByPeer, reason)
	return nil
}

// Break simulates a locally detected failure on h: h reports
// ProblemDetectedLocally and its peer reports ClosedByPeer.
func (n *Network) Break(h transport.Handle, reason string) error {
	s, ok := n.sessions.Load(h)
	if !ok {
		return fmt.Errorf("memory: break %s: %w", h, transport.ErrNoConnection)
	}

	n.terminate(s, transport.StateProblemDetectedLocally, reason)
	n.terminatePeer(s.peer, transport.StateClosedByPeer, reason)
	return nil
}

// ReceiveMessages implements transport.Binding. Returned payloads are zeroed
// on Release, so callers that keep data must copy it first.
func (n *Network) ReceiveMessages(h transport.Handle, maxCount int) ([]*transport.Message, error) {
	s, ok := n.sessions.Load(h)
	if !ok {
		return nil, transport.ErrNoConnection
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := min(maxCount, len(s.inbox))
	if count == 0 {
		if s.state.Terminal() {
			return nil, transport.ErrNoConnection
		}
		return nil, nil
	}

	msgs := make([]*transport.Message, 0, count)
	for _, payload := range s.inbox[:count] {
		buf := payload
		msgs = append(msgs, transport.NewMessage(h, buf, func() { clear(buf) }))
	}
	s.inbox = s.inbox[count:]

	return msgs, nil
}

// SendMessage implements transport.Binding. It reports ErrLimitExceeded when
// the peer's mailbox holds ReceiveBufferSize undrained messages.
func (n *Network) SendMessage(h transport.Handle, payload []byte) error {
	s, ok := n.sessions.Load(h)
	if !ok {
		return transport.ErrNoConnection
	}

	switch state := s.currentState(); {
	case state.Terminal():
		return transport.ErrNoConnection
	case state != transport.StateConnected:
		return fmt.Errorf("memory: send on %s session: %w", state, transport.ErrInvalidState)
	}

	if hook := n.sendHook.Load(); hook != nil {
		if err := (*hook)(h, payload); err != nil {
			return err
		}
	}

	peer, ok := n.sessions.Load(s.peer)
	if !ok {
		return transport.ErrNoConnection
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()

	if peer.state != transport.StateConnected {
		return transport.ErrNoConnection
	}

	if limit := peer.opts.ReceiveBufferSize; limit > 0 && len(peer.inbox) >= limit {
		return transport.ErrLimitExceeded
	}

	peer.inbox = append(peer.inbox, append([]byte(nil), payload...))
	return nil
}

// State returns the current state of h, or StateNone if it is unknown.
func (n *Network) State(h transport.Handle) transport.State {
	s, ok := n.sessions.Load(h)
	if !ok {
		return transport.StateNone
	}
	return s.currentState()
}

// Peer returns the handle on the other end of h.
func (n *Network) Peer(h transport.Handle) (transport.Handle, bool) {
	s, ok := n.sessions.Load(h)
	if !ok {
		return transport.InvalidHandle, false
	}
	return s.peer, true
}

// Pending returns the number of undrained inbound messages for h.
func (n *Network) Pending(h transport.Handle) int {
	s, ok := n.sessions.Load(h)
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

func (n *Network) terminatePeer(h transport.Handle, state transport.State, reason string) {
	if peer, ok := n.sessions.Load(h); ok {
		n.terminate(peer, state, reason)
	}
}

func (n *Network) terminate(s *session, state transport.State, reason string) {
	s.mu.Lock()
	prev := s.state
	if prev.Terminal() || prev == transport.StateNone {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.owner.Push(transport.StateChange{
		Handle:            s.handle,
		PreviousState:     prev,
		State:             state,
		RemoteDescription: s.remote,
		Reason:            reason,
	})
}

func (s *session) transition(from, to transport.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *session) currentState() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func parsePort(addr string) (int, error) {
	addr = strings.TrimPrefix(addr, "memory:")
	addr = strings.TrimPrefix(addr, ":")

	port, err := strconv.Atoi(addr)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("memory: invalid address %q", addr)
	}

	return port, nil
}

type listenSocket struct {
	network *Network
	port    int
	opts    transport.Options
	queue   *transport.EventQueue
	closed  atomic.Bool
}

func (l *listenSocket) Events() <-chan transport.StateChange {
	return l.queue.Events()
}

func (l *listenSocket) Addr() string {
	return strconv.Itoa(l.port)
}

func (l *listenSocket) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return transport.ErrClosed
	}

	l.network.listeners.Delete(l.port)
	l.queue.Close()

	l.network.sessions.Range(func(h transport.Handle, s *session) bool {
		if s.owner == l.queue {
			_ = l.network.CloseConnection(h, closeReasonListenSocket)
		}
		return true
	})

	return nil
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
