package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/transport"
)

type (
	// ClientHandler is called on client lifecycle events.
	ClientHandler func(c *Client)

	// ClientReceiveHandler is called on the connection loop with an owned
	// copy of each inbound message. It must not block.
	ClientReceiveHandler func(buf []byte, c *Client)
)

// Client is one outbound session. Inbound messages go to the receive handler
// when one is set, otherwise to an inbox read with Receive.
type Client struct {
	rt      *Runtime
	binding transport.Binding
	cfg     Config
	logger  logger.Logger
	socket  transport.ClientSocket

	// life orders established against shutdown so a connection is never
	// started after the client ended.
	life     sync.Mutex
	conn     atomic.Pointer[Connection]
	ended    atomic.Bool
	inbox    chan []byte
	closed   chan struct{}
	pumpDone chan struct{}

	mu           sync.RWMutex
	onAccept     ClientHandler
	onReceive    ClientReceiveHandler
	onFail       ClientHandler
	onDisconnect ClientHandler
	onDrop       DropHandler
}

// Dial starts connecting to addr. The outcome is reported through the
// accept or fail handler.
//
// Parameters:
//   - rt: An initialized Runtime
//   - addr: Binding-specific peer address
//   - cfg: Client settings; zero fields take their defaults
//
// Returns:
//   - The connecting Client
//   - ErrRuntimeNotInitialized, or an error wrapping ErrTransportInit when
//     the session cannot be created
func Dial(rt *Runtime, addr string, cfg Config) (*Client, error) {
	if err := rt.ready(); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	log := cfg.Logger.With(logger.Field{Key: "component", Value: "client"}, logger.Field{Key: "name", Value: cfg.Name})

	socket, err := rt.binding.Connect(addr, cfg.Options)
	if err != nil {
		log.Error("failed to connect", logger.Field{Key: "addr", Value: addr}, logger.Field{Key: "error", Value: err})
		return nil, fmt.Errorf("%w: connect to %s: %w", ErrTransportInit, addr, err)
	}
	rt.localClients.Add(socket.Handle())

	cfg.Logger = log
	c := &Client{
		rt:       rt,
		binding:  rt.binding,
		cfg:      cfg,
		logger:   log.With(logger.Field{Key: "handle", Value: socket.Handle()}),
		socket:   socket,
		inbox:    make(chan []byte, cfg.InboxSize),
		closed:   make(chan struct{}),
		pumpDone: make(chan struct{}),
	}

	go c.pump()
	c.logger.Info("connecting", logger.Field{Key: "addr", Value: addr})

	return c, nil
}

func (c *Client) pump() {
	defer close(c.pumpDone)

	for ev := range c.socket.Events() {
		c.HandleStateChange(ev)
	}
}

// OnAccept sets the handler called once the session is established.
func (c *Client) OnAccept(fn ClientHandler) {
	c.mu.Lock()
	c.onAccept = fn
	c.mu.Unlock()
}

// OnReceive sets the receive handler. While it is nil, messages go to the
// inbox.
func (c *Client) OnReceive(fn ClientReceiveHandler) {
	c.mu.Lock()
	c.onReceive = fn
	c.mu.Unlock()
}

// OnFail sets the handler called when the session ends before it was
// established.
func (c *Client) OnFail(fn ClientHandler) {
	c.mu.Lock()
	c.onFail = fn
	c.mu.Unlock()
}

// OnDisconnect sets the handler called when an established session ends.
func (c *Client) OnDisconnect(fn ClientHandler) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// OnDrop sets the drop handler.
func (c *Client) OnDrop(fn DropHandler) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

// Handle returns the transport handle of the session.
func (c *Client) Handle() transport.Handle {
	return c.socket.Handle()
}

// Connected reports whether the session is established and not ended.
func (c *Client) Connected() bool {
	return c.conn.Load() != nil && !c.ended.Load()
}

// QueueLen returns the number of packets waiting to be resent.
func (c *Client) QueueLen() int {
	if conn := c.conn.Load(); conn != nil {
		return conn.QueueLen()
	}
	return 0
}

// Send sends p to the server with the same ordering guarantees as
// Server.SendTo.
func (c *Client) Send(p Packet) (bool, error) {
	conn := c.conn.Load()
	if conn == nil || c.ended.Load() {
		return false, ErrNotConnected
	}

	return conn.send(p, false)
}

// Receive returns the next inbound message. Messages buffered before the
// client ended are still returned; after that it returns ErrClosed.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-c.inbox:
		return buf, nil
	default:
	}

	select {
	case buf := <-c.inbox:
		return buf, nil
	case <-c.closed:
		select {
		case buf := <-c.inbox:
			return buf, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleStateChange applies one transport event for the client session. The
// event pump calls it for every event of the session.
func (c *Client) HandleStateChange(ev transport.StateChange) {
	if ev.Handle != c.Handle() || c.ended.Load() {
		return
	}

	switch ev.State {
	case transport.StateConnected:
		c.established(ev)
	case transport.StateClosedByPeer, transport.StateProblemDetectedLocally:
		c.finish(ev)
	default:
		c.logger.Debug("state change", logger.Field{Key: "state", Value: ev.State.String()})
	}
}

func (c *Client) established(ev transport.StateChange) {
	conn := newConnection(c.Handle(), c.binding, c.cfg, connectionHooks{
		receive: c.dispatchReceive,
		drop:    c.dispatchDrop,
	})

	c.life.Lock()
	if c.ended.Load() {
		c.life.Unlock()
		return
	}
	if !c.conn.CompareAndSwap(nil, conn) {
		c.life.Unlock()
		c.logger.Warn("duplicate connected event")
		return
	}
	conn.start()
	c.cfg.Metrics.opened()
	c.life.Unlock()

	c.logger.Info("connected", logger.Field{Key: "remote", Value: ev.RemoteDescription})

	c.mu.RLock()
	fn := c.onAccept
	c.mu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

func (c *Client) finish(ev transport.StateChange) {
	if !c.ended.CompareAndSwap(false, true) {
		return
	}

	conn := c.conn.Load()

	c.mu.RLock()
	fn := c.onFail
	if conn != nil {
		fn = c.onDisconnect
	}
	c.mu.RUnlock()

	if conn != nil {
		c.logger.Info("disconnected", logger.Field{Key: "state", Value: ev.State.String()}, logger.Field{Key: "reason", Value: ev.Reason})
	} else {
		c.logger.Warn("connection failed", logger.Field{Key: "state", Value: ev.State.String()}, logger.Field{Key: "reason", Value: ev.Reason})
	}

	if fn != nil {
		fn(c)
	}

	_ = c.shutdown("closed")
}

func (c *Client) shutdown(reason string) error {
	c.life.Lock()
	if conn := c.conn.Load(); conn != nil {
		conn.Dispose()
		c.cfg.Metrics.closed()
	}
	c.life.Unlock()

	close(c.closed)
	c.rt.localClients.Remove(c.Handle())

	if err := c.binding.CloseConnection(c.Handle(), reason); err != nil && !errors.Is(err, transport.ErrNoConnection) {
		c.logger.Warn("failed to close connection", logger.Field{Key: "error", Value: err})
		return err
	}

	return nil
}

func (c *Client) dispatchReceive(buf []byte, _ transport.Handle) {
	c.mu.RLock()
	fn := c.onReceive
	c.mu.RUnlock()
	if fn != nil {
		fn(buf, c)
		return
	}

	// A full inbox holds the loop, which leaves messages in the transport
	// until the reader catches up.
	select {
	case c.inbox <- buf:
	case <-c.closed:
	}
}

func (c *Client) dispatchDrop(h transport.Handle, p Packet, err error) {
	c.mu.RLock()
	fn := c.onDrop
	c.mu.RUnlock()
	if fn != nil {
		fn(h, p, err)
	}
}

// Dispose ends the session without calling the disconnect or fail handler.
// Later calls return nil.
func (c *Client) Dispose() error {
	if !c.ended.CompareAndSwap(false, true) {
		return nil
	}

	c.logger.Info("client disposed")
	return c.shutdown("client disposed")
}
