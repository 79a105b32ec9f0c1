package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/transport"
)

// connectionHooks receive what a Connection produces. Both run on the
// connection loop's goroutine, except drop, which may also run on the
// goroutine of a caller whose fresh send failed.
type connectionHooks struct {
	receive func(buf []byte, h transport.Handle)
	drop    func(h transport.Handle, p Packet, err error)
}

// Connection is one live peer session. It polls the transport for inbound
// messages and retries queued outbound packets in submission order on a
// paced loop until disposed.
type Connection struct {
	handle  transport.Handle
	binding transport.Binding
	cfg     Config
	logger  logger.Logger
	hooks   connectionHooks

	running  atomic.Bool
	queue    resendQueue
	ticker   *clock.Ticker
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newConnection(h transport.Handle, b transport.Binding, cfg Config, hooks connectionHooks) *Connection {
	c := &Connection{
		handle:  h,
		binding: b,
		cfg:     cfg,
		logger:  cfg.Logger.With(logger.Field{Key: "handle", Value: h}),
		hooks:   hooks,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.running.Store(true)

	return c
}

// start launches the loop. The ticker is created before the goroutine so a
// mock clock advanced right after start still reaches it.
func (c *Connection) start() {
	c.ticker = c.cfg.Clock.Ticker(c.cfg.TickInterval)
	go c.run()
}

func (c *Connection) run() {
	defer close(c.done)
	defer c.ticker.Stop()
	defer c.logger.Debug("connection loop stopped")

	for c.Step() {
		select {
		case <-c.stop:
			return
		case <-c.ticker.C:
		}
	}
}

// Handle returns the transport handle of the session.
func (c *Connection) Handle() transport.Handle {
	return c.handle
}

// Running reports whether the connection has not been disposed.
func (c *Connection) Running() bool {
	return c.running.Load()
}

// QueueLen returns the number of packets waiting to be resent.
func (c *Connection) QueueLen() int {
	return c.queue.len()
}

// Done is closed when the loop has exited. It never closes for a connection
// whose loop was not started.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Dispose stops the loop. It does not wait for the loop to exit, so it may be
// called from a receive handler. Calling it more than once is safe.
func (c *Connection) Dispose() {
	c.running.Store(false)
	c.stopOnce.Do(func() { close(c.stop) })
}

// Step runs one loop cycle: it drains inbound messages in batches, then
// makes one ordered pass over the resend queue. It returns false once the
// connection is disposed or the transport reports the session gone. Step is
// run by the connection loop and must not be called concurrently with it.
func (c *Connection) Step() bool {
	if !c.running.Load() {
		return false
	}

	if !c.receive() {
		return false
	}

	c.flush()

	return c.running.Load()
}

func (c *Connection) receive() bool {
	for {
		msgs, err := c.binding.ReceiveMessages(c.handle, c.cfg.ReceiveBatchSize)
		if err != nil {
			c.logger.Debug("receive ended", logger.Field{Key: "error", Value: err})
			return false
		}

		if len(msgs) == 0 {
			return true
		}

		for i, msg := range msgs {
			if !c.running.Load() {
				for _, rest := range msgs[i:] {
					rest.Release()
				}
				return false
			}

			buf := make([]byte, len(msg.Payload))
			copy(buf, msg.Payload)
			msg.Release()

			c.cfg.Metrics.received(len(buf))
			if c.hooks.receive != nil {
				c.hooks.receive(buf, c.handle)
			}
		}
	}
}

// flush retries queued packets in order and stops at the first one the
// transport still cannot take. Sent and abandoned packets leave the queue.
func (c *Connection) flush() {
	pending := c.queue.snapshot()
	handled := 0

	for _, o := range pending {
		if !c.running.Load() {
			break
		}

		ok, err := c.send(o.packet, true)
		if !ok && err == nil {
			break
		}
		handled++
	}

	c.queue.discard(handled)
}

// send submits p to the transport. A fresh send joins the back of a non-empty
// queue so it cannot overtake earlier packets, and is queued when the
// transport is out of resources. A retry is never appended again.
//
// Returns:
//   - true when the packet was sent or queued behind earlier packets
//   - false with a nil error when the transport is out of resources
//   - false with an error when the packet is too large or was abandoned
func (c *Connection) send(p Packet, retry bool) (bool, error) {
	if p.Len() > c.cfg.MaxPacketSize {
		c.logger.Error("packet too large",
			logger.Field{Key: "size", Value: p.Len()},
			logger.Field{Key: "max", Value: c.cfg.MaxPacketSize},
		)
		return false, fmt.Errorf("%w: %d > %d bytes", ErrPacketTooLarge, p.Len(), c.cfg.MaxPacketSize)
	}

	o := outbound{packet: p, handle: c.handle}
	if !retry && c.queue.pushIfPending(o) {
		c.cfg.Metrics.queued()
		return true, nil
	}

	err := c.binding.SendMessage(c.handle, p.data)
	switch {
	case err == nil:
		c.cfg.Metrics.sent()
		return true, nil

	case errors.Is(err, transport.ErrLimitExceeded):
		if !retry {
			c.queue.push(o)
			c.cfg.Metrics.queued()
			c.logger.Debug("transport busy, packet queued", logger.Field{Key: "queued", Value: c.queue.len()})
		}
		return false, nil

	default:
		c.logger.Warn("packet dropped", logger.Field{Key: "size", Value: p.Len()}, logger.Field{Key: "error", Value: err})
		c.cfg.Metrics.dropped()
		if c.hooks.drop != nil {
			c.hooks.drop(c.handle, p, err)
		}
		return false, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
}
