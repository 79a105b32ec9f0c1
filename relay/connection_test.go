package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-relay/transport"
	"github.com/cyberinferno/go-relay/transport/memory"
)

// recorder collects what a Connection hands to its hooks.
type recorder struct {
	mu       sync.Mutex
	received []string
	dropped  []string
}

func (r *recorder) hooks() connectionHooks {
	return connectionHooks{
		receive: func(buf []byte, _ transport.Handle) {
			r.mu.Lock()
			r.received = append(r.received, string(buf))
			r.mu.Unlock()
		},
		drop: func(_ transport.Handle, p Packet, _ error) {
			r.mu.Lock()
			r.dropped = append(r.dropped, string(p.Bytes()))
			r.mu.Unlock()
		},
	}
}

func (r *recorder) receivedMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.received...)
}

func (r *recorder) droppedPackets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dropped...)
}

// busy makes every send report resource exhaustion while set.
func busy(n *memory.Network, flag *atomic.Bool, calls *atomic.Int32) {
	n.SetSendHook(func(transport.Handle, []byte) error {
		calls.Add(1)
		if flag.Load() {
			return transport.ErrLimitExceeded
		}
		return nil
	})
}

func TestConnection_Send(t *testing.T) {
	t.Run("order survives transient exhaustion", func(t *testing.T) {
		n := memory.New()
		local, remote := sessionPair(t, n, transport.DefaultOptions())
		cfg, _ := testConfig()
		c := newConnection(local, n, cfg, connectionHooks{})

		var exhausted atomic.Bool
		var calls atomic.Int32
		busy(n, &exhausted, &calls)
		exhausted.Store(true)

		ok, err := c.send(NewPacket([]byte("P1")), false)
		require.NoError(t, err)
		assert.False(t, ok)

		for _, p := range []string{"P2", "P3"} {
			ok, err := c.send(NewPacket([]byte(p)), false)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		assert.Equal(t, 3, c.QueueLen())
		assert.Equal(t, int32(1), calls.Load(), "queued sends must not reach the transport")

		exhausted.Store(false)
		require.True(t, c.Step())

		assert.Equal(t, 0, c.QueueLen())
		assert.Equal(t, []string{"P1", "P2", "P3"}, drain(t, n, remote))
	})

	t.Run("resend pass stops at the first exhaustion", func(t *testing.T) {
		n := memory.New()
		opts := transport.DefaultOptions()
		opts.ReceiveBufferSize = 2
		local, remote := sessionPair(t, n, opts)
		cfg, _ := testConfig()
		c := newConnection(local, n, cfg, connectionHooks{})

		for _, p := range []string{"P1", "P2"} {
			ok, err := c.send(NewPacket([]byte(p)), false)
			require.NoError(t, err)
			require.True(t, ok)
		}

		ok, err := c.send(NewPacket([]byte("P3")), false)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = c.send(NewPacket([]byte("P4")), false)
		require.NoError(t, err)
		assert.True(t, ok)

		require.True(t, c.Step())
		assert.Equal(t, 2, c.QueueLen(), "peer mailbox is still full")

		assert.Equal(t, []string{"P1", "P2"}, drain(t, n, remote))

		require.True(t, c.Step())
		assert.Equal(t, 0, c.QueueLen())
		assert.Equal(t, []string{"P3", "P4"}, drain(t, n, remote))
	})

	t.Run("oversized packet is rejected and never queued", func(t *testing.T) {
		n := memory.New()
		local, _ := sessionPair(t, n, transport.DefaultOptions())
		cfg, _ := testConfig()
		cfg.MaxPacketSize = 4
		c := newConnection(local, n, cfg, connectionHooks{})

		ok, err := c.send(NewPacket([]byte("12345")), false)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
		assert.Equal(t, 0, c.QueueLen())

		var exhausted atomic.Bool
		var calls atomic.Int32
		busy(n, &exhausted, &calls)
		exhausted.Store(true)

		_, err = c.send(NewPacket([]byte("ok")), false)
		require.NoError(t, err)
		require.Equal(t, 1, c.QueueLen())

		_, err = c.send(NewPacket([]byte("toolong")), false)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
		assert.Equal(t, 1, c.QueueLen())
	})

	t.Run("packet at the size limit is accepted", func(t *testing.T) {
		n := memory.New()
		local, remote := sessionPair(t, n, transport.DefaultOptions())
		cfg, _ := testConfig()
		cfg.MaxPacketSize = 4
		c := newConnection(local, n, cfg, connectionHooks{})

		ok, err := c.send(NewPacket([]byte("1234")), false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{"1234"}, drain(t, n, remote))
	})

	t.Run("non-retryable error abandons the packet", func(t *testing.T) {
		n := memory.New()
		local, _ := sessionPair(t, n, transport.DefaultOptions())
		cfg, _ := testConfig()
		rec := &recorder{}
		c := newConnection(local, n, cfg, rec.hooks())

		boom := errors.New("boom")
		n.SetSendHook(func(transport.Handle, []byte) error { return boom })

		ok, err := c.send(NewPacket([]byte("lost")), false)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrSendFailed)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, c.QueueLen())
		assert.Equal(t, []string{"lost"}, rec.droppedPackets())
	})

	t.Run("abandoned retry does not block later packets", func(t *testing.T) {
		n := memory.New()
		local, remote := sessionPair(t, n, transport.DefaultOptions())
		cfg, _ := testConfig()
		rec := &recorder{}
		c := newConnection(local, n, cfg, rec.hooks())

		var exhausted atomic.Bool
		var calls atomic.Int32
		busy(n, &exhausted, &calls)
		exhausted.Store(true)

		for _, p := range []string{"P1", "P2"} {
			_, err := c.send(NewPacket([]byte(p)), false)
			require.NoError(t, err)
		}
		require.Equal(t, 2, c.QueueLen())

		n.SetSendHook(func(_ transport.Handle, payload []byte) error {
			if string(payload) == "P1" {
				return errors.New("rejected")
			}
			return nil
		})

		require.True(t, c.Step())
		assert.Equal(t, 0, c.QueueLen())
		assert.Equal(t, []string{"P2"}, drain(t, n, remote))
		assert.Equal(t, []string{"P1"}, rec.droppedPackets())
	})
}

func TestConnection_Step(t *testing.T) {
	t.Run("delivers owned copies in order", func(t *testing.T) {
		n := memory.New()
		local, remote := sessionPair(t, n, transport.DefaultOptions())
		cfg, _ := testConfig()
		cfg.ReceiveBatchSize = 2

		var bufs [][]byte
		c := newConnection(local, n, cfg, connectionHooks{
			receive: func(buf []byte, h transport.Handle) {
				assert.Equal(t, local, h)
				bufs = append(bufs, buf)
			},
		})

		for _, m := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, n.SendMessage(remote, []byte(m)))
		}

		require.True(t, c.Step())
		require.Len(t, bufs, 5)
		for i, m := range []string{"a", "b", "c", "d", "e"} {
			assert.Equal(t, m, string(bufs[i]), "released transport buffers must not affect delivered copies")
		}
		assert.Equal(t, 0, n.Pending(local))
	})

	t.Run("terminal session ends the loop after draining", func(t *testing.T) {
		n := memory.New()
		local, remote := sessionPair(t, n, transport.DefaultOptions())
		cfg, _ := testConfig()
		rec := &recorder{}
		c := newConnection(local, n, cfg, rec.hooks())

		require.NoError(t, n.SendMessage(remote, []byte("last")))
		require.NoError(t, n.CloseConnection(remote, "bye"))

		assert.False(t, c.Step())
		assert.Equal(t, []string{"last"}, rec.receivedMessages())
	})

	t.Run("dispose from the receive handler stops dispatch", func(t *testing.T) {
		n := memory.New()
		local, remote := sessionPair(t, n, transport.DefaultOptions())
		cfg, _ := testConfig()

		var c *Connection
		count := 0
		c = newConnection(local, n, cfg, connectionHooks{
			receive: func([]byte, transport.Handle) {
				count++
				c.Dispose()
			},
		})

		for range 3 {
			require.NoError(t, n.SendMessage(remote, []byte("x")))
		}

		assert.False(t, c.Step())
		assert.Equal(t, 1, count)
		assert.False(t, c.Running())
	})

	t.Run("disposed connection does nothing", func(t *testing.T) {
		n := memory.New()
		local, remote := sessionPair(t, n, transport.DefaultOptions())
		cfg, _ := testConfig()
		rec := &recorder{}
		c := newConnection(local, n, cfg, rec.hooks())

		c.Dispose()
		c.Dispose()

		require.NoError(t, n.SendMessage(remote, []byte("ignored")))
		assert.False(t, c.Step())
		assert.Empty(t, rec.receivedMessages())
		assert.Equal(t, 1, n.Pending(local))
	})
}

func TestConnection_Loop(t *testing.T) {
	n := memory.New()
	local, remote := sessionPair(t, n, transport.DefaultOptions())
	cfg, mock := testConfig()
	rec := &recorder{}
	c := newConnection(local, n, cfg, rec.hooks())

	var exhausted atomic.Bool
	var calls atomic.Int32
	busy(n, &exhausted, &calls)
	exhausted.Store(true)

	for _, p := range []string{"P1", "P2", "P3"} {
		_, err := c.send(NewPacket([]byte(p)), false)
		require.NoError(t, err)
	}

	c.start()
	exhausted.Store(false)
	require.NoError(t, n.SendMessage(remote, []byte("in")))

	require.Eventually(t, func() bool {
		mock.Add(cfg.TickInterval)
		return c.QueueLen() == 0 && len(rec.receivedMessages()) == 1
	}, waitFor, waitFor/100)
	assert.Equal(t, []string{"P1", "P2", "P3"}, drain(t, n, remote))

	c.Dispose()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		require.FailNow(t, "loop did not stop")
	}

	require.NoError(t, n.SendMessage(remote, []byte("late")))
	mock.Add(cfg.TickInterval)
	assert.Equal(t, []string{"in"}, rec.receivedMessages())
}
