package relay

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-relay/transport"
	"github.com/cyberinferno/go-relay/transport/memory"
)

const waitFor = 2 * time.Second

func testConfig() (Config, *clock.Mock) {
	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.Clock = mock
	return cfg, mock
}

func nextEvent(t *testing.T, src transport.EventSource) transport.StateChange {
	t.Helper()

	select {
	case ev, ok := <-src.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(waitFor):
		require.FailNow(t, "timed out waiting for state change")
	}

	return transport.StateChange{}
}

// sessionPair returns an established memory session pair without a Server:
// the listen side handle and the dialling side handle. peerOpts configure the
// dialling side, whose mailbox limits sends from the listen side.
func sessionPair(t *testing.T, n *memory.Network, peerOpts transport.Options) (transport.Handle, transport.Handle) {
	t.Helper()

	ls, err := n.CreateListenSocket(0, transport.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	cs, err := n.Connect(ls.Addr(), peerOpts)
	require.NoError(t, err)

	ev := nextEvent(t, ls)
	require.Equal(t, transport.StateConnecting, ev.State)
	require.NoError(t, n.AcceptConnection(ev.Handle))

	return ev.Handle, cs.Handle()
}

// drain returns the payloads waiting for h.
func drain(t *testing.T, n *memory.Network, h transport.Handle) []string {
	t.Helper()

	msgs, err := n.ReceiveMessages(h, 1000)
	require.NoError(t, err)

	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Payload))
		m.Release()
	}

	return out
}
