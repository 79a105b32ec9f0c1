package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-relay/transport"
)

type mockBinding struct {
	mock.Mock
}

func (m *mockBinding) CreateListenSocket(port int, opts transport.Options) (transport.ListenSocket, error) {
	args := m.Called(port, opts)
	ls, _ := args.Get(0).(transport.ListenSocket)
	return ls, args.Error(1)
}

func (m *mockBinding) Connect(addr string, opts transport.Options) (transport.ClientSocket, error) {
	args := m.Called(addr, opts)
	cs, _ := args.Get(0).(transport.ClientSocket)
	return cs, args.Error(1)
}

func (m *mockBinding) AcceptConnection(h transport.Handle) error {
	return m.Called(h).Error(0)
}

func (m *mockBinding) CloseConnection(h transport.Handle, reason string) error {
	return m.Called(h, reason).Error(0)
}

func (m *mockBinding) ReceiveMessages(h transport.Handle, maxCount int) ([]*transport.Message, error) {
	args := m.Called(h, maxCount)
	msgs, _ := args.Get(0).([]*transport.Message)
	return msgs, args.Error(1)
}

func (m *mockBinding) SendMessage(h transport.Handle, payload []byte) error {
	return m.Called(h, payload).Error(0)
}

type stubListenSocket struct {
	queue *transport.EventQueue
}

func (s *stubListenSocket) Events() <-chan transport.StateChange { return s.queue.Events() }
func (s *stubListenSocket) Addr() string                         { return "stub" }
func (s *stubListenSocket) Close() error                         { s.queue.Close(); return nil }

func newMockServer(t *testing.T) (*Server, *mockBinding) {
	t.Helper()

	cfg, _ := testConfig()
	return newMockServerWithConfig(t, cfg)
}

func newMockServerWithConfig(t *testing.T, cfg Config) (*Server, *mockBinding) {
	t.Helper()

	b := &mockBinding{}
	b.On("CreateListenSocket", 0, mock.Anything).Return(&stubListenSocket{queue: transport.NewEventQueue()}, nil).Once()

	rt := NewRuntime(b)
	_, err := rt.Init()
	require.NoError(t, err)

	s, err := Listen(rt, 0, cfg)
	require.NoError(t, err)

	return s, b
}

// hookedClock runs onTicker whenever a ticker is created, which happens
// while a connection is being registered.
type hookedClock struct {
	*clock.Mock
	onTicker func()
}

func (c *hookedClock) Ticker(d time.Duration) *clock.Ticker {
	if c.onTicker != nil {
		c.onTicker()
	}
	return c.Mock.Ticker(d)
}

func TestServer_Listen(t *testing.T) {
	b := &mockBinding{}
	b.On("CreateListenSocket", 7777, mock.Anything).Return(nil, transport.ErrAddressInUse).Once()

	rt := NewRuntime(b)
	_, err := rt.Init()
	require.NoError(t, err)

	cfg, _ := testConfig()
	_, err = Listen(rt, 7777, cfg)
	assert.ErrorIs(t, err, ErrTransportInit)
	assert.ErrorIs(t, err, transport.ErrAddressInUse)
	b.AssertExpectations(t)
}

func TestServer_HandleStateChange(t *testing.T) {
	t.Run("failed accept closes the session", func(t *testing.T) {
		s, b := newMockServer(t)
		b.On("AcceptConnection", transport.Handle(5)).Return(errors.New("refused")).Once()
		b.On("CloseConnection", transport.Handle(5), "failed to accept").Return(nil).Once()

		s.HandleStateChange(transport.StateChange{Handle: 5, State: transport.StateConnecting})

		b.AssertExpectations(t)
		assert.Equal(t, 0, s.Len())
	})

	t.Run("repeated connecting is not a failure", func(t *testing.T) {
		s, b := newMockServer(t)
		b.On("AcceptConnection", transport.Handle(9)).Return(nil).Once()
		b.On("AcceptConnection", transport.Handle(9)).Return(transport.ErrInvalidState)

		s.HandleStateChange(transport.StateChange{Handle: 9, State: transport.StateConnecting})
		s.HandleStateChange(transport.StateChange{Handle: 9, State: transport.StateConnecting})

		b.AssertNotCalled(t, "CloseConnection", transport.Handle(9), mock.Anything)
	})

	t.Run("concurrent connecting events accept once", func(t *testing.T) {
		s, b := newMockServer(t)

		started := make(chan struct{})
		release := make(chan struct{})
		b.On("AcceptConnection", transport.Handle(8)).Run(func(mock.Arguments) {
			close(started)
			<-release
		}).Return(nil).Once()
		b.On("AcceptConnection", transport.Handle(8)).Return(transport.ErrInvalidState).Maybe()

		var wg sync.WaitGroup
		connecting := func() {
			defer wg.Done()
			s.HandleStateChange(transport.StateChange{Handle: 8, State: transport.StateConnecting})
		}

		wg.Add(1)
		go connecting()
		<-started

		for range 15 {
			wg.Add(1)
			go connecting()
		}

		// Give the other callers time to join the accept in flight.
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		b.AssertNumberOfCalls(t, "AcceptConnection", 1)
		b.AssertNotCalled(t, "CloseConnection", transport.Handle(8), mock.Anything)
	})

	t.Run("dispose during registration suppresses accept", func(t *testing.T) {
		hc := &hookedClock{Mock: clock.NewMock()}
		cfg, _ := testConfig()
		cfg.Clock = hc

		s, b := newMockServerWithConfig(t, cfg)
		b.On("CloseConnection", transport.Handle(13), closeReasonShutdown).Return(nil).Once()
		b.On("ReceiveMessages", transport.Handle(13), DefaultReceiveBatchSize).Return(nil, nil).Maybe()

		var accepts, closes atomic.Int32
		s.OnAccept(func(transport.Handle) { accepts.Add(1) })
		s.OnClose(func() { closes.Add(1) })
		hc.onTicker = func() { assert.NoError(t, s.Dispose()) }

		s.HandleStateChange(transport.StateChange{Handle: 13, State: transport.StateConnected})

		assert.Equal(t, int32(1), closes.Load())
		assert.Equal(t, int32(0), accepts.Load())
		assert.Equal(t, 0, s.Len())
		b.AssertExpectations(t)
	})

	t.Run("concurrent connected events register once", func(t *testing.T) {
		s, b := newMockServer(t)
		b.On("ReceiveMessages", transport.Handle(7), DefaultReceiveBatchSize).Return(nil, nil).Maybe()
		b.On("CloseConnection", transport.Handle(7), closeReasonShutdown).Return(nil).Maybe()
		t.Cleanup(func() { _ = s.Dispose() })

		var accepts atomic.Int32
		s.OnAccept(func(transport.Handle) { accepts.Add(1) })

		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.HandleStateChange(transport.StateChange{Handle: 7, State: transport.StateConnected})
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, s.Len())
		assert.Equal(t, int32(1), accepts.Load())
	})

	t.Run("local client sessions are ignored", func(t *testing.T) {
		s, b := newMockServer(t)
		s.rt.localClients.Add(11)

		s.HandleStateChange(transport.StateChange{Handle: 11, State: transport.StateConnecting})
		s.HandleStateChange(transport.StateChange{Handle: 11, State: transport.StateConnected})

		b.AssertNotCalled(t, "AcceptConnection", mock.Anything)
		assert.Equal(t, 0, s.Len())
	})

	t.Run("closed handles are not accepted again", func(t *testing.T) {
		s, b := newMockServer(t)
		b.On("CloseConnection", transport.Handle(12), "closed").Return(transport.ErrNoConnection)

		var disconnects atomic.Int32
		s.OnDisconnect(func(transport.Handle) { disconnects.Add(1) })

		s.HandleStateChange(transport.StateChange{Handle: 12, State: transport.StateClosedByPeer})
		s.HandleStateChange(transport.StateChange{Handle: 12, State: transport.StateConnecting})
		s.HandleStateChange(transport.StateChange{Handle: 12, State: transport.StateConnected})

		b.AssertNotCalled(t, "AcceptConnection", mock.Anything)
		assert.Equal(t, 0, s.Len())
		assert.Equal(t, int32(0), disconnects.Load(), "never connected, so no disconnect")
	})
}
