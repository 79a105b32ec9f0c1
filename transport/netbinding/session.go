package netbinding

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/transport"
)

// session is one stream. Its read pump fills inbox and its write pump drains
// outbound; both exit when done is closed.
type session struct {
	binding *Binding
	handle  transport.Handle
	owner   *transport.EventQueue
	ownsQ   bool
	remote  string
	opts    transport.Options

	raw       net.Conn
	accepting atomic.Bool

	mu       sync.Mutex
	current  transport.State
	conn     MessageConn
	closed   bool
	outbound chan []byte
	inbox    chan []byte
	done     chan struct{}
}

func newSession(b *Binding, h transport.Handle, owner *transport.EventQueue, ownsQ bool, remote string, opts transport.Options) *session {
	sendSize := opts.SendBufferSize
	if sendSize <= 0 {
		sendSize = transport.DefaultOptions().SendBufferSize
	}

	recvSize := opts.ReceiveBufferSize
	if recvSize <= 0 {
		recvSize = transport.DefaultOptions().ReceiveBufferSize
	}

	return &session{
		binding:  b,
		handle:   h,
		owner:    owner,
		ownsQ:    ownsQ,
		remote:   remote,
		opts:     opts,
		current:  transport.StateConnecting,
		outbound: make(chan []byte, sendSize),
		inbox:    make(chan []byte, recvSize),
		done:     make(chan struct{}),
	}
}

func (s *session) state() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// establish starts the pumps on mc and reports Connected. A session closed
// while its handshake was running only closes mc.
func (s *session) establish(mc MessageConn) {
	s.mu.Lock()
	if s.closed || s.current != transport.StateConnecting {
		s.mu.Unlock()
		_ = mc.Close()
		return
	}
	s.conn = mc
	s.current = transport.StateConnected
	s.mu.Unlock()

	go s.readPump(mc)
	go s.writePump(mc)

	s.owner.Push(transport.StateChange{
		Handle:            s.handle,
		PreviousState:     transport.StateConnecting,
		State:             transport.StateConnected,
		RemoteDescription: s.remote,
	})
}

// terminate moves a live session to a terminal state and reports it. The
// stream stays open until CloseConnection.
func (s *session) terminate(state transport.State, reason string) {
	s.mu.Lock()
	prev := s.current
	if s.closed || prev.Terminal() {
		s.mu.Unlock()
		return
	}
	s.current = state
	s.mu.Unlock()

	s.owner.Push(transport.StateChange{
		Handle:            s.handle,
		PreviousState:     prev,
		State:             state,
		RemoteDescription: s.remote,
		Reason:            reason,
	})
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.current = transport.StateNone
	conn := s.conn
	s.mu.Unlock()

	close(s.done)
	if s.ownsQ {
		s.owner.Close()
	}

	switch {
	case conn != nil:
		return conn.Close()
	case s.raw != nil:
		return s.raw.Close()
	}

	return nil
}

func (s *session) send(payload []byte) error {
	switch state := s.state(); {
	case state == transport.StateNone || state.Terminal():
		return transport.ErrNoConnection
	case state != transport.StateConnected:
		return transport.ErrInvalidState
	}

	msg := append([]byte(nil), payload...)
	select {
	case s.outbound <- msg:
		return nil
	case <-s.done:
		return transport.ErrNoConnection
	default:
		return transport.ErrLimitExceeded
	}
}

func (s *session) receive(maxCount int) ([]*transport.Message, error) {
	var msgs []*transport.Message
	for len(msgs) < maxCount {
		select {
		case data := <-s.inbox:
			msgs = append(msgs, transport.NewMessage(s.handle, data, nil))
			continue
		default:
		}
		break
	}

	if len(msgs) == 0 {
		if state := s.state(); state == transport.StateNone || state.Terminal() {
			return nil, transport.ErrNoConnection
		}
	}

	return msgs, nil
}

func (s *session) readPump(mc MessageConn) {
	for {
		data, err := mc.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.terminate(transport.StateClosedByPeer, "remote closed the stream")
			} else {
				s.binding.logger.Warn("read failed", logger.Field{Key: "handle", Value: s.handle}, logger.Field{Key: "error", Value: err})
				s.terminate(transport.StateProblemDetectedLocally, err.Error())
			}
			return
		}

		select {
		case s.inbox <- data:
		case <-s.done:
			return
		}
	}
}

func (s *session) writePump(mc MessageConn) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbound:
			if err := mc.WriteMessage(msg); err != nil {
				select {
				case <-s.done:
				default:
					s.binding.logger.Warn("write failed", logger.Field{Key: "handle", Value: s.handle}, logger.Field{Key: "error", Value: err})
					s.terminate(transport.StateProblemDetectedLocally, err.Error())
				}
				return
			}
		}
	}
}
