// Package transport defines the contract between the relay and the message
// transport it runs on. A Binding creates listen sockets, accepts and closes
// sessions, moves whole messages and reports session state changes on a
// channel. Bindings own framing; the relay never sees partial messages.
package transport

import (
	"errors"
	"strconv"
	"time"
)

// Result errors returned by Binding implementations.
var (
	// ErrLimitExceeded reports that the outbound path for a session is
	// temporarily full. The send may be retried later.
	ErrLimitExceeded = errors.New("transport: send limit exceeded")

	// ErrNoConnection reports that the session does not exist or has ended.
	// Returned by ReceiveMessages it is a terminal poll result.
	ErrNoConnection = errors.New("transport: no such connection")

	// ErrInvalidState reports an operation that the session's current state
	// does not allow, such as accepting an already connected session.
	ErrInvalidState = errors.New("transport: invalid connection state")

	// ErrAddressInUse reports that a listen socket already owns the port.
	ErrAddressInUse = errors.New("transport: address already in use")

	// ErrClosed reports use of a closed listen socket or binding.
	ErrClosed = errors.New("transport: closed")
)

// Handle is a transport-assigned session identifier. The zero value is never
// issued by a binding.
type Handle uint32

// InvalidHandle is the zero Handle.
const InvalidHandle Handle = 0

// String returns the decimal form of the handle.
func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// State is the lifecycle state of a session.
type State int

const (
	StateNone                   State = iota // No session
	StateConnecting                          // Remote side asked to connect; awaiting accept
	StateConnected                           // Session established; messages may flow
	StateClosedByPeer                        // Remote side closed the session
	StateProblemDetectedLocally              // Local side detected a broken session
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosedByPeer:
		return "ClosedByPeer"
	case StateProblemDetectedLocally:
		return "ProblemDetectedLocally"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	return s == StateClosedByPeer || s == StateProblemDetectedLocally
}

// StateChange is delivered on a socket's Events channel whenever one of its
// sessions changes state.
type StateChange struct {
	Handle            Handle
	PreviousState     State
	State             State
	RemoteDescription string // Remote address or peer description
	Reason            string // Close reason, when known
}

// Message is one inbound message owned by the transport until Release is
// called. Payload must not be retained after Release.
type Message struct {
	Payload []byte
	Handle  Handle

	release func()
}

// NewMessage builds a Message whose Release calls release. Bindings use it to
// return pooled buffers.
func NewMessage(h Handle, payload []byte, release func()) *Message {
	return &Message{Payload: payload, Handle: h, release: release}
}

// Release hands the message back to the transport. It is safe to call more
// than once.
func (m *Message) Release() {
	if m.release != nil {
		m.release()
		m.release = nil
	}
	m.Payload = nil
}

// Options configures sockets created by a Binding.
type Options struct {
	// Host is the interface address to bind listen sockets to ("" for all).
	Host string
	// SendBufferSize is the number of outbound messages a session buffers
	// before SendMessage reports ErrLimitExceeded.
	SendBufferSize int
	// ReceiveBufferSize is the number of inbound messages a session buffers
	// before the binding stops reading from the peer.
	ReceiveBufferSize int
	// HandshakeTimeout bounds session establishment.
	HandshakeTimeout time.Duration
}

// DefaultOptions returns the Options used when a caller does not override them.
//
// Returns:
//   - Options with SendBufferSize 128, ReceiveBufferSize 256 and
//     HandshakeTimeout 10s, listening on all interfaces
func DefaultOptions() Options {
	return Options{
		Host:              "",
		SendBufferSize:    128,
		ReceiveBufferSize: 256,
		HandshakeTimeout:  10 * time.Second,
	}
}

// EventSource delivers state changes for the sessions a socket owns. The
// channel is closed when the socket is closed.
type EventSource interface {
	Events() <-chan StateChange
}

// ListenSocket accepts inbound sessions.
type ListenSocket interface {
	EventSource

	// Addr returns the bound address.
	Addr() string

	// Close stops accepting sessions, closes the Events channel and closes
	// every session the socket produced, whatever its state, so each peer
	// observes its session ending. Later calls return ErrClosed.
	Close() error
}

// ClientSocket is an outbound session created by Connect.
type ClientSocket interface {
	EventSource

	// Handle identifies the session for SendMessage and ReceiveMessages.
	Handle() Handle
}

// Binding is the capability the relay consumes. Implementations must be safe
// for concurrent use.
type Binding interface {
	// CreateListenSocket starts accepting sessions on port.
	CreateListenSocket(port int, opts Options) (ListenSocket, error)

	// Connect opens an outbound session to addr. Establishment is reported on
	// the returned socket's Events channel.
	Connect(addr string, opts Options) (ClientSocket, error)

	// AcceptConnection accepts a session reported as Connecting.
	AcceptConnection(h Handle) error

	// CloseConnection ends a session. Closing an unknown handle returns
	// ErrNoConnection.
	CloseConnection(h Handle, reason string) error

	// ReceiveMessages returns up to maxCount pending messages without
	// blocking. An empty result means nothing is pending; ErrNoConnection
	// means the session is gone.
	ReceiveMessages(h Handle, maxCount int) ([]*Message, error)

	// SendMessage queues payload for delivery as one message. It returns
	// ErrLimitExceeded when the outbound path is full. The binding must not
	// retain payload after returning.
	SendMessage(h Handle, payload []byte) error
}

// Initializer is implemented by bindings that need one-time process setup
// before any socket is created.
type Initializer interface {
	Init() error
}
