package netbinding

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// DefaultMaxFrameSize bounds a single length-prefixed frame.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a peer announces a frame above the codec limit.
var ErrFrameTooLarge = errors.New("netbinding: frame too large")

// MessageConn moves whole messages over an established stream.
type MessageConn interface {
	// ReadMessage blocks until the next complete message arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage writes p as one message. It is not called concurrently
	// with itself but may run concurrently with ReadMessage.
	WriteMessage(p []byte) error

	// Close closes the underlying stream.
	Close() error

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}

// Codec establishes MessageConns on both ends of a stream.
type Codec interface {
	// Name identifies the codec in logs.
	Name() string

	// Accept performs the server side of the handshake on an accepted conn.
	Accept(conn net.Conn) (MessageConn, error)

	// Dial connects to addr and performs the client side of the handshake.
	Dial(ctx context.Context, addr string) (MessageConn, error)
}

// TCPCodec frames each message with a 4-byte little-endian length prefix.
type TCPCodec struct {
	// MaxFrameSize rejects inbound frames above this size. Zero means
	// DefaultMaxFrameSize.
	MaxFrameSize int
}

// Name implements Codec.
func (c TCPCodec) Name() string {
	return "tcp"
}

// Accept implements Codec. Length-prefixed streams need no handshake.
func (c TCPCodec) Accept(conn net.Conn) (MessageConn, error) {
	return c.wrap(conn), nil
}

// Dial implements Codec.
func (c TCPCodec) Dial(ctx context.Context, addr string) (MessageConn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return c.wrap(conn), nil
}

func (c TCPCodec) wrap(conn net.Conn) *lengthPrefixedConn {
	limit := c.MaxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}

	return &lengthPrefixedConn{conn: conn, reader: bufio.NewReader(conn), limit: limit}
}

type lengthPrefixedConn struct {
	conn   net.Conn
	reader *bufio.Reader
	limit  int
}

func (c *lengthPrefixedConn) ReadMessage() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, err
	}

	size := binary.LittleEndian.Uint32(header[:])
	if uint64(size) > uint64(c.limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	packet := make([]byte, size)
	if _, err := io.ReadFull(c.reader, packet); err != nil {
		return nil, err
	}

	return packet, nil
}

func (c *lengthPrefixedConn) WriteMessage(p []byte) error {
	frame := make([]byte, 4+len(p))
	binary.LittleEndian.PutUint32(frame, uint32(len(p)))
	copy(frame[4:], p)

	_, err := c.conn.Write(frame)
	return err
}

func (c *lengthPrefixedConn) Close() error {
	return c.conn.Close()
}

func (c *lengthPrefixedConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// WebSocketCodec carries each message as one binary WebSocket message.
type WebSocketCodec struct {
	// Path is requested by Dial when addr carries no scheme. Defaults to "/".
	Path string

	// MaxFrameSize rejects inbound messages above this size, whether sent in
	// one frame or fragmented. Zero means DefaultMaxFrameSize.
	MaxFrameSize int
}

// Name implements Codec.
func (c WebSocketCodec) Name() string {
	return "websocket"
}

// Accept implements Codec by upgrading the HTTP request on conn.
func (c WebSocketCodec) Accept(conn net.Conn) (MessageConn, error) {
	if _, err := ws.Upgrade(conn); err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}

	return newWSConn(conn, conn, ws.StateServerSide, c.MaxFrameSize), nil
}

// Dial implements Codec. addr may be a bare host:port or a ws:// URL.
func (c WebSocketCodec) Dial(ctx context.Context, addr string) (MessageConn, error) {
	url := addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		path := c.Path
		if path == "" {
			path = "/"
		}
		url = "ws://" + addr + path
	}

	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	var reader io.Reader = conn
	if br != nil {
		reader = br
	}

	return newWSConn(conn, reader, ws.StateClientSide, c.MaxFrameSize), nil
}

// errCloseFrame reports a close frame seen between message fragments.
var errCloseFrame = errors.New("websocket close frame")

type wsConn struct {
	conn  net.Conn
	rd    *wsutil.Reader
	state ws.State
	limit int

	// wmu serializes whole frames: data frames from the write pump and
	// control replies from the read pump.
	wmu sync.Mutex
}

func newWSConn(conn net.Conn, src io.Reader, state ws.State, limit int) *wsConn {
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}

	c := &wsConn{conn: conn, state: state, limit: limit}
	c.rd = &wsutil.Reader{
		Source:       src,
		State:        state,
		MaxFrameSize: int64(limit),
	}
	c.rd.OnIntermediate = c.control

	return c
}

// control answers pings and acknowledges close frames. Control payloads are
// at most 125 bytes.
func (c *wsConn) control(h ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	switch h.OpCode {
	case ws.OpPing:
		return c.write(ws.OpPong, payload)
	case ws.OpClose:
		_ = c.write(ws.OpClose, nil)
		return errCloseFrame
	}

	return nil
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, c.readError(err)
		}

		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.rd); err != nil {
				return nil, c.readError(err)
			}
			continue
		}

		msg, err := io.ReadAll(io.LimitReader(c.rd, int64(c.limit)+1))
		if err != nil {
			return nil, c.readError(err)
		}
		if len(msg) > c.limit {
			return nil, fmt.Errorf("%w: message above %d bytes", ErrFrameTooLarge, c.limit)
		}

		return msg, nil
	}
}

func (c *wsConn) readError(err error) error {
	switch {
	case errors.Is(err, errCloseFrame):
		return io.EOF
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		return fmt.Errorf("%w: frame above %d bytes", ErrFrameTooLarge, c.limit)
	}

	return err
}

func (c *wsConn) WriteMessage(p []byte) error {
	return c.write(ws.OpBinary, p)
}

func (c *wsConn) write(op ws.OpCode, p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteMessage(c.conn, c.state, op, p)
}

func (c *wsConn) Close() error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.write(ws.OpClose, nil)
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
