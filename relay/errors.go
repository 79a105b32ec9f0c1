package relay

import "errors"

var (
	// ErrTransportInit is returned when the transport cannot be initialized or
	// a socket cannot be created.
	ErrTransportInit = errors.New("relay: transport initialization failed")

	// ErrRuntimeNotInitialized is returned by Listen and Dial when the
	// Runtime's Init has not succeeded.
	ErrRuntimeNotInitialized = errors.New("relay: runtime not initialized")

	// ErrUnknownConnection is returned when sending to a handle that is not
	// registered.
	ErrUnknownConnection = errors.New("relay: unknown connection")

	// ErrPacketTooLarge is returned when a packet exceeds the maximum message
	// size. Packets are never fragmented.
	ErrPacketTooLarge = errors.New("relay: packet larger than maximum message size")

	// ErrSendFailed wraps a transport error that caused a packet to be
	// abandoned without retry.
	ErrSendFailed = errors.New("relay: send failed")

	// ErrNotConnected is returned by Client.Send before the session is
	// established or after it ended.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrClosed is returned by Client.Receive after the client ended.
	ErrClosed = errors.New("relay: closed")
)
