package relay

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/transport"
)

const (
	// DefaultMaxPacketSize is the largest payload SendTo accepts.
	DefaultMaxPacketSize = 81920

	// DefaultTickInterval paces each connection loop.
	DefaultTickInterval = 16 * time.Millisecond

	// DefaultReceiveBatchSize is how many messages one poll asks for.
	DefaultReceiveBatchSize = 50

	// DefaultTombstoneTTL is how long a closed handle's late events are ignored.
	DefaultTombstoneTTL = 30 * time.Second

	// DefaultInboxSize bounds a Client's Receive buffer.
	DefaultInboxSize = 256
)

// Config holds the settings shared by Server and Client. Zero fields are
// replaced by their defaults.
type Config struct {
	// Name identifies the server or client in logs and metrics.
	Name string

	MaxPacketSize    int
	TickInterval     time.Duration
	ReceiveBatchSize int
	TombstoneTTL     time.Duration
	InboxSize        int

	// Options are passed to the binding when creating sockets.
	Options transport.Options

	// Clock drives connection pacing. Tests pass clock.NewMock().
	Clock clock.Clock

	Logger  logger.Logger
	Metrics *Metrics
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		Name:             "Server",
		MaxPacketSize:    DefaultMaxPacketSize,
		TickInterval:     DefaultTickInterval,
		ReceiveBatchSize: DefaultReceiveBatchSize,
		TombstoneTTL:     DefaultTombstoneTTL,
		InboxSize:        DefaultInboxSize,
		Options:          transport.DefaultOptions(),
		Clock:            clock.New(),
		Logger:           logger.NewNopLogger(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.Name == "" {
		c.Name = def.Name
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = def.MaxPacketSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ReceiveBatchSize <= 0 {
		c.ReceiveBatchSize = def.ReceiveBatchSize
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = def.TombstoneTTL
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.Options == (transport.Options{}) {
		c.Options = def.Options
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}

	return c
}
