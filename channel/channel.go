package channel

import (
	"log/slog"

	"github.com/cepro/meterlogger/buffer"
	"github.com/cepro/meterlogger/telemetry"
)

// Channel is a logical measurement stream: it owns the buffer of readings for one UUID and knows where those readings
// should be delivered.
//
// Channels are created at startup and never added or removed while the daemon runs, so they are shared between
// goroutines without locking. Only the buffer is mutable.
type Channel struct {
	uuid       string
	identifier string         // when set, only readings with this tag are accepted
	interval   int            // seconds, copied from the owning meter
	protocol   string         // name of the owning meter's protocol
	middleware map[string]any // delivery target configuration, nil for local-only channels
	buffer     *buffer.Buffer
	logger     *slog.Logger
}

type Config struct {
	UUID       string
	Identifier string
	Interval   int
	Protocol   string
	Middleware map[string]any
	Keep       int
}

func New(config Config) *Channel {
	return &Channel{
		uuid:       config.UUID,
		identifier: config.Identifier,
		interval:   config.Interval,
		protocol:   config.Protocol,
		middleware: config.Middleware,
		buffer:     buffer.New(config.Keep),
		logger:     slog.Default().With("channel", config.UUID),
	}
}

// Accepts returns true if the reading should be stored in this channel. Channels without an identifier accept every
// reading from their meter.
func (c *Channel) Accepts(reading telemetry.Reading) bool {
	return c.identifier == "" || c.identifier == reading.Tag
}

// Push stores the readings that this channel accepts and returns how many were stored.
func (c *Channel) Push(readings []telemetry.Reading) int {
	if c.identifier == "" {
		c.buffer.Push(readings...)
		return len(readings)
	}

	accepted := make([]telemetry.Reading, 0, len(readings))
	for _, reading := range readings {
		if c.Accepts(reading) {
			accepted = append(accepted, reading)
		}
	}
	c.buffer.Push(accepted...)
	return len(accepted)
}

// Last returns the most recent reading stored in the channel.
func (c *Channel) Last() (telemetry.Reading, bool) {
	return c.buffer.Last()
}

func (c *Channel) UUID() string               { return c.uuid }
func (c *Channel) Identifier() string         { return c.identifier }
func (c *Channel) Interval() int              { return c.interval }
func (c *Channel) Protocol() string           { return c.protocol }
func (c *Channel) Middleware() map[string]any { return c.middleware }
func (c *Channel) Buffer() *buffer.Buffer     { return c.buffer }
func (c *Channel) Logger() *slog.Logger       { return c.logger }
func (c *Channel) HasMiddleware() bool        { return len(c.middleware) > 0 }
