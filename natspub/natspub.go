// Package natspub publishes channel readings to a NATS subject. It is used as the `nats` middleware.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/telemetry"
	"github.com/nats-io/nats.go"
)

const defaultSubject = "meterlogger.readings.{uuid}"

type Options struct {
	URL     string        `mapstructure:"url"`
	Subject string        `mapstructure:"subject"` // "{uuid}" is replaced with the channel uuid
	Name    string        `mapstructure:"name"`    // client name reported to the server
	Timeout time.Duration `mapstructure:"timeout"` // connection timeout
}

// Message is the payload published for every delivered batch.
type Message struct {
	Channel  string    `json:"channel"`
	Readings []Reading `json:"readings"`
}

type Reading struct {
	Timestamp int64   `json:"timestamp"` // milliseconds since the unix epoch
	Value     float64 `json:"value"`
	Tag       string  `json:"tag,omitempty"`
}

// Publisher connects lazily on the first delivery. Reconnection after that is handled by the nats client.
type Publisher struct {
	options Options

	mu     sync.Mutex
	conn   *nats.Conn
	logger *slog.Logger
}

// NewFromOptions creates a publisher from a middleware configuration section.
func NewFromOptions(options map[string]any) (*Publisher, error) {
	opts := Options{
		URL:     nats.DefaultURL,
		Subject: defaultSubject,
		Name:    "meterlogger",
		Timeout: 5 * time.Second,
	}
	err := config.DecodeOptions(options, &opts)
	if err != nil {
		return nil, err
	}
	return New(opts), nil
}

func New(options Options) *Publisher {
	return &Publisher{
		options: options,
		logger:  slog.Default().With("nats", options.URL),
	}
}

// Subject returns the subject that readings of the channel are published on.
func (p *Publisher) Subject(channel string) string {
	return strings.ReplaceAll(p.options.Subject, "{uuid}", channel)
}

func newMessage(channel string, readings []telemetry.Reading) Message {
	msg := Message{Channel: channel, Readings: make([]Reading, 0, len(readings))}
	for _, reading := range readings {
		msg.Readings = append(msg.Readings, Reading{
			Timestamp: reading.UnixMilli(),
			Value:     reading.Value,
			Tag:       reading.Tag,
		})
	}
	return msg
}

// Deliver publishes the batch as one message and waits for the server to acknowledge the flush.
func (p *Publisher) Deliver(ctx context.Context, channel string, readings []telemetry.Reading) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}

	data, err := json.Marshal(newMessage(channel, readings))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = conn.Publish(p.Subject(channel), data)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err = conn.FlushWithContext(ctx)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	return nil
}

func (p *Publisher) connection() (*nats.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return p.conn, nil
	}

	conn, err := nats.Connect(p.options.URL,
		nats.Name(p.options.Name),
		nats.Timeout(p.options.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn("Disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			p.logger.Info("Reconnected to nats")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	p.logger.Info("Connected to nats")
	p.conn = conn
	return conn, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	p.conn = nil
	return err
}
