// Package acuvim2 implements the `acuvim2` protocol for the three phase Acuvim II power meters, read over Modbus TCP.
package acuvim2

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/modbusaccess"
	"github.com/cepro/meterlogger/protocol"
	"github.com/cepro/meterlogger/telemetry"
	"github.com/grid-x/modbus"
)

var Details = protocol.Details{
	Name:        "acuvim2",
	Description: "Acuvim II three phase power meter over Modbus TCP",
	Periodic:    true,
	MaxReadings: 32,
}

type Options struct {
	Host    string        `mapstructure:"host"`
	SlaveID byte          `mapstructure:"slaveId"`
	Timeout time.Duration `mapstructure:"timeout"`
	Pt1     float64       `mapstructure:"pt1"` // installed potential transformer 1 rating
	Pt2     float64       `mapstructure:"pt2"` // installed potential transformer 2 rating
	Ct1     float64       `mapstructure:"ct1"` // installed current transformer 1 rating
	Ct2     float64       `mapstructure:"ct2"` // installed current transformer 2 rating
}

// Meter handles Modbus communications with an Acuvim II meter. Every read polls the power and energy register
// blocks and returns one reading per register, tagged with the register name (e.g. "PowerTotalActive").
type Meter struct {
	options Options

	handler         *modbus.TCPClientHandler
	client          modbus.Client
	shouldReconnect bool // when true, the connection is 'dirty' and will be re-created on the next read

	closer protocol.CloseOnce
	logger *slog.Logger
}

func New(options map[string]any) (*Meter, error) {
	opts := Options{
		SlaveID: 0x01,
		Timeout: 10 * time.Second,
		Pt1:     400,
		Pt2:     400,
		Ct1:     5,
		Ct2:     5,
	}
	err := config.DecodeOptions(options, &opts)
	if err != nil {
		return nil, err
	}

	return &Meter{
		options: opts,
		logger:  slog.Default().With("protocol", Details.Name, "host", opts.Host),
	}, nil
}

// Open connects to the meter.
func (m *Meter) Open(ctx context.Context) error {
	if m.options.Host == "" {
		return &protocol.OpenError{Protocol: Details.Name, Err: fmt.Errorf("no host configured")}
	}
	if m.options.Pt2 == 0 || m.options.Ct2 == 0 {
		return &protocol.OpenError{Protocol: Details.Name, Err: fmt.Errorf("transformer ratings must be non-zero")}
	}

	err := m.connect()
	if err != nil {
		return &protocol.OpenError{Protocol: Details.Name, Err: err}
	}

	return nil
}

func (m *Meter) connect() error {
	handler := modbus.NewTCPClientHandler(m.options.Host)
	handler.Timeout = m.options.Timeout
	handler.SlaveID = m.options.SlaveID

	m.logger.Info("Connecting to Acuvim meter")

	err := handler.Connect()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	m.handler = handler
	m.client = modbus.NewClient(handler)
	m.shouldReconnect = false

	return nil
}

// reconnectIfNeccesary will close the old connection and reconnect if there have been problems with the connection.
func (m *Meter) reconnectIfNeccesary() error {
	if !m.shouldReconnect {
		return nil
	}

	// Ignore errors from Close() as we will continue with the reconnect anyway and start a new connection.
	if m.handler != nil {
		m.handler.Close()
	}

	return m.connect()
}

// Read polls all register blocks. Each request is bounded by the configured modbus timeout.
func (m *Meter) Read(ctx context.Context, max int) ([]telemetry.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, protocol.IOError(err)
	}
	if m.client == nil {
		return nil, protocol.IOError(fmt.Errorf("meter is not open"))
	}

	err := m.reconnectIfNeccesary()
	if err != nil {
		return nil, protocol.IOError(fmt.Errorf("reconnect: %w", err))
	}

	metrics, err := modbusaccess.PollBlocks(m.client, m, blocks)
	if err != nil {
		m.shouldReconnect = true
		return nil, protocol.IOError(err)
	}

	return metricsToReadings(metrics, time.Now(), max), nil
}

func (m *Meter) Close() error {
	return m.closer.Do(func() error {
		m.client = nil
		if m.handler == nil {
			return nil
		}
		return m.handler.Close()
	})
}

// metricsToReadings converts the polled metrics into readings tagged with the metric name, in name order.
func metricsToReadings(metrics map[string]float64, t time.Time, max int) []telemetry.Reading {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	if max > 0 && len(names) > max {
		names = names[:max]
	}

	readings := make([]telemetry.Reading, 0, len(names))
	for _, name := range names {
		readings = append(readings, telemetry.NewTagged(t, metrics[name], name))
	}
	return readings
}
