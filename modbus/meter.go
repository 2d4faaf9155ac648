package modbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/modbusaccess"
	"github.com/cepro/meterlogger/protocol"
	"github.com/cepro/meterlogger/telemetry"
)

var Details = protocol.Details{
	Name:        "modbus",
	Description: "Generic Modbus TCP/RTU meter with configurable registers",
	Periodic:    true,
	MaxReadings: 64,
}

// RegisterOptions describes one value to read from the device.
type RegisterOptions struct {
	Name    string  `mapstructure:"name"`    // used as the reading identifier
	Address uint16  `mapstructure:"address"` // first register of the value
	Type    string  `mapstructure:"type"`    // float32, float64, int32, uint32, int16 or uint16
	Scale   float64 `mapstructure:"scale"`   // multiplier applied to the raw value, 1 if unset
	Input   bool    `mapstructure:"input"`   // read input registers rather than holding registers
}

type Options struct {
	URL       string            `mapstructure:"url"`
	Speed     uint              `mapstructure:"speed"` // baud rate for rtu:// urls
	UnitID    uint8             `mapstructure:"unitId"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	Registers []RegisterOptions `mapstructure:"registers"`
}

type register struct {
	block modbusaccess.RegisterBlock
	input bool
}

// Meter reads a fixed list of registers on every read, returning one reading per register tagged with its name.
type Meter struct {
	options   Options
	client    *Client
	registers []register

	closer protocol.CloseOnce
}

func New(options map[string]any) (*Meter, error) {
	opts := Options{
		Speed:   9600,
		UnitID:  1,
		Timeout: 2 * time.Second,
	}
	err := config.DecodeOptions(options, &opts)
	if err != nil {
		return nil, err
	}

	return &Meter{options: opts}, nil
}

func (m *Meter) Open(ctx context.Context) error {
	registers, err := buildRegisters(m.options.Registers)
	if err != nil {
		return &protocol.OpenError{Protocol: Details.Name, Err: err}
	}
	if m.options.URL == "" {
		return &protocol.OpenError{Protocol: Details.Name, Err: errors.New("no url configured")}
	}

	client := NewClient(m.options.URL, m.options.Speed, m.options.UnitID, m.options.Timeout)
	err = client.Connect()
	if err != nil {
		return &protocol.OpenError{Protocol: Details.Name, Err: err}
	}

	m.client = client
	m.registers = registers

	return nil
}

func buildRegisters(options []RegisterOptions) ([]register, error) {
	if len(options) == 0 {
		return nil, errors.New("no registers configured")
	}

	registers := make([]register, 0, len(options))
	for i, opt := range options {
		if opt.Name == "" {
			return nil, fmt.Errorf("register %d has no name", i)
		}
		dataType, err := modbusaccess.TypeByName(opt.Type)
		if err != nil {
			return nil, fmt.Errorf("register '%s': %w", opt.Name, err)
		}

		scale := opt.Scale
		if scale == 0 {
			scale = 1
		}

		registers = append(registers, register{
			block: modbusaccess.RegisterBlock{
				Name:         opt.Name,
				StartAddr:    opt.Address,
				NumRegisters: dataType.NumRegisters(),
				Registers: map[string]modbusaccess.Register{
					opt.Name: {
						StartAddr: opt.Address,
						DataType:  dataType,
						ScalingFunc: func(_ modbusaccess.Scaler, val float64) float64 {
							return val * scale
						},
					},
				},
			},
			input: opt.Input,
		})
	}

	return registers, nil
}

// Read polls every configured register. A failure on any register fails the whole read so that a batch is never
// partial; the connection is re-established on the next read.
func (m *Meter) Read(ctx context.Context, max int) ([]telemetry.Reading, error) {
	if m.client == nil {
		return nil, protocol.IOError(errors.New("meter is not open"))
	}

	now := time.Now()
	readings := make([]telemetry.Reading, 0, len(m.registers))
	for _, reg := range m.registers {
		if err := ctx.Err(); err != nil {
			return nil, protocol.IOError(err)
		}
		if max > 0 && len(readings) >= max {
			break
		}

		metrics, err := m.client.PollBlock(nil, reg.block, reg.input)
		if err != nil {
			return nil, protocol.IOError(fmt.Errorf("poll '%s': %w", reg.block.Name, err))
		}
		readings = append(readings, telemetry.NewTagged(now, metrics[reg.block.Name], reg.block.Name))
	}

	return readings, nil
}

func (m *Meter) Close() error {
	return m.closer.Do(func() error {
		if m.client == nil {
			return nil
		}
		err := m.client.Close()
		m.client = nil
		return err
	})
}
