// Package meterrandom implements the `random` protocol, a virtual meter producing a bounded random walk. It is useful
// for trying out a configuration without hardware.
package meterrandom

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/protocol"
	"github.com/cepro/meterlogger/telemetry"
)

var Details = protocol.Details{
	Name:        "random",
	Description: "Generate a random walk between min and max",
	Periodic:    true,
	MaxReadings: 1,
}

type Options struct {
	Min  float64 `mapstructure:"min"`
	Max  float64 `mapstructure:"max"`
	Seed int64   `mapstructure:"seed"` // zero seeds from the clock
}

type Meter struct {
	options Options

	mu    sync.Mutex
	rng   *rand.Rand
	value float64

	closer protocol.CloseOnce
}

func New(options map[string]any) (*Meter, error) {
	opts := Options{Min: 0, Max: 40}
	err := config.DecodeOptions(options, &opts)
	if err != nil {
		return nil, err
	}
	return &Meter{options: opts}, nil
}

func (m *Meter) Open(ctx context.Context) error {
	if m.options.Max <= m.options.Min {
		return &protocol.OpenError{Protocol: Details.Name, Err: fmt.Errorf("max (%v) must be greater than min (%v)", m.options.Max, m.options.Min)}
	}

	seed := m.options.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rng = rand.New(rand.NewSource(seed))
	m.value = m.options.Min + m.rng.Float64()*(m.options.Max-m.options.Min)

	return nil
}

// Read takes a step of at most a tenth of the range, reflecting off the bounds.
func (m *Meter) Read(ctx context.Context, max int) ([]telemetry.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rng == nil {
		return nil, protocol.IOError(fmt.Errorf("meter is not open"))
	}

	span := m.options.Max - m.options.Min
	m.value += (m.rng.Float64()*2 - 1) * span / 10
	if m.value > m.options.Max {
		m.value = 2*m.options.Max - m.value
	}
	if m.value < m.options.Min {
		m.value = 2*m.options.Min - m.value
	}

	return []telemetry.Reading{telemetry.New(time.Now(), m.value)}, nil
}

func (m *Meter) Close() error {
	return m.closer.Do(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.rng = nil
		return nil
	})
}
