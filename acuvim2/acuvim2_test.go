package acuvim2

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cepro/meterlogger/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaling(t *testing.T) {
	meter, err := New(map[string]any{"host": "localhost:502", "pt1": 400, "pt2": 400, "ct1": 800, "ct2": 5})
	require.NoError(t, err)

	assert.InDelta(t, 230.0, scaleVoltage(meter, 230), 1e-9)
	assert.InDelta(t, 160.0, scaleCurrent(meter, 1), 1e-9)
	assert.InDelta(t, 16.0, scalePower(meter, 100), 1e-9) // 100W * 160 / 1000
	assert.InDelta(t, 12.3, scaleEnergy(meter, 123), 1e-9)
}

func TestMetricsToReadings(t *testing.T) {
	now := time.Now()
	metrics := map[string]float64{"PowerTotalActive": 11.4, "Frequency": 50, "EnergyImportedActive": 1000}

	readings := metricsToReadings(metrics, now, 0)
	require.Len(t, readings, 3)
	assert.Equal(t, "EnergyImportedActive", readings[0].Tag)
	assert.Equal(t, "Frequency", readings[1].Tag)
	assert.Equal(t, "PowerTotalActive", readings[2].Tag)
	assert.Equal(t, 11.4, readings[2].Value)
	assert.Equal(t, now, readings[2].Time)

	assert.Len(t, metricsToReadings(metrics, now, 2), 2)
}

func TestOpenFailures(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]any
	}{
		{name: "No host", options: map[string]any{}},
		{name: "Zero transformer rating", options: map[string]any{"host": "localhost:502", "ct2": 0}},
		{name: "Nothing listening", options: map[string]any{"host": "127.0.0.1:1", "timeout": "200ms"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meter, err := New(tt.options)
			require.NoError(t, err)

			err = meter.Open(context.Background())
			var openErr *protocol.OpenError
			assert.True(t, errors.As(err, &openErr), "expected open error, got %v", err)
			assert.NoError(t, meter.Close())
		})
	}
}

func TestReadBeforeOpen(t *testing.T) {
	meter, err := New(map[string]any{"host": "localhost:502"})
	require.NoError(t, err)

	_, err = meter.Read(context.Background(), 10)
	assert.Equal(t, protocol.KindIO, protocol.ErrorKind(err))
}
