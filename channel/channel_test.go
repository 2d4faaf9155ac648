package channel

import (
	"testing"
	"time"

	"github.com/cepro/meterlogger/telemetry"
	"github.com/stretchr/testify/assert"
)

func TestChannel_Push(t *testing.T) {
	now := time.Now()
	readings := []telemetry.Reading{
		telemetry.NewTagged(now, 1, "power"),
		telemetry.NewTagged(now, 2, "energy"),
		telemetry.NewTagged(now, 3, "power"),
	}

	tests := []struct {
		name       string
		identifier string
		expected   []float64
	}{
		{name: "No identifier accepts everything", identifier: "", expected: []float64{1, 2, 3}},
		{name: "Identifier filters by tag", identifier: "power", expected: []float64{1, 3}},
		{name: "Unknown identifier accepts nothing", identifier: "voltage", expected: []float64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := New(Config{UUID: "c0ffee00-0000-4000-8000-000000000001", Identifier: tt.identifier, Keep: 10})

			stored := ch.Push(readings)
			assert.Equal(t, len(tt.expected), stored)

			got := []float64{}
			for _, r := range ch.Buffer().Snapshot().Readings {
				got = append(got, r.Value)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestChannel_Accessors(t *testing.T) {
	ch := New(Config{
		UUID:       "c0ffee00-0000-4000-8000-000000000002",
		Interval:   5,
		Protocol:   "exec",
		Middleware: map[string]any{"type": "volkszaehler"},
		Keep:       120,
	})

	assert.Equal(t, "c0ffee00-0000-4000-8000-000000000002", ch.UUID())
	assert.Equal(t, 5, ch.Interval())
	assert.Equal(t, "exec", ch.Protocol())
	assert.True(t, ch.HasMiddleware())
	assert.Equal(t, 120, ch.Buffer().Keep())

	_, ok := ch.Last()
	assert.False(t, ok)

	ch.Push([]telemetry.Reading{telemetry.New(time.Now(), 42)})
	last, ok := ch.Last()
	assert.True(t, ok)
	assert.Equal(t, 42.0, last.Value)
}
