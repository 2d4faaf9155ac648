package modbus

import (
	"context"
	"errors"
	"testing"

	"github.com/cepro/meterlogger/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRegisters(t *testing.T) {
	registers, err := buildRegisters([]RegisterOptions{
		{Name: "power", Address: 12322, Type: "float32", Scale: 0.001},
		{Name: "status", Address: 10, Type: "uint16", Input: true},
	})
	require.NoError(t, err)
	require.Len(t, registers, 2)

	assert.Equal(t, uint16(2), registers[0].block.NumRegisters)
	assert.False(t, registers[0].input)
	scale := registers[0].block.Registers["power"].ScalingFunc
	assert.InDelta(t, 1.5, scale(nil, 1500), 1e-9)

	assert.Equal(t, uint16(1), registers[1].block.NumRegisters)
	assert.True(t, registers[1].input)
	assert.Equal(t, 7.0, registers[1].block.Registers["status"].ScalingFunc(nil, 7))
}

func TestBuildRegisters_Invalid(t *testing.T) {
	_, err := buildRegisters(nil)
	assert.Error(t, err)

	_, err = buildRegisters([]RegisterOptions{{Address: 1, Type: "int16"}})
	assert.Error(t, err)

	_, err = buildRegisters([]RegisterOptions{{Name: "x", Address: 1, Type: "string32"}})
	assert.Error(t, err)
}

func TestNew_DecodesRegisterList(t *testing.T) {
	meter, err := New(map[string]any{
		"url":    "tcp://localhost:502",
		"unitId": "3",
		"registers": []any{
			map[string]any{"name": "power", "address": 100, "type": "int32"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(3), meter.options.UnitID)
	require.Len(t, meter.options.Registers, 1)
	assert.Equal(t, "power", meter.options.Registers[0].Name)
}

func TestMeter_OpenFailsWithoutDevice(t *testing.T) {
	meter, err := New(map[string]any{
		"url":       "tcp://127.0.0.1:1",
		"timeout":   "200ms",
		"registers": []any{map[string]any{"name": "power", "address": 100, "type": "int32"}},
	})
	require.NoError(t, err)

	err = meter.Open(context.Background())
	var openErr *protocol.OpenError
	assert.True(t, errors.As(err, &openErr), "expected open error, got %v", err)

	assert.NoError(t, meter.Close())
	assert.NoError(t, meter.Close())

	_, err = meter.Read(context.Background(), 1)
	assert.Error(t, err)
}
