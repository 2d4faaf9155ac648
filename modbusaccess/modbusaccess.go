package modbusaccess

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Type represents the different types of data that can be queried over modbus. Every type is decoded into a float64
// because that is what a reading holds.
type Type struct {
	name          string               // the name of the data type
	dataLength    uint16               // the number of underlying bytes to represent the data type
	fromBytesFunc func([]byte) float64 // function to convert the bytes to a value
}

func (t Type) Name() string { return t.name }

// NumRegisters returns how many 16 bit registers hold a value of this type.
func (t Type) NumRegisters() uint16 { return t.dataLength / 2 }

// FloatType represents the 32 bit IEEE float data type.
var FloatType = Type{
	name:       "float32",
	dataLength: 4,
	fromBytesFunc: func(bytes []byte) float64 {
		return float64(math.Float32frombits(binary.BigEndian.Uint32(bytes)))
	},
}

// DoubleType represents the 64 bit IEEE float data type.
var DoubleType = Type{
	name:       "float64",
	dataLength: 8,
	fromBytesFunc: func(bytes []byte) float64 {
		return math.Float64frombits(binary.BigEndian.Uint64(bytes))
	},
}

// Int32Type represents the 32 bit signed integer data type on Modbus.
var Int32Type = Type{
	name:       "int32",
	dataLength: 4,
	fromBytesFunc: func(bytes []byte) float64 {
		return float64(int32(binary.BigEndian.Uint32(bytes)))
	},
}

// Uint32Type represents the 32 bit unsigned integer data type on Modbus.
var Uint32Type = Type{
	name:       "uint32",
	dataLength: 4,
	fromBytesFunc: func(bytes []byte) float64 {
		return float64(binary.BigEndian.Uint32(bytes))
	},
}

// Uint16Type represents the 16 bit unsigned integer data type on Modbus.
var Uint16Type = Type{
	name:       "uint16",
	dataLength: 2,
	fromBytesFunc: func(bytes []byte) float64 {
		return float64(binary.BigEndian.Uint16(bytes))
	},
}

// Int16Type represents the 16 bit signed integer data type on Modbus.
var Int16Type = Type{
	name:       "int16",
	dataLength: 2,
	fromBytesFunc: func(bytes []byte) float64 {
		return float64(int16(binary.BigEndian.Uint16(bytes)))
	},
}

var types = []Type{FloatType, DoubleType, Int32Type, Uint32Type, Uint16Type, Int16Type}

// TypeByName looks up a data type by the name used in configuration files, e.g. "float32" or "int16".
func TypeByName(name string) (Type, error) {
	for _, t := range types {
		if strings.EqualFold(t.name, name) {
			return t, nil
		}
	}
	return Type{}, fmt.Errorf("unknown modbus data type '%s'", name)
}

// Scaler can be any object used to help scale modbus values.
// For trivial scaling scenarios (e.g. 'divide by 1000') this is not really required, but for more complicated scaling
// scenarios (e.g. 'scale by the configured current transformer ratios') it can be neccesary to retrieve state from the `scaler`.
type Scaler interface{}

// valueScalingFunc is a prototype for a function that scales a modbus value.
type valueScalingFunc func(Scaler, float64) float64

// Register holds a value on the modbus slave at the given address
type Register struct {
	StartAddr   uint16
	DataType    Type
	ScalingFunc valueScalingFunc // a function to scale the recieved value to get it's 'true' value (transmitting scaled values is common in Modbus)
}

// RegisterBlock represents a contigous block of modbus registers that are read in one chunk.
type RegisterBlock struct {
	Name         string              // name of the block used for context/logging
	StartAddr    uint16              // the first register address of the block
	NumRegisters uint16              // the number of registers in this block (each register is two bytes)
	Registers    map[string]Register // details of all the registers of interest in this block, keyed by unique name
}

// Extract pulls each register of interest out of the raw bytes read for the whole block, and returns the scaled
// values keyed by register name.
func (block RegisterBlock) Extract(bytes []byte, scaler Scaler) (map[string]float64, error) {
	metrics := make(map[string]float64, len(block.Registers))
	for key, register := range block.Registers {

		// sanity check the configuration to avoid out of bound panics
		offset := (int(register.StartAddr) - int(block.StartAddr)) * 2 // registers are two bytes long
		if offset < 0 {
			return nil, fmt.Errorf("register configuration for `%s` preceeds block", key)
		}
		if offset+int(register.DataType.dataLength) > len(bytes) {
			return nil, fmt.Errorf("register configuration for '%s' exceeds block", key)
		}

		// grab the relevant bytes for this metric from the block of bytes
		registerBytes := bytes[offset:(offset + int(register.DataType.dataLength))]

		val := register.DataType.fromBytesFunc(registerBytes)

		// scale the value as required by the products modbus specification
		if register.ScalingFunc != nil {
			val = register.ScalingFunc(scaler, val)
		}

		metrics[key] = val
	}

	return metrics, nil
}

// RegistersToBytes converts register values, as returned by libraries that decode the modbus frame into uint16s,
// back into the big endian byte layout that Extract expects.
func RegistersToBytes(registerVals []uint16) []byte {
	bytes := make([]byte, len(registerVals)*2)
	for i, registerVal := range registerVals {
		loc := i * 2
		binary.BigEndian.PutUint16(bytes[loc:loc+2], registerVal)
	}
	return bytes
}
