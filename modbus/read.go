package modbus

import (
	"fmt"

	"github.com/cepro/meterlogger/modbusaccess"
	"github.com/simonvetter/modbus"
)

// PollBlock reads a single register `block` and returns a map of the parsed values, keyed by metric name.
// Input registers are read instead of holding registers when `input` is true.
func (c *Client) PollBlock(scaler modbusaccess.Scaler, block modbusaccess.RegisterBlock, input bool) (map[string]float64, error) {

	err := c.reconnectIfNeccesary()
	if err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}

	regType := modbus.HOLDING_REGISTER
	if input {
		regType = modbus.INPUT_REGISTER
	}

	// read the whole block of registers from the modbus device
	registerVals, err := c.subClient.ReadRegisters(block.StartAddr, block.NumRegisters, regType)
	if err != nil {
		c.setShouldReconnect()
		return nil, fmt.Errorf("read block: %w", err)
	}

	return block.Extract(modbusaccess.RegistersToBytes(registerVals), scaler)
}
