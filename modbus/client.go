package modbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/simonvetter/modbus"
)

// Client provides an interface onto Modbus devices.
// It hides the underlying open source modbus library and reconnects lazily after communication errors.
type Client struct {
	url     string
	speed   uint
	unitID  uint8
	timeout time.Duration

	subClient       *modbus.ModbusClient // the raw client of the underlying modbus library we are using
	shouldReconnect bool                 // when true, the subClient is 'dirty' and will be re-created next time a read call is made
	logger          *slog.Logger
}

// NewClient creates a client for the device at `url`, which is either "tcp://host:port" or "rtu:///dev/ttyX".
// No connection is made until Connect or the first read.
func NewClient(url string, speed uint, unitID uint8, timeout time.Duration) *Client {
	return &Client{
		url:             url,
		speed:           speed,
		unitID:          unitID,
		timeout:         timeout,
		shouldReconnect: true,
		logger:          slog.Default().With("url", url),
	}
}

// Connect opens the connection now rather than on the first read.
func (c *Client) Connect() error {
	return c.reconnectIfNeccesary()
}

// createSubClient creates the open-source modbus library client with sensible defaults and connects to the host.
func (c *Client) createSubClient() error {
	subClient, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     c.url,
		Speed:   c.speed,
		Timeout: c.timeout,
	})
	if err != nil {
		return fmt.Errorf("create modbus client: %w", err)
	}

	err = subClient.Open()
	if err != nil {
		return fmt.Errorf("open modbus client: %w", err)
	}

	err = subClient.SetUnitId(c.unitID)
	if err != nil {
		subClient.Close()
		return fmt.Errorf("set unit id: %w", err)
	}

	c.subClient = subClient

	return nil
}

// setShouldReconnect is called when there has been an error with the modbus connection that should trigger a re-connect.
func (c *Client) setShouldReconnect() {
	c.shouldReconnect = true
}

// reconnectIfNeccesary will close the old connection and reconnect if there have been problems with the connection.
func (c *Client) reconnectIfNeccesary() error {
	if !c.shouldReconnect {
		return nil
	}

	// Ignore errors from Close() as we will continue with the reconnect anyway and start a new connection.
	if c.subClient != nil {
		c.subClient.Close()
		c.subClient = nil
	}

	err := c.createSubClient()
	if err != nil {
		return err
	}

	c.shouldReconnect = false

	c.logger.Info("Connected modbus client")

	return nil
}

// Close closes the underlying connection, if there is one.
func (c *Client) Close() error {
	c.shouldReconnect = true
	if c.subClient == nil {
		return nil
	}
	err := c.subClient.Close()
	c.subClient = nil
	return err
}
