// Package supabase delivers channel readings to a table on the Supabase platform. It is used as the `supabase`
// middleware.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/telemetry"
	"github.com/google/uuid"
	supa "github.com/nedpals/supabase-go"
)

const defaultTable = "readings"

type Options struct {
	URL     string `mapstructure:"url"`
	AnonKey string `mapstructure:"anonKey"`
	UserKey string `mapstructure:"userKey"`
	Schema  string `mapstructure:"schema"`
	Table   string `mapstructure:"table"`
}

// Client provides an interface onto the Supabase platform.
// It hides the underlying open source supabase library and adds reconnection and timeout logic.
type Client struct {
	url     string
	anonKey string
	userKey string
	schema  string
	table   string

	mu              sync.Mutex
	subClient       *supa.Client // the raw client of the underlying supabase library we are using
	shouldReconnect bool         // when true, the subClient is 'dirty' and will be re-created next time a write call is made
	logger          *slog.Logger
}

// row is the shape of a reading in the supabase table.
type row struct {
	ID      uuid.UUID `json:"id"`
	Time    time.Time `json:"time"`
	Channel string    `json:"channel"`
	Value   float64   `json:"value"`
	Tag     string    `json:"tag,omitempty"`
}

// NewFromOptions creates a client from a middleware configuration section.
func NewFromOptions(options map[string]any) (*Client, error) {
	opts := Options{Schema: "public", Table: defaultTable}
	err := config.DecodeOptions(options, &opts)
	if err != nil {
		return nil, err
	}
	if opts.URL == "" {
		return nil, &config.Error{Path: "middleware.url", Msg: "missing"}
	}
	if opts.AnonKey == "" {
		return nil, &config.Error{Path: "middleware.anonKey", Msg: "missing"}
	}
	return New(opts.URL, opts.AnonKey, opts.UserKey, opts.Schema, opts.Table), nil
}

func New(url, anonKey, userKey, schema, table string) *Client {
	return &Client{
		url:             url,
		anonKey:         anonKey,
		userKey:         userKey,
		schema:          schema,
		table:           table,
		shouldReconnect: true, // shouldReconnect is marked as true from instantiation so the connection will be made lazily on the first request to write
		logger:          slog.Default().With("host", url),
	}
}

// Deliver uploads the readings of the channel to the configured table.
func (c *Client) Deliver(ctx context.Context, channel string, readings []telemetry.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reconnectIfNeccesary()
	subClient := c.subClient

	rows := convertReadingsForSupabase(channel, readings)

	// The supabase client library doesn't have context support, so here we wrap the call in the context deadline
	errCh := make(chan error, 1)
	go func() {
		errCh <- subClient.DB.From(c.table).Insert(rows).Execute(nil)
	}()

	select {
	case <-ctx.Done():
		c.setShouldReconnect()
		return errors.New("timed out")
	case err := <-errCh:
		if err != nil {
			c.setShouldReconnect()
			return fmt.Errorf("insert into %s: %w", c.table, err)
		}
		return nil
	}
}

func convertReadingsForSupabase(channel string, readings []telemetry.Reading) []row {
	rows := make([]row, 0, len(readings))
	for _, reading := range readings {
		rows = append(rows, row{
			ID:      uuid.New(),
			Time:    reading.Time,
			Channel: channel,
			Value:   reading.Value,
			Tag:     reading.Tag,
		})
	}
	return rows
}

// createSubClient creates the open-source supabase library client with sensible defaults.
func (c *Client) createSubClient() {

	subClient := supa.CreateClient(c.url, c.anonKey)

	// The supabase client library doesn't have a fully featured interface, here we specify options directly by
	// adding headers to the postgrest requests.
	// Use the appropriate schema:
	subClient.DB.AddHeader("Accept-Profile", c.schema)
	subClient.DB.AddHeader("Content-Profile", c.schema)

	// Use a user JWT:
	if c.userKey != "" {
		subClient.DB.AddHeader("Authorization", fmt.Sprintf("Bearer %s", c.userKey))
	}

	c.subClient = subClient
}

// setShouldReconnect is called when there has been an error with the upload that should trigger a re-connect.
func (c *Client) setShouldReconnect() {
	c.shouldReconnect = true
}

// reconnectIfNeccesary re-creates the client if there have been problems with the connection.
func (c *Client) reconnectIfNeccesary() {
	if !c.shouldReconnect {
		return
	}

	c.createSubClient()
	c.shouldReconnect = false

	c.logger.Info("Created supabase client")
}

// Close has nothing to release as the underlying client holds no connections open between requests.
func (c *Client) Close() error {
	return nil
}
