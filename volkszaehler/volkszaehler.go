// Package volkszaehler delivers channel readings to a volkszaehler middleware over its JSON HTTP API.
package volkszaehler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/telemetry"
	"github.com/hashicorp/go-retryablehttp"
)

type Options struct {
	URL      string        `mapstructure:"url"` // base URL of the middleware, e.g. "http://localhost/middleware.php"
	Retries  int           `mapstructure:"retries"`
	RetryMax time.Duration `mapstructure:"retryMax"` // longest pause between retries of one request
}

// Client posts readings to `{url}/data/{uuid}.json` as a list of [timestamp, value] tuples, with the timestamp in
// milliseconds since the unix epoch.
type Client struct {
	url        string
	httpClient *retryablehttp.Client
	logger     *slog.Logger
}

// exception is the error body returned by the middleware.
type exception struct {
	Exception struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"exception"`
}

// NewFromOptions creates a client from a middleware configuration section.
func NewFromOptions(options map[string]any) (*Client, error) {
	opts := Options{Retries: 2, RetryMax: 5 * time.Second}
	err := config.DecodeOptions(options, &opts)
	if err != nil {
		return nil, err
	}
	if opts.URL == "" {
		return nil, &config.Error{Path: "middleware.url", Msg: "missing"}
	}
	return New(opts.URL, opts.Retries, opts.RetryMax), nil
}

func New(url string, retries int, retryMax time.Duration) *Client {
	logger := slog.Default().With("middleware", url)

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = retries
	httpClient.RetryWaitMin = min(500*time.Millisecond, retryMax)
	httpClient.RetryWaitMax = retryMax
	httpClient.Logger = logger

	return &Client{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *Client) Deliver(ctx context.Context, channel string, readings []telemetry.Reading) error {
	tuples := make([][2]float64, 0, len(readings))
	for _, reading := range readings {
		tuples = append(tuples, [2]float64{float64(reading.UnixMilli()), reading.Value})
	}

	body, err := json.Marshal(tuples)
	if err != nil {
		return fmt.Errorf("marshal tuples: %w", err)
	}

	url := fmt.Sprintf("%s/data/%s.json", c.url, channel)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post readings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}

	return nil
}

// responseError builds an error from a failed response, using the middleware's exception message when it sent one.
func responseError(resp *http.Response) error {
	content, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var exc exception
	if json.Unmarshal(content, &exc) == nil && exc.Exception.Message != "" {
		return fmt.Errorf("middleware returned %d: %s: %s", resp.StatusCode, exc.Exception.Type, exc.Exception.Message)
	}
	return fmt.Errorf("middleware returned %d", resp.StatusCode)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.HTTPClient.CloseIdleConnections()
	return nil
}
