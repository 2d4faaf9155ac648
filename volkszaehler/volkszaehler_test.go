package volkszaehler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliver(t *testing.T) {
	var gotPath, gotContentType string
	var gotTuples [][2]float64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotTuples)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(server.URL+"/middleware.php/", 0, time.Millisecond)
	t0 := time.UnixMilli(1700000000123)
	err := client.Deliver(context.Background(), "0b1c2d3e-0000-4000-8000-000000000001", []telemetry.Reading{
		telemetry.New(t0, 42),
		telemetry.New(t0.Add(time.Second), 43.5),
	})
	require.NoError(t, err)

	assert.Equal(t, "/middleware.php/data/0b1c2d3e-0000-4000-8000-000000000001.json", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, [][2]float64{{1700000000123, 42}, {1700000001123, 43.5}}, gotTuples)
}

func TestDeliver_Exception(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"exception":{"type":"Exception","message":"Invalid UUID"}}`))
	}))
	defer server.Close()

	client := New(server.URL, 0, time.Millisecond)
	err := client.Deliver(context.Background(), "x", []telemetry.Reading{telemetry.New(time.Now(), 1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid UUID")
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(server.URL, 3, time.Millisecond)
	err := client.Deliver(context.Background(), "x", []telemetry.Reading{telemetry.New(time.Now(), 1)})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewFromOptions(t *testing.T) {
	_, err := NewFromOptions(map[string]any{"type": "volkszaehler"})
	var cfgErr *config.Error
	assert.ErrorAs(t, err, &cfgErr)

	client, err := NewFromOptions(map[string]any{"url": "http://localhost/middleware.php", "retries": "5"})
	require.NoError(t, err)
	assert.Equal(t, 5, client.httpClient.RetryMax)
}
