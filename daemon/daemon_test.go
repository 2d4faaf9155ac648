package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/metermap"
	"github.com/cepro/meterlogger/protocol"
	"github.com/cepro/meterlogger/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	uuidA = "6a3f0c1e-8d2b-4f5a-9b7c-1e2d3f4a5b01"
	uuidB = "6a3f0c1e-8d2b-4f5a-9b7c-1e2d3f4a5b02"
	uuidC = "6a3f0c1e-8d2b-4f5a-9b7c-1e2d3f4a5b03"
)

func parse(t *testing.T, content string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(content), false)
	require.NoError(t, err)
	return cfg
}

func TestExecMeterScenario(t *testing.T) {
	cfg := parse(t, fmt.Sprintf(`{
		"meters": [{
			"protocol": "exec",
			"interval": 1,
			"options": {"command": "echo 42.0"},
			"channels": [{"uuid": %q}]
		}]
	}`, uuidA))

	d, err := New(cfg, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))

	ch := d.Channels()[0]
	require.Eventually(t, func() bool {
		_, ok := ch.Last()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	response := d.Local().Snapshot("")
	require.Len(t, response.Data, 1)
	assert.Equal(t, uuidA, response.Data[0].UUID)
	require.NotNil(t, response.Data[0].Last)
	assert.Equal(t, 42.0, *response.Data[0].Last)
	assert.Equal(t, "exec", response.Data[0].Protocol)
	assert.Equal(t, "test", response.Version)

	cancel()
	assert.NoError(t, d.Wait())
	assert.Equal(t, metermap.StateClosed, d.Registry()[0].State())
}

func TestDeliversToSqlite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	cfg := parse(t, fmt.Sprintf(`{
		"retry": 1,
		"meters": [{
			"protocol": "random",
			"interval": 1,
			"options": {"min": 10, "max": 20, "seed": 1},
			"channels": [
				{"uuid": %q, "middleware": {"type": "sqlite", "path": %q}},
				{"uuid": %q, "middleware": {"type": "sqlite", "path": %q}, "unbounded": true},
				{"uuid": %q}
			]
		}]
	}`, uuidA, path, uuidB, path, uuidC))

	d, err := New(cfg, "test")
	require.NoError(t, err)
	assert.Len(t, d.middlewares.created, 1, "channels with the same settings share a client")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	assert.Len(t, d.loops, 2, "channels without middleware are not delivered")

	require.Eventually(t, func() bool {
		for _, loop := range d.loops {
			if loop.Delivered() == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, d.Wait())

	repo, err := repository.New(path, 0)
	require.NoError(t, err)
	defer repo.Close()

	for _, id := range []string{uuidA, uuidB} {
		readings, err := repo.GetReadings(context.Background(), id, 10)
		require.NoError(t, err)
		require.NotEmpty(t, readings)
		assert.GreaterOrEqual(t, readings[0].Value, 10.0)
		assert.LessOrEqual(t, readings[0].Value, 20.0)
	}
}

func TestOpenPolicy(t *testing.T) {
	// a random meter with max below min fails to open
	content := func(policy string) string {
		return fmt.Sprintf(`{
			"openPolicy": %q,
			"meters": [
				{"protocol": "random", "interval": 1, "options": {"min": 5, "max": 1}, "channels": [{"uuid": %q}]},
				{"protocol": "random", "interval": 1, "channels": [{"uuid": %q}]}
			]
		}`, policy, uuidA, uuidB)
	}

	t.Run("skip", func(t *testing.T) {
		d, err := New(parse(t, content(config.OpenPolicySkip)), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, d.Start(ctx))
		assert.Len(t, d.running, 1)
		assert.Equal(t, metermap.StateClosed, d.Registry()[0].State())

		cancel()
		assert.NoError(t, d.Wait())
	})

	t.Run("abort", func(t *testing.T) {
		d, err := New(parse(t, content(config.OpenPolicyAbort)), "test")
		require.NoError(t, err)

		err = d.Start(context.Background())
		var openErr *protocol.OpenError
		assert.True(t, errors.As(err, &openErr))
		for _, meter := range d.Registry() {
			assert.Equal(t, metermap.StateClosed, meter.State())
		}
	})
}

func TestStart_NoMeterOpened(t *testing.T) {
	cfg := parse(t, fmt.Sprintf(`{
		"meters": [{"protocol": "exec", "interval": 1, "options": {"command": "echo 1", "format": "nothing"},
			"channels": [{"uuid": %q}]}]
	}`, uuidA))

	d, err := New(cfg, "test")
	require.NoError(t, err)

	err = d.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoMeters)
}

func TestNew_ConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		path    string
	}{
		{
			name:    "unknown protocol",
			content: `{"meters": [{"protocol": "d0", "channels": [{"uuid": "%s"}]}]}`,
			path:    "meters[0].protocol",
		},
		{
			name:    "periodic meter without interval",
			content: `{"meters": [{"protocol": "exec", "options": {"command": "true"}, "channels": [{"uuid": "%s"}]}]}`,
			path:    "meters[0].interval",
		},
		{
			name:    "unknown middleware",
			content: `{"meters": [{"protocol": "random", "interval": 1, "channels": [{"uuid": "%s", "middleware": {"type": "mysql"}}]}]}`,
			path:    "meters[0].channels[0].middleware.type",
		},
		{
			name:    "middleware missing url",
			content: `{"meters": [{"protocol": "random", "interval": 1, "channels": [{"uuid": "%s", "middleware": {"type": "volkszaehler"}}]}]}`,
			path:    "meters[0].channels[0].middleware.url",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := parse(t, fmt.Sprintf(test.content, uuidA))
			_, err := New(cfg, "test")
			var cfgErr *config.Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, test.path, cfgErr.Path)
		})
	}
}

func TestRetention(t *testing.T) {
	keep := func(n int) *int { return &n }

	tests := []struct {
		name     string
		channel  config.ChannelConfig
		interval int
		periodic bool
		want     int
	}{
		{name: "periodic derives from buffer length", interval: 5, periodic: true, want: 120},
		{name: "rounds up", interval: 7, periodic: true, want: 86},
		{name: "interval longer than buffer", interval: 900, periodic: true, want: 1},
		{name: "non periodic", periodic: false, want: 600},
		{name: "explicit keep", channel: config.ChannelConfig{Keep: keep(10)}, interval: 5, periodic: true, want: 10},
		{name: "unbounded", channel: config.ChannelConfig{Unbounded: true}, interval: 5, periodic: true, want: 0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, retention(test.channel, test.interval, test.periodic, 600))
		})
	}
}

func TestProtocols(t *testing.T) {
	details := Protocols()
	names := make([]string, 0, len(details))
	for _, d := range details {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"acuvim2", "exec", "modbus", "random"}, names)
}
