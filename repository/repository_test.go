package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverAndGetReadings(t *testing.T) {
	repo, err := New(filepath.Join(t.TempDir(), "archive.db"), 0)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err = repo.Deliver(ctx, "chan-a", []telemetry.Reading{
		telemetry.New(start, 1),
		telemetry.NewTagged(start.Add(time.Second), 2, "power"),
	})
	require.NoError(t, err)
	err = repo.Deliver(ctx, "chan-b", []telemetry.Reading{telemetry.New(start, 99)})
	require.NoError(t, err)

	readings, err := repo.GetReadings(ctx, "chan-a", 10)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 2.0, readings[0].Value)
	assert.Equal(t, "power", readings[0].Tag)
	assert.True(t, readings[0].Time.Equal(start.Add(time.Second)))
	assert.Equal(t, 1.0, readings[1].Value)

	readings, err = repo.GetReadings(ctx, "chan-a", 1)
	require.NoError(t, err)
	assert.Len(t, readings, 1)
}

func TestDeliver_PrunesOldReadings(t *testing.T) {
	repo, err := New(filepath.Join(t.TempDir(), "archive.db"), time.Hour)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	now := time.Now()
	err = repo.Deliver(ctx, "chan-a", []telemetry.Reading{
		telemetry.New(now.Add(-2*time.Hour), 1),
		telemetry.New(now, 2),
	})
	require.NoError(t, err)

	readings, err := repo.GetReadings(ctx, "chan-a", 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 2.0, readings[0].Value)
}

func TestNewFromOptions(t *testing.T) {
	_, err := NewFromOptions(map[string]any{"type": "sqlite"})
	var cfgErr *config.Error
	assert.ErrorAs(t, err, &cfgErr)

	repo, err := NewFromOptions(map[string]any{
		"type":      "sqlite",
		"path":      filepath.Join(t.TempDir(), "archive.db"),
		"retention": "24h",
	})
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, repo.retention)
	assert.NoError(t, repo.Close())
}

func TestNew_UnusablePath(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "Directory", path: t.TempDir()},
		{name: "Missing parent directory", path: filepath.Join(t.TempDir(), "missing", "readings.db")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, err := New(tt.path, time.Hour)
			require.Error(t, err)
			assert.Nil(t, repo)
		})
	}
}
