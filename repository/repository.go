// Package repository archives channel readings to a local SQLite database. It is used as the `sqlite` middleware.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/telemetry"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Options struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"` // readings older than this are pruned after each delivery, kept forever if zero
}

// Repository stores telemetry to the local file system (sqlite).
type Repository struct {
	db        *gorm.DB
	retention time.Duration
	logger    *slog.Logger
}

// NewFromOptions creates a repository from a middleware configuration section.
func NewFromOptions(options map[string]any) (*Repository, error) {
	var opts Options
	err := config.DecodeOptions(options, &opts)
	if err != nil {
		return nil, err
	}
	if opts.Path == "" {
		return nil, &config.Error{Path: "middleware.path", Msg: "missing"}
	}
	return New(opts.Path, opts.Retention)
}

func New(path string, retention time.Duration) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows a single writer, so serialise all access through one connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Migrate the schema
	err = db.AutoMigrate(&StoredReading{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db:        db,
		retention: retention,
		logger:    slog.Default().With("database", path),
	}, nil
}

// Deliver stores the readings for the channel in a single transaction.
func (r *Repository) Deliver(ctx context.Context, channel string, readings []telemetry.Reading) error {
	stored := make([]StoredReading, 0, len(readings))
	for _, reading := range readings {
		stored = append(stored, newStoredReading(channel, reading))
	}

	db := r.db.WithContext(ctx)
	result := db.Create(&stored)
	if result.Error != nil {
		return fmt.Errorf("insert readings: %w", result.Error)
	}

	if r.retention > 0 {
		pruned, err := r.Prune(ctx, time.Now().Add(-r.retention))
		if err != nil {
			// the readings are stored, so this is not a delivery failure
			r.logger.Warn("Failed to prune readings", "error", err)
		} else if pruned > 0 {
			r.logger.Debug("Pruned readings", "count", pruned)
		}
	}

	return nil
}

// GetReadings returns up to `limit` of the newest readings of the channel, newest first.
func (r *Repository) GetReadings(ctx context.Context, channel string, limit int) ([]telemetry.Reading, error) {
	var stored []StoredReading

	result := r.db.WithContext(ctx).Where("channel = ?", channel).Order("time desc").Limit(limit).Find(&stored)
	if result.Error != nil {
		return nil, result.Error
	}

	readings := make([]telemetry.Reading, 0, len(stored))
	for _, s := range stored {
		readings = append(readings, s.Reading())
	}
	return readings, nil
}

// Prune deletes every reading taken before `before` and returns how many were removed.
func (r *Repository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("time < ?", before.UTC()).Delete(&StoredReading{})
	return result.RowsAffected, result.Error
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return sqlDB.Close()
}
