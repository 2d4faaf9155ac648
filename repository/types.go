package repository

import (
	"time"

	"github.com/cepro/meterlogger/telemetry"
	"github.com/google/uuid"
)

// StoredReading represents a channel reading that is persisted to the SQLite database. Times are stored in UTC so
// that they sort correctly as text.
type StoredReading struct {
	ID      uuid.UUID `gorm:"type:text;primaryKey"`
	Channel string    `gorm:"index:idx_channel_time"`
	Time    time.Time `gorm:"index:idx_channel_time"`
	Value   float64
	Tag     string
}

func newStoredReading(channel string, reading telemetry.Reading) StoredReading {
	return StoredReading{
		ID:      uuid.New(),
		Channel: channel,
		Time:    reading.Time.UTC(),
		Value:   reading.Value,
		Tag:     reading.Tag,
	}
}

func (s StoredReading) Reading() telemetry.Reading {
	return telemetry.NewTagged(s.Time, s.Value, s.Tag)
}
