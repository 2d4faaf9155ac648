package telemetry

import (
	"fmt"
	"time"
)

// Reading holds a single measurement taken from a meter.
//
// Readings are passed by value and never modified after they are created.
type Reading struct {
	Time  time.Time
	Value float64
	Tag   string // optional identifier reported by the meter (e.g. register name or OBIS code), empty if none
}

// New returns a reading with the given value taken at time `t`.
func New(t time.Time, value float64) Reading {
	return Reading{Time: t, Value: value}
}

// NewTagged returns a reading with the given value and identifier taken at time `t`.
func NewTagged(t time.Time, value float64, tag string) Reading {
	return Reading{Time: t, Value: value, Tag: tag}
}

// UnixMilli returns the reading timestamp as milliseconds since the unix epoch, which is how the middleware expects it.
func (r Reading) UnixMilli() int64 {
	return r.Time.UnixMilli()
}

// Seconds returns the reading timestamp as fractional seconds since the unix epoch.
func (r Reading) Seconds() float64 {
	return float64(r.Time.UnixNano()) / 1e9
}

func (r Reading) String() string {
	if r.Tag == "" {
		return fmt.Sprintf("%v@%s", r.Value, r.Time.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("%s=%v@%s", r.Tag, r.Value, r.Time.Format(time.RFC3339Nano))
}
