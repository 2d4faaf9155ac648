// Package metermap binds one meter to the channels it feeds and runs the acquisition loop that polls it.
package metermap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cepro/meterlogger/channel"
	"github.com/cepro/meterlogger/metrics"
	"github.com/cepro/meterlogger/protocol"
	"github.com/cepro/meterlogger/telemetry"
)

const defaultMaxReadings = 32

type State int32

const (
	StateOpening State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	Index    int // position of the meter in the configuration, used to tell meters apart in logs and metrics
	Protocol protocol.Protocol
	Details  protocol.Details
	Interval time.Duration // time between reads of periodic meters
	Retry    time.Duration // pause after a failed read
	Channels []*channel.Channel
}

// MeterMap owns a meter's protocol instance and fans out every batch it reads to all of its channels.
type MeterMap struct {
	name     string
	protocol protocol.Protocol
	details  protocol.Details
	interval time.Duration
	channels []*channel.Channel

	retry  backoff.BackOff
	state  atomic.Int32
	closer protocol.CloseOnce
	logger *slog.Logger
}

func New(config Config) *MeterMap {
	name := config.Details.Name + "-" + strconv.Itoa(config.Index)
	return &MeterMap{
		name:     name,
		protocol: config.Protocol,
		details:  config.Details,
		interval: config.Interval,
		channels: config.Channels,
		retry:    backoff.NewConstantBackOff(config.Retry),
		logger:   slog.Default().With("meter", name),
	}
}

func (m *MeterMap) Name() string                 { return m.name }
func (m *MeterMap) Details() protocol.Details    { return m.details }
func (m *MeterMap) Channels() []*channel.Channel { return m.channels }
func (m *MeterMap) State() State                 { return State(m.state.Load()) }

// Open opens the underlying meter. On failure the meter map moves straight to the closed state and must not be run,
// although Close must still be called to release the protocol.
func (m *MeterMap) Open(ctx context.Context) error {
	m.state.Store(int32(StateOpening))

	err := m.protocol.Open(ctx)
	if err != nil {
		m.state.Store(int32(StateClosed))
		var openErr *protocol.OpenError
		if !errors.As(err, &openErr) {
			err = &protocol.OpenError{Protocol: m.details.Name, Err: err}
		}
		return err
	}

	m.logger.Info("Opened meter", "channels", len(m.channels))
	return nil
}

// Run polls the meter until the context is cancelled, then closes it. Periodic meters are read every interval,
// other meters are read back to back and are expected to block until they have data.
// Read failures are logged and retried after the retry pause.
func (m *MeterMap) Run(ctx context.Context) {
	defer m.Close()

	if m.State() == StateClosed {
		return
	}
	m.state.Store(int32(StateRunning))

	var tick <-chan time.Time
	if m.details.Periodic && m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	maxReadings := m.details.MaxReadings
	if maxReadings <= 0 {
		maxReadings = defaultMaxReadings
	}

	for ctx.Err() == nil {
		readings, err := m.protocol.Read(ctx, maxReadings)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			kind := protocol.ErrorKind(err)
			metrics.ReadErrors.WithLabelValues(m.name, kind.String()).Inc()

			pause := m.retry.NextBackOff()
			m.logger.Warn("Failed to read meter", "error", err, "kind", kind, "retry", pause)
			if !sleep(ctx, pause) {
				break
			}
			continue
		}
		m.retry.Reset()

		m.Distribute(readings)

		if tick != nil {
			select {
			case <-ctx.Done():
			case <-tick:
			}
		}
	}

	m.state.Store(int32(StateDraining))
}

// Distribute pushes the batch of readings, unmodified and in order, into every channel that accepts them.
// It returns the number of readings accepted across all channels.
func (m *MeterMap) Distribute(readings []telemetry.Reading) int {
	metrics.ReadingsAcquired.WithLabelValues(m.name).Add(float64(len(readings)))

	accepted := 0
	for _, ch := range m.channels {
		n := ch.Push(readings)
		accepted += n
		metrics.BufferedReadings.WithLabelValues(ch.UUID()).Set(float64(ch.Buffer().Len()))
	}

	m.logger.Debug("Distributed readings", "readings", len(readings), "accepted", accepted)

	return accepted
}

// Close closes the meter exactly once, regardless of how many times it is called or whether it was ever opened.
func (m *MeterMap) Close() error {
	err := m.closer.Do(func() error {
		m.state.Store(int32(StateDraining))
		err := m.protocol.Close()
		if err != nil {
			return fmt.Errorf("close %s: %w", m.name, err)
		}
		m.logger.Info("Closed meter")
		return nil
	})
	m.state.Store(int32(StateClosed))
	return err
}

// sleep waits for `d` and returns false if the context was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
