// Package delivery moves buffered readings from a channel to its middleware.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cepro/meterlogger/buffer"
	"github.com/cepro/meterlogger/channel"
	"github.com/cepro/meterlogger/metrics"
	"github.com/cepro/meterlogger/telemetry"
)

const (
	defaultBatchSize = 100
	defaultTimeout   = 10 * time.Second
	defaultWait      = 30 * time.Second
)

// Middleware is a remote service that stores readings for a channel.
// Deliver must either accept the whole batch or return an error, in which case the same batch will be offered again.
type Middleware interface {
	Deliver(ctx context.Context, uuid string, readings []telemetry.Reading) error
	Close() error
}

type Config struct {
	Channel    *channel.Channel
	Middleware Middleware
	BatchSize  int           // maximum readings per Deliver call
	Timeout    time.Duration // bound on a single Deliver call
	Retry      time.Duration // longest pause between failed deliveries
	Wait       time.Duration // bound on waiting for new readings, so the loop periodically re-checks for shutdown
	Unbounded  bool          // release delivered readings from the buffer
}

// Loop delivers the readings of one channel, in order, to its middleware. The delivered cursor only moves forward
// when the middleware accepted a batch, so failed batches are retried until they succeed or are evicted from the
// buffer.
type Loop struct {
	channel    *channel.Channel
	middleware Middleware
	batchSize  int
	timeout    time.Duration
	wait       time.Duration
	unbounded  bool

	retry     backoff.BackOff
	delivered atomic.Uint64
	logger    *slog.Logger
}

func New(config Config) *Loop {
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.Wait <= 0 {
		config.Wait = defaultWait
	}

	// failures back off exponentially, starting small so that a single dropped request is retried quickly
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = min(time.Second, config.Retry)
	retry.MaxInterval = config.Retry
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &Loop{
		channel:    config.Channel,
		middleware: config.Middleware,
		batchSize:  config.BatchSize,
		timeout:    config.Timeout,
		wait:       config.Wait,
		unbounded:  config.Unbounded,
		retry:      retry,
		logger:     slog.Default().With("component", "delivery", "channel", config.Channel.UUID()),
	}
}

// Delivered returns the sequence number of the newest reading accepted by the middleware.
func (l *Loop) Delivered() uint64 {
	return l.delivered.Load()
}

// Run delivers readings as they arrive until the context is cancelled or the channel's buffer is closed.
func (l *Loop) Run(ctx context.Context) {
	buf := l.channel.Buffer()

	for {
		cursor := l.delivered.Load()

		_, err := buf.WaitSince(ctx, cursor, l.wait)
		if errors.Is(err, buffer.ErrTimeout) {
			continue
		}
		if err != nil {
			l.logger.Debug("Stopping delivery", "reason", err)
			return
		}

		snapshot := buf.Since(cursor, l.batchSize)
		if len(snapshot.Readings) == 0 {
			continue
		}

		err = l.deliver(ctx, snapshot.Readings)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.DeliveryFailures.WithLabelValues(l.channel.UUID()).Inc()
			pause := l.retry.NextBackOff()
			l.logger.Error("Failed to deliver readings", "error", err, "readings", len(snapshot.Readings), "retry", pause)
			if !sleep(ctx, pause) {
				return
			}
			continue
		}
		l.retry.Reset()

		if snapshot.Dropped > 0 {
			metrics.ReadingsDropped.WithLabelValues(l.channel.UUID()).Add(float64(snapshot.Dropped))
			l.logger.Warn("Readings were evicted before delivery", "dropped", snapshot.Dropped)
		}
		metrics.ReadingsDelivered.WithLabelValues(l.channel.UUID()).Add(float64(len(snapshot.Readings)))

		l.delivered.Store(snapshot.Seq)
		if l.unbounded {
			buf.Clean(snapshot.Seq)
			metrics.BufferedReadings.WithLabelValues(l.channel.UUID()).Set(float64(buf.Len()))
		}

		l.logger.Debug("Delivered readings", "readings", len(snapshot.Readings), "cursor", snapshot.Seq)
	}
}

func (l *Loop) deliver(ctx context.Context, readings []telemetry.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	return l.middleware.Deliver(ctx, l.channel.UUID(), readings)
}

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
