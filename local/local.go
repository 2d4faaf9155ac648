// Package local serves the current state of the channels over HTTP, for clients on the same network as the logger.
package local

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cepro/meterlogger/buffer"
	"github.com/cepro/meterlogger/channel"
	"github.com/cepro/meterlogger/metrics"
)

// Response is the JSON document returned for every GET request.
type Response struct {
	Version   string        `json:"version"`
	Generator string        `json:"generator"`
	Data      []ChannelData `json:"data"`
	Exception *Exception    `json:"exception,omitempty"`
}

type ChannelData struct {
	UUID      string   `json:"uuid"`
	Last      *float64 `json:"last"`      // newest value, null until the first reading
	Timestamp *int64   `json:"timestamp"` // time of the newest value in milliseconds since the unix epoch
	Interval  int      `json:"interval"`
	Protocol  string   `json:"protocol"`
}

type Exception struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type Config struct {
	Channels  []*channel.Channel
	Index     bool          // allow listing every channel on `GET /`
	Timeout   time.Duration // longest time a comet request is held open
	Version   string
	Generator string
}

// Service answers queries about the channels. It only reads from the channels and is safe for concurrent use.
type Service struct {
	channels  []*channel.Channel
	index     bool
	timeout   time.Duration
	version   string
	generator string
	logger    *slog.Logger
}

func New(config Config) *Service {
	return &Service{
		channels:  config.Channels,
		index:     config.Index,
		timeout:   config.Timeout,
		version:   config.Version,
		generator: config.Generator,
		logger:    slog.Default().With("component", "local"),
	}
}

// matching returns the channels with the given uuid, or every channel if `uuid` is empty.
func (s *Service) matching(uuid string) []*channel.Channel {
	if uuid == "" {
		return s.channels
	}
	var matched []*channel.Channel
	for _, ch := range s.channels {
		if strings.EqualFold(ch.UUID(), uuid) {
			matched = append(matched, ch)
		}
	}
	return matched
}

// Snapshot describes the channel with the given uuid, or every channel if `uuid` is empty.
// An unknown uuid gives an empty data set.
func (s *Service) Snapshot(uuid string) Response {
	return s.compose(s.matching(uuid))
}

// SnapshotBlocking waits until one of the matching channels receives a new reading, or until `timeout` elapses, and
// then describes the matching channels as Snapshot does. A non-positive timeout uses the service's comet timeout.
func (s *Service) SnapshotBlocking(ctx context.Context, uuid string, timeout time.Duration) Response {
	if timeout <= 0 {
		timeout = s.timeout
	}
	channels := s.matching(uuid)

	err := waitAny(ctx, channels, timeout)
	switch {
	case err == nil:
		metrics.CometWaits.WithLabelValues("data").Inc()
	case errors.Is(err, buffer.ErrTimeout):
		metrics.CometWaits.WithLabelValues("timeout").Inc()
	default:
		metrics.CometWaits.WithLabelValues("cancelled").Inc()
	}

	return s.compose(channels)
}

// waitAny blocks until any of the channels has a reading newer than it had when called. The first channel to wake
// cancels the waits on the others.
func waitAny(ctx context.Context, channels []*channel.Channel, timeout time.Duration) error {
	switch len(channels) {
	case 0:
		return nil
	case 1:
		buf := channels[0].Buffer()
		_, err := buf.WaitSince(ctx, buf.Seq(), timeout)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, len(channels))
	for _, ch := range channels {
		buf := ch.Buffer()
		cursor := buf.Seq()
		go func() {
			_, err := buf.WaitSince(ctx, cursor, timeout)
			results <- err
		}()
	}

	// the first result decides; the remaining goroutines finish once the context is cancelled
	return <-results
}

func (s *Service) compose(channels []*channel.Channel) Response {
	data := make([]ChannelData, 0, len(channels))
	for _, ch := range channels {
		item := ChannelData{
			UUID:     ch.UUID(),
			Interval: ch.Interval(),
			Protocol: ch.Protocol(),
		}
		if last, ok := ch.Last(); ok {
			value := last.Value
			timestamp := last.UnixMilli()
			item.Last = &value
			item.Timestamp = &timestamp
		}
		data = append(data, item)
	}

	return Response{
		Version:   s.version,
		Generator: s.generator,
		Data:      data,
	}
}
