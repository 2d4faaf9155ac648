// Package daemon builds the meters and channels described by the configuration and coordinates their goroutines
// from startup to teardown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/meterlogger/channel"
	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/delivery"
	"github.com/cepro/meterlogger/local"
	"github.com/cepro/meterlogger/metermap"
	"github.com/cepro/meterlogger/metrics"
	"github.com/sourcegraph/conc"
)

const Generator = "meterlogger"

// ErrNoMeters is returned by Start when none of the configured meters could be opened.
var ErrNoMeters = errors.New("no meter could be opened")

// Daemon owns every meter, channel and middleware client. The registry is built once by New and never changes.
type Daemon struct {
	config  config.Config
	version string

	meters      []*metermap.MeterMap
	channels    []*channel.Channel
	unbounded   map[*channel.Channel]bool
	middleware  map[*channel.Channel]delivery.Middleware
	middlewares *middlewares
	local       *local.Service

	running []*metermap.MeterMap
	loops   []*delivery.Loop

	wg       conc.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once

	errMu sync.Mutex
	errs  []error

	logger *slog.Logger
}

// New creates the meters, channels and middleware clients described by `cfg`. Nothing is opened or started.
func New(cfg config.Config, version string) (*Daemon, error) {
	d := &Daemon{
		config:      cfg,
		version:     version,
		unbounded:   make(map[*channel.Channel]bool),
		middleware:  make(map[*channel.Channel]delivery.Middleware),
		middlewares: newMiddlewares(),
		logger:      slog.Default().With("component", "daemon"),
	}

	for i, meterCfg := range cfg.Meters {
		if !meterCfg.IsEnabled() {
			d.logger.Info("Skipping disabled meter", "index", i, "protocol", meterCfg.Protocol)
			continue
		}

		meter, err := d.newMeter(i, meterCfg)
		if err != nil {
			d.middlewares.closeAll()
			return nil, err
		}
		d.meters = append(d.meters, meter)
	}

	d.local = local.New(local.Config{
		Channels:  d.channels,
		Index:     cfg.Local.Index,
		Timeout:   time.Duration(cfg.Local.Timeout) * time.Second,
		Version:   version,
		Generator: Generator,
	})

	return d, nil
}

func (d *Daemon) newMeter(index int, meterCfg config.MeterConfig) (*metermap.MeterMap, error) {
	path := fmt.Sprintf("meters[%d]", index)

	factory, ok := protocols[meterCfg.Protocol]
	if !ok {
		return nil, &config.Error{Path: path + ".protocol", Msg: fmt.Sprintf("unknown protocol %q", meterCfg.Protocol)}
	}
	if factory.details.Periodic && meterCfg.Interval <= 0 {
		return nil, &config.Error{Path: path + ".interval", Msg: fmt.Sprintf("required for %s meters", factory.details.Name)}
	}

	proto, err := factory.new(meterCfg.Options)
	if err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return nil, &config.Error{Path: path + ".options", Msg: cfgErr.Msg}
		}
		return nil, fmt.Errorf("create %s meter: %w", factory.details.Name, err)
	}

	channels := make([]*channel.Channel, 0, len(meterCfg.Channels))
	for j, chCfg := range meterCfg.Channels {
		ch := channel.New(channel.Config{
			UUID:       chCfg.UUID,
			Identifier: chCfg.Identifier,
			Interval:   meterCfg.Interval,
			Protocol:   factory.details.Name,
			Middleware: chCfg.Middleware,
			Keep:       retention(chCfg, meterCfg.Interval, factory.details.Periodic, d.config.BufferLength),
		})

		if ch.HasMiddleware() {
			mw, err := d.middlewares.get(fmt.Sprintf("%s.channels[%d].middleware", path, j), chCfg.Middleware)
			if err != nil {
				return nil, err
			}
			d.middleware[ch] = mw
			d.unbounded[ch] = chCfg.Unbounded
		}

		ch.Logger().Debug("Created channel", "keep", ch.Buffer().Keep(), "identifier", ch.Identifier())
		channels = append(channels, ch)
		d.channels = append(d.channels, ch)
	}

	return metermap.New(metermap.Config{
		Index:    index,
		Protocol: proto,
		Details:  factory.details,
		Interval: time.Duration(meterCfg.Interval) * time.Second,
		Retry:    time.Duration(d.config.Retry) * time.Second,
		Channels: channels,
	}), nil
}

// retention returns how many readings a channel keeps: an explicit `keep`, zero (unbounded) when requested, otherwise
// enough readings to cover `bufferLength` seconds of a periodic meter, or `bufferLength` readings for other meters.
func retention(chCfg config.ChannelConfig, interval int, periodic bool, bufferLength int) int {
	if chCfg.Unbounded {
		return 0
	}
	if chCfg.Keep != nil && *chCfg.Keep > 0 {
		return *chCfg.Keep
	}
	if periodic && interval > 0 {
		return max(1, (bufferLength+interval-1)/interval)
	}
	return max(1, bufferLength)
}

// Registry returns every enabled meter, whether or not it opened.
func (d *Daemon) Registry() []*metermap.MeterMap {
	return d.meters
}

func (d *Daemon) Channels() []*channel.Channel {
	return d.channels
}

func (d *Daemon) Local() *local.Service {
	return d.local
}

// Start opens the meters and starts the acquisition loops, the delivery loops and the optional HTTP servers.
// Meters that fail to open are skipped unless the open policy is "abort"; Start fails if no meter opened.
// Everything runs until `ctx` is cancelled, after which Wait tears the daemon down.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	var openErrs []error
	for _, meter := range d.meters {
		err := meter.Open(ctx)
		if err != nil {
			meter.Close()
			d.logger.Error("Failed to open meter", "meter", meter.Name(), "error", err)
			openErrs = append(openErrs, err)
			if d.config.OpenPolicy == config.OpenPolicyAbort {
				d.teardown()
				return err
			}
			continue
		}
		d.running = append(d.running, meter)
	}
	if len(d.running) == 0 {
		d.teardown()
		return errors.Join(append([]error{ErrNoMeters}, openErrs...)...)
	}

	for _, meter := range d.running {
		d.wg.Go(func() {
			meter.Run(ctx)
		})

		for _, ch := range meter.Channels() {
			mw, ok := d.middleware[ch]
			if !ok {
				continue
			}
			loop := delivery.New(delivery.Config{
				Channel:    ch,
				Middleware: mw,
				BatchSize:  d.config.Delivery.BatchSize,
				Timeout:    time.Duration(d.config.Delivery.Timeout) * time.Second,
				Retry:      time.Duration(d.config.Retry) * time.Second,
				Unbounded:  d.unbounded[ch],
			})
			d.loops = append(d.loops, loop)
			d.wg.Go(func() {
				loop.Run(ctx)
			})
		}
	}

	if d.config.Local.Enabled {
		d.wg.Go(func() {
			d.fail(d.local.Serve(ctx, d.config.Local.Port))
		})
	}
	if d.config.Metrics.Address != "" {
		d.wg.Go(func() {
			d.fail(metrics.Serve(ctx, d.config.Metrics.Address))
		})
	}

	d.logger.Info("Started", "meters", len(d.running), "channels", len(d.channels), "deliveryLoops", len(d.loops))
	return nil
}

// fail records a fatal error from a server and shuts the daemon down.
func (d *Daemon) fail(err error) {
	if err == nil {
		return
	}
	d.logger.Error("Shutting down", "error", err)

	d.errMu.Lock()
	d.errs = append(d.errs, err)
	d.errMu.Unlock()

	d.cancel()
}

// Wait blocks until every goroutine has stopped and then releases all resources: meters first, then the channel
// buffers and finally the middleware clients. It returns the errors that caused an early shutdown, if any.
func (d *Daemon) Wait() error {
	d.wg.Wait()
	d.teardown()

	d.errMu.Lock()
	defer d.errMu.Unlock()
	return errors.Join(d.errs...)
}

func (d *Daemon) teardown() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	if d.cancel != nil {
		d.cancel()
	}
	for _, meter := range d.meters {
		err := meter.Close()
		if err != nil {
			d.logger.Warn("Failed to close meter", "meter", meter.Name(), "error", err)
		}
	}
	for _, ch := range d.channels {
		ch.Buffer().Close()
	}
	err := d.middlewares.closeAll()
	if err != nil {
		d.logger.Warn("Failed to close middleware", "error", err)
	}
	d.logger.Info("Stopped")
}
