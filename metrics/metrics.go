// Package metrics holds the prometheus collectors for acquisition, delivery and the local interface.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every meterlogger collector plus the standard process and go runtime collectors.
	Registry = prometheus.NewRegistry()

	ReadingsAcquired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterlogger_readings_acquired_total",
		Help: "Readings returned by meter reads",
	}, []string{"meter"})

	ReadErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterlogger_read_errors_total",
		Help: "Failed meter reads, by error kind",
	}, []string{"meter", "kind"})

	ReadingsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterlogger_readings_delivered_total",
		Help: "Readings accepted by the middleware",
	}, []string{"channel"})

	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterlogger_delivery_failures_total",
		Help: "Failed middleware deliveries",
	}, []string{"channel"})

	ReadingsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterlogger_readings_dropped_total",
		Help: "Readings evicted from a buffer before they were delivered",
	}, []string{"channel"})

	BufferedReadings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meterlogger_buffered_readings",
		Help: "Readings currently held in a channel buffer",
	}, []string{"channel"})

	CometWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterlogger_comet_waits_total",
		Help: "Long-poll requests on the local interface, by result",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ReadingsAcquired,
		ReadErrors,
		ReadingsDelivered,
		DeliveryFailures,
		ReadingsDropped,
		BufferedReadings,
		CometWaits,
	)
}

// Handler returns an HTTP handler that exposes the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on `addr` under /metrics until the context is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("Serving metrics", "address", addr)

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
