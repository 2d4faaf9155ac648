package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cepro/meterlogger/channel"
	"github.com/cepro/meterlogger/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyMiddleware fails the first `failures` deliveries and records every call.
type flakyMiddleware struct {
	mu       sync.Mutex
	failures int
	calls    [][]telemetry.Reading
}

func (f *flakyMiddleware) Deliver(ctx context.Context, uuid string, readings []telemetry.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch := make([]telemetry.Reading, len(readings))
	copy(batch, readings)
	f.calls = append(f.calls, batch)

	if f.failures > 0 {
		f.failures--
		return errors.New("middleware unavailable")
	}
	return nil
}

func (f *flakyMiddleware) Close() error { return nil }

func (f *flakyMiddleware) Calls() [][]telemetry.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]telemetry.Reading(nil), f.calls...)
}

func readings(values ...float64) []telemetry.Reading {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	result := make([]telemetry.Reading, 0, len(values))
	for i, v := range values {
		result = append(result, telemetry.New(start.Add(time.Duration(i)*time.Second), v))
	}
	return result
}

func startLoop(t *testing.T, loop *Loop) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	return func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("delivery loop did not stop")
		}
	}
}

func TestLoop_RetriesUntilDelivered(t *testing.T) {
	ch := channel.New(channel.Config{UUID: "a", Keep: 10})
	mw := &flakyMiddleware{failures: 2}
	loop := New(Config{Channel: ch, Middleware: mw, Retry: time.Millisecond})

	stop := startLoop(t, loop)
	defer stop()

	pushed := readings(1, 2, 3)
	ch.Push(pushed)

	require.Eventually(t, func() bool { return loop.Delivered() == 3 }, time.Second, time.Millisecond)

	calls := mw.Calls()
	require.Len(t, calls, 3)
	for _, call := range calls {
		assert.Equal(t, pushed, call, "every attempt carries the same batch")
	}
}

func TestLoop_CursorHeldWhileFailing(t *testing.T) {
	ch := channel.New(channel.Config{UUID: "a", Keep: 10})
	mw := &flakyMiddleware{failures: 1000}
	loop := New(Config{Channel: ch, Middleware: mw, Retry: time.Millisecond})

	stop := startLoop(t, loop)

	ch.Push(readings(1))
	require.Eventually(t, func() bool { return len(mw.Calls()) >= 3 }, time.Second, time.Millisecond)
	stop()

	assert.Equal(t, uint64(0), loop.Delivered())
}

func TestLoop_Batches(t *testing.T) {
	ch := channel.New(channel.Config{UUID: "a", Keep: 10})
	mw := &flakyMiddleware{}
	loop := New(Config{Channel: ch, Middleware: mw, BatchSize: 2, Retry: time.Millisecond})

	pushed := readings(1, 2, 3, 4, 5)
	ch.Push(pushed)

	stop := startLoop(t, loop)
	defer stop()

	require.Eventually(t, func() bool { return loop.Delivered() == 5 }, time.Second, time.Millisecond)

	calls := mw.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, pushed[0:2], calls[0])
	assert.Equal(t, pushed[2:4], calls[1])
	assert.Equal(t, pushed[4:5], calls[2])
}

func TestLoop_UnboundedBufferIsCleaned(t *testing.T) {
	ch := channel.New(channel.Config{UUID: "a", Keep: 0})
	mw := &flakyMiddleware{}
	loop := New(Config{Channel: ch, Middleware: mw, Unbounded: true, Retry: time.Millisecond})

	stop := startLoop(t, loop)
	defer stop()

	ch.Push(readings(1, 2, 3))
	require.Eventually(t, func() bool { return loop.Delivered() == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return ch.Buffer().Len() == 0 }, time.Second, time.Millisecond)

	last, ok := ch.Last()
	require.True(t, ok)
	assert.Equal(t, 3.0, last.Value)
}

func TestLoop_StopsWhenBufferClosed(t *testing.T) {
	ch := channel.New(channel.Config{UUID: "a", Keep: 10})
	loop := New(Config{Channel: ch, Middleware: &flakyMiddleware{}})

	done := make(chan struct{})
	go func() {
		loop.Run(context.Background())
		close(done)
	}()

	ch.Buffer().Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery loop did not stop")
	}
}
