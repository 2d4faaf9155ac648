// Package protocol defines the capability every meter backend implements, and the errors they report.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cepro/meterlogger/telemetry"
)

// Protocol is the interface onto a single physical or virtual meter.
//
// Open is called once before any reads. Read blocks until at least one reading is available (or the context is done)
// and returns at most `max` readings. Close releases the meter and may be called more than once.
type Protocol interface {
	Open(ctx context.Context) error
	Read(ctx context.Context, max int) ([]telemetry.Reading, error)
	Close() error
}

// Details describes a protocol variant.
type Details struct {
	Name        string
	Description string
	Periodic    bool // the meter is polled every interval rather than pushing readings on its own schedule
	MaxReadings int  // the largest batch a single read may return
}

// Kind classifies read failures.
type Kind int

const (
	KindIO Kind = iota
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// ReadError is returned by Protocol.Read. Both kinds are recoverable: the acquisition loop pauses and reads again.
type ReadError struct {
	Kind Kind
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// IOError wraps a failure to talk to the meter.
func IOError(err error) error {
	return &ReadError{Kind: KindIO, Err: err}
}

// ParseError wraps a failure to make sense of what the meter sent.
func ParseError(err error) error {
	return &ReadError{Kind: KindParse, Err: err}
}

// ErrorKind returns the kind of a read error, treating errors that are not a ReadError as I/O failures.
func ErrorKind(err error) Kind {
	var readErr *ReadError
	if errors.As(err, &readErr) {
		return readErr.Kind
	}
	return KindIO
}

// OpenError is returned when a meter cannot be opened. The meter is not polled.
type OpenError struct {
	Protocol string
	Err      error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s meter: %v", e.Protocol, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// CloseOnce runs a close function the first time Do is called and returns its result on every call.
// Variants embed it to make Close idempotent.
type CloseOnce struct {
	once sync.Once
	err  error
}

func (c *CloseOnce) Do(close func() error) error {
	c.once.Do(func() {
		c.err = close()
	})
	return c.err
}
