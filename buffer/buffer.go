// Package buffer implements the bounded reading buffer shared between the acquisition loop that fills a channel and the
// delivery loop and local API clients that read from it.
//
// A Buffer has a single producer and any number of readers. Every pushed reading is numbered by a monotonically
// increasing sequence counter, so readers track what they have seen by remembering a cursor instead of copying the
// contents. Readers can block until the counter moves past their cursor.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cepro/meterlogger/telemetry"
)

// unboundedInitialCapacity is the starting size of the backing array for buffers without a retention limit.
const unboundedInitialCapacity = 16

var (
	// ErrTimeout is returned by WaitSince when no new reading arrived before the timeout elapsed.
	ErrTimeout = errors.New("timed out waiting for readings")

	// ErrClosed is returned by WaitSince once the buffer has been closed for shutdown.
	ErrClosed = errors.New("buffer closed")
)

// Snapshot is an immutable copy of a range of the buffer.
type Snapshot struct {
	Readings []telemetry.Reading // oldest first
	Seq      uint64              // sequence number of the newest reading in `Readings`, or the cursor to resume from if empty
	Dropped  uint64              // readings that were newer than the requested cursor but had already been evicted
}

// Buffer is a fixed capacity ring of readings. When `keep` readings are stored the oldest reading is overwritten on
// every push. A `keep` of zero gives an unbounded buffer whose backing array grows on demand; such buffers should be
// trimmed with Clean.
type Buffer struct {
	mu sync.Mutex

	items []telemetry.Reading
	head  int // index of the oldest reading in `items`
	size  int // number of readings currently stored
	keep  int

	seq     uint64            // sequence number of the newest reading ever pushed, zero when nothing was pushed yet
	last    telemetry.Reading // copy of the newest reading, survives Clean
	hasLast bool

	// notify is closed and replaced on every push, waking all blocked readers at once. After Close it stays closed.
	notify chan struct{}
	closed bool
}

// New returns an empty buffer that retains at most `keep` readings, or all readings if `keep` is zero.
func New(keep int) *Buffer {
	if keep < 0 {
		keep = 0
	}
	capacity := keep
	if keep == 0 {
		capacity = unboundedInitialCapacity
	}
	return &Buffer{
		items:  make([]telemetry.Reading, capacity),
		keep:   keep,
		notify: make(chan struct{}),
	}
}

// Push appends the readings in order, evicting the oldest ones if the buffer is full, and wakes every reader blocked
// in WaitSince. It returns the new sequence number.
func (b *Buffer) Push(readings ...telemetry.Reading) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(readings) == 0 {
		return b.seq
	}

	for _, reading := range readings {
		b.pushLocked(reading)
	}

	if !b.closed {
		close(b.notify)
		b.notify = make(chan struct{})
	}

	return b.seq
}

func (b *Buffer) pushLocked(reading telemetry.Reading) {
	if b.keep > 0 && b.size == b.keep {
		b.items[b.head] = reading
		b.head = (b.head + 1) % len(b.items)
	} else {
		if b.size == len(b.items) {
			b.grow()
		}
		b.items[(b.head+b.size)%len(b.items)] = reading
		b.size++
	}
	b.seq++
	b.last = reading
	b.hasLast = true
}

// grow doubles the backing array of an unbounded buffer, unwrapping the ring so that the oldest reading is at index 0.
func (b *Buffer) grow() {
	items := make([]telemetry.Reading, len(b.items)*2)
	for i := 0; i < b.size; i++ {
		items[i] = b.at(i)
	}
	b.items = items
	b.head = 0
}

// at returns the i'th oldest stored reading.
func (b *Buffer) at(i int) telemetry.Reading {
	return b.items[(b.head+i)%len(b.items)]
}

// Snapshot returns a copy of everything currently stored along with the current sequence number.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sinceLocked(0, 0)
}

// Since returns the stored readings whose sequence number is greater than `cursor`, oldest first. If `max` is positive
// at most `max` readings are returned and `Seq` identifies the last one, so the remainder can be fetched by calling
// Since again with that value.
func (b *Buffer) Since(cursor uint64, max int) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sinceLocked(cursor, max)
}

func (b *Buffer) sinceLocked(cursor uint64, max int) Snapshot {
	if cursor >= b.seq {
		return Snapshot{Seq: cursor}
	}

	var dropped uint64
	newer := b.seq - cursor
	if newer > uint64(b.size) {
		dropped = newer - uint64(b.size)
		newer = uint64(b.size)
	}

	n := int(newer)
	seq := b.seq
	if max > 0 && n > max {
		seq -= uint64(n - max)
		n = max
	}

	start := b.size - int(newer)
	readings := make([]telemetry.Reading, n)
	for i := 0; i < n; i++ {
		readings[i] = b.at(start + i)
	}

	return Snapshot{
		Readings: readings,
		Seq:      seq,
		Dropped:  dropped,
	}
}

// WaitSince blocks until a reading newer than `cursor` has been pushed and then returns everything newer than
// `cursor`. If `cursor` is already behind the buffer it returns immediately.
//
// The wait ends with ErrTimeout after `timeout` (a non-positive timeout leaves the wait bounded only by the context),
// with the context error if `ctx` is done, or with ErrClosed once the buffer has been closed.
func (b *Buffer) WaitSince(ctx context.Context, cursor uint64, timeout time.Duration) (Snapshot, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mu.Lock()
		if b.seq > cursor {
			snapshot := b.sinceLocked(cursor, 0)
			b.mu.Unlock()
			return snapshot, nil
		}
		if b.closed {
			b.mu.Unlock()
			return Snapshot{Seq: cursor}, ErrClosed
		}
		// the channel is taken under the lock, so a push that happens after we release it still wakes us
		notify := b.notify
		b.mu.Unlock()

		select {
		case <-notify:
		case <-expired:
			return Snapshot{Seq: cursor}, ErrTimeout
		case <-ctx.Done():
			return Snapshot{Seq: cursor}, ctx.Err()
		}
	}
}

// Clean discards the stored readings whose sequence number is less than or equal to `cursor`. It is used to release
// delivered readings from unbounded buffers. The cached last reading is kept.
func (b *Buffer) Clean(cursor uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return 0
	}
	oldest := b.seq - uint64(b.size) + 1
	if cursor < oldest {
		return 0
	}

	n := int(cursor - oldest + 1)
	if n > b.size {
		n = b.size
	}
	for i := 0; i < n; i++ {
		b.items[(b.head+i)%len(b.items)] = telemetry.Reading{}
	}
	b.head = (b.head + n) % len(b.items)
	b.size -= n

	return n
}

// Close wakes all blocked readers with ErrClosed. Readings can still be read after Close.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Last returns the newest reading ever pushed, and false if nothing has been pushed yet.
func (b *Buffer) Last() (telemetry.Reading, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.last, b.hasLast
}

// Seq returns the sequence number of the newest reading.
func (b *Buffer) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.seq
}

// Len returns the number of readings currently stored.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.size
}

// Keep returns the retention limit, zero meaning unbounded.
func (b *Buffer) Keep() int {
	return b.keep
}
