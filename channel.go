package uplink

import (
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
)

// ErrChannelFull is returned by Push when the channel is at capacity and its
// dropping strategy is DropNone. The caller still owns the rejected value.
var ErrChannelFull = errors.New("channel full")

// BufferingStrategy selects how many values a channel may hold.
type BufferingStrategy int

const (
	// BufferingSingle keeps at most one pending value.
	BufferingSingle BufferingStrategy = iota
	// BufferingBounded keeps up to DroppingThreshold pending values.
	// A threshold of 0 means unbounded.
	BufferingBounded
)

// DroppingStrategy is the eviction policy applied when a push would exceed capacity.
type DroppingStrategy int

const (
	// DropNone rejects the incoming value.
	DropNone DroppingStrategy = iota
	// DropOldest evicts the longest-resident value.
	DropOldest
	// DropRandom evicts an arbitrary pending value.
	DropRandom
)

func (s BufferingStrategy) String() string {
	switch s {
	case BufferingSingle:
		return "single"
	case BufferingBounded:
		return "bounded"
	default:
		return "unknown"
	}
}

func (s DroppingStrategy) String() string {
	switch s {
	case DropNone:
		return "none"
	case DropOldest:
		return "drop-oldest"
	case DropRandom:
		return "drop-random"
	default:
		return "unknown"
	}
}

// ChannelSettings configures a Channel.
type ChannelSettings struct {
	Buffering         BufferingStrategy
	DroppingThreshold int
	Dropping          DroppingStrategy
}

// Capacity returns the number of values the settings allow, 0 meaning unbounded.
func (s ChannelSettings) Capacity() int {
	if s.Buffering == BufferingSingle {
		return 1
	}
	if s.DroppingThreshold < 0 {
		return 0
	}
	return s.DroppingThreshold
}

// LatestOnly is the "newest value wins" configuration used by most real-time kinds.
func LatestOnly() ChannelSettings {
	return ChannelSettings{Buffering: BufferingSingle, Dropping: DropOldest}
}

// Bounded returns a Bounded-N configuration.
func Bounded(n int, dropping DroppingStrategy) ChannelSettings {
	return ChannelSettings{Buffering: BufferingBounded, DroppingThreshold: n, Dropping: dropping}
}

// Unbounded never evicts. Used for kinds that must not be silently discarded.
func Unbounded() ChannelSettings {
	return ChannelSettings{Buffering: BufferingBounded, DroppingThreshold: 0, Dropping: DropOldest}
}

// Channel is a thread-safe, capacity-bounded FIFO holding pending values of one
// message kind. Push and PopBySwap never block.
type Channel[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	dropping DroppingStrategy
	dropped  uint64
}

// NewChannel creates a channel configured by settings.
func NewChannel[T any](settings ChannelSettings) *Channel[T] {
	c := &Channel[T]{}
	c.Configure(settings)
	return c
}

// Configure replaces capacity and dropping strategy. Values beyond the new
// capacity are evicted oldest first.
func (c *Channel[T]) Configure(settings ChannelSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = settings.Capacity()
	c.dropping = settings.Dropping

	for c.capacity > 0 && len(c.items) > c.capacity {
		c.evictLocked(0)
	}
}

// Push appends v. When the channel is full it applies the dropping strategy and
// reports whether a pending value was evicted to make room. With DropNone a full
// channel rejects v with ErrChannelFull.
func (c *Channel[T]) Push(v T) (evicted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity > 0 && len(c.items) >= c.capacity {
		switch c.dropping {
		case DropOldest:
			c.evictLocked(0)
		case DropRandom:
			c.evictLocked(rand.IntN(len(c.items)))
		default:
			return false, ErrChannelFull
		}
		evicted = true
	}

	c.items = append(c.items, v)
	return evicted, nil
}

// PopBySwap removes the oldest pending value and hands it to the caller.
// It returns false when nothing is pending.
func (c *Channel[T]) PopBySwap() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if len(c.items) == 0 {
		return zero, false
	}

	v := c.items[0]
	c.items[0] = zero
	c.items = c.items[1:]
	if len(c.items) == 0 {
		c.items = nil
	}
	return v, true
}

// Len returns the number of pending values.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Capacity returns the configured capacity, 0 meaning unbounded.
func (c *Channel[T]) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Dropped returns how many values were evicted since creation.
func (c *Channel[T]) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Reset discards every pending value.
func (c *Channel[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
	c.items = nil
}

func (c *Channel[T]) evictLocked(i int) {
	var zero T
	copy(c.items[i:], c.items[i+1:])
	c.items[len(c.items)-1] = zero
	c.items = c.items[:len(c.items)-1]
	c.dropped++
}
