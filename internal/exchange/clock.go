package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultClockBuffer shifts outgoing request timestamps slightly into the
// past so small drift spikes never push them ahead of the venue clock.
const DefaultClockBuffer = 5 * time.Second

// Clock tracks the offset between the local clock and a venue server clock.
// Venue clients stamp signed requests from it and resync after timestamp
// rejections and on an hourly schedule.
type Clock struct {
	mu       sync.RWMutex
	offset   time.Duration // server minus local
	buffer   time.Duration
	lastSync time.Time
}

// NewClock creates a clock with the given safety buffer; a non-positive
// buffer falls back to DefaultClockBuffer.
func NewClock(buffer time.Duration) *Clock {
	if buffer <= 0 {
		buffer = DefaultClockBuffer
	}
	return &Clock{buffer: buffer}
}

// Sync measures the offset against the venue time returned by fetch.
func (c *Clock) Sync(ctx context.Context, fetch func(ctx context.Context) (time.Time, error)) error {
	before := time.Now()
	server, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("exchange: clock sync: %w", err)
	}
	after := time.Now()

	// Assume the server read the clock mid-flight.
	local := before.Add(after.Sub(before) / 2)

	c.mu.Lock()
	c.offset = server.Sub(local)
	c.lastSync = after
	c.mu.Unlock()
	return nil
}

// Now returns the estimated venue time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Timestamp returns the millisecond timestamp to stamp on a signed request,
// which is venue time pulled back by the safety buffer.
func (c *Clock) Timestamp() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset - c.buffer).UnixMilli()
}

// Offset returns the current server-minus-local estimate.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// LastSync returns when the offset was last measured; zero if never.
func (c *Clock) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}
