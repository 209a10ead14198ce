// Package stats keeps lightweight per-connection message counters that are
// safe to update from worker goroutines.
package stats

import (
	"sync/atomic"
	"time"
)

// Collector holds counters for one connection.
type Collector struct {
	ConnectionID string
	StartTime    time.Time

	consumed  atomic.Uint64
	published atomic.Uint64
	errors    atomic.Uint64
	dropped   atomic.Uint64
}

// Snapshot is a point-in-time copy of a collector's counters.
type Snapshot struct {
	ConnectionID string
	Consumed     uint64
	Published    uint64
	Errors       uint64
	Dropped      uint64
	ConsumeRate  float64 // messages per second since start
	Uptime       time.Duration
}

func NewCollector(connectionID string) *Collector {
	return &Collector{
		ConnectionID: connectionID,
		StartTime:    time.Now(),
	}
}

func (c *Collector) IncConsumed()  { c.consumed.Add(1) }
func (c *Collector) IncPublished() { c.published.Add(1) }
func (c *Collector) IncErrors()    { c.errors.Add(1) }
func (c *Collector) IncDropped()   { c.dropped.Add(1) }

func (c *Collector) Snapshot() Snapshot {
	uptime := time.Since(c.StartTime)
	consumed := c.consumed.Load()

	rate := 0.0
	if secs := uptime.Seconds(); secs > 0 {
		rate = float64(consumed) / secs
	}

	return Snapshot{
		ConnectionID: c.ConnectionID,
		Consumed:     consumed,
		Published:    c.published.Load(),
		Errors:       c.errors.Load(),
		Dropped:      c.dropped.Load(),
		ConsumeRate:  rate,
		Uptime:       uptime,
	}
}
