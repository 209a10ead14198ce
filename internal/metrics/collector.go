package metrics

import (
	"sync"
	"time"

	"broker-bridge/internal/stats"
)

// Collector periodically copies per-connection stats counters into gauges.
type Collector struct {
	metrics  *Metrics
	interval time.Duration
	fetch    func() []stats.Snapshot

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func NewCollector(m *Metrics, interval time.Duration, fetch func() []stats.Snapshot) *Collector {
	return &Collector{
		metrics:  m,
		interval: interval,
		fetch:    fetch,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Collector) Start() {
	go c.run()
}

func (c *Collector) Stop() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Collector) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, snap := range c.fetch() {
				c.metrics.SetConsumeRate(snap.ConnectionID, snap.ConsumeRate)
			}
		case <-c.quit:
			return
		}
	}
}
