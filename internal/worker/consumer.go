package worker

import (
	"sync"

	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/metrics"
	"broker-bridge/internal/stats"
)

// Consumer drains inbound messages from one negotiated driver-level consumer
// and forwards them into the mapping pipeline.
type Consumer struct {
	name    string
	connID  string
	binding driver.ConsumerBinding
	sink    Sink
	log     *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.Collector

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func NewConsumer(name, connID string, binding driver.ConsumerBinding, sink Sink,
	log *logger.Logger, m *metrics.Metrics, st *stats.Collector) (*Consumer, error) {

	c := &Consumer{
		name:    name,
		connID:  connID,
		binding: binding,
		sink:    sink,
		log:     log.With("worker", name, "address", binding.Address),
		metrics: m,
		stats:   st,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go c.run()
	c.log.Debug("consumer started")
	return c, nil
}

func (c *Consumer) Name() string { return c.name }

// NotifyClosed handles a driver-reported closure of this single consumer.
// The rest of the connection keeps running; only this worker winds down.
func (c *Consumer) NotifyClosed(detail string) {
	c.log.Warn("consumer closed by broker", "detail", detail)
	c.stats.IncErrors()
	c.once.Do(func() { close(c.quit) })
}

func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Consumer) run() {
	defer close(c.done)

	for {
		select {
		case msg, ok := <-c.binding.Consumer.Messages():
			if !ok {
				c.log.Debug("consumer message channel closed")
				return
			}
			c.stats.IncConsumed()
			if c.metrics != nil {
				c.metrics.IncMessagesConsumed(c.connID)
			}
			if err := c.sink.Submit(msg); err != nil {
				c.log.Error("failed to forward inbound message", "error", err)
			}
		case <-c.quit:
			return
		}
	}
}
