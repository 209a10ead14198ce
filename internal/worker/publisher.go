package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"broker-bridge/config"
	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/metrics"
	"broker-bridge/internal/stats"
)

const (
	publisherQueueSize = 256
	publishTimeout     = 10 * time.Second
)

// Publisher accepts outbound messages and sends them through the live
// session. At most one publisher exists per connection.
type Publisher struct {
	name    string
	connID  string
	session driver.Session
	targets []config.TargetConfig
	log     *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.Collector

	input chan driver.OutboundMessage
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewPublisher starts a publisher bound to the given session. It fails fast
// when no live session is available.
func NewPublisher(name, connID string, session driver.Session, targets []config.TargetConfig,
	log *logger.Logger, m *metrics.Metrics, st *stats.Collector) (*Publisher, error) {

	if session == nil {
		return nil, fmt.Errorf("cannot start publisher without a live session")
	}

	p := &Publisher{
		name:    name,
		connID:  connID,
		session: session,
		targets: targets,
		log:     log.With("worker", name),
		metrics: m,
		stats:   st,
		input:   make(chan driver.OutboundMessage, publisherQueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go p.run()
	p.log.Debug("publisher started", "targets", len(targets))
	return p, nil
}

func (p *Publisher) Name() string { return p.name }

// Publish enqueues an outbound message. It never blocks; a full queue is an
// error the caller can count.
func (p *Publisher) Publish(msg driver.OutboundMessage) error {
	select {
	case <-p.quit:
		return fmt.Errorf("publisher stopped")
	default:
	}

	select {
	case p.input <- msg:
		return nil
	default:
		p.stats.IncErrors()
		return fmt.Errorf("publisher queue full")
	}
}

// NotifyClosed handles a producer-closed report forwarded by the machine.
// The underlying adapter reopens the producing side itself; the publisher
// only records the condition.
func (p *Publisher) NotifyClosed(detail string) {
	p.log.Warn("producer closed", "detail", detail)
	p.stats.IncErrors()
}

func (p *Publisher) Stop() {
	p.once.Do(func() { close(p.quit) })
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)

	for {
		select {
		case msg := <-p.input:
			p.send(msg)
		case <-p.quit:
			return
		}
	}
}

func (p *Publisher) send(msg driver.OutboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	// An explicit address wins; otherwise fan out to every configured target.
	addresses := []string{msg.Address}
	if msg.Address == "" {
		addresses = addresses[:0]
		for _, t := range p.targets {
			addresses = append(addresses, t.Address)
		}
	}

	for _, address := range addresses {
		out := msg
		out.Address = address
		if err := p.session.Publish(ctx, out); err != nil {
			p.log.Error("failed to publish message", "address", address, "error", err)
			p.stats.IncErrors()
			if p.metrics != nil {
				p.metrics.IncPublishErrors(p.connID)
			}
			continue
		}
		p.stats.IncPublished()
		if p.metrics != nil {
			p.metrics.IncMessagesPublished(p.connID)
		}
		p.log.Debug("published message", "address", address, "payloadSize", len(out.Payload))
	}
}
