package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/stats"
)

const (
	pipelineQueueSize = 512
	routeTimeout      = 10 * time.Second
)

// Pipeline maps inbound messages into signals and routes them to the
// pub/sub directory. It sits between the consumers and the outside world;
// consumers must not run before it exists.
type Pipeline struct {
	name   string
	connID string
	mapper Mapper
	router Router
	log    *logger.Logger
	stats  *stats.Collector

	input chan driver.InboundMessage
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewPipeline(name, connID string, mapper Mapper, router Router,
	log *logger.Logger, st *stats.Collector) (*Pipeline, error) {

	if mapper == nil {
		return nil, fmt.Errorf("cannot start pipeline without a mapper")
	}

	p := &Pipeline{
		name:   name,
		connID: connID,
		mapper: mapper,
		router: router,
		log:    log.With("worker", name),
		stats:  st,
		input:  make(chan driver.InboundMessage, pipelineQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go p.run()
	p.log.Debug("pipeline started", "mapper", mapper.Name())
	return p, nil
}

func (p *Pipeline) Name() string { return p.name }

// Submit hands an inbound message to the pipeline without blocking.
func (p *Pipeline) Submit(msg driver.InboundMessage) error {
	select {
	case <-p.quit:
		return fmt.Errorf("pipeline stopped")
	default:
	}

	select {
	case p.input <- msg:
		return nil
	default:
		p.stats.IncDropped()
		return fmt.Errorf("pipeline queue full")
	}
}

func (p *Pipeline) Stop() {
	p.once.Do(func() { close(p.quit) })
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)

	for {
		select {
		case msg := <-p.input:
			p.process(msg)
		case <-p.quit:
			return
		}
	}
}

func (p *Pipeline) process(msg driver.InboundMessage) {
	sig, err := p.mapper.MapInbound(p.connID, msg)
	if err != nil {
		p.log.Error("failed to map inbound message", "source", msg.Address, "error", err)
		p.stats.IncErrors()
		return
	}
	if sig == nil {
		// mapper filtered the message out
		return
	}

	if p.router == nil {
		p.log.Debug("no router configured, signal discarded", "source", sig.Source)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
	defer cancel()

	if err := p.router.Route(ctx, sig); err != nil {
		p.log.Error("failed to route signal", "source", sig.Source, "error", err)
		p.stats.IncErrors()
	}
}
