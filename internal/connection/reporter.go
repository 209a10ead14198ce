package connection

import (
	"sync"

	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/metrics"
)

// statusReporter drains the driver's health-event channel and translates
// every event into exactly one typed status report delivered to the machine
// mailbox. It never mutates machine state itself; all state change happens
// inside the machine's own message processing.
type statusReporter struct {
	connID  string
	events  <-chan driver.Event
	deliver func(msg any) bool // non-blocking post into the machine mailbox
	log     *logger.Logger
	metrics *metrics.Metrics

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newStatusReporter(connID string, events <-chan driver.Event, deliver func(msg any) bool,
	log *logger.Logger, m *metrics.Metrics) *statusReporter {

	return &statusReporter{
		connID:  connID,
		events:  events,
		deliver: deliver,
		log:     log,
		metrics: m,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *statusReporter) start() {
	go r.run()
}

func (r *statusReporter) stop() {
	r.once.Do(func() { close(r.quit) })
	<-r.done
}

func (r *statusReporter) run() {
	defer close(r.done)

	for {
		select {
		case ev := <-r.events:
			r.translate(ev)
		case <-r.quit:
			return
		}
	}
}

func (r *statusReporter) translate(ev driver.Event) {
	var report statusReport

	switch ev.Kind {
	case driver.EventEstablished:
		r.log.Info("connection established")
		return
	case driver.EventFailure:
		r.log.Warn("connection failure", "error", ev.Err, "detail", ev.Detail)
		report = statusReport{kind: reportFailure, cause: ev.Err, description: ev.Detail}
	case driver.EventInterrupted:
		r.log.Warn("connection interrupted", "error", ev.Err, "detail", ev.Detail)
		report = statusReport{kind: reportFailure, cause: ev.Err, description: "connection interrupted"}
	case driver.EventRestored:
		r.log.Info("connection restored")
		report = statusReport{kind: reportRestored}
	case driver.EventMessageConsumed:
		report = statusReport{kind: reportMessageConsumed}
	case driver.EventConsumerClosed:
		r.log.Warn("consumer closed", "detail", ev.Detail)
		report = statusReport{kind: reportConsumerClosed, cause: ev.Err, description: ev.Detail, consumer: ev.Consumer}
	case driver.EventProducerClosed:
		r.log.Warn("producer closed", "detail", ev.Detail)
		report = statusReport{kind: reportProducerClosed, cause: ev.Err, description: ev.Detail}
	default:
		r.log.Debug("unknown driver event ignored", "kind", int(ev.Kind))
		return
	}

	if !r.deliver(report) {
		r.log.Warn("status report dropped, machine mailbox saturated", "kind", ev.Kind.String())
		if r.metrics != nil {
			r.metrics.IncReportsDropped(r.connID)
		}
	}
}
