package connection

import (
	"strings"

	"github.com/google/uuid"

	"broker-bridge/config"
	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/metrics"
)

const (
	publisherWorkerName  = "publisher"
	pipelineWorkerName   = "pipeline"
	consumerWorkerPrefix = "consumer-"
)

// PublisherWorker is the supervisor's view of the publisher.
type PublisherWorker interface {
	Name() string
	NotifyClosed(detail string)
	Stop()
}

// PipelineWorker is the supervisor's view of the mapping pipeline. It doubles
// as the sink consumers forward inbound messages into.
type PipelineWorker interface {
	Name() string
	Submit(msg driver.InboundMessage) error
	Stop()
}

// ConsumerWorker is the supervisor's view of one consumer worker.
type ConsumerWorker interface {
	Name() string
	NotifyClosed(detail string)
	Stop()
}

// WorkerFactory constructs the workers the supervisor manages. Tests swap in
// recording fakes; production wiring lives in DefaultWorkerFactory.
type WorkerFactory struct {
	NewPublisher func(name, connID string, session driver.Session, targets []config.TargetConfig) (PublisherWorker, error)
	NewPipeline  func(name, connID, mapping string) (PipelineWorker, error)
	NewConsumer  func(name, connID string, binding driver.ConsumerBinding, pipe PipelineWorker) (ConsumerWorker, error)
}

// Supervisor owns the ordered start and stop of the workers that depend on an
// established connection. Start order is publisher, then pipeline, then
// consumers, because a consumer must never receive a message before a
// response route exists; teardown runs in reverse. All methods are called
// from the machine's control loop only.
type Supervisor struct {
	connID  string
	factory WorkerFactory
	log     *logger.Logger
	metrics *metrics.Metrics

	publisher         PublisherWorker
	pipeline          PipelineWorker
	consumersByPrefix map[string]ConsumerWorker
	bindingsByPrefix  map[string]driver.ConsumerBinding
}

func NewSupervisor(connID string, factory WorkerFactory, log *logger.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		connID:            connID,
		factory:           factory,
		log:               log,
		metrics:           m,
		consumersByPrefix: make(map[string]ConsumerWorker),
		bindingsByPrefix:  make(map[string]driver.ConsumerBinding),
	}
}

// Allocate starts fresh workers for a newly established connection.
func (s *Supervisor) Allocate(session driver.Session, consumers []driver.ConsumerBinding,
	targets []config.TargetConfig, mapping string) error {

	s.stopPublisher()
	if session == nil {
		return &ConfigurationError{ID: s.connID, Reason: "cannot start publisher without a live session"}
	}

	pub, err := s.factory.NewPublisher(publisherWorkerName, s.connID, session, targets)
	if err != nil {
		return &ConfigurationError{ID: s.connID, Reason: "failed to start publisher: " + err.Error()}
	}
	s.publisher = pub

	pipe, err := s.factory.NewPipeline(pipelineWorkerName, s.connID, mapping)
	if err != nil {
		s.stopPublisher()
		return &ConfigurationError{ID: s.connID, Reason: "failed to start mapping pipeline: " + err.Error()}
	}
	s.pipeline = pipe

	for _, binding := range consumers {
		name := consumerWorkerName(s.connID, binding.Address)
		w, err := s.factory.NewConsumer(name, s.connID, binding, pipe)
		if err != nil {
			s.Release()
			return &ConfigurationError{ID: s.connID, Reason: "failed to start consumer: " + err.Error()}
		}
		s.consumersByPrefix[name] = w
		s.bindingsByPrefix[name] = binding
	}

	s.log.Info("workers allocated",
		"consumers", len(s.consumersByPrefix),
		"targets", len(targets))
	s.updateWorkerGauges()
	return nil
}

// Release stops everything in reverse start order and clears the tracking
// maps. Calling it with nothing allocated is a no-op.
func (s *Supervisor) Release() {
	for name, w := range s.consumersByPrefix {
		// the prefix filter guards against stopping unrelated workers that
		// could share the map through a future refactoring
		if strings.HasPrefix(name, consumerWorkerPrefix) {
			w.Stop()
		}
	}
	s.consumersByPrefix = make(map[string]ConsumerWorker)
	s.bindingsByPrefix = make(map[string]driver.ConsumerBinding)

	if s.pipeline != nil {
		s.pipeline.Stop()
		s.pipeline = nil
	}
	s.stopPublisher()
	s.updateWorkerGauges()
}

// OnConsumerFailure forwards a driver-reported closure to the worker that
// owns the affected consumer. An untracked consumer was already torn down;
// nothing happens.
func (s *Supervisor) OnConsumerFailure(consumer driver.Consumer, detail string) {
	for name, binding := range s.bindingsByPrefix {
		if binding.Consumer == consumer {
			if w, ok := s.consumersByPrefix[name]; ok {
				w.NotifyClosed(detail)
			}
			return
		}
	}
	s.log.Debug("closure report for untracked consumer ignored")
}

// OnProducerClosed forwards a producer-closed report to the publisher.
func (s *Supervisor) OnProducerClosed(detail string) {
	if s.publisher != nil {
		s.publisher.NotifyClosed(detail)
	}
}

// ActiveWorkers counts the currently tracked workers.
func (s *Supervisor) ActiveWorkers() int {
	n := len(s.consumersByPrefix)
	if s.pipeline != nil {
		n++
	}
	if s.publisher != nil {
		n++
	}
	return n
}

func (s *Supervisor) stopPublisher() {
	if s.publisher != nil {
		s.publisher.Stop()
		s.publisher = nil
	}
}

func (s *Supervisor) updateWorkerGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetWorkersActive(s.connID, "consumer", float64(len(s.consumersByPrefix)))
	pub, pipe := 0.0, 0.0
	if s.publisher != nil {
		pub = 1
	}
	if s.pipeline != nil {
		pipe = 1
	}
	s.metrics.SetWorkersActive(s.connID, "publisher", pub)
	s.metrics.SetWorkersActive(s.connID, "pipeline", pipe)
}

// consumerWorkerName derives a collision-free worker name from the
// connection id and source address.
func consumerWorkerName(connID, address string) string {
	return consumerWorkerPrefix + escapeName(connID+"-"+address) + "-" + uuid.NewString()[:8]
}

func escapeName(s string) string {
	replacer := strings.NewReplacer("/", "_", "#", "_", "+", "_", ".", "_", ">", "_", "*", "_", " ", "_")
	return replacer.Replace(s)
}
