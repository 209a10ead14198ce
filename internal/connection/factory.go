package connection

import (
	"broker-bridge/config"
	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/metrics"
	"broker-bridge/internal/stats"
	"broker-bridge/internal/worker"
)

// DefaultWorkerFactory wires the production workers. The router is the
// pub/sub directory mapped signals are delivered to; it may be nil, in which
// case the pipeline logs and discards signals.
func DefaultWorkerFactory(router worker.Router, log *logger.Logger, m *metrics.Metrics, st *stats.Collector) WorkerFactory {
	return WorkerFactory{
		NewPublisher: func(name, connID string, session driver.Session, targets []config.TargetConfig) (PublisherWorker, error) {
			return worker.NewPublisher(name, connID, session, targets, log, m, st)
		},
		NewPipeline: func(name, connID, mapping string) (PipelineWorker, error) {
			mapper, err := worker.MapperFor(mapping)
			if err != nil {
				return nil, err
			}
			return worker.NewPipeline(name, connID, mapper, router, log, st)
		},
		NewConsumer: func(name, connID string, binding driver.ConsumerBinding, pipe PipelineWorker) (ConsumerWorker, error) {
			return worker.NewConsumer(name, connID, binding, pipe, log, m, st)
		},
	}
}
