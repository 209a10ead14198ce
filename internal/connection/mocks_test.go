package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"broker-bridge/config"
	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
)

// recorder captures ordered worker lifecycle events so tests can assert
// start and stop ordering.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// fakeHandle implements driver.Handle.
type fakeHandle struct {
	id       string
	closed   atomic.Bool
	closeErr error
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return h.closeErr
}

// fakeSession implements driver.Session.
type fakeSession struct {
	mu        sync.Mutex
	published []driver.OutboundMessage
}

func (s *fakeSession) Publish(_ context.Context, msg driver.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, msg)
	return nil
}

func (s *fakeSession) Close() error { return nil }

// fakeConsumer implements driver.Consumer.
type fakeConsumer struct {
	address string
	ch      chan driver.InboundMessage
	once    sync.Once
}

func newFakeConsumer(address string) *fakeConsumer {
	return &fakeConsumer{
		address: address,
		ch:      make(chan driver.InboundMessage, 8),
	}
}

func (c *fakeConsumer) Address() string                        { return c.address }
func (c *fakeConsumer) Messages() <-chan driver.InboundMessage { return c.ch }

func (c *fakeConsumer) Close() error {
	c.once.Do(func() { close(c.ch) })
	return nil
}

// fakeDriver implements driver.Driver with a swappable connect function and
// an injectable health-event channel.
type fakeDriver struct {
	mu              sync.Mutex
	connectCalls    int
	disconnectCalls int
	connectFn       func(ctx context.Context, cfg *config.ConnectionConfig) (*driver.ConnectResult, error)
	disconnectErr   error
	events          chan driver.Event
}

func newFakeDriver() *fakeDriver {
	d := &fakeDriver{
		events: make(chan driver.Event, 16),
	}
	d.connectFn = func(_ context.Context, cfg *config.ConnectionConfig) (*driver.ConnectResult, error) {
		return makeResult(cfg), nil
	}
	return d
}

func (d *fakeDriver) setConnect(fn func(ctx context.Context, cfg *config.ConnectionConfig) (*driver.ConnectResult, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectFn = fn
}

func (d *fakeDriver) Connect(ctx context.Context, cfg *config.ConnectionConfig) (*driver.ConnectResult, error) {
	d.mu.Lock()
	d.connectCalls++
	fn := d.connectFn
	d.mu.Unlock()
	return fn(ctx, cfg)
}

func (d *fakeDriver) Disconnect(_ context.Context, handle driver.Handle) error {
	d.mu.Lock()
	d.disconnectCalls++
	err := d.disconnectErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return handle.Close()
}

func (d *fakeDriver) Events() <-chan driver.Event { return d.events }

func (d *fakeDriver) calls() (connects, disconnects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectCalls, d.disconnectCalls
}

// makeResult builds a connect result from the descriptor the way the real
// adapters do: one consumer per source address per consumer count.
func makeResult(cfg *config.ConnectionConfig) *driver.ConnectResult {
	result := &driver.ConnectResult{
		Handle:  &fakeHandle{id: cfg.ID + "-handle"},
		Session: &fakeSession{},
	}
	for _, src := range cfg.Sources {
		count := src.ConsumerCount
		if count <= 0 {
			count = 1
		}
		for _, addr := range src.Addresses {
			for i := 0; i < count; i++ {
				result.Consumers = append(result.Consumers, driver.ConsumerBinding{
					Address:  addr,
					Consumer: newFakeConsumer(addr),
					Source:   src,
				})
			}
		}
	}
	return result
}

// fakePublisher implements PublisherWorker.
type fakePublisher struct {
	name    string
	rec     *recorder
	notices atomic.Int32
}

func (p *fakePublisher) Name() string { return p.name }

func (p *fakePublisher) NotifyClosed(detail string) {
	p.notices.Add(1)
	p.rec.add("notify:publisher")
}

func (p *fakePublisher) Stop() { p.rec.add("stop:publisher") }

// fakePipeline implements PipelineWorker.
type fakePipeline struct {
	name      string
	rec       *recorder
	mu        sync.Mutex
	submitted []driver.InboundMessage
}

func (p *fakePipeline) Name() string { return p.name }

func (p *fakePipeline) Submit(msg driver.InboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, msg)
	return nil
}

func (p *fakePipeline) Stop() { p.rec.add("stop:pipeline") }

// fakeConsumerWorker implements ConsumerWorker.
type fakeConsumerWorker struct {
	name    string
	binding driver.ConsumerBinding
	rec     *recorder
	notices atomic.Int32
}

func (c *fakeConsumerWorker) Name() string { return c.name }

func (c *fakeConsumerWorker) NotifyClosed(detail string) {
	c.notices.Add(1)
	c.rec.add("notify:consumer:" + c.binding.Address)
}

func (c *fakeConsumerWorker) Stop() { c.rec.add("stop:consumer:" + c.binding.Address) }

// fakeWorkerSet produces a recording WorkerFactory and keeps every worker it
// created for later inspection.
type fakeWorkerSet struct {
	rec *recorder

	mu         sync.Mutex
	publishers []*fakePublisher
	pipelines  []*fakePipeline
	consumers  []*fakeConsumerWorker

	publisherErr error
	pipelineErr  error
	consumerErr  error
}

func newFakeWorkerSet() *fakeWorkerSet {
	return &fakeWorkerSet{rec: &recorder{}}
}

func (s *fakeWorkerSet) factory() WorkerFactory {
	return WorkerFactory{
		NewPublisher: func(name, connID string, session driver.Session, targets []config.TargetConfig) (PublisherWorker, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.publisherErr != nil {
				return nil, s.publisherErr
			}
			p := &fakePublisher{name: name, rec: s.rec}
			s.publishers = append(s.publishers, p)
			s.rec.add("start:publisher")
			return p, nil
		},
		NewPipeline: func(name, connID, mapping string) (PipelineWorker, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.pipelineErr != nil {
				return nil, s.pipelineErr
			}
			p := &fakePipeline{name: name, rec: s.rec}
			s.pipelines = append(s.pipelines, p)
			s.rec.add("start:pipeline")
			return p, nil
		},
		NewConsumer: func(name, connID string, binding driver.ConsumerBinding, pipe PipelineWorker) (ConsumerWorker, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.consumerErr != nil {
				return nil, s.consumerErr
			}
			c := &fakeConsumerWorker{name: name, binding: binding, rec: s.rec}
			s.consumers = append(s.consumers, c)
			s.rec.add("start:consumer:" + binding.Address)
			return c, nil
		},
	}
}

func (s *fakeWorkerSet) consumerWorkers() []*fakeConsumerWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fakeConsumerWorker, len(s.consumers))
	copy(out, s.consumers)
	return out
}

func (s *fakeWorkerSet) publisherWorkers() []*fakePublisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fakePublisher, len(s.publishers))
	copy(out, s.publishers)
	return out
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&config.LogConfig{
		Level:      "error",
		OutputPath: "stdout",
		Encoding:   "json",
	})
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return log
}

func testConnConfig(id string) *config.ConnectionConfig {
	return &config.ConnectionConfig{
		ID:       id,
		Protocol: "mqtt",
		URI:      "tcp://localhost:1883",
		Sources: []config.SourceConfig{
			{Addresses: []string{"events/in"}, ConsumerCount: 1},
			{Addresses: []string{"alerts/in"}, ConsumerCount: 1},
		},
		Targets: []config.TargetConfig{
			{Address: "events/out"},
		},
	}
}

// startTestMachine builds a started machine wired to the given fakes and
// registers cleanup in the right order.
func startTestMachine(t *testing.T, cfg *config.ConnectionConfig, drv driver.Driver,
	set *fakeWorkerSet, onFailure func(error)) *Machine {

	t.Helper()
	log := testLogger(t)
	iso := NewIsolator(log)
	t.Cleanup(iso.Close)

	m, err := NewMachine(cfg, drv, log, Options{
		Factory:   set.factory(),
		Isolator:  iso,
		OnFailure: onFailure,
	})
	if err != nil {
		t.Fatalf("failed to build machine: %v", err)
	}
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func await(t *testing.T, origin chan Result) error {
	t.Helper()
	select {
	case res := <-origin:
		return res.Err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a command result")
		return nil
	}
}

func mustSnapshot(t *testing.T, m *Machine) Snapshot {
	t.Helper()
	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return snap
}

var errBoom = fmt.Errorf("boom")
