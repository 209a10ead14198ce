package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"broker-bridge/config"
	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/stats"
)

var errSessionDown = errors.New("session down")

// fakeSession records publishes and can be switched into a failing mode.
type fakeSession struct {
	mu        sync.Mutex
	published []driver.OutboundMessage
	failing   bool
}

func (s *fakeSession) Publish(_ context.Context, msg driver.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errSessionDown
	}
	s.published = append(s.published, msg)
	return nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) messages() []driver.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]driver.OutboundMessage, len(s.published))
	copy(out, s.published)
	return out
}

func (s *fakeSession) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// fakeDriverConsumer implements driver.Consumer.
type fakeDriverConsumer struct {
	address string
	ch      chan driver.InboundMessage
	once    sync.Once
}

func newFakeDriverConsumer(address string) *fakeDriverConsumer {
	return &fakeDriverConsumer{
		address: address,
		ch:      make(chan driver.InboundMessage, 8),
	}
}

func (c *fakeDriverConsumer) Address() string                        { return c.address }
func (c *fakeDriverConsumer) Messages() <-chan driver.InboundMessage { return c.ch }

func (c *fakeDriverConsumer) Close() error {
	c.once.Do(func() { close(c.ch) })
	return nil
}

// fakeSink collects messages submitted by consumer workers.
type fakeSink struct {
	mu       sync.Mutex
	received []driver.InboundMessage
	err      error
}

func (s *fakeSink) Submit(msg driver.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.received = append(s.received, msg)
	return nil
}

func (s *fakeSink) messages() []driver.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]driver.InboundMessage, len(s.received))
	copy(out, s.received)
	return out
}

// collectingRouter records routed signals.
type collectingRouter struct {
	mu      sync.Mutex
	signals []*Signal
	err     error
}

func (r *collectingRouter) Route(_ context.Context, sig *Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.signals = append(r.signals, sig)
	return nil
}

func (r *collectingRouter) routed() []*Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Signal, len(r.signals))
	copy(out, r.signals)
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

func testStats() *stats.Collector {
	return stats.NewCollector("conn-test")
}
