package mqtt

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"broker-bridge/config"
	"broker-bridge/internal/logger"
)

// mockToken implements mqtt.Token.
type mockToken struct {
	err  error
	done chan struct{}
}

func newMockToken(err error) *mockToken {
	t := &mockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }
func (t *mockToken) Done() <-chan struct{}          { return t.done }

// mockClient implements mqtt.Client and records calls.
type mockClient struct {
	mu            sync.Mutex
	connectErr    error
	subscribeErr  error
	publishErr    error
	subscriptions map[string]mqtt.MessageHandler
	published     []publishedMessage
	unsubscribed  []string
	disconnected  bool
}

type publishedMessage struct {
	topic   string
	payload interface{}
}

func newMockClient() *mockClient {
	return &mockClient{subscriptions: make(map[string]mqtt.MessageHandler)}
}

func (m *mockClient) Connect() mqtt.Token {
	return newMockToken(m.connectErr)
}

func (m *mockClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr == nil {
		m.published = append(m.published, publishedMessage{topic: topic, payload: payload})
	}
	return newMockToken(m.publishErr)
}

func (m *mockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr == nil {
		m.subscriptions[topic] = callback
	}
	return newMockToken(m.subscribeErr)
}

func (m *mockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return newMockToken(nil)
}

func (m *mockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topics...)
	return newMockToken(nil)
}

func (m *mockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *mockClient) IsConnected() bool                                   { return !m.isDisconnected() }
func (m *mockClient) IsConnectionOpen() bool                              { return true }
func (m *mockClient) OptionsReader() mqtt.ClientOptionsReader             { return mqtt.ClientOptionsReader{} }

func (m *mockClient) isDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

func (m *mockClient) handlerFor(topic string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions[topic]
}

func (m *mockClient) publishedMessages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// mockMessage implements mqtt.Message.
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 1 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

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
