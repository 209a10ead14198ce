// Package mqtt implements the driver capability for MQTT brokers using the
// paho client.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"broker-bridge/config"
	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
)

const (
	defaultOpTimeout = 5 * time.Second
	eventBuffer      = 64
	messageBuffer    = 256
)

// Driver adapts one MQTT connection to the driver capability.
type Driver struct {
	log    *logger.Logger
	events chan driver.Event

	// newClient is a test seam; production uses mqtt.NewClient.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	established atomic.Bool
}

func New(log *logger.Logger) *Driver {
	return &Driver{
		log:       log,
		events:    make(chan driver.Event, eventBuffer),
		newClient: mqtt.NewClient,
	}
}

// NewWithClientFactory creates a driver with a provided client factory (for testing).
func NewWithClientFactory(log *logger.Logger, factory func(*mqtt.ClientOptions) mqtt.Client) *Driver {
	d := New(log)
	d.newClient = factory
	return d
}

func (d *Driver) Events() <-chan driver.Event {
	return d.events
}

func (d *Driver) Connect(ctx context.Context, cfg *config.ConnectionConfig) (*driver.ConnectResult, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URI).
		SetClientID(clientID(cfg.ID)).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute)

	opts.OnConnect = d.handleConnect
	opts.OnConnectionLost = d.handleConnectionLost
	opts.OnReconnecting = d.handleReconnecting

	if cfg.TLS.Enable {
		tlsConfig, err := newTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	client := d.newClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(opTimeout(ctx)) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	consumers, err := d.subscribeSources(client, cfg)
	if err != nil {
		client.Disconnect(250)
		d.established.Store(false)
		return nil, err
	}

	bindings := make([]driver.ConsumerBinding, 0, len(consumers))
	for _, c := range consumers {
		bindings = append(bindings, driver.ConsumerBinding{
			Address:  c.address,
			Consumer: c,
			Source:   c.source,
		})
	}

	handle := &connHandle{
		id:        cfg.ID + "-" + uuid.NewString(),
		client:    client,
		consumers: consumers,
	}

	return &driver.ConnectResult{
		Handle:    handle,
		Session:   &session{client: client, log: d.log},
		Consumers: bindings,
	}, nil
}

func (d *Driver) Disconnect(ctx context.Context, handle driver.Handle) error {
	h, ok := handle.(*connHandle)
	if !ok {
		return fmt.Errorf("foreign handle type %T", handle)
	}
	err := h.Close()
	// The next connect cycle starts from scratch, so its first OnConnect
	// callback must report an establishment rather than a restoration.
	d.established.Store(false)
	return err
}

// subscribeSources creates one consumer per source address. MQTT fans a
// topic out to at most one subscription per client, so a consumer count
// above one collapses to a single consumer here.
func (d *Driver) subscribeSources(client mqtt.Client, cfg *config.ConnectionConfig) ([]*consumer, error) {
	var consumers []*consumer
	for _, src := range cfg.Sources {
		if src.ConsumerCount > 1 {
			d.log.Debug("mqtt source consumer count collapsed to one per address",
				"requested", src.ConsumerCount)
		}
		for _, address := range src.Addresses {
			c := &consumer{
				address: address,
				source:  src,
				client:  client,
				ch:      make(chan driver.InboundMessage, messageBuffer),
			}
			handler := func(_ mqtt.Client, msg mqtt.Message) {
				c.deliver(msg, d)
			}
			if token := client.Subscribe(address, 0, handler); token.Wait() && token.Error() != nil {
				for _, created := range consumers {
					created.Close()
				}
				return nil, fmt.Errorf("failed to subscribe to %s: %w", address, token.Error())
			}
			d.log.Debug("subscribed to source address", "address", address)
			consumers = append(consumers, c)
		}
	}
	return consumers, nil
}

func (d *Driver) handleConnect(client mqtt.Client) {
	if d.established.Swap(true) {
		d.log.Info("mqtt connection restored")
		driver.Emit(d.events, driver.Event{Kind: driver.EventRestored})
		return
	}
	d.log.Info("mqtt connection established")
	driver.Emit(d.events, driver.Event{Kind: driver.EventEstablished})
}

func (d *Driver) handleConnectionLost(client mqtt.Client, err error) {
	d.log.Error("mqtt connection lost", "error", err)
	driver.Emit(d.events, driver.Event{
		Kind:   driver.EventInterrupted,
		Err:    err,
		Detail: "mqtt connection lost",
	})
}

func (d *Driver) handleReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	d.log.Info("mqtt client reconnecting")
}

type connHandle struct {
	id        string
	client    mqtt.Client
	consumers []*consumer
}

func (h *connHandle) ID() string { return h.id }

func (h *connHandle) Close() error {
	for _, c := range h.consumers {
		c.Close()
	}
	h.client.Disconnect(250)
	return nil
}

type session struct {
	client mqtt.Client
	log    *logger.Logger
}

func (s *session) Publish(ctx context.Context, msg driver.OutboundMessage) error {
	if msg.Address == "" {
		return fmt.Errorf("outbound message without address")
	}
	token := s.client.Publish(msg.Address, 0, false, msg.Payload)
	if !token.WaitTimeout(opTimeout(ctx)) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (s *session) Close() error { return nil }

type consumer struct {
	address string
	source  config.SourceConfig
	client  mqtt.Client

	// mu guards ch against the paho router invoking the message handler
	// while Close runs. Unsubscribe does not wait for in-flight handler
	// calls, so deliver must re-check closed under the lock before sending.
	mu     sync.Mutex
	ch     chan driver.InboundMessage
	closed bool
}

func (c *consumer) Address() string                        { return c.address }
func (c *consumer) Messages() <-chan driver.InboundMessage { return c.ch }

func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.ch)
	c.mu.Unlock()

	token := c.client.Unsubscribe(c.address)
	token.WaitTimeout(defaultOpTimeout)
	return token.Error()
}

func (c *consumer) deliver(msg mqtt.Message, d *Driver) {
	inbound := driver.InboundMessage{
		Address:  msg.Topic(),
		Payload:  msg.Payload(),
		Received: time.Now(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- inbound:
		driver.Emit(d.events, driver.Event{Kind: driver.EventMessageConsumed})
	default:
		d.log.Warn("dropping inbound message, consumer buffer full", "address", c.address)
	}
}

func clientID(connectionID string) string {
	return connectionID + "-" + uuid.NewString()[:8]
}

func opTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
	}
	return defaultOpTimeout
}

func newTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
