// Package nats implements the driver capability for NATS servers.
package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"broker-bridge/config"
	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
)

const (
	eventBuffer   = 64
	messageBuffer = 256
)

// Driver adapts one NATS connection to the driver capability.
type Driver struct {
	log    *logger.Logger
	events chan driver.Event
}

func New(log *logger.Logger) *Driver {
	return &Driver{
		log:    log,
		events: make(chan driver.Event, eventBuffer),
	}
}

func (d *Driver) Events() <-chan driver.Event {
	return d.events
}

func (d *Driver) Connect(ctx context.Context, cfg *config.ConnectionConfig) (*driver.ConnectResult, error) {
	opts := []nats.Option{
		nats.Name(cfg.ID),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(d.handleDisconnect),
		nats.ReconnectHandler(d.handleReconnect),
		nats.ClosedHandler(d.handleClosed),
	}

	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	if cfg.TLS.Enable {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
		if cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			opts = append(opts, nats.Timeout(remaining))
		}
	}

	d.log.Info("connecting to nats server", "url", cfg.URI)

	nc, err := nats.Connect(cfg.URI, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats server: %w", err)
	}

	driver.Emit(d.events, driver.Event{Kind: driver.EventEstablished})

	bindings, consumers, err := d.subscribeSources(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}

	handle := &connHandle{
		id:        cfg.ID + "-" + uuid.NewString(),
		conn:      nc,
		consumers: consumers,
	}

	return &driver.ConnectResult{
		Handle:    handle,
		Session:   &session{conn: nc},
		Consumers: bindings,
	}, nil
}

func (d *Driver) Disconnect(ctx context.Context, handle driver.Handle) error {
	h, ok := handle.(*connHandle)
	if !ok {
		return fmt.Errorf("foreign handle type %T", handle)
	}
	return h.Close()
}

// subscribeSources negotiates the consumer set. A consumer count above one
// becomes that many members of a queue group so the server load-balances
// between them.
func (d *Driver) subscribeSources(nc *nats.Conn, cfg *config.ConnectionConfig) ([]driver.ConsumerBinding, []*consumer, error) {
	var bindings []driver.ConsumerBinding
	var consumers []*consumer

	fail := func(err error) ([]driver.ConsumerBinding, []*consumer, error) {
		for _, c := range consumers {
			c.Close()
		}
		return nil, nil, err
	}

	for _, src := range cfg.Sources {
		for _, address := range src.Addresses {
			for i := 0; i < src.ConsumerCount; i++ {
				c := &consumer{
					address: address,
					source:  src,
					ch:      make(chan driver.InboundMessage, messageBuffer),
				}
				handler := func(msg *nats.Msg) {
					c.deliver(msg, d)
				}

				var sub *nats.Subscription
				var err error
				if src.ConsumerCount > 1 {
					group := cfg.ID + "-" + address
					sub, err = nc.QueueSubscribe(address, group, handler)
				} else {
					sub, err = nc.Subscribe(address, handler)
				}
				if err != nil {
					return fail(fmt.Errorf("failed to subscribe to %s: %w", address, err))
				}
				c.sub = sub
				d.log.Debug("subscribed to source address", "address", address, "consumer", i)

				consumers = append(consumers, c)
				bindings = append(bindings, driver.ConsumerBinding{
					Address:  address,
					Consumer: c,
					Source:   src,
				})
			}
		}
	}

	if err := nc.Flush(); err != nil {
		return fail(fmt.Errorf("failed to flush subscriptions: %w", err))
	}

	return bindings, consumers, nil
}

func (d *Driver) handleDisconnect(nc *nats.Conn, err error) {
	d.log.Error("disconnected from nats server", "error", err)
	driver.Emit(d.events, driver.Event{
		Kind:   driver.EventInterrupted,
		Err:    err,
		Detail: "nats connection interrupted",
	})
}

func (d *Driver) handleReconnect(nc *nats.Conn) {
	d.log.Info("reconnected to nats server", "url", nc.ConnectedUrl())
	driver.Emit(d.events, driver.Event{Kind: driver.EventRestored})
}

func (d *Driver) handleClosed(nc *nats.Conn) {
	d.log.Warn("nats connection closed")
	driver.Emit(d.events, driver.Event{
		Kind:   driver.EventFailure,
		Err:    nc.LastError(),
		Detail: "nats connection closed",
	})
}

type connHandle struct {
	id        string
	conn      *nats.Conn
	consumers []*consumer
}

func (h *connHandle) ID() string { return h.id }

func (h *connHandle) Close() error {
	for _, c := range h.consumers {
		c.Close()
	}
	h.conn.Close()
	return nil
}

type session struct {
	conn *nats.Conn
}

func (s *session) Publish(ctx context.Context, msg driver.OutboundMessage) error {
	if msg.Address == "" {
		return fmt.Errorf("outbound message without address")
	}
	if err := s.conn.Publish(msg.Address, msg.Payload); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (s *session) Close() error { return nil }

type consumer struct {
	address string
	source  config.SourceConfig
	sub     *nats.Subscription

	// mu guards ch against the nats client dispatching a message while
	// Close runs. Unsubscribe does not wait for in-flight handler calls,
	// so deliver must re-check closed under the lock before sending.
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

	if c.sub != nil {
		return c.sub.Unsubscribe()
	}
	return nil
}

func (c *consumer) deliver(msg *nats.Msg, d *Driver) {
	inbound := driver.InboundMessage{
		Address:  msg.Subject,
		Payload:  msg.Data,
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
