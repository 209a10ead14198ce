// Package webhook implements the driver capability over plain HTTP: inbound
// messages arrive as POSTs on a per-connection listener, outbound messages
// are POSTed to the target URLs.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"broker-bridge/config"
	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
)

const (
	eventBuffer    = 64
	messageBuffer  = 256
	maxInboundBody = 1 << 20
	publishTimeout = 10 * time.Second
)

// Driver adapts webhook-style HTTP messaging to the driver capability.
// The connection URI is the listen address of the inbound server; source
// addresses are URL paths on that listener and target addresses are
// absolute URLs.
type Driver struct {
	log    *logger.Logger
	events chan driver.Event
	client *http.Client
}

func New(log *logger.Logger) *Driver {
	return &Driver{
		log:    log,
		events: make(chan driver.Event, eventBuffer),
		client: &http.Client{Timeout: publishTimeout},
	}
}

func (d *Driver) Events() <-chan driver.Event {
	return d.events
}

func (d *Driver) Connect(ctx context.Context, cfg *config.ConnectionConfig) (*driver.ConnectResult, error) {
	mux := http.NewServeMux()

	var bindings []driver.ConsumerBinding
	var consumers []*consumer
	for _, src := range cfg.Sources {
		for _, address := range src.Addresses {
			c := &consumer{
				address: address,
				ch:      make(chan driver.InboundMessage, messageBuffer),
			}
			mux.HandleFunc("POST "+address, func(w http.ResponseWriter, r *http.Request) {
				d.handleInbound(c, w, r)
			})
			consumers = append(consumers, c)
			bindings = append(bindings, driver.ConsumerBinding{
				Address:  address,
				Consumer: c,
				Source:   src,
			})
		}
	}

	listener, err := net.Listen("tcp", cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.URI, err)
	}

	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("webhook listener failed", "error", err)
			driver.Emit(d.events, driver.Event{
				Kind:   driver.EventFailure,
				Err:    err,
				Detail: "webhook listener failed",
			})
		}
	}()

	d.log.Info("webhook listener started", "address", cfg.URI)
	driver.Emit(d.events, driver.Event{Kind: driver.EventEstablished})

	handle := &connHandle{
		id:        cfg.ID + "-" + uuid.NewString(),
		server:    server,
		consumers: consumers,
	}

	return &driver.ConnectResult{
		Handle:    handle,
		Session:   &session{client: d.client},
		Consumers: bindings,
	}, nil
}

func (d *Driver) Disconnect(ctx context.Context, handle driver.Handle) error {
	h, ok := handle.(*connHandle)
	if !ok {
		return fmt.Errorf("foreign handle type %T", handle)
	}
	return h.shutdown(ctx)
}

func (d *Driver) handleInbound(c *consumer, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		headers["content-type"] = ct
	}

	inbound := driver.InboundMessage{
		Address:  c.address,
		Payload:  body,
		Headers:  headers,
		Received: time.Now(),
	}

	select {
	case c.ch <- inbound:
		driver.Emit(d.events, driver.Event{Kind: driver.EventMessageConsumed})
		w.WriteHeader(http.StatusAccepted)
	default:
		d.log.Warn("rejecting inbound message, consumer buffer full", "address", c.address)
		http.Error(w, "consumer buffer full", http.StatusServiceUnavailable)
	}
}

type connHandle struct {
	id        string
	server    *http.Server
	consumers []*consumer
}

func (h *connHandle) ID() string { return h.id }

func (h *connHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.shutdown(ctx)
}

func (h *connHandle) shutdown(ctx context.Context) error {
	err := h.server.Shutdown(ctx)
	for _, c := range h.consumers {
		c.Close()
	}
	return err
}

type session struct {
	client *http.Client
}

func (s *session) Publish(ctx context.Context, msg driver.OutboundMessage) error {
	if msg.Address == "" {
		return fmt.Errorf("outbound message without address")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Address, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	contentType := msg.Headers["content-type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("publish rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (s *session) Close() error { return nil }

type consumer struct {
	address string
	ch      chan driver.InboundMessage
	closed  bool
}

func (c *consumer) Address() string                        { return c.address }
func (c *consumer) Messages() <-chan driver.InboundMessage { return c.ch }

func (c *consumer) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.ch)
	return nil
}
