// Package router delivers mapped signals to the cluster pub/sub directory.
// The directory itself is an external collaborator; this client publishes
// signals to it over NATS and leaves subscription fan-out to the cluster.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"broker-bridge/internal/logger"
	"broker-bridge/internal/worker"
)

// NATSRouter publishes signals to subjects derived from the connection id
// and source address.
type NATSRouter struct {
	conn          *nats.Conn
	subjectPrefix string
	log           *logger.Logger
}

func NewNATSRouter(url, subjectPrefix string, log *logger.Logger) (*NATSRouter, error) {
	opts := []nats.Option{
		nats.Name("broker-bridge-router"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Error("router disconnected from pub/sub directory", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("router reconnected to pub/sub directory", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pub/sub directory: %w", err)
	}

	log.Info("connected to pub/sub directory", "url", conn.ConnectedUrl())

	return &NATSRouter{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		log:           log,
	}, nil
}

// Route publishes one mapped signal.
func (r *NATSRouter) Route(ctx context.Context, sig *worker.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}

	subject := r.subject(sig)
	if err := r.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish signal to %s: %w", subject, err)
	}

	r.log.Debug("routed signal", "subject", subject, "payloadSize", len(sig.Payload))
	return nil
}

func (r *NATSRouter) Close() {
	r.conn.Close()
}

func (r *NATSRouter) subject(sig *worker.Signal) string {
	return r.subjectPrefix + "." + sanitizeToken(sig.ConnectionID) + "." + sanitizeToken(sig.Source)
}

// sanitizeToken maps an arbitrary address to a valid NATS subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	replacer := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "/", "_", "#", "_", "+", "_")
	return replacer.Replace(s)
}
