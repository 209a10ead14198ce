// Package worker provides the per-connection worker goroutines that depend on
// an established broker connection: the publisher sending outbound messages,
// the mapping pipeline transforming inbound messages into signals, and one
// consumer per negotiated driver-level consumer.
package worker

import (
	"context"
	"fmt"
	"time"

	"broker-bridge/internal/driver"
)

// Signal is one mapped inbound message, ready for routing.
type Signal struct {
	ConnectionID string            `json:"connectionId"`
	Source       string            `json:"source"`
	Payload      []byte            `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
	Received     time.Time         `json:"received"`
}

// Mapper transforms an inbound broker message into a signal. The mapping
// language itself is pluggable; only the passthrough mapper ships here.
type Mapper interface {
	Name() string
	MapInbound(connectionID string, msg driver.InboundMessage) (*Signal, error)
}

// Router is the cluster pub/sub directory mapped signals are delivered to.
// It is an external collaborator; the pipeline treats it as already available.
type Router interface {
	Route(ctx context.Context, sig *Signal) error
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(ctx context.Context, sig *Signal) error

func (f RouterFunc) Route(ctx context.Context, sig *Signal) error { return f(ctx, sig) }

// Sink accepts inbound messages for mapping; consumers feed it.
type Sink interface {
	Submit(msg driver.InboundMessage) error
}

type passthroughMapper struct{}

func (passthroughMapper) Name() string { return "passthrough" }

func (passthroughMapper) MapInbound(connectionID string, msg driver.InboundMessage) (*Signal, error) {
	return &Signal{
		ConnectionID: connectionID,
		Source:       msg.Address,
		Payload:      msg.Payload,
		Headers:      msg.Headers,
		Received:     msg.Received,
	}, nil
}

// MapperFor resolves a mapper reference from a connection descriptor.
// An empty reference selects the passthrough mapper.
func MapperFor(name string) (Mapper, error) {
	switch name {
	case "", "passthrough":
		return passthroughMapper{}, nil
	default:
		return nil, fmt.Errorf("unknown mapper: %s", name)
	}
}
