// Package driver defines the capability a broker protocol adapter must
// provide: blocking connect/disconnect primitives plus an asynchronous
// health-event channel. One implementation exists per protocol; the
// connection lifecycle machine is written once against this interface.
package driver

import (
	"context"
	"time"

	"broker-bridge/config"
)

// Driver is the per-connection broker adapter. Connect and Disconnect may
// block until the broker answers or the context expires; callers are expected
// to run them off their own control loop.
type Driver interface {
	// Connect establishes the connection described by the descriptor and
	// returns the live handle, a publishing session and the negotiated
	// consumer set.
	Connect(ctx context.Context, cfg *config.ConnectionConfig) (*ConnectResult, error)

	// Disconnect tears down a previously established handle.
	Disconnect(ctx context.Context, handle Handle) error

	// Events is the adapter's health-event channel. The adapter classifies
	// protocol-specific conditions into the event kinds below; it must never
	// block on this channel (buffered, drop-oldest semantics are acceptable).
	Events() <-chan Event
}

// Handle identifies one live broker connection.
type Handle interface {
	ID() string
	Close() error
}

// Session publishes outbound messages over an established connection.
type Session interface {
	Publish(ctx context.Context, msg OutboundMessage) error
	Close() error
}

// Consumer delivers inbound messages for one negotiated source address.
// Its message channel is closed when the consumer is torn down.
type Consumer interface {
	Address() string
	Messages() <-chan InboundMessage
	Close() error
}

// ConnectResult is the payload of a successful connect.
type ConnectResult struct {
	Handle    Handle
	Session   Session
	Consumers []ConsumerBinding
}

// ConsumerBinding ties a negotiated consumer to the source it came from.
type ConsumerBinding struct {
	Address  string
	Consumer Consumer
	Source   config.SourceConfig
}

type InboundMessage struct {
	Address  string
	Payload  []byte
	Headers  map[string]string
	Received time.Time
}

type OutboundMessage struct {
	Address string // target address; empty means every configured target
	Payload []byte
	Headers map[string]string
}

type EventKind int

const (
	// EventEstablished reports the initial connection establishment.
	EventEstablished EventKind = iota
	// EventFailure reports a connection-wide failure.
	EventFailure
	// EventInterrupted reports a lost connection the adapter may recover.
	EventInterrupted
	// EventRestored reports a recovered connection.
	EventRestored
	// EventMessageConsumed reports one inbound message.
	EventMessageConsumed
	// EventConsumerClosed reports closure of a single consumer.
	EventConsumerClosed
	// EventProducerClosed reports closure of the producing side.
	EventProducerClosed
)

func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventFailure:
		return "failure"
	case EventInterrupted:
		return "interrupted"
	case EventRestored:
		return "restored"
	case EventMessageConsumed:
		return "message-consumed"
	case EventConsumerClosed:
		return "consumer-closed"
	case EventProducerClosed:
		return "producer-closed"
	default:
		return "unknown"
	}
}

// Event is one asynchronous health notification from the adapter.
type Event struct {
	Kind   EventKind
	Err    error
	Detail string
	// Consumer identifies the closed consumer for EventConsumerClosed.
	Consumer Consumer
}

// Emit posts an event without blocking; the event is dropped when the
// channel is full.
func Emit(ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
