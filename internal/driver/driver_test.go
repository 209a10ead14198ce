package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitNeverBlocks(t *testing.T) {
	ch := make(chan Event, 1)

	assert.True(t, Emit(ch, Event{Kind: EventEstablished}))
	// channel is full now; the next event is dropped instead of blocking
	assert.False(t, Emit(ch, Event{Kind: EventFailure}))

	ev := <-ch
	assert.Equal(t, EventEstablished, ev.Kind)
}

func TestEventKindString(t *testing.T) {
	tests := []struct {
		kind EventKind
		want string
	}{
		{EventEstablished, "established"},
		{EventFailure, "failure"},
		{EventInterrupted, "interrupted"},
		{EventRestored, "restored"},
		{EventMessageConsumed, "message-consumed"},
		{EventConsumerClosed, "consumer-closed"},
		{EventProducerClosed, "producer-closed"},
		{EventKind(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}
