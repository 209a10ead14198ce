package connection

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolatorSerializesCallsPerConnection(t *testing.T) {
	iso := NewIsolator(testLogger(t))
	defer iso.Close()

	started := make(chan struct{})
	gate := make(chan struct{})
	second := make(chan struct{})

	require.NoError(t, iso.Submit("conn-1", func() {
		close(started)
		<-gate
	}))
	require.NoError(t, iso.Submit("conn-1", func() {
		close(second)
	}))

	<-started

	// the second call must not run while the first one blocks
	select {
	case <-second:
		t.Fatal("second call ran while the first was still blocking")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	select {
	case <-second:
	case <-time.After(3 * time.Second):
		t.Fatal("second call never ran after the first finished")
	}
}

func TestIsolatorRunsConnectionsInParallel(t *testing.T) {
	iso := NewIsolator(testLogger(t))
	defer iso.Close()

	gate := make(chan struct{})
	blocked := make(chan struct{})
	other := make(chan struct{})

	require.NoError(t, iso.Submit("conn-a", func() {
		close(blocked)
		<-gate
	}))
	<-blocked

	// a blocked call on one connection must not stall another connection
	require.NoError(t, iso.Submit("conn-b", func() {
		close(other)
	}))

	select {
	case <-other:
	case <-time.After(3 * time.Second):
		t.Fatal("call for another connection was stalled")
	}
	close(gate)
}

func TestIsolatorRejectsWorkAfterClose(t *testing.T) {
	iso := NewIsolator(testLogger(t))
	iso.Close()

	err := iso.Submit("conn-1", func() {})
	assert.Error(t, err)

	// closing twice is fine
	iso.Close()
}

func TestIsolatorCloseWaitsForInFlightCalls(t *testing.T) {
	iso := NewIsolator(testLogger(t))

	var finished atomic.Bool
	started := make(chan struct{})
	require.NoError(t, iso.Submit("conn-1", func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}))

	<-started
	iso.Close()
	assert.True(t, finished.Load())
}

func TestIsolatorRecoversFromPanickingCall(t *testing.T) {
	iso := NewIsolator(testLogger(t))
	defer iso.Close()

	require.NoError(t, iso.Submit("conn-1", func() {
		panic("driver blew up")
	}))

	// the lane keeps working after a panic
	survived := make(chan struct{})
	require.NoError(t, iso.Submit("conn-1", func() {
		close(survived)
	}))

	select {
	case <-survived:
	case <-time.After(3 * time.Second):
		t.Fatal("lane died after a panicking call")
	}
}

func TestIsolatorRejectsWhenLaneSaturated(t *testing.T) {
	iso := NewIsolator(testLogger(t))

	started := make(chan struct{})
	gate := make(chan struct{})
	require.NoError(t, iso.Submit("conn-1", func() {
		close(started)
		<-gate
	}))
	<-started

	// fill the queue behind the blocked call
	for i := 0; i < laneQueueSize; i++ {
		require.NoError(t, iso.Submit("conn-1", func() {}))
	}
	assert.Error(t, iso.Submit("conn-1", func() {}))

	close(gate)
	iso.Close()
}
