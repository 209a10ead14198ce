package connection

import (
	"fmt"
	"sync"

	"broker-bridge/internal/logger"
)

const laneQueueSize = 16

// Isolator executes blocking driver calls on dedicated goroutines so a slow
// or hung call never stalls a machine's control loop. Calls for the same
// connection are serialized against each other; calls for different
// connections run in parallel. One isolator is shared by all machines.
type Isolator struct {
	log *logger.Logger

	mu     sync.Mutex
	lanes  map[string]chan func()
	closed bool
	wg     sync.WaitGroup
}

func NewIsolator(log *logger.Logger) *Isolator {
	return &Isolator{
		log:   log,
		lanes: make(map[string]chan func()),
	}
}

// Submit enqueues op on the lane belonging to connID. It returns an error
// when the isolator is shut down or the lane is saturated; it never blocks
// on the op itself.
func (i *Isolator) Submit(connID string, op func()) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return fmt.Errorf("isolator closed")
	}

	lane, ok := i.lanes[connID]
	if !ok {
		lane = make(chan func(), laneQueueSize)
		i.lanes[connID] = lane
		i.wg.Add(1)
		go i.runLane(connID, lane)
	}
	i.mu.Unlock()

	select {
	case lane <- op:
		return nil
	default:
		return fmt.Errorf("isolator lane for %s saturated", connID)
	}
}

// Close stops accepting work and waits for in-flight calls to finish.
// A hung driver call will hold Close up; callers shutting down should not
// depend on hostile drivers terminating.
func (i *Isolator) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	for _, lane := range i.lanes {
		close(lane)
	}
	i.mu.Unlock()

	i.wg.Wait()
}

func (i *Isolator) runLane(connID string, lane chan func()) {
	defer i.wg.Done()

	for op := range lane {
		i.invoke(connID, op)
	}
}

func (i *Isolator) invoke(connID string, op func()) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error("driver call panicked", "connection_id", connID, "panic", r)
		}
	}()
	op()
}
