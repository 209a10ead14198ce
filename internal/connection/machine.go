package connection

import (
	"fmt"
	"time"

	"broker-bridge/config"
	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/metrics"
	"broker-bridge/internal/stats"
)

const defaultMailboxSize = 64

// Options configures a machine beyond its descriptor. Every dependency is
// explicit; tests substitute a fake driver and a recording worker factory.
type Options struct {
	// Factory constructs the dependent workers. Required.
	Factory WorkerFactory
	// Isolator runs the blocking driver calls. Required; may be shared
	// between machines.
	Isolator *Isolator
	// OnFailure is invoked when a failure report arrives while connected.
	// The reconnect/backoff policy lives with the owner, not in here.
	OnFailure func(err error)
	// MailboxSize overrides the mailbox buffer, mostly for tests.
	MailboxSize int
	// Metrics and Stats are optional.
	Metrics *metrics.Metrics
	Stats   *stats.Collector
}

// Machine owns the runtime state of one external broker connection and
// drives it through test/connect/disconnect transitions. It processes one
// mailbox message at a time; all state lives behind that single control
// loop, so none of it needs locking. Blocking driver work is delegated to
// handler workers on the isolator and comes back as ordinary messages.
type Machine struct {
	cfg  *config.ConnectionConfig
	drv  driver.Driver
	opts Options
	log  *logger.Logger
	st   *stats.Collector

	mailbox  chan any
	stopped  chan struct{}
	reporter *statusReporter

	// Everything below is owned by the run loop. The handle is non-nil iff
	// the phase is connected (or mid-teardown on the way out of it).
	state     State
	status    Status
	handle    driver.Handle
	session   driver.Session
	consumers []driver.ConsumerBinding
	sup       *Supervisor

	testHandler       *handler
	connectHandler    *handler
	disconnectHandler *handler

	pending map[commandKind][]Origin
	timers  map[commandKind]*time.Timer
}

// NewMachine builds the lifecycle machine for one connection descriptor.
// The driver is passed in explicitly so tests can substitute a fake.
func NewMachine(cfg *config.ConnectionConfig, drv driver.Driver, log *logger.Logger, opts Options) (*Machine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("connection descriptor is required")
	}
	if drv == nil {
		return nil, fmt.Errorf("driver is required")
	}
	if opts.Isolator == nil {
		return nil, fmt.Errorf("isolator is required")
	}
	if opts.Factory.NewPublisher == nil || opts.Factory.NewPipeline == nil || opts.Factory.NewConsumer == nil {
		return nil, fmt.Errorf("worker factory is incomplete")
	}

	mailboxSize := opts.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}

	st := opts.Stats
	if st == nil {
		st = stats.NewCollector(cfg.ID)
	}

	connLog := log.With("connection_id", cfg.ID)

	m := &Machine{
		cfg:     cfg,
		drv:     drv,
		opts:    opts,
		log:     connLog,
		st:      st,
		mailbox: make(chan any, mailboxSize),
		stopped: make(chan struct{}),
		state:   StateUninitialized,
		status:  Status{Connectivity: StatusClosed},
		sup:     NewSupervisor(cfg.ID, opts.Factory, connLog, opts.Metrics),
		pending: make(map[commandKind][]Origin),
		timers:  make(map[commandKind]*time.Timer),
	}
	m.reporter = newStatusReporter(cfg.ID, drv.Events(), m.post, connLog, opts.Metrics)
	return m, nil
}

// Start launches the control loop and the status reporter.
func (m *Machine) Start() {
	m.reporter.start()
	go m.run()
}

// Connect requests the connected state. Duplicate connects while one is in
// flight are accepted and answered together; no second handler is started.
func (m *Machine) Connect(origin Origin) {
	m.submit(connectCmd{origin: origin}, origin)
}

// Disconnect requests teardown. Valid from any phase; disconnecting an
// uninitialized connection answers success immediately.
func (m *Machine) Disconnect(origin Origin) {
	m.submit(disconnectCmd{origin: origin}, origin)
}

// Test connects and immediately disconnects again, guaranteeing no live
// connection is left behind, then answers with the combined outcome.
func (m *Machine) Test(origin Origin) {
	m.submit(testCmd{origin: origin}, origin)
}

// Snapshot answers a consistent view of the machine from inside the loop.
func (m *Machine) Snapshot() (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !m.post(snapshotReq{reply: reply}) {
		return Snapshot{}, fmt.Errorf("machine stopped")
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-m.stopped:
		return Snapshot{}, fmt.Errorf("machine stopped")
	}
}

// Stop releases all workers, leak-closes any live handle and terminates the
// control loop.
func (m *Machine) Stop() {
	done := make(chan struct{})
	if m.post(stopCmd{done: done}) {
		<-done
	}
	m.reporter.stop()
}

// post delivers a message without ever blocking the caller beyond the
// mailbox buffer; it fails once the machine has stopped.
func (m *Machine) post(msg any) bool {
	select {
	case <-m.stopped:
		return false
	default:
	}
	select {
	case m.mailbox <- msg:
		return true
	case <-m.stopped:
		return false
	}
}

func (m *Machine) submit(msg any, origin Origin) {
	if !m.post(msg) {
		reply(origin, fmt.Errorf("connection %s: machine stopped", m.cfg.ID))
	}
}

func (m *Machine) run() {
	for msg := range m.mailbox {
		switch msg := msg.(type) {
		case connectCmd:
			m.handleConnectCmd(msg)
		case disconnectCmd:
			m.handleDisconnectCmd(msg)
		case testCmd:
			m.handleTestCmd(msg)
		case clientConnected:
			m.handleClientConnected(msg)
		case clientDisconnected:
			m.handleClientDisconnected(msg)
		case connectionFailure:
			m.handleConnectionFailure(msg)
		case commandTimedOut:
			m.handleCommandTimeout(msg)
		case statusReport:
			m.handleStatusReport(msg)
		case snapshotReq:
			msg.reply <- m.buildSnapshot()
		case stopCmd:
			m.shutdown()
			close(msg.done)
			return
		default:
			m.log.Debug("unknown mailbox message ignored", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// --- command processing ---

func (m *Machine) handleConnectCmd(cmd connectCmd) {
	switch m.state {
	case StateConnected:
		reply(cmd.origin, nil)
	case StateConnecting:
		// idempotent: the in-flight handler answers this origin too
		m.addPending(kindConnect, cmd.origin)
	case StateDisconnecting, StateTesting:
		reply(cmd.origin, fmt.Errorf("connection %s: %w (%s)", m.cfg.ID, ErrBusy, m.state))
	default: // uninitialized, failed
		m.transition(StateConnecting)
		m.addPending(kindConnect, cmd.origin)
		h := m.getConnectHandler()
		h.connect(m.cfg)
		m.armTimeout(kindConnect, h, m.cfg.ConnectTimeout())
	}
}

func (m *Machine) handleDisconnectCmd(cmd disconnectCmd) {
	switch m.state {
	case StateUninitialized:
		reply(cmd.origin, nil)
		return
	case StateDisconnecting:
		m.addPending(kindDisconnect, cmd.origin)
		return
	case StateTesting:
		reply(cmd.origin, fmt.Errorf("connection %s: %w (testing)", m.cfg.ID, ErrBusy))
		return
	case StateConnecting:
		// a fresh disconnect supersedes the pending connect; the old
		// handler's eventual answer is dropped by stale filtering
		m.disarmTimeout(kindConnect)
		m.connectHandler = nil
		m.replyPending(kindConnect, fmt.Errorf("connection %s: connect superseded by disconnect", m.cfg.ID))
	}

	m.transition(StateDisconnecting)
	m.addPending(kindDisconnect, cmd.origin)

	// stop order: consumers, then pipeline, then publisher, then the
	// blocking driver disconnect
	m.sup.Release()

	h := m.getDisconnectHandler()
	h.disconnect(m.handle)
	m.armTimeout(kindDisconnect, h, m.cfg.DisconnectTimeout())
}

func (m *Machine) handleTestCmd(cmd testCmd) {
	if m.state != StateUninitialized && m.state != StateFailed {
		reply(cmd.origin, fmt.Errorf("connection %s: %w (%s)", m.cfg.ID, ErrBusy, m.state))
		return
	}

	m.transition(StateTesting)
	m.addPending(kindTest, cmd.origin)
	h := m.getTestHandler()
	h.connect(m.cfg)
	m.armTimeout(kindTest, h, m.cfg.TestTimeout())
}

// --- handler event processing ---

func (m *Machine) handleClientConnected(ev clientConnected) {
	if !m.eventUpToDate(ev.handler) {
		m.dropStale("clientConnected", ev.handler)
		if ev.result != nil {
			m.leakClose(ev.result.Handle)
		}
		return
	}
	if ev.result == nil || ev.result.Handle == nil {
		m.log.Info("connected event without a usable handle, ignoring as a probable reconnection")
		return
	}

	switch m.state {
	case StateTesting:
		// never leave a live connection behind after a test
		m.log.Debug("closing connection after testing it")
		h := m.getDisconnectHandler()
		h.disconnect(ev.result.Handle)
	case StateConnecting:
		m.disarmTimeout(kindConnect)
		m.allocateResources(ev.result)
	}
}

func (m *Machine) allocateResources(result *driver.ConnectResult) {
	if m.handle != nil {
		// a previous handle survived a failed teardown; close it off-loop
		m.leakClose(m.handle)
	}

	m.handle = result.Handle
	m.session = result.Session
	m.consumers = result.Consumers

	// clear anything tracked from a previous attempt, then start in order:
	// publisher, mapping pipeline, consumers
	m.sup.Release()
	if err := m.sup.Allocate(m.session, m.consumers, m.cfg.Targets, m.cfg.Mapping); err != nil {
		m.log.Error("failed to allocate workers", "error", err)
		m.leakClose(m.handle)
		m.clearConnectionState()
		m.failCommand(kindConnect, err, "worker allocation failed")
		return
	}

	m.transition(StateConnected)
	m.setStatus(StatusOpen, "connected")
	m.replyPending(kindConnect, nil)
	m.countCommand(kindConnect, "success")
}

func (m *Machine) handleClientDisconnected(ev clientDisconnected) {
	if !m.eventUpToDate(ev.handler) {
		m.dropStale("clientDisconnected", ev.handler)
		return
	}

	switch m.state {
	case StateTesting:
		m.disarmTimeout(kindTest)
		m.testHandler = nil
		m.transition(StateUninitialized)
		m.setStatus(StatusClosed, "connection test finished")
		m.replyPending(kindTest, nil)
		m.countCommand(kindTest, "success")
	case StateDisconnecting:
		m.disarmTimeout(kindDisconnect)
		m.clearConnectionState()
		m.transition(StateUninitialized)
		m.setStatus(StatusClosed, "disconnected")
		m.replyPending(kindDisconnect, nil)
		m.countCommand(kindDisconnect, "success")
	}
}

func (m *Machine) handleConnectionFailure(ev connectionFailure) {
	if ev.handler != nil && !m.eventUpToDate(ev.handler) {
		m.dropStale("connectionFailure", ev.handler)
		return
	}

	err := &ConnectionFailedError{ID: m.cfg.ID, Description: ev.description, Cause: ev.cause}
	m.setStatus(StatusFailed, formatFailure(ev.cause, ev.description))

	switch m.state {
	case StateTesting:
		m.disarmTimeout(kindTest)
		m.testHandler = nil
		m.transition(StateUninitialized)
		m.replyPending(kindTest, err)
		m.countCommand(kindTest, "failure")
	case StateConnecting:
		m.disarmTimeout(kindConnect)
		m.transition(StateFailed)
		m.replyPending(kindConnect, err)
		m.countCommand(kindConnect, "failure")
	case StateDisconnecting:
		// a failed close is a leak, not a failed disconnect: proceed as if
		// disconnected, retrying a broken close is not expected to succeed
		m.log.Error("RESOURCE-LEAK: disconnect reported a failure", "error", ev.cause)
		m.disarmTimeout(kindDisconnect)
		m.clearConnectionState()
		m.transition(StateUninitialized)
		m.replyPending(kindDisconnect, nil)
		m.countCommand(kindDisconnect, "success")
	}
}

func (m *Machine) handleCommandTimeout(ev commandTimedOut) {
	stale := func(current *handler) bool { return ev.handler != current }

	switch ev.kind {
	case kindConnect:
		if m.state != StateConnecting || stale(m.connectHandler) {
			return
		}
		// kill the stuck handler so the next command is not blocked behind it
		m.connectHandler = nil
		m.transition(StateFailed)
		m.setStatus(StatusFailed, "connect timed out")
		m.replyPending(kindConnect, fmt.Errorf("connection %s: connect: %w", m.cfg.ID, ErrTimeout))
		m.countTimeout(kindConnect)
	case kindDisconnect:
		if m.state != StateDisconnecting || stale(m.disconnectHandler) {
			return
		}
		m.disconnectHandler = nil
		m.clearConnectionState()
		m.transition(StateFailed)
		m.setStatus(StatusFailed, "disconnect timed out")
		m.replyPending(kindDisconnect, fmt.Errorf("connection %s: disconnect: %w", m.cfg.ID, ErrTimeout))
		m.countTimeout(kindDisconnect)
	case kindTest:
		if m.state != StateTesting || stale(m.testHandler) {
			return
		}
		m.testHandler = nil
		m.transition(StateUninitialized)
		m.setStatus(StatusFailed, "connection test timed out")
		m.replyPending(kindTest, fmt.Errorf("connection %s: test: %w", m.cfg.ID, ErrTimeout))
		m.countTimeout(kindTest)
	}
}

// --- status reports (any state) ---

func (m *Machine) handleStatusReport(report statusReport) {
	switch report.kind {
	case reportRestored:
		m.setStatus(StatusOpen, "connection restored")
	case reportFailure:
		m.setStatus(StatusFailed, formatFailure(report.cause, report.description))
		if m.state == StateConnected && m.opts.OnFailure != nil {
			cause := report.cause
			if cause == nil {
				cause = fmt.Errorf("%s", report.description)
			}
			// the callback may post new commands; keep it off the loop
			go m.opts.OnFailure(cause)
		}
	case reportConsumerClosed:
		// contained: only the affected consumer worker is notified, the
		// rest of the connection keeps running
		m.sup.OnConsumerFailure(report.consumer, "consumer closed")
	case reportProducerClosed:
		m.sup.OnProducerClosed(report.description)
	case reportMessageConsumed:
		// throughput is counted by the consumer workers; nothing to do
	}
}

// --- internals ---

// eventUpToDate accepts an event only when its originating handler is the
// one currently on record for the phase that produced it. Events from a
// superseded handler are provably ignored.
func (m *Machine) eventUpToDate(h *handler) bool {
	switch m.state {
	case StateConnecting:
		return h == m.connectHandler && h != nil
	case StateDisconnecting:
		return h == m.disconnectHandler && h != nil
	case StateTesting:
		return h != nil && (h == m.testHandler || h == m.disconnectHandler)
	default:
		return false
	}
}

func (m *Machine) dropStale(event string, h *handler) {
	id := "unknown"
	if h != nil {
		id = h.id
	}
	m.log.Debug("dropping stale event", "event", event, "handler_id", id, "state", string(m.state))
	if m.opts.Metrics != nil {
		m.opts.Metrics.IncStaleEvent(m.cfg.ID)
	}
}

func (m *Machine) getTestHandler() *handler {
	if m.testHandler == nil {
		m.testHandler = newHandler(kindTest, m.cfg.ID, m.drv, m.opts.Isolator,
			m.cfg.TestTimeout(), m.post, m.log)
	}
	return m.testHandler
}

func (m *Machine) getConnectHandler() *handler {
	if m.connectHandler == nil {
		m.connectHandler = newHandler(kindConnect, m.cfg.ID, m.drv, m.opts.Isolator,
			m.cfg.ConnectTimeout(), m.post, m.log)
	}
	return m.connectHandler
}

func (m *Machine) getDisconnectHandler() *handler {
	if m.disconnectHandler == nil {
		m.disconnectHandler = newHandler(kindDisconnect, m.cfg.ID, m.drv, m.opts.Isolator,
			m.cfg.DisconnectTimeout(), m.post, m.log)
	}
	return m.disconnectHandler
}

func (m *Machine) armTimeout(kind commandKind, h *handler, d time.Duration) {
	m.disarmTimeout(kind)
	// a small grace period lets the handler's own deadline fire first, so
	// failures carry the driver error instead of a bare timeout
	m.timers[kind] = time.AfterFunc(d+time.Second, func() {
		m.post(commandTimedOut{handler: h, kind: kind})
	})
}

func (m *Machine) disarmTimeout(kind commandKind) {
	if t, ok := m.timers[kind]; ok {
		t.Stop()
		delete(m.timers, kind)
	}
}

func (m *Machine) addPending(kind commandKind, origin Origin) {
	if origin != nil {
		m.pending[kind] = append(m.pending[kind], origin)
	}
}

func (m *Machine) replyPending(kind commandKind, err error) {
	for _, origin := range m.pending[kind] {
		reply(origin, err)
	}
	delete(m.pending, kind)
}

func (m *Machine) failCommand(kind commandKind, err error, detail string) {
	m.disarmTimeout(kind)
	m.transition(StateFailed)
	m.setStatus(StatusFailed, detail)
	m.replyPending(kind, err)
	m.countCommand(kind, "failure")
}

func (m *Machine) transition(next State) {
	if m.state == next {
		return
	}
	m.log.Info("state transition", "from", string(m.state), "to", string(next))
	m.state = next
	if m.opts.Metrics != nil {
		m.opts.Metrics.IncStateTransition(m.cfg.ID, string(next))
		m.opts.Metrics.SetConnectionStatus(m.cfg.ID, next == StateConnected)
	}
}

func (m *Machine) setStatus(s ConnectivityStatus, detail string) {
	m.status = Status{Connectivity: s, Detail: detail}
}

func (m *Machine) clearConnectionState() {
	m.handle = nil
	m.session = nil
	m.consumers = nil
}

// leakClose closes a handle nobody tracks anymore, off the control loop.
func (m *Machine) leakClose(handle driver.Handle) {
	if handle == nil {
		return
	}
	err := m.opts.Isolator.Submit(m.cfg.ID, func() {
		if err := handle.Close(); err != nil {
			m.log.Error("RESOURCE-LEAK: failed to close abandoned handle", "error", err)
		}
	})
	if err != nil {
		m.log.Error("RESOURCE-LEAK: could not schedule handle close", "error", err)
	}
}

func (m *Machine) buildSnapshot() Snapshot {
	addresses := make([]string, 0, len(m.consumers))
	for _, c := range m.consumers {
		addresses = append(addresses, c.Address)
	}
	return Snapshot{
		ID:            m.cfg.ID,
		State:         m.state,
		Status:        m.status,
		Consumers:     addresses,
		ActiveWorkers: m.sup.ActiveWorkers(),
		Stats:         m.st.Snapshot(),
	}
}

func (m *Machine) shutdown() {
	for kind := range m.timers {
		m.disarmTimeout(kind)
	}
	m.sup.Release()
	m.leakClose(m.handle)
	m.clearConnectionState()

	stopErr := fmt.Errorf("connection %s: machine stopped", m.cfg.ID)
	for kind := range m.pending {
		m.replyPending(kind, stopErr)
	}

	close(m.stopped)
}

func (m *Machine) countCommand(kind commandKind, result string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.IncCommand(string(kind), result)
	}
}

func (m *Machine) countTimeout(kind commandKind) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.IncCommandTimeout(string(kind))
		m.opts.Metrics.IncCommand(string(kind), "timeout")
	}
}

func reply(origin Origin, err error) {
	if origin == nil {
		return
	}
	select {
	case origin <- Result{Err: err}:
	default:
		// an unbuffered or abandoned origin must not stall the loop
	}
}

func formatFailure(cause error, description string) string {
	return fmt.Sprintf("Failure: %v, Description: %s", cause, description)
}
