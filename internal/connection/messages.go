package connection

import (
	"broker-bridge/internal/driver"
)

// Commands posted into the machine mailbox by the public API.

type connectCmd struct {
	origin Origin
}

type disconnectCmd struct {
	origin Origin
}

type testCmd struct {
	origin Origin
}

type snapshotReq struct {
	reply chan Snapshot
}

type stopCmd struct {
	done chan struct{}
}

// Events posted by handler workers. Every event carries the handler that
// produced it; the machine drops events whose handler is no longer the one
// on record for the current phase.

type clientConnected struct {
	handler *handler
	result  *driver.ConnectResult
}

type clientDisconnected struct {
	handler *handler
}

type connectionFailure struct {
	handler     *handler // nil when the failure did not originate in a handler
	cause       error
	description string
}

type commandTimedOut struct {
	handler *handler
	kind    commandKind
}

// Status reports produced by the status reporter from driver health events.

type reportKind int

const (
	reportRestored reportKind = iota
	reportFailure
	reportConsumerClosed
	reportProducerClosed
	reportMessageConsumed
)

type statusReport struct {
	kind        reportKind
	cause       error
	description string
	consumer    driver.Consumer
}
