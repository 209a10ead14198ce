package connection

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-bridge/internal/driver"
)

func startTestReporter(t *testing.T) (chan driver.Event, chan statusReport) {
	t.Helper()
	events := make(chan driver.Event, 16)
	delivered := make(chan statusReport, 16)

	r := newStatusReporter("conn-rep", events, func(msg any) bool {
		report, ok := msg.(statusReport)
		if !ok {
			return false
		}
		select {
		case delivered <- report:
			return true
		default:
			return false
		}
	}, testLogger(t), nil)
	r.start()
	t.Cleanup(r.stop)
	return events, delivered
}

func nextReport(t *testing.T, delivered chan statusReport) statusReport {
	t.Helper()
	select {
	case report := <-delivered:
		return report
	case <-time.After(3 * time.Second):
		t.Fatal("no status report delivered")
		return statusReport{}
	}
}

func TestReporterTranslatesDriverEvents(t *testing.T) {
	events, delivered := startTestReporter(t)
	consumer := newFakeConsumer("a")

	tests := []struct {
		name  string
		event driver.Event
		want  reportKind
	}{
		{"failure", driver.Event{Kind: driver.EventFailure, Err: errBoom, Detail: "gone"}, reportFailure},
		{"interrupted", driver.Event{Kind: driver.EventInterrupted, Err: errBoom}, reportFailure},
		{"restored", driver.Event{Kind: driver.EventRestored}, reportRestored},
		{"message consumed", driver.Event{Kind: driver.EventMessageConsumed}, reportMessageConsumed},
		{"consumer closed", driver.Event{Kind: driver.EventConsumerClosed, Consumer: consumer}, reportConsumerClosed},
		{"producer closed", driver.Event{Kind: driver.EventProducerClosed, Detail: "bye"}, reportProducerClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events <- tt.event
			report := nextReport(t, delivered)
			assert.Equal(t, tt.want, report.kind)
		})
	}
}

func TestReporterInterruptedCarriesFixedDescription(t *testing.T) {
	events, delivered := startTestReporter(t)

	events <- driver.Event{Kind: driver.EventInterrupted, Err: errBoom, Detail: "ignored"}
	report := nextReport(t, delivered)
	assert.Equal(t, reportFailure, report.kind)
	assert.Equal(t, "connection interrupted", report.description)
	assert.ErrorIs(t, report.cause, errBoom)
}

func TestReporterConsumerClosedCarriesConsumer(t *testing.T) {
	events, delivered := startTestReporter(t)
	consumer := newFakeConsumer("orders/in")

	events <- driver.Event{Kind: driver.EventConsumerClosed, Detail: "closed", Consumer: consumer}
	report := nextReport(t, delivered)
	require.Equal(t, reportConsumerClosed, report.kind)
	assert.Equal(t, driver.Consumer(consumer), report.consumer)
}

func TestReporterSwallowsEstablished(t *testing.T) {
	events, delivered := startTestReporter(t)

	events <- driver.Event{Kind: driver.EventEstablished}
	events <- driver.Event{Kind: driver.EventRestored}

	// only the restored event produces a report
	report := nextReport(t, delivered)
	assert.Equal(t, reportRestored, report.kind)
	assert.Empty(t, delivered)
}

func TestReporterSurvivesFailedDelivery(t *testing.T) {
	events := make(chan driver.Event, 16)
	var deliveries atomic.Int32
	delivered := make(chan statusReport, 16)

	r := newStatusReporter("conn-drop", events, func(msg any) bool {
		if deliveries.Add(1) == 1 {
			return false
		}
		delivered <- msg.(statusReport)
		return true
	}, testLogger(t), nil)
	r.start()
	t.Cleanup(r.stop)

	// the first report is dropped; the reporter keeps translating
	events <- driver.Event{Kind: driver.EventFailure, Err: errBoom}
	events <- driver.Event{Kind: driver.EventRestored}

	report := nextReport(t, delivered)
	assert.Equal(t, reportRestored, report.kind)
}
