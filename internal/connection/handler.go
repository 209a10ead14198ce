package connection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"broker-bridge/config"
	"broker-bridge/internal/driver"
	"broker-bridge/internal/logger"
)

// handler performs one kind of blocking driver call (connect or disconnect)
// on behalf of the machine. It is short-lived: created lazily per command
// kind, forgotten on timeout so the next command is not blocked behind a
// stuck call. Results come back as mailbox events tagged with the handler,
// which is what makes stale-event filtering possible.
type handler struct {
	id      string
	kind    commandKind
	connID  string
	drv     driver.Driver
	iso     *Isolator
	timeout time.Duration
	post    func(msg any) bool
	log     *logger.Logger
}

func newHandler(kind commandKind, connID string, drv driver.Driver, iso *Isolator,
	timeout time.Duration, post func(msg any) bool, log *logger.Logger) *handler {

	h := &handler{
		id:      uuid.NewString(),
		kind:    kind,
		connID:  connID,
		drv:     drv,
		iso:     iso,
		timeout: timeout,
		post:    post,
		log:     log.With("handler", string(kind)),
	}
	h.log.Debug("handler created", "handler_id", h.id)
	return h
}

// connect performs the blocking driver connect on the isolator and posts the
// outcome back to the machine.
func (h *handler) connect(cfg *config.ConnectionConfig) {
	err := h.iso.Submit(h.connID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		result, err := h.drv.Connect(ctx, cfg)
		if err != nil {
			h.post(connectionFailure{handler: h, cause: err, description: "connect failed"})
			return
		}
		if !h.post(clientConnected{handler: h, result: result}) {
			// the machine is gone; nobody owns this connection anymore
			h.log.Error("RESOURCE-LEAK: connect finished after machine stopped, closing handle")
			if closeErr := result.Handle.Close(); closeErr != nil {
				h.log.Error("failed to close leaked handle", "error", closeErr)
			}
		}
	})
	if err != nil {
		h.post(connectionFailure{handler: h, cause: err, description: "blocking-call isolator unavailable"})
	}
}

// disconnect performs the blocking driver disconnect on the isolator. A close
// failure is a resource leak, not a command failure: the machine proceeds as
// if disconnected because retrying a broken close will not succeed.
func (h *handler) disconnect(handle driver.Handle) {
	if handle == nil {
		h.post(clientDisconnected{handler: h})
		return
	}

	err := h.iso.Submit(h.connID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		if err := h.drv.Disconnect(ctx, handle); err != nil {
			h.log.Error("RESOURCE-LEAK: failed to close connection", "error", err)
		}
		h.post(clientDisconnected{handler: h})
	})
	if err != nil {
		h.log.Error("RESOURCE-LEAK: could not schedule disconnect", "error", err)
		h.post(clientDisconnected{handler: h})
	}
}
