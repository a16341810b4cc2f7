package relay

import (
	"context"
	"log/slog"

	"github.com/codewiresh/chatrelay/internal/auth"
	"github.com/codewiresh/chatrelay/internal/protocol"
)

// Dispatcher delivers outbound commands to whichever session currently
// owns a credential. It makes one attempt and never queues. The write
// deadline belongs to the session's transport.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Send reports whether cmd was written to the peer. A failed write leaves
// the registry alone; the session's own teardown cleans up.
func (d *Dispatcher) Send(ctx context.Context, credential string, cmd protocol.Command) bool {
	h, ok := d.registry.Lookup(credential)
	if !ok {
		return false
	}

	if err := h.Deliver(ctx, cmd); err != nil {
		slog.Warn("delivery failed",
			"fingerprint", auth.Fingerprint(credential),
			"session", h.SessionID(),
			"type", cmd.Type(),
			"err", err,
		)
		return false
	}
	return true
}
