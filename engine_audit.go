package authcore

import (
	"context"
	"time"
)

// emitAudit stamps and enqueues an event. It never blocks the primary
// operation when DropIfFull is set, and never fails it.
func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if e == nil || e.audit == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	if ua := userAgentFromContext(ctx); ua != "" {
		if event.Metadata == nil {
			event.Metadata = map[string]string{}
		}
		if _, ok := event.Metadata["user_agent"]; !ok {
			event.Metadata["user_agent"] = ua
		}
	}
	e.audit.Emit(ctx, event)
}
