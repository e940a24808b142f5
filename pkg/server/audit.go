package server

import (
	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/presence"
)

// auditObserver journals directory events. Recording only enqueues into the
// write buffer, so it is safe under the directory lock.
type auditObserver struct {
	db *database.DB
}

// journaled is the subset of events worth keeping. Per-message delivery
// bookkeeping is left to metrics.
var journaled = map[presence.EventKind]bool{
	presence.EventLogin:          true,
	presence.EventLogout:         true,
	presence.EventDisconnect:     true,
	presence.EventTimeout:        true,
	presence.EventLockoutExpired: true,
	presence.EventBroadcast:      true,
	presence.EventMessage:        true,
	presence.EventBlock:          true,
	presence.EventUnblock:        true,
	presence.EventDropped:        true,
}

func (a auditObserver) Observe(e presence.Event) {
	if !journaled[e.Kind] {
		return
	}
	if !a.db.Record(auditEventFrom(e)) {
		debugLog.Printf("audit buffer full, dropped %s event for %s", e.Kind, e.Username)
	}
}

func auditEventFrom(e presence.Event) database.AuditEvent {
	ev := database.AuditEvent{
		Kind:       string(e.Kind),
		Username:   e.Username,
		Target:     e.Target,
		Status:     string(e.Status),
		RemoteAddr: e.Remote,
		NSent:      e.Sent,
		NBlocked:   e.Blocked,
	}
	if !e.At.IsZero() {
		ev.CreatedAt = e.At.UnixMilli()
	}
	return ev
}
