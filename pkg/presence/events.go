package presence

import (
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// EventKind names a state change reported to an Observer.
type EventKind string

const (
	EventLogin          EventKind = "login"           // any login attempt; Status carries the outcome
	EventLogout         EventKind = "logout"          // explicit logout
	EventDisconnect     EventKind = "disconnect"      // transport loss of a bound handle
	EventTimeout        EventKind = "timeout"         // idle session evicted by the sweep
	EventLockoutExpired EventKind = "lockout_expired" // login lockout cleared
	EventMessage        EventKind = "message"         // direct message accepted or refused
	EventBroadcast      EventKind = "broadcast"
	EventQueued         EventKind = "queued"    // direct message parked for an offline user
	EventDelivered      EventKind = "delivered" // parked message handed to its recipient
	EventDropped        EventKind = "dropped"   // parked message evicted by the per-user cap
	EventBlock          EventKind = "block"
	EventUnblock        EventKind = "unblock"
)

// Event describes one state change. Target is the other party where one
// exists (recipient, blocked user).
type Event struct {
	Kind     EventKind
	Username string
	Target   string
	Status   protocol.Status
	Remote   string
	At       time.Time
	Sent     int
	Blocked  int
}

// Observer receives events while the directory lock is held, so Observe must
// not block or call back into the Directory.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans one event out to several observers in order.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}
