// Package presence holds the server-side session engine: user records, the
// login lockout state machine, message routing, the pending queue for
// offline recipients and the periodic sweep. Everything is owned by a single
// Directory and mutated under one lock.
package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

const DefaultMaxFailedAttempts = 3

// Handle is a live connection the Directory can bind to a username.
type Handle interface {
	// ID uniquely identifies the connection for the lifetime of the process.
	ID() string
	RemoteAddr() string
	// Push enqueues a message without blocking. It returns false if the
	// connection cannot take it (closed or over its outbound limit).
	Push(msg *protocol.Message) bool
	// Expire closes the connection once everything pushed so far is written.
	Expire()
}

// Options tune the Directory. Zero values fall back to defaults where one
// exists.
type Options struct {
	BlockDuration     time.Duration
	IdleTimeout       time.Duration
	MaxFailedAttempts int // default DefaultMaxFailedAttempts
	MaxPendingPerUser int // 0 = unbounded
	MaxMessageLength  int // 0 = unlimited
	Clock             func() time.Time
	Observer          Observer
}

// Directory is the authoritative store of user identity, presence, bindings
// and pending messages.
type Directory struct {
	mu sync.Mutex

	users   map[string]*user
	ordered []*user             // registration order
	bound   map[string]*user    // handle ID -> user
	retired map[string]struct{} // handles expired by the directory, not yet disconnected
	pending *pendingQueue

	blockDuration     time.Duration
	idleTimeout       time.Duration
	maxFailedAttempts int
	maxMessageLength  int
	now               func() time.Time
	observer          Observer
}

// NewDirectory builds a Directory from the credential source. Duplicate
// usernames are rejected.
func NewDirectory(creds []Credential, opts Options) (*Directory, error) {
	if opts.MaxFailedAttempts <= 0 {
		opts.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	d := &Directory{
		users:             make(map[string]*user, len(creds)),
		ordered:           make([]*user, 0, len(creds)),
		bound:             make(map[string]*user),
		retired:           make(map[string]struct{}),
		pending:           newPendingQueue(opts.MaxPendingPerUser),
		blockDuration:     opts.BlockDuration,
		idleTimeout:       opts.IdleTimeout,
		maxFailedAttempts: opts.MaxFailedAttempts,
		maxMessageLength:  opts.MaxMessageLength,
		now:               opts.Clock,
		observer:          opts.Observer,
	}

	for i, cred := range creds {
		if _, exists := d.users[cred.Username]; exists {
			return nil, fmt.Errorf("%w %q", ErrDuplicateUser, cred.Username)
		}
		u := newUser(cred, i)
		d.users[cred.Username] = u
		d.ordered = append(d.ordered, u)
	}

	return d, nil
}

// authenticate runs the login state machine for h. Caller holds d.mu.
func (d *Directory) authenticate(h Handle, username, password string, now time.Time) protocol.Status {
	u, ok := d.users[username]
	if !ok {
		return protocol.StatusUsernameNotExist
	}
	if u.online || d.bound[h.ID()] != nil {
		return protocol.StatusAlreadyLoggedIn
	}
	if u.blocked {
		if !u.lockoutExpired(now, d.blockDuration) {
			return protocol.StatusBlocked
		}
		u.clearLockout()
		d.emit(Event{Kind: EventLockoutExpired, Username: u.username, At: now})
	}

	if !u.secret.matches(password) {
		u.consecutiveFails++
		if u.consecutiveFails >= d.maxFailedAttempts {
			u.blocked = true
			u.blockedSince = now
			return protocol.StatusInvalidPasswordBlocked
		}
		return protocol.StatusInvalidPassword
	}

	u.online = true
	u.consecutiveFails = 0
	u.lastLogin = now
	u.lastActivity = now
	u.handle = h
	d.bound[h.ID()] = u

	d.notifyOthers(u, protocol.LoginBroadcastEvent(u.username))
	return protocol.StatusSuccess
}

// goOffline unbinds u and tells every other online user. Caller holds d.mu.
func (d *Directory) goOffline(u *user) {
	if u.handle != nil {
		delete(d.bound, u.handle.ID())
	}
	u.online = false
	u.handle = nil
	u.consecutiveFails = 0
	u.blockedSince = time.Time{}

	d.notifyOthers(u, protocol.LogoutBroadcastEvent(u.username))
}

// retire expires h and ignores anything it sends until its transport is
// gone, so a closing connection can never be bound again. Caller holds d.mu.
func (d *Directory) retire(h Handle) {
	h.Expire()
	d.retired[h.ID()] = struct{}{}
}

// notifyOthers pushes msg to every online user except u. Presence events are
// best effort.
func (d *Directory) notifyOthers(u *user, msg *protocol.Message) {
	for _, other := range d.ordered {
		if other == u || !other.online {
			continue
		}
		other.handle.Push(msg)
	}
}

func (d *Directory) emit(e Event) {
	if d.observer != nil {
		d.observer.Observe(e)
	}
}

// Disconnect handles loss of the transport behind h. A bound user goes
// offline as if it had logged out; an unbound handle is ignored.
func (d *Directory) Disconnect(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.retired, h.ID())
	u := d.bound[h.ID()]
	if u == nil {
		return
	}
	d.goOffline(u)
	d.emit(Event{Kind: EventDisconnect, Username: u.username, Remote: h.RemoteAddr(), At: d.now()})
}

// Registered returns every username in registration order.
func (d *Directory) Registered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.ordered))
	for _, u := range d.ordered {
		names = append(names, u.username)
	}
	return names
}

// Online returns the online usernames in registration order.
func (d *Directory) Online() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := []string{}
	for _, u := range d.ordered {
		if u.online {
			names = append(names, u.username)
		}
	}
	return names
}

// User returns a snapshot of one user's record.
func (d *Directory) User(username string) (UserState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[username]
	if !ok {
		return UserState{}, false
	}
	state := u.snapshot()
	sort.Strings(state.BlockedUsers)
	return state, true
}

// Snapshot returns every user's record in registration order, taken under
// one lock so the states are mutually consistent.
func (d *Directory) Snapshot() []UserState {
	d.mu.Lock()
	defer d.mu.Unlock()

	states := make([]UserState, 0, len(d.ordered))
	for _, u := range d.ordered {
		state := u.snapshot()
		sort.Strings(state.BlockedUsers)
		state.Pending = d.pending.count(u.username)
		states = append(states, state)
	}
	return states
}

// BoundUser returns the username bound to h, if any.
func (d *Directory) BoundUser(h Handle) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u := d.bound[h.ID()]; u != nil {
		return u.username, true
	}
	return "", false
}

// PendingCount returns the number of messages waiting for offline users.
func (d *Directory) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.len()
}

// PendingFor returns the number of messages waiting for username.
func (d *Directory) PendingFor(username string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.count(username)
}
