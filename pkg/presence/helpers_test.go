package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// fakeHandle records everything pushed to it.
type fakeHandle struct {
	id      string
	limit   int // 0 = unlimited
	mu      sync.Mutex
	msgs    []*protocol.Message
	expired bool
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id}
}

func (h *fakeHandle) ID() string         { return h.id }
func (h *fakeHandle) RemoteAddr() string { return "test/" + h.id }

func (h *fakeHandle) Push(msg *protocol.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.expired || (h.limit > 0 && len(h.msgs) >= h.limit) {
		return false
	}
	h.msgs = append(h.msgs, msg)
	return true
}

func (h *fakeHandle) Expire() {
	h.mu.Lock()
	h.expired = true
	h.mu.Unlock()
}

func (h *fakeHandle) isExpired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expired
}

// take returns and clears the recorded messages.
func (h *fakeHandle) take() []*protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.msgs
	h.msgs = nil
	return out
}

// events returns and clears recorded server pushes with the given action.
func (h *fakeHandle) events(action string) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range h.take() {
		if m.Action == action {
			out = append(out, m)
		}
	}
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t      *testing.T
	dir    *Directory
	clock  *fakeClock
	events []Event
	nextID int
}

func testCredentials(names ...string) []Credential {
	creds := make([]Credential, 0, len(names))
	for _, name := range names {
		creds = append(creds, Credential{Username: name, Password: name + "-pw"})
	}
	return creds
}

func newFixture(t *testing.T, opts Options, names ...string) *fixture {
	t.Helper()
	f := &fixture{t: t, clock: newFakeClock()}
	if opts.BlockDuration == 0 {
		opts.BlockDuration = 10 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = time.Minute
	}
	opts.Clock = f.clock.Now
	opts.Observer = ObserverFunc(func(e Event) { f.events = append(f.events, e) })

	dir, err := NewDirectory(testCredentials(names...), opts)
	require.NoError(t, err)
	f.dir = dir
	return f
}

func (f *fixture) login(h Handle, username, password string) protocol.Status {
	return f.dir.Dispatch(h, &protocol.Message{
		Action:   protocol.ActionLogin,
		Username: username,
		Password: password,
	}).Status
}

// connect logs username in on a fresh handle and clears its inbox.
func (f *fixture) connect(username string) *fakeHandle {
	f.t.Helper()
	f.nextID++
	h := newFakeHandle(fmt.Sprintf("%s-%d", username, f.nextID))
	require.Equal(f.t, protocol.StatusSuccess, f.login(h, username, username+"-pw"))
	h.take()
	return h
}

func (f *fixture) send(h Handle, msg *protocol.Message) *protocol.Message {
	return f.dir.Dispatch(h, msg)
}

func (f *fixture) eventsOf(kind EventKind) []Event {
	var out []Event
	for _, e := range f.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
