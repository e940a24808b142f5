package presence

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/protocol"
)

func directMessage(to, text string) *protocol.Message {
	return &protocol.Message{Action: protocol.ActionMessage, User: to, Message: text}
}

func blockRequest(action, target string) *protocol.Message {
	return &protocol.Message{Action: action, User: target}
}

func TestMessageSelf(t *testing.T) {
	f := newFixture(t, Options{}, "alice")
	alice := f.connect("alice")

	resp := f.send(alice, directMessage("alice", "hi me"))
	assert.Equal(t, protocol.StatusMessageSelf, resp.Status)

	// Self-block is refused too, so the answer never changes.
	resp = f.send(alice, blockRequest(protocol.ActionBlock, "alice"))
	assert.Equal(t, protocol.StatusMessageSelf, resp.Status)
	resp = f.send(alice, directMessage("alice", "again"))
	assert.Equal(t, protocol.StatusMessageSelf, resp.Status)
	assert.Zero(t, f.dir.PendingCount())
}

func TestMessageUnknownRecipient(t *testing.T) {
	f := newFixture(t, Options{}, "alice")
	alice := f.connect("alice")

	resp := f.send(alice, directMessage("zed", "hello?"))
	assert.Equal(t, protocol.StatusUserNotExist, resp.Status)
}

func TestMessageOnlineRecipient(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	alice := f.connect("alice")
	bob := f.connect("bob")

	resp := f.send(alice, directMessage("bob", "hey bob"))
	assert.Equal(t, protocol.StatusSuccess, resp.Status)

	got := bob.events(protocol.ActionReceiveMessage)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].From)
	assert.Equal(t, "hey bob", got[0].Message)
	assert.Zero(t, f.dir.PendingCount())
}

func TestBlockDirection(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	alice := f.connect("alice")
	bob := f.connect("bob")
	alice.take()

	// bob blocks alice
	resp := f.send(bob, blockRequest(protocol.ActionBlock, "alice"))
	require.Equal(t, protocol.StatusSuccess, resp.Status)

	// alice -> bob is refused
	resp = f.send(alice, directMessage("bob", "let me in"))
	assert.Equal(t, protocol.StatusUserBlocked, resp.Status)
	assert.Empty(t, bob.events(protocol.ActionReceiveMessage))

	// bob -> alice still flows
	resp = f.send(bob, directMessage("alice", "one way"))
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Len(t, alice.events(protocol.ActionReceiveMessage), 1)

	// alice's broadcast counts bob as blocked
	resp = f.send(alice, &protocol.Message{Action: protocol.ActionBroadcast, Message: "all"})
	require.NotNil(t, resp.NSent)
	assert.Equal(t, 0, *resp.NSent)
	assert.Equal(t, 1, *resp.NBlocked)

	// bob's broadcast reaches alice
	resp = f.send(bob, &protocol.Message{Action: protocol.ActionBroadcast, Message: "all"})
	assert.Equal(t, 1, *resp.NSent)
	assert.Equal(t, 0, *resp.NBlocked)
	assert.Len(t, alice.events(protocol.ActionReceiveBroadcast), 1)
}

func TestBlockedSenderIsNotQueued(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	alice := f.connect("alice")
	bob := f.connect("bob")
	f.send(bob, blockRequest(protocol.ActionBlock, "alice"))
	f.send(bob, &protocol.Message{Action: protocol.ActionLogout})

	resp := f.send(alice, directMessage("bob", "while you were out"))
	assert.Equal(t, protocol.StatusUserBlocked, resp.Status)
	assert.Zero(t, f.dir.PendingCount())
}

func TestOfflineMessageDeliveredOnSweepAfterLogin(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	alice := f.connect("alice")

	resp := f.send(alice, directMessage("bob", "first"))
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	f.send(alice, directMessage("bob", "second"))
	assert.Equal(t, 2, f.dir.PendingFor("bob"))

	// Nothing to deliver while bob is offline.
	assert.Zero(t, f.dir.Sweep().Delivered)
	assert.Equal(t, 2, f.dir.PendingCount())

	bob := f.connect("bob")
	assert.Empty(t, bob.events(protocol.ActionReceiveMessage), "login alone does not deliver")

	assert.Equal(t, 2, f.dir.Sweep().Delivered)
	got := bob.events(protocol.ActionReceiveMessage)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Message)
	assert.Equal(t, "second", got[1].Message)
	assert.Zero(t, f.dir.PendingCount())

	// Delivered exactly once.
	assert.Zero(t, f.dir.Sweep().Delivered)
	assert.Len(t, f.eventsOf(EventQueued), 2)
	assert.Len(t, f.eventsOf(EventDelivered), 2)
}

func TestRefusedDeliveryFallsBackToQueue(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	alice := f.connect("alice")
	bob := f.connect("bob")
	bob.limit = 1
	bob.Push(protocol.TimeoutEvent()) // fill it

	resp := f.send(alice, directMessage("bob", "are you there"))
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, 1, f.dir.PendingFor("bob"))

	// Still refused on the sweep; the message stays queued.
	assert.Zero(t, f.dir.Sweep().Delivered)
	assert.Equal(t, 1, f.dir.PendingFor("bob"))

	bob.take()
	assert.Equal(t, 1, f.dir.Sweep().Delivered)
	assert.Zero(t, f.dir.PendingFor("bob"))
}

func TestPendingCapDropsOldest(t *testing.T) {
	f := newFixture(t, Options{MaxPendingPerUser: 2}, "alice", "bob")
	alice := f.connect("alice")
	for _, text := range []string{"one", "two", "three"} {
		f.send(alice, directMessage("bob", text))
	}
	assert.Equal(t, 2, f.dir.PendingFor("bob"))
	require.Len(t, f.eventsOf(EventDropped), 1)

	bob := f.connect("bob")
	f.dir.Sweep()
	got := bob.events(protocol.ActionReceiveMessage)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Message)
	assert.Equal(t, "three", got[1].Message)
}

func TestBroadcastCounts(t *testing.T) {
	f := newFixture(t, Options{}, "x", "a", "b", "c", "d", "e")
	x := f.connect("x")
	a := f.connect("a")
	b := f.connect("b")
	c := f.connect("c")
	// d and e stay offline
	f.send(c, blockRequest(protocol.ActionBlock, "x"))
	for _, h := range []*fakeHandle{x, a, b, c} {
		h.take()
	}

	resp := f.send(x, &protocol.Message{Action: protocol.ActionBroadcast, Message: "hello all"})
	require.NotNil(t, resp.NSent)
	require.NotNil(t, resp.NBlocked)
	assert.Equal(t, 2, *resp.NSent)
	assert.Equal(t, 1, *resp.NBlocked)

	assert.Len(t, a.events(protocol.ActionReceiveBroadcast), 1)
	assert.Len(t, b.events(protocol.ActionReceiveBroadcast), 1)
	assert.Empty(t, c.events(protocol.ActionReceiveBroadcast))
	assert.Empty(t, x.events(protocol.ActionReceiveBroadcast), "sender does not receive its own broadcast")
	assert.Zero(t, f.dir.PendingCount(), "broadcast never queues")
}

func TestBroadcastCountsOfflineBlocker(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	alice := f.connect("alice")
	bob := f.connect("bob")
	f.send(bob, blockRequest(protocol.ActionBlock, "alice"))
	f.send(bob, &protocol.Message{Action: protocol.ActionLogout})

	resp := f.send(alice, &protocol.Message{Action: protocol.ActionBroadcast, Message: "anyone"})
	assert.Equal(t, 0, *resp.NSent)
	assert.Equal(t, 1, *resp.NBlocked)
}

func TestBlockUnknownAndSelf(t *testing.T) {
	f := newFixture(t, Options{}, "alice")
	alice := f.connect("alice")

	for _, action := range []string{protocol.ActionBlock, protocol.ActionUnblock} {
		assert.Equal(t, protocol.StatusMessageSelf, f.send(alice, blockRequest(action, "alice")).Status)
		assert.Equal(t, protocol.StatusUserNotExist, f.send(alice, blockRequest(action, "ghost")).Status)
	}
}

func TestUnblockIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob", "carol")
	alice := f.connect("alice")
	f.send(alice, blockRequest(protocol.ActionBlock, "carol"))
	before, _ := f.dir.User("alice")

	resp := f.send(alice, blockRequest(protocol.ActionUnblock, "bob"))
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	after, _ := f.dir.User("alice")
	assert.Equal(t, before.BlockedUsers, after.BlockedUsers)

	// block then unblock restores the set
	f.send(alice, blockRequest(protocol.ActionBlock, "bob"))
	mid, _ := f.dir.User("alice")
	assert.Equal(t, []string{"bob", "carol"}, mid.BlockedUsers)
	f.send(alice, blockRequest(protocol.ActionUnblock, "bob"))
	after, _ = f.dir.User("alice")
	assert.Equal(t, before.BlockedUsers, after.BlockedUsers)
}

func TestBlockSurvivesLogout(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	bob := f.connect("bob")
	f.send(bob, blockRequest(protocol.ActionBlock, "alice"))
	f.send(bob, &protocol.Message{Action: protocol.ActionLogout})

	state, _ := f.dir.User("bob")
	assert.Equal(t, []string{"alice"}, state.BlockedUsers)
}

func TestWhoElse(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob", "carol", "dave")
	carol := f.connect("carol")
	alice := f.connect("alice")
	f.connect("bob")

	resp := f.send(alice, &protocol.Message{Action: protocol.ActionWhoElse})
	assert.Equal(t, []string{"bob", "carol"}, resp.ReplyList(), "registration order, asker excluded")

	f.send(carol, &protocol.Message{Action: protocol.ActionLogout})
	resp = f.send(alice, &protocol.Message{Action: protocol.ActionWhoElse})
	assert.Equal(t, []string{"bob"}, resp.ReplyList())
}

func TestWhoElseAlone(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	alice := f.connect("alice")

	resp := f.send(alice, &protocol.Message{Action: protocol.ActionWhoElse})
	assert.NotNil(t, resp.Reply)
	assert.Empty(t, resp.ReplyList())
}

func TestWhoElseSince(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: time.Hour}, "alice", "bob", "carol", "dave")
	bob := f.connect("bob")
	f.send(bob, &protocol.Message{Action: protocol.ActionLogout})

	f.clock.Advance(30 * time.Second)
	f.connect("carol")
	f.clock.Advance(30 * time.Second)
	alice := f.connect("alice")

	since := func(v string) *protocol.Message {
		return &protocol.Message{Action: protocol.ActionWhoElseSince, Since: []byte(v)}
	}

	resp := f.send(alice, since("45"))
	assert.Equal(t, []string{"carol"}, resp.ReplyList())

	resp = f.send(alice, since(`"61"`))
	assert.Equal(t, []string{"bob", "carol"}, resp.ReplyList(), "includes users already logged out")

	resp = f.send(alice, since("60"))
	assert.Equal(t, []string{"carol"}, resp.ReplyList(), "window boundary is exclusive")

	resp = f.send(alice, since("9223372036854775807"))
	assert.Equal(t, []string{"bob", "carol"}, resp.ReplyList(), "dave never logged in")

	resp = f.send(alice, since(`"later"`))
	assert.Equal(t, protocol.StatusInvalidRequest, resp.Status)
}

func TestMessageTooLong(t *testing.T) {
	f := newFixture(t, Options{MaxMessageLength: 5}, "alice", "bob")
	alice := f.connect("alice")

	resp := f.send(alice, directMessage("bob", "toolong"))
	assert.Equal(t, protocol.StatusMessageTooLong, resp.Status)
	resp = f.send(alice, &protocol.Message{Action: protocol.ActionBroadcast, Message: strings.Repeat("é", 6)})
	assert.Equal(t, protocol.StatusMessageTooLong, resp.Status)

	resp = f.send(alice, directMessage("bob", "héllo"))
	assert.Equal(t, protocol.StatusSuccess, resp.Status, "limit counts characters")
}

func TestOverlongMessageToSelfIsMessageSelf(t *testing.T) {
	f := newFixture(t, Options{MaxMessageLength: 4}, "alice", "bob")
	alice := f.connect("alice")

	resp := f.send(alice, directMessage("alice", "ten chars!"))
	assert.Equal(t, protocol.StatusMessageSelf, resp.Status)
}
