package presence

import (
	"math"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// Routing rules. All methods here run with d.mu held by Dispatch.

// sendDirect delivers text to the recipient now if it is online and parks it
// otherwise. The recipient's block list gates the sender.
func (d *Directory) sendDirect(from *user, to, text string, now time.Time) protocol.Status {
	if from.username == to {
		return protocol.StatusMessageSelf
	}
	recipient, ok := d.users[to]
	if !ok {
		return protocol.StatusUserNotExist
	}
	if recipient.hasBlocked(from.username) {
		return protocol.StatusUserBlocked
	}

	if recipient.online && recipient.handle.Push(protocol.ReceiveMessageEvent(from.username, text)) {
		return protocol.StatusSuccess
	}
	// Offline, or the recipient's connection refused the event and is
	// going away; either way it waits for the next login.
	d.enqueue(PendingMessage{From: from.username, To: to, Text: text}, now)
	return protocol.StatusSuccess
}

func (d *Directory) enqueue(msg PendingMessage, now time.Time) {
	dropped := d.pending.push(msg)
	d.emit(Event{Kind: EventQueued, Username: msg.From, Target: msg.To, At: now})
	if dropped != nil {
		d.emit(Event{Kind: EventDropped, Username: dropped.From, Target: dropped.To, At: now})
	}
}

// broadcast sends text to every other online user that has not blocked the
// sender. Offline users are skipped, never queued.
func (d *Directory) broadcast(from *user, text string) (sent, blocked int) {
	event := protocol.ReceiveBroadcastEvent(from.username, text)
	for _, u := range d.ordered {
		if u == from {
			continue
		}
		if u.hasBlocked(from.username) {
			blocked++
			continue
		}
		if u.online && u.handle.Push(event) {
			sent++
		}
	}
	return sent, blocked
}

// setBlocked adds or removes target from the user's block list. Removing a
// user that is not blocked succeeds without change.
func (d *Directory) setBlocked(from *user, target string, block bool) protocol.Status {
	if from.username == target {
		return protocol.StatusMessageSelf
	}
	if _, ok := d.users[target]; !ok {
		return protocol.StatusUserNotExist
	}
	if block {
		from.blockedUsers[target] = struct{}{}
	} else {
		delete(from.blockedUsers, target)
	}
	return protocol.StatusSuccess
}

// whoElse lists online users other than the asker.
func (d *Directory) whoElse(asker *user) []string {
	names := []string{}
	for _, u := range d.ordered {
		if u != asker && u.online {
			names = append(names, u.username)
		}
	}
	return names
}

// whoElseSince lists users other than the asker whose last login falls
// within the past window seconds.
func (d *Directory) whoElseSince(asker *user, window int64, now time.Time) []string {
	var cutoff time.Time
	if window < int64(math.MaxInt64/time.Second) {
		cutoff = now.Add(-time.Duration(window) * time.Second)
	}

	names := []string{}
	for _, u := range d.ordered {
		if u == asker || u.lastLogin.IsZero() {
			continue
		}
		if u.lastLogin.After(cutoff) {
			names = append(names, u.username)
		}
	}
	return names
}
