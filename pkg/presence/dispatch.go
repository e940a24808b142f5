package presence

import (
	"time"
	"unicode/utf8"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// Dispatch processes one request from h and pushes the response to h. The
// directory lock is held from the activity refresh until the response is
// queued, so a request's effects and the events it caused are visible to
// every other connection before its reply is.
//
// A nil req stands for a payload that could not be decoded.
//
// The response is returned for callers that want to inspect it; it has
// already been pushed. Requests from a handle the directory has already
// expired (after logout or timeout) are dropped and nil is returned.
func (d *Directory) Dispatch(h Handle, req *protocol.Message) *protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, gone := d.retired[h.ID()]; gone {
		return nil
	}

	now := d.now()
	caller := d.bound[h.ID()]
	if caller != nil {
		caller.lastActivity = now
	}

	resp := d.handle(h, caller, req, now)
	h.Push(resp)

	if req != nil && req.Action == protocol.ActionLogout && caller != nil {
		d.retire(h)
	}
	return resp
}

func (d *Directory) handle(h Handle, caller *user, req *protocol.Message, now time.Time) *protocol.Message {
	if req == nil {
		return protocol.ReplyResponse(protocol.ActionUnknown, protocol.ReplyUnknownAction)
	}

	action := req.Action

	switch action {
	case protocol.ActionLogin:
		status := d.authenticate(h, req.Username, req.Password, now)
		d.emit(Event{Kind: EventLogin, Username: req.Username, Status: status, Remote: h.RemoteAddr(), At: now})
		return protocol.StatusResponse(action, status)

	case protocol.ActionLogout:
		if caller == nil {
			return protocol.ReplyResponse(action, protocol.ReplyNotLoggedIn)
		}
		d.goOffline(caller)
		d.emit(Event{Kind: EventLogout, Username: caller.username, Remote: h.RemoteAddr(), At: now})
		return protocol.ReplyResponse(action, protocol.ReplyLoggedOut)

	case protocol.ActionMessage, protocol.ActionBroadcast, protocol.ActionBlock,
		protocol.ActionUnblock, protocol.ActionWhoElse, protocol.ActionWhoElseSince:
		if caller == nil {
			return protocol.StatusResponse(action, protocol.StatusNotLoggedIn)
		}
	default:
		return protocol.ReplyResponse(action, protocol.ReplyUnknownAction)
	}

	switch action {
	case protocol.ActionMessage:
		// Self-messages are refused as such whatever their length
		if req.User != caller.username && d.tooLong(req.Message) {
			return protocol.StatusResponse(action, protocol.StatusMessageTooLong)
		}
		status := d.sendDirect(caller, req.User, req.Message, now)
		d.emit(Event{Kind: EventMessage, Username: caller.username, Target: req.User, Status: status, At: now})
		return protocol.StatusResponse(action, status)

	case protocol.ActionBroadcast:
		if d.tooLong(req.Message) {
			return protocol.StatusResponse(action, protocol.StatusMessageTooLong)
		}
		sent, blocked := d.broadcast(caller, req.Message)
		d.emit(Event{Kind: EventBroadcast, Username: caller.username, Sent: sent, Blocked: blocked, At: now})
		return protocol.BroadcastResponse(sent, blocked)

	case protocol.ActionBlock, protocol.ActionUnblock:
		block := action == protocol.ActionBlock
		status := d.setBlocked(caller, req.User, block)
		if status == protocol.StatusSuccess {
			kind := EventUnblock
			if block {
				kind = EventBlock
			}
			d.emit(Event{Kind: kind, Username: caller.username, Target: req.User, Status: status, At: now})
		}
		return protocol.StatusResponse(action, status)

	case protocol.ActionWhoElse:
		return protocol.ReplyResponse(action, d.whoElse(caller))

	case protocol.ActionWhoElseSince:
		window, err := req.SinceSeconds()
		if err != nil {
			return protocol.StatusResponse(action, protocol.StatusInvalidRequest)
		}
		return protocol.ReplyResponse(action, d.whoElseSince(caller, window, now))
	}

	return protocol.ReplyResponse(action, protocol.ReplyUnknownAction)
}

func (d *Directory) tooLong(text string) bool {
	return d.maxMessageLength > 0 && utf8.RuneCountInString(text) > d.maxMessageLength
}
