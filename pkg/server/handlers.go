package server

import (
	"github.com/aeolun/relaychat/pkg/protocol"
)

// handleFrame decodes one client frame and hands it to the directory. The
// directory pushes the response itself; anything that is not a well-formed
// request is answered with the unknown-action reply rather than dropped.
func (s *Server) handleFrame(sess *Session, frame *protocol.Frame) {
	var req *protocol.Message

	if frame.Type == protocol.TypeRequest {
		msg := &protocol.Message{}
		if err := msg.Decode(frame.Payload); err != nil {
			debugLog.Printf("Session %s: bad request payload: %v", sess.ID(), err)
			s.metrics.RecordDecodeError()
		} else {
			req = msg
		}
	} else {
		debugLog.Printf("Session %s: unexpected frame type 0x%02X", sess.ID(), frame.Type)
		s.metrics.RecordDecodeError()
	}

	action := protocol.ActionUnknown
	if req != nil {
		action = req.Action
	}
	s.metrics.RecordRequest(action)

	resp := s.dir.Dispatch(sess, req)
	if resp == nil {
		debugLog.Printf("Session %s: request after logout ignored", sess.ID())
		return
	}
	debugLog.Printf("Session %s → %s %s", sess.ID(), resp.Action, responseSummary(resp))
}

func responseSummary(resp *protocol.Message) string {
	switch {
	case resp.Status != "":
		return string(resp.Status)
	case resp.NSent != nil && resp.NBlocked != nil:
		return "n_sent/n_blocked"
	case resp.ReplyText() != "":
		return resp.ReplyText()
	}
	return ""
}
