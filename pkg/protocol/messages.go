package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Request actions (Client → Server)
const (
	ActionLogin        = "login"
	ActionLogout       = "logout"
	ActionMessage      = "message"
	ActionBroadcast    = "broadcast"
	ActionBlock        = "block"
	ActionUnblock      = "unblock"
	ActionWhoElse      = "whoelse"
	ActionWhoElseSince = "whoelsesince"

	// ActionUnknown labels the reply to a request that could not be decoded.
	ActionUnknown = "unknown"
)

// Event actions (Server → Client, unsolicited)
const (
	ActionReceiveMessage   = "receive_message"
	ActionReceiveBroadcast = "receive_broadcast"
	ActionLoginBroadcast   = "login_broadcast"
	ActionLogoutBroadcast  = "logout_broadcast"
	ActionTimeout          = "timeout"
)

// Status is the outcome code carried in a response's status field.
type Status string

const (
	StatusSuccess                Status = "SUCCESS"
	StatusUsernameNotExist       Status = "USERNAME_NOT_EXIST"
	StatusInvalidPassword        Status = "INVALID_PASSWORD"
	StatusInvalidPasswordBlocked Status = "INVALID_PASSWORD_BLOCKED"
	StatusBlocked                Status = "BLOCKED"
	StatusAlreadyLoggedIn        Status = "ALREADY_LOGGED_IN"
	StatusMessageSelf            Status = "MESSAGE_SELF"
	StatusUserNotExist           Status = "USER_NOT_EXIST"
	StatusUserBlocked            Status = "USER_BLOCKED"
	StatusNotLoggedIn            Status = "NOT_LOGGED_IN"
	StatusMessageTooLong         Status = "MESSAGE_TOO_LONG"
	StatusInvalidRequest         Status = "INVALID_REQUEST"
)

// Fixed reply texts
const (
	ReplyLoggedOut     = "logged out"
	ReplyNotLoggedIn   = "You are not logged in"
	ReplyUnknownAction = "Unknown action"
)

// ErrUnexpectedType is returned when a frame of the wrong type arrives.
var ErrUnexpectedType = errors.New("unexpected frame type")

// Message is the structured record carried in every frame payload. Only the
// fields relevant to Action are populated.
type Message struct {
	Action   string          `json:"action"`
	Username string          `json:"username,omitempty"`
	Password string          `json:"password,omitempty"`
	User     string          `json:"user,omitempty"`
	Message  string          `json:"message,omitempty"`
	Since    json.RawMessage `json:"since,omitempty"`
	From     string          `json:"from,omitempty"`
	Status   Status          `json:"status,omitempty"`
	Reply    any             `json:"reply,omitempty"`
	NSent    *int            `json:"n_sent,omitempty"`
	NBlocked *int            `json:"n_blocked,omitempty"`
}

// KnownAction normalizes action to one of the constants above, mapping
// anything else to ActionUnknown. Use it wherever a client-supplied action
// would otherwise become an unbounded key (metric labels, log tallies).
func KnownAction(action string) string {
	switch action {
	case ActionLogin, ActionLogout, ActionMessage, ActionBroadcast, ActionBlock,
		ActionUnblock, ActionWhoElse, ActionWhoElseSince,
		ActionReceiveMessage, ActionReceiveBroadcast, ActionLoginBroadcast,
		ActionLogoutBroadcast, ActionTimeout:
		return action
	}
	return ActionUnknown
}

// IsEvent reports whether the message is a server push rather than a reply.
func (m *Message) IsEvent() bool {
	switch m.Action {
	case ActionReceiveMessage, ActionReceiveBroadcast, ActionLoginBroadcast,
		ActionLogoutBroadcast, ActionTimeout:
		return true
	}
	return false
}

// FrameType returns the frame type a server uses to carry this message.
func (m *Message) FrameType() uint8 {
	if m.IsEvent() {
		return TypeEvent
	}
	return TypeResponse
}

// SinceSeconds parses the whoelsesince window. Both a JSON number and a
// numeric JSON string are accepted, since line-oriented clients forward the
// raw token they were typed.
func (m *Message) SinceSeconds() (int64, error) {
	text := strings.TrimSpace(string(m.Since))
	if text == "" {
		return 0, fmt.Errorf("missing since")
	}
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid since %s: %w", m.Since, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative since %d", n)
	}
	return n, nil
}

// SinceValue encodes a whoelsesince window for a request.
func SinceValue(seconds int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(seconds, 10))
}

// ReplyText returns the reply as a string, or "" if it is not one.
func (m *Message) ReplyText() string {
	s, _ := m.Reply.(string)
	return s
}

// ReplyList returns the reply as a list of strings. Works on both freshly
// built messages and decoded ones.
func (m *Message) ReplyList() []string {
	switch v := m.Reply.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Encode serializes the message to JSON
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// EncodeTo serializes the message directly to a writer
func (m *Message) EncodeTo(w io.Writer) error {
	return json.NewEncoder(w).Encode(m)
}

// Decode deserializes the message from a JSON payload
func (m *Message) Decode(payload []byte) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if m.Action == "" {
		return fmt.Errorf("decode message: missing action")
	}
	return nil
}

// WriteMessage wraps msg in a frame of the given type and writes it.
func WriteMessage(w io.Writer, frameType uint8, msg *Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return EncodeFrame(w, &Frame{
		Version: ProtocolVersion,
		Type:    frameType,
		Flags:   0,
		Payload: payload,
	})
}

// ReadMessage reads one frame and decodes its payload.
func ReadMessage(r io.Reader) (uint8, *Message, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		return 0, nil, err
	}
	msg := &Message{}
	if err := msg.Decode(frame.Payload); err != nil {
		return frame.Type, nil, err
	}
	return frame.Type, msg, nil
}

// Response and event constructors used by the server.

func StatusResponse(action string, status Status) *Message {
	return &Message{Action: action, Status: status}
}

func ReplyResponse(action string, reply any) *Message {
	return &Message{Action: action, Reply: reply}
}

func BroadcastResponse(sent, blocked int) *Message {
	return &Message{Action: ActionBroadcast, NSent: &sent, NBlocked: &blocked}
}

func ReceiveMessageEvent(from, text string) *Message {
	return &Message{Action: ActionReceiveMessage, From: from, Message: text}
}

func ReceiveBroadcastEvent(from, text string) *Message {
	return &Message{Action: ActionReceiveBroadcast, From: from, Message: text}
}

func LoginBroadcastEvent(from string) *Message {
	return &Message{Action: ActionLoginBroadcast, From: from}
}

func LogoutBroadcastEvent(from string) *Message {
	return &Message{Action: ActionLogoutBroadcast, From: from}
}

func TimeoutEvent() *Message {
	return &Message{Action: ActionTimeout}
}
