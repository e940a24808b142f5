package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageDecodeRequiresAction(t *testing.T) {
	var msg Message
	err := msg.Decode([]byte(`{"username":"alice"}`))
	assert.Error(t, err)

	err = msg.Decode([]byte(`not json`))
	assert.Error(t, err)

	require.NoError(t, msg.Decode([]byte(`{"action":"login","username":"alice","password":"pw"}`)))
	assert.Equal(t, ActionLogin, msg.Action)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "pw", msg.Password)
}

func TestSinceSeconds(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: `{"action":"whoelsesince","since":30}`, want: 30},
		{raw: `{"action":"whoelsesince","since":"45"}`, want: 45},
		{raw: `{"action":"whoelsesince","since":" 7 "}`, want: 7},
		{raw: `{"action":"whoelsesince","since":0}`, want: 0},
		{raw: `{"action":"whoelsesince"}`, wantErr: true},
		{raw: `{"action":"whoelsesince","since":"soon"}`, wantErr: true},
		{raw: `{"action":"whoelsesince","since":-5}`, wantErr: true},
		{raw: `{"action":"whoelsesince","since":1.5}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			var msg Message
			require.NoError(t, msg.Decode([]byte(tt.raw)), "a bad since still decodes")
			got, err := msg.SinceSeconds()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFrameTypeForMessages(t *testing.T) {
	events := []*Message{
		ReceiveMessageEvent("bob", "hi"),
		ReceiveBroadcastEvent("bob", "hi all"),
		LoginBroadcastEvent("bob"),
		LogoutBroadcastEvent("bob"),
		TimeoutEvent(),
	}
	for _, m := range events {
		assert.True(t, m.IsEvent(), m.Action)
		assert.Equal(t, uint8(TypeEvent), m.FrameType(), m.Action)
	}

	replies := []*Message{
		StatusResponse(ActionLogin, StatusSuccess),
		ReplyResponse(ActionLogout, ReplyLoggedOut),
		ReplyResponse(ActionWhoElse, []string{"alice"}),
		BroadcastResponse(2, 1),
	}
	for _, m := range replies {
		assert.False(t, m.IsEvent(), m.Action)
		assert.Equal(t, uint8(TypeResponse), m.FrameType(), m.Action)
	}
}

func TestResponseWireShape(t *testing.T) {
	data, err := BroadcastResponse(0, 0).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"broadcast","n_sent":0,"n_blocked":0}`, string(data))

	data, err = ReplyResponse(ActionWhoElse, []string{}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"whoelse","reply":[]}`, string(data))

	data, err = StatusResponse(ActionBlock, StatusUserNotExist).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"block","status":"USER_NOT_EXIST"}`, string(data))

	data, err = (&Message{Action: ActionWhoElseSince, Since: SinceValue(60)}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"whoelsesince","since":60}`, string(data))
}

func TestReplyAccessorsAfterDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, TypeResponse, ReplyResponse(ActionWhoElse, []string{"bob", "carol"})))
	require.NoError(t, WriteMessage(&buf, TypeResponse, ReplyResponse(ActionLogout, ReplyLoggedOut)))

	frameType, msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeResponse), frameType)
	assert.Equal(t, []string{"bob", "carol"}, msg.ReplyList())
	assert.Empty(t, msg.ReplyText())

	_, msg, err = ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, ReplyLoggedOut, msg.ReplyText())
	assert.Nil(t, msg.ReplyList())
}

func TestReadMessageBadPayload(t *testing.T) {
	raw, err := EncodeMessage(ProtocolVersion, TypeRequest, 0, []byte(`{"oops":true}`))
	require.NoError(t, err)

	frameType, msg, err := ReadMessage(bytes.NewReader(raw))
	assert.Error(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, uint8(TypeRequest), frameType, "frame type is reported even when the payload is bad")
}

func TestEncodeToWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, LoginBroadcastEvent("dave").EncodeTo(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "login_broadcast", decoded["action"])
	assert.Equal(t, "dave", decoded["from"])
}

func TestKnownAction(t *testing.T) {
	for _, action := range []string{ActionLogin, ActionWhoElseSince, ActionTimeout, ActionReceiveBroadcast} {
		assert.Equal(t, action, KnownAction(action))
	}
	for _, action := range []string{"", "LOGIN", "junk-1", ActionUnknown} {
		assert.Equal(t, ActionUnknown, KnownAction(action))
	}
}
