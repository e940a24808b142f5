package server

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/protocol"
)

func requestFrame(t *testing.T, msg *protocol.Message) *protocol.Frame {
	t.Helper()
	payload, err := msg.Encode()
	require.NoError(t, err)
	return &protocol.Frame{Version: protocol.ProtocolVersion, Type: protocol.TypeRequest, Payload: payload}
}

// seriesCount returns how many label combinations a metric family has.
func seriesCount(t *testing.T, m *Metrics, name string) int {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return len(mf.GetMetric())
		}
	}
	return 0
}

func TestUnrecognizedActionsShareOneSeries(t *testing.T) {
	srv := newTestServer(t, false)
	sess, client := newPipeSession(t, srv.sessions)

	const junk = 50
	for i := 0; i < junk; i++ {
		srv.handleFrame(sess, requestFrame(t, &protocol.Message{Action: fmt.Sprintf("junk-%d", i)}))
	}
	srv.handleFrame(sess, requestFrame(t, &protocol.Message{Action: protocol.ActionWhoElse}))

	for i := 0; i < junk+1; i++ {
		_, msg, err := protocol.ReadMessage(client)
		require.NoError(t, err)
		if i < junk {
			assert.Equal(t, protocol.ReplyUnknownAction, msg.ReplyText())
		}
	}

	m := srv.Metrics()
	assert.Equal(t, 2, seriesCount(t, m, "relaychat_requests_total"))
	assert.Equal(t, float64(junk), metricValue(t, m, "relaychat_requests_total", "action", protocol.ActionUnknown))
	assert.Equal(t, 1.0, metricValue(t, m, "relaychat_requests_total", "action", protocol.ActionWhoElse))

	require.Eventually(t, func() bool {
		return metricValue(t, m, "relaychat_messages_sent_total", "action", protocol.ActionUnknown) == junk
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, seriesCount(t, m, "relaychat_messages_sent_total"))
}

func TestLoginAfterLogoutOnSameConnectionIsIgnored(t *testing.T) {
	srv := newTestServer(t, false)
	sess, client := newPipeSession(t, srv.sessions)

	srv.handleFrame(sess, requestFrame(t, &protocol.Message{
		Action: protocol.ActionLogin, Username: "alice", Password: journeyPassword("alice"),
	}))
	srv.handleFrame(sess, requestFrame(t, &protocol.Message{Action: protocol.ActionLogout}))
	srv.handleFrame(sess, requestFrame(t, &protocol.Message{
		Action: protocol.ActionLogin, Username: "bob", Password: journeyPassword("bob"),
	}))

	state, _ := srv.dir.User("bob")
	assert.False(t, state.Online, "a closing connection cannot be bound again")
	assert.Empty(t, srv.dir.Online())

	_, msg, err := protocol.ReadMessage(client)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, msg.Status)
	_, msg, err = protocol.ReadMessage(client)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyLoggedOut, msg.ReplyText())

	_, _, err = protocol.ReadMessage(client)
	assert.ErrorIs(t, err, io.EOF)
	waitWriter(t, sess)
}
