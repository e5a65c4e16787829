package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedesk/internal/config"
	"livedesk/pkg/connection"
	"livedesk/pkg/facade"
	"livedesk/pkg/types"
)

func (e *env) get(t *testing.T, method, path, token string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.httpURL()+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestChat_ClientAndOperatorFullFlow(t *testing.T) {
	e := startServer(t, nil)

	c1, _ := e.customer(t, "client_c1")
	require.NoError(t, c1.RequestChat(map[string]string{"page": "/pricing"}))
	queued := decode[types.ChatQueuedEvent](t, expect(t, c1.Updates(), types.EventChatQueued))
	assert.Equal(t, 1, queued.Position)

	o1, _ := e.operator(t, "op_o1")
	require.Eventually(t, func() bool { return len(o1.ListQueue()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, queued.SessionID, o1.ListQueue()[0].ID)

	status := decode[types.OperatorStatusEvent](t, expectWhere(t, c1.Updates(), types.EventOperatorStatus, func(u facade.Update) bool {
		return decode[types.OperatorStatusEvent](t, u).Available
	}))
	assert.Equal(t, 1, status.Online)

	require.NoError(t, o1.AcceptSession(queued.SessionID))
	accepted := decode[types.ChatAcceptedEvent](t, expect(t, c1.Updates(), types.EventChatAccepted))
	assert.Equal(t, "op_o1", accepted.OperatorID)
	expect(t, o1.Updates(), types.EventSessionState)
	assert.Empty(t, o1.ListQueue())

	// client to operator
	cmid, err := c1.SendMessage("hi, I need help")
	require.NoError(t, err)
	ack := decode[types.MessageAckEvent](t, expect(t, c1.Updates(), types.EventMessageAck))
	assert.Equal(t, cmid, ack.ClientMessageID)
	assert.EqualValues(t, 1, ack.Seq)
	assert.Equal(t, types.DeliveryDelivered, ack.Status)
	got := decode[types.MessageReceivedEvent](t, expect(t, o1.Updates(), types.EventMessageReceived))
	assert.Equal(t, "hi, I need help", got.Text)
	assert.Equal(t, types.RoleClient, got.Role)

	// operator to client
	_, err = o1.SendMessage(queued.SessionID, "sure, what is up?")
	require.NoError(t, err)
	got = decode[types.MessageReceivedEvent](t, expect(t, c1.Updates(), types.EventMessageReceived))
	assert.Equal(t, "op_o1", got.From)
	assert.EqualValues(t, 2, got.Seq)
	assert.Empty(t, c1.Pending())

	token := e.token(t, "op_o1")
	code, body := e.get(t, http.MethodGet, "/api/sessions/"+queued.SessionID+"/history", token)
	require.Equal(t, http.StatusOK, code)
	var tr types.Transcript
	require.NoError(t, json.Unmarshal(body, &tr))
	require.Len(t, tr.Messages, 2)
	assert.EqualValues(t, 1, tr.Messages[0].Seq)
	assert.EqualValues(t, 2, tr.Messages[1].Seq)

	code, _ = e.get(t, http.MethodDelete, "/api/sessions/"+queued.SessionID+"/history", token)
	assert.Equal(t, http.StatusConflict, code, "active sessions keep their history")

	require.NoError(t, c1.EndChat())
	ended := decode[types.ChatEndedEvent](t, expect(t, c1.Updates(), types.EventChatEnded))
	assert.Equal(t, types.EndClientEnded, ended.Reason)
	ended = decode[types.ChatEndedEvent](t, expect(t, o1.Updates(), types.EventChatEnded))
	assert.Equal(t, queued.SessionID, ended.SessionID)
	assert.Empty(t, o1.Sessions())

	code, _ = e.get(t, http.MethodDelete, "/api/sessions/"+queued.SessionID+"/history", token)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.get(t, http.MethodGet, "/api/sessions/"+queued.SessionID+"/history", token)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.get(t, http.MethodGet, "/api/queue", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, body = e.get(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(string(body), "livedesk_sessions_created_total 1"))
}

func TestChat_TwoOperatorsRaceForOneSession(t *testing.T) {
	e := startServer(t, nil)

	c, _ := e.customer(t, "client_race")
	require.NoError(t, c.RequestChat(nil))
	queued := decode[types.ChatQueuedEvent](t, expect(t, c.Updates(), types.EventChatQueued))

	ops := make([]*facade.Operator, 2)
	ops[0], _ = e.operator(t, "op_a")
	ops[1], _ = e.operator(t, "op_b")

	var wg sync.WaitGroup
	for _, o := range ops {
		wg.Add(1)
		go func(o *facade.Operator) {
			defer wg.Done()
			_ = o.AcceptSession(queued.SessionID)
		}(o)
	}
	wg.Wait()

	outcome := func(o *facade.Operator) string {
		timeout := time.After(3 * time.Second)
		for {
			select {
			case u := <-o.Updates():
				switch {
				case u.Event == types.EventSessionState:
					return "won"
				case u.Err != nil && u.Err.Code == types.CodeAssignmentConflict:
					return "conflict"
				}
			case <-timeout:
				return "timeout"
			}
		}
	}
	results := []string{outcome(ops[0]), outcome(ops[1])}
	assert.ElementsMatch(t, []string{"won", "conflict"}, results)

	accepted := decode[types.ChatAcceptedEvent](t, expect(t, c.Updates(), types.EventChatAccepted))
	winner := "op_a"
	if results[1] == "won" {
		winner = "op_b"
	}
	assert.Equal(t, winner, accepted.OperatorID)
}

func TestChat_GraceExpiryAbandonsAndNextRequestIsNewSession(t *testing.T) {
	e := startServer(t, func(cfg *config.Config) {
		cfg.Session.ClientGracePeriod = 50 * time.Millisecond
	})

	c, conn := e.customer(t, "client_gone")
	require.NoError(t, c.RequestChat(nil))
	first := decode[types.ChatQueuedEvent](t, expect(t, c.Updates(), types.EventChatQueued))

	o, _ := e.operator(t, "op_grace")
	require.NoError(t, o.AcceptSession(first.SessionID))
	expect(t, o.Updates(), types.EventSessionState)

	require.NoError(t, conn.Disconnect())
	ended := decode[types.ChatEndedEvent](t, expect(t, o.Updates(), types.EventChatEnded))
	assert.Equal(t, first.SessionID, ended.SessionID)
	assert.Equal(t, types.EndAbandoned, ended.Reason)

	again, _ := e.customer(t, "client_gone")
	assert.Empty(t, again.SessionID())
	require.NoError(t, again.RequestChat(nil))
	second := decode[types.ChatQueuedEvent](t, expect(t, again.Updates(), types.EventChatQueued))
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestChat_ReattachWithinGraceKeepsSessionAndReplays(t *testing.T) {
	e := startServer(t, nil)

	c, conn := e.customer(t, "client_back")
	require.NoError(t, c.RequestChat(nil))
	queued := decode[types.ChatQueuedEvent](t, expect(t, c.Updates(), types.EventChatQueued))

	o, _ := e.operator(t, "op_replay")
	require.NoError(t, o.AcceptSession(queued.SessionID))
	expect(t, c.Updates(), types.EventChatAccepted)
	expect(t, o.Updates(), types.EventSessionState)

	_, err := c.SendMessage("before the drop")
	require.NoError(t, err)
	expect(t, c.Updates(), types.EventMessageAck)
	lastSeq := c.LastSeq()

	require.NoError(t, conn.Disconnect())
	expectWhere(t, o.Updates(), types.EventParticipantUpdated, func(u facade.Update) bool {
		p := decode[types.Participant](t, u)
		return p.ID == "client_back" && !p.Online
	})

	// the operator keeps writing while the client is away
	_, err = o.SendMessage(queued.SessionID, "still there?")
	require.NoError(t, err)
	ack := decode[types.MessageAckEvent](t, expect(t, o.Updates(), types.EventMessageAck))
	assert.Equal(t, types.DeliverySent, ack.Status)

	bus, _ := e.dial(t, connection.Options{})
	back := facade.NewCustomer(bus, facade.CustomerOptions{ID: "client_back"})
	t.Cleanup(back.Close)
	require.NoError(t, bus.Emit(types.EventParticipantConnect, &types.ConnectRequest{
		ID: "client_back", Role: types.RoleClient, LastSeq: lastSeq,
	}))
	connected := decode[types.ConnectedEvent](t, expect(t, back.Updates(), types.EventParticipantConnected))
	assert.True(t, connected.Resumed)
	require.NotNil(t, connected.Session)
	assert.Equal(t, queued.SessionID, connected.Session.ID)
	require.Len(t, connected.Messages, 1)
	assert.Equal(t, "still there?", connected.Messages[0].Text)
	assert.Equal(t, queued.SessionID, back.SessionID())

	_, err = back.SendMessage("I'm back")
	require.NoError(t, err)
	ack = decode[types.MessageAckEvent](t, expect(t, back.Updates(), types.EventMessageAck))
	assert.EqualValues(t, 3, ack.Seq)
}

func TestChat_HeartbeatKeepsLinkFresh(t *testing.T) {
	e := startServer(t, nil)

	_, conn := e.dial(t, connection.Options{
		HeartbeatInterval: 20 * time.Millisecond,
		StaleTimeout:      200 * time.Millisecond,
	})
	require.Eventually(t, func() bool {
		return !conn.LastHeartbeat().IsZero()
	}, time.Second, 5*time.Millisecond)

	// pongs count as inbound traffic
	time.Sleep(300 * time.Millisecond)
	assert.False(t, conn.IsStale())

	require.NoError(t, conn.Disconnect())
	last := conn.LastHeartbeat()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, last, conn.LastHeartbeat())
}
