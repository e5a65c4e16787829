package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"livedesk/pkg/types"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// testServer upgrades every request and counts the events it reads.
type testServer struct {
	*httptest.Server
	pings    atomic.Int32
	accepted atomic.Int32
	mu       sync.Mutex
	events   []string
	conns    []*websocket.Conn
	// reject answers the first n handshakes with 403
	reject atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.reject.Add(-1) >= 0 {
			http.Error(w, "nope", http.StatusForbidden)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.accepted.Add(1)
		ts.mu.Lock()
		ts.conns = append(ts.conns, ws)
		ts.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			event := gjson.GetBytes(data, "event").String()
			if event == types.EventPing {
				ts.pings.Add(1)
				_ = ws.WriteJSON(&types.Envelope{Event: types.EventPong})
				continue
			}
			ts.mu.Lock()
			ts.events = append(ts.events, event)
			ts.mu.Unlock()
			_ = ws.WriteMessage(websocket.TextMessage, data)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, ws := range ts.conns {
		_ = ws.Close()
	}
	ts.conns = nil
}

func (ts *testServer) received() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.events...)
}

func fastOptions() Options {
	return Options{
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 4 * time.Millisecond,
	}
}

func TestConnect_OpenEmitAndReceive(t *testing.T) {
	ts := newTestServer(t)

	var opened atomic.Int32
	got := make(chan []byte, 1)
	opts := fastOptions()
	opts.OnOpen = func(*Conn) { opened.Add(1) }
	opts.OnMessage = func(_ *Conn, raw []byte) { got <- raw }

	c, err := Connect(context.Background(), ts.url(), opts)
	require.NoError(t, err)
	defer c.Disconnect()

	assert.Equal(t, StatusOpen, c.Status())
	assert.EqualValues(t, 1, opened.Load())
	assert.NotEmpty(t, c.ID())

	require.NoError(t, c.Emit(types.EventChatRequest, &types.ChatRequest{ClientID: "client_1"}))
	select {
	case raw := <-got:
		assert.Equal(t, types.EventChatRequest, gjson.GetBytes(raw, "event").String())
		assert.Equal(t, "client_1", gjson.GetBytes(raw, "data.clientId").String())
	case <-time.After(2 * time.Second):
		t.Fatal("echo never arrived")
	}
}

func TestConnect_GivesUpAfterMaxAttempts(t *testing.T) {
	ts := newTestServer(t)
	url := ts.url()
	ts.Close()

	var onError []error
	opts := fastOptions()
	opts.OnError = func(_ *Conn, err error) { onError = append(onError, err) }

	c, err := Connect(context.Background(), url, opts)
	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrMaxAttempts)

	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 3, cerr.Attempts)
	assert.Contains(t, cerr.Error(), "after 3 attempts")

	require.Len(t, onError, 1)
	assert.ErrorIs(t, onError[0], ErrMaxAttempts)
}

func TestConnect_RetriesRejectedHandshake(t *testing.T) {
	ts := newTestServer(t)
	ts.reject.Store(2)

	opts := fastOptions()
	opts.MaxAttempts = 5
	c, err := Connect(context.Background(), ts.url(), opts)
	require.NoError(t, err)
	defer c.Disconnect()
	assert.EqualValues(t, 1, ts.accepted.Load())
}

func TestConnect_CallerContextStopsDialLoop(t *testing.T) {
	ts := newTestServer(t)
	ts.reject.Store(100)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	opts := fastOptions()
	opts.MaxAttempts = 1000
	opts.RetryDelay = 10 * time.Millisecond
	opts.MaxRetryDelay = 10 * time.Millisecond

	_, err := Connect(ctx, ts.url(), opts)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMaxAttempts)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHeartbeat_StopsAfterDisconnect(t *testing.T) {
	ts := newTestServer(t)

	opts := fastOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	c, err := Connect(context.Background(), ts.url(), opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ts.pings.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.LastHeartbeat().IsZero())

	require.NoError(t, c.Disconnect())
	time.Sleep(20 * time.Millisecond)
	after := ts.pings.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, ts.pings.Load(), "no heartbeat after disconnect")
}

func TestDisconnect_TerminalAndIdempotent(t *testing.T) {
	ts := newTestServer(t)

	var closes []error
	var mu sync.Mutex
	opts := fastOptions()
	opts.AutoReconnect = true
	opts.OnClose = func(_ *Conn, err error) {
		mu.Lock()
		closes = append(closes, err)
		mu.Unlock()
	}
	c, err := Connect(context.Background(), ts.url(), opts)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, StatusClosed, c.Status())
	assert.ErrorIs(t, c.Emit(types.EventPing, nil), ErrNotConnected)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closes, 1)
	assert.NoError(t, closes[0])
	assert.EqualValues(t, 1, ts.accepted.Load(), "explicit close is never retried")
}

func TestAutoReconnect_ReusesConn(t *testing.T) {
	ts := newTestServer(t)

	var opened, closed atomic.Int32
	opts := fastOptions()
	opts.AutoReconnect = true
	opts.OnOpen = func(*Conn) { opened.Add(1) }
	opts.OnClose = func(_ *Conn, err error) {
		if err != nil {
			closed.Add(1)
		}
	}
	c, err := Connect(context.Background(), ts.url(), opts)
	require.NoError(t, err)
	defer c.Disconnect()
	id := c.ID()

	ts.dropAll()
	require.Eventually(t, func() bool { return opened.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, closed.Load())
	assert.Equal(t, id, c.ID())
	assert.Equal(t, StatusOpen, c.Status())

	require.NoError(t, c.Emit(types.EventChatEnd, &types.SessionRef{SessionID: "s1"}))
	require.Eventually(t, func() bool {
		return len(ts.received()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIsStale(t *testing.T) {
	ts := newTestServer(t)

	opts := fastOptions()
	opts.StaleTimeout = 20 * time.Millisecond
	c, err := Connect(context.Background(), ts.url(), opts)
	require.NoError(t, err)
	defer c.Disconnect()

	assert.False(t, c.IsStale())
	assert.Eventually(t, c.IsStale, time.Second, 5*time.Millisecond)
}

func TestConnectionError_Is(t *testing.T) {
	base := errors.New("dial tcp: refused")
	exhausted := &ConnectionError{Endpoint: "ws://x", Attempts: 5, Exhausted: true, Err: base}
	assert.ErrorIs(t, exhausted, ErrMaxAttempts)
	assert.ErrorIs(t, exhausted, base)

	wrapped := fmt.Errorf("customer: %w", exhausted)
	assert.ErrorIs(t, wrapped, ErrMaxAttempts)

	assert.NotErrorIs(t, &ConnectionError{Err: base}, ErrMaxAttempts)
}
