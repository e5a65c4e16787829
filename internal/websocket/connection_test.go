package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livedesk/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newConnPair returns the server side and the dialing side of one websocket.
func newConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial test server: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-serverSide:
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
		return nil, nil
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) types.Envelope {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var env types.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return env
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	serverWS, _ := newConnPair(t)
	conn := NewConnection(serverWS, 0, 0)
	defer conn.Close()

	if conn.ID() == "" {
		t.Error("connection should have an id")
	}
	if cap(conn.writeCh) != 100 {
		t.Errorf("default buffer = %d, want 100", cap(conn.writeCh))
	}
	if conn.writeTimeout != 5*time.Second {
		t.Errorf("default write timeout = %v, want 5s", conn.writeTimeout)
	}
	if conn.ParticipantID() != "" {
		t.Error("fresh connection should be anonymous")
	}
}

func TestConnection_BindAndSend(t *testing.T) {
	serverWS, clientWS := newConnPair(t)
	conn := NewConnection(serverWS, 10, time.Second)
	defer conn.Close()

	conn.Bind("client_1", types.RoleClient)
	if conn.ParticipantID() != "client_1" || conn.Role() != types.RoleClient {
		t.Fatalf("Bind did not stick: %s/%s", conn.ParticipantID(), conn.Role())
	}

	if err := conn.Send(types.EventChatQueued, &types.ChatQueuedEvent{SessionID: "s1", Position: 1}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	env := readEnvelope(t, clientWS)
	if env.Event != types.EventChatQueued {
		t.Errorf("event = %s, want chat:queued", env.Event)
	}
	var data types.ChatQueuedEvent
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.SessionID != "s1" || data.Position != 1 {
		t.Errorf("data = %+v", data)
	}
}

func TestConnection_WriteJSONInvalidData(t *testing.T) {
	serverWS, _ := newConnPair(t)
	conn := NewConnection(serverWS, 10, time.Second)
	defer conn.Close()

	if err := conn.WriteJSON(make(chan int)); err != ErrInvalidJSON {
		t.Errorf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestConnection_CloseIdempotentAndWriteAfterClose(t *testing.T) {
	serverWS, _ := newConnPair(t)
	conn := NewConnection(serverWS, 10, time.Second)

	if err := conn.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done should be closed after Close")
	}

	if err := conn.WriteJSON(map[string]string{"a": "b"}); err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_FullBufferClosesSlowConsumer(t *testing.T) {
	serverWS, _ := newConnPair(t)
	conn := &Connection{
		conn:         serverWS,
		writeCh:      make(chan []byte, 1),
		writeTimeout: time.Second,
	}
	conn.ctx, conn.cancel = contextPair()
	defer conn.Close()

	// no writer goroutine: the second frame cannot be queued
	if err := conn.WriteJSON("one"); err != nil {
		t.Fatalf("first write: %v", err)
	}
	start := time.Now()
	if err := conn.WriteJSON("two"); err != ErrSendBufferFull {
		t.Errorf("expected ErrSendBufferFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("full buffer blocked the caller for %v", elapsed)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("slow consumer should be closed")
	}
	if err := conn.WriteJSON("three"); err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_ConcurrentWritesArriveWhole(t *testing.T) {
	serverWS, clientWS := newConnPair(t)
	conn := NewConnection(serverWS, 100, time.Second)
	defer conn.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := conn.Send(types.EventPong, map[string]int{"i": i}); err != nil {
				t.Errorf("Send %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if env := readEnvelope(t, clientWS); env.Event != types.EventPong {
			t.Fatalf("frame %d event = %s", i, env.Event)
		}
	}
}

func contextPair() (ctx context.Context, cancel context.CancelFunc) {
	return context.WithCancel(context.Background())
}

func TestConnection_DrainFlushesQueuedFrames(t *testing.T) {
	serverWS, clientWS := newConnPair(t)
	conn := &Connection{
		conn:         serverWS,
		writeCh:      make(chan []byte, 10),
		writeTimeout: time.Second,
		drain:        make(chan struct{}),
	}
	conn.ctx, conn.cancel = contextPair()

	// queue before the writer starts so the frames are still buffered at drain time
	for i := 0; i < 3; i++ {
		if err := conn.Send(types.EventChatEnded, &types.ChatEndedEvent{SessionID: "s1", Reason: types.EndShutdown}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	go conn.writeLoop()
	conn.Drain(time.Second)

	for i := 0; i < 3; i++ {
		if env := readEnvelope(t, clientWS); env.Event != types.EventChatEnded {
			t.Fatalf("frame %d = %s, want chat:ended", i, env.Event)
		}
	}
	_, _, err := clientWS.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Done should be closed after Drain")
	}
}
