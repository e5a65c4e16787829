package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"livedesk/internal/config"
	"livedesk/pkg/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T, driver string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Archive.Driver = driver
	cfg.Archive.SQLite.DatabasePath = filepath.Join(t.TempDir(), "livedesk.db")
	return cfg
}

func readEvent(t *testing.T, ws *gws.Conn, event string) types.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env types.Envelope
		require.NoError(t, ws.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

func send(t *testing.T, ws *gws.Conn, event string, data interface{}) {
	t.Helper()
	env, err := types.NewEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = 0
	_, err := NewApplication(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.Archive.Driver = "cassandra"
	_, err = NewApplication(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestApplication_StartServeStop(t *testing.T) {
	for _, driver := range []string{"memory", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			a, err := NewApplication(ctx, testConfig(t, driver), nil)
			require.NoError(t, err)
			require.NoError(t, a.Start(ctx))

			resp, err := http.Get("http://" + a.Addr() + "/health")
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			ws, _, err := gws.DefaultDialer.Dial("ws://"+a.Addr()+"/ws", nil)
			require.NoError(t, err)
			defer ws.Close()

			send(t, ws, types.EventParticipantConnect, &types.ConnectRequest{ID: "client_1", Role: types.RoleClient})
			readEvent(t, ws, types.EventParticipantConnected)
			send(t, ws, types.EventChatRequest, &types.ChatRequest{})
			env := readEvent(t, ws, types.EventChatQueued)
			var queued types.ChatQueuedEvent
			require.NoError(t, json.Unmarshal(env.Data, &queued))

			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			require.NoError(t, a.Stop(stopCtx))

			env = readEvent(t, ws, types.EventChatEnded)
			var ended types.ChatEndedEvent
			require.NoError(t, json.Unmarshal(env.Data, &ended))
			assert.Equal(t, queued.SessionID, ended.SessionID)
			assert.Equal(t, types.EndShutdown, ended.Reason)

			assert.NoError(t, a.Stop(stopCtx), "second stop is a no-op")
		})
	}
}

func TestApplication_StartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t, "none")
	cfg.HTTP.Port = ln.Addr().(*net.TCPAddr).Port

	a, err := NewApplication(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Error(t, a.Start(context.Background()))
	assert.False(t, a.messageHub.IsRunning())
}

func TestApplication_SweepPrunesEndedSessions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "memory")
	cfg.Session.EndedRetention = time.Nanosecond

	a, err := NewApplication(ctx, cfg, nil)
	require.NoError(t, err)

	_, err = a.coordinator.Connect(ctx, &types.ConnectRequest{ID: "client_1", Role: types.RoleClient})
	require.NoError(t, err)
	s, err := a.coordinator.RequestChat(ctx, "client_1", nil)
	require.NoError(t, err)
	_, err = a.coordinator.EndSession(ctx, "client_1", s.ID)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	a.sweep()

	_, ok := a.coordinator.Session(s.ID)
	assert.False(t, ok)

	// the archived transcript survives the sweep
	tr, err := a.coordinator.Transcript(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EndCancelled, tr.Session.EndReason)
	require.NoError(t, a.Stop(ctx))
}

func TestNewApplication_WarnsWhenOperatorAuthDisabled(t *testing.T) {
	ctx := context.Background()
	for _, secret := range []string{"", "s3cret"} {
		core, logs := observer.New(zapcore.WarnLevel)
		cfg := testConfig(t, "none")
		cfg.Auth.JWTSecret = secret

		a, err := NewApplication(ctx, cfg, zap.New(core))
		require.NoError(t, err)
		warned := logs.FilterMessageSnippet("operator authentication disabled").Len()
		if secret == "" {
			assert.Equal(t, 1, warned)
		} else {
			assert.Zero(t, warned)
		}
		require.NoError(t, a.Stop(ctx))
	}
}
