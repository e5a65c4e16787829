package integration

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"livedesk/internal/app"
	"livedesk/internal/auth"
	"livedesk/internal/config"
	"livedesk/pkg/connection"
	"livedesk/pkg/facade"
	"livedesk/pkg/types"
)

const testSecret = "integration-secret"

type env struct {
	app      *app.Application
	verifier *auth.Verifier
}

func startServer(t *testing.T, tune func(*config.Config)) *env {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = port
	cfg.Archive.Driver = "sqlite"
	cfg.Archive.SQLite.DatabasePath = filepath.Join(t.TempDir(), "livedesk.db")
	cfg.Auth.JWTSecret = testSecret
	cfg.Metrics.Enabled = true
	if tune != nil {
		tune(cfg)
	}

	a, err := app.NewApplication(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})

	v, err := auth.NewVerifier(testSecret, cfg.Auth.Issuer)
	require.NoError(t, err)
	return &env{app: a, verifier: v}
}

func (e *env) wsURL() string   { return "ws://" + e.app.Addr() + "/ws" }
func (e *env) httpURL() string { return "http://" + e.app.Addr() }

func (e *env) dial(t *testing.T, opts connection.Options) (*facade.Bus, *connection.Conn) {
	t.Helper()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	bus, conn, err := facade.Dial(context.Background(), e.wsURL(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Disconnect() })
	return bus, conn
}

func (e *env) customer(t *testing.T, id string) (*facade.Customer, *connection.Conn) {
	t.Helper()
	bus, conn := e.dial(t, connection.Options{})
	c := facade.NewCustomer(bus, facade.CustomerOptions{ID: id, Name: id})
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect())
	expect(t, c.Updates(), types.EventParticipantConnected)
	return c, conn
}

func (e *env) token(t *testing.T, operatorID string) string {
	t.Helper()
	tok, err := e.verifier.Issue(operatorID, operatorID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) operator(t *testing.T, id string) (*facade.Operator, *connection.Conn) {
	t.Helper()
	bus, conn := e.dial(t, connection.Options{})
	o := facade.NewOperator(bus, facade.OperatorOptions{ID: id, Name: id, Token: e.token(t, id)})
	t.Cleanup(o.Close)
	require.NoError(t, o.Connect())
	expect(t, o.Updates(), types.EventQueueSnapshot)
	return o, conn
}

// expect waits for event on ch, skipping other updates.
func expect(t *testing.T, ch <-chan facade.Update, event string) facade.Update {
	t.Helper()
	return expectWhere(t, ch, event, nil)
}

// expectWhere waits for an event update that also satisfies match.
func expectWhere(t *testing.T, ch <-chan facade.Update, event string, match func(facade.Update) bool) facade.Update {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			require.True(t, ok, "update stream closed while waiting for %s", event)
			if u.Event == event && (match == nil || match(u)) {
				return u
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func decode[T any](t *testing.T, u facade.Update) T {
	t.Helper()
	var v T
	require.NoError(t, u.Decode(&v))
	return v
}
