// Package connection is the client side of the websocket transport: a dial
// loop with bounded retries, a heartbeat and optional auto-reconnect.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livedesk/pkg/types"
)

// Status of a Conn.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusErrored    Status = "errored"
)

// Options configures a Conn. Zero values select the defaults documented on
// each field.
type Options struct {
	// MaxAttempts bounds a dial loop. Default 5.
	MaxAttempts int
	// RetryDelay is the first wait between attempts, doubled each time. Default 1s.
	RetryDelay time.Duration
	// MaxRetryDelay caps the wait. Default 5s.
	MaxRetryDelay time.Duration
	// HeartbeatInterval between pings while open. Default 25s.
	HeartbeatInterval time.Duration
	// StaleTimeout is how long without inbound traffic IsStale tolerates. Default 60s.
	StaleTimeout time.Duration
	// WriteTimeout per frame. Default 5s.
	WriteTimeout time.Duration
	// AutoReconnect re-runs the dial loop after an unexpected drop.
	AutoReconnect bool

	Header http.Header
	Dialer *websocket.Dialer
	Logger *zap.Logger

	OnOpen    func(c *Conn)
	OnClose   func(c *Conn, err error)
	OnError   func(c *Conn, err error)
	OnMessage func(c *Conn, raw []byte)
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Conn is one logical link to the server. With AutoReconnect the same Conn
// survives transport drops. Safe for concurrent use.
type Conn struct {
	id       string
	endpoint string
	opts     Options
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ws     *websocket.Conn
	status Status

	// writeMu serializes frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	lastSeen      atomic.Int64
	lastHeartbeat atomic.Int64
	closeOnce     sync.Once
}

// Connect dials endpoint, retrying with exponential backoff. On exhaustion
// OnError fires with a *ConnectionError and the same error is returned.
func Connect(ctx context.Context, endpoint string, opts Options) (*Conn, error) {
	opts.setDefaults()
	cctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:       uuid.NewString(),
		endpoint: endpoint,
		opts:     opts,
		logger:   opts.Logger.Named("connection"),
		ctx:      cctx,
		cancel:   cancel,
		status:   StatusConnecting,
	}

	// the caller's ctx bounds the first dial only
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		connecting := c.status == StatusConnecting
		c.mu.Unlock()
		if connecting {
			cancel()
		}
	})
	err := c.open()
	stop()
	if err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// open runs the dial loop and starts the link goroutines.
func (c *Conn) open() error {
	c.setStatus(StatusConnecting)

	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.opts.MaxRetryDelay

	ws, err := backoff.Retry(c.ctx, func() (*websocket.Conn, error) {
		attempts++
		ws, resp, err := c.opts.Dialer.DialContext(c.ctx, c.endpoint, c.opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return ws, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("dial failed, retrying",
				zap.String("endpoint", c.endpoint),
				zap.Int("attempt", attempts),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		if c.ctx.Err() != nil {
			// Disconnect or the caller's ctx stopped the loop
			return &ConnectionError{Endpoint: c.endpoint, Attempts: attempts, Err: ErrClosed}
		}
		cerr := &ConnectionError{
			Endpoint:  c.endpoint,
			Attempts:  attempts,
			Exhausted: attempts >= c.opts.MaxAttempts,
			Err:       err,
		}
		c.setStatus(StatusErrored)
		c.logger.Warn("connection failed", zap.Error(cerr))
		if c.opts.OnError != nil {
			c.opts.OnError(c, cerr)
		}
		return cerr
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		ws.Close()
		return &ConnectionError{Endpoint: c.endpoint, Attempts: attempts, Err: ErrClosed}
	}
	c.ws = ws
	c.status = StatusOpen
	c.mu.Unlock()

	c.touch()
	done := make(chan struct{})
	go c.readLoop(ws, done)
	go c.heartbeat(ws, done)

	c.logger.Info("connection open", zap.String("endpoint", c.endpoint), zap.Int("attempts", attempts))
	if c.opts.OnOpen != nil {
		c.opts.OnOpen(c)
	}
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.dropped(ws, err)
			return
		}
		c.touch()
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(c, data)
		}
	}
}

// dropped handles a link that ended without Disconnect.
func (c *Conn) dropped(ws *websocket.Conn, err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.status = StatusClosed
	c.mu.Unlock()
	ws.Close()

	c.logger.Info("connection dropped", zap.String("endpoint", c.endpoint), zap.Error(err))
	if c.opts.OnClose != nil {
		c.opts.OnClose(c, err)
	}
	if c.opts.AutoReconnect {
		go func() { _ = c.open() }()
	}
}

// heartbeat pings until the link ends or the Conn is disconnected.
// Failures are logged only; the read side detects dead links.
func (c *Conn) heartbeat(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ws, types.EventPing, nil); err != nil {
				c.logger.Debug("heartbeat failed", zap.Error(err))
				continue
			}
			c.lastHeartbeat.Store(time.Now().UnixNano())
		}
	}
}

// Emit sends one event envelope on the current link.
func (c *Conn) Emit(event string, data interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.write(ws, event, data)
}

func (c *Conn) write(ws *websocket.Conn, event string, data interface{}) error {
	env, err := types.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, raw)
}

// Disconnect closes the link for good. Timers stop, no retry follows and
// OnClose fires once with a nil error.
func (c *Conn) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		// holding writeMu while cancelling guarantees no frame follows
		c.writeMu.Lock()
		c.cancel()
		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.status = StatusClosed
		c.mu.Unlock()
		if ws != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			err = ws.Close()
		}
		c.writeMu.Unlock()

		c.logger.Info("connection closed", zap.String("endpoint", c.endpoint))
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, nil)
		}
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return err
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastHeartbeat is the time of the last successful ping, zero before the first.
func (c *Conn) LastHeartbeat() time.Time {
	n := c.lastHeartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// IsStale reports no inbound traffic within StaleTimeout.
func (c *Conn) IsStale() bool {
	return time.Since(time.Unix(0, c.lastSeen.Load())) > c.opts.StaleTimeout
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	if c.ctx.Err() == nil {
		c.status = s
	}
	c.mu.Unlock()
}
