package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livedesk/pkg/types"
)

// Connection is one server-side websocket link. All writes go through a
// single writer goroutine.
type Connection struct {
	id            string
	conn          *websocket.Conn
	writeCh       chan []byte
	writeTimeout  time.Duration
	participantID string
	role          types.Role
	lastSeen      time.Time
	ctx           context.Context
	cancel        context.CancelFunc
	drain         chan struct{}
	closeOnce     sync.Once
	drainOnce     sync.Once
	mu            sync.RWMutex
}

// NewConnection wraps conn and starts its writer. bufferSize and writeTimeout
// fall back to 100 frames and 5 seconds.
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		lastSeen:     time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		drain:        make(chan struct{}),
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	defer c.Close()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.drain:
			c.flush()
			return

		case <-c.ctx.Done():
			return
		}
	}
}

// flush writes whatever is still buffered and sends a close frame.
func (c *Connection) flush() {
	deadline := time.Now().Add(c.writeTimeout)
	for {
		select {
		case data := <-c.writeCh:
			_ = c.conn.SetWriteDeadline(deadline)
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// WriteJSON queues v for the writer without blocking. A peer that lets its
// buffer fill up is closed; its disconnect then goes through the normal path.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		_ = c.Close()
		return ErrSendBufferFull
	}
}

// Send wraps data in an envelope and queues it.
func (c *Connection) Send(event string, data interface{}) error {
	env, err := types.NewEnvelope(event, data)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.WriteJSON(env)
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Drain flushes frames already queued, sends a close frame and closes the
// link. It gives up after timeout.
func (c *Connection) Drain(timeout time.Duration) {
	c.drainOnce.Do(func() { close(c.drain) })
	select {
	case <-c.ctx.Done():
	case <-time.After(timeout):
		_ = c.Close()
	}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) ID() string {
	return c.id
}

// Bind attaches the connection to a participant after participant:connect.
func (c *Connection) Bind(participantID string, role types.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participantID = participantID
	c.role = role
}

func (c *Connection) ParticipantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

func (c *Connection) Role() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// Touch records inbound traffic.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Connection) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}
