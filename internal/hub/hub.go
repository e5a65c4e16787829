package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"livedesk/internal/websocket"
)

// Dispatcher handles events in hub order. The router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *websocket.Connection, data []byte)
	Disconnected(ctx context.Context, conn *websocket.Connection)
}

// inbound is a frame or a disconnect notice waiting for the loop.
type inbound struct {
	conn       *websocket.Connection
	data       []byte
	disconnect bool
	received   time.Time
}

// Hub serializes every inbound event of every connection through one goroutine.
type Hub struct {
	events     chan *inbound
	shutdown   chan struct{}
	done       chan struct{}
	dispatcher Dispatcher
	logger     *zap.Logger

	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub. bufferSize <= 0 selects 1000 queued events.
func NewHub(dispatcher Dispatcher, bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		events:     make(chan *inbound, bufferSize),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		dispatcher: dispatcher,
		logger:     logger.Named("hub"),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	h.logger.Info("starting event hub")
	go h.run(ctx)
	return nil
}

// Stop signals the loop and waits for the event in flight to finish.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
	h.mu.Unlock()

	<-h.done
	h.logger.Info("event hub stopped")
	return nil
}

func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Receive queues a frame. It blocks while the queue is full so a busy hub
// slows readers down instead of dropping frames.
func (h *Hub) Receive(conn *websocket.Connection, data []byte) {
	h.enqueue(&inbound{conn: conn, data: data, received: time.Now()})
}

// Disconnected queues a disconnect notice behind the frames already read.
func (h *Hub) Disconnected(conn *websocket.Connection) {
	h.enqueue(&inbound{conn: conn, disconnect: true, received: time.Now()})
}

func (h *Hub) enqueue(ev *inbound) {
	if !h.IsRunning() {
		h.logger.Debug("hub not running, dropping event", zap.String("conn", ev.conn.ID()))
		return
	}
	select {
	case h.events <- ev:
	case <-h.shutdown:
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case ev := <-h.events:
			h.handle(ctx, ev)

		case <-h.shutdown:
			h.logger.Debug("hub shutdown requested")
			return

		case <-ctx.Done():
			h.logger.Debug("hub context cancelled")
			h.mu.Lock()
			h.running = false
			select {
			case <-h.shutdown:
			default:
				close(h.shutdown)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handle(ctx context.Context, ev *inbound) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked",
				zap.String("conn", ev.conn.ID()),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	if ev.disconnect {
		h.dispatcher.Disconnected(ctx, ev.conn)
		return
	}
	h.dispatcher.Dispatch(ctx, ev.conn, ev.data)

	if wait := time.Since(ev.received); wait > time.Second {
		h.logger.Warn("slow event handling", zap.Duration("elapsed", wait), zap.String("conn", ev.conn.ID()))
	}
}
