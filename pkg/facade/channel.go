// Package facade offers the two role views of a chat, Customer and Operator,
// over one shared event channel.
package facade

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"livedesk/pkg/connection"
)

// EventOpen is dispatched locally by Bus each time the transport opens. It
// never crosses the wire.
const EventOpen = "connection:open"

// Channel is the capability both facades are built on.
type Channel interface {
	Emit(event string, data interface{}) error
	// Subscribe registers handler for event and returns its cancel func.
	Subscribe(event string, handler func(data json.RawMessage)) func()
}

// Emitter is anything that can send an envelope, usually *connection.Conn.
type Emitter interface {
	Emit(event string, data interface{}) error
}

// Bus fans inbound frames out to subscribers by event name.
type Bus struct {
	mu       sync.RWMutex
	emitter  Emitter
	handlers map[string]map[int]func(json.RawMessage)
	nextID   int
}

func NewBus(emitter Emitter) *Bus {
	return &Bus{
		emitter:  emitter,
		handlers: make(map[string]map[int]func(json.RawMessage)),
	}
}

// Dial connects to endpoint and returns a Bus fed by the connection. Any
// OnOpen and OnMessage already set in opts still run.
func Dial(ctx context.Context, endpoint string, opts connection.Options) (*Bus, *connection.Conn, error) {
	bus := NewBus(nil)
	onOpen, onMessage := opts.OnOpen, opts.OnMessage
	opts.OnOpen = func(c *connection.Conn) {
		bus.setEmitter(c)
		if onOpen != nil {
			onOpen(c)
		}
		bus.publish(EventOpen, nil)
	}
	opts.OnMessage = func(c *connection.Conn, raw []byte) {
		if onMessage != nil {
			onMessage(c, raw)
		}
		bus.Dispatch(raw)
	}
	conn, err := connection.Connect(ctx, endpoint, opts)
	if err != nil {
		return nil, nil, err
	}
	return bus, conn, nil
}

func (b *Bus) setEmitter(e Emitter) {
	b.mu.Lock()
	b.emitter = e
	b.mu.Unlock()
}

func (b *Bus) Emit(event string, data interface{}) error {
	b.mu.RLock()
	e := b.emitter
	b.mu.RUnlock()
	if e == nil {
		return connection.ErrNotConnected
	}
	return e.Emit(event, data)
}

func (b *Bus) Subscribe(event string, handler func(json.RawMessage)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]func(json.RawMessage))
	}
	b.handlers[event][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[event], id)
			b.mu.Unlock()
		})
	}
}

// Dispatch routes one raw envelope. Frames without an event name are dropped.
func (b *Bus) Dispatch(raw []byte) {
	if !gjson.ValidBytes(raw) {
		return
	}
	event := gjson.GetBytes(raw, "event").String()
	if event == "" {
		return
	}
	var data json.RawMessage
	if d := gjson.GetBytes(raw, "data"); d.Exists() {
		data = json.RawMessage(d.Raw)
	}
	b.publish(event, data)
}

func (b *Bus) publish(event string, data json.RawMessage) {
	b.mu.RLock()
	hs := make([]func(json.RawMessage), 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(data)
	}
}
