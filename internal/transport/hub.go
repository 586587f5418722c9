package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

const hubSendBuffer = 256

type hubMessage struct {
	channel string
	raw     []byte
}

// Hub is an in-process broadcast transport. Every subscriber of a channel,
// the publisher included, receives each published message on its own
// goroutine. Tests use SetDropFilter, SetOffline and Kick to simulate the
// failure modes of a real network.
type Hub struct {
	channels   map[string]map[*hubConn]bool
	broadcast  chan hubMessage
	register   chan *hubConn
	unregister chan *hubConn
	kick       chan string
	done       chan struct{}
	stopOnce   sync.Once

	mu      sync.Mutex
	drop    func(channel string, env Envelope) bool
	openErr error
}

// NewHub creates a hub and starts its run loop.
func NewHub() *Hub {
	h := &Hub{
		channels:   make(map[string]map[*hubConn]bool),
		broadcast:  make(chan hubMessage),
		register:   make(chan *hubConn),
		unregister: make(chan *hubConn),
		kick:       make(chan string),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case c := <-h.register:
			if h.channels[c.channel] == nil {
				h.channels[c.channel] = make(map[*hubConn]bool)
			}
			h.channels[c.channel][c] = true
		case c := <-h.unregister:
			if subs, ok := h.channels[c.channel]; ok && subs[c] {
				delete(subs, c)
				close(c.send)
			}
		case channel := <-h.kick:
			for c := range h.channels[channel] {
				c.kicked.Store(true)
				c.closed.Store(true)
				close(c.send)
			}
			delete(h.channels, channel)
		case msg := <-h.broadcast:
			env, err := Decode(msg.raw)
			if err == nil && h.shouldDrop(msg.channel, env) {
				continue
			}
			for c := range h.channels[msg.channel] {
				select {
				case c.send <- msg.raw:
				default:
					// slow subscriber, drop like a lossy network would
				}
			}
		}
	}
}

// Stop terminates the run loop. Open connections stop receiving.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// SetDropFilter installs a predicate deciding which published messages are lost.
func (h *Hub) SetDropFilter(fn func(channel string, env Envelope) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = fn
}

// SetOffline makes subsequent Open calls fail with err; nil brings the hub back.
func (h *Hub) SetOffline(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openErr = err
}

// Kick drops every connection on channel, reporting StatusClosed to each.
func (h *Hub) Kick(channel string) {
	select {
	case h.kick <- channel:
	case <-h.done:
	}
}

// Inject publishes raw bytes on channel as if some peer had sent them.
func (h *Hub) Inject(channel string, raw []byte) {
	select {
	case h.broadcast <- hubMessage{channel: channel, raw: raw}:
	case <-h.done:
	}
}

func (h *Hub) shouldDrop(channel string, env Envelope) bool {
	h.mu.Lock()
	drop := h.drop
	h.mu.Unlock()
	return drop != nil && drop(channel, env)
}

func (h *Hub) Open(ctx context.Context, channel string, handlers Handlers) (Conn, error) {
	h.mu.Lock()
	err := h.openErr
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := &hubConn{
		hub:      h,
		channel:  channel,
		handlers: handlers,
		send:     make(chan []byte, hubSendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	go c.pump()
	return c, nil
}

type hubConn struct {
	hub      *Hub
	channel  string
	handlers Handlers
	send     chan []byte
	closed   atomic.Bool
	kicked   atomic.Bool
}

func (c *hubConn) pump() {
	for raw := range c.send {
		if c.closed.Load() {
			continue
		}
		deliver(c.handlers, raw)
	}
	if c.kicked.Load() && c.handlers.OnStatus != nil {
		c.handlers.OnStatus(StatusClosed, nil)
	}
}

func (c *hubConn) Publish(ctx context.Context, env Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	select {
	case c.hub.broadcast <- hubMessage{channel: c.channel, raw: raw}:
		return nil
	case <-c.hub.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *hubConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
	return nil
}
