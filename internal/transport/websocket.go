package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSettings configures the relay client.
type WebSocketSettings struct {
	// URL of the relay endpoint, e.g. ws://localhost:8081/ws. The channel is
	// passed as the doc query parameter.
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	// ReadTimeout must exceed PingInterval; the relay answers pings with pongs.
	ReadTimeout    time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

func DefaultWebSocketSettings(url string) WebSocketSettings {
	return WebSocketSettings{
		URL:              url,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     10 * time.Second,
		ReadTimeout:      30 * time.Second,
		SendBuffer:       256,
		MaxMessageSize:   16 << 20,
	}
}

// WebSocket reaches other replicas through the CollabText relay server.
type WebSocket struct {
	settings WebSocketSettings
	dialer   *websocket.Dialer
}

func NewWebSocket(settings WebSocketSettings) *WebSocket {
	return &WebSocket{
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
	}
}

func (w *WebSocket) Open(ctx context.Context, channel string, h Handlers) (Conn, error) {
	u, err := url.Parse(w.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("doc", channel)
	u.RawQuery = q.Encode()

	ws, _, err := w.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c := &wsConn{
		ws:       ws,
		settings: w.settings,
		handlers: h,
		send:     make(chan []byte, w.settings.SendBuffer),
		done:     make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	settings WebSocketSettings
	handlers Handlers
	send     chan []byte
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once
}

func (c *wsConn) readPump() {
	if c.settings.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.settings.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		return nil
	})
	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			status := StatusClosed
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				status = StatusTimeout
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				status = StatusError
			}
			c.fail(status, err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			deliver(c.handlers, message)
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.fail(StatusError, err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(StatusTimeout, err)
				return
			}
		}
	}
}

// fail tears the connection down after an unintentional loss.
func (c *wsConn) fail(status Status, err error) {
	if c.closed.Swap(true) {
		return
	}
	c.once.Do(func() { close(c.done) })
	c.ws.Close()
	if c.handlers.OnStatus != nil {
		c.handlers.OnStatus(status, err)
	}
}

func (c *wsConn) Publish(ctx context.Context, env Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.once.Do(func() { close(c.done) })
	// WriteControl may run concurrently with the write pump
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.settings.WriteTimeout))
	return c.ws.Close()
}
