package main

import (
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const clientSendBuffer = 256

// Client represents a single connected editor UI.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Bridge connects editor UIs to a document. Edits from any UI are applied to
// the document and every UI is sent the resulting text.
type Bridge struct {
	editor Editor
	log    *zap.SugaredLogger

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
}

func NewBridge(editor Editor, log *zap.SugaredLogger) *Bridge {
	return &Bridge{
		editor:     editor,
		log:        log,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (b *Bridge) Run() {
	for {
		select {
		case <-b.done:
			for client := range b.clients {
				close(client.send)
				delete(b.clients, client)
			}
			return
		case client := <-b.register:
			b.clients[client] = true
			b.log.Infof("Client registered. Total clients: %d", len(b.clients))
			if msg, err := b.syncMessage(); err == nil {
				client.send <- msg
			}
		case client := <-b.unregister:
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				close(client.send)
				b.log.Infof("Client unregistered. Total clients: %d", len(b.clients))
			}
		case message := <-b.broadcast:
			for client := range b.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(b.clients, client)
				}
			}
		}
	}
}

func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// Changed pushes the current text to every UI. It is called for every
// change to the document, local or remote.
func (b *Bridge) Changed() {
	msg, err := b.syncMessage()
	if err != nil {
		b.log.Errorf("Failed to encode sync message: %v", err)
		return
	}
	select {
	case b.broadcast <- msg:
	case <-b.done:
	}
}

func (b *Bridge) syncMessage() ([]byte, error) {
	return json.Marshal(Op{Action: ActionSync, Text: b.editor.Text()})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	select {
	case b.register <- client:
	case <-b.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(b)
}

func (c *Client) readPump(b *Bridge) {
	defer func() {
		select {
		case b.unregister <- c:
		case <-b.done:
		}
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var op Op
		if err := json.Unmarshal(message, &op); err != nil {
			b.log.Warnf("Error decoding op: %v", err)
			continue
		}
		if err := apply(b.editor, op); err != nil {
			b.log.Warnf("Rejected %s op from %s: %v", op.Action, op.ClientID, err)
		}
	}
}

func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()
	for {
		message, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
