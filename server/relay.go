package main

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabtext/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var (
	relayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_relay_messages_total",
			Help: "Messages relayed between WebSocket clients and Redis, by direction.",
		},
		[]string{"direction"},
	)
	relayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabtext_relay_connections",
			Help: "Open WebSocket relay connections.",
		},
	)
)

// Relay bridges one WebSocket client per request onto the Redis channel of
// the document named by the doc query parameter. Frames are forwarded as-is;
// replicas validate what they receive.
type Relay struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewRelay(rdb *redis.Client, log *zap.SugaredLogger) *Relay {
	return &Relay{rdb: rdb, log: log}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		http.Error(w, "missing doc parameter", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// subscribe before the handshake completes so a client that has finished
	// dialing cannot miss messages
	channel := transport.ChannelName(docID)
	pubsub := rl.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		rl.log.Errorf("Could not subscribe to %s: %v", channel, err)
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client
		rl.log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	relayConnections.Inc()
	defer relayConnections.Dec()
	rl.log.Infof("New connection for document: %s", docID)

	// the only writer of data frames
	go func() {
		for msg := range pubsub.Channel() {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				rl.log.Debugf("Error writing message to client: %v", err)
				ws.Close()
				return
			}
			relayMessages.WithLabelValues("out").Inc()
		}
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			rl.log.Infof("Client disconnected from %s: %v", docID, err)
			return
		}
		relayMessages.WithLabelValues("in").Inc()
		if err := rl.rdb.Publish(ctx, channel, msg).Err(); err != nil {
			rl.log.Warnf("Error publishing to Redis: %v", err)
		}
	}
}
