package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisHealthInterval is how often an open subscription checks the server.
const DefaultRedisHealthInterval = 5 * time.Second

// ChannelName is the Redis pub/sub channel carrying a document's traffic.
func ChannelName(documentID string) string {
	return "collabtext:doc:" + documentID
}

// Redis talks to other replicas directly over Redis pub/sub, the same
// channels the relay server bridges WebSocket clients onto.
//
// go-redis silently re-subscribes after a network failure, so the
// subscription channel never closes on its own. A connection instead pings
// the server periodically and treats a failed ping or publish as a loss.
type Redis struct {
	client         *redis.Client
	healthInterval time.Duration
}

type RedisOption func(*Redis)

// WithHealthInterval sets how often open connections ping the server.
func WithHealthInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.healthInterval = d }
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, healthInterval: DefaultRedisHealthInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Open(ctx context.Context, channel string, h Handlers) (Conn, error) {
	name := ChannelName(channel)
	pubsub := r.client.Subscribe(ctx, name)
	// wait for the subscription to be confirmed so no early publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	c := &redisConn{
		client:   r.client,
		pubsub:   pubsub,
		name:     name,
		handlers: h,
		interval: r.healthInterval,
		done:     make(chan struct{}),
	}
	go c.listen()
	go c.monitor()
	return c, nil
}

type redisConn struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	name     string
	handlers Handlers
	interval time.Duration
	closed   atomic.Bool
	done     chan struct{}
}

func (c *redisConn) listen() {
	for msg := range c.pubsub.Channel() {
		deliver(c.handlers, []byte(msg.Payload))
	}
	c.fail(StatusClosed, nil)
}

func (c *redisConn) monitor() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			err := c.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				c.fail(StatusError, fmt.Errorf("ping %s: %w", c.name, err))
				return
			}
		}
	}
}

// fail tears the connection down after an unintentional loss and reports it once.
func (c *redisConn) fail(status Status, err error) {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	c.pubsub.Close()
	if c.handlers.OnStatus != nil {
		c.handlers.OnStatus(status, err)
	}
}

func (c *redisConn) Publish(ctx context.Context, env Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	err = c.client.Publish(ctx, c.name, raw).Err()
	if err == nil {
		return nil
	}
	// a server reply or the caller giving up says nothing about the link
	var reply redis.Error
	if errors.As(err, &reply) || ctx.Err() != nil {
		return err
	}
	c.fail(StatusError, fmt.Errorf("publish %s: %w", c.name, err))
	return err
}

func (c *redisConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	return c.pubsub.Close()
}
