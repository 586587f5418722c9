package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabtext/internal/session"
	"collabtext/internal/store"
	"collabtext/internal/store/httpstore"
	"collabtext/internal/transport"
)

type testServer struct {
	*httptest.Server
	redis *miniredis.Miniredis
	store *store.Memory
	wsURL string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewMemory(nil)
	srv := httptest.NewServer(newRouter(rdb, st, zap.NewNop().Sugar()))
	t.Cleanup(srv.Close)
	return &testServer{
		Server: srv,
		redis:  mr,
		store:  st,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

type inbox struct {
	ch chan transport.Envelope
}

func newInbox() *inbox { return &inbox{ch: make(chan transport.Envelope, 16)} }

func (i *inbox) handlers() transport.Handlers {
	return transport.Handlers{OnMessage: func(env transport.Envelope) { i.ch <- env }}
}

func TestRelayBridgesClientsOfOneDocument(t *testing.T) {
	ts := newTestServer(t)
	tr := transport.NewWebSocket(transport.DefaultWebSocketSettings(ts.wsURL))
	ctx := context.Background()

	a, b, other := newInbox(), newInbox(), newInbox()
	ca, err := tr.Open(ctx, "doc-1", a.handlers())
	require.NoError(t, err)
	defer ca.Close()
	cb, err := tr.Open(ctx, "doc-1", b.handlers())
	require.NoError(t, err)
	defer cb.Close()
	co, err := tr.Open(ctx, "doc-2", other.handlers())
	require.NoError(t, err)
	defer co.Close()

	in := testutil.ToFloat64(relayMessages.WithLabelValues("in"))
	require.NoError(t, ca.Publish(ctx, transport.Envelope{Event: transport.EventSyncRequest, Sender: "a"}))

	select {
	case env := <-b.ch:
		assert.Equal(t, transport.EventSyncRequest, env.Event)
		assert.Equal(t, "a", env.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not relayed")
	}
	// the sender hears its own message too
	select {
	case <-a.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not receive its own message")
	}
	select {
	case env := <-other.ch:
		t.Fatalf("message leaked to another document: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, in+1, testutil.ToFloat64(relayMessages.WithLabelValues("in")))
}

func TestRelayUsesDocumentChannel(t *testing.T) {
	ts := newTestServer(t)
	tr := transport.NewWebSocket(transport.DefaultWebSocketSettings(ts.wsURL))
	ctx := context.Background()

	ws := newInbox()
	conn, err := tr.Open(ctx, "doc-1", ws.handlers())
	require.NoError(t, err)
	defer conn.Close()

	// a replica on Redis directly shares the channel with relay clients
	rdb := redis.NewClient(&redis.Options{Addr: ts.redis.Addr()})
	defer rdb.Close()
	direct, err := transport.NewRedis(rdb).Open(ctx, "doc-1", newInbox().handlers())
	require.NoError(t, err)
	defer direct.Close()

	require.NoError(t, direct.Publish(ctx, transport.Envelope{Event: transport.EventAwareness, Sender: "direct"}))
	select {
	case env := <-ws.ch:
		assert.Equal(t, "direct", env.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("message from redis was not relayed")
	}
}

func TestRelayRequiresDocument(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	ts.redis.Close()
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "collabtext_relay_connections")
}

func TestSessionsSyncAndSaveThroughServer(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	open := func(client string) *session.Session {
		cfg := session.DefaultConfig("notes")
		cfg.ClientID = client
		cfg.Author = client
		tr := transport.NewWebSocket(transport.DefaultWebSocketSettings(ts.wsURL))
		s, err := session.Open(ctx, cfg, tr, httpstore.New(ts.URL, 5*time.Second))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(ctx) })
		return s
	}
	a := open("alice")
	b := open("bob")

	require.NoError(t, a.Insert(0, "hi from alice"))
	require.Eventually(t, func() bool { return b.Text() == "hi from alice" }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, b.Insert(0, ">> "))
	require.Eventually(t, func() bool { return a.Text() == ">> hi from alice" }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Close(ctx))

	doc, err := ts.store.GetDocument(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, ">> hi from alice", doc.Text)
}
