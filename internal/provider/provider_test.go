package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"collabtext/internal/awareness"
	"collabtext/internal/crdt"
	"collabtext/internal/transport"
)

type captureLink struct {
	mu   sync.Mutex
	sent []transport.Envelope
	err  error
}

func (l *captureLink) Publish(_ context.Context, env transport.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, env)
	return nil
}

func (l *captureLink) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *captureLink) byEvent(event transport.Event) []transport.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []transport.Envelope
	for _, env := range l.sent {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (l *captureLink) count(event transport.Event) int {
	return len(l.byEvent(event))
}

type fixture struct {
	doc  *crdt.Doc
	aw   *awareness.Awareness
	link *captureLink
	mock *clock.Mock
	logs *observer.ObservedLogs
	p    *Provider
}

func newFixture(t *testing.T, clientID string, cfg Config) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		doc:  crdt.NewDoc(clientID),
		link: &captureLink{},
		mock: clock.NewMock(),
		logs: logs,
	}
	f.aw = awareness.New(clientID, f.mock)
	f.p = New(f.doc, f.aw, f.link, cfg, WithClock(f.mock), WithLogger(zap.New(core).Sugar()))
	t.Cleanup(f.p.Destroy)
	return f
}

// textOf applies update to an empty replica and returns the resulting text.
func textOf(t *testing.T, update []byte) string {
	t.Helper()
	d := crdt.NewDoc("reader")
	require.NoError(t, d.ApplyUpdate(update, crdt.ProviderOrigin("test")))
	return d.Text()
}

// peerUpdate returns the update produced by inserting text into a fresh replica of peer.
func peerUpdate(t *testing.T, peer, text string) (*crdt.Doc, []byte) {
	t.Helper()
	d := crdt.NewDoc(peer)
	var update []byte
	cancel := d.Observe(func(ev crdt.UpdateEvent) { update = ev.Update })
	require.NoError(t, d.Insert(0, text))
	cancel()
	return d, update
}

func TestQueuedUpdatesFlushAsOneMerge(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())

	require.NoError(t, f.doc.Insert(0, "a"))
	require.NoError(t, f.doc.Insert(1, "b"))
	require.NoError(t, f.doc.Insert(2, "c"))
	assert.Equal(t, 3, f.p.Stats().Queued)
	assert.Empty(t, f.link.byEvent(transport.EventDocUpdate))

	f.p.OnConnected()

	updates := f.link.byEvent(transport.EventDocUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "abc", textOf(t, updates[0].Payload))
	assert.Equal(t, "a", updates[0].Sender)
	assert.Equal(t, 1, f.link.count(transport.EventSyncRequest))
	assert.Equal(t, 0, f.p.Stats().Queued)
}

func TestQueueOverflowDropsNewest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 2
	f := newFixture(t, "a", cfg)

	require.NoError(t, f.doc.Insert(0, "a"))
	require.NoError(t, f.doc.Insert(1, "b"))
	require.NoError(t, f.doc.Insert(2, "c"))

	stats := f.p.Stats()
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 1, stats.Dropped)
	warnings := f.logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("queue full")
	assert.Equal(t, 1, warnings.Len())
	assert.Equal(t, "abc", f.doc.Text())

	f.p.OnConnected()
	updates := f.link.byEvent(transport.EventDocUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "ab", textOf(t, updates[0].Payload))
	// the dropped edit reaches peers through the state-vector exchange
	assert.Equal(t, 1, f.link.count(transport.EventStateVector))
}

func TestBatchCoalescesLocalEdits(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()

	require.NoError(t, f.doc.Insert(0, "x"))
	require.NoError(t, f.doc.Insert(1, "y"))
	f.mock.Add(10 * time.Millisecond)
	require.NoError(t, f.doc.Insert(2, "z"))
	assert.Equal(t, 3, f.p.Stats().Batched)

	f.mock.Add(39 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, f.link.byEvent(transport.EventDocUpdate))

	f.mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return f.link.count(transport.EventDocUpdate) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "xyz", textOf(t, f.link.byEvent(transport.EventDocUpdate)[0].Payload))
	assert.Equal(t, 0, f.p.Stats().Batched)
}

func TestDisconnectMovesBatchIntoQueue(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()

	require.NoError(t, f.doc.Insert(0, "x"))
	f.p.OnDisconnected()
	assert.Equal(t, 1, f.p.Stats().Queued)

	f.mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, f.link.byEvent(transport.EventDocUpdate))
}

func TestRemoteUpdatesAreNotEchoed(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()

	var origins []crdt.Origin
	f.doc.Observe(func(ev crdt.UpdateEvent) { origins = append(origins, ev.Origin) })

	_, update := peerUpdate(t, "b", "hi")
	f.p.OnMessage(transport.Envelope{Event: transport.EventDocUpdate, Sender: "b", Payload: update})
	assert.Equal(t, "hi", f.doc.Text())
	require.Len(t, origins, 1)
	assert.True(t, origins[0].IsProvider(f.p.ID()))

	f.mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, f.link.byEvent(transport.EventDocUpdate))
	assert.Equal(t, 0, f.p.Stats().Batched)
}

func TestStoreOriginIsNotPublished(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())

	_, update := peerUpdate(t, "b", "loaded")
	require.NoError(t, f.doc.ApplyUpdate(update, crdt.StoreOrigin()))
	assert.Equal(t, 0, f.p.Stats().Queued)
}

func TestOwnMessagesAreIgnored(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()

	_, update := peerUpdate(t, "b", "hi")
	f.p.OnMessage(transport.Envelope{Event: transport.EventDocUpdate, Sender: "a", Payload: update})
	assert.Equal(t, "", f.doc.Text())
}

func TestSyncRequestAnsweredWithTargetedState(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	require.NoError(t, f.doc.Insert(0, "state"))
	f.p.OnConnected()

	f.p.OnMessage(transport.Envelope{Event: transport.EventSyncRequest, Sender: "b"})

	responses := f.link.byEvent(transport.EventSyncResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "b", responses[0].Target)
	assert.Equal(t, "state", textOf(t, responses[0].Payload))
}

func TestSyncResponseAppliedOnlyWhenAddressedToSelf(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()

	_, update := peerUpdate(t, "b", "hi")
	f.p.OnMessage(transport.Envelope{Event: transport.EventSyncResponse, Sender: "b", Target: "c", Payload: update})
	assert.Equal(t, "", f.doc.Text())

	f.p.OnMessage(transport.Envelope{Event: transport.EventSyncResponse, Sender: "b", Target: "a", Payload: update})
	assert.Equal(t, "hi", f.doc.Text())
}

func TestStateVectorAnsweredOnlyWithMissingOps(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()
	require.NoError(t, f.doc.Insert(0, "ab"))

	// a peer that already has everything gets no answer
	peer := crdt.NewDoc("b")
	state, err := f.doc.EncodeStateAsUpdate()
	require.NoError(t, err)
	require.NoError(t, peer.ApplyUpdate(state, crdt.ProviderOrigin("test")))
	sv, err := peer.EncodeStateVector()
	require.NoError(t, err)
	f.p.OnMessage(transport.Envelope{Event: transport.EventStateVector, Sender: "b", Payload: sv})
	assert.Empty(t, f.link.byEvent(transport.EventSyncResponse))

	// after a further edit only the new ops are sent back
	before, err := f.doc.EncodeStateVector()
	require.NoError(t, err)
	require.NoError(t, f.doc.Insert(2, "c"))
	missing, err := f.doc.EncodeDiff(before)
	require.NoError(t, err)

	f.p.OnMessage(transport.Envelope{Event: transport.EventStateVector, Sender: "b", Payload: sv})
	responses := f.link.byEvent(transport.EventSyncResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "b", responses[0].Target)
	assert.Equal(t, missing, responses[0].Payload)
	assert.Empty(t, f.link.byEvent(transport.EventStateVector))
}

func TestStateVectorFromPeerAheadAsksForMissingOps(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()

	peer, _ := peerUpdate(t, "b", "new")
	sv, err := peer.EncodeStateVector()
	require.NoError(t, err)
	f.p.OnMessage(transport.Envelope{Event: transport.EventStateVector, Sender: "b", Payload: sv})

	vectors := f.link.byEvent(transport.EventStateVector)
	require.Len(t, vectors, 1)
	assert.Equal(t, "b", vectors[0].Target)

	// a targeted vector for someone else is ignored
	f.p.OnMessage(transport.Envelope{Event: transport.EventStateVector, Sender: "b", Target: "c", Payload: sv})
	assert.Len(t, f.link.byEvent(transport.EventStateVector), 1)
}

func TestMalformedPayloadDoesNotHaltProcessing(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()

	f.p.OnMessage(transport.Envelope{Event: transport.EventDocUpdate, Sender: "b", Payload: []byte("garbage")})
	f.p.OnMessage(transport.Envelope{Event: transport.EventStateVector, Sender: "b", Payload: []byte{0xc1}})
	f.p.OnMessage(transport.Envelope{Event: transport.EventAwareness, Sender: "b", Payload: []byte("{")})

	_, update := peerUpdate(t, "b", "ok")
	f.p.OnMessage(transport.Envelope{Event: transport.EventDocUpdate, Sender: "b", Payload: update})

	assert.Equal(t, "ok", f.doc.Text())
	assert.Equal(t, 3, f.logs.FilterMessage("Dropping bad message").Len())
}

func TestVisibilityTriggersOneStateVector(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.SetVisible(false)
	f.p.SetVisible(true)
	assert.Empty(t, f.link.byEvent(transport.EventStateVector), "not connected")

	f.p.OnConnected()
	f.p.SetVisible(true)
	assert.Empty(t, f.link.byEvent(transport.EventStateVector), "already visible")

	f.p.SetVisible(false)
	f.p.SetVisible(true)
	f.p.SetVisible(true)
	vectors := f.link.byEvent(transport.EventStateVector)
	require.Len(t, vectors, 1)
	assert.Empty(t, vectors[0].Target)
}

func TestPeriodicResyncWhileConnected(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()

	f.mock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return f.link.count(transport.EventStateVector) == 1 }, time.Second, time.Millisecond)
	f.mock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return f.link.count(transport.EventStateVector) == 2 }, time.Second, time.Millisecond)

	f.p.OnDisconnected()
	f.mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, f.link.count(transport.EventStateVector))
}

func TestAwarenessPublishedImmediately(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()

	require.NoError(t, f.p.SetPresence("cursor", 4))
	updates := f.link.byEvent(transport.EventAwareness)
	require.Len(t, updates, 1)

	remote := awareness.New("b", f.mock)
	require.NoError(t, remote.ApplyUpdate(updates[0].Payload))
	assert.EqualValues(t, 4, remote.States()["a"].Fields["cursor"])

	presence, err := remote.SetLocalField("name", "bea")
	require.NoError(t, err)
	f.p.OnMessage(transport.Envelope{Event: transport.EventAwareness, Sender: "b", Payload: presence})
	assert.Equal(t, "bea", f.aw.States()["b"].Fields["name"])
}

func TestDisconnectClearsPresenceAndReconnectRestoresIt(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()
	require.NoError(t, f.p.SetPresence("cursor", 1))

	remote := awareness.New("b", f.mock)
	presence, err := remote.SetLocalField("name", "bea")
	require.NoError(t, err)
	f.p.OnMessage(transport.Envelope{Event: transport.EventAwareness, Sender: "b", Payload: presence})

	f.p.OnDisconnected()
	assert.Nil(t, f.aw.LocalState())
	assert.Empty(t, f.aw.States())

	f.p.OnConnected()
	assert.EqualValues(t, 1, f.aw.LocalState()["cursor"])
	assert.Len(t, f.link.byEvent(transport.EventAwareness), 2)
}

func TestPeriodicResyncRenewsAndExpiresPresence(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()
	require.NoError(t, f.p.SetPresence("cursor", 1))

	remote := awareness.New("b", f.mock)
	presence, err := remote.SetLocalField("name", "bea")
	require.NoError(t, err)
	f.p.OnMessage(transport.Envelope{Event: transport.EventAwareness, Sender: "b", Payload: presence})

	f.mock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return f.link.count(transport.EventAwareness) == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := f.aw.States()["b"]
		return !ok
	}, time.Second, time.Millisecond)
	assert.NotNil(t, f.aw.LocalState())
}

func TestDestroyIsIdempotentAndStopsTimers(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()
	require.NoError(t, f.p.SetPresence("cursor", 1))
	require.NoError(t, f.doc.Insert(0, "x"))

	f.p.Destroy()
	f.p.Destroy()

	// the open batch goes out before presence is withdrawn
	updates := f.link.byEvent(transport.EventDocUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "x", textOf(t, updates[0].Payload))
	awarenessUpdates := f.link.byEvent(transport.EventAwareness)
	require.Len(t, awarenessUpdates, 2)
	assert.Nil(t, f.aw.LocalState())

	f.mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, f.link.byEvent(transport.EventDocUpdate), 1)
	assert.Empty(t, f.link.byEvent(transport.EventStateVector))

	require.NoError(t, f.doc.Insert(1, "y"))
	assert.Equal(t, Stats{}, f.p.Stats())
}

func TestFailedPublishWhileConnectedResyncs(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()
	f.link.setErr(errors.New("link down"))

	require.NoError(t, f.doc.Insert(0, "x"))
	f.mock.Add(50 * time.Millisecond)
	require.Eventually(t, func() bool {
		return f.logs.FilterMessageSnippet("resyncing").Len() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, f.p.Stats().Queued)

	f.link.setErr(nil)
	f.mock.Add(50 * time.Millisecond)
	require.Eventually(t, func() bool { return f.link.count(transport.EventStateVector) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, f.link.byEvent(transport.EventDocUpdate))
}

func TestDisconnectingPublishesBatchAndWithdrawsPresence(t *testing.T) {
	f := newFixture(t, "a", DefaultConfig())
	f.p.OnConnected()
	require.NoError(t, f.p.SetPresence("cursor", 3))
	require.NoError(t, f.doc.Insert(0, "x"))

	f.p.OnDisconnecting()
	updates := f.link.byEvent(transport.EventDocUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "x", textOf(t, updates[0].Payload))

	peer := awareness.New("b", f.mock)
	for _, env := range f.link.byEvent(transport.EventAwareness) {
		require.NoError(t, peer.ApplyUpdate(env.Payload))
	}
	_, present := peer.States()["a"]
	assert.False(t, present)

	f.p.OnDisconnected()
	assert.Equal(t, 0, f.p.Stats().Queued)
	f.p.OnConnected()
	assert.EqualValues(t, 3, f.aw.LocalState()["cursor"])
}
