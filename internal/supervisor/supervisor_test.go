package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"collabtext/internal/retry"
	"collabtext/internal/supervisor"
	"collabtext/internal/transport"
)

type recorder struct {
	mu           sync.Mutex
	sup          *supervisor.Supervisor
	connected    int
	disconnected int
	// farewells holds the result of each publish made while disconnecting
	farewells    []error
	messages     []transport.Envelope
	states       []supervisor.State
	lastErr      error
}

func (r *recorder) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recorder) OnDisconnecting() {
	err := r.sup.Publish(context.Background(), transport.Envelope{Event: transport.EventAwareness, Sender: "me"})
	r.mu.Lock()
	defer r.mu.Unlock()
	r.farewells = append(r.farewells, err)
}

func (r *recorder) farewellErrs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.farewells...)
}

func (r *recorder) OnDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recorder) OnMessage(env transport.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, env)
}

func (r *recorder) status(state supervisor.State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	if err != nil {
		r.lastErr = err
	}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.disconnected
}

func (r *recorder) seen() []supervisor.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]supervisor.State(nil), r.states...)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

var _ = Describe("Supervisor", func() {
	var (
		hub  *transport.Hub
		mock *clock.Mock
		sup  *supervisor.Supervisor
		rec  *recorder
		ctx  context.Context
		boom error
	)

	BeforeEach(func() {
		hub = transport.NewHub()
		mock = clock.NewMock()
		ctx = context.Background()
		boom = errors.New("network down")
		rec = &recorder{}

		cfg := supervisor.DefaultConfig()
		cfg.Reconnect = retry.Policy{InitialDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 3}
		cfg.StableAfter = 30 * time.Second
		sup = supervisor.New(hub, "doc", cfg, supervisor.WithClock(mock))
		rec.sup = sup
		sup.Attach(rec)
		sup.OnStatus(rec.status)
	})

	AfterEach(func() {
		sup.Destroy()
		hub.Stop()
	})

	Describe("Connect", func() {
		It("connects and notifies the handler", func() {
			Expect(sup.Connect(ctx)).To(Succeed())
			Expect(sup.State()).To(Equal(supervisor.Connected))
			Expect(sup.Connected()).To(BeTrue())
			Expect(rec.seen()).To(Equal([]supervisor.State{supervisor.Connecting, supervisor.Connected}))
			connected, _ := rec.counts()
			Expect(connected).To(Equal(1))
		})

		It("is a no-op while connected", func() {
			Expect(sup.Connect(ctx)).To(Succeed())
			Expect(sup.Connect(ctx)).To(Succeed())
			connected, _ := rec.counts()
			Expect(connected).To(Equal(1))
		})

		It("routes channel traffic to the handler", func() {
			Expect(sup.Connect(ctx)).To(Succeed())
			Expect(sup.Publish(ctx, transport.Envelope{Event: transport.EventAwareness, Sender: "me"})).To(Succeed())
			Eventually(rec.messageCount).Should(Equal(1))
		})

		It("returns the dial error and retries in the background", func() {
			hub.SetOffline(boom)
			Expect(sup.Connect(ctx)).To(MatchError(boom))
			Expect(sup.State()).To(Equal(supervisor.Reconnecting))
			Expect(sup.Attempts()).To(Equal(1))

			hub.SetOffline(nil)
			mock.Add(time.Second)
			Eventually(sup.State).Should(Equal(supervisor.Connected))
		})
	})

	Describe("Publish", func() {
		It("refuses while not connected", func() {
			err := sup.Publish(ctx, transport.Envelope{Event: transport.EventDocUpdate, Sender: "me"})
			Expect(err).To(MatchError(supervisor.ErrNotConnected))
		})
	})

	Describe("reconnect", func() {
		BeforeEach(func() {
			Expect(sup.Connect(ctx)).To(Succeed())
		})

		It("reconnects after the initial delay when the transport drops", func() {
			hub.Kick("doc")
			Eventually(sup.State).Should(Equal(supervisor.Reconnecting))
			Expect(sup.Attempts()).To(Equal(1))
			_, disconnected := rec.counts()
			Expect(disconnected).To(Equal(1))

			mock.Add(999 * time.Millisecond)
			Consistently(sup.State, 50*time.Millisecond).Should(Equal(supervisor.Reconnecting))

			mock.Add(time.Millisecond)
			Eventually(sup.State).Should(Equal(supervisor.Connected))
			connected, _ := rec.counts()
			Expect(connected).To(Equal(2))
		})

		It("backs off exponentially and fails after the attempt limit", func() {
			hub.SetOffline(boom)
			hub.Kick("doc")
			Eventually(sup.Attempts).Should(Equal(1))

			mock.Add(time.Second)
			Eventually(sup.Attempts).Should(Equal(2))

			mock.Add(1999 * time.Millisecond)
			Consistently(sup.Attempts, 50*time.Millisecond).Should(Equal(2))
			mock.Add(time.Millisecond)
			Eventually(sup.Attempts).Should(Equal(3))

			mock.Add(4 * time.Second)
			Eventually(sup.State).Should(Equal(supervisor.Failed))
			Expect(rec.seen()).To(ContainElement(supervisor.Failed))

			mock.Add(time.Hour)
			Consistently(sup.State, 50*time.Millisecond).Should(Equal(supervisor.Failed))
		})

		It("resumes from failed on an explicit connect with a fresh backoff", func() {
			hub.SetOffline(boom)
			hub.Kick("doc")
			for i, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
				Eventually(sup.Attempts).Should(Equal(i + 1))
				mock.Add(d)
			}
			Eventually(sup.State).Should(Equal(supervisor.Failed))

			hub.SetOffline(nil)
			Expect(sup.Connect(ctx)).To(Succeed())
			Expect(sup.State()).To(Equal(supervisor.Connected))
			Expect(sup.Attempts()).To(Equal(0))
		})

		It("resets the attempt counter once a connection outlives the grace window", func() {
			hub.Kick("doc")
			Eventually(sup.State).Should(Equal(supervisor.Reconnecting))
			mock.Add(time.Second)
			Eventually(sup.State).Should(Equal(supervisor.Connected))
			Expect(sup.Attempts()).To(Equal(1))

			mock.Add(30 * time.Second)
			Eventually(sup.Attempts).Should(Equal(0))
		})

		It("keeps counting when a reconnected link fails quickly", func() {
			hub.Kick("doc")
			Eventually(sup.State).Should(Equal(supervisor.Reconnecting))
			mock.Add(time.Second)
			Eventually(sup.State).Should(Equal(supervisor.Connected))

			mock.Add(5 * time.Second)
			hub.Kick("doc")
			Eventually(sup.Attempts).Should(Equal(2))
			Expect(sup.State()).To(Equal(supervisor.Reconnecting))
		})
	})

	Describe("Disconnect", func() {
		It("cancels a scheduled reconnect", func() {
			Expect(sup.Connect(ctx)).To(Succeed())
			hub.Kick("doc")
			Eventually(sup.State).Should(Equal(supervisor.Reconnecting))

			sup.Disconnect()
			Expect(sup.State()).To(Equal(supervisor.Disconnected))
			mock.Add(time.Minute)
			Consistently(sup.State, 50*time.Millisecond).Should(Equal(supervisor.Disconnected))
		})

		It("closes the connection without reporting a loss", func() {
			Expect(sup.Connect(ctx)).To(Succeed())
			sup.Disconnect()
			Expect(rec.seen()).To(Equal([]supervisor.State{
				supervisor.Connecting, supervisor.Connected, supervisor.Disconnected,
			}))
			Expect(sup.Attempts()).To(Equal(0))
		})

		It("lets the handler publish before the connection closes", func() {
			Expect(sup.Connect(ctx)).To(Succeed())
			sup.Disconnect()
			Expect(rec.farewellErrs()).To(Equal([]error{nil}))

			sup.Disconnect()
			Expect(rec.farewellErrs()).To(HaveLen(1))
		})

		It("skips the farewell when the link is already down", func() {
			Expect(sup.Connect(ctx)).To(Succeed())
			hub.Kick("doc")
			Eventually(sup.State).Should(Equal(supervisor.Reconnecting))
			sup.Disconnect()
			Expect(rec.farewellErrs()).To(BeEmpty())
		})
	})

	Describe("Destroy", func() {
		It("is idempotent and terminal", func() {
			Expect(sup.Connect(ctx)).To(Succeed())
			sup.Destroy()
			sup.Destroy()

			_, disconnected := rec.counts()
			Expect(disconnected).To(Equal(1))
			Expect(rec.farewellErrs()).To(Equal([]error{nil}))
			Expect(sup.State()).To(Equal(supervisor.Disconnected))
			Expect(sup.Connect(ctx)).To(MatchError(supervisor.ErrDestroyed))
		})

		It("stops a pending reconnect", func() {
			Expect(sup.Connect(ctx)).To(Succeed())
			hub.Kick("doc")
			Eventually(sup.State).Should(Equal(supervisor.Reconnecting))

			sup.Destroy()
			mock.Add(time.Minute)
			Consistently(sup.State, 50*time.Millisecond).Should(Equal(supervisor.Disconnected))
			connected, _ := rec.counts()
			Expect(connected).To(Equal(1))
		})
	})
})
