package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"collabtext/internal/config"
	"collabtext/internal/crdt"
	"collabtext/internal/persistence"
	"collabtext/internal/session"
	"collabtext/internal/store"
	"collabtext/internal/store/bolt"
	"collabtext/internal/store/httpstore"
	"collabtext/internal/supervisor"
	"collabtext/internal/transport"
)

type JoinOptions struct {
	*RootOptions
	Server string
	// Local keeps the document in a bbolt file instead of on the server.
	Local bool
	// Redis talks pub/sub directly instead of through the relay.
	Redis  string
	UIAddr string
}

func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join <document-id>",
		Short: "Open a document and serve it to a local editor UI",
		Long: `Open a document as a replica, keep it in sync with every other replica
and serve the editor UI over WebSocket.

Example:
  collabtext-agent join notes --server http://localhost:8081
  collabtext-agent join notes --local --redis localhost:6379`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "sync server URL (default $SERVER_URL)")
	cmd.Flags().BoolVar(&opts.Local, "local", false, "store the document in a local file")
	cmd.Flags().StringVar(&opts.Redis, "redis", "", "sync over this Redis server instead of the relay")
	cmd.Flags().StringVar(&opts.UIAddr, "ui", "", "editor UI listen address (default $AGENT_UI_ADDR)")

	return cmd
}

// relayURL turns the server's HTTP base URL into its WebSocket relay endpoint.
func relayURL(server string) string {
	u := strings.TrimSuffix(server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func openBackends(opts *JoinOptions, cfg config.Agent) (transport.Transport, store.DocumentStore, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var st store.DocumentStore
	if opts.Local {
		b, err := bolt.Open(cfg.BoltPath, nil)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open local store: %w", err)
		}
		closers = append(closers, func() { b.Close() })
		st = b
	} else {
		st = httpstore.New(cfg.ServerURL, 10*time.Second)
	}

	var tr transport.Transport
	if opts.Redis != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.Redis})
		closers = append(closers, func() { rdb.Close() })
		tr = transport.NewRedis(rdb)
	} else {
		tr = transport.NewWebSocket(transport.DefaultWebSocketSettings(relayURL(cfg.ServerURL)))
	}
	return tr, st, cleanup, nil
}

func runJoin(ctx context.Context, opts *JoinOptions, documentID string) error {
	log := opts.Log.Named("agent")
	cfg, err := config.LoadAgent(documentID)
	if err != nil {
		return err
	}
	if opts.Server != "" {
		cfg.ServerURL = opts.Server
	}
	if opts.UIAddr != "" {
		cfg.UIAddr = opts.UIAddr
	}

	tr, st, cleanup, err := openBackends(opts, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := session.Open(ctx, cfg.Session, tr, st, session.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			log.Errorf("Failed to close document: %v", err)
		}
	}()

	sess.OnConnectionStatus(func(state supervisor.State, err error) {
		if err != nil {
			log.Warnf("Connection %s: %v", state, err)
			return
		}
		log.Infof("Connection %s", state)
	})
	sess.OnSaveStatus(func(ev persistence.Event) {
		if ev.Err != nil {
			log.Warnf("Save %s: %v", ev.Status, ev.Err)
			return
		}
		log.Debugf("Save %s at version %d", ev.Status, ev.Version)
	})

	bridge := NewBridge(sess, log.Named("bridge"))
	go bridge.Run()
	defer bridge.Stop()
	stopChanges := sess.OnChange(func(crdt.UpdateEvent) { bridge.Changed() })
	defer stopChanges()

	r := mux.NewRouter()
	r.Handle("/ws", bridge)
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.UIDir)))
	srv := &http.Server{Addr: cfg.UIAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("CollabText agent is serving %s on %s...", documentID, cfg.UIAddr)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve editor UI: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
