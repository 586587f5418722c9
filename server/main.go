package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"collabtext/internal/config"
	"collabtext/internal/rpc"
	"collabtext/internal/store"
	"collabtext/internal/store/postgres"
	"collabtext/internal/store/sqlite"
)

// ServiceType is the mDNS service agents browse for.
const ServiceType = "_collabtext._tcp"

func openStore(ctx context.Context, cfg config.Server) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.Connect(ctx, cfg.DatabaseURL, clock.New())
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath, clock.New())
	case "memory":
		return store.NewMemory(nil), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func newRouter(rdb *redis.Client, st store.Store, log *zap.SugaredLogger) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws", NewRelay(rdb, log.Named("relay")))
	rpc.Register(r, st, log.Named("rpc"))
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// announce registers the server over mDNS so agents on the LAN can find it.
func announce(instance, listenAddr string) (*zeroconf.Server, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse listen address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse listen port: %w", err)
	}
	host, _ := os.Hostname()
	return zeroconf.Register(
		fmt.Sprintf("%s-%s", instance, host),
		ServiceType,
		"local.",
		port,
		[]string{"txtv=0", "path=/ws"},
		nil,
	)
}

func main() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	log := logger.New(logLevel)
	defer func(logger *zap.SugaredLogger) {
		_ = logger.Sync()
	}(log)

	cfg, err := config.LoadServer()
	if err != nil {
		zap.S().Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Connect to Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		zap.S().Fatalf("Could not connect to Redis: %v", err)
	}
	defer rdb.Close()
	log.Info("Connected to Redis successfully.")

	// --- Open the document store ---
	st, err := openStore(ctx, cfg)
	if err != nil {
		zap.S().Fatalf("Unable to open %s store: %v", cfg.StoreDriver, err)
	}
	defer st.Close()
	log.Infof("Opened %s document store.", cfg.StoreDriver)

	if cfg.Announce {
		mdns, err := announce(cfg.InstanceName, cfg.ListenAddr)
		if err != nil {
			log.Warnf("Failed to register mDNS service: %v", err)
		} else {
			defer mdns.Shutdown()
			log.Infof("mDNS Service registered: %s", ServiceType)
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(rdb, st, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("CollabText sync server starting on %s...", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zap.S().Fatalf("Failed to start server: %v", err)
	}
}
