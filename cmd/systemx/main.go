package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/systemx/systemx/internal/api"
	"github.com/systemx/systemx/internal/config"
	"github.com/systemx/systemx/internal/exchange"
	"github.com/systemx/systemx/internal/federation"
	"github.com/systemx/systemx/internal/logging"
	"github.com/systemx/systemx/internal/metrics"
	"github.com/systemx/systemx/internal/transport"
	"github.com/systemx/systemx/internal/wake"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Structured logging through a fan-out so additional sinks can
	// subscribe later without touching the logger.
	fanout := logging.NewFanout(logging.NewHandler(os.Stdout, cfg.SlogLevel(), cfg.LogFormat))
	logger := slog.New(fanout)
	slog.SetDefault(logger)

	slog.Info("starting systemx",
		"listen_addr", cfg.ListenAddr,
		"ring_timeout_ms", cfg.CallRingingTimeoutMs,
		"heartbeat_timeout_ms", cfg.HeartbeatTimeoutMs,
		"federation", cfg.FederationEnabled,
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Metrics registry with the exchange observer and scrape-time collector.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	observer := metrics.NewObserver(reg)

	router := exchange.NewRouter(exchange.Config{
		RingTimeout:      cfg.RingTimeout(),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		DialMaxAttempts:  cfg.DialRateMaxAttempts,
		DialWindow:       cfg.DialWindow(),
	}, wake.NewExecutor(logger), observer, logger)

	reg.MustRegister(metrics.NewCollector(router, time.Now()))

	var wg sync.WaitGroup

	// Heartbeat sweeper.
	sweeper := exchange.NewSweeper(router, cfg.HeartbeatInterval(), logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(appCtx)
	}()

	// Federation link to the parent exchange.
	if cfg.FederationEnabled {
		peer := federation.NewPeer(federation.Config{
			URL:               cfg.FederationURL,
			PeerID:            cfg.FederationPeerID,
			LocalDomain:       cfg.FederationLocalDomain,
			Routes:            config.ParseRoutes(cfg.FederationRoutes),
			AnnounceRoutes:    config.ParseRoutes(cfg.FederationAnnounceRoutes),
			AuthToken:         cfg.FederationAuthToken,
			ReconnectDelay:    cfg.FederationReconnectDelay(),
			HeartbeatInterval: cfg.FederationHeartbeatInterval(),
		}, router, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer.Run(appCtx)
		}()
	}

	handler := api.NewServer(transport.NewHandler(router, logger), reg)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCert != "" {
			errCh <- srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}

	// Stop background loops, disconnect everyone, then drain the listener.
	appCancel()
	router.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	wg.Wait()
	slog.Info("systemx stopped")
}
