package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zackees/agentfleet/internal/auth"
	"github.com/zackees/agentfleet/internal/clock"
	"github.com/zackees/agentfleet/internal/cluster/server"
	"github.com/zackees/agentfleet/internal/config"
	"github.com/zackees/agentfleet/internal/events"
	"github.com/zackees/agentfleet/internal/logging"
	"github.com/zackees/agentfleet/internal/notify"
	"github.com/zackees/agentfleet/internal/store"
	"github.com/zackees/agentfleet/internal/sweeper"
	"github.com/zackees/agentfleet/internal/web"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, logging.ParseLevel(cfg.LogLevel))

	fmt.Println("clusterd " + version)
	fmt.Println("=============================================")
	fmt.Printf("CLUSTER_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("CLUSTER_EXTERNAL_BASE_URL=%s\n", cfg.ExternalBaseURL)
	fmt.Printf("CLUSTER_HEARTBEAT_INTERVAL=%s\n", cfg.HeartbeatInterval)
	fmt.Printf("CLUSTER_FRESH_FOR=%s CLUSTER_STALE_FOR=%s\n", cfg.FreshFor, cfg.StaleFor)
	fmt.Printf("CLUSTER_DB_PATH=%s\n", cfg.DBPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}

	db, err := store.Open(cfg.DBPath, log.Logger, store.Options{
		Clock:    clk,
		FreshFor: cfg.FreshFor,
		StaleFor: cfg.StaleFor,
	})
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	bus := events.New(cfg.EventSendDeadline)
	issuer := auth.NewIssuer(db, clk, cfg.SessionTTL)

	srv := server.New(db, bus, issuer, issuer, cfg, log.Logger)
	api := web.New(db, srv, issuer, cfg.BootstrapToken, log.Logger)

	var notifier notify.Notifier = notify.NewLogNotifier(log.Logger)
	if cfg.TelegramBotToken != "" {
		notifier = notify.NewTelegram(cfg.TelegramBotToken)
		log.Info("telegram notifications enabled")
	}
	relay := notify.NewRelay(db, notifier, bus, log.Logger)
	go relay.Run(ctx)

	sw := sweeper.New(db, bus, cfg.SweepInterval, log.Logger)
	if err := sw.Start(); err != nil {
		log.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}
	defer sw.Stop()

	log.Info("clusterd started", "version", version)

	err = srv.ListenAndServe(ctx, cfg.ListenAddr, func(mux *http.ServeMux) {
		api.Mount(mux)
		mux.Handle("GET /metrics", promhttp.Handler())
	})
	if err != nil {
		log.Error("clusterd exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("clusterd shutdown complete")
}
