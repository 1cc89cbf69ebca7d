package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/whisper/chat-notify/internal/config"
	"github.com/whisper/chat-notify/internal/dispatch"
	"github.com/whisper/chat-notify/internal/ingress"
	"github.com/whisper/chat-notify/internal/ledger"
	"github.com/whisper/chat-notify/internal/messaging"
	"github.com/whisper/chat-notify/internal/metrics"
	"github.com/whisper/chat-notify/internal/push"
	"github.com/whisper/chat-notify/internal/ratelimit"
	"github.com/whisper/chat-notify/internal/token"
	"github.com/whisper/chat-notify/internal/typing"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume chat events and deliver push notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	log.Info().Msg("starting chat-notify dispatcher")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	sender, err := push.NewClient(ctx, cfg.Push)
	if err != nil {
		return err
	}

	dispatchOpts := []dispatch.Option{dispatch.WithLogger(log)}
	if cfg.Dispatch.Pacer == "redis" {
		limiter := ratelimit.NewLimiter(rdb, ratelimit.PushRule(cfg.Dispatch.RatePerSec), log)
		dispatchOpts = append(dispatchOpts, dispatch.WithPacer(limiter))
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		version, err := ledger.Migrate(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		db, err = ledger.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(ledger.NewStore(db)))
		log.Info().Uint("schema_version", version).Msg("delivery ledger enabled")
	}

	dispatcher := dispatch.New(cfg.Dispatch, token.NewDirectory(rdb), sender, newClaimStore(cfg.Dispatch, rdb), dispatchOpts...)

	typingStore := typing.NewStore(rdb)
	sweeper := typing.NewSweeper(typingStore, cfg.Typing.Freshness, log)

	in := ingress.New(cfg.Ingress, dispatcher, sweeper, typingStore, log)

	nc, err := messaging.NewNATSClient(cfg.NATS, log)
	if err != nil {
		return err
	}

	if cfg.Typing.SweepSchedule != "" {
		sched := typing.NewScheduler(sweeper, cfg.Typing.SweepSchedule, cfg.Typing.SweepTimeout, log)
		if err := sched.Start(ctx); err != nil {
			nc.Close()
			return err
		}
		defer sched.Stop()
	}

	srv := newMetricsServer(cfg.MetricsAddr, rdb, nc)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server failed")
		}
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- in.Run(ctx) }()

	err = nc.Consume(ctx, cfg.NATS, ingress.Subjects(), func(msg jetstream.Msg) {
		in.Enqueue(ctx, msg)
	})
	if err != nil {
		cancel()
		nc.Close()
		<-runDone
		srv.Close()
		return err
	}

	log.Info().
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATS.URL).
		Str("metrics_addr", cfg.MetricsAddr).
		Int("workers", cfg.Ingress.Workers).
		Bool("ledger", db != nil).
		Msg("chat-notify dispatcher running")

	<-ctx.Done()
	log.Info().Msg("shutting down...")

	nc.Close()
	<-runDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown")
	}
	return nil
}

func newClaimStore(cfg dispatch.Config, rdb *redis.Client) dispatch.ClaimStore {
	if cfg.ClaimStore == "memory" {
		return dispatch.NewMemoryClaims(cfg.InflightTTL(), cfg.ClaimTTL)
	}
	return dispatch.NewRedisClaims(rdb, cfg.InflightTTL(), cfg.ClaimTTL)
}

func newMetricsServer(addr string, rdb *redis.Client, nc *messaging.NATSClient) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, fmt.Sprintf("redis: %v", err), http.StatusServiceUnavailable)
			return
		}
		if !nc.Connected() {
			http.Error(w, "nats: disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
