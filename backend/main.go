package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imalyk/bunny-relay/pkg/config"
	"github.com/imalyk/bunny-relay/pkg/metrics"
	"github.com/imalyk/bunny-relay/pkg/queue"
	"github.com/imalyk/bunny-relay/pkg/relay"
	"github.com/imalyk/bunny-relay/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	logger := relay.NewLogger(cfg)
	slog.SetDefault(logger)

	validate := cfg.Validate
	if cfg.DispatchMode == config.DispatchRedis {
		validate = cfg.ValidateDispatcher
	}
	if err := validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	rdb, err := relay.NewRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	ldg, err := relay.NewLedger(cfg, rdb, logger)
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var (
		d    dispatcher
		pool *transfer.Pool
	)
	switch cfg.DispatchMode {
	case config.DispatchRedis:
		d = queueDispatcher{queue: queue.NewRedis(rdb, queue.Config{
			Key:    cfg.RedisQueueKey,
			MaxLen: int64(cfg.QueueSize),
		}, logger)}
	default:
		worker, err := relay.NewWorker(ctx, cfg, ldg, logger, m)
		if err != nil {
			log.Fatalf("failed to initialise worker: %v", err)
		}
		pool = transfer.NewPool(worker, cfg.WorkerConcurrency, cfg.QueueSize, logger, m)
		d = poolDispatcher{pool: pool}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newServer(d, ldg, logger, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting backend", "addr", cfg.ListenAddr, "dispatch_mode", cfg.DispatchMode, "ledger", cfg.LedgerBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped with error", "error", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if pool != nil {
		if err := pool.Close(shutdownCtx); err != nil {
			logger.Error("transfers still running at shutdown were cancelled", "error", err)
		}
	}
	logger.Info("backend stopped")
}
