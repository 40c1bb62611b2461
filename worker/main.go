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
	"github.com/imalyk/bunny-relay/pkg/job"
	"github.com/imalyk/bunny-relay/pkg/metrics"
	"github.com/imalyk/bunny-relay/pkg/queue"
	"github.com/imalyk/bunny-relay/pkg/relay"
	"github.com/imalyk/bunny-relay/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	// The worker binary only exists to drain the Redis queue.
	cfg.DispatchMode = config.DispatchRedis

	logger := relay.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	w, err := newWorker(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise worker: %v", err)
	}
	defer w.close()

	logger.Info("starting worker", "queue", cfg.RedisQueueKey, "concurrency", cfg.WorkerConcurrency)
	if err := w.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", "error", err)
	}
}

type worker struct {
	cfg      config.Config
	logger   *slog.Logger
	queue    *queue.Redis
	transfer transfer.Runner
	registry *prometheus.Registry
	closers  []func() error
}

func newWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*worker, error) {
	rdb, err := relay.NewRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ldg, err := relay.NewLedger(cfg, rdb, logger)
	if err != nil {
		rdb.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	runner, err := relay.NewWorker(ctx, cfg, ldg, logger, metrics.New(reg))
	if err != nil {
		rdb.Close()
		return nil, err
	}

	return &worker{
		cfg:    cfg,
		logger: logger,
		queue: queue.NewRedis(rdb, queue.Config{
			Key:         cfg.RedisQueueKey,
			MaxLen:      int64(cfg.QueueSize),
			PollTimeout: cfg.PollTimeout,
		}, logger),
		transfer: runner,
		registry: reg,
		closers:  []func() error{rdb.Close},
	}, nil
}

// run starts one queue consumer per configured slot plus a metrics listener.
func (w *worker) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < w.cfg.WorkerConcurrency; i++ {
		g.Go(func() error {
			return w.queue.Consume(gctx, w.handle)
		})
	}

	srv := &http.Server{
		Addr:              w.cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Warn("metrics listener stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (w *worker) handle(ctx context.Context, msg job.Message) {
	w.logger.Info("received job", "job_id", msg.JobID, "filename", msg.Filename, "queued_for", time.Since(msg.EnqueuedAt))
	w.transfer.Run(ctx, transfer.Request{
		ID:         msg.JobID,
		SourceLink: msg.SourceLink,
		Filename:   msg.Filename,
	})
}

func (w *worker) close() {
	for _, c := range w.closers {
		if err := c(); err != nil {
			w.logger.Warn("close", "error", err)
		}
	}
}
