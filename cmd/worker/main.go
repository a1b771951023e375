package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_post/internal/config"
	"github.com/austindbirch/harbor_post/internal/db"
	"github.com/austindbirch/harbor_post/internal/delivery"
	"github.com/austindbirch/harbor_post/internal/emailclient"
	"github.com/austindbirch/harbor_post/internal/health"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

const (
	serviceName     = "harborpost-worker"
	backlogInterval = 15 * time.Second
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	logger := logging.New(serviceName)

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	sender, err := emailclient.New(emailclient.Config{
		BaseURL:    cfg.Email.BaseURL,
		Sender:     cfg.Email.Sender,
		AuthToken:  cfg.Email.AuthToken,
		Timeout:    cfg.Email.Timeout,
		RatePerSec: cfg.Email.RatePerSec,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("email client setup failed")
	}

	opts := delivery.Options{PollInterval: cfg.Worker.PollInterval, Logger: logger}
	if cfg.Worker.PublishDLQ {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer failed")
		}
		defer prod.Stop()
		opts.DeadLetters = delivery.NewNSQDeadLetters(prod, cfg.NSQ.DLQTopic)
	}

	queue := delivery.NewPostgresQueue(pool)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, queue))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().Infof("worker HTTP listening on %s", cfg.Worker.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("HTTP serve failed")
		}
	}()

	go monitorBacklog(ctx, queue, backlogInterval, logger)

	workers := make([]*delivery.Worker, max(cfg.Worker.Concurrency, 1))
	for i := range workers {
		workers[i] = delivery.NewWorker(queue, sender, opts)
	}
	logger.Plain().WithField("concurrency", len(workers)).Info("worker started")

	if err := runWorkers(ctx, workers); err != nil {
		logger.Plain().WithError(err).Error("worker loop failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker stopped")
}

type runner interface {
	Run(ctx context.Context) error
}

// runWorkers runs every loop until ctx is cancelled and waits for in-flight
// iterations to finish
func runWorkers[R runner](ctx context.Context, workers []R) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

// monitorBacklog publishes the queue depth gauge until ctx is done
func monitorBacklog(ctx context.Context, queue health.DepthReader, interval time.Duration, logger *logging.Logger) {
	update := func() {
		n, err := queue.Depth(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Plain().WithError(err).Warn("failed to read queue backlog")
			}
			return
		}
		metrics.UpdateQueueBacklog(float64(n))
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
