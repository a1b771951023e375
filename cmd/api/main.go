package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_post/internal/api"
	"github.com/austindbirch/harbor_post/internal/auth"
	"github.com/austindbirch/harbor_post/internal/config"
	"github.com/austindbirch/harbor_post/internal/db"
	"github.com/austindbirch/harbor_post/internal/delivery"
	"github.com/austindbirch/harbor_post/internal/health"
	"github.com/austindbirch/harbor_post/internal/idempotency"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
	"github.com/austindbirch/harbor_post/internal/newsletter"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

const serviceName = "harborpost-api"

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New(serviceName)

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	if cfg.DB.Migrate {
		version, err := db.Migrate(cfg.DSN())
		if err != nil {
			logger.Plain().WithError(err).Fatal("migrations failed")
		}
		logger.Plain().WithField("version", version).Info("schema up to date")
	}

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	validator, err := newValidator(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	store := idempotency.NewStore(pool, cfg.Idempotency.LockTimeout, logger)
	publisher := newsletter.NewPublisher(store, logger)
	queue := delivery.NewPostgresQueue(pool)
	handler := api.NewHandler(publisher, queue, logger, time.Second)

	// gRPC health only; the publish surface is plain HTTP
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, hs, serviceName, pool, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().Infof("api gRPC listening on %s", cfg.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC serve stopped")
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           newMux(handler, validator, pool, queue, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().Infof("api HTTP listening on %s", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("HTTP shutdown incomplete")
	}
	logger.Plain().Info("api stopped")
}

// newValidator prefers a configured PEM key and falls back to the issuer's JWKS
func newValidator(ctx context.Context, cfg config.Auth) (*auth.JWTValidator, error) {
	if cfg.PublicKeyPEM != "" {
		return auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("set JWT_PUBLIC_KEY or JWT_JWKS_URL")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	key, err := auth.FetchJWKS(fetchCtx, cfg.JWKSURL, "")
	if err != nil {
		return nil, err
	}
	return auth.NewJWTValidatorFromKey(key, cfg.Issuer, cfg.Audience), nil
}

// newMux serves /healthz and /metrics unauthenticated and everything else behind the validator
func newMux(handler *api.Handler, validator *auth.JWTValidator, pinger health.Pinger, queue health.DepthReader, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(pinger, queue))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handler.Routes(mux)
	return validator.HTTPMiddleware(mux)
}
