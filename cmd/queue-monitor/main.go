package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_post/internal/config"
	"github.com/austindbirch/harbor_post/internal/db"
	"github.com/austindbirch/harbor_post/internal/delivery"
	"github.com/austindbirch/harbor_post/internal/health"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

// topicOnly labels depth counted on the topic itself rather than a channel
const topicOnly = "_topic"

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName string `json:"channel_name"`
			Depth       int64  `json:"depth"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

type monitor struct {
	queue    health.DepthReader
	nsqdHTTP string // empty skips NSQ
	dlqTopic string
	client   *http.Client
	log      *logging.Logger
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	const serviceName = "harborpost-queue-monitor"
	logger := logging.New(serviceName)

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN(), 2)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	m := &monitor{
		queue:  delivery.NewPostgresQueue(pool),
		client: &http.Client{Timeout: 5 * time.Second},
		log:    logger,
	}
	if cfg.Worker.PublishDLQ {
		m.nsqdHTTP = cfg.NSQ.NsqdHTTPAddr
		m.dlqTopic = cfg.NSQ.DLQTopic
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, nil))
	port := ":" + getEnv("MONITOR_PORT", "8084")
	srv := &http.Server{Addr: port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().Infof("queue monitor listening on %s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	if cfg.Worker.PublishDLQ {
		go func() {
			h := &deadLetterHandler{log: logger}
			if err := consumeDeadLetters(ctx, cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic, h); err != nil {
				logger.Plain().WithError(err).Error("dead-letter consumer failed")
			}
		}()
	}

	m.run(ctx, 15*time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.updateMetrics(ctx); err != nil && ctx.Err() == nil {
			m.log.Plain().WithError(err).Warn("error updating metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// updateMetrics refreshes the backlog gauge and, when configured, the dead-letter topic depth
func (m *monitor) updateMetrics(ctx context.Context) error {
	depth, err := m.queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("read queue depth: %w", err)
	}
	metrics.UpdateQueueBacklog(float64(depth))

	if m.nsqdHTTP == "" {
		return nil
	}
	return m.updateNSQ(ctx)
}

func (m *monitor) updateNSQ(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json&topic=%s", m.nsqdHTTP, m.dlqTopic), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.dlqTopic {
			continue
		}
		metrics.UpdateNSQTopicDepth(topic.TopicName, topicOnly, float64(topic.Depth))
		for _, channel := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.TopicName, channel.ChannelName, float64(channel.Depth))
		}
	}
	return nil
}
