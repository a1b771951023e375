package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Status struct {
	OK         bool   `json:"ok"`
	Message    string `json:"message,omitempty"`
	Database   bool   `json:"database"`
	QueueDepth *int64 `json:"queue_depth,omitempty"`
}

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// DepthReader is satisfied by *delivery.PostgresQueue
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// Check pings the database and, when queue is non-nil, reads the delivery backlog
func Check(ctx context.Context, db Pinger, queue DepthReader) Status {
	st := Status{OK: true, Message: "ok", Database: true}
	if db == nil {
		return st
	}

	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		return Status{OK: false, Message: "db ping failed"}
	}
	if queue != nil {
		if n, err := queue.Depth(ctx); err == nil {
			st.QueueDepth = &n
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(db Pinger, queue DepthReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), db, queue)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch keeps the gRPC health status of service in step with the database
// until ctx is done
func Watch(ctx context.Context, srv *health.Server, service string, db Pinger, interval time.Duration) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Check(ctx, db, nil).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus(service, status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
