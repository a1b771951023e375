package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakePinger struct{ err error }

func (p *fakePinger) Ping(context.Context) error { return p.err }

type fakeDepth struct {
	n   int64
	err error
}

func (d fakeDepth) Depth(context.Context) (int64, error) { return d.n, d.err }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name       string
		db         Pinger
		queue      DepthReader
		wantStatus int
		wantOK     bool
		wantDepth  *int64
	}{
		{name: "no database configured", db: nil, wantStatus: http.StatusOK, wantOK: true},
		{name: "database up", db: &fakePinger{}, wantStatus: http.StatusOK, wantOK: true},
		{
			name:       "database up with backlog",
			db:         &fakePinger{},
			queue:      fakeDepth{n: 7},
			wantStatus: http.StatusOK,
			wantOK:     true,
			wantDepth:  func() *int64 { n := int64(7); return &n }(),
		},
		{
			name:       "backlog unreadable",
			db:         &fakePinger{},
			queue:      fakeDepth{err: errors.New("relation does not exist")},
			wantStatus: http.StatusOK,
			wantOK:     true,
		},
		{name: "database down", db: &fakePinger{err: errors.New("refused")}, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HTTPHandler(tt.db, tt.queue)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var st Status
			if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if st.OK != tt.wantOK || st.Database != tt.wantOK {
				t.Errorf("status = %+v, want ok=%v", st, tt.wantOK)
			}
			switch {
			case tt.wantDepth == nil && st.QueueDepth != nil:
				t.Errorf("queue_depth = %d, want omitted", *st.QueueDepth)
			case tt.wantDepth != nil && (st.QueueDepth == nil || *st.QueueDepth != *tt.wantDepth):
				t.Errorf("queue_depth = %v, want %d", st.QueueDepth, *tt.wantDepth)
			}
		})
	}
}

func TestWatch(t *testing.T) {
	srv := health.NewServer()
	db := &fakePinger{err: errors.New("down")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Watch(ctx, srv, "harborpost.api", db, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "harborpost.api"})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never became NOT_SERVING: %v, %v", resp, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch() did not return after cancel")
	}
}
