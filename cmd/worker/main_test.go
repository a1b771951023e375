package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
)

type blockingRunner struct {
	started *atomic.Int32
	err     error
}

func (r blockingRunner) Run(ctx context.Context) error {
	r.started.Add(1)
	if r.err != nil {
		return r.err
	}
	<-ctx.Done()
	return nil
}

func TestRunWorkers_StopsOnCancel(t *testing.T) {
	var started atomic.Int32
	workers := []blockingRunner{{started: &started}, {started: &started}, {started: &started}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runWorkers(ctx, workers) }()

	deadline := time.Now().Add(time.Second)
	for started.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 3 loops started", started.Load())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runWorkers() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runWorkers() did not return after cancel")
	}
}

func TestRunWorkers_FailingLoopStopsTheRest(t *testing.T) {
	var started atomic.Int32
	boom := errors.New("boom")
	workers := []blockingRunner{{started: &started}, {started: &started, err: boom}}

	select {
	case err := <-func() chan error {
		ch := make(chan error, 1)
		go func() { ch <- runWorkers(context.Background(), workers) }()
		return ch
	}():
		if !errors.Is(err, boom) {
			t.Errorf("runWorkers() error = %v, want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("runWorkers() did not return after a loop failed")
	}
}

type countingDepth struct {
	n     int64
	err   error
	calls atomic.Int32
}

func (d *countingDepth) Depth(context.Context) (int64, error) {
	d.calls.Add(1)
	return d.n, d.err
}

func TestMonitorBacklog(t *testing.T) {
	metrics.UpdateQueueBacklog(0)
	queue := &countingDepth{n: 42}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitorBacklog(ctx, queue, 5*time.Millisecond, logging.Discard())
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for queue.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("backlog was not polled repeatedly")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := testutil.ToFloat64(metrics.QueueBacklog); got != 42 {
		t.Errorf("queue backlog gauge = %v, want 42", got)
	}
}

func TestMonitorBacklog_KeepsGaugeOnError(t *testing.T) {
	metrics.UpdateQueueBacklog(7)
	queue := &countingDepth{err: errors.New("db down")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitorBacklog(ctx, queue, time.Hour, logging.Discard())
		close(done)
	}()
	for queue.calls.Load() < 1 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := testutil.ToFloat64(metrics.QueueBacklog); got != 7 {
		t.Errorf("queue backlog gauge = %v, want 7", got)
	}
}
