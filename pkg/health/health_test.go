package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthyProbeStaysHealthy(t *testing.T) {
	m := NewManager()
	m.Register("ok", func(ctx context.Context) error { return nil }, Config{Interval: 10 * time.Millisecond})
	m.Start()
	defer m.Stop()

	time.Sleep(35 * time.Millisecond)
	r := m.Report()
	if len(r) != 1 || r[0].Status != Healthy {
		t.Fatalf("expected probe to remain healthy, got %+v", r)
	}
}

func TestFailuresBelowThresholdStayHealthy(t *testing.T) {
	m := NewManager()
	m.Register("flaky", func(ctx context.Context) error { return errors.New("boom") },
		Config{Interval: 10 * time.Millisecond, FailureThreshold: 100})
	m.Start()
	defer m.Stop()

	time.Sleep(35 * time.Millisecond)
	r := m.Report()
	if r[0].Status != Healthy {
		t.Fatalf("expected probe below threshold to stay healthy, got %v", r[0].Status)
	}
}

func TestFailuresAtThresholdGoUnhealthy(t *testing.T) {
	m := NewManager()
	m.Register("bad", func(ctx context.Context) error { return errors.New("boom") },
		Config{Interval: 10 * time.Millisecond, FailureThreshold: 2})
	m.Start()
	defer m.Stop()

	time.Sleep(40 * time.Millisecond)
	if got := m.OverallStatus(); got != Unhealthy {
		t.Fatalf("expected Unhealthy after crossing failure threshold, got %v", got)
	}
}

func TestRecoveryGoesThroughDegradedBeforeHealthy(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	m := NewManager()
	m.Register("recovering", func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("still down")
		}
		return nil
	}, Config{Interval: 5 * time.Millisecond, FailureThreshold: 1, RecoveryThreshold: 2})
	m.Start()
	defer m.Stop()

	time.Sleep(15 * time.Millisecond)
	if got := m.OverallStatus(); got != Unhealthy {
		t.Fatalf("expected Unhealthy before recovery, got %v", got)
	}

	fail.Store(false)
	time.Sleep(12 * time.Millisecond)
	mid := m.OverallStatus()

	time.Sleep(12 * time.Millisecond)
	final := m.OverallStatus()

	if mid == Healthy {
		t.Error("expected a Degraded interim state, not an immediate jump to Healthy")
	}
	if final != Healthy {
		t.Errorf("expected Healthy once recovery threshold is crossed, got %v", final)
	}
}

func TestAutoRecoverCalledOnceOnUnhealthyTransition(t *testing.T) {
	var calls atomic.Int32
	m := NewManager()
	m.Register("dying", func(ctx context.Context) error { return errors.New("down") },
		Config{Interval: 5 * time.Millisecond, FailureThreshold: 1, AutoRecover: func(name string) {
			calls.Add(1)
		}})
	m.Start()
	defer m.Stop()

	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected AutoRecover to be invoked exactly once, got %d", got)
	}
}

func TestOverallStatusIsWorstAcrossProbes(t *testing.T) {
	m := NewManager()
	m.Register("good", func(ctx context.Context) error { return nil }, Config{Interval: time.Hour})
	m.Register("bad", func(ctx context.Context) error { return errors.New("x") },
		Config{Interval: 5 * time.Millisecond, FailureThreshold: 1})
	m.Start()
	defer m.Stop()

	time.Sleep(15 * time.Millisecond)
	if got := m.OverallStatus(); got != Unhealthy {
		t.Fatalf("expected the bad probe to drag overall status down, got %v", got)
	}
}

func TestReadyFalseWhenRequiredProbeUnhealthy(t *testing.T) {
	m := NewManager()
	m.Register("critical", func(ctx context.Context) error { return errors.New("x") },
		Config{Interval: 5 * time.Millisecond, FailureThreshold: 1, Severity: Required})
	m.Start()
	defer m.Stop()

	time.Sleep(15 * time.Millisecond)
	if m.Ready() {
		t.Fatal("expected Ready() to be false while a Required probe is unhealthy")
	}
}

func TestReadyIgnoresUnhealthyOptionalProbe(t *testing.T) {
	m := NewManager()
	m.Register("nice-to-have", func(ctx context.Context) error { return errors.New("x") },
		Config{Interval: 5 * time.Millisecond, FailureThreshold: 1, Severity: Optional})
	m.Start()
	defer m.Stop()

	time.Sleep(15 * time.Millisecond)
	if !m.Ready() {
		t.Fatal("expected Ready() to stay true when only an Optional probe is unhealthy")
	}
}

func TestSetShuttingDownOverridesReady(t *testing.T) {
	m := NewManager()
	m.Register("fine", func(ctx context.Context) error { return nil }, Config{Interval: time.Hour})
	m.Start()
	defer m.Stop()

	if !m.Ready() {
		t.Fatal("expected Ready() true before shutdown")
	}
	m.SetShuttingDown(true)
	if m.Ready() {
		t.Fatal("expected Ready() false once shutdown starts, regardless of probe state")
	}
}

func TestProbeExceedingTimeoutCountsAsFailure(t *testing.T) {
	m := NewManager()
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, Config{Interval: 20 * time.Millisecond, Timeout: 5 * time.Millisecond, FailureThreshold: 1})
	m.Start()
	defer m.Stop()

	time.Sleep(15 * time.Millisecond)
	if got := m.OverallStatus(); got != Unhealthy {
		t.Fatalf("expected a slow probe exceeding its timeout to count as failure, got %v", got)
	}
}

func TestHTTPHandlersReflectState(t *testing.T) {
	m := NewManager()
	m.Register("ok", func(ctx context.Context) error { return nil }, Config{Interval: time.Hour})
	m.Start()
	defer m.Stop()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200 from /ready, got %d", resp.StatusCode)
	}

	resp2, err := srv.Client().Get(srv.URL + "/health/detail")
	if err != nil {
		t.Fatalf("GET /health/detail: %v", err)
	}
	if resp2.StatusCode != 200 {
		t.Errorf("expected 200 from /health/detail, got %d", resp2.StatusCode)
	}
}
