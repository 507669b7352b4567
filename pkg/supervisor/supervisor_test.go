package supervisor

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

// markHealthy drives an instance from Starting all the way to Healthy:
// one full recovery-threshold crossing for Starting->Degraded, then
// another for Degraded->Healthy.
func markHealthy(s *Supervisor, id string) {
	g := s.instances[id]
	for i := 0; i < 2*s.cfg.RecoveryThreshold; i++ {
		s.transition(g, true)
	}
}

func newTestSupervisor(cfg Config) *Supervisor {
	s := New(cfg)
	return s
}

func TestGetReturnsNilWhenNoInstancesAvailable(t *testing.T) {
	s := newTestSupervisor(Config{})
	if g := s.Get(""); g != nil {
		t.Fatalf("expected nil with no instances, got %v", g)
	}
}

func TestRoundRobinCyclesThroughAvailableInstances(t *testing.T) {
	s := newTestSupervisor(Config{Strategy: RoundRobin, StickySessions: false})
	s.Register("a", "h1", 1, 1)
	s.Register("b", "h2", 2, 1)
	markHealthy(s, "a")
	markHealthy(s, "b")

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		g := s.Get("")
		if g == nil {
			t.Fatal("expected an instance")
		}
		seen[g.ID] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected round robin to visit both instances, saw %v", seen)
	}
}

func TestLeastConnectionsPicksLowestCount(t *testing.T) {
	s := newTestSupervisor(Config{Strategy: LeastConnections, StickySessions: false})
	s.Register("busy", "h1", 1, 1)
	s.Register("idle", "h2", 2, 1)
	markHealthy(s, "busy")
	markHealthy(s, "idle")

	s.IncrementConnections("busy")
	s.IncrementConnections("busy")
	s.IncrementConnections("idle")

	g := s.Get("")
	if g == nil || g.ID != "idle" {
		t.Fatalf("expected idle instance to be chosen, got %v", g)
	}
}

func TestIPHashIsStableForSameUser(t *testing.T) {
	s := newTestSupervisor(Config{Strategy: IPHash, StickySessions: false})
	s.Register("a", "h1", 1, 1)
	s.Register("b", "h2", 2, 1)
	s.Register("c", "h3", 3, 1)
	for _, id := range []string{"a", "b", "c"} {
		markHealthy(s, id)
	}

	first := s.Get("user-42")
	for i := 0; i < 5; i++ {
		again := s.Get("user-42")
		if again.ID != first.ID {
			t.Fatalf("expected ip_hash to consistently pick %s, got %s", first.ID, again.ID)
		}
	}
}

func TestStickySessionReusesAssignmentUntilExpiry(t *testing.T) {
	s := newTestSupervisor(Config{Strategy: RoundRobin, StickySessions: true, StickyTTL: 20 * time.Millisecond})
	s.Register("a", "h1", 1, 1)
	s.Register("b", "h2", 2, 1)
	markHealthy(s, "a")
	markHealthy(s, "b")

	first := s.Get("user-1")
	for i := 0; i < 3; i++ {
		again := s.Get("user-1")
		if again.ID != first.ID {
			t.Fatalf("expected sticky session to stay on %s, got %s", first.ID, again.ID)
		}
	}

	time.Sleep(30 * time.Millisecond)
	// affinity expired; a reassignment happens (may coincidentally match,
	// but the affinity record itself must have been dropped)
	s.Get("user-1")
	s.mu.Lock()
	_, stillPresent := s.affinity["user-1"]
	s.mu.Unlock()
	if !stillPresent {
		t.Fatal("expected a fresh affinity entry to be recorded after expiry")
	}
}

func TestStickySessionFallsOverWhenGatewayBecomesUnavailable(t *testing.T) {
	s := newTestSupervisor(Config{Strategy: RoundRobin, StickySessions: true, FailureThreshold: 1})
	s.Register("a", "h1", 1, 1)
	s.Register("b", "h2", 2, 1)
	markHealthy(s, "a")
	markHealthy(s, "b")

	first := s.Get("user-1")

	// force the assigned instance unhealthy
	s.transition(s.instances[first.ID], false)

	second := s.Get("user-1")
	if second == nil {
		t.Fatal("expected failover to the remaining healthy instance")
	}
	if second.ID == first.ID {
		t.Fatalf("expected failover away from now-unhealthy %s", first.ID)
	}
}

func TestUnregisterIsIdempotentAndPurgesAffinity(t *testing.T) {
	s := newTestSupervisor(Config{StickySessions: true})
	s.Register("a", "h1", 1, 1)
	markHealthy(s, "a")
	s.Get("user-1")

	if !s.Unregister("a") {
		t.Fatal("expected first unregister to report true")
	}
	if s.Unregister("a") {
		t.Fatal("expected second unregister of the same id to report false")
	}
	s.mu.Lock()
	_, present := s.affinity["user-1"]
	s.mu.Unlock()
	if present {
		t.Fatal("expected affinity entries for the unregistered gateway to be purged")
	}
}

func TestDrainExcludesFromNewAssignmentsButInstanceStaysRegistered(t *testing.T) {
	s := newTestSupervisor(Config{Strategy: RoundRobin})
	s.Register("a", "h1", 1, 1)
	markHealthy(s, "a")

	if !s.Drain("a") {
		t.Fatal("expected Drain to succeed on a registered instance")
	}
	if g := s.Get(""); g != nil {
		t.Fatalf("expected a draining-only fleet to have no available instance, got %v", g)
	}
	if len(s.List()) != 1 {
		t.Fatal("expected the draining instance to remain registered")
	}
}

func TestWeightedStrategyOnlyPicksAmongAvailable(t *testing.T) {
	s := newTestSupervisor(Config{Strategy: Weighted})
	s.Register("heavy", "h1", 1, 10)
	s.Register("light", "h2", 2, 1)
	markHealthy(s, "heavy")
	// light stays Starting (unavailable)

	for i := 0; i < 10; i++ {
		g := s.Get("")
		if g == nil || g.ID != "heavy" {
			t.Fatalf("expected only the available weighted instance to be chosen, got %v", g)
		}
	}
}

func TestFailureThresholdTransitionsToUnhealthy(t *testing.T) {
	s := newTestSupervisor(Config{FailureThreshold: 2})
	s.Register("a", "h1", 1, 1)
	markHealthy(s, "a")

	g := s.instances["a"]
	s.transition(g, false)
	if snap := g.snapshot(); snap.State != Degraded {
		t.Fatalf("expected single failure to degrade, not flip to unhealthy, got %v", snap.State)
	}
	s.transition(g, false)
	if snap := g.snapshot(); snap.State != Unhealthy {
		t.Fatalf("expected failure threshold crossing to mark unhealthy, got %v", snap.State)
	}
}

func TestRecoveryGoesThroughDegradedBeforeHealthy(t *testing.T) {
	s := newTestSupervisor(Config{FailureThreshold: 1, RecoveryThreshold: 2})
	s.Register("a", "h1", 1, 1)
	g := s.instances["a"]

	s.transition(g, false) // Starting -> Unhealthy
	if snap := g.snapshot(); snap.State != Unhealthy {
		t.Fatalf("expected Unhealthy, got %v", snap.State)
	}

	s.transition(g, true) // 1st success: recoveryCount=1, stays Unhealthy
	if snap := g.snapshot(); snap.State != Unhealthy {
		t.Fatalf("expected still Unhealthy after one success, got %v", snap.State)
	}
	s.transition(g, true) // 2nd success crosses threshold -> Degraded
	if snap := g.snapshot(); snap.State != Degraded {
		t.Fatalf("expected Degraded after crossing recovery threshold, got %v", snap.State)
	}
	s.transition(g, true)
	s.transition(g, true)
	if snap := g.snapshot(); snap.State != Healthy {
		t.Fatalf("expected Healthy after a second recovery-threshold crossing, got %v", snap.State)
	}
}

func TestCheckOneMarksHealthyOnHTTP200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	s := newTestSupervisor(Config{RecoveryThreshold: 1})
	s.Register("a", host, port, 1)

	s.checkOne(s.instances["a"])
	if snap := s.instances["a"].snapshot(); snap.State != Degraded {
		t.Fatalf("expected Starting+success to move to Degraded, got %v", snap.State)
	}
}

func TestCheckOneSkipsDrainingInstances(t *testing.T) {
	s := newTestSupervisor(Config{})
	s.Register("a", "127.0.0.1", 1, 1)
	s.Drain("a")
	before := s.instances["a"].snapshot().LastHealthCheck
	s.checkOne(s.instances["a"])
	after := s.instances["a"].snapshot().LastHealthCheck
	if !before.Equal(after) {
		t.Fatal("expected draining instances to be skipped by health checks")
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("failed to parse test server URL %q: %v", rawURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("failed to parse port from %q: %v", rawURL, err)
	}
	return u.Hostname(), port
}
