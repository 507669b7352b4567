package session

import (
	"context"
	"testing"
	"time"

	"github.com/cursorbot/cursorbot/pkg/bus"
)

func TestBuildKeyDMScopes(t *testing.T) {
	tests := []struct {
		name string
		p    KeyParams
		want string
	}{
		{
			name: "main scope ignores peer",
			p:    KeyParams{AgentID: "main", ChatKind: bus.ChatDM, DMScope: DMScopeMain, CanonicalUser: "telegram:123"},
			want: "agent:main:main",
		},
		{
			name: "per-peer",
			p:    KeyParams{AgentID: "main", ChatKind: bus.ChatDM, DMScope: DMScopePerPeer, CanonicalUser: "telegram:123"},
			want: "agent:main:dm:telegram:123",
		},
		{
			name: "per-channel-peer",
			p:    KeyParams{AgentID: "main", Transport: "telegram", ChatKind: bus.ChatDM, DMScope: DMScopePerChannelPeer, CanonicalUser: "telegram:123"},
			want: "agent:main:telegram:dm:telegram:123",
		},
		{
			name: "group",
			p:    KeyParams{AgentID: "main", Transport: "telegram", ChatKind: bus.ChatGroup, ChatID: "g1"},
			want: "agent:main:telegram:group:g1",
		},
		{
			name: "group with thread topic",
			p:    KeyParams{AgentID: "main", Transport: "telegram", ChatKind: bus.ChatGroup, ChatID: "g1", ThreadID: "t1"},
			want: "agent:main:telegram:group:g1:topic:t1",
		},
		{
			name: "thread",
			p:    KeyParams{AgentID: "main", Transport: "discord", ChatKind: bus.ChatThread, ChatID: "c1", ThreadID: "t1"},
			want: "agent:main:discord:thread:c1:t1",
		},
		{
			name: "channel",
			p:    KeyParams{AgentID: "main", Transport: "discord", ChatKind: bus.ChatChannel, ChatID: "c1"},
			want: "agent:main:discord:channel:c1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildKey(tt.p); got != tt.want {
				t.Errorf("BuildKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetOrOpenCreatesThenReuses(t *testing.T) {
	r := NewRegistry("", DefaultConfig())
	scope := Scope{AgentID: "main", Transport: "telegram", ChatKind: bus.ChatDM, DMScope: DMScopePerPeer, CanonicalUser: "telegram:1"}

	a, err := r.GetOrOpen(scope)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.GetOrOpen(scope)
	if err != nil {
		t.Fatal(err)
	}
	if a.SessionID != b.SessionID {
		t.Fatal("expected the same session to be reused")
	}
}

func TestGetOrOpenArchivesStaleSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultReset = ResetPolicy{Mode: ResetIdle, IdleMinutes: 10}
	r := NewRegistry("", cfg)

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	scope := Scope{AgentID: "main", Transport: "telegram", ChatKind: bus.ChatDM, DMScope: DMScopeMain}
	first, err := r.GetOrOpen(scope)
	if err != nil {
		t.Fatal(err)
	}

	r.now = func() time.Time { return fixed.Add(20 * time.Minute) }
	second, err := r.GetOrOpen(scope)
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("expected a new session after idle staleness")
	}
	if len(r.history) != 1 {
		t.Fatalf("expected one archived entry, got %d", len(r.history))
	}
}

func TestResetPreservesDisplayHints(t *testing.T) {
	r := NewRegistry("", DefaultConfig())
	scope := Scope{AgentID: "main", Transport: "telegram", ChatKind: bus.ChatGroup, ChatID: "g1", DisplayName: "Team Chat"}

	_, err := r.GetOrOpen(scope)
	if err != nil {
		t.Fatal(err)
	}

	reset, err := r.Reset(Scope{AgentID: "main", Transport: "telegram", ChatKind: bus.ChatGroup, ChatID: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	if reset.DisplayName != "Team Chat" {
		t.Errorf("expected display name preserved across reset, got %q", reset.DisplayName)
	}
}

func TestRecordTokensMonotonic(t *testing.T) {
	r := NewRegistry("", DefaultConfig())
	scope := Scope{AgentID: "main", ChatKind: bus.ChatDM, DMScope: DMScopeMain}
	e, err := r.GetOrOpen(scope)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.RecordTokens(e.SessionKey, 10, 20, 100); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordTokens(e.SessionKey, 5, 5, 150); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetByKey(e.SessionKey)
	if err != nil {
		t.Fatal(err)
	}
	if got.InputTokens != 15 || got.OutputTokens != 25 || got.ContextTokens != 150 {
		t.Errorf("unexpected token counters: %+v", got)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	r := NewRegistry("", DefaultConfig())
	if _, err := r.GetByID("nope"); err == nil {
		t.Fatal("expected NotFound error")
	}
}

func TestSweepArchivesStale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultReset = ResetPolicy{Mode: ResetIdle, IdleMinutes: 1}
	r := NewRegistry("", cfg)

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	if _, err := r.GetOrOpen(Scope{AgentID: "main", ChatKind: bus.ChatDM, DMScope: DMScopeMain}); err != nil {
		t.Fatal(err)
	}

	r.now = func() time.Time { return fixed.Add(time.Hour) }
	n := r.Sweep()
	if n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if len(r.List()) != 0 {
		t.Fatal("expected no live sessions after sweep")
	}
}

func TestStartSweeperFallsBackOnInvalidCron(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultReset = ResetPolicy{Mode: ResetIdle, IdleMinutes: 1}
	r := NewRegistry("", cfg)

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	if _, err := r.GetOrOpen(Scope{AgentID: "main", ChatKind: bus.ChatDM, DMScope: DMScopeMain}); err != nil {
		t.Fatal(err)
	}
	r.now = func() time.Time { return fixed.Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartSweeper(ctx, "not a cron expression", 10*time.Millisecond)

	deadline := time.After(time.Second)
	for {
		if len(r.List()) == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected fallback interval sweep to archive the stale session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
