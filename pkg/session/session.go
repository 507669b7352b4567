package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/cerr"
	"github.com/cursorbot/cursorbot/pkg/fileutil"
	"github.com/cursorbot/cursorbot/pkg/logger"
)

func readFile(path string) ([]byte, error) { return os.ReadFile(path) }
func isNotExist(err error) bool            { return os.IsNotExist(err) }

// ResetMode selects how a session becomes stale (spec §4.3).
type ResetMode string

const (
	ResetNever   ResetMode = "never"
	ResetManual  ResetMode = "manual"
	ResetDaily   ResetMode = "daily"
	ResetIdle    ResetMode = "idle"
)

// ResetPolicy configures one reset mode and its parameter.
type ResetPolicy struct {
	Mode        ResetMode `json:"mode"`
	AtHour      int       `json:"at_hour"`      // for Daily
	IdleMinutes int       `json:"idle_minutes"` // for Idle
}

func DefaultResetPolicy() ResetPolicy {
	return ResetPolicy{Mode: ResetDaily, AtHour: 4, IdleMinutes: 120}
}

// isStale implements spec §4.3: Never/Manual never auto-reset; Daily(h) is
// stale if last-activity precedes the most recent wall-clock crossing of
// hour h; Idle(m) is stale after m minutes of inactivity.
func (p ResetPolicy) isStale(lastActivity, now time.Time) bool {
	switch p.Mode {
	case ResetDaily:
		resetToday := time.Date(now.Year(), now.Month(), now.Day(), p.AtHour, 0, 0, 0, now.Location())
		if now.Hour() < p.AtHour {
			resetToday = resetToday.AddDate(0, 0, -1)
		}
		return lastActivity.Before(resetToday)
	case ResetIdle:
		threshold := now.Add(-time.Duration(p.IdleMinutes) * time.Minute)
		return lastActivity.Before(threshold)
	default: // Never, Manual
		return false
	}
}

// Origin records the provenance of a session (spec §3 Session attributes).
type Origin struct {
	Label     string `json:"label,omitempty"`
	Provider  string `json:"provider,omitempty"`
	FromID    string `json:"from_id,omitempty"`
	ToID      string `json:"to_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Entry is one row of the session table (spec §3 "Session"). Field names and
// JSON tags follow the external sessions.json contract (spec.md:242)
// verbatim, so the store this process writes is the same shape another
// reader of that contract would expect.
//
// Invariants enforced by the Registry, not by this struct alone: (1) exactly
// one live Entry per SessionKey; (2) MessageCount is monotonic;
// (3) CreatedAt <= UpdatedAt <= LastMessageAt.
type Entry struct {
	SessionID  string       `json:"session_id"`
	SessionKey string       `json:"session_key"`
	Canonical  string       `json:"user_id"`
	ChatID     string       `json:"chat_id"`
	ChatKind   bus.ChatKind `json:"chat_type"`
	Transport  string       `json:"channel"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastMessageAt time.Time `json:"last_message_at"`

	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	ContextTokens int64 `json:"context_tokens"`

	MessageCount    int64 `json:"message_count"`
	CompactionCount int64 `json:"compaction_count"`

	Origin Origin `json:"origin"`

	DisplayName  string `json:"display_name,omitempty"`
	Subject      string `json:"subject,omitempty"`
	ExecutorChat string `json:"cli_chat_id,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// TotalTokens is derived (input+output), matching spec.md:242's total_tokens
// field — marshaled alongside the stored counters rather than stored
// separately, so it can never drift out of sync with them.
func (e *Entry) TotalTokens() int64 { return e.InputTokens + e.OutputTokens }

// MarshalJSON adds the derived total_tokens field to the stored shape.
func (e *Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(struct {
		*alias
		TotalTokens int64 `json:"total_tokens"`
	}{alias: (*alias)(e), TotalTokens: e.TotalTokens()})
}

// UnmarshalJSON ignores any persisted total_tokens (derived, recomputed on
// read) while tolerating its presence in older snapshots.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type alias Entry
	aux := struct {
		*alias
		TotalTokens int64 `json:"total_tokens"`
	}{alias: (*alias)(e)}
	return json.Unmarshal(data, &aux)
}

// LastActivity is the most recent of the two timestamps spec.md:270 orders
// (updated_at, last_message_at), used by reset-policy staleness checks.
func (e *Entry) LastActivity() time.Time {
	if e.LastMessageAt.After(e.UpdatedAt) {
		return e.LastMessageAt
	}
	return e.UpdatedAt
}

func (e *Entry) touch(now time.Time) {
	e.UpdatedAt = now
	e.LastMessageAt = now
}

// Scope is the input to get_or_open/reset: everything needed to derive the
// session key and seed a freshly opened Entry.
type Scope struct {
	AgentID       string
	Transport     string
	ChatID        string
	ChatKind      bus.ChatKind
	ThreadID      string
	CanonicalUser string
	DMScope       DMScope
	MainKey       string
	DisplayName   string
	Subject       string
	AccountID     string
}

func (s Scope) key() string {
	return BuildKey(KeyParams{
		AgentID: s.AgentID, Transport: s.Transport, ChatID: s.ChatID,
		ChatKind: s.ChatKind, ThreadID: s.ThreadID, CanonicalUser: s.CanonicalUser,
		DMScope: s.DMScope, MainKey: s.MainKey,
	})
}

// Config selects reset policy by chat kind/transport and carries the
// identity-link table used to collapse cross-platform DM peers.
type Config struct {
	DefaultReset    ResetPolicy
	ResetByChatKind map[bus.ChatKind]ResetPolicy
	ResetByChannel  map[string]ResetPolicy
	IdentityLinks   map[string][]string
	ResetTriggers   []string
}

func DefaultConfig() Config {
	return Config{
		DefaultReset:    DefaultResetPolicy(),
		ResetByChatKind: map[bus.ChatKind]ResetPolicy{},
		ResetByChannel:  map[string]ResetPolicy{},
		IdentityLinks:   map[string][]string{},
		ResetTriggers:   []string{"/new", "/reset", "/newchat"},
	}
}

func (c Config) policyFor(kind bus.ChatKind, transport string) ResetPolicy {
	if transport != "" {
		if p, ok := c.ResetByChannel[transport]; ok {
			return p
		}
	}
	if p, ok := c.ResetByChatKind[kind]; ok {
		return p
	}
	return c.DefaultReset
}

// Registry implements Session Registry (C3): session table, scope-driven key
// derivation, reset policies, token counters, and a write-through JSON
// snapshot (spec §4.3, §5 "single writer lock for structural changes; per-
// session mutex for in-flight turn serialization").
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Entry
	history  []*Entry // archived (stale/reset) entries, counters preserved

	perKeyMu map[string]*sync.Mutex

	cfg       Config
	storePath string

	now func() time.Time
}

// NewRegistry constructs a Registry backed by storePath. If storePath names
// an existing file, it is loaded; load errors degrade to an empty registry
// with a logged warning, never a crash (spec §4.3).
func NewRegistry(storePath string, cfg Config) *Registry {
	r := &Registry{
		sessions:  map[string]*Entry{},
		perKeyMu:  map[string]*sync.Mutex{},
		cfg:       cfg,
		storePath: storePath,
		now:       time.Now,
	}
	r.load()
	return r
}

func (r *Registry) lockFor(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.perKeyMu[key]
	if !ok {
		m = &sync.Mutex{}
		r.perKeyMu[key] = m
	}
	return m
}

// GetOrOpen implements get_or_open(scope) (spec §4.3): build key; if a
// session exists and is not stale, touch and return it; if stale, archive it
// (counters preserved in history) and open a new one; if absent, open a new
// one. Opening assigns a fresh session-id; the session-key is reused.
func (r *Registry) GetOrOpen(scope Scope) (*Entry, error) {
	key := scope.key()

	keyMu := r.lockFor(key)
	keyMu.Lock()
	defer keyMu.Unlock()

	now := r.now()

	r.mu.Lock()
	existing, ok := r.sessions[key]
	r.mu.Unlock()

	if ok {
		policy := r.cfg.policyFor(scope.ChatKind, scope.Transport)
		if !policy.isStale(existing.LastActivity(), now) {
			r.mu.Lock()
			existing.touch(now)
			r.mu.Unlock()
			r.saveAsync()
			return existing, nil
		}
		r.archive(existing)
	}

	entry := r.newEntry(key, scope, now)
	r.mu.Lock()
	r.sessions[key] = entry
	r.mu.Unlock()
	r.saveAsync()
	return entry, nil
}

func (r *Registry) newEntry(key string, scope Scope, now time.Time) *Entry {
	return &Entry{
		SessionID:     uuid.NewString(),
		SessionKey:    key,
		Canonical:     scope.CanonicalUser,
		ChatID:        scope.ChatID,
		ChatKind:      scope.ChatKind,
		Transport:     scope.Transport,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: now,
		DisplayName:   scope.DisplayName,
		Subject:       scope.Subject,
		Origin: Origin{
			Provider:  scope.Transport,
			FromID:    scope.CanonicalUser,
			ToID:      scope.ChatID,
			AccountID: scope.AccountID,
			ThreadID:  scope.ThreadID,
		},
		Metadata: map[string]string{},
	}
}

// archive moves a stale/reset entry into history, preserving its counters
// (spec §4.3: "archive (counters preserved in history)"). Caller must hold
// the per-key mutex for key.
func (r *Registry) archive(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, e.SessionKey)
	r.history = append(r.history, e)
}

// Reset implements reset(scope) (spec §4.3): forces a new session preserving
// display hints (display_name, subject).
func (r *Registry) Reset(scope Scope) (*Entry, error) {
	key := scope.key()

	keyMu := r.lockFor(key)
	keyMu.Lock()
	defer keyMu.Unlock()

	r.mu.Lock()
	old, ok := r.sessions[key]
	r.mu.Unlock()

	displayName, subject := scope.DisplayName, scope.Subject
	if ok {
		if displayName == "" {
			displayName = old.DisplayName
		}
		if subject == "" {
			subject = old.Subject
		}
		r.archive(old)
	}

	scope.DisplayName, scope.Subject = displayName, subject
	entry := r.newEntry(key, scope, r.now())

	r.mu.Lock()
	r.sessions[key] = entry
	r.mu.Unlock()
	r.saveAsync()
	return entry, nil
}

// GetByKey returns the live entry for a session key, or NotFound.
func (r *Registry) GetByKey(key string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[key]
	if !ok {
		return nil, cerr.New(cerr.NotFound, "session not found", map[string]any{"session_key": key})
	}
	return e, nil
}

// GetByID scans for a session by its session-id, failing with NotFound
// (spec §4.3: "Fails with NotFound from get_by_id").
func (r *Registry) GetByID(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.sessions {
		if e.SessionID == id {
			return e, nil
		}
	}
	return nil, cerr.New(cerr.NotFound, "session not found", map[string]any{"session_id": id})
}

// RecordTokens adds to a session's token counters monotonically
// (spec §4.3 record_tokens).
func (r *Registry) RecordTokens(key string, input, output, contextTokens int64) error {
	r.mu.Lock()
	e, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return cerr.New(cerr.NotFound, "session not found", map[string]any{"session_key": key})
	}
	e.InputTokens += input
	e.OutputTokens += output
	if contextTokens > 0 {
		e.ContextTokens = contextTokens
	}
	r.mu.Unlock()
	r.saveAsync()
	return nil
}

// IncrementMessageCount bumps message_count and touches last-activity.
func (r *Registry) IncrementMessageCount(key string) error {
	r.mu.Lock()
	e, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return cerr.New(cerr.NotFound, "session not found", map[string]any{"session_key": key})
	}
	e.MessageCount++
	e.touch(r.now())
	r.mu.Unlock()
	r.saveAsync()
	return nil
}

// SetExecutorChat stores the executor-side chat handle (spec §4.3
// set_executor_chat, §4.6).
func (r *Registry) SetExecutorChat(key, handle string) error {
	r.mu.Lock()
	e, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return cerr.New(cerr.NotFound, "session not found", map[string]any{"session_key": key})
	}
	e.ExecutorChat = handle
	r.mu.Unlock()
	r.saveAsync()
	return nil
}

// SetMetadata records an out-of-band key/value on a session's metadata
// bag, such as the gateway instance a multi-gateway Supervisor selected
// for this user's sticky session.
func (r *Registry) SetMetadata(key, field, value string) error {
	r.mu.Lock()
	e, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return cerr.New(cerr.NotFound, "session not found", map[string]any{"session_key": key})
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[field] = value
	r.mu.Unlock()
	r.saveAsync()
	return nil
}

// Sweep iterates once and archives stale entries (spec §4.3 sweep: "called
// on a timer and at startup"). Returns the number archived.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.RLock()
	var stale []*Entry
	for _, e := range r.sessions {
		policy := r.cfg.policyFor(e.ChatKind, e.Transport)
		if policy.isStale(e.LastActivity(), now) {
			stale = append(stale, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range stale {
		r.lockFor(e.SessionKey).Lock()
		r.archive(e)
		r.lockFor(e.SessionKey).Unlock()
	}
	if len(stale) > 0 {
		r.saveAsync()
		logger.InfoCF("session", "Swept stale sessions", map[string]any{"count": len(stale)})
	}
	return len(stale)
}

// StartSweeper runs Sweep on a recurring schedule until ctx is cancelled,
// mirroring pkg/heartbeat's start/stop ticker-goroutine shape. When
// cronExpr is non-empty and valid, github.com/adhocore/gronx computes each
// next firing time (so "stale sweeps every night at 4am" can be expressed
// directly); otherwise it falls back to a plain fixedInterval ticker.
func (r *Registry) StartSweeper(ctx context.Context, cronExpr string, fixedInterval time.Duration) {
	gron := gronx.New()
	useCron := cronExpr != "" && gron.IsValid(cronExpr)
	if cronExpr != "" && !useCron {
		logger.WarnCF("session", "invalid sweep cron expression, falling back to fixed interval", map[string]any{"expr": cronExpr})
	}

	go func() {
		for {
			var wait time.Duration
			if useCron {
				next, err := gronx.NextTickAfter(cronExpr, r.now(), false)
				if err != nil {
					logger.WarnCF("session", "sweep schedule lookup failed, falling back to fixed interval", map[string]any{"error": err.Error()})
					wait = fixedInterval
				} else {
					wait = time.Until(next)
				}
			} else {
				wait = fixedInterval
			}
			if wait <= 0 {
				wait = time.Minute
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				r.Sweep()
			}
		}
	}()
}

// List returns live sessions sorted by most-recent activity first.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity().After(out[j].LastActivity()) })
	return out
}

// --- Snapshot persistence (spec §4.3, §5: write-through, atomic rename) ---

type snapshot struct {
	Sessions map[string]*Entry `json:"sessions"`
}

func (r *Registry) load() {
	if r.storePath == "" {
		return
	}
	data, err := readFile(r.storePath)
	if err != nil {
		if !isNotExist(err) {
			logger.WarnCF("session", "Failed to load session store, starting empty", map[string]any{"error": err.Error()})
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.WarnCF("session", "Session store corrupt, starting empty", map[string]any{"error": err.Error()})
		return
	}
	if snap.Sessions != nil {
		r.sessions = snap.Sessions
	}
	logger.InfoCF("session", "Loaded sessions from store", map[string]any{"count": len(r.sessions)})
}

// Flush persists the current session snapshot immediately. Lifecycle
// calls this during shutdown (spec §4.11 "persist Session snapshot")
// rather than relying on saveAsync's normal write-on-mutation triggers.
func (r *Registry) Flush() {
	r.saveAsync()
}

// saveAsync performs a best-effort, synchronous write-through save. It is
// named "Async" to mark the call as fire-and-forget from the caller's
// perspective: failures are logged, never returned, matching spec §4.3
// "best-effort durability".
func (r *Registry) saveAsync() {
	if r.storePath == "" {
		return
	}
	r.mu.RLock()
	snap := snapshot{Sessions: make(map[string]*Entry, len(r.sessions))}
	for k, v := range r.sessions {
		cp := *v
		snap.Sessions[k] = &cp
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		logger.ErrorCF("session", "Failed to marshal session store", map[string]any{"error": err.Error()})
		return
	}
	if err := fileutil.WriteFileAtomic(r.storePath, data, 0o644); err != nil {
		logger.ErrorCF("session", "Failed to persist session store", map[string]any{"error": err.Error()})
	}
}

func (e *Entry) String() string {
	return fmt.Sprintf("Entry{key=%s, id=%s, messages=%d}", e.SessionKey, e.SessionID, e.MessageCount)
}
