// Package ratelimit implements the Rate Limiter (spec §4.2): per
// (canonical user, kind) token buckets with refill, burst, cooldown, and
// explicit temporary blocks.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cursorbot/cursorbot/pkg/cerr"
)

// Kind names a resource kind a bucket tracks (spec §4.2 defaults table).
type Kind string

const (
	KindRequests Kind = "requests"
	KindCommands Kind = "commands"
	KindTokens   Kind = "tokens"
	KindUploads  Kind = "uploads"
	KindWebsocket Kind = "websocket"
)

// Rule configures one bucket kind: capacity/window expressed as a refill
// rate plus a burst ceiling, and an optional cooldown applied on denial.
type Rule struct {
	RatePerSecond float64
	Burst         int
	Cooldown      time.Duration
}

// DefaultRules mirrors spec §4.2 defaults: requests 60/min burst 10;
// commands 30/min burst 5; tokens 100000/hour; uploads 10/5-min;
// websocket 100/min.
func DefaultRules() map[Kind]Rule {
	return map[Kind]Rule{
		KindRequests:  {RatePerSecond: 60.0 / 60.0, Burst: 10},
		KindCommands:  {RatePerSecond: 30.0 / 60.0, Burst: 5},
		KindTokens:    {RatePerSecond: 100000.0 / 3600.0, Burst: 100000},
		KindUploads:   {RatePerSecond: 10.0 / 300.0, Burst: 10},
		KindWebsocket: {RatePerSecond: 100.0 / 60.0, Burst: 100},
	}
}

// Result is what check(user, kind, cost) returns (spec §4.2).
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type bucket struct {
	limiter       *rate.Limiter
	rule          Rule
	cooldownUntil time.Time
}

// Limiter is the per-(user, kind) token-bucket registry.
//
// Internally each bucket is backed by golang.org/x/time/rate.Limiter, which
// already implements the "refill by elapsed*rate, clamp to burst" behavior
// spec §4.2 describes; the cooldown and explicit-block layers wrap it.
type Limiter struct {
	mu      sync.Mutex
	rules   map[Kind]Rule
	buckets map[string]map[Kind]*bucket
	blocked map[string]time.Time

	now func() time.Time
}

func New(rules map[Kind]Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		rules:   rules,
		buckets: map[string]map[Kind]*bucket{},
		blocked: map[string]time.Time{},
		now:     time.Now,
	}
}

func (l *Limiter) getBucket(user string, kind Kind) *bucket {
	perUser, ok := l.buckets[user]
	if !ok {
		perUser = map[Kind]*bucket{}
		l.buckets[user] = perUser
	}
	b, ok := perUser[kind]
	if !ok {
		rule := l.rules[kind]
		if rule.Burst <= 0 {
			rule = Rule{RatePerSecond: 1, Burst: 100}
		}
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(rule.RatePerSecond), rule.Burst),
			rule:    rule,
		}
		perUser[kind] = b
	}
	return b
}

// Check implements check(user, kind, cost) (spec §4.2). Order of evaluation:
// explicit block → cooldown → refill → bucket test.
func (l *Limiter) Check(user string, kind Kind, cost int) Result {
	if cost <= 0 {
		cost = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if until, ok := l.blocked[user]; ok {
		if now.Before(until) {
			return Result{Allowed: false, Remaining: 0, ResetAt: until, RetryAfter: until.Sub(now)}
		}
		delete(l.blocked, user)
	}

	b := l.getBucket(user, kind)

	if now.Before(b.cooldownUntil) {
		return Result{Allowed: false, Remaining: 0, ResetAt: b.cooldownUntil, RetryAfter: b.cooldownUntil.Sub(now)}
	}

	reservation := b.limiter.ReserveN(now, cost)
	if !reservation.OK() {
		// cost exceeds the burst capacity, so waiting cannot help: deny with
		// no RetryAfter, and start the rule's Cooldown if one is set.
		reservation.CancelAt(now)
		if b.rule.Cooldown > 0 {
			b.cooldownUntil = now.Add(b.rule.Cooldown)
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: now}
	}

	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		if b.rule.Cooldown > 0 {
			b.cooldownUntil = now.Add(b.rule.Cooldown)
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(delay), RetryAfter: delay}
	}

	remaining := int(b.limiter.TokensAt(now))
	return Result{Allowed: true, Remaining: remaining, ResetAt: now}
}

// RequireCheck wraps Check as a *cerr.Error producer for callers that want
// to propagate RateLimitExceeded directly (spec §4.2/§7).
func (l *Limiter) RequireCheck(user string, kind Kind, cost int) error {
	res := l.Check(user, kind, cost)
	if res.Allowed {
		return nil
	}
	return cerr.RateLimit(res.RetryAfter)
}

// Block implements block_user(user, duration): an explicit temporary block
// that denies all kinds until its expiry, independent of any bucket state.
func (l *Limiter) Block(user string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[user] = l.now().Add(duration)
}

func (l *Limiter) Unblock(user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, user)
}

func (l *Limiter) IsBlocked(user string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.blocked[user]
	if !ok {
		return false
	}
	return l.now().Before(until)
}

// SetRule overrides the rule for a kind at runtime (spec §4.2: "Defaults
// may be overridden at runtime").
func (l *Limiter) SetRule(kind Kind, rule Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[kind] = rule
	for _, perUser := range l.buckets {
		delete(perUser, kind)
	}
}
