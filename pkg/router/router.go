// Package router implements Router (C4, spec §4.4): channel configuration,
// ordered rule evaluation, and the deny-dominant short-circuit semantics
// codified by scenario S5.
package router

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/logger"
)

// ChannelConfig is per-chat settings (spec §3 "Channel config").
// Invariant: deny-set takes precedence over allow-set.
type ChannelConfig struct {
	Enabled       bool
	AssignedAgent string
	ForwardTo     []string
	ForwardGlobal bool
	AutoReply     bool
	AllowCommands map[string]bool // empty = all allowed
	DenyCommands  map[string]bool
	MessageFilter *regexp.Regexp
	RateLimit     int // messages/minute, 0 = no limit
	Cooldown      time.Duration

	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int64

	lastProcessed time.Time // for Cooldown
	windowStart   time.Time // for RateLimit
	windowCount   int
}

func newChannelConfig() *ChannelConfig {
	return &ChannelConfig{
		Enabled:       true,
		AutoReply:     true,
		AllowCommands: map[string]bool{},
		DenyCommands:  map[string]bool{},
		CreatedAt:     time.Now(),
	}
}

// shouldProcess implements ChannelConfig.should_process (spec §3, §4.4
// step 2): deny-set beats allow-set; a present allow-set excludes anything
// not listed; Cooldown then RateLimit gate last, since both consult and
// mutate rolling state and must only run once the message is otherwise
// admissible.
func (c *ChannelConfig) shouldProcess(now time.Time, message, command string) bool {
	if !c.Enabled {
		return false
	}
	if command != "" {
		if c.DenyCommands[command] {
			return false
		}
		if len(c.AllowCommands) > 0 && !c.AllowCommands[command] {
			return false
		}
	}
	if c.MessageFilter != nil && !c.MessageFilter.MatchString(message) {
		return false
	}
	if c.Cooldown > 0 && !c.lastProcessed.IsZero() && now.Sub(c.lastProcessed) < c.Cooldown {
		return false
	}
	if c.RateLimit > 0 {
		if now.Sub(c.windowStart) >= time.Minute {
			c.windowStart = now
			c.windowCount = 0
		}
		if c.windowCount >= c.RateLimit {
			return false
		}
		c.windowCount++
	}
	c.lastProcessed = now
	return true
}

// Rule is a declarative predicate → action (spec §3 "Route rule").
type Rule struct {
	Name     string
	Priority int

	ChatIDPattern  *regexp.Regexp
	ChatKinds      map[bus.ChatKind]bool
	MessagePattern *regexp.Regexp
	CommandPattern *regexp.Regexp

	TargetAgent     string
	ForwardChannels []string
	Transform       func(string) (string, error)
	Block           bool
}

func (r *Rule) matches(chatID string, chatKind bus.ChatKind, message, command string) bool {
	if r.ChatIDPattern != nil && !r.ChatIDPattern.MatchString(chatID) {
		return false
	}
	if len(r.ChatKinds) > 0 && !r.ChatKinds[chatKind] {
		return false
	}
	if r.MessagePattern != nil && !r.MessagePattern.MatchString(message) {
		return false
	}
	if r.CommandPattern != nil && !r.CommandPattern.MatchString(command) {
		return false
	}
	return true
}

// Decision is what route(...) returns (spec §4.4).
type Decision struct {
	Processed       bool
	Blocked         bool
	TargetAgent     string
	TransformedText string
	Forwards        []string
}

// FailedForward carries one per-target forward diagnosis (spec §4.4
// "forward(...) returns {success:[], failed:[]} with per-target diagnosis").
type FailedForward struct {
	Target string
	Reason string
}

// ForwardResult is what forward(text, targets, source?) returns.
type ForwardResult struct {
	Success []string
	Failed  []FailedForward
}

// SendFunc is a registered per-channel send handler used by Forward.
type SendFunc func(target, text, source string) error

// Router owns the channel-config table and the global ordered rule list.
// SetRules sorts a clone of the new rules and swaps it in under the write
// lock; readers take the read lock and copy the rule slice, so reads are
// not lock-free. Channel-config updates change the table in place under
// the write lock.
type Router struct {
	mu       sync.RWMutex
	channels map[string]*ChannelConfig
	rules    []*Rule // kept sorted by descending priority, stable on write
	senders  map[string]SendFunc
	aliases  map[string]string
}

func New() *Router {
	return &Router{
		channels: map[string]*ChannelConfig{},
		senders:  map[string]SendFunc{},
		aliases:  map[string]string{},
	}
}

// SetAliases replaces the command-alias table (e.g. "e" -> "echo"),
// consulted by ResolveAlias ahead of rule matching.
func (rt *Router) SetAliases(aliases map[string]string) {
	cloned := make(map[string]string, len(aliases))
	for k, v := range aliases {
		cloned[k] = v
	}
	rt.mu.Lock()
	rt.aliases = cloned
	rt.mu.Unlock()
}

// ResolveAlias rewrites a leading "/alias" token to its configured target
// command, leaving the rest of the text untouched. A command with no
// configured alias is returned unchanged.
func (rt *Router) ResolveAlias(command string) string {
	if command == "" {
		return command
	}
	rt.mu.RLock()
	target, ok := rt.aliases[command]
	rt.mu.RUnlock()
	if !ok {
		return command
	}
	return target
}

func (rt *Router) channelConfig(chatID string) *ChannelConfig {
	rt.mu.RLock()
	c, ok := rt.channels[chatID]
	rt.mu.RUnlock()
	if ok {
		return c
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if c, ok = rt.channels[chatID]; ok {
		return c
	}
	c = newChannelConfig()
	rt.channels[chatID] = c
	return c
}

// SetRules replaces the global rule list, sorting by descending priority
// with a stable sort so equal-priority rules keep their given (insertion)
// order (spec §3: "stable order for equal priorities").
func (rt *Router) SetRules(rules []*Rule) {
	cloned := make([]*Rule, len(rules))
	copy(cloned, rules)
	sort.SliceStable(cloned, func(i, j int) bool { return cloned[i].Priority > cloned[j].Priority })

	rt.mu.Lock()
	rt.rules = cloned
	rt.mu.Unlock()
}

func (rt *Router) ConfigureChannel(chatID string, fn func(*ChannelConfig)) {
	c := rt.channelConfig(chatID)
	rt.mu.Lock()
	fn(c)
	rt.mu.Unlock()
}

// Route implements route(chat_id, chat_kind, text, command, metadata)
// (spec §4.4).
func (rt *Router) Route(chatID string, chatKind bus.ChatKind, text, command string, metadata map[string]string) Decision {
	command = rt.ResolveAlias(command)
	cfg := rt.channelConfig(chatID)

	now := time.Now()
	rt.mu.Lock()
	cfg.LastActivity = now
	cfg.MessageCount++
	enabled := cfg.shouldProcess(now, text, command)
	assignedAgent := cfg.AssignedAgent
	forwardTo := append([]string(nil), cfg.ForwardTo...)
	forwardGlobal := cfg.ForwardGlobal
	rt.mu.Unlock()

	if !enabled {
		return Decision{Processed: false, Blocked: true}
	}

	rt.mu.RLock()
	rules := make([]*Rule, len(rt.rules))
	copy(rules, rt.rules)
	rt.mu.RUnlock()

	transformed := text
	var targetAgent string
	var forwards []string

	for _, rule := range rules {
		if !rule.matches(chatID, chatKind, text, command) {
			continue
		}
		if rule.Block {
			return Decision{Processed: true, Blocked: true, TargetAgent: targetAgent, TransformedText: transformed, Forwards: dedupe(forwards)}
		}
		if rule.TargetAgent != "" {
			targetAgent = rule.TargetAgent // last writer wins
		}
		forwards = append(forwards, rule.ForwardChannels...)
		if rule.Transform != nil {
			out, err := rule.Transform(transformed)
			if err != nil {
				logger.WarnCF("router", "Rule transform raised, retaining prior state", map[string]any{
					"rule": rule.Name, "error": err.Error(),
				})
				continue
			}
			transformed = out
		}
	}

	if targetAgent == "" {
		targetAgent = assignedAgent
	}
	if forwardGlobal {
		forwards = append(forwards, forwardTo...)
	}

	return Decision{
		Processed:       true,
		Blocked:         false,
		TargetAgent:     targetAgent,
		TransformedText: transformed,
		Forwards:        dedupe(forwards),
	}
}

func dedupe(items []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// RegisterSender binds a per-channel send handler for Forward.
func (rt *Router) RegisterSender(channel string, fn SendFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.senders[channel] = fn
}

// Forward delegates to registered per-channel send handlers, never raising:
// every failure is captured as a FailedForward entry (spec §4.4).
func (rt *Router) Forward(text string, targets []string, source string) ForwardResult {
	rt.mu.RLock()
	senders := make(map[string]SendFunc, len(rt.senders))
	for k, v := range rt.senders {
		senders[k] = v
	}
	rt.mu.RUnlock()

	var result ForwardResult
	for _, target := range targets {
		send, ok := senders[target]
		if !ok {
			result.Failed = append(result.Failed, FailedForward{Target: target, Reason: "no sender registered"})
			continue
		}
		if err := send(target, text, source); err != nil {
			result.Failed = append(result.Failed, FailedForward{Target: target, Reason: err.Error()})
			continue
		}
		result.Success = append(result.Success, target)
	}
	return result
}
