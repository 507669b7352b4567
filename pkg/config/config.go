// Package config loads CursorBot's startup configuration: channel
// credentials, the gateway supervisor pool, rate-limit overrides, queue
// and health tuning, and lifecycle timeouts. Grounded on the teacher's
// pkg/config/config.go: a YAML file provides the base (following §10.3's
// "file-based config over per-variable env vars"), then
// github.com/caarlos0/env/v11 overlays matching environment variables,
// exactly as LoadConfig/env.Parse did in the teacher.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/fileutil"
	"github.com/cursorbot/cursorbot/pkg/lifecycle"
	"github.com/cursorbot/cursorbot/pkg/ratelimit"
	"github.com/cursorbot/cursorbot/pkg/router"
	"github.com/cursorbot/cursorbot/pkg/supervisor"
)

// Config is the root startup configuration (spec §10.3, §6).
type Config struct {
	Channels  ChannelsConfig  `yaml:"channels"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     QueueConfig     `yaml:"queue"`
	Health    HealthConfig    `yaml:"health"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Session   SessionConfig   `yaml:"session"`
	Router    RouterConfig    `yaml:"router"`
}

// ChannelsConfig holds one entry per adapter named in spec §6's transport
// list (Telegram, Discord, WebChat, API, Webhook, Signal, Google Chat).
type ChannelsConfig struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Discord    DiscordConfig    `yaml:"discord"`
	WebChat    WebChatConfig    `yaml:"webchat"`
	API        APIConfig        `yaml:"api"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Signal     SignalConfig     `yaml:"signal"`
	GoogleChat GoogleChatConfig `yaml:"googlechat"`
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled" env:"CURSORBOT_CHANNELS_TELEGRAM_ENABLED"`
	Token     string   `yaml:"token"   env:"CURSORBOT_CHANNELS_TELEGRAM_TOKEN"`
	Proxy     string   `yaml:"proxy"   env:"CURSORBOT_CHANNELS_TELEGRAM_PROXY"`
	AllowFrom []string `yaml:"allow_from"`
}

type DiscordConfig struct {
	Enabled   bool     `yaml:"enabled" env:"CURSORBOT_CHANNELS_DISCORD_ENABLED"`
	Token     string   `yaml:"token"   env:"CURSORBOT_CHANNELS_DISCORD_TOKEN"`
	AllowFrom []string `yaml:"allow_from"`
}

type WebChatConfig struct {
	Enabled      bool     `yaml:"enabled"      env:"CURSORBOT_CHANNELS_WEBCHAT_ENABLED"`
	ListenAddr   string   `yaml:"listen_addr"  env:"CURSORBOT_CHANNELS_WEBCHAT_LISTEN_ADDR"`
	AllowOrigins []string `yaml:"allow_origins"`
}

type APIConfig struct {
	Enabled    bool   `yaml:"enabled"     env:"CURSORBOT_CHANNELS_API_ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"CURSORBOT_CHANNELS_API_LISTEN_ADDR"`
	AuthToken  string `yaml:"auth_token"  env:"CURSORBOT_CHANNELS_API_AUTH_TOKEN"`
}

type WebhookConfig struct {
	Enabled    bool   `yaml:"enabled"     env:"CURSORBOT_CHANNELS_WEBHOOK_ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"CURSORBOT_CHANNELS_WEBHOOK_LISTEN_ADDR"`
	Secret     string `yaml:"secret"      env:"CURSORBOT_CHANNELS_WEBHOOK_SECRET"`
}

type SignalConfig struct {
	Enabled       bool   `yaml:"enabled"         env:"CURSORBOT_CHANNELS_SIGNAL_ENABLED"`
	PhoneNumber   string `yaml:"phone_number"    env:"CURSORBOT_CHANNELS_SIGNAL_PHONE_NUMBER"`
	SignalCLIAddr string `yaml:"signal_cli_addr" env:"CURSORBOT_CHANNELS_SIGNAL_CLI_ADDR"`
}

type GoogleChatConfig struct {
	Enabled            bool   `yaml:"enabled"              env:"CURSORBOT_CHANNELS_GOOGLECHAT_ENABLED"`
	ServiceAccountFile string `yaml:"service_account_file" env:"CURSORBOT_CHANNELS_GOOGLECHAT_SERVICE_ACCOUNT_FILE"`
	ProjectID          string `yaml:"project_id"           env:"CURSORBOT_CHANNELS_GOOGLECHAT_PROJECT_ID"`
	ListenAddr         string `yaml:"listen_addr"          env:"CURSORBOT_CHANNELS_GOOGLECHAT_LISTEN_ADDR"`
}

// InstanceConfig describes one backend instance the supervisor balances
// across (spec §4.9).
type InstanceConfig struct {
	ID     string `yaml:"id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Weight int    `yaml:"weight"`
}

// GatewayConfig configures the multi-gateway supervisor pool (spec §4.9).
type GatewayConfig struct {
	Host                string           `yaml:"host" env:"CURSORBOT_GATEWAY_HOST"`
	Port                int              `yaml:"port" env:"CURSORBOT_GATEWAY_PORT"`
	Strategy            string           `yaml:"strategy"` // round_robin|least_connections|random|ip_hash|weighted
	HealthCheckInterval time.Duration    `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration    `yaml:"health_check_timeout"`
	FailureThreshold    int              `yaml:"failure_threshold"`
	RecoveryThreshold   int              `yaml:"recovery_threshold"`
	StickySessions      bool             `yaml:"sticky_sessions"`
	StickyTTL           time.Duration    `yaml:"sticky_ttl"`
	Instances           []InstanceConfig `yaml:"instances"`
}

var strategyByName = map[string]supervisor.Strategy{
	"round_robin":       supervisor.RoundRobin,
	"least_connections": supervisor.LeastConnections,
	"random":            supervisor.Random,
	"ip_hash":           supervisor.IPHash,
	"weighted":          supervisor.Weighted,
}

// SupervisorConfig converts this section into pkg/supervisor.Config,
// falling back to supervisor's own defaults for anything unset.
func (g GatewayConfig) SupervisorConfig() supervisor.Config {
	strategy, ok := strategyByName[g.Strategy]
	if !ok {
		strategy = supervisor.RoundRobin
	}
	return supervisor.Config{
		Strategy:            strategy,
		HealthCheckInterval: g.HealthCheckInterval,
		HealthCheckTimeout:  g.HealthCheckTimeout,
		FailureThreshold:    g.FailureThreshold,
		RecoveryThreshold:   g.RecoveryThreshold,
		StickySessions:      g.StickySessions,
		StickyTTL:           g.StickyTTL,
	}
}

// RateLimitConfig overrides a subset of pkg/ratelimit's default rules
// (spec §4.2 defaults table). Zero fields leave the built-in default for
// that kind untouched.
type RateLimitConfig struct {
	Overrides map[string]RateLimitRule `yaml:"overrides"`
}

type RateLimitRule struct {
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// Rules merges this config's overrides onto ratelimit.DefaultRules.
func (r RateLimitConfig) Rules() map[ratelimit.Kind]ratelimit.Rule {
	rules := ratelimit.DefaultRules()
	for kind, override := range r.Overrides {
		rule := rules[ratelimit.Kind(kind)]
		if override.RatePerSecond != 0 {
			rule.RatePerSecond = override.RatePerSecond
		}
		if override.Burst != 0 {
			rule.Burst = override.Burst
		}
		if override.Cooldown != 0 {
			rule.Cooldown = override.Cooldown
		}
		rules[ratelimit.Kind(kind)] = rule
	}
	return rules
}

// RouterConfig configures the Router (C4, spec §4.4): the command-alias
// table, the global ordered rule list, and per-chat-id channel overrides.
// Rule.Transform is a Go closure and has no YAML representation, so
// config-driven rules are limited to matching, blocking, forwarding, and
// agent targeting; arbitrary text transforms remain a programmatic-only
// Router.SetRules caller.
type RouterConfig struct {
	Aliases  map[string]string            `yaml:"aliases"`
	Rules    []RouteRuleConfig            `yaml:"rules"`
	Channels map[string]ChannelRuleConfig `yaml:"channels"`
}

type RouteRuleConfig struct {
	Name            string   `yaml:"name"`
	Priority        int      `yaml:"priority"`
	ChatIDPattern   string   `yaml:"chat_id_pattern"`
	ChatKinds       []string `yaml:"chat_kinds"`
	MessagePattern  string   `yaml:"message_pattern"`
	CommandPattern  string   `yaml:"command_pattern"`
	TargetAgent     string   `yaml:"target_agent"`
	ForwardChannels []string `yaml:"forward_channels"`
	Block           bool     `yaml:"block"`
}

// ChannelRuleConfig overrides router.ChannelConfig for one chat-id (spec §3
// "Channel config"). Enabled is a pointer so an omitted field leaves the
// router's own default (enabled) untouched rather than zero-valuing to
// false.
type ChannelRuleConfig struct {
	Enabled       *bool         `yaml:"enabled"`
	AssignedAgent string        `yaml:"assigned_agent"`
	ForwardTo     []string      `yaml:"forward_to"`
	ForwardGlobal bool          `yaml:"forward_global"`
	AllowCommands []string      `yaml:"allow_commands"`
	DenyCommands  []string      `yaml:"deny_commands"`
	MessageFilter string        `yaml:"message_filter"`
	RateLimit     int           `yaml:"rate_limit"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// Rules compiles RouteRuleConfig entries into router.Rule, failing fast on
// a malformed regular expression rather than silently dropping the rule.
func (rc RouterConfig) Rules() ([]*router.Rule, error) {
	out := make([]*router.Rule, 0, len(rc.Rules))
	for _, r := range rc.Rules {
		rule := &router.Rule{
			Name:            r.Name,
			Priority:        r.Priority,
			TargetAgent:     r.TargetAgent,
			ForwardChannels: r.ForwardChannels,
			Block:           r.Block,
		}
		if r.ChatIDPattern != "" {
			re, err := regexp.Compile(r.ChatIDPattern)
			if err != nil {
				return nil, fmt.Errorf("router rule %q: chat_id_pattern: %w", r.Name, err)
			}
			rule.ChatIDPattern = re
		}
		if r.MessagePattern != "" {
			re, err := regexp.Compile(r.MessagePattern)
			if err != nil {
				return nil, fmt.Errorf("router rule %q: message_pattern: %w", r.Name, err)
			}
			rule.MessagePattern = re
		}
		if r.CommandPattern != "" {
			re, err := regexp.Compile(r.CommandPattern)
			if err != nil {
				return nil, fmt.Errorf("router rule %q: command_pattern: %w", r.Name, err)
			}
			rule.CommandPattern = re
		}
		if len(r.ChatKinds) > 0 {
			rule.ChatKinds = make(map[bus.ChatKind]bool, len(r.ChatKinds))
			for _, k := range r.ChatKinds {
				rule.ChatKinds[bus.ChatKind(k)] = true
			}
		}
		out = append(out, rule)
	}
	return out, nil
}

// Apply wires this RouterConfig's aliases, rules, and per-channel overrides
// into rt. Called once at startup, before any message is routed.
func (rc RouterConfig) Apply(rt *router.Router) error {
	if len(rc.Aliases) > 0 {
		rt.SetAliases(rc.Aliases)
	}
	rules, err := rc.Rules()
	if err != nil {
		return err
	}
	if len(rules) > 0 {
		rt.SetRules(rules)
	}
	for chatID, cc := range rc.Channels {
		cc := cc
		var filter *regexp.Regexp
		if cc.MessageFilter != "" {
			re, err := regexp.Compile(cc.MessageFilter)
			if err != nil {
				return fmt.Errorf("router channel %q: message_filter: %w", chatID, err)
			}
			filter = re
		}
		rt.ConfigureChannel(chatID, func(c *router.ChannelConfig) {
			if cc.Enabled != nil {
				c.Enabled = *cc.Enabled
			}
			c.AssignedAgent = cc.AssignedAgent
			c.ForwardTo = cc.ForwardTo
			c.ForwardGlobal = cc.ForwardGlobal
			c.RateLimit = cc.RateLimit
			c.Cooldown = cc.Cooldown
			c.MessageFilter = filter
			for _, cmd := range cc.AllowCommands {
				c.AllowCommands[cmd] = true
			}
			for _, cmd := range cc.DenyCommands {
				c.DenyCommands[cmd] = true
			}
		})
	}
	return nil
}

// QueueConfig configures the Queue (spec §4.10).
type QueueConfig struct {
	MaxConcurrent     int           `yaml:"max_concurrent"      env:"CURSORBOT_QUEUE_MAX_CONCURRENT"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	DefaultMaxRetries int           `yaml:"default_max_retries" env:"CURSORBOT_QUEUE_DEFAULT_MAX_RETRIES"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	RateLimitPerSec   float64       `yaml:"rate_limit_per_second"`
}

// HealthConfig holds a probe interval and timeout read from YAML.
// registerDefaultProbes does not read it; the default probes run with
// pkg/health's built-in Config defaults.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LifecycleConfig sets the Lifecycle's shutdown timeouts (spec §4.11).
type LifecycleConfig struct {
	HookTimeout  time.Duration `yaml:"hook_timeout"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
	DrainOnStop  bool          `yaml:"drain_on_stop"`
}

// SessionConfig configures the Session Registry (spec §3, §4.3).
type SessionConfig struct {
	DMScope       string        `yaml:"dm_scope" env:"CURSORBOT_SESSION_DM_SCOPE"`
	ResetTriggers []string      `yaml:"reset_triggers"`
	SweepCron     string        `yaml:"sweep_cron"`     // gronx cron expression, e.g. "0 4 * * *"; empty disables
	SweepInterval time.Duration `yaml:"sweep_interval"` // fallback when SweepCron is empty or invalid
}

// Load reads path as YAML over DefaultConfig, then overlays matching
// environment variables via caarlos0/env (teacher's LoadConfig/env.Parse
// sequence). A missing file is not an error — DefaultConfig plus any env
// overrides is a valid configuration on its own, mirroring the teacher's
// "file not found -> return defaults" branch.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
			// fall through with defaults
		default:
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save persists cfg as YAML using the same atomic-write discipline the
// teacher's SaveConfig used for JSON.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(path, data, 0o600)
}

// EnvVars returns the environment variables this config's startup
// validation should check, for use with lifecycle.ValidateEnvironment
// (spec §4.11, §6): a channel's credential is Required only when that
// channel is actually enabled, since an unused adapter's missing token
// should never abort startup.
func (c *Config) EnvVars() []lifecycle.EnvVar {
	var vars []lifecycle.EnvVar
	requiredIf := func(enabled bool, name string) {
		sev := lifecycle.Optional
		if enabled {
			sev = lifecycle.Required
		}
		vars = append(vars, lifecycle.EnvVar{Name: name, Severity: sev})
	}

	requiredIf(c.Channels.Telegram.Enabled, "CURSORBOT_CHANNELS_TELEGRAM_TOKEN")
	requiredIf(c.Channels.Discord.Enabled, "CURSORBOT_CHANNELS_DISCORD_TOKEN")
	requiredIf(c.Channels.Signal.Enabled, "CURSORBOT_CHANNELS_SIGNAL_CLI_ADDR")
	requiredIf(c.Channels.GoogleChat.Enabled, "CURSORBOT_CHANNELS_GOOGLECHAT_SERVICE_ACCOUNT_FILE")
	vars = append(vars, lifecycle.EnvVar{Name: "CURSORBOT_CHANNELS_WEBHOOK_SECRET", Severity: lifecycle.Recommended})
	return vars
}
