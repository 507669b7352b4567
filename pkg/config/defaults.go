package config

import "time"

// DefaultConfig returns CursorBot's baseline configuration: every channel
// disabled, an empty supervisor instance list with round-robin, and the
// timing defaults named throughout the spec's component sections.
func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			Telegram:   TelegramConfig{AllowFrom: []string{}},
			Discord:    DiscordConfig{AllowFrom: []string{}},
			WebChat:    WebChatConfig{ListenAddr: ":8081", AllowOrigins: []string{}},
			API:        APIConfig{ListenAddr: ":8082"},
			Webhook:    WebhookConfig{ListenAddr: ":8083"},
			Signal:     SignalConfig{},
			GoogleChat: GoogleChatConfig{ListenAddr: ":8084"},
		},
		Gateway: GatewayConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			Strategy:            "round_robin",
			HealthCheckInterval: 10 * time.Second,
			HealthCheckTimeout:  3 * time.Second,
			FailureThreshold:    3,
			RecoveryThreshold:   2,
			StickySessions:      true,
			StickyTTL:           30 * time.Minute,
			Instances:           []InstanceConfig{},
		},
		RateLimit: RateLimitConfig{Overrides: map[string]RateLimitRule{}},
		Queue: QueueConfig{
			MaxConcurrent:     10,
			DefaultTimeout:    60 * time.Second,
			DefaultMaxRetries: 3,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     30 * time.Second,
		},
		Health: HealthConfig{
			Interval: 15 * time.Second,
			Timeout:  5 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			HookTimeout:  10 * time.Second,
			ShutdownWait: 15 * time.Second,
			DrainOnStop:  true,
		},
		Session: SessionConfig{
			DMScope:       "per-channel-peer",
			ResetTriggers: []string{"/new", "/reset", "/clear"},
			SweepCron:     "0 4 * * *",
			SweepInterval: time.Hour,
		},
		Router: RouterConfig{
			Aliases:  map[string]string{},
			Rules:    []RouteRuleConfig{},
			Channels: map[string]ChannelRuleConfig{},
		},
	}
}
