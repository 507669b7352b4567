package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cursorbot/cursorbot/pkg/supervisor"
)

func TestLoadReturnsDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.Strategy != "round_robin" {
		t.Fatalf("expected default strategy round_robin, got %q", cfg.Gateway.Strategy)
	}
	if cfg.Channels.Telegram.Enabled {
		t.Fatal("expected telegram disabled by default")
	}
}

func TestLoadParsesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
channels:
  telegram:
    enabled: true
    token: "file-token"
gateway:
  strategy: least_connections
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "file-token" {
		t.Fatalf("expected telegram enabled with token from file, got %+v", cfg.Channels.Telegram)
	}
	if cfg.Gateway.Strategy != "least_connections" {
		t.Fatalf("expected strategy overridden to least_connections, got %q", cfg.Gateway.Strategy)
	}
}

func TestEnvOverridesFileValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "channels:\n  telegram:\n    token: \"file-token\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	os.Setenv("CURSORBOT_CHANNELS_TELEGRAM_TOKEN", "env-token")
	defer os.Unsetenv("CURSORBOT_CHANNELS_TELEGRAM_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Fatalf("expected env var to override file value, got %q", cfg.Channels.Telegram.Token)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.yaml")
	cfg := DefaultConfig()
	cfg.Channels.Discord.Enabled = true
	cfg.Channels.Discord.Token = "abc123"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !got.Channels.Discord.Enabled || got.Channels.Discord.Token != "abc123" {
		t.Fatalf("expected round-tripped discord config, got %+v", got.Channels.Discord)
	}
}

func TestGatewayConfigSupervisorConfigMapsStrategy(t *testing.T) {
	g := GatewayConfig{Strategy: "ip_hash"}
	sc := g.SupervisorConfig()
	if sc.Strategy != supervisor.IPHash {
		t.Fatalf("expected IPHash strategy, got %v", sc.Strategy)
	}
}

func TestGatewayConfigSupervisorConfigDefaultsUnknownStrategy(t *testing.T) {
	g := GatewayConfig{Strategy: "not-a-real-strategy"}
	sc := g.SupervisorConfig()
	if sc.Strategy != supervisor.RoundRobin {
		t.Fatalf("expected fallback to RoundRobin, got %v", sc.Strategy)
	}
}

func TestRateLimitConfigRulesMergesOverridesOntoDefaults(t *testing.T) {
	rl := RateLimitConfig{Overrides: map[string]RateLimitRule{
		"commands": {RatePerSecond: 99, Burst: 1},
	}}
	rules := rl.Rules()
	if rules["commands"].RatePerSecond != 99 {
		t.Fatalf("expected override applied, got %+v", rules["commands"])
	}
	if _, ok := rules["requests"]; !ok {
		t.Fatal("expected untouched default kinds to still be present")
	}
}

func TestEnvVarsRequiresTokenOnlyWhenChannelEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels.Telegram.Enabled = true

	var sawRequired, sawOptionalDiscord bool
	for _, v := range cfg.EnvVars() {
		if v.Name == "CURSORBOT_CHANNELS_TELEGRAM_TOKEN" {
			sawRequired = v.Severity == "required"
		}
		if v.Name == "CURSORBOT_CHANNELS_DISCORD_TOKEN" {
			sawOptionalDiscord = v.Severity == "optional"
		}
	}
	if !sawRequired {
		t.Fatal("expected telegram token to be required once telegram is enabled")
	}
	if !sawOptionalDiscord {
		t.Fatal("expected discord token to remain optional while discord is disabled")
	}
}
