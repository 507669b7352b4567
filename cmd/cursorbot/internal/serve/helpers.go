// Package serve wires every core component (Identity & Access, Rate
// Limiter, Router, Session Registry, Executor Bridge, Streaming &
// Chunker) around the Gateway and its seven adapters, and runs the
// process lifecycle. Grounded on the teacher's
// cmd/picoclaw/internal/gateway/helpers.go gatewayCmd: config load,
// service construction, channel startup, signal wait, ordered shutdown
// — generalized from one hard-coded AI-agent pipeline into the
// middleware/handler chain this domain's Gateway exposes.
package serve

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/cerr"
	"github.com/cursorbot/cursorbot/pkg/channels/api"
	"github.com/cursorbot/cursorbot/pkg/channels/discord"
	"github.com/cursorbot/cursorbot/pkg/channels/googlechat"
	"github.com/cursorbot/cursorbot/pkg/channels/signal"
	"github.com/cursorbot/cursorbot/pkg/channels/telegram"
	"github.com/cursorbot/cursorbot/pkg/channels/webchat"
	"github.com/cursorbot/cursorbot/pkg/channels/webhook"
	"github.com/cursorbot/cursorbot/pkg/config"
	"github.com/cursorbot/cursorbot/pkg/executor"
	"github.com/cursorbot/cursorbot/pkg/gateway"
	"github.com/cursorbot/cursorbot/pkg/health"
	"github.com/cursorbot/cursorbot/pkg/identity"
	"github.com/cursorbot/cursorbot/pkg/lifecycle"
	"github.com/cursorbot/cursorbot/pkg/logger"
	"github.com/cursorbot/cursorbot/pkg/media"
	"github.com/cursorbot/cursorbot/pkg/queue"
	"github.com/cursorbot/cursorbot/pkg/ratelimit"
	"github.com/cursorbot/cursorbot/pkg/router"
	"github.com/cursorbot/cursorbot/pkg/session"
	"github.com/cursorbot/cursorbot/pkg/streaming"
	"github.com/cursorbot/cursorbot/pkg/supervisor"
	"github.com/cursorbot/cursorbot/pkg/utils"
)

const defaultAgentID = "cursorbot"

func run(debug bool, logFilter string, configPath string) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("debug logging enabled")
	}
	if logFilter != "" {
		logger.SetComponentFilter(logFilter)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if err := lifecycle.ValidateEnvironment(cfg.EnvVars()); err != nil {
		return err
	}

	access := identity.NewAccess()
	audit := cerr.NewAuditLog(200)
	limiter := ratelimit.New(cfg.RateLimit.Rules())
	rt := router.New()
	if err := cfg.Router.Apply(rt); err != nil {
		return fmt.Errorf("error applying router config: %w", err)
	}
	registry := session.NewRegistry("cursorbot_sessions.json", session.Config{
		DefaultReset:    session.DefaultResetPolicy(),
		ResetByChatKind: map[bus.ChatKind]session.ResetPolicy{},
		ResetByChannel:  map[string]session.ResetPolicy{},
		IdentityLinks:   map[string][]string{},
		ResetTriggers:   cfg.Session.ResetTriggers,
	})

	mediaStore := media.NewFileMediaStoreWithCleanup(media.MediaCleanerConfig{
		Enabled:  true,
		MaxAge:   24 * time.Hour,
		Interval: time.Hour,
	})
	mediaStore.Start()

	bridge := executor.New(executor.DefaultConfig(), registry)
	streamer := streaming.New(streaming.DefaultConfig())
	streamer.OnUpdate(func(d *streaming.Draft, content string, final bool) {
		// Intermediate edits have nowhere to go: the Adapter contract
		// (spec §6) exposes Send only, no in-place edit, so a platform
		// message is delivered exactly once, by runTurn after Complete.
	})

	q := queue.New(queue.Config{
		MaxConcurrent:     cfg.Queue.MaxConcurrent,
		DefaultTimeout:    cfg.Queue.DefaultTimeout,
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		RetryBaseDelay:    cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:     cfg.Queue.RetryMaxDelay,
	}, "cursorbot")

	healthMgr := health.NewManager()

	gw := gateway.New()
	gw.SetChunker(streaming.Chunk)

	sup := supervisor.New(cfg.Gateway.SupervisorConfig())
	for _, inst := range cfg.Gateway.Instances {
		sup.Register(inst.ID, inst.Host, inst.Port, inst.Weight)
	}
	sup.Start()

	adapters, err := buildAdapters(cfg, gw.Receive, mediaStore)
	if err != nil {
		mediaStore.Stop()
		return fmt.Errorf("error building adapters: %w", err)
	}

	registerForwardSenders(rt, gw)

	dmScope := session.DMScope(cfg.Session.DMScope)

	streamer.OnComplete(func(d *streaming.Draft) {
		logger.DebugCF("serve", "draft completed", map[string]any{"chat_id": d.ChatID, "message_id": d.MessageID})
	})

	gw.Use(sanitizeMiddleware())
	gw.Use(identityMiddleware(access, audit))
	gw.Use(allowListMiddleware(cfg))
	gw.Use(rateLimitMiddleware(limiter, audit))

	instancesConfigured := len(cfg.Gateway.Instances) > 0

	gw.Handle(mainHandler(mainHandlerDeps{
		router:              rt,
		registry:            registry,
		bridge:              bridge,
		streamer:            streamer,
		queue:               q,
		gateway:             gw,
		access:              access,
		audit:               audit,
		supervisor:          sup,
		instancesConfigured: instancesConfigured,
		dmScope:             dmScope,
		resetTriggers:       cfg.Session.ResetTriggers,
	}))

	lc := lifecycle.New(lifecycle.Options{
		Health:       healthMgr,
		Queue:        q,
		Registry:     registry,
		Gateway:      gw,
		Adapters:     adapters,
		HookTimeout:  cfg.Lifecycle.HookTimeout,
		DrainOnStop:  cfg.Lifecycle.DrainOnStop,
		ShutdownWait: cfg.Lifecycle.ShutdownWait,
	})

	healthAddr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	healthMux := http.NewServeMux()
	healthMgr.RegisterOnMux(healthMux)
	healthServer := &http.Server{Addr: healthAddr, Handler: healthMux}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("serve", "health listener stopped", map[string]any{"error": err.Error()})
		}
	}()

	lc.AddShutdownHook("health-http", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	lc.AddShutdownHook("media-store", func(ctx context.Context) error {
		mediaStore.Stop()
		return nil
	})
	lc.AddShutdownHook("supervisor", func(ctx context.Context) error {
		sup.Stop()
		return nil
	})

	ctx := context.Background()
	if err := lc.Start(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	registry.StartSweeper(ctx, cfg.Session.SweepCron, cfg.Session.SweepInterval)

	fmt.Printf("cursorbot gateway listening on %s (health at /health, /ready)\n", healthAddr)

	return lc.WaitForSignal(ctx)
}

// buildAdapters constructs one gateway.Adapter per enabled channel (spec
// §6). receive is passed to every adapter's constructor as its
// ReceiveFunc; each package defines its own local type of that same
// signature rather than importing pkg/gateway's Gateway type directly.
func buildAdapters(cfg *config.Config, receive func(ctx context.Context, msg bus.UnifiedMessage) bool, store media.MediaStore) ([]gateway.Adapter, error) {
	var adapters []gateway.Adapter

	if cfg.Channels.Telegram.Enabled {
		a, err := telegram.New(cfg.Channels.Telegram, receive, store)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		adapters = append(adapters, a)
	}
	if cfg.Channels.Discord.Enabled {
		a, err := discord.New(cfg.Channels.Discord, receive, store)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		adapters = append(adapters, a)
	}
	if cfg.Channels.WebChat.Enabled {
		adapters = append(adapters, webchat.New(cfg.Channels.WebChat, receive))
	}
	if cfg.Channels.API.Enabled {
		adapters = append(adapters, api.New(cfg.Channels.API, receive))
	}
	if cfg.Channels.Webhook.Enabled {
		adapters = append(adapters, webhook.New(cfg.Channels.Webhook, receive))
	}
	if cfg.Channels.Signal.Enabled {
		adapters = append(adapters, signal.New(cfg.Channels.Signal, receive))
	}
	if cfg.Channels.GoogleChat.Enabled {
		a, err := googlechat.New(cfg.Channels.GoogleChat, receive)
		if err != nil {
			return nil, fmt.Errorf("googlechat: %w", err)
		}
		adapters = append(adapters, a)
	}

	return adapters, nil
}

// sanitizeMiddleware strips Unicode control/format characters (RTL
// overrides, zero-width joiners) from inbound text before anything else
// sees it, so a crafted attachment filename or message can't confuse
// downstream logging or the executor prompt.
func sanitizeMiddleware() gateway.Middleware {
	return func(ctx context.Context, msg bus.UnifiedMessage) (bus.UnifiedMessage, bool) {
		msg.Content = utils.SanitizeMessageContent(msg.Content)
		return msg, true
	}
}

// identityMiddleware resolves the sender's canonical identity and enforces
// Identity & Access's deny-biased check_access (spec §4.1, §4.5 step 1).
// Every denial is also recorded to audit (spec §4.12 "policy decisions
// (deny, rate-limit, elevation required) produce audit entries").
func identityMiddleware(access *identity.Access, audit *cerr.AuditLog) gateway.Middleware {
	return func(ctx context.Context, msg bus.UnifiedMessage) (bus.UnifiedMessage, bool) {
		canonical := access.Resolve(msg.Sender.Platform, msg.Sender.PlatformID)
		msg.Sender.CanonicalID = canonical

		groupID := ""
		if msg.ChatKind == bus.ChatGroup || msg.ChatKind == bus.ChatChannel || msg.ChatKind == bus.ChatThread {
			groupID = msg.ChatID
		}

		allowed, reason := access.CheckAccess(canonical, identity.AccessCheck{ChatID: msg.ChatID, GroupID: groupID})
		if !allowed {
			logger.DebugCF("serve", "dropped by access check", map[string]any{
				"canonical": canonical, "reason": reason,
			})
			audit.Record(cerr.AuditEntry{
				At: time.Now(), User: canonical, Tool: msg.ChatID,
				Decision: "deny", Reason: reason,
			})
			return msg, false
		}
		return msg, true
	}
}

// allowListMiddleware enforces each channel's configured AllowFrom list
// (spec §3 "Channel config"), backward-compatible with every legacy
// allow-list entry format via identity.MatchAllowed.
func allowListMiddleware(cfg *config.Config) gateway.Middleware {
	allowFrom := map[string][]string{
		"telegram": cfg.Channels.Telegram.AllowFrom,
		"discord":  cfg.Channels.Discord.AllowFrom,
	}

	return func(ctx context.Context, msg bus.UnifiedMessage) (bus.UnifiedMessage, bool) {
		list, ok := allowFrom[msg.Transport]
		if !ok || len(list) == 0 {
			return msg, true
		}
		for _, entry := range list {
			if identity.MatchAllowed(msg.Sender, entry) {
				return msg, true
			}
		}
		logger.DebugCF("serve", "dropped by allow-list", map[string]any{
			"transport": msg.Transport, "sender": msg.Sender.PlatformID,
		})
		return msg, false
	}
}

// rateLimitMiddleware enforces the Rate Limiter (spec §4.2) before a
// message reaches the Router or Executor Bridge, recording a
// rate_limited audit entry on every throttle (spec §4.12).
func rateLimitMiddleware(limiter *ratelimit.Limiter, audit *cerr.AuditLog) gateway.Middleware {
	return func(ctx context.Context, msg bus.UnifiedMessage) (bus.UnifiedMessage, bool) {
		kind := ratelimit.KindRequests
		if msg.Kind == bus.KindCommand {
			kind = ratelimit.KindCommands
		}
		if err := limiter.RequireCheck(msg.Sender.CanonicalID, kind, 1); err != nil {
			logger.DebugCF("serve", "dropped by rate limiter", map[string]any{
				"canonical": msg.Sender.CanonicalID, "error": err.Error(),
			})
			audit.Record(cerr.AuditEntry{
				At: time.Now(), User: msg.Sender.CanonicalID, Tool: string(kind),
				Decision: "rate_limited", Reason: err.Error(),
			})
			return msg, false
		}
		return msg, true
	}
}

// registerForwardSenders wires the Router's cross-channel Forward (spec
// §4.4 "forward to other channels") onto the live Gateway so a Rule's
// ForwardChannels or a ChannelConfig's ForwardTo/ForwardGlobal actually
// deliver, instead of only ever computing a Decision.
func registerForwardSenders(rt *router.Router, gw *gateway.Gateway) {
	for _, transport := range []string{
		"telegram", "discord", "webchat", "api", "webhook", "signal", "googlechat",
	} {
		transport := transport
		rt.RegisterSender(transport, func(target, text, source string) error {
			result := gw.Send(context.Background(), bus.OutgoingMessage{
				ChatID: target, Transport: transport, Kind: bus.KindText, Content: text,
			})
			if len(result.Failed) > 0 {
				return fmt.Errorf("forward delivery failed for %d target(s)", len(result.Failed))
			}
			return nil
		})
	}
}

type mainHandlerDeps struct {
	router        *router.Router
	registry      *session.Registry
	bridge        *executor.Bridge
	streamer      *streaming.Streamer
	queue         *queue.Queue
	gateway       *gateway.Gateway
	access        *identity.Access
	audit         *cerr.AuditLog
	supervisor    *supervisor.Supervisor
	// instancesConfigured is true when the operator configured a fleet of
	// named backend instances (spec §4.9); with none configured, instance
	// selection is unreachable by design (single-process deployment) and
	// is skipped rather than rejecting every message.
	instancesConfigured bool
	dmScope             session.DMScope
	resetTriggers       []string
}

// adminPermissions maps each privileged command to the Permission
// RequirePermission must grant before it runs (spec §4.1 roles &
// permissions, §4.5 step 1).
var adminPermissions = map[string]identity.Permission{
	"/link":    identity.PermManageUsers,
	"/unlink":  identity.PermManageUsers,
	"/lock":    identity.PermSystemAccess,
	"/unlock":  identity.PermSystemAccess,
	"/elevate": identity.PermManageBot,
	"/promote": identity.PermManageGroup,
}

// adminCommand dispatches a privileged command (spec §4.1's identity
// links, locks, elevation, and group promotion) gated behind
// RequirePermission, recording the decision to audit either way (spec
// §4.12). handled is false for any command this table doesn't cover, so
// the caller can fall through to ordinary routing.
func adminCommand(access *identity.Access, audit *cerr.AuditLog, msg bus.UnifiedMessage, groupID, command string, args []string) (reply string, handled bool) {
	perm, ok := adminPermissions[command]
	if !ok {
		return "", false
	}
	canonical := msg.Sender.CanonicalID

	if err := access.RequirePermission(canonical, perm, groupID); err != nil {
		decision := "deny"
		if cerr.Is(err, cerr.ElevationRequired) {
			decision = "elevation_required"
		}
		audit.Record(cerr.AuditEntry{At: time.Now(), User: canonical, Tool: command, Decision: decision, Reason: err.Error()})
		return fmt.Sprintf("permission denied: %s", err.Error()), true
	}
	audit.Record(cerr.AuditEntry{At: time.Now(), User: canonical, Tool: command, Decision: "allow"})

	switch command {
	case "/link":
		if len(args) < 1 {
			return "usage: /link <canonical-id>", true
		}
		access.LinkIdentity(msg.Transport, msg.Sender.PlatformID, args[0])
		return "identity linked", true
	case "/unlink":
		access.UnlinkIdentity(msg.Transport, msg.Sender.PlatformID)
		return "identity unlinked", true
	case "/lock":
		reason, message := parseLockArgs(args)
		if groupID != "" {
			access.LockGroup(groupID, reason, message, 0, canonical)
		} else {
			access.LockGlobal(reason, message, 0, canonical)
		}
		return "locked", true
	case "/unlock":
		if groupID != "" {
			access.UnlockGroup(groupID)
		} else {
			access.UnlockGlobal()
		}
		return "unlocked", true
	case "/elevate":
		access.Elevate(canonical, 15*time.Minute)
		return "elevated for 15m", true
	case "/promote":
		if len(args) < 1 || groupID == "" {
			return "usage: /promote <canonical-id> (in a group chat)", true
		}
		access.AddGroupAdmin(groupID, args[0])
		return "promoted", true
	}
	return "", false
}

var lockReasons = map[string]identity.LockReason{
	string(identity.LockManual):      identity.LockManual,
	string(identity.LockRateLimit):   identity.LockRateLimit,
	string(identity.LockSecurity):    identity.LockSecurity,
	string(identity.LockMaintenance): identity.LockMaintenance,
	string(identity.LockEmergency):   identity.LockEmergency,
}

// parseLockArgs reads an optional leading reason keyword (spec §3
// "Lock"'s reason enum) off a /lock command's arguments, defaulting to
// LockManual, with the remainder joined back into the lock message.
func parseLockArgs(args []string) (identity.LockReason, string) {
	if len(args) == 0 {
		return identity.LockManual, ""
	}
	if reason, ok := lockReasons[args[0]]; ok {
		return reason, strings.Join(args[1:], " ")
	}
	return identity.LockManual, strings.Join(args, " ")
}

// mainHandler implements the remaining control-flow steps after the
// middleware chain (spec §4.5 step 2 on): command extraction, session
// reset triggers, Router evaluation, Session Registry lookup, and
// submitting the Executor Bridge call onto the Queue.
func mainHandler(deps mainHandlerDeps) gateway.Handler {
	return func(ctx context.Context, msg bus.UnifiedMessage) error {
		command := ""
		if msg.Kind == bus.KindCommand {
			command = strings.Fields(msg.Content)[0]
		}

		groupID := ""
		if msg.ChatKind == bus.ChatGroup || msg.ChatKind == bus.ChatChannel || msg.ChatKind == bus.ChatThread {
			groupID = msg.ChatID
		}
		if command != "" {
			args := strings.Fields(msg.Content)[1:]
			if reply, handled := adminCommand(deps.access, deps.audit, msg, groupID, command, args); handled {
				deps.gateway.Send(ctx, bus.OutgoingMessage{
					ChatID: msg.ChatID, Transport: msg.Transport, Kind: bus.KindText, Content: reply,
				})
				return nil
			}
		}

		scope := session.Scope{
			AgentID:       defaultAgentID,
			Transport:     msg.Transport,
			ChatID:        msg.ChatID,
			ChatKind:      msg.ChatKind,
			ThreadID:      msg.ThreadID,
			CanonicalUser: msg.Sender.CanonicalID,
			DMScope:       deps.dmScope,
			DisplayName:   msg.Sender.DisplayName,
			AccountID:     msg.AccountID,
		}

		if isResetTrigger(deps.resetTriggers, msg.Content) {
			if _, err := deps.registry.Reset(scope); err != nil {
				return err
			}
			deps.gateway.Send(ctx, bus.OutgoingMessage{
				ChatID: msg.ChatID, Transport: msg.Transport, Kind: bus.KindText,
				Content: "Session reset.",
			})
			return nil
		}

		decision := deps.router.Route(msg.ChatID, msg.ChatKind, msg.Content, command, msg.Metadata)
		if decision.Blocked || !decision.Processed {
			return nil
		}

		if len(decision.Forwards) > 0 {
			deps.router.Forward(decision.TransformedText, decision.Forwards, msg.Transport)
		}

		sess, err := deps.registry.GetOrOpen(scope)
		if err != nil {
			return err
		}

		if deps.instancesConfigured {
			inst := deps.supervisor.Get(msg.Sender.CanonicalID)
			if inst == nil {
				deps.gateway.Send(ctx, bus.OutgoingMessage{
					ChatID: msg.ChatID, Transport: msg.Transport, Kind: bus.KindText,
					Content: "service temporarily unavailable",
				})
				return nil
			}
			if err := deps.registry.SetMetadata(sess.SessionKey, "gateway_instance", inst.ID); err != nil {
				logger.WarnCF("serve", "failed to record gateway instance", map[string]any{"error": err.Error()})
			}
		}

		prompt := decision.TransformedText
		deps.queue.Submit(func(ctx context.Context) (any, error) {
			return nil, runTurn(ctx, deps, msg, sess.SessionKey, prompt)
		}, queue.SubmitOptions{})

		return nil
	}
}

func isResetTrigger(triggers []string, content string) bool {
	trimmed := strings.TrimSpace(content)
	for _, trigger := range triggers {
		if trimmed == trigger {
			return true
		}
	}
	return false
}

// runTurn drives one full request through the Executor Bridge, assembling
// the streamed deltas via the Streaming & Chunker component before a
// single reply is sent back through the Gateway (spec §4.6, §4.7).
func runTurn(ctx context.Context, deps mainHandlerDeps, msg bus.UnifiedMessage, sessionKey, prompt string) error {
	sess, err := deps.registry.GetByKey(sessionKey)
	if err != nil {
		return err
	}

	messageID := msg.ID
	if messageID == "" {
		messageID = sessionKey
	}
	deps.streamer.StartStream(msg.ChatID, messageID, "")

	deltas, err := deps.bridge.Run(ctx, sess, prompt, executor.Options{})
	if err != nil {
		deps.streamer.Cancel(msg.ChatID, messageID)
		return err
	}

	var final string
	for d := range deltas {
		if d.Err != nil {
			deps.streamer.Cancel(msg.ChatID, messageID)
			return d.Err
		}
		if d.Final {
			break
		}
		final += d.Text
		deps.streamer.Append(msg.ChatID, messageID, d.Text)
	}
	deps.streamer.Complete(msg.ChatID, messageID, final)

	if err := deps.registry.IncrementMessageCount(sessionKey); err != nil {
		logger.WarnCF("serve", "failed to increment message count", map[string]any{"error": err.Error()})
	}

	result := deps.gateway.Send(ctx, bus.OutgoingMessage{
		ChatID:    msg.ChatID,
		Transport: msg.Transport,
		Kind:      bus.KindText,
		Content:   final,
		ReplyTo:   msg.ID,
	})
	if len(result.Failed) > 0 {
		logger.WarnCF("serve", "reply delivery partially failed", map[string]any{"failed": result.Failed})
	}
	return nil
}
