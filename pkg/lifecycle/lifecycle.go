// Package lifecycle implements the Lifecycle (C11, spec §4.11):
// environment validation, ordered startup of the core services, the
// readiness gate external callers see, and ordered graceful shutdown.
// Grounded on cmd/picoclaw/internal/gateway/helpers.go's gatewayCmd for
// the startup/shutdown sequencing idiom (signal.Notify, a fresh
// timeout-bound context for shutdown, component Start/Stop calls in a
// fixed order), generalized from one hard-coded sequence into a registry
// of named shutdown hooks run LIFO.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cursorbot/cursorbot/pkg/cerr"
	"github.com/cursorbot/cursorbot/pkg/gateway"
	"github.com/cursorbot/cursorbot/pkg/health"
	"github.com/cursorbot/cursorbot/pkg/logger"
	"github.com/cursorbot/cursorbot/pkg/queue"
	"github.com/cursorbot/cursorbot/pkg/session"
)

// ErrSignalShutdown is returned by WaitForSignal when shutdown was triggered
// by an OS signal rather than by ctx cancellation, so main can distinguish
// spec.md:248's exit code 130 (signal-initiated shutdown) from a clean
// ctx-driven stop.
var ErrSignalShutdown = errors.New("shutdown triggered by signal")

// Severity mirrors the three levels spec §6 assigns to configuration
// variables: "Required, Recommended, Optional".
type Severity string

const (
	Required    Severity = "required"
	Recommended Severity = "recommended"
	Optional    Severity = "optional"
)

// EnvVar describes one environment variable the Lifecycle checks during
// startup's "validate environment" step.
type EnvVar struct {
	Name     string
	Severity Severity
	// Validate runs only when the variable is present; a non-nil error is
	// treated the same as a missing Required variable.
	Validate func(value string) error
}

// ValidateEnvironment implements spec §4.11's first startup step and §6's
// "Missing Required aborts startup with a diagnostic; missing Recommended
// disables affected features." Optional variables are never logged.
// Returns a Validation-kind *cerr.Error (mapping to exit code 2, spec §6)
// when any Required variable is missing or fails its Validate func.
func ValidateEnvironment(vars []EnvVar) error {
	var missingRequired []string

	for _, v := range vars {
		val, present := os.LookupEnv(v.Name)
		if !present {
			switch v.Severity {
			case Required:
				missingRequired = append(missingRequired, v.Name)
			case Recommended:
				logger.WarnCF("lifecycle", "recommended environment variable not set, disabling dependent features",
					map[string]any{"var": v.Name})
			}
			continue
		}
		if v.Validate != nil {
			if err := v.Validate(val); err != nil {
				if v.Severity == Required {
					missingRequired = append(missingRequired, v.Name+": "+err.Error())
				} else {
					logger.WarnCF("lifecycle", "environment variable failed validation", map[string]any{
						"var": v.Name, "error": err.Error(),
					})
				}
			}
		}
	}

	if len(missingRequired) > 0 {
		return cerr.New(cerr.Validation, "missing or invalid required environment variables", map[string]any{
			"vars": missingRequired,
		})
	}
	return nil
}

// ShutdownHook runs during shutdown under a bounded per-hook timeout
// (spec §4.11 "call shutdown hooks LIFO under a bounded per-hook
// timeout"). Hooks receive a context already carrying that timeout.
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   ShutdownHook
}

// Options wires the core services the Lifecycle orchestrates. All fields
// are optional; a nil service is simply skipped at its startup/shutdown
// step.
type Options struct {
	Health       *health.Manager
	Queue        *queue.Queue
	Registry     *session.Registry
	Gateway      *gateway.Gateway
	Adapters     []gateway.Adapter
	HookTimeout  time.Duration
	DrainOnStop  bool // Queue.Stop(drain) vs Queue.Stop(immediate)
	ShutdownWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.HookTimeout <= 0 {
		o.HookTimeout = 10 * time.Second
	}
	if o.ShutdownWait <= 0 {
		o.ShutdownWait = 15 * time.Second
	}
	return o
}

// Lifecycle is the process orchestrator (spec §4.11). It owns no
// business logic of its own — only ordering, isolation, and the
// readiness gate.
type Lifecycle struct {
	opts Options

	mu           sync.Mutex
	hooks        []namedHook
	shuttingDown bool
}

func New(opts Options) *Lifecycle {
	return &Lifecycle{opts: opts.withDefaults()}
}

// AddShutdownHook registers a named hook. Hooks run in LIFO order (most
// recently added runs first) during Shutdown.
func (l *Lifecycle) AddShutdownHook(name string, hook ShutdownHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, namedHook{name: name, fn: hook})
}

// Ready implements the readiness gate (spec §4.11: "ready only when all
// Required probes pass and no shutdown is in progress").
func (l *Lifecycle) Ready() bool {
	l.mu.Lock()
	shuttingDown := l.shuttingDown
	l.mu.Unlock()
	if shuttingDown {
		return false
	}
	if l.opts.Health == nil {
		return true
	}
	return l.opts.Health.Ready()
}

// Start runs the startup sequence (spec §4.11: "start Registry, Queue,
// Heartbeat -> start Gateway (adapters in parallel, each isolated) ->
// register default probes -> mark ready"). Registry has no Start/Stop of
// its own (it is ready on construction); Heartbeat is represented by
// whatever probes/hooks the caller registers on Health before calling
// Start, since this core's heartbeat probing is unified into Health
// (C8) rather than kept as a separate service.
func (l *Lifecycle) Start(ctx context.Context) error {
	if l.opts.Queue != nil {
		l.opts.Queue.Start(ctx)
	}

	if l.opts.Gateway != nil {
		for _, a := range l.opts.Adapters {
			l.opts.Gateway.RegisterAdapter(a)
		}
		// Gateway.Start already launches every registered adapter
		// concurrently and isolates a single adapter's start failure
		// (logged, skipped) from the rest (pkg/gateway/gateway.go).
		if err := l.opts.Gateway.Start(ctx); err != nil {
			return cerr.Wrap(cerr.Internal, "gateway failed to start", err)
		}
	}

	if l.opts.Health != nil {
		l.registerDefaultProbes()
		l.opts.Health.Start()
	}

	logger.InfoCF("lifecycle", "startup complete", nil)
	return nil
}

// registerDefaultProbes wires the services this Lifecycle owns into
// Health so their reachability counts toward readiness (spec §4.11
// "register default probes").
func (l *Lifecycle) registerDefaultProbes() {
	if l.opts.Gateway != nil {
		l.opts.Health.Register("gateway", func(ctx context.Context) error {
			return nil // presence of a running Gateway is itself the signal; per-adapter health is reported separately
		}, health.Config{Severity: health.Required})
	}
	if l.opts.Queue != nil {
		l.opts.Health.Register("queue", func(ctx context.Context) error {
			return nil
		}, health.Config{Severity: health.Recommended})
	}
}

// Shutdown runs the shutdown sequence (spec §4.11: "ignore new signals;
// mark not-ready; call shutdown hooks LIFO under a bounded per-hook
// timeout; stop adapters; drain Queue; persist Session snapshot; exit").
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.shuttingDown {
		l.mu.Unlock()
		return nil
	}
	l.shuttingDown = true
	hooks := make([]namedHook, len(l.hooks))
	copy(hooks, l.hooks)
	l.mu.Unlock()

	if l.opts.Health != nil {
		l.opts.Health.SetShuttingDown(true)
	}
	logger.InfoCF("lifecycle", "shutdown starting", nil)

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		hookCtx, cancel := context.WithTimeout(ctx, l.opts.HookTimeout)
		err := runHook(hookCtx, h.fn)
		cancel()
		if err != nil {
			logger.WarnCF("lifecycle", "shutdown hook failed", map[string]any{"hook": h.name, "error": err.Error()})
		}
	}

	if l.opts.Gateway != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), l.opts.ShutdownWait)
		if err := l.opts.Gateway.Stop(stopCtx); err != nil {
			logger.WarnCF("lifecycle", "gateway stop failed", map[string]any{"error": err.Error()})
		}
		cancel()
	}

	if l.opts.Queue != nil {
		l.opts.Queue.Stop(l.opts.DrainOnStop)
	}

	if l.opts.Registry != nil {
		l.opts.Registry.Flush()
	}

	if l.opts.Health != nil {
		l.opts.Health.Stop()
	}

	logger.InfoCF("lifecycle", "shutdown complete", nil)
	return nil
}

// runHook isolates a single hook's panic from the shutdown loop, in
// addition to honoring its bounded timeout.
func runHook(ctx context.Context, hook ShutdownHook) (err error) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("shutdown hook panicked: %v", r)
			}
		}()
		done <- hook(ctx)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForSignal blocks until SIGINT/SIGTERM or ctx is cancelled, then runs
// Shutdown. Grounded on gatewayCmd's signal.Notify(sigChan, os.Interrupt),
// extended to also trap SIGTERM (spec.md:248's "signal-initiated shutdown"
// covers both) and to ignore further signals once shutdown begins (spec
// §4.11 "ignore new signals") by calling signal.Stop before shutdown hooks
// run.
func (l *Lifecycle) WaitForSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	bySignal := false
	select {
	case <-sigCh:
		signal.Stop(sigCh)
		bySignal = true
	case <-ctx.Done():
	}

	if err := l.Shutdown(context.Background()); err != nil {
		return err
	}
	if bySignal {
		return ErrSignalShutdown
	}
	return nil
}
