// Package executor implements the Executor Bridge (C6, spec §4.6):
// translating a Session into an invocation of the external AI CLI
// subprocess and surfacing its reply as a stream of text deltas.
package executor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cursorbot/cursorbot/pkg/cerr"
	"github.com/cursorbot/cursorbot/pkg/logger"
	"github.com/cursorbot/cursorbot/pkg/session"
)

// TextDelta is one unit of streamed executor output (spec §4.6: "a lazy,
// restart-unsafe sequence of text deltas"). A terminal delta carries
// Final=true; on failure a single delta carries Err and the stream ends.
type TextDelta struct {
	Text  string
	Final bool
	Err   error
}

// Options configures one Run call (spec §4.6 "options includes model
// override, verbosity level, thinking budget, scope flags").
type Options struct {
	Model          string
	Verbosity      string
	ThinkingBudget int
	ReadOnly       bool // false = edit-capable
	WorkingDir     string
}

// Config configures the Bridge itself.
type Config struct {
	BinPath      string // explicit path; auto-detected if empty
	DefaultModel string
	WorkingDir   string
	Timeout      time.Duration
}

func DefaultConfig() Config {
	return Config{Timeout: 300 * time.Second}
}

// Bridge is the Executor Bridge (C6). Grounded on
// original_source/src/cursor/cli_agent.py's CursorCLIAgent: binary
// auto-discovery, --print/--output-format text/--resume/--model flag
// construction, credentials passed via subprocess environment rather than
// argv. Subprocess plumbing (CommandContext, stdout/stderr capture) follows
// the pattern in Aureuma-si's agents/critic/cmd/critic/loop.go runCommand,
// since no file in the primary teacher repo invokes a subprocess.
type Bridge struct {
	mu       sync.Mutex
	cfg      Config
	binPath  string
	registry *session.Registry
}

// New constructs a Bridge, auto-detecting the CLI binary unless cfg.BinPath
// is set. The bridge remains usable (IsAvailable() == false) if no binary
// is found; callers surface that as Unavailable rather than failing to
// construct.
func New(cfg Config, registry *session.Registry) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	b := &Bridge{cfg: cfg, registry: registry}
	b.binPath = cfg.BinPath
	if b.binPath == "" {
		b.binPath = findBinary()
	}
	return b
}

func findBinary() string {
	candidates := []string{
		"agent",
		"/usr/local/bin/agent",
		expandHome("~/.cursor/bin/agent"),
		expandHome("~/bin/agent"),
		"cursor",
		"/usr/local/bin/cursor",
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path
		}
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c
		}
	}
	return ""
}

func expandHome(p string) string {
	home, err := os.UserHomeDir()
	if err != nil || !strings.HasPrefix(p, "~/") {
		return p
	}
	return home + p[1:]
}

// IsAvailable reports whether an executor binary was found.
func (b *Bridge) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binPath != ""
}

// Reset clears the executor-side chat handle stored for sess, so the next
// Run starts a fresh conversation (spec §4.6 "reset(session) clears the
// stored handle").
func (b *Bridge) Reset(sess *session.Entry) error {
	return b.registry.SetExecutorChat(sess.SessionKey, "")
}

// createChat asks the CLI for a new chat handle (spec §4.6 "create an
// executor-side chat handle"), mirroring cli_agent.py's create_chat.
func (b *Bridge) createChat(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, b.binPath, "create-chat")
	cmd.Env = subprocessEnv(Options{})
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func subprocessEnv(opts Options) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "NO_COLOR=1")
	if opts.Verbosity != "" {
		env = append(env, "CURSOR_VERBOSITY="+opts.Verbosity)
	}
	if opts.ThinkingBudget > 0 {
		env = append(env, "CURSOR_THINKING_BUDGET="+strconv.Itoa(opts.ThinkingBudget))
	}
	return env
}

// Run translates sess+prompt+opts into an executor subprocess invocation and
// returns a channel of TextDelta (spec §4.6 "run(session, prompt,
// options) -> stream of TextDelta"). The channel is closed after the
// terminal delta (Final=true, or an error delta) is sent.
func (b *Bridge) Run(ctx context.Context, sess *session.Entry, prompt string, opts Options) (<-chan TextDelta, error) {
	if !b.IsAvailable() {
		return nil, cerr.New(cerr.Unavailable, "executor CLI not installed", nil)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
	}

	args, err := b.buildArgs(runCtx, sess, prompt, opts)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}

	cmd := exec.CommandContext(runCtx, b.binPath, args...)
	cmd.Env = subprocessEnv(opts)
	sessionWD := ""
	if sess != nil {
		sessionWD = sess.Metadata["working_directory"]
	}
	if wd := firstNonEmpty(opts.WorkingDir, sessionWD, b.cfg.WorkingDir); wd != "" {
		cmd.Dir = wd
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, cerr.Wrap(cerr.Internal, "failed to attach executor stdout", err)
	}
	stderrBuf := &syncBuffer{}
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, cerr.Wrap(cerr.Unavailable, "failed to start executor", err)
	}

	out := make(chan TextDelta)
	go b.stream(runCtx, cancel, cmd, stdout, stderrBuf, out)
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (b *Bridge) stream(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, stdout io.Reader, stderrBuf *syncBuffer, out chan<- TextDelta) {
	defer close(out)
	if cancel != nil {
		defer cancel()
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		select {
		case out <- TextDelta{Text: line + "\n"}:
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			out <- TextDelta{Err: classifyFailure(ctx, ctx.Err(), stderrBuf.String())}
			return
		}
	}

	err := cmd.Wait()
	if err != nil {
		out <- TextDelta{Err: classifyFailure(ctx, err, stderrBuf.String())}
		return
	}
	out <- TextDelta{Final: true}
}

// buildArgs constructs the CLI argv exactly the way cli_agent.py's run()
// does: --print, --output-format text, --resume <handle> when a session
// already has one (creating one on first turn and persisting it via the
// Session Registry), --model when chosen, --mode ask for read-only scope,
// and finally the prompt itself.
func (b *Bridge) buildArgs(ctx context.Context, sess *session.Entry, prompt string, opts Options) ([]string, error) {
	args := []string{"--print", "--output-format", "text"}

	if opts.ReadOnly {
		args = append(args, "--mode", "ask")
	} else if sess != nil {
		handle := sess.ExecutorChat
		if handle == "" {
			created, err := b.createChat(ctx)
			if err != nil {
				logger.WarnCF("executor", "failed to create chat handle, continuing without context memory", map[string]any{"error": err.Error()})
			} else if created != "" {
				handle = created
				if err := b.registry.SetExecutorChat(sess.SessionKey, handle); err != nil {
					logger.WarnCF("executor", "failed to persist chat handle", map[string]any{"error": err.Error()})
				}
			}
		}
		if handle != "" {
			args = append(args, "--resume", handle)
		}
	}

	model := firstNonEmpty(opts.Model, b.cfg.DefaultModel)
	if model != "" {
		args = append(args, "--model", model)
	}

	args = append(args, prompt)
	return args, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}
