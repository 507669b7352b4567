// Package gateway implements the Gateway (C5, spec §4.5): the unifying
// ingress/egress bus that adapters register against, with an ordered
// middleware chain on ingress and fan-out dispatch on egress.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/logger"
)

// CanonicalUser is what an Adapter's GetUser resolves a platform sender id
// to, before Identity & Access maps it onto a canonical identity (spec §4.5
// "get_user(id) → CanonicalUser?").
type CanonicalUser struct {
	PlatformID  string
	Username    string
	DisplayName string
}

// Adapter is the per-transport contract every channel implements (spec §4.5,
// §6 "Adapter contract"): start/stop lifecycle, egress send, and sender
// lookup. Adapters call Gateway.Receive on ingress themselves — there is no
// push method on this interface, matching the spec's "adapters invoke
// gateway.receive(...)" phrasing.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutgoingMessage) (bool, error)
	GetUser(ctx context.Context, platformSenderID string) (*CanonicalUser, error)
}

// Middleware transforms or filters an inbound message before it reaches
// registered handlers. Returning ok=false drops the message (spec §4.5:
// "each middleware may return a (possibly transformed) message or None to
// drop").
type Middleware func(ctx context.Context, msg bus.UnifiedMessage) (bus.UnifiedMessage, bool)

// Handler is a registered message handler. Handler errors are caught,
// counted, and logged; they never abort the chain for other handlers
// (spec §4.5).
type Handler func(ctx context.Context, msg bus.UnifiedMessage) error

// adapterRateConfig gives known transports a tuned egress rate, falling back
// to defaultAdapterRateLimit for anything unlisted (grounded on the teacher's
// channelRateConfig in pkg/channels/manager.go).
var adapterRateConfig = map[string]float64{
	"telegram":   20,
	"discord":    1,
	"webchat":    10,
	"api":        20,
	"webhook":    10,
	"signal":     5,
	"googlechat": 1,
}

const defaultAdapterRateLimit = 10

// Gateway owns the adapter registry, the ingress middleware chain, the
// registered message handlers, and one rate-limited egress worker per
// adapter (spec §4.5).
type Gateway struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	workers     map[string]*worker
	middlewares []Middleware
	handlers    []Handler

	dropped        atomic.Int64
	handlerErrors  atomic.Int64
	receivedTotal  atomic.Int64
	janitorCancel  context.CancelFunc
	placeholders   sync.Map // "transport:chatID" → placeholderEntry
	typingStops    sync.Map // "transport:chatID" → typingEntry
	reactionUndos  sync.Map // "transport:chatID" → reactionEntry

	// chunkFunc splits an outgoing message too long for an adapter's limit.
	// Wired to the Streaming & Chunker package's Chunk function; falls back
	// to a plain hard cut at the rune boundary if never set, so the Gateway
	// has no hard dependency on pkg/streaming at construction time.
	chunkFunc func(content string, maxLen int) []string
}

// SetChunker injects the chunking strategy used when an outbound message
// exceeds an adapter's MaxMessageLength (spec §4.7 "Chunker").
func (g *Gateway) SetChunker(fn func(content string, maxLen int) []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chunkFunc = fn
}

func (g *Gateway) chunk(content string, maxLen int) []string {
	g.mu.RLock()
	fn := g.chunkFunc
	g.mu.RUnlock()
	if fn != nil {
		return fn(content, maxLen)
	}
	runes := []rune(content)
	if len(runes) <= maxLen || maxLen <= 0 {
		return []string{content}
	}
	var out []string
	for start := 0; start < len(runes); start += maxLen {
		end := start + maxLen
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// New creates an empty Gateway; adapters are added with RegisterAdapter.
func New() *Gateway {
	return &Gateway{
		adapters: map[string]Adapter{},
		workers:  map[string]*worker{},
	}
}

// Use appends a middleware to the ingress chain. Middlewares run in
// registration order.
func (g *Gateway) Use(mw Middleware) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.middlewares = append(g.middlewares, mw)
}

// Handle registers a message handler invoked after the middleware chain.
func (g *Gateway) Handle(h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, h)
}

// RegisterAdapter adds an adapter under its transport tag. Call before
// Start; adapters registered after Start do not get a worker until the next
// Start call.
func (g *Gateway) RegisterAdapter(a Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[a.Name()] = a
}

// Adapter returns the registered adapter for a transport tag, if any.
func (g *Gateway) Adapter(transport string) (Adapter, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.adapters[transport]
	return a, ok
}

// Start starts every registered adapter concurrently, each with its egress
// worker, and returns once every adapter's Start has returned. An
// individual adapter's start failure is logged and marks it down; it never
// fails the Gateway as a whole (spec §4.5 "Lifecycle").
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	janitorCtx, cancel := context.WithCancel(ctx)
	g.janitorCancel = cancel
	go g.runTTLJanitor(janitorCtx)

	var wg sync.WaitGroup
	var workersMu sync.Mutex
	for name, a := range g.adapters {
		wg.Add(1)
		go func(name string, a Adapter) {
			defer wg.Done()
			if err := a.Start(ctx); err != nil {
				logger.ErrorCF("gateway", "Adapter failed to start", map[string]any{
					"transport": name, "error": err.Error(),
				})
				return
			}
			w := newWorker(g, name, a)
			workersMu.Lock()
			g.workers[name] = w
			workersMu.Unlock()
			go w.run(ctx)
			logger.InfoCF("gateway", "Adapter started", map[string]any{"transport": name})
		}(name, a)
	}
	wg.Wait()
	return nil
}

// Stop drains every worker queue and stops every adapter.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.janitorCancel != nil {
		g.janitorCancel()
		g.janitorCancel = nil
	}

	for _, w := range g.workers {
		w.close()
	}
	for _, w := range g.workers {
		w.wait()
	}
	g.workers = map[string]*worker{}

	for name, a := range g.adapters {
		if err := a.Stop(ctx); err != nil {
			logger.ErrorCF("gateway", "Adapter failed to stop", map[string]any{
				"transport": name, "error": err.Error(),
			})
		}
	}
	return nil
}

// Receive runs the ingress pipeline (spec §4.5): middleware chain in order,
// then every registered handler, isolated from one another. Returns false
// if a middleware dropped the message.
func (g *Gateway) Receive(ctx context.Context, msg bus.UnifiedMessage) bool {
	g.receivedTotal.Add(1)

	g.mu.RLock()
	middlewares := make([]Middleware, len(g.middlewares))
	copy(middlewares, g.middlewares)
	handlers := make([]Handler, len(g.handlers))
	copy(handlers, g.handlers)
	g.mu.RUnlock()

	current := msg
	for _, mw := range middlewares {
		next, ok := mw(ctx, current)
		if !ok {
			g.dropped.Add(1)
			return false
		}
		current = next
	}

	for _, h := range handlers {
		if err := h(ctx, current); err != nil {
			g.handlerErrors.Add(1)
			logger.ErrorCF("gateway", "Handler failed", map[string]any{
				"transport": current.Transport,
				"chat_id":   current.ChatID,
				"error":     err.Error(),
			})
		}
	}
	return true
}

// Send implements the egress contract (spec §4.5): when Transport is unset,
// fan out to every registered adapter; otherwise route to the single
// matching adapter's worker queue. Never raises — every outcome lands in
// the returned DispatchResult.
func (g *Gateway) Send(ctx context.Context, msg bus.OutgoingMessage) bus.DispatchResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var targets []string
	if msg.Transport == "" {
		for name := range g.workers {
			targets = append(targets, name)
		}
	} else {
		targets = []string{msg.Transport}
	}

	var result bus.DispatchResult
	for _, name := range targets {
		w, ok := g.workers[name]
		if !ok {
			result.Failed = append(result.Failed, bus.FailedSend{Transport: name, Reason: ErrUnknownAdapter.Error()})
			continue
		}
		select {
		case w.queue <- msg:
			result.Success = append(result.Success, name)
		case <-ctx.Done():
			result.Failed = append(result.Failed, bus.FailedSend{Transport: name, Reason: ctx.Err().Error()})
		default:
			// Queue full: don't block the caller; report as a soft failure.
			result.Failed = append(result.Failed, bus.FailedSend{Transport: name, Reason: "queue full"})
		}
	}
	return result
}

// Broadcast is Send with Transport left unset (spec §4.5).
func (g *Gateway) Broadcast(ctx context.Context, content string, kind bus.MessageKind, chatID string) bus.DispatchResult {
	return g.Send(ctx, bus.OutgoingMessage{ChatID: chatID, Content: content, Kind: kind})
}

// GetUser resolves a platform sender id via the named adapter (spec §4.5
// "get_user(id) → CanonicalUser?").
func (g *Gateway) GetUser(ctx context.Context, transport, platformSenderID string) (*CanonicalUser, error) {
	a, ok := g.Adapter(transport)
	if !ok {
		return nil, ErrUnknownAdapter
	}
	return a.GetUser(ctx, platformSenderID)
}

// Stats exposes the ingress counters for health/metrics reporting.
func (g *Gateway) Stats() (received, dropped, handlerErrors int64) {
	return g.receivedTotal.Load(), g.dropped.Load(), g.handlerErrors.Load()
}
