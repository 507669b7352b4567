package gateway

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/logger"
)

const (
	defaultWorkerQueueSize = 16
	maxRetries             = 3
	rateLimitDelay         = 1 * time.Second
	baseBackoff            = 500 * time.Millisecond
	maxBackoff             = 8 * time.Second
)

// worker paces and retries egress sends for one adapter. Grounded on the
// teacher's channelWorker/runWorker/sendWithRetry in pkg/channels/manager.go,
// adapted to a single outgoing queue (no separate media queue — attachments
// travel inside bus.OutgoingMessage) and to the Gateway's own capability
// hooks (typing/placeholder/reaction) instead of channels.PlaceholderRecorder.
type worker struct {
	name    string
	adapter Adapter
	queue   chan bus.OutgoingMessage
	done    chan struct{}
	limiter *rate.Limiter
	gw      *Gateway
}

func newWorker(gw *Gateway, name string, a Adapter) *worker {
	rateVal := float64(defaultAdapterRateLimit)
	if r, ok := adapterRateConfig[name]; ok {
		rateVal = r
	}
	burst := int(math.Max(1, math.Ceil(rateVal/2)))
	return &worker{
		name:    name,
		adapter: a,
		queue:   make(chan bus.OutgoingMessage, defaultWorkerQueueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(rateVal), burst),
		gw:      gw,
	}
}

func (w *worker) close() { close(w.queue) }
func (w *worker) wait()  { <-w.done }

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case msg, ok := <-w.queue:
			if !ok {
				return
			}
			maxLen := 0
			if mlp, ok := w.adapter.(MaxMessageLengthProvider); ok {
				maxLen = mlp.MaxMessageLength()
			}
			if maxLen > 0 && len([]rune(msg.Content)) > maxLen && w.gw != nil {
				for _, chunk := range w.gw.chunk(msg.Content, maxLen) {
					chunkMsg := msg
					chunkMsg.Content = chunk
					w.sendWithRetry(ctx, chunkMsg)
				}
			} else {
				w.sendWithRetry(ctx, msg)
			}
		case <-ctx.Done():
			return
		}
	}
}

// sendWithRetry paces the send through the adapter's rate limiter, applies
// the gateway's pre-send hooks (stop typing, undo reaction, try editing a
// placeholder), then retries per the classified error (spec §4.5 egress;
// error classes grounded on pkg/channels/errors.go + errutil.go).
func (w *worker) sendWithRetry(ctx context.Context, msg bus.OutgoingMessage) {
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	if w.gw != nil && w.gw.preSend(ctx, w.name, msg, w.adapter) {
		return // placeholder edited in place, no further Send needed
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ok, err := w.adapter.Send(ctx, msg)
		if err == nil && ok {
			return
		}
		if err == nil {
			err = ErrSendFailed
		}
		lastErr = err

		if errors.Is(lastErr, ErrNotRunning) || errors.Is(lastErr, ErrSendFailed) {
			break
		}
		if attempt == maxRetries {
			break
		}
		if errors.Is(lastErr, ErrRateLimit) {
			select {
			case <-time.After(rateLimitDelay):
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt)))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}

	logger.ErrorCF("gateway", "Send failed", map[string]any{
		"transport": w.name,
		"chat_id":   msg.ChatID,
		"error":     lastErr.Error(),
		"retries":   maxRetries,
	})
}
