package gateway

import (
	"context"
	"time"

	"github.com/cursorbot/cursorbot/pkg/bus"
)

const (
	janitorInterval = 10 * time.Second
	typingStopTTL   = 5 * time.Minute
	placeholderTTL  = 10 * time.Minute
)

type typingEntry struct {
	stop      func()
	createdAt time.Time
}

type reactionEntry struct {
	undo      func()
	createdAt time.Time
}

type placeholderEntry struct {
	id        string
	createdAt time.Time
}

// RecordPlaceholder registers a placeholder message id so the next send to
// this chat tries to edit it in place instead of sending a new message.
// Implements the capability-recording side of PlaceholderCapable.
func (g *Gateway) RecordPlaceholder(transport, chatID, placeholderID string) {
	g.placeholders.Store(transport+":"+chatID, placeholderEntry{id: placeholderID, createdAt: time.Now()})
}

// RecordTypingStop registers a typing-stop callback to invoke before the
// next send to this chat.
func (g *Gateway) RecordTypingStop(transport, chatID string, stop func()) {
	g.typingStops.Store(transport+":"+chatID, typingEntry{stop: stop, createdAt: time.Now()})
}

// RecordReactionUndo registers a reaction-undo callback to invoke before the
// next send to this chat.
func (g *Gateway) RecordReactionUndo(transport, chatID string, undo func()) {
	g.reactionUndos.Store(transport+":"+chatID, reactionEntry{undo: undo, createdAt: time.Now()})
}

// NotifyInbound triggers typing/reaction/placeholder capabilities for an
// adapter handling an inbound message, if it implements the corresponding
// optional interfaces. It is exported for an adapter's ingress path, right
// before Gateway.Receive; none of the adapters in pkg/channels call it.
func (g *Gateway) NotifyInbound(ctx context.Context, transport, chatID, messageID string) {
	a, ok := g.Adapter(transport)
	if !ok {
		return
	}
	if tc, ok := a.(TypingCapable); ok {
		if stop, err := tc.StartTyping(ctx, chatID); err == nil {
			g.RecordTypingStop(transport, chatID, stop)
		}
	}
	if rc, ok := a.(ReactionCapable); ok && messageID != "" {
		if undo, err := rc.ReactToMessage(ctx, chatID, messageID); err == nil {
			g.RecordReactionUndo(transport, chatID, undo)
		}
	}
	if pc, ok := a.(PlaceholderCapable); ok {
		if phID, err := pc.SendPlaceholder(ctx, chatID); err == nil && phID != "" {
			g.RecordPlaceholder(transport, chatID, phID)
		}
	}
}

// preSend stops typing, undoes any reaction, and tries to edit a recorded
// placeholder for this (transport, chat) pair before a real Send happens.
// Returns true when the placeholder edit succeeded, in which case the
// caller should skip the normal Send.
func (g *Gateway) preSend(ctx context.Context, transport string, msg bus.OutgoingMessage, adapter Adapter) bool {
	key := transport + ":" + msg.ChatID

	if v, loaded := g.typingStops.LoadAndDelete(key); loaded {
		if entry, ok := v.(typingEntry); ok {
			entry.stop()
		}
	}
	if v, loaded := g.reactionUndos.LoadAndDelete(key); loaded {
		if entry, ok := v.(reactionEntry); ok {
			entry.undo()
		}
	}
	if v, loaded := g.placeholders.LoadAndDelete(key); loaded {
		if entry, ok := v.(placeholderEntry); ok && entry.id != "" {
			if editor, ok := adapter.(MessageEditor); ok {
				if err := editor.EditMessage(ctx, msg.ChatID, entry.id, msg.Content); err == nil {
					return true
				}
			}
		}
	}
	return false
}

// runTTLJanitor periodically evicts typing/reaction/placeholder entries
// that outlived their TTL, guarding against leaks when a response path
// errors out before reaching preSend.
func (g *Gateway) runTTLJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.typingStops.Range(func(key, value any) bool {
				if entry, ok := value.(typingEntry); ok && now.Sub(entry.createdAt) > typingStopTTL {
					if _, loaded := g.typingStops.LoadAndDelete(key); loaded {
						entry.stop()
					}
				}
				return true
			})
			g.reactionUndos.Range(func(key, value any) bool {
				if entry, ok := value.(reactionEntry); ok && now.Sub(entry.createdAt) > typingStopTTL {
					if _, loaded := g.reactionUndos.LoadAndDelete(key); loaded {
						entry.undo()
					}
				}
				return true
			})
			g.placeholders.Range(func(key, value any) bool {
				if entry, ok := value.(placeholderEntry); ok && now.Sub(entry.createdAt) > placeholderTTL {
					g.placeholders.Delete(key)
				}
				return true
			})
		}
	}
}
