package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/cursorbot/cursorbot/pkg/logger"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

const defaultBusBufferSize = 64

// MessageBus is the Gateway's internal ingress/egress carrier (spec §4.5).
// Adapters publish UnifiedMessage on ingress; the Gateway's egress fan-out
// publishes OutgoingMessage for adapter workers to consume.
type MessageBus struct {
	inbound  chan UnifiedMessage
	outbound chan OutgoingMessage
	done     chan struct{}
	closed   atomic.Bool
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan UnifiedMessage, defaultBusBufferSize),
		outbound: make(chan OutgoingMessage, defaultBusBufferSize),
		done:     make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg UnifiedMessage) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case mb.inbound <- msg:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (UnifiedMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-mb.done:
		return UnifiedMessage{}, false
	case <-ctx.Done():
		return UnifiedMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutgoingMessage) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case mb.outbound <- msg:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutgoingMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		return msg, ok
	case <-mb.done:
		return OutgoingMessage{}, false
	case <-ctx.Done():
		return OutgoingMessage{}, false
	}
}

// Closed reports whether Close has been called; egress callers use this to
// fail fast with Unavailable instead of blocking on a full channel
// (spec §8 property 15: graceful shutdown).
func (mb *MessageBus) Closed() bool {
	return mb.closed.Load()
}

func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)

		// Drain buffered channels so messages aren't silently lost.
		// Channels are NOT closed to avoid send-on-closed panics from concurrent publishers.
		drained := 0
		for {
			select {
			case <-mb.inbound:
				drained++
			default:
				goto doneInbound
			}
		}
	doneInbound:
		for {
			select {
			case <-mb.outbound:
				drained++
			default:
				goto doneOutbound
			}
		}
	doneOutbound:
		if drained > 0 {
			logger.DebugCF("bus", "Drained buffered messages during close", map[string]any{
				"count": drained,
			})
		}
	}
}
