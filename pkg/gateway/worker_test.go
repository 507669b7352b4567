package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/cursorbot/cursorbot/pkg/bus"
)

func TestSendWithRetryRetriesTemporaryFailures(t *testing.T) {
	a := &fakeAdapter{name: "telegram", failFirst: 1}
	gw := New()
	gw.RegisterAdapter(a)
	w := newWorker(gw, "telegram", a)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	w.sendWithRetry(ctx, bus.OutgoingMessage{ChatID: "c1", Content: "hi"})

	if a.sentCount() != 1 {
		t.Fatalf("expected exactly one successful send after retries, got %d", a.sentCount())
	}
}

type placeholderAdapter struct {
	fakeAdapter
	edited string
}

func (a *placeholderAdapter) EditMessage(ctx context.Context, chatID, messageID, content string) error {
	a.edited = content
	return nil
}

func TestPreSendEditsPlaceholderInsteadOfSending(t *testing.T) {
	a := &placeholderAdapter{fakeAdapter: fakeAdapter{name: "telegram"}}
	gw := New()
	gw.RegisterAdapter(a)
	gw.RecordPlaceholder("telegram", "c1", "msg-123")

	w := newWorker(gw, "telegram", a)
	skip := gw.preSend(context.Background(), "telegram", bus.OutgoingMessage{ChatID: "c1", Content: "final answer"}, w.adapter)
	if !skip {
		t.Fatal("expected preSend to report the placeholder was edited")
	}
	if a.edited != "final answer" {
		t.Errorf("expected placeholder edited with final content, got %q", a.edited)
	}
}

func TestGatewayChunkFallsBackToHardCutWithoutChunker(t *testing.T) {
	gw := New()
	chunks := gw.chunk("abcdefghij", 4)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "abcd" || chunks[2] != "ij" {
		t.Errorf("unexpected chunk boundaries: %v", chunks)
	}
}

func TestGatewayChunkUsesInjectedChunker(t *testing.T) {
	gw := New()
	gw.SetChunker(func(content string, maxLen int) []string {
		return []string{"custom"}
	})
	if got := gw.chunk("whatever", 4); len(got) != 1 || got[0] != "custom" {
		t.Errorf("expected injected chunker to be used, got %v", got)
	}
}
