package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/config"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidSignatureAcceptsCorrectHMAC(t *testing.T) {
	body := []byte(`{"chat_id":"1","content":"hi"}`)
	sig := sign("topsecret", body)
	if !validSignature("topsecret", body, sig) {
		t.Fatal("expected valid signature to be accepted")
	}
}

func TestValidSignatureRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"chat_id":"1","content":"hi"}`)
	sig := sign("topsecret", body)
	if validSignature("topsecret", []byte(`{"chat_id":"1","content":"bye"}`), sig) {
		t.Fatal("expected signature mismatch to be rejected")
	}
}

func TestHandleWebhookRejectsInvalidSignature(t *testing.T) {
	a := New(config.WebhookConfig{Secret: "topsecret"}, func(ctx context.Context, msg bus.UnifiedMessage) bool { return true })
	a.ctx = context.Background()

	body := `{"chat_id":"1","content":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Signature", "sha256=deadbeef")
	w := httptest.NewRecorder()
	a.handleWebhook(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandleWebhookAcceptsValidSignedPayload(t *testing.T) {
	var received []bus.UnifiedMessage
	a := New(config.WebhookConfig{Secret: "topsecret"}, func(ctx context.Context, msg bus.UnifiedMessage) bool {
		received = append(received, msg)
		return true
	})
	a.ctx = context.Background()

	body := []byte(`{"chat_id":"chat-1","content":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Signature", sign("topsecret", body))
	w := httptest.NewRecorder()
	a.handleWebhook(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(received) != 1 || received[0].Content != "hello" {
		t.Fatalf("expected one received message with content 'hello', got %+v", received)
	}
}

func TestHandleWebhookRecordsCallbackURLForSend(t *testing.T) {
	a := New(config.WebhookConfig{}, func(ctx context.Context, msg bus.UnifiedMessage) bool { return true })
	a.ctx = context.Background()

	body := `{"chat_id":"chat-1","content":"hello","callback_url":"https://example.com/cb"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	a.handleWebhook(w, req)

	a.mu.Lock()
	got := a.callbacks["chat-1"]
	a.mu.Unlock()
	if got != "https://example.com/cb" {
		t.Fatalf("expected callback URL recorded, got %q", got)
	}
}

func TestSendFailsWithoutRecordedCallback(t *testing.T) {
	a := New(config.WebhookConfig{}, nil)
	ok, err := a.Send(context.Background(), bus.OutgoingMessage{ChatID: "unknown", Content: "hi"})
	if ok || err == nil {
		t.Fatal("expected Send to fail when no callback URL is recorded")
	}
}

func TestToBusAttachmentSniffsContentTypeFromBytes(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	att := toBusAttachment(inboundAttachment{Data: png, Filename: "photo"})
	if att.Kind != bus.KindImage {
		t.Fatalf("expected sniffed attachment kind to be image, got %v (content-type %q)", att.Kind, att.ContentType)
	}
}
