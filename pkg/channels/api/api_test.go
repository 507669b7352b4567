package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/config"
)

func TestAuthorizedRejectsMissingToken(t *testing.T) {
	a := New(config.APIConfig{AuthToken: "secret-token"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if a.authorized(req) {
		t.Fatal("expected unauthorized without a token")
	}
}

func TestAuthorizedAcceptsMatchingBearerToken(t *testing.T) {
	a := New(config.APIConfig{AuthToken: "secret-token"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	if !a.authorized(req) {
		t.Fatal("expected authorized with matching bearer token")
	}
}

func TestAuthorizedRejectsEmptyConfiguredToken(t *testing.T) {
	a := New(config.APIConfig{AuthToken: ""}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer anything")
	if a.authorized(req) {
		t.Fatal("expected unauthorized when no token is configured")
	}
}

func TestHandlePostRejectsMissingFields(t *testing.T) {
	a := New(config.APIConfig{AuthToken: "t"}, func(ctx context.Context, msg bus.UnifiedMessage) bool { return true })
	a.ctx = context.Background()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"chat_id":""}`))
	w := httptest.NewRecorder()
	a.handlePost(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandlePostAcceptsValidRequest(t *testing.T) {
	var received []bus.UnifiedMessage
	a := New(config.APIConfig{AuthToken: "t"}, func(ctx context.Context, msg bus.UnifiedMessage) bool {
		received = append(received, msg)
		return true
	})
	a.ctx = context.Background()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"chat_id":"chat-1","content":"hello"}`))
	w := httptest.NewRecorder()
	a.handlePost(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(received) != 1 || received[0].Content != "hello" {
		t.Fatalf("expected one received message with content 'hello', got %+v", received)
	}
}

func TestSendQueuesToMailbox(t *testing.T) {
	a := New(config.APIConfig{AuthToken: "t"}, nil)
	ok, err := a.Send(context.Background(), bus.OutgoingMessage{ChatID: "chat-1", Content: "hi"})
	if !ok || err != nil {
		t.Fatalf("Send() = (%v, %v), want (true, nil)", ok, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.mailboxes["chat-1"]) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(a.mailboxes["chat-1"]))
	}
}
