// Package webhook implements the Webhook Adapter (spec §6): a generic
// HMAC-signed HTTP push endpoint for third-party integrations that deliver
// events rather than being polled. Egress replies to the callback URL the
// sender supplied on ingress, the way chat-ops webhooks (Slack's
// response_url, GitHub's deployment callbacks) round-trip a reply.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/config"
	"github.com/cursorbot/cursorbot/pkg/gateway"
	"github.com/cursorbot/cursorbot/pkg/identity"
	"github.com/cursorbot/cursorbot/pkg/logger"
)

// ReceiveFunc is how an adapter hands an inbound message to the Gateway.
type ReceiveFunc func(ctx context.Context, msg bus.UnifiedMessage) bool

type inboundAttachment struct {
	URL         string `json:"url"`
	Data        []byte `json:"data,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

type inboundPayload struct {
	ChatID      string              `json:"chat_id"`
	SenderID    string              `json:"sender_id"`
	Content     string              `json:"content"`
	CallbackURL string              `json:"callback_url,omitempty"`
	Attachments []inboundAttachment `json:"attachments,omitempty"`
}

// Adapter implements gateway.Adapter for webhook-delivered events.
type Adapter struct {
	cfg     config.WebhookConfig
	receive ReceiveFunc
	server  *http.Server
	client  *http.Client

	mu        sync.Mutex
	callbacks map[string]string // chat id -> callback URL supplied on ingress

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.WebhookConfig, receive ReceiveFunc) *Adapter {
	return &Adapter{
		cfg:       cfg,
		receive:   receive,
		client:    &http.Client{Timeout: 10 * time.Second},
		callbacks: make(map[string]string),
	}
}

func (a *Adapter) Name() string { return "webhook" }

func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", a.handleWebhook)
	a.server = &http.Server{Addr: a.cfg.ListenAddr, Handler: mux}

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("webhook", "listener stopped", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("webhook", "listening", map[string]any{"addr": a.cfg.ListenAddr})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) (bool, error) {
	a.mu.Lock()
	callback := a.callbacks[msg.ChatID]
	a.mu.Unlock()

	if callback == "" {
		return false, fmt.Errorf("webhook: no callback URL recorded for chat %s", msg.ChatID)
	}

	body, err := json.Marshal(map[string]any{"chat_id": msg.ChatID, "content": msg.Content})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callback, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("webhook callback post: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (a *Adapter) GetUser(ctx context.Context, platformSenderID string) (*gateway.CanonicalUser, error) {
	return &gateway.CanonicalUser{PlatformID: platformSenderID}, nil
}

func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if a.cfg.Secret != "" && !validSignature(a.cfg.Secret, body, r.Header.Get("X-Signature")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload inboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.ChatID == "" || (payload.Content == "" && len(payload.Attachments) == 0) {
		http.Error(w, "chat_id and content (or attachments) are required", http.StatusBadRequest)
		return
	}
	if payload.SenderID == "" {
		payload.SenderID = payload.ChatID
	}

	if payload.CallbackURL != "" {
		a.mu.Lock()
		a.callbacks[payload.ChatID] = payload.CallbackURL
		a.mu.Unlock()
	}

	attachments := make([]bus.Attachment, 0, len(payload.Attachments))
	for _, att := range payload.Attachments {
		attachments = append(attachments, toBusAttachment(att))
	}

	kind := bus.KindText
	switch {
	case strings.HasPrefix(strings.TrimSpace(payload.Content), "/"):
		kind = bus.KindCommand
	case payload.Content == "" && len(attachments) > 0:
		kind = attachments[0].Kind
	}

	um := bus.UnifiedMessage{
		ID:        uuid.New().String(),
		Transport: "webhook",
		Kind:      kind,
		Content:   payload.Content,
		Sender: bus.SenderInfo{
			Platform:    "webhook",
			PlatformID:  payload.SenderID,
			CanonicalID: identity.BuildCanonicalID("webhook", payload.SenderID),
		},
		Peer:        bus.Peer{Kind: string(bus.ChatDM), ID: payload.ChatID},
		ChatID:      payload.ChatID,
		ChatKind:    bus.ChatDM,
		Timestamp:   time.Now(),
		Attachments: attachments,
	}

	a.receive(a.ctx, um)
	w.WriteHeader(http.StatusAccepted)
}

// toBusAttachment sniffs the content type from the raw bytes when the
// sender omitted one — some webhook integrations forward files without a
// declared MIME type.
func toBusAttachment(att inboundAttachment) bus.Attachment {
	contentType := att.ContentType
	if contentType == "" && len(att.Data) > 0 {
		if kind, err := filetype.Match(att.Data); err == nil && kind != filetype.Unknown {
			contentType = kind.MIME.Value
		}
	}

	kind := bus.KindFile
	switch {
	case strings.HasPrefix(contentType, "image/"):
		kind = bus.KindImage
	case strings.HasPrefix(contentType, "audio/"):
		kind = bus.KindAudio
	case strings.HasPrefix(contentType, "video/"):
		kind = bus.KindVideo
	}

	ref := att.URL
	return bus.Attachment{Kind: kind, Ref: ref, Filename: att.Filename, ContentType: contentType}
}

func validSignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
