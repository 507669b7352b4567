// Package googlechat implements the Google Chat Adapter (spec §6): a
// service-account-authenticated HTTP push endpoint for Google Chat's bot
// events (https://developers.google.com/workspace/chat), paired with
// golang.org/x/oauth2/google for egress. No teacher precedent exists for
// this transport in the retrieved pack; the push-endpoint + bearer-token
// egress shape mirrors the teacher's webhook/API channel pattern.
package googlechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/config"
	"github.com/cursorbot/cursorbot/pkg/gateway"
	"github.com/cursorbot/cursorbot/pkg/identity"
	"github.com/cursorbot/cursorbot/pkg/logger"
)

const chatScope = "https://www.googleapis.com/auth/chat.bot"

// ReceiveFunc is how an adapter hands an inbound message to the Gateway.
type ReceiveFunc func(ctx context.Context, msg bus.UnifiedMessage) bool

type chatEvent struct {
	Type    string `json:"type"`
	Message struct {
		Name   string `json:"name"`
		Text   string `json:"text"`
		Sender struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"sender"`
		Thread struct {
			Name string `json:"name"`
		} `json:"thread"`
	} `json:"message"`
	Space struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"space"`
}

// Adapter implements gateway.Adapter for Google Chat.
type Adapter struct {
	cfg         config.GoogleChatConfig
	receive     ReceiveFunc
	server      *http.Server
	tokenSource oauth2.TokenSource

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.GoogleChatConfig, receive ReceiveFunc) (*Adapter, error) {
	a := &Adapter{cfg: cfg, receive: receive}

	if cfg.ServiceAccountFile != "" {
		raw, err := os.ReadFile(cfg.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read google chat service account file: %w", err)
		}
		jwtCfg, err := google.JWTConfigFromJSON(raw, chatScope)
		if err != nil {
			return nil, fmt.Errorf("parse google chat service account: %w", err)
		}
		a.tokenSource = jwtCfg.TokenSource(context.Background())
	}

	return a, nil
}

func (a *Adapter) Name() string { return "googlechat" }

func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/googlechat/events", a.handleEvent)
	a.server = &http.Server{Addr: a.cfg.ListenAddr, Handler: mux}

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("googlechat", "listener stopped", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("googlechat", "listening", map[string]any{"addr": a.cfg.ListenAddr})
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

func (a *Adapter) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var event chatEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}

	if um, ok := toUnifiedMessage(event); ok {
		a.receive(a.ctx, um)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

func toUnifiedMessage(event chatEvent) (bus.UnifiedMessage, bool) {
	if event.Type != "MESSAGE" || strings.TrimSpace(event.Message.Text) == "" {
		return bus.UnifiedMessage{}, false
	}

	senderID := event.Message.Sender.Name
	chatKind := bus.ChatGroup
	if event.Space.Type == "DM" {
		chatKind = bus.ChatDM
	}

	kind := bus.KindText
	if strings.HasPrefix(strings.TrimSpace(event.Message.Text), "/") {
		kind = bus.KindCommand
	}

	return bus.UnifiedMessage{
		ID:        event.Message.Name,
		Transport: "googlechat",
		Kind:      kind,
		Content:   event.Message.Text,
		Sender: bus.SenderInfo{
			Platform:    "googlechat",
			PlatformID:  senderID,
			CanonicalID: identity.BuildCanonicalID("googlechat", senderID),
			DisplayName: event.Message.Sender.DisplayName,
		},
		Peer:      bus.Peer{Kind: string(chatKind), ID: event.Space.Name},
		ChatID:    event.Space.Name,
		ChatKind:  chatKind,
		ThreadID:  event.Message.Thread.Name,
		Timestamp: time.Now(),
	}, true
}

func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) (bool, error) {
	if a.tokenSource == nil {
		return false, fmt.Errorf("googlechat: no service account credentials configured")
	}

	token, err := a.tokenSource.Token()
	if err != nil {
		return false, fmt.Errorf("googlechat: token: %w", err)
	}

	body, err := json.Marshal(map[string]string{"text": msg.Content})
	if err != nil {
		return false, err
	}

	url := fmt.Sprintf("https://chat.googleapis.com/v1/%s/messages", msg.ChatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("googlechat send: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (a *Adapter) GetUser(ctx context.Context, platformSenderID string) (*gateway.CanonicalUser, error) {
	return &gateway.CanonicalUser{PlatformID: platformSenderID}, nil
}
