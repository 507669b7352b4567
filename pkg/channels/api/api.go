// Package api implements the API Adapter (spec §6): a bearer-token
// authenticated HTTP endpoint for programmatic integrations, grounded on
// the teacher's shared HTTP server pattern (pkg/channels/manager.go's
// SetupHTTPServer) generalized to its own standalone listener.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/config"
	"github.com/cursorbot/cursorbot/pkg/gateway"
	"github.com/cursorbot/cursorbot/pkg/identity"
	"github.com/cursorbot/cursorbot/pkg/logger"
)

// ReceiveFunc is how an adapter hands an inbound message to the Gateway.
type ReceiveFunc func(ctx context.Context, msg bus.UnifiedMessage) bool

type inboundRequest struct {
	ChatID   string `json:"chat_id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// Adapter implements gateway.Adapter for the programmatic API transport.
// Egress is polling-based: Send appends to a per-chat mailbox that the
// caller drains via GET /v1/messages?chat_id=X.
type Adapter struct {
	cfg     config.APIConfig
	receive ReceiveFunc
	server  *http.Server

	mu        sync.Mutex
	mailboxes map[string][]bus.OutgoingMessage

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.APIConfig, receive ReceiveFunc) *Adapter {
	return &Adapter{cfg: cfg, receive: receive, mailboxes: make(map[string][]bus.OutgoingMessage)}
}

func (a *Adapter) Name() string { return "api" }

func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", a.handleMessages)
	a.server = &http.Server{Addr: a.cfg.ListenAddr, Handler: mux}

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "listener stopped", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("api", "listening", map[string]any{"addr": a.cfg.ListenAddr})
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
	defer a.mu.Unlock()
	a.mailboxes[msg.ChatID] = append(a.mailboxes[msg.ChatID], msg)
	return true, nil
}

func (a *Adapter) GetUser(ctx context.Context, platformSenderID string) (*gateway.CanonicalUser, error) {
	return &gateway.CanonicalUser{PlatformID: platformSenderID}, nil
}

func (a *Adapter) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		a.handlePost(w, r)
	case http.MethodGet:
		a.handleGet(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *Adapter) authorized(r *http.Request) bool {
	if a.cfg.AuthToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.AuthToken)) == 1
}

func (a *Adapter) handlePost(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" || req.ChatID == "" {
		http.Error(w, "chat_id and content are required", http.StatusBadRequest)
		return
	}
	if req.SenderID == "" {
		req.SenderID = req.ChatID
	}

	kind := bus.KindText
	if strings.HasPrefix(strings.TrimSpace(req.Content), "/") {
		kind = bus.KindCommand
	}

	um := bus.UnifiedMessage{
		ID:        uuid.New().String(),
		Transport: "api",
		Kind:      kind,
		Content:   req.Content,
		Sender: bus.SenderInfo{
			Platform:    "api",
			PlatformID:  req.SenderID,
			CanonicalID: identity.BuildCanonicalID("api", req.SenderID),
		},
		Peer:      bus.Peer{Kind: string(bus.ChatDM), ID: req.ChatID},
		ChatID:    req.ChatID,
		ChatKind:  bus.ChatDM,
		Timestamp: time.Now(),
	}

	a.receive(a.ctx, um)
	w.WriteHeader(http.StatusAccepted)
}

func (a *Adapter) handleGet(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	pending := a.mailboxes[chatID]
	delete(a.mailboxes, chatID)
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pending)
}
