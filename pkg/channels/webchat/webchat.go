// Package webchat implements the WebChat Adapter (spec §6): a raw
// websocket transport for browser clients, grounded on the teacher's Pico
// Protocol channel (pkg/channels/pico) — same connection/session/ping-loop
// shape, generalized to a standalone HTTP listener instead of a shared
// manager-mounted mux.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/config"
	"github.com/cursorbot/cursorbot/pkg/gateway"
	"github.com/cursorbot/cursorbot/pkg/identity"
	"github.com/cursorbot/cursorbot/pkg/logger"
	"github.com/cursorbot/cursorbot/pkg/utils"
)

// Wire message types, mirroring the teacher's Pico Protocol.
const (
	typeMessageSend   = "message.send"
	typePing          = "ping"
	typeMessageCreate = "message.create"
	typeTypingStart   = "typing.start"
	typeTypingStop    = "typing.stop"
	typeError         = "error"
	typePong          = "pong"
)

type wireMessage struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func newWireMessage(msgType string, payload map[string]any) wireMessage {
	return wireMessage{Type: msgType, Timestamp: time.Now().UnixMilli(), Payload: payload}
}

func newWireError(code, message string) wireMessage {
	return newWireMessage(typeError, map[string]any{"code": code, "message": message})
}

type conn struct {
	id        string
	ws        *websocket.Conn
	sessionID string
	writeMu   sync.Mutex
	closed    atomic.Bool
}

func (c *conn) writeJSON(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.ws.Close()
	}
}

// ReceiveFunc is how an adapter hands an inbound message to the Gateway.
type ReceiveFunc func(ctx context.Context, msg bus.UnifiedMessage) bool

// Adapter implements gateway.Adapter for WebChat.
type Adapter struct {
	cfg      config.WebChatConfig
	receive  ReceiveFunc
	upgrader websocket.Upgrader
	server   *http.Server

	conns     sync.Map // conn id -> *conn
	connCount atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.WebChatConfig, receive ReceiveFunc) *Adapter {
	allowOrigins := cfg.AllowOrigins
	checkOrigin := func(r *http.Request) bool {
		if len(allowOrigins) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, allowed := range allowOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}

	return &Adapter{
		cfg:     cfg,
		receive: receive,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (a *Adapter) Name() string { return "webchat" }

func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWebSocket)
	a.server = &http.Server{Addr: a.cfg.ListenAddr, Handler: mux}

	ln := a.server
	go func() {
		if err := ln.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("webchat", "listener stopped", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("webchat", "listening", map[string]any{"addr": a.cfg.ListenAddr})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.conns.Range(func(key, value any) bool {
		if c, ok := value.(*conn); ok {
			c.close()
		}
		a.conns.Delete(key)
		return true
	})
	if a.cancel != nil {
		a.cancel()
	}
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) (bool, error) {
	out := newWireMessage(typeMessageCreate, map[string]any{"content": msg.Content})
	return a.broadcastToSession(msg.ChatID, out)
}

func (a *Adapter) GetUser(ctx context.Context, platformSenderID string) (*gateway.CanonicalUser, error) {
	return &gateway.CanonicalUser{PlatformID: platformSenderID}, nil
}

func (a *Adapter) broadcastToSession(chatID string, msg wireMessage) (bool, error) {
	sessionID := strings.TrimPrefix(chatID, "webchat:")
	msg.SessionID = sessionID

	var sent bool
	a.conns.Range(func(key, value any) bool {
		c, ok := value.(*conn)
		if !ok || c.sessionID != sessionID {
			return true
		}
		if err := c.writeJSON(msg); err != nil {
			logger.DebugCF("webchat", "write failed", map[string]any{"conn_id": c.id, "error": err.Error()})
			return true
		}
		sent = true
		return true
	})
	if !sent {
		return false, fmt.Errorf("webchat: no active connection for session %s", sessionID)
	}
	return true, nil
}

func (a *Adapter) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	maxConns := 1000
	if int(a.connCount.Load()) >= maxConns {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("webchat", "upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	c := &conn{id: uuid.New().String(), ws: ws, sessionID: sessionID}
	a.conns.Store(c.id, c)
	a.connCount.Add(1)

	logger.InfoCF("webchat", "client connected", map[string]any{"conn_id": c.id, "session_id": sessionID})
	go a.readLoop(c)
}

func (a *Adapter) readLoop(c *conn) {
	defer func() {
		c.close()
		a.conns.Delete(c.id)
		a.connCount.Add(-1)
		logger.InfoCF("webchat", "client disconnected", map[string]any{"conn_id": c.id, "session_id": c.sessionID})
	}()

	readTimeout := 60 * time.Second
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go a.pingLoop(c, 30*time.Second)

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.DebugCF("webchat", "read error", map[string]any{"conn_id": c.id, "error": err.Error()})
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.writeJSON(newWireError("invalid_message", "failed to parse message"))
			continue
		}
		a.handleMessage(c, msg)
	}
}

func (a *Adapter) pingLoop(c *conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if c.closed.Load() {
				return
			}
			c.writeMu.Lock()
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (a *Adapter) handleMessage(c *conn, msg wireMessage) {
	switch msg.Type {
	case typePing:
		pong := newWireMessage(typePong, nil)
		pong.ID = msg.ID
		c.writeJSON(pong)
	case typeMessageSend:
		a.handleMessageSend(c, msg)
	default:
		c.writeJSON(newWireError("unknown_type", fmt.Sprintf("unknown message type: %s", msg.Type)))
	}
}

func (a *Adapter) handleMessageSend(c *conn, msg wireMessage) {
	content, _ := msg.Payload["content"].(string)
	if strings.TrimSpace(content) == "" {
		c.writeJSON(newWireError("empty_content", "message content is empty"))
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}

	chatID := "webchat:" + sessionID
	senderID := "webchat:" + sessionID

	kind := bus.KindText
	if strings.HasPrefix(strings.TrimSpace(content), "/") {
		kind = bus.KindCommand
	}

	um := bus.UnifiedMessage{
		ID:        msg.ID,
		Transport: "webchat",
		Kind:      kind,
		Content:   content,
		Sender: bus.SenderInfo{
			Platform:    "webchat",
			PlatformID:  senderID,
			CanonicalID: identity.BuildCanonicalID("webchat", senderID),
		},
		Peer:      bus.Peer{Kind: string(bus.ChatDM), ID: chatID},
		ChatID:    chatID,
		ChatKind:  bus.ChatDM,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"session_id": sessionID,
			"conn_id":    c.id,
		},
	}

	logger.DebugCF("webchat", "received message", map[string]any{
		"session_id": sessionID,
		"preview":    utils.Truncate(content, 50),
	})

	a.receive(a.ctx, um)
}
