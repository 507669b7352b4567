// Package signal implements the Signal Adapter (spec §6) as an HTTP bridge
// client against signal-cli's REST API (https://github.com/bbernhard/signal-cli-rest-api).
// No native Go Signal protocol library exists in the retrieved example
// pack, so this follows the same shape the teacher uses for its own
// bridge-backed channel (WhatsAppConfig's BridgeURL) — poll for inbound
// envelopes, POST to send — rather than embedding the protocol itself.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/config"
	"github.com/cursorbot/cursorbot/pkg/gateway"
	"github.com/cursorbot/cursorbot/pkg/identity"
	"github.com/cursorbot/cursorbot/pkg/logger"
)

const pollInterval = 3 * time.Second

// ReceiveFunc is how an adapter hands an inbound message to the Gateway.
type ReceiveFunc func(ctx context.Context, msg bus.UnifiedMessage) bool

type envelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceNumber string `json:"sourceNumber"`
		SourceName   string `json:"sourceName"`
		Timestamp    int64  `json:"timestamp"`
		DataMessage  *struct {
			Message string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo,omitempty"`
		} `json:"dataMessage,omitempty"`
	} `json:"envelope"`
}

type sendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

// Adapter implements gateway.Adapter for Signal, bridging through a
// signal-cli REST API instance.
type Adapter struct {
	cfg     config.SignalConfig
	receive ReceiveFunc
	client  *http.Client

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.SignalConfig, receive ReceiveFunc) *Adapter {
	return &Adapter{cfg: cfg, receive: receive, client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *Adapter) Name() string { return "signal" }

func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	go a.pollLoop(a.ctx)
	logger.InfoCF("signal", "polling signal-cli bridge", map[string]any{"addr": a.cfg.SignalCLIAddr})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *Adapter) poll(ctx context.Context) {
	url := fmt.Sprintf("%s/v1/receive/%s", strings.TrimRight(a.cfg.SignalCLIAddr, "/"), a.cfg.PhoneNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}

	resp, err := a.client.Do(req)
	if err != nil {
		logger.WarnCF("signal", "poll failed", map[string]any{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var envelopes []envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		logger.WarnCF("signal", "failed to decode envelopes", map[string]any{"error": err.Error()})
		return
	}

	for _, e := range envelopes {
		a.handleEnvelope(ctx, e)
	}
}

func (a *Adapter) handleEnvelope(ctx context.Context, e envelope) {
	if e.Envelope.DataMessage == nil || strings.TrimSpace(e.Envelope.DataMessage.Message) == "" {
		return
	}

	senderID := e.Envelope.SourceNumber
	if senderID == "" {
		senderID = e.Envelope.Source
	}

	chatID := senderID
	peerKind := bus.ChatDM
	if e.Envelope.DataMessage.GroupInfo != nil {
		chatID = e.Envelope.DataMessage.GroupInfo.GroupID
		peerKind = bus.ChatGroup
	}

	content := e.Envelope.DataMessage.Message
	kind := bus.KindText
	if strings.HasPrefix(strings.TrimSpace(content), "/") {
		kind = bus.KindCommand
	}

	um := bus.UnifiedMessage{
		ID:        fmt.Sprintf("%d", e.Envelope.Timestamp),
		Transport: "signal",
		Kind:      kind,
		Content:   content,
		Sender: bus.SenderInfo{
			Platform:    "signal",
			PlatformID:  senderID,
			CanonicalID: identity.BuildCanonicalID("signal", senderID),
			DisplayName: e.Envelope.SourceName,
		},
		Peer:      bus.Peer{Kind: string(peerKind), ID: chatID},
		ChatID:    chatID,
		ChatKind:  peerKind,
		Timestamp: time.Now(),
	}

	a.receive(ctx, um)
}

func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) (bool, error) {
	body, err := json.Marshal(sendRequest{
		Message:    msg.Content,
		Number:     a.cfg.PhoneNumber,
		Recipients: []string{msg.ChatID},
	})
	if err != nil {
		return false, err
	}

	url := fmt.Sprintf("%s/v2/send", strings.TrimRight(a.cfg.SignalCLIAddr, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("signal send: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (a *Adapter) GetUser(ctx context.Context, platformSenderID string) (*gateway.CanonicalUser, error) {
	return &gateway.CanonicalUser{PlatformID: platformSenderID}, nil
}
