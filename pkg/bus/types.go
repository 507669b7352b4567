// Package bus defines the wire types that flow between Gateway adapters and
// the orchestration pipeline (spec §3, §6) and the MessageBus that carries
// them.
package bus

import "time"

// ChatKind enumerates the chat shapes a platform peer can be (spec §3).
type ChatKind string

const (
	ChatDM      ChatKind = "dm"
	ChatGroup   ChatKind = "group"
	ChatThread  ChatKind = "thread"
	ChatChannel ChatKind = "channel"
)

// MessageKind enumerates the inbound content kinds named in the adapter
// contract (spec §6).
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindFile     MessageKind = "file"
	KindLocation MessageKind = "location"
	KindSticker  MessageKind = "sticker"
	KindCommand  MessageKind = "command"
	KindCallback MessageKind = "callback"
)

// Peer identifies the routing peer for a message (direct, group, channel, thread).
type Peer struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// SenderInfo is structured sender identity information, as surfaced by an
// adapter before Identity & Access resolves it to a canonical identity.
type SenderInfo struct {
	Platform    string `json:"platform,omitempty"`
	PlatformID  string `json:"platform_id,omitempty"`
	CanonicalID string `json:"canonical_id,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Attachment describes one inbound or outbound media attachment.
type Attachment struct {
	Kind        MessageKind `json:"kind"`
	Ref         string      `json:"ref"`
	Filename    string      `json:"filename,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Caption     string      `json:"caption,omitempty"`
}

// UnifiedMessage is the platform-agnostic normalization of an inbound
// adapter event (spec §6 adapter contract).
type UnifiedMessage struct {
	ID          string
	Transport   string
	Kind        MessageKind
	Content     string
	Sender      SenderInfo
	Peer        Peer
	ChatID      string
	ChatKind    ChatKind
	ThreadID    string
	AccountID   string
	Timestamp   time.Time
	ReplyTo     string
	Attachments []Attachment
	Metadata    map[string]string
	Raw         any

	// SessionKey is populated by the Gateway pipeline once Identity/Router
	// resolve it; empty on ingress from the adapter itself.
	SessionKey string
}

// OutgoingMessage is what the orchestration pipeline hands back to the
// Gateway for egress (spec §4.5).
type OutgoingMessage struct {
	ChatID      string
	Content     string
	Transport   string // empty = fan out to every registered adapter
	Kind        MessageKind
	ReplyTo     string
	Attachments []Attachment
	Metadata    map[string]string
}

// DispatchResult reports per-adapter egress outcomes (spec §4.5, §3).
type DispatchResult struct {
	Success []string
	Failed  []FailedSend
}

type FailedSend struct {
	Transport string
	Reason    string
}
