// Package session owns the session table and its JSON snapshot (spec §4.3):
// deterministic session-key derivation, reset policies, token counters, and
// write-through persistence.
package session

import (
	"fmt"
	"strings"

	"github.com/cursorbot/cursorbot/pkg/bus"
)

// DMScope controls DM session isolation granularity (spec §4.3).
type DMScope string

const (
	DMScopeMain           DMScope = "main"
	DMScopePerPeer        DMScope = "per-peer"
	DMScopePerChannelPeer DMScope = "per-channel-peer"
)

const defaultMainKey = "main"

// KeyParams holds every input to session-key derivation (spec §4.3: "a pure
// function of (agent, transport, scope config, canonical user, chat,
// thread)").
type KeyParams struct {
	AgentID       string
	Transport     string
	ChatID        string
	ChatKind      bus.ChatKind
	ThreadID      string
	CanonicalUser string
	DMScope       DMScope
	MainKey       string // defaults to "main"
}

func normalizeAgentID(agentID string) string {
	a := strings.ToLower(strings.TrimSpace(agentID))
	a = strings.ReplaceAll(a, " ", "-")
	if a == "" {
		return "default"
	}
	return a
}

func normalizeTransport(transport string) string {
	t := strings.ToLower(strings.TrimSpace(transport))
	if t == "" {
		return "unknown"
	}
	return t
}

// BuildKey derives the deterministic session key for one scope (spec §4.3):
//
//	DM/Main           -> agent:<id>:<main_key>
//	DM/PerPeer        -> agent:<id>:dm:<canonical>
//	DM/PerChannelPeer -> agent:<id>:<transport>:dm:<canonical>
//	Group             -> agent:<id>:<transport>:group:<chat_id>[:topic:<thread>]
//	Thread            -> agent:<id>:<transport>:thread:<chat_id>:<thread>
//	Channel           -> agent:<id>:<transport>:channel:<chat_id>
func BuildKey(p KeyParams) string {
	agentID := normalizeAgentID(p.AgentID)
	mainKey := p.MainKey
	if mainKey == "" {
		mainKey = defaultMainKey
	}

	switch p.ChatKind {
	case bus.ChatGroup:
		transport := normalizeTransport(p.Transport)
		key := fmt.Sprintf("agent:%s:%s:group:%s", agentID, transport, p.ChatID)
		if p.ThreadID != "" {
			key += ":topic:" + p.ThreadID
		}
		return key
	case bus.ChatThread:
		transport := normalizeTransport(p.Transport)
		return fmt.Sprintf("agent:%s:%s:thread:%s:%s", agentID, transport, p.ChatID, p.ThreadID)
	case bus.ChatChannel:
		transport := normalizeTransport(p.Transport)
		return fmt.Sprintf("agent:%s:%s:channel:%s", agentID, transport, p.ChatID)
	default: // bus.ChatDM and unset
		switch p.DMScope {
		case DMScopePerChannelPeer:
			transport := normalizeTransport(p.Transport)
			return fmt.Sprintf("agent:%s:%s:dm:%s", agentID, transport, p.CanonicalUser)
		case DMScopePerPeer:
			return fmt.Sprintf("agent:%s:dm:%s", agentID, p.CanonicalUser)
		default: // DMScopeMain
			return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
		}
	}
}

// ResolveIdentity maps a provider-prefixed peer id (e.g. "telegram:123456")
// to its canonical identity via the links table, returning the input
// unchanged if no link exists (spec §3: "if no link exists, the provider
// peer itself is used as the canonical identity").
func ResolveIdentity(links map[string][]string, providerPeerID string) string {
	for canonical, peers := range links {
		for _, peer := range peers {
			if peer == providerPeerID {
				return canonical
			}
		}
	}
	return providerPeerID
}
