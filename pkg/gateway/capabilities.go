package gateway

import "context"

// TypingCapable is an opt-in interface an Adapter implements to show a
// platform-native typing indicator while a response is being produced.
type TypingCapable interface {
	StartTyping(ctx context.Context, chatID string) (stop func(), err error)
}

// MessageEditor is an opt-in interface an Adapter implements to edit an
// already-sent message in place, used to turn a placeholder into the final
// streamed answer without a second visible message.
type MessageEditor interface {
	EditMessage(ctx context.Context, chatID, messageID, content string) error
}

// ReactionCapable is an opt-in interface an Adapter implements to react to
// an inbound message (e.g. an acknowledgement emoji) and later undo it.
type ReactionCapable interface {
	ReactToMessage(ctx context.Context, chatID, messageID string) (undo func(), err error)
}

// PlaceholderCapable is an opt-in interface an Adapter implements to send a
// "thinking…" placeholder message that is later edited into the final reply.
type PlaceholderCapable interface {
	SendPlaceholder(ctx context.Context, chatID string) (messageID string, err error)
}

// MaxMessageLengthProvider is an opt-in interface an Adapter implements to
// advertise its maximum message length in runes. The Gateway's egress path
// uses it to decide whether to split an outgoing message before sending.
type MaxMessageLengthProvider interface {
	MaxMessageLength() int
}
