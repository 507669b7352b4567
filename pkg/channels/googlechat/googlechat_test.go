package googlechat

import (
	"testing"

	"github.com/cursorbot/cursorbot/pkg/bus"
)

func TestToUnifiedMessageIgnoresNonMessageEvents(t *testing.T) {
	var e chatEvent
	e.Type = "ADDED_TO_SPACE"
	e.Message.Text = "hello"

	_, ok := toUnifiedMessage(e)
	if ok {
		t.Fatal("expected ADDED_TO_SPACE event to be ignored")
	}
}

func TestToUnifiedMessageIgnoresEmptyText(t *testing.T) {
	var e chatEvent
	e.Type = "MESSAGE"
	e.Message.Text = "   "

	_, ok := toUnifiedMessage(e)
	if ok {
		t.Fatal("expected blank message text to be ignored")
	}
}

func TestToUnifiedMessageBuildsDirectMessage(t *testing.T) {
	var e chatEvent
	e.Type = "MESSAGE"
	e.Message.Name = "spaces/foo/messages/bar"
	e.Message.Text = "hi there"
	e.Message.Sender.Name = "users/123"
	e.Message.Sender.DisplayName = "Ada Lovelace"
	e.Space.Name = "spaces/foo"
	e.Space.Type = "DM"

	msg, ok := toUnifiedMessage(e)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.ChatKind != bus.ChatDM {
		t.Errorf("ChatKind = %v, want ChatDM", msg.ChatKind)
	}
	if msg.ChatID != "spaces/foo" {
		t.Errorf("ChatID = %q, want %q", msg.ChatID, "spaces/foo")
	}
	if msg.Sender.CanonicalID != "googlechat:users/123" {
		t.Errorf("CanonicalID = %q, want %q", msg.Sender.CanonicalID, "googlechat:users/123")
	}
	if msg.Kind != bus.KindText {
		t.Errorf("Kind = %v, want KindText", msg.Kind)
	}
}

func TestToUnifiedMessageBuildsGroupMessageAndCommand(t *testing.T) {
	var e chatEvent
	e.Type = "MESSAGE"
	e.Message.Text = "/status"
	e.Space.Name = "spaces/room1"
	e.Space.Type = "ROOM"

	msg, ok := toUnifiedMessage(e)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.ChatKind != bus.ChatGroup {
		t.Errorf("ChatKind = %v, want ChatGroup", msg.ChatKind)
	}
	if msg.Kind != bus.KindCommand {
		t.Errorf("Kind = %v, want KindCommand for slash-prefixed text", msg.Kind)
	}
}
