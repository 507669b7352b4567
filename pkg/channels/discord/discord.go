// Package discord implements the Discord Adapter (spec §6) on top of
// github.com/bwmarrin/discordgo, grounded on the teacher's session/handler
// wiring and attachment download path.
package discord

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/config"
	"github.com/cursorbot/cursorbot/pkg/gateway"
	"github.com/cursorbot/cursorbot/pkg/identity"
	"github.com/cursorbot/cursorbot/pkg/logger"
	"github.com/cursorbot/cursorbot/pkg/media"
	"github.com/cursorbot/cursorbot/pkg/utils"
)

const sendTimeout = 10 * time.Second

// ReceiveFunc is how an adapter hands an inbound message to the Gateway.
type ReceiveFunc func(ctx context.Context, msg bus.UnifiedMessage) bool

// Adapter implements gateway.Adapter for Discord.
type Adapter struct {
	cfg     config.DiscordConfig
	session *discordgo.Session
	receive ReceiveFunc
	store   media.MediaStore

	ctx       context.Context
	cancel    context.CancelFunc
	botUserID string
}

// New creates a Discord adapter. store may be nil, in which case inbound
// attachments are passed through as bare URLs instead of local media refs.
func New(cfg config.DiscordConfig, receive ReceiveFunc, store media.MediaStore) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Adapter{cfg: cfg, session: session, receive: receive, store: store}, nil
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	botUser, err := a.session.User("@me")
	if err != nil {
		return fmt.Errorf("get bot user: %w", err)
	}
	a.botUserID = botUser.ID

	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(a.ctx, s, m)
	})

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	logger.InfoCF("discord", "bot connected", map[string]any{"username": botUser.Username, "user_id": botUser.ID})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) (bool, error) {
	if msg.ChatID == "" {
		return false, fmt.Errorf("discord: empty channel id")
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	files := a.openAttachments(msg.Attachments)
	defer closeFiles(files)

	if len(files) == 0 && msg.Content == "" {
		return true, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.session.ChannelMessageSendComplex(msg.ChatID, &discordgo.MessageSend{
			Content: msg.Content,
			Files:   files,
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("discord send: %w", err)
		}
		return true, nil
	case <-sendCtx.Done():
		return false, sendCtx.Err()
	}
}

func (a *Adapter) openAttachments(attachments []bus.Attachment) []*discordgo.File {
	if a.store == nil || len(attachments) == 0 {
		return nil
	}
	files := make([]*discordgo.File, 0, len(attachments))
	for _, att := range attachments {
		localPath, err := a.store.Resolve(att.Ref)
		if err != nil {
			logger.WarnCF("discord", "failed to resolve attachment ref", map[string]any{"ref": att.Ref, "error": err.Error()})
			continue
		}
		f, err := os.Open(localPath)
		if err != nil {
			logger.WarnCF("discord", "failed to open attachment file", map[string]any{"path": localPath, "error": err.Error()})
			continue
		}
		filename := att.Filename
		if filename == "" {
			filename = "file"
		}
		files = append(files, &discordgo.File{Name: filename, ContentType: att.ContentType, Reader: f})
	}
	return files
}

func closeFiles(files []*discordgo.File) {
	for _, f := range files {
		if closer, ok := f.Reader.(*os.File); ok {
			closer.Close()
		}
	}
}

func (a *Adapter) GetUser(ctx context.Context, platformSenderID string) (*gateway.CanonicalUser, error) {
	user, err := a.session.User(platformSenderID)
	if err != nil {
		return nil, fmt.Errorf("discord: get user %q: %w", platformSenderID, err)
	}
	return &gateway.CanonicalUser{
		PlatformID:  user.ID,
		Username:    user.Username,
		DisplayName: displayName(user),
	}, nil
}

func displayName(user *discordgo.User) string {
	name := user.Username
	if user.Discriminator != "" && user.Discriminator != "0" {
		name += "#" + user.Discriminator
	}
	return name
}

func (a *Adapter) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.ID == a.botUserID {
		return
	}

	platformID := m.Author.ID
	canonical := identity.BuildCanonicalID("discord", platformID)
	sender := bus.SenderInfo{
		Platform:    "discord",
		PlatformID:  platformID,
		CanonicalID: canonical,
		Username:    m.Author.Username,
		DisplayName: displayName(m.Author),
	}

	content := a.stripBotMention(m.Content)
	scope := "discord:" + m.ChannelID + ":" + m.ID

	var attachments []bus.Attachment
	for _, att := range m.Attachments {
		kind := bus.KindFile
		switch {
		case utils.IsAudioFile(att.Filename, att.ContentType):
			kind = bus.KindAudio
		case strings.HasPrefix(att.ContentType, "image/"):
			kind = bus.KindImage
		case strings.HasPrefix(att.ContentType, "video/"):
			kind = bus.KindVideo
		}

		ref := att.URL
		if a.store != nil {
			if localPath := utils.DownloadFile(att.URL, att.Filename, utils.DownloadOptions{LoggerPrefix: "discord"}); localPath != "" {
				if stored, err := a.store.Store(localPath, media.MediaMeta{Filename: att.Filename, ContentType: att.ContentType, Source: "discord"}, scope); err == nil {
					ref = stored
				}
			}
		}
		attachments = append(attachments, bus.Attachment{Kind: kind, Ref: ref, Filename: att.Filename, ContentType: att.ContentType})
	}

	if content == "" && len(attachments) == 0 {
		return
	}

	kind := bus.KindText
	if strings.HasPrefix(strings.TrimSpace(content), "/") {
		kind = bus.KindCommand
	} else if content == "" && len(attachments) > 0 {
		kind = attachments[0].Kind
	}

	peerKind := bus.ChatGroup
	peerID := m.ChannelID
	if m.GuildID == "" {
		peerKind = bus.ChatDM
		peerID = platformID
	}

	um := bus.UnifiedMessage{
		ID:          m.ID,
		Transport:   "discord",
		Kind:        kind,
		Content:     content,
		Sender:      sender,
		Peer:        bus.Peer{Kind: string(peerKind), ID: peerID},
		ChatID:      m.ChannelID,
		ChatKind:    peerKind,
		Timestamp:   time.Now(),
		Attachments: attachments,
		Metadata: map[string]string{
			"username":     m.Author.Username,
			"display_name": sender.DisplayName,
			"guild_id":     m.GuildID,
		},
		Raw: m,
	}

	logger.DebugCF("discord", "received message", map[string]any{
		"sender":  canonical,
		"chat_id": m.ChannelID,
		"preview": utils.Truncate(content, 50),
	})

	a.receive(ctx, um)
}

// stripBotMention removes the bot mention from the message content.
// Discord mentions have the format <@USER_ID> or <@!USER_ID> (with nickname).
func (a *Adapter) stripBotMention(text string) string {
	if a.botUserID == "" {
		return strings.TrimSpace(text)
	}
	text = strings.ReplaceAll(text, fmt.Sprintf("<@%s>", a.botUserID), "")
	text = strings.ReplaceAll(text, fmt.Sprintf("<@!%s>", a.botUserID), "")
	return strings.TrimSpace(text)
}
