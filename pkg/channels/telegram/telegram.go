// Package telegram implements the Telegram Adapter (spec §6) on top of
// github.com/mymmrac/telego, grounded on the teacher's long-polling bot
// handler and markdown-to-HTML rendering.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegohandler"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/cursorbot/cursorbot/pkg/bus"
	"github.com/cursorbot/cursorbot/pkg/config"
	"github.com/cursorbot/cursorbot/pkg/gateway"
	"github.com/cursorbot/cursorbot/pkg/identity"
	"github.com/cursorbot/cursorbot/pkg/logger"
	"github.com/cursorbot/cursorbot/pkg/media"
	"github.com/cursorbot/cursorbot/pkg/utils"
)

var (
	reHeading    = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
	reBlockquote = regexp.MustCompile(`^>\s*(.*)$`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reBoldStar   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnder  = regexp.MustCompile(`__(.+?)__`)
	reItalic     = regexp.MustCompile(`_([^_]+)_`)
	reStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reListItem   = regexp.MustCompile(`^[-*]\s+`)
	reCodeBlock  = regexp.MustCompile("```[\\w]*\\n?([\\s\\S]*?)```")
	reInlineCode = regexp.MustCompile("`([^`]+)`")
)

// ReceiveFunc is how an adapter hands an inbound message to the Gateway
// (spec §6: "adapters invoke gateway.receive(...) themselves").
type ReceiveFunc func(ctx context.Context, msg bus.UnifiedMessage) bool

// Adapter implements gateway.Adapter for Telegram.
type Adapter struct {
	cfg     config.TelegramConfig
	bot     *telego.Bot
	bh      *telegohandler.BotHandler
	receive ReceiveFunc
	store   media.MediaStore

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	users map[string]gateway.CanonicalUser // platform id -> last-seen identity
}

// New creates a Telegram adapter. store may be nil, in which case inbound
// attachments are passed through as bare URLs instead of local media refs.
func New(cfg config.TelegramConfig, receive ReceiveFunc, store media.MediaStore) (*Adapter, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	} else if os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" {
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Adapter{
		cfg:     cfg,
		bot:     bot,
		receive: receive,
		store:   store,
		users:   make(map[string]gateway.CanonicalUser),
	}, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	updates, err := a.bot.UpdatesViaLongPolling(a.ctx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		a.cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	bh, err := telegohandler.NewBotHandler(a.bot, updates)
	if err != nil {
		a.cancel()
		return fmt.Errorf("create bot handler: %w", err)
	}
	a.bh = bh

	bh.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		a.handleMessage(a.ctx, &message)
		return nil
	}, th.AnyMessage())

	logger.InfoCF("telegram", "bot connected", map[string]any{"username": a.bot.Username()})
	go bh.Start()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.bh != nil {
		a.bh.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) (bool, error) {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return false, fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	if msg.Content != "" {
		tgMsg := tu.Message(tu.ID(chatID), markdownToTelegramHTML(msg.Content))
		tgMsg.ParseMode = telego.ModeHTML
		if _, err := a.bot.SendMessage(ctx, tgMsg); err != nil {
			logger.WarnCF("telegram", "HTML send failed, retrying as plain text", map[string]any{"error": err.Error()})
			tgMsg.ParseMode = ""
			if _, err := a.bot.SendMessage(ctx, tgMsg); err != nil {
				return false, fmt.Errorf("telegram send: %w", err)
			}
		}
	}

	for _, att := range msg.Attachments {
		if err := a.sendAttachment(ctx, chatID, att); err != nil {
			logger.WarnCF("telegram", "attachment send failed", map[string]any{"error": err.Error()})
		}
	}
	return true, nil
}

func (a *Adapter) sendAttachment(ctx context.Context, chatID int64, att bus.Attachment) error {
	if a.store == nil {
		return fmt.Errorf("no media store configured for outbound attachments")
	}
	localPath, err := a.store.Resolve(att.Ref)
	if err != nil {
		return err
	}
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	var sendErr error
	switch att.Kind {
	case bus.KindImage:
		_, sendErr = a.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID: tu.ID(chatID), Photo: telego.InputFile{File: file}, Caption: att.Caption,
		})
	case bus.KindAudio:
		_, sendErr = a.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID: tu.ID(chatID), Audio: telego.InputFile{File: file}, Caption: att.Caption,
		})
	case bus.KindVideo:
		_, sendErr = a.bot.SendVideo(ctx, &telego.SendVideoParams{
			ChatID: tu.ID(chatID), Video: telego.InputFile{File: file}, Caption: att.Caption,
		})
	default:
		_, sendErr = a.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID: tu.ID(chatID), Document: telego.InputFile{File: file}, Caption: att.Caption,
		})
	}
	return sendErr
}

// GetUser resolves a platform sender id against identities seen in inbound
// messages. Telegram's Bot API has no standalone user lookup endpoint — a
// bot may only see users it shares a chat with — so this caches the sender
// info captured on ingress, mirroring the teacher's per-chat chatIDs cache.
func (a *Adapter) GetUser(ctx context.Context, platformSenderID string) (*gateway.CanonicalUser, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	user, ok := a.users[platformSenderID]
	if !ok {
		return nil, fmt.Errorf("telegram: no known user for id %q", platformSenderID)
	}
	return &user, nil
}

func (a *Adapter) rememberUser(platformID string, user gateway.CanonicalUser) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[platformID] = user
}

func (a *Adapter) handleMessage(ctx context.Context, message *telego.Message) {
	if message == nil || message.From == nil {
		return
	}

	user := message.From
	platformID := strconv.FormatInt(user.ID, 10)
	canonical := identity.BuildCanonicalID("telegram", platformID)

	a.rememberUser(platformID, gateway.CanonicalUser{
		PlatformID:  platformID,
		Username:    user.Username,
		DisplayName: user.FirstName,
	})

	sender := bus.SenderInfo{
		Platform:    "telegram",
		PlatformID:  platformID,
		CanonicalID: canonical,
		Username:    user.Username,
		DisplayName: user.FirstName,
	}

	content := message.Text
	if message.Caption != "" {
		content = appendLine(content, message.Caption)
	}

	chatIDStr := strconv.FormatInt(message.Chat.ID, 10)
	messageIDStr := strconv.Itoa(message.MessageID)
	scope := "telegram:" + chatIDStr + ":" + messageIDStr

	var attachments []bus.Attachment
	if len(message.Photo) > 0 {
		photo := message.Photo[len(message.Photo)-1]
		if ref, ok := a.downloadToStore(ctx, photo.FileID, "photo.jpg", scope); ok {
			attachments = append(attachments, bus.Attachment{Kind: bus.KindImage, Ref: ref, Filename: "photo.jpg"})
		}
	}
	if message.Voice != nil {
		if ref, ok := a.downloadToStore(ctx, message.Voice.FileID, "voice.ogg", scope); ok {
			attachments = append(attachments, bus.Attachment{Kind: bus.KindAudio, Ref: ref, Filename: "voice.ogg"})
		}
	}
	if message.Audio != nil {
		if ref, ok := a.downloadToStore(ctx, message.Audio.FileID, "audio.mp3", scope); ok {
			attachments = append(attachments, bus.Attachment{Kind: bus.KindAudio, Ref: ref, Filename: "audio.mp3"})
		}
	}
	if message.Document != nil {
		name := message.Document.FileName
		if name == "" {
			name = "document"
		}
		if ref, ok := a.downloadToStore(ctx, message.Document.FileID, name, scope); ok {
			attachments = append(attachments, bus.Attachment{Kind: bus.KindFile, Ref: ref, Filename: name})
		}
	}

	if content == "" && len(attachments) == 0 {
		return
	}

	kind := bus.KindText
	if strings.HasPrefix(strings.TrimSpace(content), "/") {
		kind = bus.KindCommand
	} else if len(attachments) > 0 && content == "" {
		kind = attachments[0].Kind
	}

	peerKind := bus.ChatDM
	peerID := platformID
	if message.Chat.Type != "private" {
		peerKind = bus.ChatGroup
		peerID = chatIDStr
	}

	replyTo := ""
	if message.ReplyToMessage != nil {
		replyTo = strconv.Itoa(message.ReplyToMessage.MessageID)
	}

	um := bus.UnifiedMessage{
		ID:        messageIDStr,
		Transport: "telegram",
		Kind:      kind,
		Content:   content,
		Sender:    sender,
		Peer:      bus.Peer{Kind: string(peerKind), ID: peerID},
		ChatID:    chatIDStr,
		ChatKind:  peerKind,
		Timestamp: time.Now(),
		ReplyTo:   replyTo,
		Attachments: attachments,
		Metadata: map[string]string{
			"username":   user.Username,
			"first_name": user.FirstName,
		},
		Raw: message,
	}

	logger.DebugCF("telegram", "received message", map[string]any{
		"sender":  canonical,
		"chat_id": chatIDStr,
		"preview": utils.Truncate(content, 50),
	})

	a.receive(ctx, um)
}

func (a *Adapter) downloadToStore(ctx context.Context, fileID, filename, scope string) (string, bool) {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil || file.FilePath == "" {
		logger.WarnCF("telegram", "failed to resolve file", map[string]any{"error": err})
		return "", false
	}
	url := a.bot.FileDownloadURL(file.FilePath)
	localPath := utils.DownloadFile(url, filename, utils.DownloadOptions{LoggerPrefix: "telegram"})
	if localPath == "" {
		return "", false
	}
	if a.store == nil {
		return localPath, true
	}
	ref, err := a.store.Store(localPath, media.MediaMeta{Filename: filename, Source: "telegram"}, scope)
	if err != nil {
		return localPath, true
	}
	return ref, true
}

func appendLine(content, suffix string) string {
	if content == "" {
		return suffix
	}
	return content + "\n" + suffix
}

func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(chatIDStr, 10, 64)
}

func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	codeBlocks := extractCodeBlocks(text)
	text = codeBlocks.text

	inlineCodes := extractInlineCodes(text)
	text = inlineCodes.text

	text = reHeading.ReplaceAllString(text, "$1")
	text = reBlockquote.ReplaceAllString(text, "$1")
	text = escapeHTML(text)
	text = reLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = reBoldStar.ReplaceAllString(text, "<b>$1</b>")
	text = reBoldUnder.ReplaceAllString(text, "<b>$1</b>")
	text = reItalic.ReplaceAllStringFunc(text, func(s string) string {
		match := reItalic.FindStringSubmatch(s)
		if len(match) < 2 {
			return s
		}
		return "<i>" + match[1] + "</i>"
	})
	text = reStrike.ReplaceAllString(text, "<s>$1</s>")
	text = reListItem.ReplaceAllString(text, "• ")

	for i, code := range inlineCodes.codes {
		escaped := escapeHTML(code)
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00IC%d\x00", i), fmt.Sprintf("<code>%s</code>", escaped))
	}
	for i, code := range codeBlocks.codes {
		escaped := escapeHTML(code)
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00CB%d\x00", i), fmt.Sprintf("<pre><code>%s</code></pre>", escaped))
	}

	return text
}

type codeBlockMatch struct {
	text  string
	codes []string
}

func extractCodeBlocks(text string) codeBlockMatch {
	matches := reCodeBlock.FindAllStringSubmatch(text, -1)
	codes := make([]string, 0, len(matches))
	for _, match := range matches {
		codes = append(codes, match[1])
	}
	i := 0
	text = reCodeBlock.ReplaceAllStringFunc(text, func(m string) string {
		placeholder := fmt.Sprintf("\x00CB%d\x00", i)
		i++
		return placeholder
	})
	return codeBlockMatch{text: text, codes: codes}
}

type inlineCodeMatch struct {
	text  string
	codes []string
}

func extractInlineCodes(text string) inlineCodeMatch {
	matches := reInlineCode.FindAllStringSubmatch(text, -1)
	codes := make([]string, 0, len(matches))
	for _, match := range matches {
		codes = append(codes, match[1])
	}
	i := 0
	text = reInlineCode.ReplaceAllStringFunc(text, func(m string) string {
		placeholder := fmt.Sprintf("\x00IC%d\x00", i)
		i++
		return placeholder
	})
	return inlineCodeMatch{text: text, codes: codes}
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}
