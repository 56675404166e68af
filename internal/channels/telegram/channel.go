package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/ngrant/bob/internal/bus"
	"github.com/ngrant/bob/internal/config"
	"github.com/ngrant/bob/internal/coordinator"
	"github.com/ngrant/bob/internal/dnd"
	"github.com/ngrant/bob/internal/session"
	"github.com/ngrant/bob/internal/streamreply"
)

// getUpdatesTimeout is the long-poll wait, matching Telegram's own
// recommendation of a long timeout to cut request volume.
const getUpdatesTimeout = 30

// offsetDoc is the on-disk shape of data/telegram-offset.json.
type offsetDoc struct {
	Offset int `json:"offset"`
}

// Channel is bob's sole chat transport: a long-polling Telegram bot that
// turns inbound updates into coordinator turns and relays a turn's engine
// reply back out.
type Channel struct {
	bot         *telego.Bot
	botUsername string
	cfg         *config.Config
	coord       *coordinator.Coordinator
	dndState    *dnd.State
	offsetPath  string

	dedupe    *bus.DedupeCache
	debouncer *bus.InboundDebouncer
	inbound   *bus.MessageBus
	jobs      JobsLister
}

// New constructs a Channel bound to a live bot token. It does not start
// polling; call Run for that.
func New(token string, cfg *config.Config, coord *coordinator.Coordinator, dndState *dnd.State, offsetPath string) (*Channel, error) {
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}

	me, err := bot.GetMe(context.Background())
	if err != nil {
		return nil, fmt.Errorf("telegram: getMe: %w", err)
	}

	c := &Channel{
		bot:         bot,
		botUsername: me.Username,
		cfg:         cfg,
		coord:       coord,
		dndState:    dndState,
		offsetPath:  offsetPath,
		dedupe:      bus.NewDedupeCache(20*time.Minute, 5000),
		inbound:     bus.New(),
	}
	c.debouncer = bus.NewInboundDebouncer(600*time.Millisecond, c.inbound.PublishInbound)
	return c, nil
}

func (c *Channel) readOffset() int {
	data, err := os.ReadFile(c.offsetPath)
	if err != nil {
		return 0
	}
	var doc offsetDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0
	}
	return doc.Offset
}

func (c *Channel) saveOffset(offset int) {
	data, err := json.Marshal(offsetDoc{Offset: offset})
	if err != nil {
		return
	}
	tmp := c.offsetPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, c.offsetPath)
}

// Run polls for updates until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	params := &telego.GetUpdatesParams{
		Timeout:        getUpdatesTimeout,
		Offset:         c.readOffset(),
		AllowedUpdates: []string{"message"},
	}

	updates, err := c.bot.UpdatesViaLongPolling(ctx, params)
	if err != nil {
		return fmt.Errorf("telegram: long polling: %w", err)
	}

	go c.drainInbound(ctx)

	for {
		select {
		case <-ctx.Done():
			c.debouncer.Stop()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			c.saveOffset(update.UpdateID + 1)
			c.handleUpdate(ctx, update)
		}
	}
}

// drainInbound consumes debounced messages off the bus and dispatches each
// as its own turn, decoupling turn execution from the update-handling loop.
func (c *Channel) drainInbound(ctx context.Context) {
	for {
		msg, ok := c.inbound.ConsumeInbound(ctx)
		if !ok {
			return
		}
		c.dispatch(msg)
	}
}

func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	dedupeKey := fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID)
	if c.dedupe.IsDuplicate(dedupeKey) {
		return
	}

	if !c.cfg.IsAllowed(msg.From.ID) {
		slog.Info("telegram: rejected message from unlisted user", "user_id", msg.From.ID)
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	msgCtx := buildMessageContext(msg, c.botUsername)
	text = enrichContentWithContext(text, msgCtx)

	var media []string
	if len(msg.Photo) > 0 {
		if path, err := c.downloadPhoto(ctx, msg.Photo); err != nil {
			slog.Warn("telegram: photo download/sanitize failed", "error", err)
		} else {
			media = append(media, path)
		}
	} else if msg.Document != nil && isImageFile(msg.Document.FileName) {
		if path, err := c.downloadDocument(ctx, msg.Document.FileID, msg.Document.FileName); err != nil {
			slog.Warn("telegram: document download/sanitize failed", "error", err)
		} else {
			media = append(media, path)
		}
	}

	if strings.TrimSpace(text) == "" && len(media) == 0 {
		return
	}

	threadID := 0
	if msg.IsTopicMessage {
		threadID = msg.MessageThreadID
	}

	if c.handleBotCommand(ctx, msg.Chat.ID, strconv.FormatInt(msg.Chat.ID, 10), "", text, strconv.FormatInt(msg.From.ID, 10), msg.Chat.Type != "private", msg.IsTopicMessage, threadID) {
		return
	}

	in := bus.InboundMessage{
		Channel:  "telegram",
		SenderID: strconv.FormatInt(msg.From.ID, 10),
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		Media:    media,
		ThreadID: threadID,
		Content:  text,
		Metadata: map[string]string{"message_id": strconv.Itoa(msg.MessageID)},
	}
	c.debouncer.Push(in)
}

// dispatch handles one inbound message consumed off the bus by
// drainInbound: it parses directives out of the message, checks DND, and
// runs a turn.
func (c *Channel) dispatch(msg bus.InboundMessage) {
	ctx := context.Background()

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return
	}
	var threadPtr *int64
	if msg.ThreadID != 0 {
		t := int64(msg.ThreadID)
		threadPtr = &t
	}

	if c.dndState != nil {
		if status, err := c.dndState.IsActive(time.Now()); err == nil && status.Active {
			slog.Debug("telegram: dropping message, DND active", "chat_id", chatID, "reason", status.Reason)
			return
		}
	}

	d := parseInputDirectives(msg.Content, func(alias string) bool {
		_, ok := c.cfg.Projects[alias]
		return ok
	})

	if d.AgentToggle {
		c.handleAgentToggle(ctx, chatID, d.AgentName)
		if d.Prompt == "" {
			return
		}
	}

	if d.Project != "" || d.Branch != "" {
		sessCtx := &session.Context{Project: d.Project, Branch: d.Branch}
		if existing := c.coord.Sessions().Get(chatID).Context; existing != nil {
			if d.Project == "" {
				sessCtx.Project = existing.Project
			}
			if d.Branch == "" {
				sessCtx.Branch = existing.Branch
			}
		}
		_ = c.coord.Sessions().SetContext(chatID, sessCtx)
		if d.Prompt == "" {
			return
		}
	}

	if d.Prompt == "" && len(msg.Media) == 0 {
		return
	}

	engineID := d.Engine
	if engineID == "" {
		engineID = c.coord.DefaultEngine(chatID)
	}

	var initiatorID int64
	if idStr, ok := msg.Metadata["message_id"]; ok {
		if id, err := strconv.ParseInt(idStr, 10, 64); err == nil {
			initiatorID = id
		}
	}

	images := loadImages(msg.Media)

	if _, err := c.coord.RunChatTurn(ctx, chatID, threadPtr, engineID, d.Prompt, images, initiatorID); err != nil {
		slog.Warn("telegram: turn failed", "chat_id", chatID, "engine", engineID, "error", err)
	}
}

// loadImages reads sanitized image files back into memory for the engine
// request, skipping (and logging) any that can no longer be read.
func loadImages(paths []string) [][]byte {
	if len(paths) == 0 {
		return nil
	}
	images := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("telegram: failed to read sanitized image", "path", p, "error", err)
			continue
		}
		images = append(images, data)
		_ = os.Remove(p)
	}
	return images
}

// downloadPhoto fetches the largest size of an inbound photo and sanitizes
// it for vision input, returning the sanitized file's local path.
func (c *Channel) downloadPhoto(ctx context.Context, sizes []telego.PhotoSize) (string, error) {
	largest := sizes[len(sizes)-1]
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: largest.FileID})
	if err != nil {
		return "", fmt.Errorf("getFile: %w", err)
	}

	resp, err := http.Get(c.bot.FileDownloadURL(file.FilePath))
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp("", "bob_inbound_*"+filepath.Ext(file.FilePath))
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	sanitized, err := sanitizeImage(tmp.Name())
	os.Remove(tmp.Name())
	if err != nil {
		return "", err
	}
	return sanitized, nil
}

// downloadDocument fetches and sanitizes an image sent as an uncompressed
// document (some clients use this to preserve quality).
func (c *Channel) downloadDocument(ctx context.Context, fileID, fileName string) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("getFile: %w", err)
	}

	resp, err := http.Get(c.bot.FileDownloadURL(file.FilePath))
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp("", "bob_inbound_*"+filepath.Ext(fileName))
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	sanitized, err := sanitizeImage(tmp.Name())
	os.Remove(tmp.Name())
	if err != nil {
		return "", err
	}
	return sanitized, nil
}

func (c *Channel) handleAgentToggle(ctx context.Context, chatID int64, name string) {
	if name == "" {
		current := c.coord.DefaultEngine(chatID)
		c.SendMessage(ctx, chatID, nil, fmt.Sprintf("Default engine for this chat: %s", current))
		return
	}
	if _, err := c.coord.Router().Get(name); err != nil {
		c.SendMessage(ctx, chatID, nil, fmt.Sprintf("Unknown engine %q", name))
		return
	}
	if err := c.coord.SetDefaultEngine(chatID, name); err != nil {
		slog.Warn("telegram: failed to set default engine", "chat_id", chatID, "error", err)
		return
	}
	c.SendMessage(ctx, chatID, nil, fmt.Sprintf("Default engine set to %s", name))
}

// SendMessage implements jobexec.Sender: delivers a plain-text message
// outside of any streaming turn (scheduled reminders, command replies).
func (c *Channel) SendMessage(ctx context.Context, chatID int64, threadID *int64, text string) error {
	for _, chunk := range chunkPlain(text) {
		params := tu.Message(tu.ID(chatID), chunk)
		if threadID != nil {
			if id := resolveThreadIDForSend(int(*threadID)); id > 0 {
				params.MessageThreadID = id
			}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return err
		}
	}
	return nil
}

// Transport builds a streaming reply transport bound to one chat/thread,
// satisfying coordinator.TransportFactory.
func (c *Channel) Transport(chatID int64, threadID int) streamreply.Transport {
	return NewTurnTransport(c.bot, chatID, threadID)
}

func chunkPlain(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= telegramMaxMessageLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > telegramMaxMessageLen {
		chunks = append(chunks, text[:telegramMaxMessageLen])
		text = text[telegramMaxMessageLen:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
