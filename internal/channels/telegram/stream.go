package telegram

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/ngrant/bob/internal/streamreply"
)

// generalTopicThreadID is Telegram's sentinel for a forum's "General"
// topic; it must never be sent as messageThreadID (the API treats it as
// an error for the implicit default topic).
const generalTopicThreadID = 1

// resolveThreadIDForSend returns threadID unless it's the General topic,
// in which case it returns 0 (meaning: omit the field).
func resolveThreadIDForSend(threadID int) int {
	if threadID == generalTopicThreadID {
		return 0
	}
	return threadID
}

// turnTransport drives one streaming reply engine's worth of Telegram API
// calls for a single chat turn.
type turnTransport struct {
	bot      *telego.Bot
	chatID   int64
	threadID int
}

// NewTurnTransport builds the Telegram implementation of
// streamreply.Transport for one chat turn.
func NewTurnTransport(bot *telego.Bot, chatID int64, threadID int) streamreply.Transport {
	return &turnTransport{bot: bot, chatID: chatID, threadID: threadID}
}

func (t *turnTransport) applyThread(setThreadID func(int)) {
	if id := resolveThreadIDForSend(t.threadID); id > 0 {
		setThreadID(id)
	}
}

func (t *turnTransport) Send(ctx context.Context, text string, entities []streamreply.Entity, replyTo int64) (int64, error) {
	params := tu.Message(tu.ID(t.chatID), text)
	params.Entities = toTelegoEntities(entities)
	t.applyThread(func(id int) { params.MessageThreadID = id })
	if replyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: int(replyTo)}
	}
	msg, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, err
	}
	return int64(msg.MessageID), nil
}

func (t *turnTransport) Edit(ctx context.Context, messageID int64, text string, entities []streamreply.Entity) error {
	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(t.chatID),
		MessageID: int(messageID),
		Text:      text,
		Entities:  toTelegoEntities(entities),
	}
	_, err := t.bot.EditMessageText(ctx, params)
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
		return streamreply.ErrNotModified
	}
	return err
}

func (t *turnTransport) NotifyTyping(ctx context.Context) {
	params := &telego.SendChatActionParams{ChatID: tu.ID(t.chatID), Action: telego.ChatActionTyping}
	t.applyThread(func(id int) { params.MessageThreadID = id })
	if err := t.bot.SendChatAction(ctx, params); err != nil {
		slog.Debug("telegram: typing indicator failed", "error", err)
	}
}

func (t *turnTransport) SetReaction(ctx context.Context, messageID int64, emoji string) error {
	return t.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(t.chatID),
		MessageID: int(messageID),
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji}},
	})
}

func (t *turnTransport) SendTextReaction(ctx context.Context, messageID int64, emoji string) error {
	params := tu.Message(tu.ID(t.chatID), emoji)
	params.ReplyParameters = &telego.ReplyParameters{MessageID: int(messageID)}
	_, err := t.bot.SendMessage(ctx, params)
	return err
}

// RenderEntities converts a markdown-ish source string into plain text plus
// bold/italic/code/link entities. A small, self-contained converter rather
// than a full CommonMark parser: the engine only ever emits a narrow
// subset (bold, italic, inline code, fenced code, links), matching what
// the CLIs it drives actually produce.
func (t *turnTransport) RenderEntities(text string) (string, []streamreply.Entity) {
	return renderMarkdownEntities(text)
}

func toTelegoEntities(entities []streamreply.Entity) []telego.MessageEntity {
	if len(entities) == 0 {
		return nil
	}
	out := make([]telego.MessageEntity, 0, len(entities))
	for _, e := range entities {
		out = append(out, telego.MessageEntity{
			Type:     e.Type,
			Offset:   e.Offset,
			Length:   e.Length,
			URL:      e.URL,
			Language: e.Lang,
		})
	}
	return out
}
