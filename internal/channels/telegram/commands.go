package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/ngrant/bob/internal/jobstore"
)

// JobsLister lets /status enumerate a chat's upcoming scheduled jobs.
type JobsLister interface {
	ListForChat(chatID int64) ([]jobstore.Job, error)
}

// SetJobsLister wires the job store /status reports from.
func (c *Channel) SetJobsLister(jobs JobsLister) { c.jobs = jobs }

// handleBotCommand checks if the message is a known bot command and
// handles it in place, without going through a chat turn at all.
// Returns true if the message was handled as a command.
func (c *Channel) handleBotCommand(ctx context.Context, chatID int64, chatIDStr, localKey, text, senderID string, isGroup, isForum bool, messageThreadID int) bool {
	if len(text) == 0 || text[0] != '/' {
		return false
	}

	cmd := strings.SplitN(text, " ", 2)[0]
	cmd = strings.SplitN(cmd, "@", 2)[0]
	cmd = strings.ToLower(cmd)

	chatIDObj := tu.ID(chatID)
	setThread := func(msg *telego.SendMessageParams) {
		if id := resolveThreadIDForSend(messageThreadID); id > 0 {
			msg.MessageThreadID = id
		}
	}

	switch cmd {
	case "/start":
		// Let it fall through into a normal turn so the configured engine
		// produces its own greeting.
		return false

	case "/help":
		helpText := "Commands:\n" +
			"/claude, /codex, /opencode, /pi — use that engine for one turn\n" +
			"/agent [name] — show or set this chat's default engine\n" +
			"/status — current engine and upcoming jobs\n" +
			"/reset — clear this chat's session and project/branch binding\n" +
			"/<project> — bind to a configured project\n" +
			"@<branch> — bind to a branch within the current project\n"
		msg := tu.Message(chatIDObj, helpText)
		setThread(msg)
		c.bot.SendMessage(ctx, msg)
		return true

	case "/reset":
		aborted := c.coord.AbortChat(chatID, threadIDPtr(messageThreadID))
		_ = c.coord.Sessions().Reset(chatID)
		reply := "Session reset."
		if len(aborted) > 0 {
			reply = "Stopped the in-flight turn and reset the session."
		}
		msg := tu.Message(chatIDObj, reply)
		setThread(msg)
		c.bot.SendMessage(ctx, msg)
		return true

	case "/status":
		msg := tu.Message(chatIDObj, c.statusText(chatID))
		setThread(msg)
		c.bot.SendMessage(ctx, msg)
		return true
	}

	return false
}

func threadIDPtr(threadID int) *int64 {
	if threadID == 0 {
		return nil
	}
	t := int64(threadID)
	return &t
}

// statusText reports the chat's current default engine and its next
// few scheduled jobs.
func (c *Channel) statusText(chatID int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Engine: %s\n", c.coord.DefaultEngine(chatID))

	if c.jobs == nil {
		return b.String()
	}
	jobs, err := c.jobs.ListForChat(chatID)
	if err != nil {
		return b.String()
	}

	b.WriteString("Upcoming jobs:\n")
	shown := 0
	for _, j := range jobs {
		if !j.Enabled || j.NextRunAt == nil {
			continue
		}
		when := time.UnixMilli(*j.NextRunAt).Local().Format("Mon Jan 2 15:04")
		fmt.Fprintf(&b, "  %s — %s\n", when, j.JobType)
		shown++
		if shown >= 5 {
			break
		}
	}
	if shown == 0 {
		b.WriteString("  (none)\n")
	}
	return b.String()
}
