// Package streamreply implements the transport-agnostic half of the
// streaming reply engine: directive parsing, reasoning-wrapper stripping,
// paragraph chunking, and the edit/append/silent flush state machine. A
// Transport plugs in the actual chat-API calls (Telegram today).
package streamreply

import (
	"regexp"
	"strings"
)

// StreamMode is what [[stream: ...]] switches the flush behavior to.
type StreamMode string

const (
	ModeEdit   StreamMode = "edit"
	ModeAppend StreamMode = "append"
	ModeOff    StreamMode = "off"
)

// Directives is what one buffer's worth of directive parsing yields.
type Directives struct {
	Reaction        string // [[react: X]]; empty if none seen
	StreamMode      StreamMode
	HasStreamMode   bool
	ReplyTo         int64 // [[reply_to: N]]; 0 if unset
	ReplyToCurrent  bool  // [[reply_to_current]]
	TelegramAliases map[string]string // [tg:tag[:value]] -> value ("" if no value)
}

var (
	reReact         = regexp.MustCompile(`\[\[react:\s*([^\]]+?)\s*\]\]`)
	reStreamMode    = regexp.MustCompile(`\[\[stream:\s*(edit|append|off)\s*\]\]`)
	reReplyTo       = regexp.MustCompile(`\[\[reply_to:\s*(\d+)\s*\]\]`)
	reReplyToCur    = regexp.MustCompile(`\[\[reply_to_current\]\]`)
	reTelegramAlias = regexp.MustCompile(`\[tg:([a-zA-Z_]+)(?::([^\]]*))?\]`)
)

// ParseDirectives strips all in-band directives from buffer and returns the
// remaining visible text plus whatever directives were found. Directives
// may appear anywhere in the buffer (the engine re-parses the whole buffer
// on every delta, not just the newly arrived fragment).
func ParseDirectives(buffer string) (visible string, d Directives) {
	d.TelegramAliases = make(map[string]string)
	visible = buffer

	if m := reReact.FindStringSubmatch(visible); m != nil {
		d.Reaction = strings.TrimSpace(m[1])
		visible = reReact.ReplaceAllString(visible, "")
	}
	if m := reStreamMode.FindStringSubmatch(visible); m != nil {
		d.StreamMode = StreamMode(m[1])
		d.HasStreamMode = true
		visible = reStreamMode.ReplaceAllString(visible, "")
	}
	if m := reReplyTo.FindStringSubmatch(visible); m != nil {
		var id int64
		for _, c := range m[1] {
			id = id*10 + int64(c-'0')
		}
		d.ReplyTo = id
		visible = reReplyTo.ReplaceAllString(visible, "")
	}
	if reReplyToCur.MatchString(visible) {
		d.ReplyToCurrent = true
		visible = reReplyToCur.ReplaceAllString(visible, "")
	}
	for _, m := range reTelegramAlias.FindAllStringSubmatch(visible, -1) {
		d.TelegramAliases[m[1]] = m[2]
	}
	visible = reTelegramAlias.ReplaceAllString(visible, "")

	return visible, d
}

var reThinking = regexp.MustCompile(`(?is)<thinking>.*?</thinking>`)
var reReasoning = regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`)

// Sanitize removes reasoning-wrapper tags an engine may emit inline before
// its visible answer.
func Sanitize(text string) string {
	text = reThinking.ReplaceAllString(text, "")
	text = reReasoning.ReplaceAllString(text, "")
	return text
}

// IsSilent reports whether text, once trimmed, is exactly one of the
// configured silent tokens (a sole-content sentinel, not a substring match
// — "HEARTBEAT_OK, see you then" should still be visible).
func IsSilent(text string, silentTokens map[string]bool) bool {
	if len(silentTokens) == 0 {
		return false
	}
	return silentTokens[strings.TrimSpace(text)]
}
