package streamreply

import (
	"strings"
	"testing"
)

func TestParseDirectivesStripsAndExtracts(t *testing.T) {
	buf := "Here's the answer. [[react: 👍]] [[stream: append]] [[reply_to: 42]] [tg:spoiler]"
	visible, d := ParseDirectives(buf)

	if strings.TrimSpace(visible) != "Here's the answer." {
		t.Errorf("visible = %q", visible)
	}
	if d.Reaction != "👍" {
		t.Errorf("reaction = %q", d.Reaction)
	}
	if !d.HasStreamMode || d.StreamMode != ModeAppend {
		t.Errorf("stream mode = %v/%v", d.HasStreamMode, d.StreamMode)
	}
	if d.ReplyTo != 42 {
		t.Errorf("replyTo = %d", d.ReplyTo)
	}
	if _, ok := d.TelegramAliases["spoiler"]; !ok {
		t.Errorf("expected spoiler alias, got %v", d.TelegramAliases)
	}
}

func TestParseDirectivesReplyToCurrent(t *testing.T) {
	_, d := ParseDirectives("ok [[reply_to_current]]")
	if !d.ReplyToCurrent {
		t.Error("expected reply_to_current flag")
	}
}

func TestParseDirectivesNoneFound(t *testing.T) {
	visible, d := ParseDirectives("just plain text")
	if visible != "just plain text" {
		t.Errorf("visible = %q", visible)
	}
	if d.Reaction != "" || d.HasStreamMode || d.ReplyTo != 0 || d.ReplyToCurrent {
		t.Errorf("expected no directives found, got %+v", d)
	}
}

func TestSanitizeStripsThinkingBlocks(t *testing.T) {
	got := Sanitize("<thinking>internal reasoning here</thinking>The answer is 42.")
	if got != "The answer is 42." {
		t.Errorf("sanitize = %q", got)
	}
}

func TestIsSilentExactMatchOnly(t *testing.T) {
	tokens := map[string]bool{"HEARTBEAT_OK": true}
	if !IsSilent("HEARTBEAT_OK", tokens) {
		t.Error("expected exact token to be silent")
	}
	if !IsSilent("  HEARTBEAT_OK  ", tokens) {
		t.Error("expected whitespace-trimmed token to be silent")
	}
	if IsSilent("HEARTBEAT_OK, see you then", tokens) {
		t.Error("substring containing the token should not be treated as silent")
	}
}
